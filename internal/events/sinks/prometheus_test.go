package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/calebduke/webharvest/internal/events"
)

// TestPrometheusSinkCounters verifies events land on the right collectors.
func TestPrometheusSinkCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	s, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	batch := []events.Event{
		{Type: events.TypeInstanceCreated, InstanceID: "i1"},
		{Type: events.TypeInstanceCreated, InstanceID: "i2"},
		{Type: events.TypeInstanceRetired, InstanceID: "i1", Reason: "idle"},
		{Type: events.TypeInstanceCrashed, InstanceID: "i2"},
		{Type: events.TypeJobRetried, JobID: "j1"},
		{Type: events.TypeJobCompleted, JobID: "j1", Result: "succeeded", Dur: 2 * time.Second},
		{Type: events.TypeJobCompleted, JobID: "j2", Result: "failed"},
		{Type: events.TypeChunksEmbedded, JobID: "j1", Count: 7},
	}
	require.NoError(t, s.Consume(context.Background(), batch))

	require.Equal(t, 2.0, testutil.ToFloat64(s.instancesCreated))
	require.Equal(t, 1.0, testutil.ToFloat64(s.instancesRetired.WithLabelValues("idle")))
	require.Equal(t, 1.0, testutil.ToFloat64(s.instancesCrashed))
	require.Equal(t, 1.0, testutil.ToFloat64(s.jobRetries))
	require.Equal(t, 1.0, testutil.ToFloat64(s.jobsCompleted.WithLabelValues("succeeded")))
	require.Equal(t, 1.0, testutil.ToFloat64(s.jobsCompleted.WithLabelValues("failed")))
	require.Equal(t, 7.0, testutil.ToFloat64(s.chunksEmbedded))
}

// TestPrometheusSinkSuspendGauge verifies the suspension gauge tracks the
// circuit state.
func TestPrometheusSinkSuspendGauge(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	s, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Consume(ctx, []events.Event{{Type: events.TypePoolSuspended}}))
	require.Equal(t, 1.0, testutil.ToFloat64(s.poolSuspended))

	require.NoError(t, s.Consume(ctx, []events.Event{{Type: events.TypePoolResumed}}))
	require.Equal(t, 0.0, testutil.ToFloat64(s.poolSuspended))
}

// TestPrometheusSinkDoubleRegister verifies collector collisions surface as
// errors instead of panics.
func TestPrometheusSinkDoubleRegister(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
