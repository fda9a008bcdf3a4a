package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestBackoffGrowsExponentially verifies jitter-free delays double per
// requeue and respect the cap.
func TestBackoffGrowsExponentially(t *testing.T) {
	t.Parallel()

	noJitter := &Backoff{cfg: BackoffConfig{
		Base:       100 * time.Millisecond,
		Max:        time.Second,
		Multiplier: 2,
	}}
	require.Equal(t, 100*time.Millisecond, noJitter.Delay(0))
	require.Equal(t, 200*time.Millisecond, noJitter.Delay(1))
	require.Equal(t, 400*time.Millisecond, noJitter.Delay(2))
	require.Equal(t, time.Second, noJitter.Delay(10), "delays are capped at Max")
}

// TestBackoffJitterBounds verifies jittered delays stay within the configured
// spread.
func TestBackoffJitterBounds(t *testing.T) {
	t.Parallel()

	b := NewBackoff(BackoffConfig{
		Base:       100 * time.Millisecond,
		Max:        10 * time.Second,
		Multiplier: 2,
		Jitter:     0.5,
	})
	for i := 0; i < 200; i++ {
		d := b.Delay(1)
		require.GreaterOrEqual(t, d, 100*time.Millisecond)
		require.LessOrEqual(t, d, 300*time.Millisecond)
	}
}

// TestBackoffDefaults verifies zero-value configs get sane defaults.
func TestBackoffDefaults(t *testing.T) {
	t.Parallel()

	b := NewBackoff(BackoffConfig{})
	d := b.Delay(0)
	require.Greater(t, d, time.Duration(0))
	require.LessOrEqual(t, d, time.Second)

	require.Greater(t, b.Delay(-5), time.Duration(0))
}
