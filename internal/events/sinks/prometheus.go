package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/calebduke/webharvest/internal/events"
)

// PrometheusSink exports engine events as Prometheus metrics. It owns all
// collectors for pool lifecycle, job completion, and chunk throughput.
type PrometheusSink struct {
	instancesCreated prometheus.Counter
	instancesRetired *prometheus.CounterVec
	instancesCrashed prometheus.Counter
	poolSuspended    prometheus.Gauge

	jobsCompleted *prometheus.CounterVec
	jobRetries    prometheus.Counter
	jobDuration   *prometheus.HistogramVec

	chunksEmbedded prometheus.Counter
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		instancesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webharvest_pool_instances_created_total",
			Help: "Browser instances launched by the pool.",
		}),
		instancesRetired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webharvest_pool_instances_retired_total",
			Help: "Browser instances destroyed gracefully, partitioned by reason.",
		}, []string{"reason"}),
		instancesCrashed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webharvest_pool_instances_crashed_total",
			Help: "Browser instances lost to crashes.",
		}),
		poolSuspended: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "webharvest_pool_suspended",
			Help: "1 while instance creation is suspended by the crash circuit.",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webharvest_jobs_completed_total",
			Help: "Jobs reaching a terminal result, partitioned by result.",
		}, []string{"result"}),
		jobRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webharvest_job_retries_total",
			Help: "Attempts re-enqueued after a retryable failure.",
		}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "webharvest_job_duration_seconds",
			Help:    "Wall time per completed job, partitioned by result.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 15, 30, 60, 120},
		}, []string{"result"}),
		chunksEmbedded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webharvest_chunks_embedded_total",
			Help: "Content chunks accepted by the embedding collaborator.",
		}),
	}
	for _, collector := range []prometheus.Collector{
		s.instancesCreated,
		s.instancesRetired,
		s.instancesCrashed,
		s.poolSuspended,
		s.jobsCompleted,
		s.jobRetries,
		s.jobDuration,
		s.chunksEmbedded,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register event collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch. Called from the hub's single
// flush goroutine, so no extra synchronization is needed.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		switch evt.Type {
		case events.TypeInstanceCreated:
			s.instancesCreated.Inc()
		case events.TypeInstanceRetired:
			s.instancesRetired.WithLabelValues(nonEmpty(evt.Reason)).Inc()
		case events.TypeInstanceCrashed:
			s.instancesCrashed.Inc()
		case events.TypePoolSuspended:
			s.poolSuspended.Set(1)
		case events.TypePoolResumed:
			s.poolSuspended.Set(0)
		case events.TypeJobRetried:
			s.jobRetries.Inc()
		case events.TypeJobCompleted:
			result := nonEmpty(evt.Result)
			s.jobsCompleted.WithLabelValues(result).Inc()
			if evt.Dur > 0 {
				s.jobDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
			}
		case events.TypeChunksEmbedded:
			s.chunksEmbedded.Add(float64(evt.Count))
		}
	}
	return nil
}

// Close implements the Sink interface; collectors stay registered.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

func nonEmpty(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
