// Package metric holds the gateway's prometheus collectors. One Set is
// constructed in main and passed by reference; no package-level
// registry state.
package metric

import "github.com/prometheus/client_golang/prometheus"

type Set struct {
	PollsTotal   *prometheus.CounterVec // transport, result
	SamplesTotal prometheus.Counter
	DecodeErrors prometheus.Counter
	QueueDropped *prometheus.CounterVec // queue

	PublishTotal *prometheus.CounterVec // result

	RetryEnqueued prometheus.Counter
	RetrySent     prometheus.Counter
	RetryFailed   prometheus.Counter
	RetryExpired  prometheus.Counter
	RetryDropped  prometheus.Counter
	RetryDepth    prometheus.Gauge
	RetryHealth   prometheus.Gauge
}

func NewSet(reg prometheus.Registerer) *Set {
	s := &Set{
		PollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldgate_polls_total",
			Help: "Device poll passes by transport and result.",
		}, []string{"transport", "result"}),
		SamplesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fieldgate_samples_total",
			Help: "Samples pushed into the acquisition queue.",
		}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fieldgate_decode_errors_total",
			Help: "Register reads skipped due to decode errors.",
		}),
		QueueDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldgate_queue_dropped_total",
			Help: "Samples evicted from bounded queues on overflow.",
		}, []string{"queue"}),
		PublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldgate_publish_total",
			Help: "Publish attempts by result.",
		}, []string{"result"}),
		RetryEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fieldgate_retryq_enqueued_total",
			Help: "Messages accepted by the persistent retry queue.",
		}),
		RetrySent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fieldgate_retryq_sent_total",
			Help: "Retry queue messages delivered.",
		}),
		RetryFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fieldgate_retryq_failed_total",
			Help: "Retry queue messages dropped after the retry ceiling.",
		}),
		RetryExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fieldgate_retryq_expired_total",
			Help: "Retry queue messages dropped on timeout.",
		}),
		RetryDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fieldgate_retryq_rejected_total",
			Help: "Messages rejected because the retry queue was full.",
		}),
		RetryDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fieldgate_retryq_depth",
			Help: "Messages currently queued across all priority tiers.",
		}),
		RetryHealth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fieldgate_retryq_health",
			Help: "Retry queue health: 0 ok, 1 warning, 2 critical, 3 full.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			s.PollsTotal, s.SamplesTotal, s.DecodeErrors, s.QueueDropped,
			s.PublishTotal,
			s.RetryEnqueued, s.RetrySent, s.RetryFailed, s.RetryExpired,
			s.RetryDropped, s.RetryDepth, s.RetryHealth,
		)
	}
	return s
}

// NewTestSet is a Set with an isolated registry, for tests.
func NewTestSet() *Set { return NewSet(prometheus.NewRegistry()) }
