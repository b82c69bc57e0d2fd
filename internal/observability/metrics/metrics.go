package metrics

import "github.com/prometheus/client_golang/prometheus"

// WebhookMetrics exposes counters/histograms for inbound webhook flows.
type WebhookMetrics struct {
	receivedTotal  *prometheus.CounterVec
	suspendedTotal prometheus.Counter
	restoredTotal  prometheus.Counter
	latency        *prometheus.HistogramVec
}

func NewWebhookMetrics(reg prometheus.Registerer) *WebhookMetrics {
	m := &WebhookMetrics{
		receivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dialdesk",
			Subsystem: "webhooks",
			Name:      "received_total",
			Help:      "Total inbound webhooks by source and outcome",
		}, []string{"source", "outcome"}),
		suspendedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dialdesk",
			Subsystem: "webhooks",
			Name:      "clients_suspended_total",
			Help:      "Clients suspended after running out of minutes",
		}),
		restoredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dialdesk",
			Subsystem: "webhooks",
			Name:      "clients_restored_total",
			Help:      "Clients restored after a minute top-up",
		}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dialdesk",
			Subsystem: "webhooks",
			Name:      "latency_seconds",
			Help:      "Latency of webhook processing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.receivedTotal, m.suspendedTotal, m.restoredTotal, m.latency)
	return m
}

func (m *WebhookMetrics) ObserveReceived(source, outcome string) {
	if m == nil {
		return
	}
	m.receivedTotal.WithLabelValues(source, outcome).Inc()
}

func (m *WebhookMetrics) ObserveSuspended() {
	if m == nil {
		return
	}
	m.suspendedTotal.Inc()
}

func (m *WebhookMetrics) ObserveRestored() {
	if m == nil {
		return
	}
	m.restoredTotal.Inc()
}

func (m *WebhookMetrics) ObserveLatency(source string, seconds float64) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(source).Observe(seconds)
}

// JobMetrics exposes counters for the async job queue.
type JobMetrics struct {
	processedTotal *prometheus.CounterVec
	retriesTotal   prometheus.Counter
	batchSize      prometheus.Histogram
}

func NewJobMetrics(reg prometheus.Registerer) *JobMetrics {
	m := &JobMetrics{
		processedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dialdesk",
			Subsystem: "jobs",
			Name:      "processed_total",
			Help:      "Jobs processed by terminal outcome",
		}, []string{"job_type", "outcome"}),
		retriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dialdesk",
			Subsystem: "jobs",
			Name:      "retries_total",
			Help:      "Jobs returned to pending after a transient failure",
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dialdesk",
			Subsystem: "jobs",
			Name:      "batch_size",
			Help:      "Jobs picked up per processing pass",
			Buckets:   []float64{0, 1, 2, 5, 10},
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.processedTotal, m.retriesTotal, m.batchSize)
	return m
}

func (m *JobMetrics) ObserveProcessed(jobType, outcome string) {
	if m == nil {
		return
	}
	m.processedTotal.WithLabelValues(jobType, outcome).Inc()
}

func (m *JobMetrics) ObserveRetry() {
	if m == nil {
		return
	}
	m.retriesTotal.Inc()
}

func (m *JobMetrics) ObserveBatch(size int) {
	if m == nil {
		return
	}
	m.batchSize.Observe(float64(size))
}
