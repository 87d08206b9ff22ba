package api

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the Prometheus collectors updated by the Fetcher.
type Metrics struct {
	Requests *prometheus.CounterVec
	Records  *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

// NewMetrics creates the fetch collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "posterflow",
			Subsystem: "fetch",
			Name:      "requests_total",
			Help:      "Poster API requests by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		Records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "posterflow",
			Subsystem: "fetch",
			Name:      "records_total",
			Help:      "Records extracted per endpoint.",
		}, []string{"endpoint"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "posterflow",
			Subsystem: "fetch",
			Name:      "duration_seconds",
			Help:      "Wall time of a full paginated fetch.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"endpoint"}),
	}
	reg.MustRegister(m.Requests, m.Records, m.Duration)
	return m
}
