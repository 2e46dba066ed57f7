package depot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the depot's Prometheus collectors. They are registered on an
// explicitly provided registry so every test can construct an isolated
// instance.
type Metrics struct {
	Uploads         *prometheus.CounterVec
	Downloads       prometheus.Counter
	PublishFailures prometheus.Counter
	DegradedReads   prometheus.Counter
}

// NewMetrics registers the depot collectors on reg. A nil reg gets a private
// registry, which keeps tests isolated.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		Uploads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "depot_uploads_total",
			Help: "Upload attempts by terminal state.",
		}, []string{"outcome"}),
		Downloads: factory.NewCounter(prometheus.CounterOpts{
			Name: "depot_downloads_total",
			Help: "Artifact download streams opened.",
		}),
		PublishFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "depot_publish_failures_total",
			Help: "Commit events that could not be enqueued for publication.",
		}),
		DegradedReads: factory.NewCounter(prometheus.CounterOpts{
			Name: "depot_degraded_reads_total",
			Help: "Queries answered from the blob store while the index was unavailable.",
		}),
	}
}
