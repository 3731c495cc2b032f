package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus instruments.
type Metrics struct {
	MutationsAccepted *prometheus.CounterVec
	MutationsRejected *prometheus.CounterVec
	QueriesServed     *prometheus.CounterVec
	QueryDuration     prometheus.Histogram
}

// New creates the engine's metrics on the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers the metrics on reg. Tests pass a fresh registry so
// repeated construction does not collide.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MutationsAccepted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "toponymdb_mutations_accepted_total",
			Help: "Accepted Create/Supersede/Retract operations by kind",
		}, []string{"kind"}),
		MutationsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "toponymdb_mutations_rejected_total",
			Help: "Rejected mutations by reason",
		}, []string{"reason"}),
		QueriesServed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "toponymdb_queries_total",
			Help: "Queries served by read mode",
		}, []string{"mode"}),
		QueryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "toponymdb_query_duration_seconds",
			Help:    "Query engine evaluation time",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
