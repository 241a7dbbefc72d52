package gtfs2db

import (
	"fmt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics instruments ingestion runs. A nil *Metrics records nothing.
type Metrics struct {
	RowsLoaded   *prometheus.CounterVec
	RowErrors    *prometheus.CounterVec
	LoadSeconds  *prometheus.HistogramVec
	EntityStatus *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RowsLoaded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gtfs_rows_loaded_total",
			Help: "Number of rows upserted per entity",
		}, []string{"entity"}),

		RowErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gtfs_row_errors_total",
			Help: "Number of malformed rows skipped per entity",
		}, []string{"entity"}),

		LoadSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gtfs_entity_load_seconds",
			Help:    "Time taken to load one entity",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"entity"}),

		EntityStatus: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gtfs_entity_status_total",
			Help: "Entity load outcomes (loaded, skipped, failed)",
		}, []string{"entity", "status"}),
	}
}

func (m *Metrics) observeEntity(res EntityResult) {
	if m == nil {
		return
	}
	m.RowsLoaded.WithLabelValues(res.Entity).Add(float64(res.Rows))
	m.RowErrors.WithLabelValues(res.Entity).Add(float64(res.RowErrors))
	m.EntityStatus.WithLabelValues(res.Entity, string(res.Status)).Inc()
	if res.Status != StatusSkipped {
		m.LoadSeconds.WithLabelValues(res.Entity).Observe(res.Duration.Seconds())
	}
}

// PushMetrics sends everything gathered by g to a Prometheus Pushgateway
// under the job name gtfs2db, grouped by run.
func PushMetrics(pushgatewayURL string, g prometheus.Gatherer, runID string) error {
	err := push.New(pushgatewayURL, "gtfs2db").
		Gatherer(g).
		Grouping("run_id", runID).
		Push()
	if err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
