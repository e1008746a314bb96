package migration

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

const metricsNamespace = "aimigrate"

var tracer = otel.Tracer("aimigrate/migration")

// Stage names used for metric labels.
const (
	stageValidate = "validate"
	stageMerge    = "merge"
	stageImport   = "import"
	stageCopy     = "copy"
)

// Outcome labels.
const (
	outcomeSuccess = "success"
	outcomeCaveat  = "caveat"
	outcomeFailure = "failure"
)

// Metrics is a prometheus.Collector for pipeline activity. A nil *Metrics
// records nothing.
type Metrics struct {
	assets        *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
}

// NewMetrics returns a new collector.
func NewMetrics() *Metrics {
	return &Metrics{
		assets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "assets_total",
				Help:      "Assets processed per pipeline stage and outcome.",
			}, []string{"type", "stage", "outcome"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "stage_duration_seconds",
				Help:      "Wall time of a whole pipeline stage.",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300},
			}, []string{"stage"},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.assets.Describe(ch)
	m.stageDuration.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.assets.Collect(ch)
	m.stageDuration.Collect(ch)
}

func (m *Metrics) asset(t AssetType, stage, outcome string) {
	if m == nil {
		return
	}
	m.assets.WithLabelValues(string(t), stage, outcome).Inc()
}

func (m *Metrics) since(stage string, start time.Time) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}
