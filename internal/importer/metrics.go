package importer

import (
	"github.com/prometheus/client_golang/prometheus"

	"fieldtrials/internal/plots"
)

// Metrics counts checked rows by cache outcome.
type Metrics struct {
	rows *prometheus.CounterVec
}

// NewMetrics registers fieldtrials_import_rows_total with reg. A nil registerer
// leaves the collector unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldtrials",
			Subsystem: "import",
			Name:      "rows_total",
			Help:      "Spreadsheet rows checked during plot imports, by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.rows)
	}
	return m
}

// Rows exposes the counter for tests and custom registries.
func (m *Metrics) Rows() *prometheus.CounterVec { return m.rows }

func (m *Metrics) observe(kind plots.Kind) {
	if m == nil {
		return
	}
	m.rows.WithLabelValues(kind.String()).Inc()
}
