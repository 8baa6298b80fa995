package serverd

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the collection server's process-wide Prometheus
// instrumentation (spec §6, domain stack). Registering it is optional; a
// nil *Metrics is safe to use everywhere below (every method is a no-op on
// a nil receiver).
type Metrics struct {
	SessionsActive prometheus.Gauge
	RowsInserted   prometheus.Counter
	SchemaRenames  prometheus.Counter
	ProtocolErrors prometheus.Counter
	BytesDropped   prometheus.Counter
}

// NewMetrics creates and registers the server's metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "oml_serverd",
			Name:      "sessions_active",
			Help:      "Number of currently open client sessions.",
		}),
		RowsInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oml_serverd",
			Name:      "rows_inserted_total",
			Help:      "Total number of rows inserted into data tables.",
		}),
		SchemaRenames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oml_serverd",
			Name:      "schema_renames_total",
			Help:      "Total number of table renames performed to resolve a schema conflict.",
		}),
		ProtocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oml_serverd",
			Name:      "protocol_errors_total",
			Help:      "Total number of sessions terminated by a protocol error.",
		}),
		BytesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oml_serverd",
			Name:      "client_dropped_bytes_total",
			Help:      "Total bytes clients have reported dropping from their egress buffer.",
		}),
	}
	reg.MustRegister(m.SessionsActive, m.RowsInserted, m.SchemaRenames, m.ProtocolErrors, m.BytesDropped)
	return m
}

func (m *Metrics) sessionOpened() {
	if m != nil {
		m.SessionsActive.Inc()
	}
}

func (m *Metrics) sessionClosed() {
	if m != nil {
		m.SessionsActive.Dec()
	}
}

func (m *Metrics) rowInserted() {
	if m != nil {
		m.RowsInserted.Inc()
	}
}

func (m *Metrics) schemaRenamed() {
	if m != nil {
		m.SchemaRenames.Inc()
	}
}

func (m *Metrics) protocolError() {
	if m != nil {
		m.ProtocolErrors.Inc()
	}
}

func (m *Metrics) bytesDropped(n float64) {
	if m != nil && n > 0 {
		m.BytesDropped.Add(n)
	}
}
