package metrics

import "github.com/prometheus/client_golang/prometheus"

// Ledger counts reservation ledger operations by outcome.
type Ledger struct {
	ops     *prometheus.CounterVec
	rows    *prometheus.CounterVec
	expired prometheus.Counter
}

func NewLedger(reg prometheus.Registerer) *Ledger {
	if reg == nil {
		return &Ledger{}
	}
	ops := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reservation_operations_total",
		Help: "Reservation ledger operations by operation and result.",
	}, []string{"op", "result"})
	rows := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reservation_rows_total",
		Help: "Reservation rows moved by operation.",
	}, []string{"op"})
	expired := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reservations_expired_total",
		Help: "Reservations reclaimed by the reaper.",
	})
	reg.MustRegister(ops, rows, expired)
	return &Ledger{ops: ops, rows: rows, expired: expired}
}

func (m *Ledger) Observe(op, result string, rows int) {
	if m == nil || m.ops == nil {
		return
	}
	m.ops.WithLabelValues(op, normalizeLabel(result)).Inc()
	if rows > 0 {
		m.rows.WithLabelValues(op).Add(float64(rows))
	}
}

func (m *Ledger) AddExpired(n int) {
	if m == nil || m.expired == nil || n <= 0 {
		return
	}
	m.expired.Add(float64(n))
}

// Payments counts confirmation attempts on the verify and webhook paths.
type Payments struct {
	outcomes  *prometheus.CounterVec
	incidents *prometheus.CounterVec
}

func NewPayments(reg prometheus.Registerer) *Payments {
	if reg == nil {
		return &Payments{}
	}
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_confirmations_total",
		Help: "Payment confirmation attempts by path and outcome.",
	}, []string{"path", "outcome"})
	incidents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_incidents_total",
		Help: "Post-capture failures recorded for reconciliation.",
	}, []string{"kind"})
	reg.MustRegister(outcomes, incidents)
	return &Payments{outcomes: outcomes, incidents: incidents}
}

func (m *Payments) Observe(path, outcome string) {
	if m == nil || m.outcomes == nil {
		return
	}
	m.outcomes.WithLabelValues(path, normalizeLabel(outcome)).Inc()
}

func (m *Payments) Incident(kind string) {
	if m == nil || m.incidents == nil {
		return
	}
	m.incidents.WithLabelValues(normalizeLabel(kind)).Inc()
}

// Tasks tracks detached background tasks.
type Tasks struct {
	outcomes *prometheus.CounterVec
	inflight prometheus.Gauge
}

func NewTasks(reg prometheus.Registerer) *Tasks {
	if reg == nil {
		return &Tasks{}
	}
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "background_tasks_total",
		Help: "Detached background tasks by name and outcome.",
	}, []string{"task", "outcome"})
	inflight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "background_tasks_inflight",
		Help: "Detached background tasks currently running.",
	})
	reg.MustRegister(outcomes, inflight)
	return &Tasks{outcomes: outcomes, inflight: inflight}
}

func (m *Tasks) Started() {
	if m == nil || m.inflight == nil {
		return
	}
	m.inflight.Inc()
}

func (m *Tasks) Finished(task, outcome string) {
	if m == nil || m.inflight == nil {
		return
	}
	m.inflight.Dec()
	m.outcomes.WithLabelValues(normalizeLabel(task), outcome).Inc()
}
