package oplock

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ============================================================================
// Metrics Constants
// ============================================================================

const (
	metricsNamespace = "dittolease"
	metricsSubsystem = "oplock"
)

// Label names.
const (
	LabelLevel      = "level"
	LabelStatus     = "status"
	LabelTransition = "transition"
	LabelOutcome    = "outcome"
	LabelKind       = "kind"
	LabelResult     = "result"
)

// Status values for grants and reconnects.
const (
	StatusGranted  = "granted"
	StatusDenied   = "denied"
	StatusAccepted = "accepted"
)

// Notification kinds and results.
const (
	KindOplock = "oplock"
	KindLease  = "lease"
	KindLegacy = "legacy"

	ResultSent    = "sent"
	ResultFailed  = "failed"
	ResultDropped = "dropped"
)

// ============================================================================
// Metrics
// ============================================================================

// Metrics holds Prometheus collectors for the oplock manager.
//
// All methods are nil-safe so a Manager can run without metrics.
type Metrics struct {
	grantsTotal        *prometheus.CounterVec
	breaksTotal        *prometheus.CounterVec
	breakWait          *prometheus.HistogramVec
	activeRecords      prometheus.Gauge
	leaseTables        prometheus.Gauge
	reconnectTotal     *prometheus.CounterVec
	notificationsTotal *prometheus.CounterVec
}

// NewMetrics creates collectors and registers them with registry. A nil
// registry leaves them unregistered.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		grantsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "grants_total",
				Help:      "Oplock and lease grants by granted level and status",
			},
			[]string{LabelLevel, LabelStatus},
		),
		breaksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "breaks_total",
				Help:      "Completed downgrades by transition and outcome",
			},
			[]string{LabelTransition, LabelOutcome},
		),
		breakWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "break_wait_seconds",
				Help:      "Time spent waiting for a break acknowledgment",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 35, 60},
			},
			[]string{LabelTransition},
		),
		activeRecords: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "active_records",
				Help:      "Oplock records currently tracked",
			},
		),
		leaseTables: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "lease_tables",
				Help:      "Client GUIDs with a lease table",
			},
		),
		reconnectTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "durable_reconnect_total",
				Help:      "Durable handle reconnect attempts by status",
			},
			[]string{LabelStatus},
		),
		notificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "notifications_total",
				Help:      "Break notifications by kind and send result",
			},
			[]string{LabelKind, LabelResult},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.grantsTotal,
			m.breaksTotal,
			m.breakWait,
			m.activeRecords,
			m.leaseTables,
			m.reconnectTotal,
			m.notificationsTotal,
		)
	}

	return m
}

// ObserveGrant counts a grant.
func (m *Metrics) ObserveGrant(level string, granted bool) {
	if m == nil {
		return
	}
	status := StatusGranted
	if !granted {
		status = StatusDenied
	}
	m.grantsTotal.WithLabelValues(level, status).Inc()
}

// ObserveBreak counts a finished downgrade and, for waited breaks, the
// wait time.
func (m *Metrics) ObserveBreak(t Transition, o BreakOutcome, waited time.Duration) {
	if m == nil {
		return
	}
	m.breaksTotal.WithLabelValues(t.String(), o.String()).Inc()
	if o != OutcomeImmediate {
		m.breakWait.WithLabelValues(t.String()).Observe(waited.Seconds())
	}
}

// RecordAdded increments the active record gauge.
func (m *Metrics) RecordAdded() {
	if m == nil {
		return
	}
	m.activeRecords.Inc()
}

// RecordRemoved decrements the active record gauge.
func (m *Metrics) RecordRemoved() {
	if m == nil {
		return
	}
	m.activeRecords.Dec()
}

// LeaseTableAdded increments the lease table gauge.
func (m *Metrics) LeaseTableAdded() {
	if m == nil {
		return
	}
	m.leaseTables.Inc()
}

// LeaseTableRemoved decrements the lease table gauge.
func (m *Metrics) LeaseTableRemoved() {
	if m == nil {
		return
	}
	m.leaseTables.Dec()
}

// ObserveReconnect counts a durable reconnect attempt.
func (m *Metrics) ObserveReconnect(accepted bool) {
	if m == nil {
		return
	}
	status := StatusAccepted
	if !accepted {
		status = StatusDenied
	}
	m.reconnectTotal.WithLabelValues(status).Inc()
}

// ObserveNotification counts a break notification send.
func (m *Metrics) ObserveNotification(kind, result string) {
	if m == nil {
		return
	}
	m.notificationsTotal.WithLabelValues(kind, result).Inc()
}
