package access

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus counters for the engine. A nil *Metrics is a
// valid no-op.
type Metrics struct {
	Decisions       *prometheus.CounterVec
	DecisionLatency prometheus.Histogram
	MFAVerify       *prometheus.CounterVec
	Sessions        *prometheus.CounterVec
	SecurityEvents  *prometheus.CounterVec
	Notifications   *prometheus.CounterVec
	AuditDropped    prometheus.Counter
}

// NewMetrics creates and registers the collectors on reg. Collectors that
// are already registered are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "access",
			Name:      "decisions_total",
			Help:      "Access decisions by result and deciding stage.",
		}, []string{"result", "stage"}),
		DecisionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "access",
			Name:      "decision_duration_seconds",
			Help:      "CheckAccess latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		MFAVerify: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "access",
			Name:      "mfa_verifications_total",
			Help:      "MFA verification attempts by result.",
		}, []string{"result"}),
		Sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "access",
			Name:      "session_validations_total",
			Help:      "Session validations by result.",
		}, []string{"result"}),
		SecurityEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "access",
			Name:      "security_events_total",
			Help:      "Security events by type and severity.",
		}, []string{"type", "severity"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "access",
			Name:      "notifications_total",
			Help:      "Notification deliveries by channel and result.",
		}, []string{"channel", "result"}),
		AuditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "access",
			Name:      "audit_dropped_total",
			Help:      "Audit records dropped because the buffer was full.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	if err := register(reg, &m.Decisions); err != nil {
		return nil, err
	}
	if err := register(reg, &m.DecisionLatency); err != nil {
		return nil, err
	}
	if err := register(reg, &m.MFAVerify); err != nil {
		return nil, err
	}
	if err := register(reg, &m.Sessions); err != nil {
		return nil, err
	}
	if err := register(reg, &m.SecurityEvents); err != nil {
		return nil, err
	}
	if err := register(reg, &m.Notifications); err != nil {
		return nil, err
	}
	if err := register(reg, &m.AuditDropped); err != nil {
		return nil, err
	}
	return m, nil
}

// register registers *c, swapping in the existing collector on conflict.
func register[T prometheus.Collector](reg prometheus.Registerer, c *T) error {
	if err := reg.Register(*c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				*c = existing
				return nil
			}
		}
		return err
	}
	return nil
}

func (m *Metrics) decision(d AccessDecision, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "deny"
	if d.Granted {
		result = "grant"
	}
	m.Decisions.WithLabelValues(result, string(d.Stage)).Inc()
	m.DecisionLatency.Observe(elapsed.Seconds())
}

func (m *Metrics) mfa(result string) {
	if m == nil {
		return
	}
	m.MFAVerify.WithLabelValues(result).Inc()
}

func (m *Metrics) session(result string) {
	if m == nil {
		return
	}
	m.Sessions.WithLabelValues(result).Inc()
}

func (m *Metrics) securityEvent(ev *SecurityEvent) {
	if m == nil {
		return
	}
	m.SecurityEvents.WithLabelValues(ev.Type, string(ev.Severity)).Inc()
}

func (m *Metrics) notification(channel FactorType, ok bool) {
	if m == nil {
		return
	}
	result := "sent"
	if !ok {
		result = "failed"
	}
	m.Notifications.WithLabelValues(string(channel), result).Inc()
}

func (m *Metrics) auditDropped() {
	if m == nil {
		return
	}
	m.AuditDropped.Inc()
}
