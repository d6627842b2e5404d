package access_test

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/oarkflow/access"
)

func TestDecisionMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := access.NewMetrics(reg)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	f := newFixture(t, access.WithMetrics(m))
	f.check(t, req("alice", "doc", "read"))
	f.check(t, req("bob", "doc", "read"))
	f.check(t, req("bob", "doc", "delete"))
	f.check(t, req("nobody", "doc", "read"))

	if got := testutil.ToFloat64(m.Decisions.WithLabelValues("grant", "grant")); got != 2 {
		t.Fatalf("grants = %v", got)
	}
	if got := testutil.ToFloat64(m.Decisions.WithLabelValues("deny", "rbac")); got != 1 {
		t.Fatalf("rbac denials = %v", got)
	}
	if got := testutil.ToFloat64(m.Decisions.WithLabelValues("deny", "user")); got != 1 {
		t.Fatalf("user denials = %v", got)
	}
	if n := testutil.CollectAndCount(m.DecisionLatency); n != 1 {
		t.Fatalf("latency histogram not collected: %d", n)
	}
}

func TestNewMetricsReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := access.NewMetrics(reg)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	b, err := access.NewMetrics(reg)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	a.Decisions.WithLabelValues("grant", "grant").Inc()
	if got := testutil.ToFloat64(b.Decisions.WithLabelValues("grant", "grant")); got != 1 {
		t.Fatalf("second instance does not share collectors: %v", got)
	}
	if _, err := access.NewMetrics(nil); err != nil {
		t.Fatalf("unregistered metrics: %v", err)
	}
}

func TestSecurityEventMetrics(t *testing.T) {
	m, _ := access.NewMetrics(prometheus.NewRegistry())
	f := newFixture(t, access.WithMetrics(m))
	ctx := context.Background()
	id, _ := f.eng.RegisterDevice(ctx, "bob", pixel, req("bob", "doc", "read"))
	_, _ = f.eng.ApproveDevice(ctx, id, "alice")
	if got := testutil.ToFloat64(m.SecurityEvents.WithLabelValues(access.EventDeviceApproved, string(access.SeverityLow))); got != 1 {
		t.Fatalf("device approvals counted %v", got)
	}
}
