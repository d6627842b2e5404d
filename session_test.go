package access_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/oarkflow/access"
)

func from(ip string) access.AccessContext {
	return access.AccessContext{IP: net.ParseIP(ip)}
}

func TestSessionValidatesWithinTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g, err := f.eng.CreateSession(ctx, "bob", "", req("bob", "doc", "read"))
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if g.Token == "" || g.RefreshToken == "" || g.Token == g.RefreshToken {
		t.Fatalf("unexpected tokens %+v", g)
	}
	if g.RiskScore != 0.2 || g.RequiresMFA {
		t.Fatalf("unexpected session risk %+v", g)
	}
	s, err := f.eng.ValidateSession(ctx, g.Token, from("10.0.0.1"))
	if err != nil || s == nil {
		t.Fatalf("validate: %v %v", s, err)
	}
	if s.UserID != "bob" || s.TokenHash == g.Token {
		t.Fatalf("unexpected session %+v", s)
	}
	if s, _ := f.eng.ValidateSession(ctx, "not-a-token", from("10.0.0.1")); s != nil {
		t.Fatalf("unknown token validated")
	}
	logs, _ := f.eng.AuditLogs(ctx, access.AuditFilter{Type: "session.create"})
	if len(logs) != 1 || logs[0].ResourceID != g.SessionID {
		t.Fatalf("session creation not audited: %+v", logs)
	}
}

func TestSessionIPChangeRaisesRiskOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g, err := f.eng.CreateSession(ctx, "bob", "", req("bob", "doc", "read"))
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	s, _ := f.eng.ValidateSession(ctx, g.Token, from("10.9.9.9"))
	if s == nil || s.RiskScore != 0.4 || s.LastIP != "10.9.9.9" {
		t.Fatalf("after ip change: %+v", s)
	}
	s, _ = f.eng.ValidateSession(ctx, g.Token, from("10.9.9.9"))
	if s.RiskScore != 0.4 {
		t.Fatalf("same ip raised risk again: %v", s.RiskScore)
	}
	s, _ = f.eng.ValidateSession(ctx, g.Token, from("10.0.0.1"))
	if s.RiskScore != 0.4 {
		t.Fatalf("returning to the creation ip raised risk: %v", s.RiskScore)
	}
	evs := f.events(t, access.EventSessionIPChanged)
	if len(evs) != 1 || evs[0].Details["previous_ip"] != "10.0.0.1" {
		t.Fatalf("expected one ip change event, got %+v", evs)
	}
}

func TestSessionExpiryAndRefresh(t *testing.T) {
	f := newFixture(t, access.WithSessionConfig(access.SessionConfig{TTL: time.Hour, RefreshTTL: 2 * time.Hour}))
	ctx := context.Background()
	sm, err := f.eng.Sessions()
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	g, err := f.eng.CreateSession(ctx, "carol", "", req("carol", "doc", "read"))
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	f.advance(90 * time.Minute)
	if s, _ := f.eng.ValidateSession(ctx, g.Token, from("10.0.0.1")); s != nil {
		t.Fatalf("token valid past its ttl")
	}
	stored, err := f.store.GetSession(ctx, g.SessionID)
	if err != nil || stored.Status != access.SessionActive {
		t.Fatalf("refreshable session should stay ACTIVE: %+v %v", stored, err)
	}

	fresh, err := sm.RefreshSession(ctx, g.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if fresh.SessionID != g.SessionID || fresh.Token == g.Token {
		t.Fatalf("unexpected refresh grant %+v", fresh)
	}
	if s, _ := f.eng.ValidateSession(ctx, g.Token, from("10.0.0.1")); s != nil {
		t.Fatalf("rotated token still valid")
	}
	if s, _ := f.eng.ValidateSession(ctx, fresh.Token, from("10.0.0.1")); s == nil {
		t.Fatalf("refreshed token rejected")
	}
	if _, err := sm.RefreshSession(ctx, g.RefreshToken); !errors.Is(err, access.ErrNotFound) {
		t.Fatalf("old refresh token: expected ErrNotFound, got %v", err)
	}

	f.advance(3 * time.Hour)
	if s, _ := f.eng.ValidateSession(ctx, fresh.Token, from("10.0.0.1")); s != nil {
		t.Fatalf("dead session validated")
	}
	stored, _ = f.store.GetSession(ctx, g.SessionID)
	if stored.Status != access.SessionExpired {
		t.Fatalf("expected EXPIRED, got %s", stored.Status)
	}
	if _, err := sm.RefreshSession(ctx, fresh.RefreshToken); !errors.Is(err, access.ErrInvalidState) {
		t.Fatalf("refresh of expired session: expected ErrInvalidState, got %v", err)
	}
	if evs := f.events(t, access.EventSessionExpired); len(evs) != 1 {
		t.Fatalf("expected one expiry event, got %d", len(evs))
	}
}

func TestTerminateSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g, _ := f.eng.CreateSession(ctx, "bob", "", req("bob", "doc", "read"))
	if ok, err := f.eng.TerminateSession(ctx, g.SessionID, "admin"); err != nil || !ok {
		t.Fatalf("terminate: ok=%v err=%v", ok, err)
	}
	if ok, err := f.eng.TerminateSession(ctx, g.SessionID, "admin"); err != nil || !ok {
		t.Fatalf("second terminate: ok=%v err=%v", ok, err)
	}
	if ok, err := f.eng.TerminateSession(ctx, "missing", "admin"); err != nil || ok {
		t.Fatalf("unknown session: ok=%v err=%v", ok, err)
	}
	if s, _ := f.eng.ValidateSession(ctx, g.Token, from("10.0.0.1")); s != nil {
		t.Fatalf("terminated session validated")
	}
	stored, _ := f.store.GetSession(ctx, g.SessionID)
	if stored.TerminatedBy != "admin" {
		t.Fatalf("terminated by %q", stored.TerminatedBy)
	}
	if evs := f.events(t, access.EventSessionTerminated); len(evs) != 1 {
		t.Fatalf("expected one termination event, got %d", len(evs))
	}
}

func TestTerminateUserSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sm, _ := f.eng.Sessions()
	for i := 0; i < 3; i++ {
		if _, err := f.eng.CreateSession(ctx, "alice", "", req("alice", "doc", "read")); err != nil {
			t.Fatalf("create session: %v", err)
		}
	}
	other, _ := f.eng.CreateSession(ctx, "bob", "", req("bob", "doc", "read"))
	active, _ := sm.ListActiveSessions(ctx, "alice")
	if len(active) != 3 {
		t.Fatalf("expected 3 active sessions, got %d", len(active))
	}
	n, err := sm.TerminateUserSessions(ctx, "alice", "security")
	if err != nil || n != 3 {
		t.Fatalf("terminate all: n=%d err=%v", n, err)
	}
	if active, _ := sm.ListActiveSessions(ctx, "alice"); len(active) != 0 {
		t.Fatalf("sessions survived: %d", len(active))
	}
	if s, _ := f.eng.ValidateSession(ctx, other.Token, from("10.0.0.1")); s == nil {
		t.Fatalf("another user's session was terminated")
	}
}

func TestHighRiskSessionRequiresMFA(t *testing.T) {
	rep, err := access.NewStaticIPReputation([]string{"203.0.113.0/24"})
	if err != nil {
		t.Fatalf("reputation: %v", err)
	}
	f := newFixture(t, access.WithIPReputation(rep))
	actx := req("alice", "doc", "delete")
	actx.IP = net.ParseIP("203.0.113.7")
	g, err := f.eng.CreateSession(context.Background(), "alice", "", actx)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if !g.RequiresMFA || g.RiskLevel != access.RiskCritical {
		t.Fatalf("expected an MFA-gated critical session, got %+v", g)
	}
}
