package stores

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oarkflow/access"
)

func TestMemoryStoreSnapshotIsStable(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.SaveUser(ctx, &access.User{ID: "u1", IsActive: true}); err != nil {
		t.Fatalf("save user: %v", err)
	}
	dir, release, err := s.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if err := s.SaveUser(ctx, &access.User{ID: "u2", IsActive: true}); err != nil {
		t.Fatalf("save user: %v", err)
	}
	if _, err := dir.GetUser(ctx, "u2"); !errors.Is(err, access.ErrNotFound) {
		t.Fatalf("snapshot saw a later write: %v", err)
	}
	if dir.Version() == s.Version() {
		t.Fatalf("store version did not advance")
	}
	if err := release(); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestMemoryStoreRoleCycleAndDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.SaveRole(ctx, access.NewRoleBuilder("a").Build())
	_ = s.SaveRole(ctx, access.NewRoleBuilder("b").Parent("a").Build())
	if err := s.SaveRole(ctx, access.NewRoleBuilder("a").Parent("b").Build()); !errors.Is(err, access.ErrRoleCycle) {
		t.Fatalf("expected ErrRoleCycle, got %v", err)
	}
	if err := s.SaveRole(ctx, access.NewRoleBuilder("a").Parent("a").Build()); !errors.Is(err, access.ErrRoleCycle) {
		t.Fatalf("self parent: expected ErrRoleCycle, got %v", err)
	}
	_ = s.SavePermission(ctx, access.NewPermission("p", "doc", "read"))
	_ = s.SaveRolePermission(ctx, &access.RolePermissionMapping{ID: "m", RoleID: "b", PermissionID: "p"})
	if err := s.DeleteRole(ctx, "b"); err != nil {
		t.Fatalf("delete role: %v", err)
	}
	if maps, _ := s.ListRolePermissions(ctx, []string{"b"}); len(maps) != 0 {
		t.Fatalf("mappings survived role deletion: %d", len(maps))
	}
	if err := s.DeleteRole(ctx, "b"); !errors.Is(err, access.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreSessionIndexesFollowRotation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()
	sess := &access.UserSession{ID: "s1", UserID: "u1", TokenHash: "h1", RefreshTokenHash: "r1", Status: access.SessionActive, ExpiresAt: now.Add(time.Hour), Version: 1, CreatedAt: now}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateSession(ctx, sess); !errors.Is(err, access.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	next := *sess
	next.TokenHash, next.RefreshTokenHash, next.Version = "h2", "r2", 2
	if ok, err := s.SwapSession(ctx, &next, 1); err != nil || !ok {
		t.Fatalf("swap: ok=%v err=%v", ok, err)
	}
	if ok, _ := s.SwapSession(ctx, &next, 1); ok {
		t.Fatalf("stale swap succeeded")
	}
	if _, err := s.GetSessionByRefreshHash(ctx, "r1"); !errors.Is(err, access.ErrNotFound) {
		t.Fatalf("old refresh hash still resolves")
	}
	if got, err := s.GetSessionByRefreshHash(ctx, "r2"); err != nil || got.ID != "s1" {
		t.Fatalf("new refresh hash: %v %v", got, err)
	}
}

func TestMemoryStoreAuditFilter(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_ = s.LogSecurityEvent(ctx, &access.SecurityEvent{ID: "1", Type: access.EventEvaluationTimeout, Severity: access.SeverityHigh, Timestamp: base})
	_ = s.LogSecurityEvent(ctx, &access.SecurityEvent{ID: "2", Type: access.EventDatastoreFailure, Severity: access.SeverityCritical, Timestamp: base.Add(time.Second)})
	_ = s.LogSecurityEvent(ctx, &access.SecurityEvent{ID: "3", Type: access.EventDatastoreFailure, Severity: access.SeverityCritical, Timestamp: base.Add(2 * time.Second)})
	got, _ := s.ListSecurityEvents(ctx, access.AuditFilter{Type: access.EventDatastoreFailure})
	if len(got) != 2 || got[0].ID != "3" {
		t.Fatalf("unexpected events %+v", got)
	}
	got, _ = s.ListSecurityEvents(ctx, access.AuditFilter{EndTime: base})
	if len(got) != 1 || got[0].ID != "1" {
		t.Fatalf("time filter: %+v", got)
	}
}
