package stores

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/oarkflow/access"
)

func runTogether(n int, fn func(i int)) {
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			fn(i)
		}(i)
	}
	close(start)
	wg.Wait()
}

func TestSQLStoreConcurrentChallengeAttempts(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLStore(t)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	c := &access.MFAChallenge{ID: "c1", UserID: "u1", MethodID: "m1", FactorType: access.FactorSMS, MaxAttempts: 3, ExpiresAt: now.Add(5 * time.Minute), State: access.ChallengeCreated, Version: 1, CreatedAt: now}
	if err := s.CreateChallenge(ctx, c); err != nil {
		t.Fatalf("create challenge: %v", err)
	}
	runTogether(20, func(int) {
		for {
			cur, err := s.GetChallenge(ctx, "c1")
			if err != nil {
				t.Errorf("get: %v", err)
				return
			}
			next, err := cur.Attempt(now, false)
			if err != nil {
				return // terminal
			}
			ok, err := s.SwapChallenge(ctx, &next, cur.Version)
			if err != nil {
				t.Errorf("swap: %v", err)
				return
			}
			if ok {
				return
			}
		}
	})
	got, err := s.GetChallenge(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Attempts != 3 || got.State != access.ChallengeExhausted || got.Version != 4 {
		t.Fatalf("lost or extra attempts: %+v", got)
	}
}

func TestSQLStoreConcurrentDeviceUpsert(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLStore(t)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	created := 0
	ids := map[string]bool{}
	runTogether(16, func(i int) {
		d := &access.UserDevice{ID: fmt.Sprintf("d%d", i), UserID: "u1", Fingerprint: "fp", Status: access.DevicePending,
			Token: fmt.Sprintf("t%d", i), LastIP: "10.0.0.1", LastSeenAt: now, Version: 1, CreatedAt: now}
		got, isNew, err := s.UpsertDevice(ctx, d)
		if err != nil {
			t.Errorf("upsert %d: %v", i, err)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		ids[got.ID] = true
		if isNew {
			created++
		}
	})
	if created != 1 || len(ids) != 1 {
		t.Fatalf("created=%d ids=%v", created, ids)
	}
	devices, err := s.ListUserDevices(ctx, "u1")
	if err != nil || len(devices) != 1 {
		t.Fatalf("expected one device row, got %d (%v)", len(devices), err)
	}
	if devices[0].Version != 16 {
		t.Fatalf("every re-registration should bump the version: %d", devices[0].Version)
	}
}

func TestSQLStoreConcurrentSessionUpdates(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLStore(t)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	sess := &access.UserSession{ID: "s1", UserID: "u1", TokenHash: "h1", RefreshTokenHash: "r1", Status: access.SessionActive,
		ExpiresAt: now.Add(time.Hour), RefreshExpiresAt: now.Add(2 * time.Hour), Version: 1, CreatedAt: now}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	const workers = 12
	runTogether(workers, func(i int) {
		for {
			cur, err := s.GetSession(ctx, "s1")
			if err != nil {
				t.Errorf("get: %v", err)
				return
			}
			next := *cur
			next.RiskScore = cur.RiskScore + 0.05
			next.LastActivityAt = now.Add(time.Duration(i) * time.Second)
			next.Version++
			ok, err := s.SwapSession(ctx, &next, cur.Version)
			if err != nil {
				t.Errorf("swap: %v", err)
				return
			}
			if ok {
				return
			}
		}
	})
	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	// every worker's increment lands exactly once
	if got.Version != workers+1 || got.RiskScore < 0.05*workers-1e-9 || got.RiskScore > 0.05*workers+1e-9 {
		t.Fatalf("lost updates: version=%d risk=%v", got.Version, got.RiskScore)
	}
}
