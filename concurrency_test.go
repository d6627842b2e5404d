package access_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/pquerna/otp/totp"

	"github.com/oarkflow/access"
)

// parallel runs fn n times concurrently, released together.
func parallel(n int, fn func(i int)) {
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

func TestConcurrentWrongCodesExhaustOnce(t *testing.T) {
	f := newFixture(t, access.WithMFAConfig(fastMFA()))
	ctx := context.Background()
	enrolTOTP(t, f, "alice")
	id, err := f.eng.CreateMFAChallenge(ctx, "alice", access.FactorTOTP, req("alice", "doc", "delete"))
	if err != nil {
		t.Fatalf("create challenge: %v", err)
	}
	var mu sync.Mutex
	var errs []error
	parallel(50, func(int) {
		ok, err := f.eng.VerifyMFAChallenge(ctx, id, "000000x")
		if err != nil || ok {
			mu.Lock()
			errs = append(errs, errors.Join(err, errors.New("wrong code accepted")))
			mu.Unlock()
		}
	})
	if len(errs) != 0 {
		t.Fatalf("verifications failed: %v", errs)
	}
	c, err := f.store.GetChallenge(ctx, id)
	if err != nil {
		t.Fatalf("get challenge: %v", err)
	}
	if c.Attempts != 3 || c.State != access.ChallengeExhausted {
		t.Fatalf("attempts counted past the limit: %+v", c)
	}
	if evs := f.events(t, access.EventMFAExhausted); len(evs) != 1 {
		t.Fatalf("expected one exhaustion event, got %d", len(evs))
	}
}

func TestConcurrentCorrectCodesVerifyOnce(t *testing.T) {
	f := newFixture(t, access.WithMFAConfig(fastMFA()))
	ctx := context.Background()
	_, secret, _ := enrolTOTP(t, f, "alice")
	id, err := f.eng.CreateMFAChallenge(ctx, "alice", access.FactorTOTP, req("alice", "doc", "delete"))
	if err != nil {
		t.Fatalf("create challenge: %v", err)
	}
	good, _ := totp.GenerateCode(secret, f.now)
	var mu sync.Mutex
	wins := 0
	parallel(40, func(i int) {
		code := good
		if i%2 == 1 {
			code = "bad"
		}
		ok, err := f.eng.VerifyMFAChallenge(ctx, id, code)
		if err != nil {
			t.Errorf("verify: %v", err)
		}
		if ok {
			mu.Lock()
			wins++
			mu.Unlock()
		}
	})
	c, _ := f.store.GetChallenge(ctx, id)
	if wins > 1 || c.Attempts > c.MaxAttempts {
		t.Fatalf("wins=%d challenge=%+v", wins, c)
	}
	if (wins == 1) != (c.State == access.ChallengeVerified) {
		t.Fatalf("wins=%d but state %s", wins, c.State)
	}
}

func TestConcurrentFirstContactRegistersOneDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ids := make([]string, 30)
	parallel(len(ids), func(i int) {
		id, err := f.eng.RegisterDevice(ctx, "bob", pixel, req("bob", "doc", "read"))
		if err != nil {
			t.Errorf("register %d: %v", i, err)
		}
		ids[i] = id
	})
	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("registrations returned different ids: %v", ids)
		}
	}
	devices, err := f.store.ListUserDevices(ctx, "bob")
	if err != nil || len(devices) != 1 {
		t.Fatalf("expected one device, got %d (%v)", len(devices), err)
	}
}

func TestConcurrentApproveAndRejectPickOne(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.eng.RegisterDevice(ctx, "bob", pixel, req("bob", "doc", "read"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	var mu sync.Mutex
	moved := 0
	parallel(8, func(i int) {
		move := f.eng.ApproveDevice
		if i%2 == 1 {
			move = f.eng.RejectDevice
		}
		ok, err := move(ctx, id, "alice")
		if err != nil {
			t.Errorf("transition: %v", err)
		}
		if ok {
			mu.Lock()
			moved++
			mu.Unlock()
		}
	})
	if moved != 1 {
		t.Fatalf("expected exactly one transition out of PENDING, got %d", moved)
	}
}

func TestConcurrentValidationsRaiseRiskOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g, err := f.eng.CreateSession(ctx, "bob", "", req("bob", "doc", "read"))
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	// fewer callers than CAS retries, so no caller can lose every round
	parallel(6, func(int) {
		s, err := f.eng.ValidateSession(ctx, g.Token, from("10.9.9.9"))
		if err != nil || s == nil {
			t.Errorf("validate: %+v %v", s, err)
		}
	})
	s, err := f.store.GetSession(ctx, g.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if s.RiskScore != 0.4 || s.LastIP != "10.9.9.9" {
		t.Fatalf("unexpected session after concurrent validation: %+v", s)
	}
	if evs := f.events(t, access.EventSessionIPChanged); len(evs) != 1 {
		t.Fatalf("expected one ip change event, got %d", len(evs))
	}
}

func TestConcurrentTerminateAndValidate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g, err := f.eng.CreateSession(ctx, "bob", "", req("bob", "doc", "read"))
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	parallel(6, func(i int) {
		if i == 0 {
			if _, err := f.eng.TerminateSession(ctx, g.SessionID, "alice"); err != nil {
				t.Errorf("terminate: %v", err)
			}
			return
		}
		if _, err := f.eng.ValidateSession(ctx, g.Token, from("10.0.0.1")); err != nil {
			t.Errorf("validate: %v", err)
		}
	})
	s, _ := f.store.GetSession(ctx, g.SessionID)
	if s.Status != access.SessionTerminated || s.TerminatedBy != "alice" {
		t.Fatalf("a validation overwrote the termination: %+v", s)
	}
	if got, _ := f.eng.ValidateSession(ctx, g.Token, from("10.0.0.1")); got != nil {
		t.Fatalf("terminated session still validates")
	}
}
