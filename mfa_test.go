package access_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/oarkflow/access"
)

func fastMFA() access.MFAConfig {
	cfg := access.DefaultMFAConfig()
	cfg.BcryptCost = bcrypt.MinCost
	cfg.BackupCodeCount = 4
	return cfg
}

func enrolTOTP(t *testing.T, f *fixture, user string) (*access.MFAManager, string, []string) {
	t.Helper()
	ctx := context.Background()
	m, err := f.eng.MFA()
	if err != nil {
		t.Fatalf("mfa: %v", err)
	}
	setup, err := m.SetupTOTP(ctx, user, user+"@example.com")
	if err != nil {
		t.Fatalf("setup totp: %v", err)
	}
	if !strings.HasPrefix(setup.ProvisioningURI, "otpauth://totp/") {
		t.Fatalf("unexpected provisioning uri %q", setup.ProvisioningURI)
	}
	code, err := totp.GenerateCode(setup.Secret, f.now)
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	backup, err := m.VerifyTOTPSetup(ctx, setup.MethodID, code)
	if err != nil {
		t.Fatalf("verify setup: %v", err)
	}
	return m, setup.Secret, backup
}

func TestTOTPSetupIssuesBackupCodes(t *testing.T) {
	f := newFixture(t, access.WithMFAConfig(fastMFA()))
	m, _, backup := enrolTOTP(t, f, "alice")
	if len(backup) != 4 {
		t.Fatalf("expected 4 backup codes, got %d", len(backup))
	}
	for _, c := range backup {
		if len(c) != 11 || c[5] != '-' {
			t.Fatalf("unexpected backup code format %q", c)
		}
	}
	methods, err := f.store.ListMFAMethods(context.Background(), "alice")
	if err != nil || len(methods) != 1 {
		t.Fatalf("methods: %+v %v", methods, err)
	}
	for _, h := range methods[0].BackupCodes {
		for _, c := range backup {
			if h == c {
				t.Fatalf("backup code stored in plaintext")
			}
		}
	}
	if _, err := m.VerifyTOTPSetup(context.Background(), methods[0].ID, "123456"); !errors.Is(err, access.ErrInvalidState) {
		t.Fatalf("re-verifying an enabled method: expected ErrInvalidState, got %v", err)
	}
}

func TestTOTPSetupRejectsWrongCode(t *testing.T) {
	f := newFixture(t, access.WithMFAConfig(fastMFA()))
	m, _ := f.eng.MFA()
	setup, err := m.SetupTOTP(context.Background(), "bob", "")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if _, err := m.VerifyTOTPSetup(context.Background(), setup.MethodID, "bad"); !errors.Is(err, access.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	// a pending method is not a usable factor
	if _, err := f.eng.CreateMFAChallenge(context.Background(), "bob", access.FactorTOTP, access.AccessContext{}); !errors.Is(err, access.ErrNoMFAMethod) {
		t.Fatalf("expected ErrNoMFAMethod, got %v", err)
	}
}

func TestChallengeExhaustsAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, access.WithMFAConfig(fastMFA()))
	ctx := context.Background()
	_, secret, _ := enrolTOTP(t, f, "alice")
	id, err := f.eng.CreateMFAChallenge(ctx, "alice", access.FactorTOTP, req("alice", "doc", "delete"))
	if err != nil {
		t.Fatalf("create challenge: %v", err)
	}
	for i := 0; i < 3; i++ {
		if ok, err := f.eng.VerifyMFAChallenge(ctx, id, "bad"); err != nil || ok {
			t.Fatalf("attempt %d: ok=%v err=%v", i+1, ok, err)
		}
	}
	good, _ := totp.GenerateCode(secret, f.now)
	if ok, err := f.eng.VerifyMFAChallenge(ctx, id, good); err != nil || ok {
		t.Fatalf("exhausted challenge accepted a valid code: ok=%v err=%v", ok, err)
	}
	c, err := f.store.GetChallenge(ctx, id)
	if err != nil {
		t.Fatalf("get challenge: %v", err)
	}
	if c.State != access.ChallengeExhausted || c.Attempts != 3 {
		t.Fatalf("unexpected challenge %+v", c)
	}
	if evs := f.events(t, access.EventMFAExhausted); len(evs) != 1 {
		t.Fatalf("expected one exhaustion event, got %d", len(evs))
	}
}

func TestChallengeVerifiesOnce(t *testing.T) {
	f := newFixture(t, access.WithMFAConfig(fastMFA()))
	ctx := context.Background()
	_, secret, _ := enrolTOTP(t, f, "alice")
	id, err := f.eng.CreateMFAChallenge(ctx, "alice", "", access.AccessContext{})
	if err != nil {
		t.Fatalf("create challenge: %v", err)
	}
	code, _ := totp.GenerateCode(secret, f.now)
	if ok, err := f.eng.VerifyMFAChallenge(ctx, id, code); err != nil || !ok {
		t.Fatalf("verify: ok=%v err=%v", ok, err)
	}
	if ok, _ := f.eng.VerifyMFAChallenge(ctx, id, code); ok {
		t.Fatalf("a verified challenge must not verify again")
	}
	if ok, _ := f.eng.VerifyMFAChallenge(ctx, "missing", code); ok {
		t.Fatalf("unknown challenge verified")
	}
}

func TestChallengeExpires(t *testing.T) {
	f := newFixture(t, access.WithMFAConfig(fastMFA()))
	ctx := context.Background()
	_, secret, _ := enrolTOTP(t, f, "alice")
	id, err := f.eng.CreateMFAChallenge(ctx, "alice", access.FactorTOTP, access.AccessContext{})
	if err != nil {
		t.Fatalf("create challenge: %v", err)
	}
	f.advance(6 * time.Minute)
	code, _ := totp.GenerateCode(secret, f.now)
	if ok, _ := f.eng.VerifyMFAChallenge(ctx, id, code); ok {
		t.Fatalf("expired challenge verified")
	}
	if c, _ := f.store.GetChallenge(ctx, id); c.State != access.ChallengeExpired {
		t.Fatalf("expected EXPIRED, got %s", c.State)
	}
}

func TestBackupCodeWorksOnce(t *testing.T) {
	f := newFixture(t, access.WithMFAConfig(fastMFA()))
	ctx := context.Background()
	m, _, backup := enrolTOTP(t, f, "alice")
	if ok, err := m.VerifyBackupCode(ctx, "alice", strings.ToUpper(backup[1])); err != nil || !ok {
		t.Fatalf("first use: ok=%v err=%v", ok, err)
	}
	if ok, _ := m.VerifyBackupCode(ctx, "alice", backup[1]); ok {
		t.Fatalf("backup code accepted twice")
	}
	if ok, _ := m.VerifyBackupCode(ctx, "bob", backup[2]); ok {
		t.Fatalf("another user's backup code accepted")
	}
	if evs := f.events(t, access.EventBackupCodeUsed); len(evs) != 1 {
		t.Fatalf("expected one backup code event, got %d", len(evs))
	}

	methods, _ := f.store.ListMFAMethods(ctx, "alice")
	fresh, err := m.RegenerateBackupCodes(ctx, methods[0].ID)
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if ok, _ := m.VerifyBackupCode(ctx, "alice", backup[0]); ok {
		t.Fatalf("old codes survived regeneration")
	}
	if ok, _ := m.VerifyBackupCode(ctx, "alice", fresh[0]); !ok {
		t.Fatalf("fresh code rejected")
	}
}

func TestChallengeCreationIsRateLimited(t *testing.T) {
	cfg := fastMFA()
	cfg.ChallengeRate = rate.Every(time.Hour)
	cfg.ChallengeBurst = 2
	f := newFixture(t, access.WithMFAConfig(cfg))
	ctx := context.Background()
	m, _ := f.eng.MFA()
	if _, err := m.AddMethod(ctx, "carol", access.FactorEmail, "carol@example.com"); err != nil {
		t.Fatalf("add method: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := m.CreateChallenge(ctx, "carol", ""); err != nil {
			t.Fatalf("challenge %d: %v", i+1, err)
		}
	}
	if _, err := m.CreateChallenge(ctx, "carol", ""); !errors.Is(err, access.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	// limits are per user
	if _, err := m.CreateChallenge(ctx, "alice", ""); !errors.Is(err, access.ErrNoMFAMethod) {
		t.Fatalf("expected ErrNoMFAMethod for alice, got %v", err)
	}
}

type outbox struct {
	mu   sync.Mutex
	sent []access.Notification
	fail error
}

func (o *outbox) Send(_ context.Context, n access.Notification) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, n)
	return o.fail
}

func (o *outbox) last() (access.Notification, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.sent) == 0 {
		return access.Notification{}, false
	}
	return o.sent[len(o.sent)-1], true
}

func TestSMSChallengeIsDelivered(t *testing.T) {
	box := &outbox{}
	f := newFixture(t, access.WithMFAConfig(fastMFA()), access.WithNotifier(box))
	ctx := context.Background()
	m, _ := f.eng.MFA()
	if _, err := m.AddMethod(ctx, "bob", access.FactorSMS, "+15550101"); err != nil {
		t.Fatalf("add method: %v", err)
	}
	c, err := m.CreateChallenge(ctx, "bob", access.FactorSMS)
	if err != nil {
		t.Fatalf("create challenge: %v", err)
	}
	if c.ChallengeCode != "" {
		t.Fatalf("challenge code returned to the caller")
	}
	// Close drains the dispatcher
	f.eng.Close()
	n, ok := box.last()
	if !ok || n.Target != "+15550101" || n.Channel != access.FactorSMS {
		t.Fatalf("unexpected notification %+v", n)
	}
	fields := strings.Fields(n.Body)
	code := fields[len(fields)-1]
	if len(code) != 6 {
		t.Fatalf("unexpected code %q", code)
	}
	if ok, err := m.VerifyChallenge(ctx, c.ID, code); err != nil || !ok {
		t.Fatalf("verify delivered code: ok=%v err=%v", ok, err)
	}
}

func TestDeliveryFailureRaisesEvent(t *testing.T) {
	box := &outbox{fail: errors.New("gateway down")}
	f := newFixture(t, access.WithMFAConfig(fastMFA()), access.WithNotifier(box))
	ctx := context.Background()
	m, _ := f.eng.MFA()
	if _, err := m.AddMethod(ctx, "bob", access.FactorEmail, "bob@example.com"); err != nil {
		t.Fatalf("add method: %v", err)
	}
	if _, err := m.CreateChallenge(ctx, "bob", ""); err != nil {
		t.Fatalf("delivery failure must not fail creation: %v", err)
	}
	f.eng.Close()
	evs := f.events(t, access.EventNotifyFailed)
	if len(evs) != 1 || evs[0].Details["channel"] != "email" {
		t.Fatalf("expected one notification failure event, got %+v", evs)
	}
}

func TestChallengeAttemptStateMachine(t *testing.T) {
	now := monday
	c := access.MFAChallenge{MaxAttempts: 2, ExpiresAt: now.Add(time.Minute), State: access.ChallengeCreated, Version: 1}
	c, err := c.Attempt(now, false)
	if err != nil || c.State != access.ChallengeCreated || c.Attempts != 1 || c.Version != 2 {
		t.Fatalf("first miss: %+v %v", c, err)
	}
	c, _ = c.Attempt(now, false)
	if c.State != access.ChallengeExhausted {
		t.Fatalf("expected EXHAUSTED, got %s", c.State)
	}
	if _, err := c.Attempt(now, true); !errors.Is(err, access.ErrInvalidState) {
		t.Fatalf("terminal challenge accepted an attempt: %v", err)
	}

	late := access.MFAChallenge{MaxAttempts: 3, ExpiresAt: now, State: access.ChallengeCreated}
	if late, _ = late.Attempt(now, true); late.State != access.ChallengeExpired || late.IsVerified {
		t.Fatalf("expected EXPIRED, got %+v", late)
	}
}

func TestDisabledMethodIsSkipped(t *testing.T) {
	f := newFixture(t, access.WithMFAConfig(fastMFA()))
	ctx := context.Background()
	m, _ := f.eng.MFA()
	sms, err := m.AddMethod(ctx, "bob", access.FactorSMS, "+15550101")
	if err != nil {
		t.Fatalf("add method: %v", err)
	}
	if _, err := m.AddMethod(ctx, "bob", access.FactorPush, ""); !errors.Is(err, access.ErrInvalidInput) {
		t.Fatalf("empty push target accepted: %v", err)
	}
	if err := m.DisableMethod(ctx, sms.ID); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if err := m.DisableMethod(ctx, sms.ID); err != nil {
		t.Fatalf("disable twice: %v", err)
	}
	if _, err := m.CreateChallenge(ctx, "bob", access.FactorSMS); !errors.Is(err, access.ErrNoMFAMethod) {
		t.Fatalf("challenge issued for a disabled method: %v", err)
	}
}
