package access

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/oarkflow/access/logger"
)

// MFAConfig tunes challenge issuance and verification.
type MFAConfig struct {
	Issuer          string
	ChallengeTTL    time.Duration
	MaxAttempts     int
	CodeLength      int
	BackupCodeCount int
	BcryptCost      int
	// ChallengeRate and ChallengeBurst bound challenge creation per user.
	ChallengeRate  rate.Limit
	ChallengeBurst int
}

// DefaultMFAConfig returns the production defaults.
func DefaultMFAConfig() MFAConfig {
	return MFAConfig{
		Issuer:          "access",
		ChallengeTTL:    5 * time.Minute,
		MaxAttempts:     3,
		CodeLength:      6,
		BackupCodeCount: 10,
		BcryptCost:      bcrypt.DefaultCost,
		ChallengeRate:   rate.Every(10 * time.Second),
		ChallengeBurst:  5,
	}
}

func (c MFAConfig) withDefaults() MFAConfig {
	d := DefaultMFAConfig()
	if c.Issuer == "" {
		c.Issuer = d.Issuer
	}
	if c.ChallengeTTL <= 0 {
		c.ChallengeTTL = d.ChallengeTTL
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.CodeLength <= 0 {
		c.CodeLength = d.CodeLength
	}
	if c.BackupCodeCount <= 0 {
		c.BackupCodeCount = d.BackupCodeCount
	}
	if c.BcryptCost < bcrypt.MinCost || c.BcryptCost > bcrypt.MaxCost {
		c.BcryptCost = d.BcryptCost
	}
	if c.ChallengeRate <= 0 {
		c.ChallengeRate = d.ChallengeRate
	}
	if c.ChallengeBurst <= 0 {
		c.ChallengeBurst = d.ChallengeBurst
	}
	return c
}

// Attempt applies one verification attempt to a challenge. ok is whether the
// submitted code was correct. Only CREATED challenges accept attempts; a
// challenge that already used up its attempts fails even with a correct code.
func (c MFAChallenge) Attempt(now time.Time, ok bool) (MFAChallenge, error) {
	if c.State.Terminal() {
		return c, fmt.Errorf("%w: challenge is %s", ErrInvalidState, c.State)
	}
	exhausted := c.Attempts >= c.MaxAttempts
	c.Attempts++
	c.Version++
	switch {
	case !now.Before(c.ExpiresAt):
		c.State = ChallengeExpired
	case exhausted:
		c.State = ChallengeExhausted
	case ok:
		c.State = ChallengeVerified
		c.IsVerified = true
	case c.Attempts >= c.MaxAttempts:
		c.State = ChallengeExhausted
	}
	return c, nil
}

// TOTPSetup is returned by SetupTOTP. ProvisioningURI is an otpauth:// URI
// for QR rendering.
type TOTPSetup struct {
	MethodID        string `json:"method_id"`
	Secret          string `json:"secret"`
	ProvisioningURI string `json:"provisioning_uri"`
}

var totpOpts = totp.ValidateOpts{
	Period:    30,
	Skew:      1,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

const casRetries = 8

// MFAManager issues and verifies second-factor challenges.
type MFAManager struct {
	methods    MFAMethodStore
	challenges ChallengeStore
	cfg        MFAConfig

	auditor  *Auditor
	dispatch *Dispatcher
	metrics  *Metrics
	log      logger.Logger
	now      func() time.Time

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
}

func newMFAManager(methods MFAMethodStore, challenges ChallengeStore, cfg MFAConfig, d deps) *MFAManager {
	return &MFAManager{
		methods:    methods,
		challenges: challenges,
		cfg:        cfg.withDefaults(),
		auditor:    d.auditor,
		dispatch:   d.dispatch,
		metrics:    d.metrics,
		log:        d.log,
		now:        d.now,
		limiters:   make(map[string]*rate.Limiter),
	}
}

// SetupTOTP creates a disabled TOTP method for userID.
func (m *MFAManager) SetupTOTP(ctx context.Context, userID, accountName string) (*TOTPSetup, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if accountName == "" {
		accountName = userID
	}
	key, err := totp.Generate(totp.GenerateOpts{Issuer: m.cfg.Issuer, AccountName: accountName})
	if err != nil {
		return nil, fmt.Errorf("generate totp key: %w", err)
	}
	now := m.now()
	method := &MFAMethod{
		ID:         NewID(),
		UserID:     userID,
		FactorType: FactorTOTP,
		Secret:     key.Secret(),
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.methods.CreateMethod(ctx, method); err != nil {
		return nil, fmt.Errorf("create totp method: %w", err)
	}
	return &TOTPSetup{MethodID: method.ID, Secret: key.Secret(), ProvisioningURI: key.URL()}, nil
}

// VerifyTOTPSetup enables a pending TOTP method after one valid code and
// returns freshly issued plaintext backup codes.
func (m *MFAManager) VerifyTOTPSetup(ctx context.Context, methodID, code string) ([]string, error) {
	for i := 0; i < casRetries; i++ {
		cur, err := m.methods.GetMethod(ctx, methodID)
		if err != nil {
			return nil, err
		}
		if cur.FactorType != FactorTOTP {
			return nil, fmt.Errorf("%w: method %s is not totp", ErrInvalidInput, methodID)
		}
		if cur.IsEnabled {
			return nil, fmt.Errorf("%w: method %s already verified", ErrInvalidState, methodID)
		}
		if !m.validTOTP(code, cur.Secret) {
			m.metrics.mfa("setup_failed")
			return nil, fmt.Errorf("%w: invalid verification code", ErrInvalidInput)
		}
		plain, hashes, err := m.backupCodes()
		if err != nil {
			return nil, err
		}
		next := *cur
		next.IsEnabled = true
		next.BackupCodes = hashes
		next.UsedBackupCodes = nil
		next.Version++
		next.UpdatedAt = m.now()
		ok, err := m.methods.SwapMethod(ctx, &next, cur.Version)
		if err != nil {
			return nil, err
		}
		if ok {
			m.metrics.mfa("setup_verified")
			return plain, nil
		}
	}
	return nil, ErrConflict
}

// AddMethod enrols an SMS, email or push factor. target is the phone
// number, email address or device id. Such methods are enabled at once.
func (m *MFAManager) AddMethod(ctx context.Context, userID string, factor FactorType, target string) (*MFAMethod, error) {
	if userID == "" || strings.TrimSpace(target) == "" {
		return nil, fmt.Errorf("%w: user id and target are required", ErrInvalidInput)
	}
	now := m.now()
	method := &MFAMethod{
		ID:         NewID(),
		UserID:     userID,
		FactorType: factor,
		IsEnabled:  true,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	switch factor {
	case FactorSMS:
		method.Phone = target
	case FactorEmail:
		method.Email = target
	case FactorPush:
		method.DeviceID = target
	default:
		return nil, fmt.Errorf("%w: unsupported factor %q", ErrInvalidInput, factor)
	}
	if err := m.methods.CreateMethod(ctx, method); err != nil {
		return nil, fmt.Errorf("create mfa method: %w", err)
	}
	return method, nil
}

// DisableMethod turns a method off. Disabling twice is a no-op.
func (m *MFAManager) DisableMethod(ctx context.Context, methodID string) error {
	return m.updateMethod(ctx, methodID, func(mm *MFAMethod) error {
		mm.IsEnabled = false
		return nil
	})
}

// RegenerateBackupCodes replaces the backup codes of an enabled method.
func (m *MFAManager) RegenerateBackupCodes(ctx context.Context, methodID string) ([]string, error) {
	var plain []string
	err := m.updateMethod(ctx, methodID, func(mm *MFAMethod) error {
		if !mm.IsEnabled {
			return fmt.Errorf("%w: method %s is not enabled", ErrInvalidState, methodID)
		}
		p, hashes, err := m.backupCodes()
		if err != nil {
			return err
		}
		plain = p
		mm.BackupCodes = hashes
		mm.UsedBackupCodes = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	return plain, nil
}

func (m *MFAManager) updateMethod(ctx context.Context, methodID string, fn func(*MFAMethod) error) error {
	for i := 0; i < casRetries; i++ {
		cur, err := m.methods.GetMethod(ctx, methodID)
		if err != nil {
			return err
		}
		next := *cur
		next.BackupCodes = append([]string(nil), cur.BackupCodes...)
		next.UsedBackupCodes = append([]int(nil), cur.UsedBackupCodes...)
		if err := fn(&next); err != nil {
			return err
		}
		next.Version++
		next.UpdatedAt = m.now()
		ok, err := m.methods.SwapMethod(ctx, &next, cur.Version)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return ErrConflict
}

// VerifyBackupCode consumes one unused backup code of any enabled method of
// userID. Each code succeeds at most once.
func (m *MFAManager) VerifyBackupCode(ctx context.Context, userID, code string) (bool, error) {
	code = normalizeBackupCode(code)
	if code == "" {
		return false, nil
	}
	methods, err := m.methods.ListMFAMethods(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, mm := range methods {
		if !mm.IsEnabled || len(mm.BackupCodes) == 0 {
			continue
		}
		for i := 0; i < casRetries; i++ {
			cur, err := m.methods.GetMethod(ctx, mm.ID)
			if err != nil {
				return false, err
			}
			idx := matchBackupCode(cur, code)
			if idx < 0 {
				break
			}
			next := *cur
			next.UsedBackupCodes = append(append([]int(nil), cur.UsedBackupCodes...), idx)
			next.Version++
			next.UpdatedAt = m.now()
			ok, err := m.methods.SwapMethod(ctx, &next, cur.Version)
			if err != nil {
				return false, err
			}
			if ok {
				m.metrics.mfa("backup_code")
				m.event(ctx, EventBackupCodeUsed, SeverityMedium, userID, map[string]any{
					"method_id": cur.ID,
					"remaining": len(cur.BackupCodes) - len(next.UsedBackupCodes),
				})
				return true, nil
			}
		}
	}
	m.metrics.mfa("backup_code_failed")
	return false, nil
}

func matchBackupCode(mm *MFAMethod, code string) int {
	used := make(map[int]bool, len(mm.UsedBackupCodes))
	for _, i := range mm.UsedBackupCodes {
		used[i] = true
	}
	for i, h := range mm.BackupCodes {
		if used[i] {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(h), []byte(code)) == nil {
			return i
		}
	}
	return -1
}

// CreateChallenge opens a challenge against the user's first enabled method
// of the given factor (any factor when empty). Codes for SMS, email and push
// are delivered asynchronously; delivery failure never fails creation.
func (m *MFAManager) CreateChallenge(ctx context.Context, userID string, factor FactorType) (*MFAChallenge, error) {
	if !m.limiter(userID).Allow() {
		return nil, fmt.Errorf("%w: too many challenges for user %s", ErrRateLimited, userID)
	}
	methods, err := m.methods.ListMFAMethods(ctx, userID)
	if err != nil {
		return nil, err
	}
	var method *MFAMethod
	for _, mm := range methods {
		if mm.IsEnabled && (factor == "" || mm.FactorType == factor) {
			method = mm
			break
		}
	}
	if method == nil {
		return nil, ErrNoMFAMethod
	}
	now := m.now()
	c := &MFAChallenge{
		ID:          NewID(),
		UserID:      userID,
		MethodID:    method.ID,
		FactorType:  method.FactorType,
		MaxAttempts: m.cfg.MaxAttempts,
		ExpiresAt:   now.Add(m.cfg.ChallengeTTL),
		State:       ChallengeCreated,
		Version:     1,
		CreatedAt:   now,
	}
	if method.FactorType != FactorTOTP {
		code, err := numericCode(m.cfg.CodeLength)
		if err != nil {
			return nil, err
		}
		c.ChallengeCode = code
	}
	if err := m.challenges.CreateChallenge(ctx, c); err != nil {
		return nil, fmt.Errorf("create challenge: %w", err)
	}
	if c.ChallengeCode != "" && m.dispatch != nil {
		m.dispatch.Dispatch(Notification{
			Channel: method.FactorType,
			UserID:  userID,
			Target:  firstNonEmpty(method.Phone, method.Email, method.DeviceID),
			Subject: "Verification code",
			Body:    fmt.Sprintf("Your %s verification code is %s", m.cfg.Issuer, c.ChallengeCode),
		})
	}
	out := *c
	out.ChallengeCode = ""
	return &out, nil
}

// VerifyChallenge submits code for a challenge. It returns false for a wrong
// code and for any challenge that is no longer open.
func (m *MFAManager) VerifyChallenge(ctx context.Context, challengeID, code string) (bool, error) {
	for i := 0; i < casRetries; i++ {
		cur, err := m.challenges.GetChallenge(ctx, challengeID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				m.metrics.mfa("unknown")
				return false, nil
			}
			return false, err
		}
		if cur.State.Terminal() {
			m.metrics.mfa("closed")
			return false, nil
		}
		ok, err := m.checkCode(ctx, cur, code)
		if err != nil {
			return false, err
		}
		next, err := cur.Attempt(m.now(), ok)
		if err != nil {
			return false, nil
		}
		swapped, err := m.challenges.SwapChallenge(ctx, &next, cur.Version)
		if err != nil {
			return false, err
		}
		if !swapped {
			continue
		}
		m.afterAttempt(ctx, &next)
		return next.State == ChallengeVerified, nil
	}
	return false, ErrConflict
}

func (m *MFAManager) afterAttempt(ctx context.Context, c *MFAChallenge) {
	details := map[string]any{"challenge_id": c.ID, "attempts": c.Attempts, "factor": string(c.FactorType)}
	switch c.State {
	case ChallengeVerified:
		m.metrics.mfa("verified")
		m.event(ctx, EventMFAVerified, SeverityLow, c.UserID, details)
	case ChallengeExhausted:
		m.metrics.mfa("exhausted")
		m.event(ctx, EventMFAExhausted, SeverityHigh, c.UserID, details)
	case ChallengeExpired:
		m.metrics.mfa("expired")
		m.event(ctx, EventMFAExpired, SeverityMedium, c.UserID, details)
	default:
		m.metrics.mfa("failed")
	}
}

func (m *MFAManager) checkCode(ctx context.Context, c *MFAChallenge, code string) (bool, error) {
	if c.FactorType != FactorTOTP {
		return c.ChallengeCode != "" && subtle.ConstantTimeCompare([]byte(c.ChallengeCode), []byte(code)) == 1, nil
	}
	method, err := m.methods.GetMethod(ctx, c.MethodID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return method.IsEnabled && m.validTOTP(code, method.Secret), nil
}

func (m *MFAManager) validTOTP(code, secret string) bool {
	ok, err := totp.ValidateCustom(strings.TrimSpace(code), secret, m.now().UTC(), totpOpts)
	return err == nil && ok
}

func (m *MFAManager) limiter(userID string) *rate.Limiter {
	m.limMu.Lock()
	defer m.limMu.Unlock()
	lim, ok := m.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(m.cfg.ChallengeRate, m.cfg.ChallengeBurst)
		m.limiters[userID] = lim
	}
	return lim
}

func (m *MFAManager) event(ctx context.Context, typ string, sev Severity, userID string, details map[string]any) {
	if m.auditor == nil {
		return
	}
	m.auditor.Event(ctx, &SecurityEvent{Type: typ, Severity: sev, UserID: userID, Details: details})
}

// backupCodes returns plaintext codes and their bcrypt hashes.
func (m *MFAManager) backupCodes() ([]string, []string, error) {
	plain := make([]string, m.cfg.BackupCodeCount)
	hashes := make([]string, m.cfg.BackupCodeCount)
	for i := range plain {
		s, err := randomString(backupAlphabet, 10)
		if err != nil {
			return nil, nil, err
		}
		plain[i] = s[:5] + "-" + s[5:]
		h, err := bcrypt.GenerateFromPassword([]byte(s), m.cfg.BcryptCost)
		if err != nil {
			return nil, nil, fmt.Errorf("hash backup code: %w", err)
		}
		hashes[i] = string(h)
	}
	return plain, hashes, nil
}

const backupAlphabet = "abcdefghjkmnpqrstuvwxyz23456789"

func normalizeBackupCode(code string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(code), "-", ""))
}

func numericCode(n int) (string, error) {
	return randomString("0123456789", n)
}

func randomString(alphabet string, n int) (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	b := make([]byte, n)
	for i := range b {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("random code: %w", err)
		}
		b[i] = alphabet[v.Int64()]
	}
	return string(b), nil
}
