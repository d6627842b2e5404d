package access

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/oarkflow/access/logger"
)

// SessionConfig tunes session lifetimes.
type SessionConfig struct {
	TTL        time.Duration
	RefreshTTL time.Duration
	// IPChangeRiskDelta is added to the session risk when a validation comes
	// from a new IP.
	IPChangeRiskDelta float64
}

// DefaultSessionConfig returns the production defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{TTL: 24 * time.Hour, RefreshTTL: 7 * 24 * time.Hour, IPChangeRiskDelta: 0.2}
}

func (c SessionConfig) withDefaults() SessionConfig {
	d := DefaultSessionConfig()
	if c.TTL <= 0 {
		c.TTL = d.TTL
	}
	if c.RefreshTTL <= 0 {
		c.RefreshTTL = d.RefreshTTL
	}
	if c.RefreshTTL < c.TTL {
		c.RefreshTTL = c.TTL
	}
	if c.IPChangeRiskDelta <= 0 {
		c.IPChangeRiskDelta = d.IPChangeRiskDelta
	}
	return c
}

// SessionGrant carries the plaintext tokens. They are never stored.
type SessionGrant struct {
	SessionID    string    `json:"session_id"`
	Token        string    `json:"token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	RiskScore    float64   `json:"risk_score"`
	RiskLevel    RiskLevel `json:"risk_level"`
	RequiresMFA  bool      `json:"requires_mfa"`
}

// NewSession describes a session to open.
type NewSession struct {
	UserID      string
	DeviceID    string
	IP          string
	Location    *Location
	Risk        RiskAssessment
	RequiresMFA bool
}

// HashToken returns the stored form of a session token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("session token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Live reports whether the session accepts its access token at now.
func (s UserSession) Live(now time.Time) bool {
	return s.Status == SessionActive && now.Before(s.ExpiresAt)
}

func (s UserSession) terminate(by string, now time.Time) (UserSession, error) {
	if s.Status != SessionActive {
		return s, fmt.Errorf("%w: session %s is %s", ErrInvalidState, s.ID, s.Status)
	}
	s.Status = SessionTerminated
	s.TerminatedBy = by
	s.LastActivityAt = now
	s.Version++
	return s, nil
}

func (s UserSession) expire() (UserSession, error) {
	if s.Status != SessionActive {
		return s, fmt.Errorf("%w: session %s is %s", ErrInvalidState, s.ID, s.Status)
	}
	s.Status = SessionExpired
	s.Version++
	return s, nil
}

// touch records activity from ip. The risk rises by delta once per IP change
// away from the creation IP.
func (s UserSession) touch(ip string, now time.Time, delta float64) (UserSession, bool) {
	changed := ip != "" && ip != s.CreatedIP && ip != s.LastIP
	if changed {
		s.RiskScore = clampScore(s.RiskScore + delta)
		s.RiskLevel = RiskLevelFor(s.RiskScore)
		if s.RiskScore >= MFAThreshold {
			s.RequiresMFA = true
		}
	}
	if ip != "" {
		s.LastIP = ip
	}
	s.LastActivityAt = now
	s.Version++
	return s, changed
}

// SessionManager creates, validates and terminates sessions.
type SessionManager struct {
	store   SessionStore
	cfg     SessionConfig
	auditor *Auditor
	metrics *Metrics
	log     logger.Logger
	now     func() time.Time
}

func newSessionManager(store SessionStore, cfg SessionConfig, d deps) *SessionManager {
	return &SessionManager{
		store:   store,
		cfg:     cfg.withDefaults(),
		auditor: d.auditor,
		metrics: d.metrics,
		log:     d.log,
		now:     d.now,
	}
}

// CreateSession opens an ACTIVE session and returns its plaintext tokens.
func (m *SessionManager) CreateSession(ctx context.Context, req NewSession) (*SessionGrant, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	refresh, err := newToken()
	if err != nil {
		return nil, err
	}
	now := m.now()
	s := &UserSession{
		ID:               NewID(),
		UserID:           req.UserID,
		DeviceID:         req.DeviceID,
		TokenHash:        HashToken(token),
		RefreshTokenHash: HashToken(refresh),
		CreatedIP:        req.IP,
		LastIP:           req.IP,
		Location:         req.Location,
		ExpiresAt:        now.Add(m.cfg.TTL),
		RefreshExpiresAt: now.Add(m.cfg.RefreshTTL),
		LastActivityAt:   now,
		RiskScore:        req.Risk.Score,
		RiskLevel:        RiskLevelFor(req.Risk.Score),
		RequiresMFA:      req.RequiresMFA,
		Status:           SessionActive,
		Version:          1,
		CreatedAt:        now,
	}
	if err := m.store.CreateSession(ctx, s); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	m.metrics.session("created")
	return &SessionGrant{
		SessionID:    s.ID,
		Token:        token,
		RefreshToken: refresh,
		ExpiresAt:    s.ExpiresAt,
		RiskScore:    s.RiskScore,
		RiskLevel:    s.RiskLevel,
		RequiresMFA:  s.RequiresMFA,
	}, nil
}

// ValidateSession returns the session for token, or nil when the token is
// unknown, terminated or past its expiry. A session whose refresh window has
// also passed is marked EXPIRED.
func (m *SessionManager) ValidateSession(ctx context.Context, token, ip string) (*UserSession, error) {
	hash := HashToken(token)
	for i := 0; i < casRetries; i++ {
		cur, err := m.store.GetSessionByTokenHash(ctx, hash)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				m.metrics.session("unknown")
				return nil, nil
			}
			return nil, err
		}
		now := m.now()
		if cur.Status != SessionActive {
			m.metrics.session("inactive")
			return nil, nil
		}
		if !now.Before(cur.ExpiresAt) {
			if err := m.expireIfDead(ctx, cur, now); err != nil {
				return nil, err
			}
			m.metrics.session("expired")
			return nil, nil
		}
		next, changed := cur.touch(ip, now, m.cfg.IPChangeRiskDelta)
		ok, err := m.store.SwapSession(ctx, &next, cur.Version)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if changed {
			m.event(ctx, EventSessionIPChanged, SeverityMedium, &next, map[string]any{
				"previous_ip": cur.LastIP,
				"risk_score":  next.RiskScore,
			})
		}
		m.metrics.session("valid")
		return &next, nil
	}
	return nil, ErrConflict
}

func (m *SessionManager) expireIfDead(ctx context.Context, cur *UserSession, now time.Time) error {
	if now.Before(cur.RefreshExpiresAt) {
		return nil
	}
	next, err := cur.expire()
	if err != nil {
		return nil
	}
	ok, err := m.store.SwapSession(ctx, &next, cur.Version)
	if err != nil {
		return err
	}
	if ok {
		m.event(ctx, EventSessionExpired, SeverityLow, &next, nil)
	}
	return nil
}

// RefreshSession rotates both tokens of an active session whose refresh
// window is still open. The old tokens stop working.
func (m *SessionManager) RefreshSession(ctx context.Context, refreshToken string) (*SessionGrant, error) {
	hash := HashToken(refreshToken)
	for i := 0; i < casRetries; i++ {
		cur, err := m.store.GetSessionByRefreshHash(ctx, hash)
		if err != nil {
			return nil, err
		}
		now := m.now()
		if cur.Status != SessionActive {
			return nil, fmt.Errorf("%w: session %s is %s", ErrInvalidState, cur.ID, cur.Status)
		}
		if !now.Before(cur.RefreshExpiresAt) {
			_ = m.expireIfDead(ctx, cur, now)
			return nil, fmt.Errorf("%w: refresh window closed", ErrInvalidState)
		}
		token, err := newToken()
		if err != nil {
			return nil, err
		}
		refresh, err := newToken()
		if err != nil {
			return nil, err
		}
		next := *cur
		next.TokenHash = HashToken(token)
		next.RefreshTokenHash = HashToken(refresh)
		next.ExpiresAt = now.Add(m.cfg.TTL)
		next.RefreshExpiresAt = now.Add(m.cfg.RefreshTTL)
		next.LastActivityAt = now
		next.Version++
		ok, err := m.store.SwapSession(ctx, &next, cur.Version)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		m.metrics.session("refreshed")
		return &SessionGrant{
			SessionID:    next.ID,
			Token:        token,
			RefreshToken: refresh,
			ExpiresAt:    next.ExpiresAt,
			RiskScore:    next.RiskScore,
			RiskLevel:    next.RiskLevel,
			RequiresMFA:  next.RequiresMFA,
		}, nil
	}
	return nil, ErrConflict
}

// TerminateSession ends a session. Terminating a session that is already
// terminated is a no-op.
func (m *SessionManager) TerminateSession(ctx context.Context, sessionID, by string) error {
	for i := 0; i < casRetries; i++ {
		cur, err := m.store.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if cur.Status == SessionTerminated {
			return nil
		}
		next, err := cur.terminate(by, m.now())
		if err != nil {
			return err
		}
		ok, err := m.store.SwapSession(ctx, &next, cur.Version)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		m.metrics.session("terminated")
		m.event(ctx, EventSessionTerminated, SeverityLow, &next, map[string]any{"by": by})
		return nil
	}
	return ErrConflict
}

// TerminateUserSessions ends every active session of userID and returns how
// many were terminated.
func (m *SessionManager) TerminateUserSessions(ctx context.Context, userID, by string) (int, error) {
	sessions, err := m.store.ListUserSessions(ctx, userID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range sessions {
		if s.Status != SessionActive {
			continue
		}
		if err := m.TerminateSession(ctx, s.ID, by); err != nil {
			if errors.Is(err, ErrInvalidState) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// ListActiveSessions returns the live sessions of userID.
func (m *SessionManager) ListActiveSessions(ctx context.Context, userID string) ([]*UserSession, error) {
	sessions, err := m.store.ListUserSessions(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := m.now()
	out := sessions[:0:0]
	for _, s := range sessions {
		if s.Live(now) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *SessionManager) event(ctx context.Context, typ string, sev Severity, s *UserSession, details map[string]any) {
	if m.auditor == nil {
		return
	}
	if details == nil {
		details = map[string]any{}
	}
	details["session_id"] = s.ID
	m.auditor.Event(ctx, &SecurityEvent{Type: typ, Severity: sev, UserID: s.UserID, IP: s.LastIP, Details: details})
}
