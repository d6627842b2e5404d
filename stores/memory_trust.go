package stores

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oarkflow/access"
)

// memTrust holds mutable trust state and the audit trail. Every update is a
// compare-and-swap on Version under mu.
type memTrust struct {
	mu sync.RWMutex

	methods    map[string]*access.MFAMethod
	challenges map[string]*access.MFAChallenge

	devices       map[string]*access.UserDevice
	byFingerprint map[string]string

	sessions  map[string]*access.UserSession
	byToken   map[string]string
	byRefresh map[string]string

	audit  []*access.AuditLog
	events []*access.SecurityEvent
}

func newMemTrust() *memTrust {
	return &memTrust{
		methods:       map[string]*access.MFAMethod{},
		challenges:    map[string]*access.MFAChallenge{},
		devices:       map[string]*access.UserDevice{},
		byFingerprint: map[string]string{},
		sessions:      map[string]*access.UserSession{},
		byToken:       map[string]string{},
		byRefresh:     map[string]string{},
	}
}

func cloneMethod(m *access.MFAMethod) *access.MFAMethod {
	dup := clone(m)
	dup.BackupCodes = append([]string(nil), m.BackupCodes...)
	dup.UsedBackupCodes = append([]int(nil), m.UsedBackupCodes...)
	return dup
}

func (t *memTrust) listMethods(userID string) []*access.MFAMethod {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*access.MFAMethod, 0)
	for _, m := range t.methods {
		if m.UserID == userID {
			out = append(out, cloneMethod(m))
		}
	}
	sortByCreated(out, func(m *access.MFAMethod) time.Time { return m.CreatedAt }, func(m *access.MFAMethod) string { return m.ID })
	return out
}

func (t *memTrust) getDevice(id string) (*access.UserDevice, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.devices[id]
	if !ok {
		return nil, notFound("device", id)
	}
	return clone(d), nil
}

// ----------------------------------------------------------------------------
// MFAMethodStore
// ----------------------------------------------------------------------------

func (s *MemoryStore) CreateMethod(_ context.Context, m *access.MFAMethod) error {
	t := s.trust
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.methods[m.ID]; ok {
		return fmt.Errorf("mfa method %s: %w", m.ID, access.ErrAlreadyExists)
	}
	t.methods[m.ID] = cloneMethod(m)
	return nil
}

func (s *MemoryStore) GetMethod(_ context.Context, id string) (*access.MFAMethod, error) {
	t := s.trust
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.methods[id]
	if !ok {
		return nil, notFound("mfa method", id)
	}
	return cloneMethod(m), nil
}

func (s *MemoryStore) ListMFAMethods(_ context.Context, userID string) ([]*access.MFAMethod, error) {
	return s.trust.listMethods(userID), nil
}

func (s *MemoryStore) SwapMethod(_ context.Context, next *access.MFAMethod, prevVersion int64) (bool, error) {
	t := s.trust
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.methods[next.ID]
	if !ok {
		return false, notFound("mfa method", next.ID)
	}
	if cur.Version != prevVersion {
		return false, nil
	}
	t.methods[next.ID] = cloneMethod(next)
	return true, nil
}

// ----------------------------------------------------------------------------
// ChallengeStore
// ----------------------------------------------------------------------------

func (s *MemoryStore) CreateChallenge(_ context.Context, c *access.MFAChallenge) error {
	t := s.trust
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.challenges[c.ID]; ok {
		return fmt.Errorf("challenge %s: %w", c.ID, access.ErrAlreadyExists)
	}
	t.challenges[c.ID] = clone(c)
	return nil
}

func (s *MemoryStore) GetChallenge(_ context.Context, id string) (*access.MFAChallenge, error) {
	t := s.trust
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.challenges[id]
	if !ok {
		return nil, notFound("challenge", id)
	}
	return clone(c), nil
}

func (s *MemoryStore) SwapChallenge(_ context.Context, next *access.MFAChallenge, prevVersion int64) (bool, error) {
	t := s.trust
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.challenges[next.ID]
	if !ok {
		return false, notFound("challenge", next.ID)
	}
	if cur.Version != prevVersion {
		return false, nil
	}
	t.challenges[next.ID] = clone(next)
	return true, nil
}

// ----------------------------------------------------------------------------
// DeviceStore
// ----------------------------------------------------------------------------

func fingerprintKey(userID, fp string) string { return userID + "\x00" + fp }

// UpsertDevice inserts d or, when the user already has a device with the
// same fingerprint, refreshes its token, last IP and last-seen time.
func (s *MemoryStore) UpsertDevice(_ context.Context, d *access.UserDevice) (*access.UserDevice, bool, error) {
	t := s.trust
	t.mu.Lock()
	defer t.mu.Unlock()
	key := fingerprintKey(d.UserID, d.Fingerprint)
	if id, ok := t.byFingerprint[key]; ok {
		cur := clone(t.devices[id])
		if d.Token != "" {
			cur.Token = d.Token
		}
		if d.LastIP != "" {
			cur.LastIP = d.LastIP
		}
		if d.OSVersion != "" {
			cur.OSVersion = d.OSVersion
		}
		cur.LastSeenAt = d.LastSeenAt
		cur.Version++
		t.devices[id] = cur
		return clone(cur), false, nil
	}
	if _, ok := t.devices[d.ID]; ok {
		return nil, false, fmt.Errorf("device %s: %w", d.ID, access.ErrAlreadyExists)
	}
	t.devices[d.ID] = clone(d)
	t.byFingerprint[key] = d.ID
	return clone(d), true, nil
}

func (s *MemoryStore) GetDevice(_ context.Context, id string) (*access.UserDevice, error) {
	return s.trust.getDevice(id)
}

func (s *MemoryStore) ListUserDevices(_ context.Context, userID string) ([]*access.UserDevice, error) {
	t := s.trust
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*access.UserDevice, 0)
	for _, d := range t.devices {
		if d.UserID == userID {
			out = append(out, clone(d))
		}
	}
	sortByCreated(out, func(d *access.UserDevice) time.Time { return d.CreatedAt }, func(d *access.UserDevice) string { return d.ID })
	return out, nil
}

func (s *MemoryStore) SwapDevice(_ context.Context, next *access.UserDevice, prevVersion int64) (bool, error) {
	t := s.trust
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.devices[next.ID]
	if !ok {
		return false, notFound("device", next.ID)
	}
	if cur.Version != prevVersion {
		return false, nil
	}
	t.devices[next.ID] = clone(next)
	return true, nil
}

// ----------------------------------------------------------------------------
// SessionStore
// ----------------------------------------------------------------------------

func (s *MemoryStore) CreateSession(_ context.Context, sess *access.UserSession) error {
	t := s.trust
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sessions[sess.ID]; ok {
		return fmt.Errorf("session %s: %w", sess.ID, access.ErrAlreadyExists)
	}
	t.sessions[sess.ID] = clone(sess)
	t.byToken[sess.TokenHash] = sess.ID
	if sess.RefreshTokenHash != "" {
		t.byRefresh[sess.RefreshTokenHash] = sess.ID
	}
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, id string) (*access.UserSession, error) {
	t := s.trust
	t.mu.RLock()
	defer t.mu.RUnlock()
	sess, ok := t.sessions[id]
	if !ok {
		return nil, notFound("session", id)
	}
	return clone(sess), nil
}

func (s *MemoryStore) GetSessionByTokenHash(ctx context.Context, hash string) (*access.UserSession, error) {
	s.trust.mu.RLock()
	id, ok := s.trust.byToken[hash]
	s.trust.mu.RUnlock()
	if !ok {
		return nil, notFound("session token", "")
	}
	return s.GetSession(ctx, id)
}

func (s *MemoryStore) GetSessionByRefreshHash(ctx context.Context, hash string) (*access.UserSession, error) {
	s.trust.mu.RLock()
	id, ok := s.trust.byRefresh[hash]
	s.trust.mu.RUnlock()
	if !ok {
		return nil, notFound("refresh token", "")
	}
	return s.GetSession(ctx, id)
}

func (s *MemoryStore) ListUserSessions(_ context.Context, userID string) ([]*access.UserSession, error) {
	t := s.trust
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*access.UserSession, 0)
	for _, sess := range t.sessions {
		if sess.UserID == userID {
			out = append(out, clone(sess))
		}
	}
	sortByCreated(out, func(s *access.UserSession) time.Time { return s.CreatedAt }, func(s *access.UserSession) string { return s.ID })
	return out, nil
}

// SwapSession also re-points the token indexes when the hashes rotate.
func (s *MemoryStore) SwapSession(_ context.Context, next *access.UserSession, prevVersion int64) (bool, error) {
	t := s.trust
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.sessions[next.ID]
	if !ok {
		return false, notFound("session", next.ID)
	}
	if cur.Version != prevVersion {
		return false, nil
	}
	if cur.TokenHash != next.TokenHash {
		delete(t.byToken, cur.TokenHash)
		t.byToken[next.TokenHash] = next.ID
	}
	if cur.RefreshTokenHash != next.RefreshTokenHash {
		delete(t.byRefresh, cur.RefreshTokenHash)
		if next.RefreshTokenHash != "" {
			t.byRefresh[next.RefreshTokenHash] = next.ID
		}
	}
	t.sessions[next.ID] = clone(next)
	return true, nil
}

// ----------------------------------------------------------------------------
// AuditStore
// ----------------------------------------------------------------------------

func (s *MemoryStore) LogAudit(_ context.Context, entry *access.AuditLog) error {
	t := s.trust
	t.mu.Lock()
	defer t.mu.Unlock()
	t.audit = append(t.audit, clone(entry))
	return nil
}

func (s *MemoryStore) LogSecurityEvent(_ context.Context, ev *access.SecurityEvent) error {
	t := s.trust
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, clone(ev))
	return nil
}

// ListAudit returns matching entries, newest first.
func (s *MemoryStore) ListAudit(_ context.Context, f access.AuditFilter) ([]*access.AuditLog, error) {
	t := s.trust
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*access.AuditLog, 0)
	for i := len(t.audit) - 1; i >= 0; i-- {
		e := t.audit[i]
		if !f.Matches(e.ActorID, e.Action, "", e.Timestamp) {
			continue
		}
		out = append(out, clone(e))
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// ListSecurityEvents returns matching events, newest first.
func (s *MemoryStore) ListSecurityEvents(_ context.Context, f access.AuditFilter) ([]*access.SecurityEvent, error) {
	t := s.trust
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*access.SecurityEvent, 0)
	for i := len(t.events) - 1; i >= 0; i-- {
		e := t.events[i]
		if !f.Matches(e.UserID, e.Type, e.Severity, e.Timestamp) {
			continue
		}
		out = append(out, clone(e))
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

var (
	_ access.Store          = (*MemoryStore)(nil)
	_ access.MFAMethodStore = (*MemoryStore)(nil)
	_ access.ChallengeStore = (*MemoryStore)(nil)
	_ access.DeviceStore    = (*MemoryStore)(nil)
	_ access.SessionStore   = (*MemoryStore)(nil)
	_ access.AuditStore     = (*MemoryStore)(nil)
	_ access.Directory      = (*memState)(nil)
)
