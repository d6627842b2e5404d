package access

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oarkflow/access/logger"
)

// deps is the shared plumbing handed to the trust-state managers.
type deps struct {
	auditor  *Auditor
	dispatch *Dispatcher
	metrics  *Metrics
	log      logger.Logger
	now      func() time.Time
}

// Engine is the access decision engine and the entry point to the MFA,
// device and session managers.
type Engine struct {
	store   Store
	log     logger.Logger
	metrics *Metrics
	now     func() time.Time

	auditStore  AuditStore
	auditBuffer int
	auditor     *Auditor
	notifier    Notifier
	dispatch    *Dispatcher

	geo           GeoResolver
	reputation    IPReputation
	history       LocationHistory
	businessStart string
	businessEnd   string

	roleCache    *RoleCache
	roles        *RoleResolver
	policies     *PolicyEvaluator
	overrides    *OverrideResolver
	attrRules    []AttributeRule
	abac         *ABACEvaluator
	restrictions RestrictionEvaluator
	risk         *RiskScorer

	methodStore    MFAMethodStore
	challengeStore ChallengeStore
	deviceStore    DeviceStore
	sessionStore   SessionStore
	mfaCfg         MFAConfig
	sessionCfg     SessionConfig

	mfa      *MFAManager
	devices  *DeviceManager
	sessions *SessionManager

	snapshotRetries int
	closeOnce       sync.Once
}

// EngineOption configures an Engine.
type EngineOption func(*Engine) error

// WithLogger installs a Logger on the Engine.
func WithLogger(l logger.Logger) EngineOption {
	return func(e *Engine) error {
		if l == nil {
			return fmt.Errorf("%w: nil logger", ErrInvalidInput)
		}
		e.log = l
		return nil
	}
}

// WithAuditStore sets where audit logs and security events are written.
// Without it they are only logged.
func WithAuditStore(s AuditStore) EngineOption {
	return func(e *Engine) error {
		e.auditStore = s
		return nil
	}
}

// WithAuditBuffer sets the async audit queue length. Zero writes inline.
func WithAuditBuffer(n int) EngineOption {
	return func(e *Engine) error {
		if n < 0 {
			return fmt.Errorf("%w: negative audit buffer", ErrInvalidInput)
		}
		e.auditBuffer = n
		return nil
	}
}

func WithGeoResolver(g GeoResolver) EngineOption {
	return func(e *Engine) error {
		e.geo = g
		return nil
	}
}

func WithIPReputation(r IPReputation) EngineOption {
	return func(e *Engine) error {
		e.reputation = r
		return nil
	}
}

func WithLocationHistory(h LocationHistory) EngineOption {
	return func(e *Engine) error {
		e.history = h
		return nil
	}
}

// WithRiskBusinessHours overrides the 06:00-22:00 window used by the risk scorer.
func WithRiskBusinessHours(start, end string) EngineOption {
	return func(e *Engine) error {
		if _, err := parseClock(start); err != nil {
			return fmt.Errorf("%w: business hours start: %v", ErrInvalidInput, err)
		}
		if _, err := parseClock(end); err != nil {
			return fmt.Errorf("%w: business hours end: %v", ErrInvalidInput, err)
		}
		e.businessStart, e.businessEnd = start, end
		return nil
	}
}

func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) error {
		e.metrics = m
		return nil
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) error {
		if now == nil {
			return fmt.Errorf("%w: nil clock", ErrInvalidInput)
		}
		e.now = now
		return nil
	}
}

// WithRoleCache replaces the default role chain cache.
func WithRoleCache(c *RoleCache) EngineOption {
	return func(e *Engine) error {
		e.roleCache = c
		return nil
	}
}

// WithAttributeRules registers ABAC rules. Without any, ABAC allows everything.
func WithAttributeRules(rules ...AttributeRule) EngineOption {
	return func(e *Engine) error {
		e.attrRules = append(e.attrRules, rules...)
		return nil
	}
}

func WithMFAMethodStore(s MFAMethodStore) EngineOption {
	return func(e *Engine) error {
		e.methodStore = s
		return nil
	}
}

func WithChallengeStore(s ChallengeStore) EngineOption {
	return func(e *Engine) error {
		e.challengeStore = s
		return nil
	}
}

func WithDeviceStore(s DeviceStore) EngineOption {
	return func(e *Engine) error {
		e.deviceStore = s
		return nil
	}
}

func WithSessionStore(s SessionStore) EngineOption {
	return func(e *Engine) error {
		e.sessionStore = s
		return nil
	}
}

// WithNotifier sets the SMS/email/push delivery backend.
func WithNotifier(n Notifier) EngineOption {
	return func(e *Engine) error {
		e.notifier = n
		return nil
	}
}

func WithMFAConfig(c MFAConfig) EngineOption {
	return func(e *Engine) error {
		e.mfaCfg = c
		return nil
	}
}

func WithSessionConfig(c SessionConfig) EngineOption {
	return func(e *Engine) error {
		e.sessionCfg = c
		return nil
	}
}

// WithSnapshotRetries bounds how often an evaluation is retried when the
// directory changed underneath it.
func WithSnapshotRetries(n int) EngineOption {
	return func(e *Engine) error {
		if n < 0 {
			return fmt.Errorf("%w: negative snapshot retries", ErrInvalidInput)
		}
		e.snapshotRetries = n
		return nil
	}
}

// NewEngine wires an engine over store. Trust-state stores default to store
// itself when it implements them.
func NewEngine(store Store, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidInput)
	}
	e := &Engine{
		store:           store,
		log:             logger.NewPhusluLogger(),
		now:             time.Now,
		auditBuffer:     1024,
		geo:             NullGeoResolver{},
		reputation:      NullIPReputation{},
		history:         NullLocationHistory{},
		mfaCfg:          DefaultMFAConfig(),
		sessionCfg:      DefaultSessionConfig(),
		snapshotRetries: 3,
	}
	if s, ok := store.(AuditStore); ok {
		e.auditStore = s
	}
	if s, ok := store.(MFAMethodStore); ok {
		e.methodStore = s
	}
	if s, ok := store.(ChallengeStore); ok {
		e.challengeStore = s
	}
	if s, ok := store.(DeviceStore); ok {
		e.deviceStore = s
	}
	if s, ok := store.(SessionStore); ok {
		e.sessionStore = s
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if e.roleCache == nil {
		c, err := NewRoleCache(0, 0, 0)
		if err != nil {
			return nil, fmt.Errorf("role cache: %w", err)
		}
		e.roleCache = c
	}
	e.build()
	return e, nil
}

// build (re)creates the evaluators and managers from the current settings.
func (e *Engine) build() {
	e.auditor = NewAuditor(e.auditStore, e.log, e.auditBuffer)
	e.auditor.SetMetrics(e.metrics)
	e.dispatch = NewDispatcher(e.notifier, e.auditor, e.metrics, e.log, 256)

	riskOpts := []RiskOption{
		WithRiskGeoResolver(e.geo),
		WithRiskIPReputation(e.reputation),
		WithRiskLocationHistory(e.history),
		WithRiskLogger(e.log),
	}
	if e.businessStart != "" {
		riskOpts = append(riskOpts, WithBusinessHours(e.businessStart, e.businessEnd))
	}
	e.risk = NewRiskScorer(riskOpts...)
	e.roles = NewRoleResolver(e.roleCache, e.log)
	e.policies = NewPolicyEvaluator(e.log)
	e.overrides = NewOverrideResolver(e.log)
	e.abac = NewABACEvaluator(e.attrRules...)

	d := deps{auditor: e.auditor, dispatch: e.dispatch, metrics: e.metrics, log: e.log, now: e.now}
	e.mfa, e.devices, e.sessions = nil, nil, nil
	if e.methodStore != nil && e.challengeStore != nil {
		e.mfa = newMFAManager(e.methodStore, e.challengeStore, e.mfaCfg, d)
	}
	if e.deviceStore != nil {
		e.devices = newDeviceManager(e.deviceStore, d)
	}
	if e.sessionStore != nil {
		e.sessions = newSessionManager(e.sessionStore, e.sessionCfg, d)
	}
}

// Close flushes pending audit records and notifications.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.dispatch.Close()
		e.auditor.Close()
		e.roleCache.Close()
	})
	return nil
}

// Store returns the directory store.
func (e *Engine) Store() Store { return e.store }

// Auditor returns the engine's audit writer.
func (e *Engine) Auditor() *Auditor { return e.auditor }

func unavailable(what string) error {
	return fmt.Errorf("%w: no %s configured", ErrUnavailable, what)
}

// ============================================================================
// MFA
// ============================================================================

func (e *Engine) MFA() (*MFAManager, error) {
	if e.mfa == nil {
		return nil, unavailable("mfa store")
	}
	return e.mfa, nil
}

// CreateMFAChallenge opens a challenge for userID and returns its id.
func (e *Engine) CreateMFAChallenge(ctx context.Context, userID string, factor FactorType, actx AccessContext) (string, error) {
	m, err := e.MFA()
	if err != nil {
		return "", err
	}
	c, err := m.CreateChallenge(ctx, userID, factor)
	if err != nil {
		return "", err
	}
	e.auditor.Record(ctx, &AuditLog{
		ActorID:      userID,
		Action:       "mfa.challenge",
		ResourceType: "mfa_challenge",
		ResourceID:   c.ID,
		IP:           ipString(actx),
		Location:     actx.Location.Key(),
		Granted:      true,
	})
	return c.ID, nil
}

// VerifyMFAChallenge reports whether code completes the challenge.
func (e *Engine) VerifyMFAChallenge(ctx context.Context, challengeID, code string) (bool, error) {
	m, err := e.MFA()
	if err != nil {
		return false, err
	}
	return m.VerifyChallenge(ctx, challengeID, code)
}

// ============================================================================
// DEVICES
// ============================================================================

func (e *Engine) Devices() (*DeviceManager, error) {
	if e.devices == nil {
		return nil, unavailable("device store")
	}
	return e.devices, nil
}

// RegisterDevice registers or refreshes a device and returns its id.
func (e *Engine) RegisterDevice(ctx context.Context, userID string, info DeviceInfo, actx AccessContext) (string, error) {
	m, err := e.Devices()
	if err != nil {
		return "", err
	}
	if info.IP == "" {
		info.IP = ipString(actx)
	}
	d, _, err := m.RegisterDevice(ctx, userID, info)
	if err != nil {
		return "", err
	}
	return d.ID, nil
}

// ApproveDevice activates a pending device. It returns false when the device
// is not pending.
func (e *Engine) ApproveDevice(ctx context.Context, deviceID, approverID string) (bool, error) {
	m, err := e.Devices()
	if err != nil {
		return false, err
	}
	return stateResult(m.ApproveDevice(ctx, deviceID, approverID))
}

// RejectDevice rejects a pending device.
func (e *Engine) RejectDevice(ctx context.Context, deviceID, approverID string) (bool, error) {
	m, err := e.Devices()
	if err != nil {
		return false, err
	}
	return stateResult(m.RejectDevice(ctx, deviceID, approverID))
}

func stateResult(_ *UserDevice, err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	if isNegative(err) {
		return false, nil
	}
	return false, err
}

// ============================================================================
// SESSIONS
// ============================================================================

func (e *Engine) Sessions() (*SessionManager, error) {
	if e.sessions == nil {
		return nil, unavailable("session store")
	}
	return e.sessions, nil
}

// CreateSession opens a session scored by the risk scorer and records the
// request location in the user's history.
func (e *Engine) CreateSession(ctx context.Context, userID, deviceID string, actx AccessContext) (*SessionGrant, error) {
	m, err := e.Sessions()
	if err != nil {
		return nil, err
	}
	actx.UserID = userID
	actx.DeviceID = deviceID
	actx = actx.WithTimestamp(e.now())
	if loc := e.risk.ResolveLocation(ctx, actx); loc != nil {
		actx = actx.WithLocation(loc)
	}
	var devices DeviceLookup
	if e.deviceStore != nil {
		devices = e.deviceStore
	}
	risk := e.risk.Assess(ctx, actx, devices)
	requiresMFA := risk.Score >= MFAThreshold
	if !requiresMFA && e.methodStore != nil {
		if methods, err := e.methodStore.ListMFAMethods(ctx, userID); err == nil {
			requiresMFA = hasEnabledMethod(methods) && (IsHighRiskAction(actx.Action) || IsSensitiveResource(actx.ResourceType))
		}
	}
	grant, err := m.CreateSession(ctx, NewSession{
		UserID:      userID,
		DeviceID:    deviceID,
		IP:          ipString(actx),
		Location:    actx.Location,
		Risk:        risk,
		RequiresMFA: requiresMFA,
	})
	if err != nil {
		return nil, err
	}
	if key := actx.Location.Key(); key != "" && available(e.history) {
		if err := e.history.RecordLocation(ctx, userID, key); err != nil {
			e.log.Warn("record location failed", "user_id", userID, "error", err)
		}
	}
	e.auditor.Record(ctx, &AuditLog{
		ActorID:      userID,
		Action:       "session.create",
		ResourceType: "session",
		ResourceID:   grant.SessionID,
		IP:           ipString(actx),
		Location:     actx.Location.Key(),
		RiskScore:    risk.Score,
		Granted:      true,
	})
	return grant, nil
}

// ValidateSession returns the session for token or nil when it is not valid.
func (e *Engine) ValidateSession(ctx context.Context, token string, actx AccessContext) (*UserSession, error) {
	m, err := e.Sessions()
	if err != nil {
		return nil, err
	}
	return m.ValidateSession(ctx, token, ipString(actx))
}

// TerminateSession ends a session. It returns false for unknown sessions.
func (e *Engine) TerminateSession(ctx context.Context, sessionID, by string) (bool, error) {
	m, err := e.Sessions()
	if err != nil {
		return false, err
	}
	if err := m.TerminateSession(ctx, sessionID, by); err != nil {
		if isNegative(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func ipString(actx AccessContext) string {
	if actx.IP == nil {
		return ""
	}
	return actx.IP.String()
}

func hasEnabledMethod(methods []*MFAMethod) bool {
	for _, m := range methods {
		if m.IsEnabled {
			return true
		}
	}
	return false
}
