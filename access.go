package access

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/oarkflow/access/utils"
)

// ============================================================================
// REQUEST / DECISION
// ============================================================================

// Action is an operation verb such as "read" or "approve".
type Action string

// Location is a resolved geographic position.
type Location struct {
	Country string  `json:"country,omitempty" yaml:"country,omitempty"`
	City    string  `json:"city,omitempty" yaml:"city,omitempty"`
	Lat     float64 `json:"lat,omitempty" yaml:"lat,omitempty"`
	Lon     float64 `json:"lon,omitempty" yaml:"lon,omitempty"`
}

// Key identifies the location for history comparisons.
func (l *Location) Key() string {
	if l == nil || l.Country == "" {
		return ""
	}
	if l.City == "" {
		return strings.ToUpper(l.Country)
	}
	return strings.ToUpper(l.Country) + "/" + strings.ToLower(l.City)
}

// AccessContext carries everything known about a single access request.
// It is passed by value and never mutated by the engine.
type AccessContext struct {
	UserID       string         `json:"user_id"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Action       Action         `json:"action"`
	IP           net.IP         `json:"ip,omitempty"`
	Location     *Location      `json:"location,omitempty"`
	DeviceID     string         `json:"device_id,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	BranchID     string         `json:"branch_id,omitempty"`
	TenantID     string         `json:"tenant_id,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	Attrs        map[string]any `json:"attrs,omitempty"`
}

// Validate reports whether the context carries the required fields.
func (c AccessContext) Validate() error {
	if c.ResourceType == "" {
		return fmt.Errorf("%w: resource_type is required", ErrInvalidContext)
	}
	if c.Action == "" {
		return fmt.Errorf("%w: action is required", ErrInvalidContext)
	}
	return nil
}

// WithTimestamp returns a copy with Timestamp set to now when it is zero.
func (c AccessContext) WithTimestamp(now time.Time) AccessContext {
	if c.Timestamp.IsZero() {
		c.Timestamp = now
	}
	return c
}

// WithLocation returns a copy carrying loc.
func (c AccessContext) WithLocation(loc *Location) AccessContext {
	c.Location = loc
	return c
}

// RiskLevel buckets a numeric risk score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Verdict is the outcome of a single pipeline stage.
type Verdict uint8

const (
	VerdictUndecided Verdict = iota
	VerdictAllow
	VerdictDeny
)

func (v Verdict) String() string {
	switch v {
	case VerdictAllow:
		return "allow"
	case VerdictDeny:
		return "deny"
	default:
		return "undecided"
	}
}

// Stage names the pipeline step that produced a decision.
type Stage string

const (
	StageValidate    Stage = "validate"
	StageUser        Stage = "user"
	StagePolicy      Stage = "policy"
	StageRBAC        Stage = "rbac"
	StageOverride    Stage = "override"
	StageABAC        Stage = "abac"
	StageRestriction Stage = "restriction"
	StageGrant       Stage = "grant"
	StageTimeout     Stage = "timeout"
	StageError       Stage = "error"
)

// TraceStep is one entry in an Explain trace.
type TraceStep struct {
	Stage   Stage   `json:"stage"`
	Verdict Verdict `json:"verdict"`
	Detail  string  `json:"detail,omitempty"`
}

// AccessDecision is the final result of CheckAccess.
type AccessDecision struct {
	Granted            bool        `json:"granted"`
	Reason             string      `json:"reason"`
	RequiresMFA        bool        `json:"requires_mfa"`
	RiskScore          float64     `json:"risk_score"`
	RiskLevel          RiskLevel   `json:"risk_level"`
	ApplicablePolicies []string    `json:"applicable_policies,omitempty"`
	Stage              Stage       `json:"stage"`
	Trace              []TraceStep `json:"trace,omitempty"`
	Timestamp          time.Time   `json:"timestamp"`
}

const publicDenyReason = "access denied"

// Public strips policy names and internal reasons so the decision can be
// returned to a non-administrative caller.
func (d AccessDecision) Public() AccessDecision {
	d.ApplicablePolicies = nil
	d.Trace = nil
	d.Stage = ""
	if !d.Granted {
		d.Reason = publicDenyReason
	}
	return d
}

// ============================================================================
// DIRECTORY ENTITIES
// ============================================================================

// User is the subset of the user directory the engine reads.
type User struct {
	ID       string `json:"id" yaml:"id"`
	IsActive bool   `json:"is_active" yaml:"is_active"`
	RoleID   string `json:"role_id,omitempty" yaml:"role_id,omitempty"`
	BranchID string `json:"branch_id,omitempty" yaml:"branch_id,omitempty"`
	TenantID string `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty"`
	Email    string `json:"email,omitempty" yaml:"email,omitempty"`
	Phone    string `json:"phone,omitempty" yaml:"phone,omitempty"`
}

// Effect of a security policy.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// SecurityPolicy is an explicit PBAC rule.
type SecurityPolicy struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	Effect    Effect    `json:"effect" yaml:"effect"`
	Priority  int       `json:"priority" yaml:"priority"`
	Resources []string  `json:"resources" yaml:"resources"`
	Actions   []Action  `json:"actions" yaml:"actions"`
	Subjects  []string  `json:"subjects,omitempty" yaml:"subjects,omitempty"`
	Condition Condition `json:"condition,omitempty" yaml:"condition,omitempty"`
	IsActive  bool      `json:"is_active" yaml:"is_active"`
	CreatedAt time.Time `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// Role is a node in the role hierarchy. ParentRoleID is empty for roots.
type Role struct {
	ID           string         `json:"id" yaml:"id"`
	Name         string         `json:"name" yaml:"name"`
	ParentRoleID string         `json:"parent_role_id,omitempty" yaml:"parent_role_id,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	IsActive     bool           `json:"is_active" yaml:"is_active"`
	CreatedAt    time.Time      `json:"created_at,omitempty" yaml:"created_at,omitempty"`
}

// Permission is a (resource type, action) pair.
type Permission struct {
	ID           string `json:"id" yaml:"id"`
	ResourceType string `json:"resource_type" yaml:"resource_type"`
	Action       Action `json:"action" yaml:"action"`
	IsActive     bool   `json:"is_active" yaml:"is_active"`
}

// Matches reports whether the permission covers resourceType/action.
func (p *Permission) Matches(resourceType string, action Action) bool {
	if p == nil || !p.IsActive {
		return false
	}
	return utils.Match(resourceType, p.ResourceType) && utils.Match(string(action), string(p.Action))
}

// RolePermissionMapping grants a permission to a role.
type RolePermissionMapping struct {
	ID           string    `json:"id" yaml:"id"`
	RoleID       string    `json:"role_id" yaml:"role_id"`
	PermissionID string    `json:"permission_id" yaml:"permission_id"`
	Conditions   Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Constraints  Condition `json:"constraints,omitempty" yaml:"constraints,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
}

// IsExpired reports whether the mapping is expired at now.
func (m *RolePermissionMapping) IsExpired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && !now.Before(m.ExpiresAt)
}

// UserPermissionOverride force-grants or force-denies a permission for one user.
type UserPermissionOverride struct {
	ID               string    `json:"id" yaml:"id"`
	UserID           string    `json:"user_id" yaml:"user_id"`
	PermissionID     string    `json:"permission_id" yaml:"permission_id"`
	IsGranted        bool      `json:"is_granted" yaml:"is_granted"`
	Conditions       Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Constraints      Condition `json:"constraints,omitempty" yaml:"constraints,omitempty"`
	RequiresApproval bool      `json:"requires_approval" yaml:"requires_approval"`
	ApprovedBy       string    `json:"approved_by,omitempty" yaml:"approved_by,omitempty"`
	ApprovedAt       time.Time `json:"approved_at,omitempty" yaml:"approved_at,omitempty"`
	ExpiresAt        time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	CreatedAt        time.Time `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	Reason           string    `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Effective reports whether the override participates in decisions at now.
func (o *UserPermissionOverride) Effective(now time.Time) bool {
	if o.RequiresApproval && o.ApprovedAt.IsZero() {
		return false
	}
	return o.ExpiresAt.IsZero() || now.Before(o.ExpiresAt)
}

// grantedAt orders overrides: the most recently granted wins.
func (o *UserPermissionOverride) grantedAt() time.Time {
	if !o.ApprovedAt.IsZero() {
		return o.ApprovedAt
	}
	return o.CreatedAt
}

// RestrictionGroup applies deny-only restrictions to users and roles.
type RestrictionGroup struct {
	ID           string       `json:"id" yaml:"id"`
	Name         string       `json:"name" yaml:"name"`
	UserIDs      []string     `json:"user_ids,omitempty" yaml:"user_ids,omitempty"`
	RoleIDs      []string     `json:"role_ids,omitempty" yaml:"role_ids,omitempty"`
	Restrictions Restrictions `json:"restrictions" yaml:"restrictions"`
	IsActive     bool         `json:"is_active" yaml:"is_active"`
}

// AppliesTo holds the scope of a data-shaping rule. Empty lists match all.
type AppliesTo struct {
	Actions []Action `json:"actions,omitempty" yaml:"actions,omitempty"`
	Roles   []string `json:"roles,omitempty" yaml:"roles,omitempty"`
	Users   []string `json:"users,omitempty" yaml:"users,omitempty"`
}

// RowLevelSecurityRule injects Expression into queries against Table.
type RowLevelSecurityRule struct {
	ID         string    `json:"id" yaml:"id"`
	Table      string    `json:"table" yaml:"table"`
	AppliesTo  AppliesTo `json:"applies_to" yaml:"applies_to"`
	Expression string    `json:"expression" yaml:"expression"`
	Priority   int       `json:"priority" yaml:"priority"`
	IsActive   bool      `json:"is_active" yaml:"is_active"`
}

// FieldLevelSecurityRule controls visibility of one column.
type FieldLevelSecurityRule struct {
	ID             string    `json:"id" yaml:"id"`
	Table          string    `json:"table" yaml:"table"`
	Column         string    `json:"column" yaml:"column"`
	AppliesTo      AppliesTo `json:"applies_to" yaml:"applies_to"`
	IsVisible      bool      `json:"is_visible" yaml:"is_visible"`
	IsReadable     bool      `json:"is_readable" yaml:"is_readable"`
	MaskingPattern string    `json:"masking_pattern,omitempty" yaml:"masking_pattern,omitempty"`
	Priority       int       `json:"priority" yaml:"priority"`
	IsActive       bool      `json:"is_active" yaml:"is_active"`
}

// ============================================================================
// TRUST STATE
// ============================================================================

// FactorType identifies an MFA factor.
type FactorType string

const (
	FactorTOTP  FactorType = "totp"
	FactorSMS   FactorType = "sms"
	FactorEmail FactorType = "email"
	FactorPush  FactorType = "push"
)

// MFAMethod is an enrolled second factor.
type MFAMethod struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	FactorType      FactorType `json:"factor_type"`
	Secret          string     `json:"secret,omitempty"`
	Phone           string     `json:"phone,omitempty"`
	Email           string     `json:"email,omitempty"`
	DeviceID        string     `json:"device_id,omitempty"`
	IsEnabled       bool       `json:"is_enabled"`
	BackupCodes     []string   `json:"backup_codes,omitempty"`
	UsedBackupCodes []int      `json:"used_backup_codes,omitempty"`
	Version         int64      `json:"version"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// ChallengeState is the lifecycle state of an MFA challenge.
type ChallengeState string

const (
	ChallengeCreated   ChallengeState = "CREATED"
	ChallengeVerified  ChallengeState = "VERIFIED"
	ChallengeExhausted ChallengeState = "EXHAUSTED"
	ChallengeExpired   ChallengeState = "EXPIRED"
)

// Terminal reports whether no further transition is possible.
func (s ChallengeState) Terminal() bool {
	return s == ChallengeVerified || s == ChallengeExhausted || s == ChallengeExpired
}

// MFAChallenge is one outstanding second-factor prompt.
type MFAChallenge struct {
	ID            string         `json:"id"`
	UserID        string         `json:"user_id"`
	MethodID      string         `json:"method_id"`
	FactorType    FactorType     `json:"factor_type"`
	ChallengeCode string         `json:"challenge_code,omitempty"`
	Attempts      int            `json:"attempts"`
	MaxAttempts   int            `json:"max_attempts"`
	ExpiresAt     time.Time      `json:"expires_at"`
	IsVerified    bool           `json:"is_verified"`
	State         ChallengeState `json:"state"`
	Version       int64          `json:"version"`
	CreatedAt     time.Time      `json:"created_at"`
}

// DeviceStatus is the approval state of a device.
type DeviceStatus string

const (
	DevicePending  DeviceStatus = "PENDING"
	DeviceActive   DeviceStatus = "ACTIVE"
	DeviceRejected DeviceStatus = "REJECTED"
)

// UserDevice is a registered client device.
type UserDevice struct {
	ID           string       `json:"id"`
	UserID       string       `json:"user_id"`
	Fingerprint  string       `json:"fingerprint"`
	Name         string       `json:"name,omitempty"`
	Platform     string       `json:"platform,omitempty"`
	Model        string       `json:"model,omitempty"`
	Manufacturer string       `json:"manufacturer,omitempty"`
	OSVersion    string       `json:"os_version,omitempty"`
	Status       DeviceStatus `json:"status"`
	IsTrusted    bool         `json:"is_trusted"`
	Token        string       `json:"token,omitempty"`
	LastIP       string       `json:"last_ip,omitempty"`
	LastSeenAt   time.Time    `json:"last_seen_at"`
	ApprovedBy   string       `json:"approved_by,omitempty"`
	Version      int64        `json:"version"`
	CreatedAt    time.Time    `json:"created_at"`
}

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive     SessionStatus = "ACTIVE"
	SessionTerminated SessionStatus = "TERMINATED"
	SessionExpired    SessionStatus = "EXPIRED"
)

// UserSession is an authenticated session. Only token hashes are stored.
type UserSession struct {
	ID               string        `json:"id"`
	UserID           string        `json:"user_id"`
	DeviceID         string        `json:"device_id,omitempty"`
	TokenHash        string        `json:"token_hash"`
	RefreshTokenHash string        `json:"refresh_token_hash,omitempty"`
	CreatedIP        string        `json:"created_ip,omitempty"`
	LastIP           string        `json:"last_ip,omitempty"`
	Location         *Location     `json:"location,omitempty"`
	ExpiresAt        time.Time     `json:"expires_at"`
	RefreshExpiresAt time.Time     `json:"refresh_expires_at,omitempty"`
	LastActivityAt   time.Time     `json:"last_activity_at"`
	RiskScore        float64       `json:"risk_score"`
	RiskLevel        RiskLevel     `json:"risk_level"`
	RequiresMFA      bool          `json:"requires_mfa"`
	Status           SessionStatus `json:"status"`
	TerminatedBy     string        `json:"terminated_by,omitempty"`
	Version          int64         `json:"version"`
	CreatedAt        time.Time     `json:"created_at"`
}

// ============================================================================
// AUDIT
// ============================================================================

// Severity of a security event.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AuditLog is an append-only record of a decision or administrative change.
type AuditLog struct {
	ID           string         `json:"id"`
	ActorID      string         `json:"actor_id"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Before       map[string]any `json:"before,omitempty"`
	After        map[string]any `json:"after,omitempty"`
	IP           string         `json:"ip,omitempty"`
	Location     string         `json:"location,omitempty"`
	RiskScore    float64        `json:"risk_score"`
	Granted      bool           `json:"granted"`
	Reason       string         `json:"reason,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// SecurityEvent is an append-only security signal.
type SecurityEvent struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Severity  Severity       `json:"severity"`
	UserID    string         `json:"user_id,omitempty"`
	IP        string         `json:"ip,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Security event types.
const (
	EventDatastoreFailure  = "datastore_failure"
	EventEvaluationTimeout = "evaluation_timeout"
	EventHighRiskDenied    = "high_risk_denied"
	EventMFAExhausted      = "mfa_challenge_exhausted"
	EventMFAExpired        = "mfa_challenge_expired"
	EventMFAVerified       = "mfa_challenge_verified"
	EventBackupCodeUsed    = "mfa_backup_code_used"
	EventDeviceRegistered  = "device_registered"
	EventDeviceApproved    = "device_approved"
	EventDeviceRejected    = "device_rejected"
	EventSessionExpired    = "session_expired"
	EventSessionTerminated = "session_terminated"
	EventSessionIPChanged  = "session_ip_changed"
	EventNotifyFailed      = "notification_failed"
)
