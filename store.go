package access

import (
	"context"
	"time"
)

// ============================================================================
// STORAGE INTERFACES
// ============================================================================

// Directory is the read side consulted while evaluating a request.
// Lookups of missing entities return an error wrapping ErrNotFound; any other
// error is treated as a datastore failure.
type Directory interface {
	// Version changes whenever directory data changes.
	Version() uint64
	GetUser(ctx context.Context, id string) (*User, error)
	GetRole(ctx context.Context, id string) (*Role, error)
	GetPermission(ctx context.Context, id string) (*Permission, error)
	ListActivePolicies(ctx context.Context) ([]*SecurityPolicy, error)
	ListRolePermissions(ctx context.Context, roleIDs []string) ([]*RolePermissionMapping, error)
	ListUserOverrides(ctx context.Context, userID string) ([]*UserPermissionOverride, error)
	ListRestrictionGroups(ctx context.Context, userID string, roleIDs []string) ([]*RestrictionGroup, error)
	ListMFAMethods(ctx context.Context, userID string) ([]*MFAMethod, error)
	ListRowRules(ctx context.Context, table string) ([]*RowLevelSecurityRule, error)
	ListFieldRules(ctx context.Context, table string) ([]*FieldLevelSecurityRule, error)
	GetDevice(ctx context.Context, id string) (*UserDevice, error)
}

// Snapshotter provides a consistent view for one evaluation. The returned
// release func reports ErrSnapshotStale when the view was not consistent.
type Snapshotter interface {
	Snapshot(ctx context.Context) (Directory, func() error, error)
}

// AdminStore persists directory entities.
type AdminStore interface {
	SaveUser(ctx context.Context, u *User) error
	// SaveRole must reject a parent edge that closes a cycle with ErrRoleCycle.
	SaveRole(ctx context.Context, r *Role) error
	DeleteRole(ctx context.Context, id string) error
	ListRoles(ctx context.Context) ([]*Role, error)
	SavePermission(ctx context.Context, p *Permission) error
	SaveRolePermission(ctx context.Context, m *RolePermissionMapping) error
	DeleteRolePermission(ctx context.Context, id string) error
	GetPolicy(ctx context.Context, id string) (*SecurityPolicy, error)
	SavePolicy(ctx context.Context, p *SecurityPolicy) error
	DeletePolicy(ctx context.Context, id string) error
	GetOverride(ctx context.Context, id string) (*UserPermissionOverride, error)
	SaveOverride(ctx context.Context, o *UserPermissionOverride) error
	DeleteOverride(ctx context.Context, id string) error
	SaveRestrictionGroup(ctx context.Context, g *RestrictionGroup) error
	SaveRowRule(ctx context.Context, r *RowLevelSecurityRule) error
	SaveFieldRule(ctx context.Context, r *FieldLevelSecurityRule) error
}

// Store is the full directory backend used by the engine.
type Store interface {
	Directory
	Snapshotter
	AdminStore
}

// MFAMethodStore persists enrolled factors. SwapMethod writes next only when
// the stored Version equals prevVersion.
type MFAMethodStore interface {
	CreateMethod(ctx context.Context, m *MFAMethod) error
	GetMethod(ctx context.Context, id string) (*MFAMethod, error)
	ListMFAMethods(ctx context.Context, userID string) ([]*MFAMethod, error)
	SwapMethod(ctx context.Context, next *MFAMethod, prevVersion int64) (bool, error)
}

// ChallengeStore persists MFA challenges with compare-and-swap updates.
type ChallengeStore interface {
	CreateChallenge(ctx context.Context, c *MFAChallenge) error
	GetChallenge(ctx context.Context, id string) (*MFAChallenge, error)
	SwapChallenge(ctx context.Context, next *MFAChallenge, prevVersion int64) (bool, error)
}

// DeviceStore persists devices. UpsertDevice is atomic on (UserID, Fingerprint)
// and reports whether a new row was created.
type DeviceStore interface {
	UpsertDevice(ctx context.Context, d *UserDevice) (*UserDevice, bool, error)
	GetDevice(ctx context.Context, id string) (*UserDevice, error)
	ListUserDevices(ctx context.Context, userID string) ([]*UserDevice, error)
	SwapDevice(ctx context.Context, next *UserDevice, prevVersion int64) (bool, error)
}

// SessionStore persists sessions keyed by id and token hashes.
type SessionStore interface {
	CreateSession(ctx context.Context, s *UserSession) error
	GetSession(ctx context.Context, id string) (*UserSession, error)
	GetSessionByTokenHash(ctx context.Context, hash string) (*UserSession, error)
	GetSessionByRefreshHash(ctx context.Context, hash string) (*UserSession, error)
	ListUserSessions(ctx context.Context, userID string) ([]*UserSession, error)
	SwapSession(ctx context.Context, next *UserSession, prevVersion int64) (bool, error)
}

// AuditStore is append-only.
type AuditStore interface {
	LogAudit(ctx context.Context, entry *AuditLog) error
	LogSecurityEvent(ctx context.Context, ev *SecurityEvent) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]*AuditLog, error)
	ListSecurityEvents(ctx context.Context, filter AuditFilter) ([]*SecurityEvent, error)
}

// AuditFilter narrows audit queries. Zero fields are ignored.
type AuditFilter struct {
	ActorID   string
	Type      string
	Severity  Severity
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

// Matches reports whether a record with the given attributes passes the filter.
func (f AuditFilter) Matches(actor, typ string, sev Severity, ts time.Time) bool {
	if f.ActorID != "" && f.ActorID != actor {
		return false
	}
	if f.Type != "" && f.Type != typ {
		return false
	}
	if f.Severity != "" && f.Severity != sev {
		return false
	}
	if !f.StartTime.IsZero() && ts.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && ts.After(f.EndTime) {
		return false
	}
	return true
}
