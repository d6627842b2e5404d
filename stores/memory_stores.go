package stores

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/oarkflow/access"
)

// memState is one immutable version of the directory. Writers copy the map
// they change and publish a new state; readers keep the state they loaded.
type memState struct {
	version     uint64
	users       map[string]*access.User
	roles       map[string]*access.Role
	permissions map[string]*access.Permission
	mappings    map[string]*access.RolePermissionMapping
	policies    map[string]*access.SecurityPolicy
	overrides   map[string]*access.UserPermissionOverride
	groups      map[string]*access.RestrictionGroup
	rowRules    map[string]*access.RowLevelSecurityRule
	fieldRules  map[string]*access.FieldLevelSecurityRule

	trust *memTrust
}

// MemoryStore implements every store interface in memory. Directory reads
// are lock free; trust state (MFA, devices, sessions) and audit records are
// guarded by a mutex.
type MemoryStore struct {
	mu    sync.Mutex
	state atomic.Pointer[memState]
	trust *memTrust
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{trust: newMemTrust()}
	s.state.Store(&memState{
		users:       map[string]*access.User{},
		roles:       map[string]*access.Role{},
		permissions: map[string]*access.Permission{},
		mappings:    map[string]*access.RolePermissionMapping{},
		policies:    map[string]*access.SecurityPolicy{},
		overrides:   map[string]*access.UserPermissionOverride{},
		groups:      map[string]*access.RestrictionGroup{},
		rowRules:    map[string]*access.RowLevelSecurityRule{},
		fieldRules:  map[string]*access.FieldLevelSecurityRule{},
		trust:       s.trust,
	})
	return s
}

func (s *MemoryStore) current() *memState { return s.state.Load() }

// update publishes the state returned by fn. fn receives a shallow copy and
// must copy any map before writing to it.
func (s *MemoryStore) update(fn func(next *memState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := *s.current()
	if err := fn(&next); err != nil {
		return err
	}
	next.version++
	s.state.Store(&next)
	return nil
}

// Snapshot returns the current immutable state. It can never go stale.
func (s *MemoryStore) Snapshot(context.Context) (access.Directory, func() error, error) {
	return s.current(), func() error { return nil }, nil
}

// ----------------------------------------------------------------------------
// Directory, served by the latest state
// ----------------------------------------------------------------------------

func (s *MemoryStore) Version() uint64 { return s.current().version }

func (s *MemoryStore) GetUser(ctx context.Context, id string) (*access.User, error) {
	return s.current().GetUser(ctx, id)
}

func (s *MemoryStore) GetRole(ctx context.Context, id string) (*access.Role, error) {
	return s.current().GetRole(ctx, id)
}

func (s *MemoryStore) GetPermission(ctx context.Context, id string) (*access.Permission, error) {
	return s.current().GetPermission(ctx, id)
}

func (s *MemoryStore) ListActivePolicies(ctx context.Context) ([]*access.SecurityPolicy, error) {
	return s.current().ListActivePolicies(ctx)
}

func (s *MemoryStore) ListRolePermissions(ctx context.Context, roleIDs []string) ([]*access.RolePermissionMapping, error) {
	return s.current().ListRolePermissions(ctx, roleIDs)
}

func (s *MemoryStore) ListUserOverrides(ctx context.Context, userID string) ([]*access.UserPermissionOverride, error) {
	return s.current().ListUserOverrides(ctx, userID)
}

func (s *MemoryStore) ListRestrictionGroups(ctx context.Context, userID string, roleIDs []string) ([]*access.RestrictionGroup, error) {
	return s.current().ListRestrictionGroups(ctx, userID, roleIDs)
}

func (s *MemoryStore) ListRowRules(ctx context.Context, table string) ([]*access.RowLevelSecurityRule, error) {
	return s.current().ListRowRules(ctx, table)
}

func (s *MemoryStore) ListFieldRules(ctx context.Context, table string) ([]*access.FieldLevelSecurityRule, error) {
	return s.current().ListFieldRules(ctx, table)
}

// ----------------------------------------------------------------------------
// memState implements access.Directory
// ----------------------------------------------------------------------------

func (st *memState) Version() uint64 { return st.version }

func (st *memState) GetUser(_ context.Context, id string) (*access.User, error) {
	if u, ok := st.users[id]; ok {
		return u, nil
	}
	return nil, notFound("user", id)
}

func (st *memState) GetRole(_ context.Context, id string) (*access.Role, error) {
	if r, ok := st.roles[id]; ok {
		return r, nil
	}
	return nil, notFound("role", id)
}

func (st *memState) GetPermission(_ context.Context, id string) (*access.Permission, error) {
	if p, ok := st.permissions[id]; ok {
		return p, nil
	}
	return nil, notFound("permission", id)
}

func (st *memState) ListActivePolicies(context.Context) ([]*access.SecurityPolicy, error) {
	out := make([]*access.SecurityPolicy, 0, len(st.policies))
	for _, p := range st.policies {
		if p.IsActive {
			out = append(out, p)
		}
	}
	access.SortPolicies(out)
	return out, nil
}

func (st *memState) ListRolePermissions(_ context.Context, roleIDs []string) ([]*access.RolePermissionMapping, error) {
	out := make([]*access.RolePermissionMapping, 0)
	for _, m := range st.mappings {
		if containsString(roleIDs, m.RoleID) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (st *memState) ListUserOverrides(_ context.Context, userID string) ([]*access.UserPermissionOverride, error) {
	out := make([]*access.UserPermissionOverride, 0)
	for _, o := range st.overrides {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (st *memState) ListRestrictionGroups(_ context.Context, userID string, roleIDs []string) ([]*access.RestrictionGroup, error) {
	out := make([]*access.RestrictionGroup, 0)
	for _, g := range st.groups {
		match := containsString(g.UserIDs, userID)
		for _, r := range g.RoleIDs {
			if match {
				break
			}
			match = containsString(roleIDs, r)
		}
		if match {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (st *memState) ListRowRules(_ context.Context, table string) ([]*access.RowLevelSecurityRule, error) {
	out := make([]*access.RowLevelSecurityRule, 0)
	for _, r := range st.rowRules {
		if r.Table == table {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (st *memState) ListFieldRules(_ context.Context, table string) ([]*access.FieldLevelSecurityRule, error) {
	out := make([]*access.FieldLevelSecurityRule, 0)
	for _, r := range st.fieldRules {
		if r.Table == table {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (st *memState) ListMFAMethods(ctx context.Context, userID string) ([]*access.MFAMethod, error) {
	return st.trust.listMethods(userID), nil
}

func (st *memState) GetDevice(_ context.Context, id string) (*access.UserDevice, error) {
	return st.trust.getDevice(id)
}

// ----------------------------------------------------------------------------
// AdminStore
// ----------------------------------------------------------------------------

func (s *MemoryStore) SaveUser(_ context.Context, u *access.User) error {
	if u == nil || u.ID == "" {
		return fmt.Errorf("%w: user id is required", access.ErrInvalidInput)
	}
	return s.update(func(next *memState) error {
		next.users = cloneMap(next.users)
		next.users[u.ID] = clone(u)
		return nil
	})
}

// SaveRole rejects a parent edge that would close a cycle. The check runs
// under the writer lock so concurrent saves cannot race past it.
func (s *MemoryStore) SaveRole(_ context.Context, r *access.Role) error {
	if r == nil || r.ID == "" {
		return fmt.Errorf("%w: role id is required", access.ErrInvalidInput)
	}
	return s.update(func(next *memState) error {
		lookup := func(id string) (string, bool, error) {
			cur, ok := next.roles[id]
			if !ok {
				return "", false, nil
			}
			return cur.ParentRoleID, true, nil
		}
		if err := access.CheckRoleParent(r.ID, r.ParentRoleID, lookup); err != nil {
			return err
		}
		next.roles = cloneMap(next.roles)
		next.roles[r.ID] = clone(r)
		return nil
	})
}

// DeleteRole removes the role and its permission mappings.
func (s *MemoryStore) DeleteRole(_ context.Context, id string) error {
	return s.update(func(next *memState) error {
		if _, ok := next.roles[id]; !ok {
			return notFound("role", id)
		}
		next.roles = cloneMap(next.roles)
		delete(next.roles, id)
		next.mappings = cloneMap(next.mappings)
		for mid, m := range next.mappings {
			if m.RoleID == id {
				delete(next.mappings, mid)
			}
		}
		return nil
	})
}

func (s *MemoryStore) ListRoles(context.Context) ([]*access.Role, error) {
	st := s.current()
	out := make([]*access.Role, 0, len(st.roles))
	for _, r := range st.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) SavePermission(_ context.Context, p *access.Permission) error {
	return s.update(func(next *memState) error {
		next.permissions = cloneMap(next.permissions)
		next.permissions[p.ID] = clone(p)
		return nil
	})
}

func (s *MemoryStore) SaveRolePermission(_ context.Context, m *access.RolePermissionMapping) error {
	return s.update(func(next *memState) error {
		next.mappings = cloneMap(next.mappings)
		next.mappings[m.ID] = clone(m)
		return nil
	})
}

func (s *MemoryStore) DeleteRolePermission(_ context.Context, id string) error {
	return s.update(func(next *memState) error {
		if _, ok := next.mappings[id]; !ok {
			return notFound("role permission", id)
		}
		next.mappings = cloneMap(next.mappings)
		delete(next.mappings, id)
		return nil
	})
}

func (s *MemoryStore) GetPolicy(_ context.Context, id string) (*access.SecurityPolicy, error) {
	if p, ok := s.current().policies[id]; ok {
		return p, nil
	}
	return nil, notFound("policy", id)
}

func (s *MemoryStore) SavePolicy(_ context.Context, p *access.SecurityPolicy) error {
	return s.update(func(next *memState) error {
		next.policies = cloneMap(next.policies)
		next.policies[p.ID] = clone(p)
		return nil
	})
}

func (s *MemoryStore) DeletePolicy(_ context.Context, id string) error {
	return s.update(func(next *memState) error {
		if _, ok := next.policies[id]; !ok {
			return notFound("policy", id)
		}
		next.policies = cloneMap(next.policies)
		delete(next.policies, id)
		return nil
	})
}

func (s *MemoryStore) GetOverride(_ context.Context, id string) (*access.UserPermissionOverride, error) {
	if o, ok := s.current().overrides[id]; ok {
		return o, nil
	}
	return nil, notFound("override", id)
}

func (s *MemoryStore) SaveOverride(_ context.Context, o *access.UserPermissionOverride) error {
	return s.update(func(next *memState) error {
		next.overrides = cloneMap(next.overrides)
		next.overrides[o.ID] = clone(o)
		return nil
	})
}

func (s *MemoryStore) DeleteOverride(_ context.Context, id string) error {
	return s.update(func(next *memState) error {
		if _, ok := next.overrides[id]; !ok {
			return notFound("override", id)
		}
		next.overrides = cloneMap(next.overrides)
		delete(next.overrides, id)
		return nil
	})
}

func (s *MemoryStore) SaveRestrictionGroup(_ context.Context, g *access.RestrictionGroup) error {
	return s.update(func(next *memState) error {
		next.groups = cloneMap(next.groups)
		next.groups[g.ID] = clone(g)
		return nil
	})
}

func (s *MemoryStore) SaveRowRule(_ context.Context, r *access.RowLevelSecurityRule) error {
	return s.update(func(next *memState) error {
		next.rowRules = cloneMap(next.rowRules)
		next.rowRules[r.ID] = clone(r)
		return nil
	})
}

func (s *MemoryStore) SaveFieldRule(_ context.Context, r *access.FieldLevelSecurityRule) error {
	return s.update(func(next *memState) error {
		next.fieldRules = cloneMap(next.fieldRules)
		next.fieldRules[r.ID] = clone(r)
		return nil
	})
}
