package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/oarkflow/access/logger"
)

// MaxRoleDepth bounds the parent walk. Cycles are rejected on write, so this
// only guards against hand-edited data.
const MaxRoleDepth = 64

// ParentLookup returns the parent of a role and whether the role exists.
type ParentLookup func(roleID string) (parent string, ok bool, err error)

// CheckRoleParent returns ErrRoleCycle when giving roleID the parent parentID
// would close a cycle in the hierarchy.
func CheckRoleParent(roleID, parentID string, parentOf ParentLookup) error {
	if parentID == "" {
		return nil
	}
	if parentID == roleID {
		return fmt.Errorf("%w: %s cannot be its own parent", ErrRoleCycle, roleID)
	}
	cur := parentID
	for depth := 0; cur != ""; depth++ {
		if depth > MaxRoleDepth {
			return fmt.Errorf("%w: above %s", ErrRoleDepth, roleID)
		}
		if cur == roleID {
			return fmt.Errorf("%w: %s -> %s", ErrRoleCycle, roleID, parentID)
		}
		next, ok, err := parentOf(cur)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		cur = next
	}
	return nil
}

// RoleResolver computes effective roles and RBAC verdicts.
type RoleResolver struct {
	cache *RoleCache
	log   logger.Logger
}

func NewRoleResolver(cache *RoleCache, log logger.Logger) *RoleResolver {
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &RoleResolver{cache: cache, log: log}
}

// EffectiveRoles returns roleID followed by all of its ancestors, nearest
// first. Inactive roles are walked through but not returned.
func (r *RoleResolver) EffectiveRoles(ctx context.Context, dir Directory, roleID string) ([]string, error) {
	if roleID == "" {
		return nil, nil
	}
	version := dir.Version()
	if chain, ok := r.cache.Get(version, roleID); ok {
		return chain, nil
	}
	chain := make([]string, 0, 4)
	cur := roleID
	for depth := 0; cur != ""; depth++ {
		if depth >= MaxRoleDepth {
			return nil, fmt.Errorf("%w: starting at %s", ErrRoleDepth, roleID)
		}
		role, err := dir.GetRole(ctx, cur)
		if errors.Is(err, ErrNotFound) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("get role %s: %w", cur, err)
		}
		if role.IsActive {
			chain = append(chain, role.ID)
		}
		cur = role.ParentRoleID
	}
	r.cache.Set(version, roleID, chain)
	return chain, nil
}

// Grant is a permission reachable through a role mapping.
type Grant struct {
	Permission *Permission
	Mapping    *RolePermissionMapping
}

// Grants returns every active, non-expired mapping of the role chain whose
// conditions and constraints hold for ectx.
func (r *RoleResolver) Grants(ctx context.Context, dir Directory, roles []string, ectx *EvalContext) ([]Grant, error) {
	if len(roles) == 0 {
		return nil, nil
	}
	mappings, err := dir.ListRolePermissions(ctx, roles)
	if err != nil {
		return nil, fmt.Errorf("list role permissions: %w", err)
	}
	now := ectx.now()
	perms := make(map[string]*Permission, len(mappings))
	out := make([]Grant, 0, len(mappings))
	for _, m := range mappings {
		if m.IsExpired(now) {
			continue
		}
		p, ok := perms[m.PermissionID]
		if !ok {
			p, err = dir.GetPermission(ctx, m.PermissionID)
			if errors.Is(err, ErrNotFound) {
				perms[m.PermissionID] = nil
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("get permission %s: %w", m.PermissionID, err)
			}
			perms[m.PermissionID] = p
		}
		if p == nil || !p.IsActive {
			continue
		}
		if !r.holds(m.Conditions, ectx, m.ID) || !r.holds(m.Constraints, ectx, m.ID) {
			continue
		}
		out = append(out, Grant{Permission: p, Mapping: m})
	}
	return out, nil
}

// Check returns VerdictAllow with the matching permission id when the role
// chain grants actx's resource type and action, VerdictDeny otherwise.
func (r *RoleResolver) Check(ctx context.Context, dir Directory, roles []string, ectx *EvalContext) (Verdict, string, error) {
	grants, err := r.Grants(ctx, dir, roles, ectx)
	if err != nil {
		return VerdictDeny, "", err
	}
	for _, g := range grants {
		if g.Permission.Matches(ectx.Access.ResourceType, ectx.Access.Action) {
			return VerdictAllow, g.Permission.ID, nil
		}
	}
	return VerdictDeny, "", nil
}

func (r *RoleResolver) holds(c Condition, ectx *EvalContext, id string) bool {
	ok, err := c.Eval(ectx)
	if err != nil {
		r.log.Warn("condition evaluation failed", "rule", id, "error", err)
		return false
	}
	return ok
}
