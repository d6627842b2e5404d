package stores

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/oarkflow/access"
)

// ----------------------------------------------------------------------------
// users
// ----------------------------------------------------------------------------

func (s *SQLStore) GetUser(ctx context.Context, id string) (*access.User, error) {
	u := &access.User{}
	q := `SELECT id, is_active, role_id, branch_id, tenant_id, email, phone FROM users WHERE id = :id`
	err := s.queryOne(ctx, "user", id, q, map[string]any{"id": id}, func(r rowScanner) error {
		var active int
		if err := r.Scan(&u.ID, &active, &u.RoleID, &u.BranchID, &u.TenantID, &u.Email, &u.Phone); err != nil {
			return err
		}
		u.IsActive = active != 0
		return nil
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (s *SQLStore) SaveUser(ctx context.Context, u *access.User) error {
	q := `INSERT INTO users(id, is_active, role_id, branch_id, tenant_id, email, phone) VALUES(:id, :is_active, :role_id, :branch_id, :tenant_id, :email, :phone)
ON CONFLICT(id) DO UPDATE SET is_active = excluded.is_active, role_id = excluded.role_id, branch_id = excluded.branch_id, tenant_id = excluded.tenant_id, email = excluded.email, phone = excluded.phone`
	return s.write(ctx, func() error {
		_, err := s.exec(ctx, q, map[string]any{
			"id":        u.ID,
			"is_active": boolToInt(u.IsActive),
			"role_id":   u.RoleID,
			"branch_id": u.BranchID,
			"tenant_id": u.TenantID,
			"email":     u.Email,
			"phone":     u.Phone,
		})
		return err
	})
}

// ----------------------------------------------------------------------------
// roles
// ----------------------------------------------------------------------------

const roleColumns = `id, name, parent_role_id, attributes_json, is_active, created_at`

func scanRole(r rowScanner) (*access.Role, error) {
	role := &access.Role{}
	var attrs string
	var active int
	var createdRaw any
	if err := r.Scan(&role.ID, &role.Name, &role.ParentRoleID, &attrs, &active, &createdRaw); err != nil {
		return nil, err
	}
	role.IsActive = active != 0
	role.CreatedAt = scanTime(createdRaw)
	if err := fromJSON(attrs, &role.Attributes); err != nil {
		return nil, err
	}
	return role, nil
}

func (s *SQLStore) GetRole(ctx context.Context, id string) (*access.Role, error) {
	var role *access.Role
	q := `SELECT ` + roleColumns + ` FROM roles WHERE id = :id`
	err := s.queryOne(ctx, "role", id, q, map[string]any{"id": id}, func(r rowScanner) error {
		var err error
		role, err = scanRole(r)
		return err
	})
	if err != nil {
		return nil, err
	}
	return role, nil
}

func (s *SQLStore) ListRoles(ctx context.Context) ([]*access.Role, error) {
	out := make([]*access.Role, 0)
	err := s.queryRows(ctx, `SELECT `+roleColumns+` FROM roles ORDER BY id`, nil, func(r rowScanner) error {
		role, err := scanRole(r)
		if err != nil {
			return err
		}
		out = append(out, role)
		return nil
	})
	return out, err
}

// SaveRole checks the parent chain for a cycle inside the write bracket.
func (s *SQLStore) SaveRole(ctx context.Context, role *access.Role) error {
	attrs, err := toJSON(role.Attributes)
	if err != nil {
		return err
	}
	q := `INSERT INTO roles(id, name, parent_role_id, attributes_json, is_active, created_at) VALUES(:id, :name, :parent_role_id, :attributes_json, :is_active, :created_at)
ON CONFLICT(id) DO UPDATE SET name = excluded.name, parent_role_id = excluded.parent_role_id, attributes_json = excluded.attributes_json, is_active = excluded.is_active`
	return s.write(ctx, func() error {
		lookup := func(id string) (string, bool, error) {
			cur, err := s.GetRole(ctx, id)
			if errors.Is(err, access.ErrNotFound) {
				return "", false, nil
			}
			if err != nil {
				return "", false, err
			}
			return cur.ParentRoleID, true, nil
		}
		if err := access.CheckRoleParent(role.ID, role.ParentRoleID, lookup); err != nil {
			return err
		}
		_, err := s.exec(ctx, q, map[string]any{
			"id":              role.ID,
			"name":            role.Name,
			"parent_role_id":  role.ParentRoleID,
			"attributes_json": attrs,
			"is_active":       boolToInt(role.IsActive),
			"created_at":      formatTime(role.CreatedAt),
		})
		return err
	})
}

// DeleteRole removes the role and its permission mappings.
func (s *SQLStore) DeleteRole(ctx context.Context, id string) error {
	return s.write(ctx, func() error {
		n, err := s.exec(ctx, `DELETE FROM roles WHERE id = :id`, map[string]any{"id": id})
		if err != nil {
			return err
		}
		if n == 0 {
			return notFound("role", id)
		}
		_, err = s.exec(ctx, `DELETE FROM role_permissions WHERE role_id = :id`, map[string]any{"id": id})
		return err
	})
}

// ----------------------------------------------------------------------------
// permissions
// ----------------------------------------------------------------------------

func (s *SQLStore) GetPermission(ctx context.Context, id string) (*access.Permission, error) {
	p := &access.Permission{}
	q := `SELECT id, resource_type, action, is_active FROM permissions WHERE id = :id`
	err := s.queryOne(ctx, "permission", id, q, map[string]any{"id": id}, func(r rowScanner) error {
		var action string
		var active int
		if err := r.Scan(&p.ID, &p.ResourceType, &action, &active); err != nil {
			return err
		}
		p.Action = access.Action(action)
		p.IsActive = active != 0
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *SQLStore) SavePermission(ctx context.Context, p *access.Permission) error {
	q := `INSERT INTO permissions(id, resource_type, action, is_active) VALUES(:id, :resource_type, :action, :is_active)
ON CONFLICT(id) DO UPDATE SET resource_type = excluded.resource_type, action = excluded.action, is_active = excluded.is_active`
	return s.write(ctx, func() error {
		_, err := s.exec(ctx, q, map[string]any{
			"id":            p.ID,
			"resource_type": p.ResourceType,
			"action":        string(p.Action),
			"is_active":     boolToInt(p.IsActive),
		})
		return err
	})
}

// ----------------------------------------------------------------------------
// role -> permission mappings
// ----------------------------------------------------------------------------

// ListRolePermissions returns the mappings of roleIDs. The ids are bound as
// individual parameters.
func (s *SQLStore) ListRolePermissions(ctx context.Context, roleIDs []string) ([]*access.RolePermissionMapping, error) {
	out := make([]*access.RolePermissionMapping, 0)
	if len(roleIDs) == 0 {
		return out, nil
	}
	args := make(map[string]any, len(roleIDs))
	names := make([]string, len(roleIDs))
	for i, id := range roleIDs {
		key := fmt.Sprintf("r%d", i)
		args[key] = id
		names[i] = ":" + key
	}
	q := `SELECT id, role_id, permission_id, conditions_json, constraints_json, expires_at FROM role_permissions WHERE role_id IN (` + strings.Join(names, ", ") + `) ORDER BY id`
	err := s.queryRows(ctx, q, args, func(r rowScanner) error {
		m := &access.RolePermissionMapping{}
		var conds, cons string
		var expiresRaw any
		if err := r.Scan(&m.ID, &m.RoleID, &m.PermissionID, &conds, &cons, &expiresRaw); err != nil {
			return err
		}
		if err := fromJSON(conds, &m.Conditions); err != nil {
			return err
		}
		if err := fromJSON(cons, &m.Constraints); err != nil {
			return err
		}
		m.ExpiresAt = scanTime(expiresRaw)
		out = append(out, m)
		return nil
	})
	return out, err
}

func (s *SQLStore) SaveRolePermission(ctx context.Context, m *access.RolePermissionMapping) error {
	conds, err := toJSON(m.Conditions)
	if err != nil {
		return err
	}
	cons, err := toJSON(m.Constraints)
	if err != nil {
		return err
	}
	q := `INSERT INTO role_permissions(id, role_id, permission_id, conditions_json, constraints_json, expires_at) VALUES(:id, :role_id, :permission_id, :conditions_json, :constraints_json, :expires_at)
ON CONFLICT(id) DO UPDATE SET role_id = excluded.role_id, permission_id = excluded.permission_id, conditions_json = excluded.conditions_json, constraints_json = excluded.constraints_json, expires_at = excluded.expires_at`
	return s.write(ctx, func() error {
		_, err := s.exec(ctx, q, map[string]any{
			"id":               m.ID,
			"role_id":          m.RoleID,
			"permission_id":    m.PermissionID,
			"conditions_json":  conds,
			"constraints_json": cons,
			"expires_at":       formatTime(m.ExpiresAt),
		})
		return err
	})
}

func (s *SQLStore) DeleteRolePermission(ctx context.Context, id string) error {
	return s.write(ctx, func() error {
		n, err := s.exec(ctx, `DELETE FROM role_permissions WHERE id = :id`, map[string]any{"id": id})
		if err != nil {
			return err
		}
		if n == 0 {
			return notFound("role permission", id)
		}
		return nil
	})
}
