package stores

import (
	"context"

	"github.com/oarkflow/access"
)

// ----------------------------------------------------------------------------
// security policies
// ----------------------------------------------------------------------------

const policyColumns = `id, name, effect, priority, resources_json, actions_json, subjects_json, condition_json, is_active, created_at, updated_at`

func scanPolicy(r rowScanner) (*access.SecurityPolicy, error) {
	p := &access.SecurityPolicy{}
	var effect, resources, actions, subjects, cond string
	var active int
	var createdRaw, updatedRaw any
	if err := r.Scan(&p.ID, &p.Name, &effect, &p.Priority, &resources, &actions, &subjects, &cond, &active, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	p.Effect = access.Effect(effect)
	p.IsActive = active != 0
	p.CreatedAt = scanTime(createdRaw)
	p.UpdatedAt = scanTime(updatedRaw)
	for _, f := range []struct {
		raw string
		dst any
	}{
		{resources, &p.Resources},
		{actions, &p.Actions},
		{subjects, &p.Subjects},
		{cond, &p.Condition},
	} {
		if err := fromJSON(f.raw, f.dst); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (s *SQLStore) GetPolicy(ctx context.Context, id string) (*access.SecurityPolicy, error) {
	var p *access.SecurityPolicy
	q := `SELECT ` + policyColumns + ` FROM policies WHERE id = :id`
	err := s.queryOne(ctx, "policy", id, q, map[string]any{"id": id}, func(r rowScanner) error {
		var err error
		p, err = scanPolicy(r)
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *SQLStore) ListActivePolicies(ctx context.Context) ([]*access.SecurityPolicy, error) {
	out := make([]*access.SecurityPolicy, 0)
	q := `SELECT ` + policyColumns + ` FROM policies WHERE is_active = 1 ORDER BY priority DESC, id`
	err := s.queryRows(ctx, q, nil, func(r rowScanner) error {
		p, err := scanPolicy(r)
		if err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	access.SortPolicies(out)
	return out, nil
}

func (s *SQLStore) SavePolicy(ctx context.Context, p *access.SecurityPolicy) error {
	args := map[string]any{
		"id":         p.ID,
		"name":       p.Name,
		"effect":     string(p.Effect),
		"priority":   p.Priority,
		"is_active":  boolToInt(p.IsActive),
		"created_at": formatTime(p.CreatedAt),
		"updated_at": formatTime(p.UpdatedAt),
	}
	for key, v := range map[string]any{
		"resources_json": p.Resources,
		"actions_json":   p.Actions,
		"subjects_json":  p.Subjects,
		"condition_json": p.Condition,
	} {
		raw, err := toJSON(v)
		if err != nil {
			return err
		}
		args[key] = raw
	}
	q := `INSERT INTO policies(` + policyColumns + `) VALUES(:id, :name, :effect, :priority, :resources_json, :actions_json, :subjects_json, :condition_json, :is_active, :created_at, :updated_at)
ON CONFLICT(id) DO UPDATE SET name = excluded.name, effect = excluded.effect, priority = excluded.priority, resources_json = excluded.resources_json, actions_json = excluded.actions_json, subjects_json = excluded.subjects_json, condition_json = excluded.condition_json, is_active = excluded.is_active, updated_at = excluded.updated_at`
	return s.write(ctx, func() error {
		_, err := s.exec(ctx, q, args)
		return err
	})
}

func (s *SQLStore) DeletePolicy(ctx context.Context, id string) error {
	return s.write(ctx, func() error {
		n, err := s.exec(ctx, `DELETE FROM policies WHERE id = :id`, map[string]any{"id": id})
		if err != nil {
			return err
		}
		if n == 0 {
			return notFound("policy", id)
		}
		return nil
	})
}

// ----------------------------------------------------------------------------
// restriction groups
// ----------------------------------------------------------------------------

// ListRestrictionGroups returns the active groups naming userID or one of
// roleIDs. Membership lives in JSON columns, so it is filtered here.
func (s *SQLStore) ListRestrictionGroups(ctx context.Context, userID string, roleIDs []string) ([]*access.RestrictionGroup, error) {
	out := make([]*access.RestrictionGroup, 0)
	q := `SELECT id, name, user_ids_json, role_ids_json, restrictions_json, is_active FROM restriction_groups WHERE is_active = 1 ORDER BY id`
	err := s.queryRows(ctx, q, nil, func(r rowScanner) error {
		g := &access.RestrictionGroup{}
		var users, roles, restrictions string
		var active int
		if err := r.Scan(&g.ID, &g.Name, &users, &roles, &restrictions, &active); err != nil {
			return err
		}
		g.IsActive = active != 0
		if err := fromJSON(users, &g.UserIDs); err != nil {
			return err
		}
		if err := fromJSON(roles, &g.RoleIDs); err != nil {
			return err
		}
		if err := fromJSON(restrictions, &g.Restrictions); err != nil {
			return err
		}
		match := containsString(g.UserIDs, userID)
		for _, id := range g.RoleIDs {
			if match {
				break
			}
			match = containsString(roleIDs, id)
		}
		if match {
			out = append(out, g)
		}
		return nil
	})
	return out, err
}

func (s *SQLStore) SaveRestrictionGroup(ctx context.Context, g *access.RestrictionGroup) error {
	users, err := toJSON(g.UserIDs)
	if err != nil {
		return err
	}
	roles, err := toJSON(g.RoleIDs)
	if err != nil {
		return err
	}
	restrictions, err := toJSON(g.Restrictions)
	if err != nil {
		return err
	}
	q := `INSERT INTO restriction_groups(id, name, user_ids_json, role_ids_json, restrictions_json, is_active) VALUES(:id, :name, :user_ids_json, :role_ids_json, :restrictions_json, :is_active)
ON CONFLICT(id) DO UPDATE SET name = excluded.name, user_ids_json = excluded.user_ids_json, role_ids_json = excluded.role_ids_json, restrictions_json = excluded.restrictions_json, is_active = excluded.is_active`
	return s.write(ctx, func() error {
		_, err := s.exec(ctx, q, map[string]any{
			"id":                g.ID,
			"name":              g.Name,
			"user_ids_json":     users,
			"role_ids_json":     roles,
			"restrictions_json": restrictions,
			"is_active":         boolToInt(g.IsActive),
		})
		return err
	})
}

// ----------------------------------------------------------------------------
// row and field rules
// ----------------------------------------------------------------------------

func (s *SQLStore) ListRowRules(ctx context.Context, table string) ([]*access.RowLevelSecurityRule, error) {
	out := make([]*access.RowLevelSecurityRule, 0)
	q := `SELECT id, table_name, applies_to_json, expression, priority, is_active FROM row_rules WHERE table_name = :table ORDER BY id`
	err := s.queryRows(ctx, q, map[string]any{"table": table}, func(r rowScanner) error {
		rule := &access.RowLevelSecurityRule{}
		var applies string
		var active int
		if err := r.Scan(&rule.ID, &rule.Table, &applies, &rule.Expression, &rule.Priority, &active); err != nil {
			return err
		}
		rule.IsActive = active != 0
		if err := fromJSON(applies, &rule.AppliesTo); err != nil {
			return err
		}
		out = append(out, rule)
		return nil
	})
	return out, err
}

func (s *SQLStore) SaveRowRule(ctx context.Context, rule *access.RowLevelSecurityRule) error {
	applies, err := toJSON(rule.AppliesTo)
	if err != nil {
		return err
	}
	q := `INSERT INTO row_rules(id, table_name, applies_to_json, expression, priority, is_active) VALUES(:id, :table_name, :applies_to_json, :expression, :priority, :is_active)
ON CONFLICT(id) DO UPDATE SET table_name = excluded.table_name, applies_to_json = excluded.applies_to_json, expression = excluded.expression, priority = excluded.priority, is_active = excluded.is_active`
	return s.write(ctx, func() error {
		_, err := s.exec(ctx, q, map[string]any{
			"id":              rule.ID,
			"table_name":      rule.Table,
			"applies_to_json": applies,
			"expression":      rule.Expression,
			"priority":        rule.Priority,
			"is_active":       boolToInt(rule.IsActive),
		})
		return err
	})
}

func (s *SQLStore) ListFieldRules(ctx context.Context, table string) ([]*access.FieldLevelSecurityRule, error) {
	out := make([]*access.FieldLevelSecurityRule, 0)
	q := `SELECT id, table_name, column_name, applies_to_json, is_visible, is_readable, masking_pattern, priority, is_active FROM field_rules WHERE table_name = :table ORDER BY id`
	err := s.queryRows(ctx, q, map[string]any{"table": table}, func(r rowScanner) error {
		rule := &access.FieldLevelSecurityRule{}
		var applies string
		var visible, readable, active int
		if err := r.Scan(&rule.ID, &rule.Table, &rule.Column, &applies, &visible, &readable, &rule.MaskingPattern, &rule.Priority, &active); err != nil {
			return err
		}
		rule.IsVisible = visible != 0
		rule.IsReadable = readable != 0
		rule.IsActive = active != 0
		if err := fromJSON(applies, &rule.AppliesTo); err != nil {
			return err
		}
		out = append(out, rule)
		return nil
	})
	return out, err
}

func (s *SQLStore) SaveFieldRule(ctx context.Context, rule *access.FieldLevelSecurityRule) error {
	applies, err := toJSON(rule.AppliesTo)
	if err != nil {
		return err
	}
	q := `INSERT INTO field_rules(id, table_name, column_name, applies_to_json, is_visible, is_readable, masking_pattern, priority, is_active) VALUES(:id, :table_name, :column_name, :applies_to_json, :is_visible, :is_readable, :masking_pattern, :priority, :is_active)
ON CONFLICT(id) DO UPDATE SET table_name = excluded.table_name, column_name = excluded.column_name, applies_to_json = excluded.applies_to_json, is_visible = excluded.is_visible, is_readable = excluded.is_readable, masking_pattern = excluded.masking_pattern, priority = excluded.priority, is_active = excluded.is_active`
	return s.write(ctx, func() error {
		_, err := s.exec(ctx, q, map[string]any{
			"id":              rule.ID,
			"table_name":      rule.Table,
			"column_name":     rule.Column,
			"applies_to_json": applies,
			"is_visible":      boolToInt(rule.IsVisible),
			"is_readable":     boolToInt(rule.IsReadable),
			"masking_pattern": rule.MaskingPattern,
			"priority":        rule.Priority,
			"is_active":       boolToInt(rule.IsActive),
		})
		return err
	})
}
