package stores

import (
	"context"

	"github.com/oarkflow/access"
)

const overrideColumns = `id, user_id, permission_id, is_granted, conditions_json, constraints_json, requires_approval, approved_by, approved_at, expires_at, created_at, reason`

func scanOverride(r rowScanner) (*access.UserPermissionOverride, error) {
	o := &access.UserPermissionOverride{}
	var granted, approval int
	var conds, cons string
	var approvedRaw, expiresRaw, createdRaw any
	if err := r.Scan(&o.ID, &o.UserID, &o.PermissionID, &granted, &conds, &cons, &approval, &o.ApprovedBy, &approvedRaw, &expiresRaw, &createdRaw, &o.Reason); err != nil {
		return nil, err
	}
	o.IsGranted = granted != 0
	o.RequiresApproval = approval != 0
	o.ApprovedAt = scanTime(approvedRaw)
	o.ExpiresAt = scanTime(expiresRaw)
	o.CreatedAt = scanTime(createdRaw)
	if err := fromJSON(conds, &o.Conditions); err != nil {
		return nil, err
	}
	if err := fromJSON(cons, &o.Constraints); err != nil {
		return nil, err
	}
	return o, nil
}

// ListUserOverrides returns every stored override of userID, effective or
// not; the engine decides which ones apply at evaluation time.
func (s *SQLStore) ListUserOverrides(ctx context.Context, userID string) ([]*access.UserPermissionOverride, error) {
	out := make([]*access.UserPermissionOverride, 0)
	q := `SELECT ` + overrideColumns + ` FROM user_overrides WHERE user_id = :user_id ORDER BY created_at, id`
	err := s.queryRows(ctx, q, map[string]any{"user_id": userID}, func(r rowScanner) error {
		o, err := scanOverride(r)
		if err != nil {
			return err
		}
		out = append(out, o)
		return nil
	})
	return out, err
}

func (s *SQLStore) GetOverride(ctx context.Context, id string) (*access.UserPermissionOverride, error) {
	var o *access.UserPermissionOverride
	q := `SELECT ` + overrideColumns + ` FROM user_overrides WHERE id = :id`
	err := s.queryOne(ctx, "override", id, q, map[string]any{"id": id}, func(r rowScanner) error {
		var err error
		o, err = scanOverride(r)
		return err
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (s *SQLStore) SaveOverride(ctx context.Context, o *access.UserPermissionOverride) error {
	conds, err := toJSON(o.Conditions)
	if err != nil {
		return err
	}
	cons, err := toJSON(o.Constraints)
	if err != nil {
		return err
	}
	q := `INSERT INTO user_overrides(` + overrideColumns + `) VALUES(:id, :user_id, :permission_id, :is_granted, :conditions_json, :constraints_json, :requires_approval, :approved_by, :approved_at, :expires_at, :created_at, :reason)
ON CONFLICT(id) DO UPDATE SET user_id = excluded.user_id, permission_id = excluded.permission_id, is_granted = excluded.is_granted, conditions_json = excluded.conditions_json, constraints_json = excluded.constraints_json, requires_approval = excluded.requires_approval, approved_by = excluded.approved_by, approved_at = excluded.approved_at, expires_at = excluded.expires_at, reason = excluded.reason`
	return s.write(ctx, func() error {
		_, err := s.exec(ctx, q, map[string]any{
			"id":                o.ID,
			"user_id":           o.UserID,
			"permission_id":     o.PermissionID,
			"is_granted":        boolToInt(o.IsGranted),
			"conditions_json":   conds,
			"constraints_json":  cons,
			"requires_approval": boolToInt(o.RequiresApproval),
			"approved_by":       o.ApprovedBy,
			"approved_at":       formatTime(o.ApprovedAt),
			"expires_at":        formatTime(o.ExpiresAt),
			"created_at":        formatTime(o.CreatedAt),
			"reason":            o.Reason,
		})
		return err
	})
}

func (s *SQLStore) DeleteOverride(ctx context.Context, id string) error {
	return s.write(ctx, func() error {
		n, err := s.exec(ctx, `DELETE FROM user_overrides WHERE id = :id`, map[string]any{"id": id})
		if err != nil {
			return err
		}
		if n == 0 {
			return notFound("override", id)
		}
		return nil
	})
}
