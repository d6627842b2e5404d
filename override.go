package access

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/oarkflow/access/logger"
)

// OverrideResult is the outcome of the override stage.
type OverrideResult struct {
	Verdict  Verdict
	Override *UserPermissionOverride
}

// OverrideResolver applies per-user permission overrides.
type OverrideResolver struct {
	log logger.Logger
}

func NewOverrideResolver(log logger.Logger) *OverrideResolver {
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &OverrideResolver{log: log}
}

// Resolve returns the verdict of the most recently granted effective override
// whose permission covers the request and whose conditions hold. Overrides
// that still await approval are ignored entirely.
func (o *OverrideResolver) Resolve(ctx context.Context, dir Directory, ectx *EvalContext) (OverrideResult, error) {
	actx := ectx.Access
	list, err := dir.ListUserOverrides(ctx, actx.UserID)
	if err != nil {
		return OverrideResult{}, fmt.Errorf("list overrides: %w", err)
	}
	now := ectx.now()
	candidates := make([]*UserPermissionOverride, 0, len(list))
	for _, ov := range list {
		if ov.Effective(now) {
			candidates = append(candidates, ov)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		ti, tj := candidates[i].grantedAt(), candidates[j].grantedAt()
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return candidates[i].ID > candidates[j].ID
	})
	for _, ov := range candidates {
		perm, err := dir.GetPermission(ctx, ov.PermissionID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return OverrideResult{}, fmt.Errorf("get permission %s: %w", ov.PermissionID, err)
		}
		if !perm.Matches(actx.ResourceType, actx.Action) {
			continue
		}
		if !o.holds(ov.Conditions, ectx, ov.ID) || !o.holds(ov.Constraints, ectx, ov.ID) {
			continue
		}
		v := VerdictDeny
		if ov.IsGranted {
			v = VerdictAllow
		}
		return OverrideResult{Verdict: v, Override: ov}, nil
	}
	return OverrideResult{}, nil
}

func (o *OverrideResolver) holds(c Condition, ectx *EvalContext, id string) bool {
	ok, err := c.Eval(ectx)
	if err != nil {
		o.log.Warn("override condition failed", "override", id, "error", err)
		return false
	}
	return ok
}
