package access

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
)

// ExplainRequest is the admin form of an Explain call.
type ExplainRequest struct {
	UserID   string         `json:"user_id"`
	Action   string         `json:"action"`
	Resource string         `json:"resource"` // type or type:id
	IP       string         `json:"ip,omitempty"`
	Country  string         `json:"country,omitempty"`
	City     string         `json:"city,omitempty"`
	DeviceID string         `json:"device_id,omitempty"`
	BranchID string         `json:"branch_id,omitempty"`
	TenantID string         `json:"tenant_id,omitempty"`
	Attrs    map[string]any `json:"attrs,omitempty"`
}

// AccessContext converts the request.
func (r *ExplainRequest) AccessContext() AccessContext {
	rType, rID := r.Resource, ""
	if idx := strings.Index(r.Resource, ":"); idx != -1 {
		rType, rID = r.Resource[:idx], r.Resource[idx+1:]
	}
	actx := AccessContext{
		UserID:       r.UserID,
		ResourceType: rType,
		ResourceID:   rID,
		Action:       Action(r.Action),
		IP:           net.ParseIP(r.IP),
		DeviceID:     r.DeviceID,
		BranchID:     r.BranchID,
		TenantID:     r.TenantID,
		Attrs:        r.Attrs,
	}
	if r.Country != "" {
		actx.Location = &Location{Country: r.Country, City: r.City}
	}
	return actx
}

func (e *Engine) ExplainRequest(ctx context.Context, req *ExplainRequest) (AccessDecision, error) {
	return e.Explain(ctx, req.AccessContext())
}

// ValidatePolicy checks that a policy is complete. An empty resource list
// scopes the policy to every resource type.
func ValidatePolicy(p *SecurityPolicy) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("%w: policy id is required", ErrInvalidInput)
	}
	if p.Effect != EffectAllow && p.Effect != EffectDeny {
		return fmt.Errorf("%w: policy %s: effect must be allow or deny", ErrInvalidInput, p.ID)
	}
	if len(p.Actions) == 0 {
		return fmt.Errorf("%w: policy %s must have at least one action", ErrInvalidInput, p.ID)
	}
	return nil
}

// SimulatePolicy reports whether p, active or not, would decide actx. Nothing
// is saved.
func (e *Engine) SimulatePolicy(ctx context.Context, p *SecurityPolicy, actx AccessContext) (bool, error) {
	if err := ValidatePolicy(p); err != nil {
		return false, err
	}
	dir, release, err := e.store.Snapshot(ctx)
	if err != nil {
		return false, fmt.Errorf("snapshot: %w", err)
	}
	defer func() { _ = release() }()
	u, roles, err := e.subject(ctx, dir, actx.UserID)
	if err != nil {
		return false, err
	}
	actx = actx.WithTimestamp(e.now())
	trial := *p
	trial.IsActive = true
	idx := NewPolicyIndex(0, []*SecurityPolicy{&trial})
	sim := &PolicyEvaluator{log: e.log}
	sim.idx.Store(idx)
	res, err := sim.Evaluate(ctx, staticVersion{dir}, &EvalContext{Access: &actx, User: u}, roles)
	if err != nil {
		return false, err
	}
	return res.Deciding != nil, nil
}

// staticVersion pins Version to 0 so a preloaded index is used as is.
type staticVersion struct{ Directory }

func (staticVersion) Version() uint64 { return 0 }

// ============================================================================
// ADMIN OPERATIONS
// ============================================================================

func (e *Engine) audit(ctx context.Context, actor, action, resourceType, id string, before, after any) {
	e.auditor.Record(ctx, &AuditLog{
		ActorID:      actor,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   id,
		Before:       toMap(before),
		After:        toMap(after),
		Granted:      true,
		Timestamp:    e.now(),
	})
}

// toMap renders an entity for the audit trail. Secrets never reach it since
// only directory entities are passed in.
func toMap(v any) map[string]any {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}

func (e *Engine) SaveUser(ctx context.Context, actor string, u *User) error {
	if u == nil || u.ID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	before, _ := e.store.GetUser(ctx, u.ID)
	if err := e.store.SaveUser(ctx, u); err != nil {
		return err
	}
	e.audit(ctx, actor, "user.save", "user", u.ID, nilIfMissing(before), u)
	return nil
}

func (e *Engine) SavePolicy(ctx context.Context, actor string, p *SecurityPolicy) error {
	if err := ValidatePolicy(p); err != nil {
		return err
	}
	before, _ := e.store.GetPolicy(ctx, p.ID)
	now := e.now()
	if before != nil {
		p.CreatedAt = before.CreatedAt
	} else if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if err := e.store.SavePolicy(ctx, p); err != nil {
		return err
	}
	e.policies.Invalidate()
	e.audit(ctx, actor, "policy.save", "policy", p.ID, nilIfMissing(before), p)
	return nil
}

func (e *Engine) DeletePolicy(ctx context.Context, actor, id string) error {
	before, err := e.store.GetPolicy(ctx, id)
	if err != nil {
		return err
	}
	if err := e.store.DeletePolicy(ctx, id); err != nil {
		return err
	}
	e.policies.Invalidate()
	e.audit(ctx, actor, "policy.delete", "policy", id, before, nil)
	return nil
}

// SaveRole stores a role. A parent edge that would close a cycle is rejected
// with ErrRoleCycle.
func (e *Engine) SaveRole(ctx context.Context, actor string, r *Role) error {
	if r == nil || r.ID == "" {
		return fmt.Errorf("%w: role id is required", ErrInvalidInput)
	}
	before, _ := e.store.GetRole(ctx, r.ID)
	if r.CreatedAt.IsZero() {
		r.CreatedAt = e.now()
	}
	if err := e.store.SaveRole(ctx, r); err != nil {
		return err
	}
	e.roleCache.Clear()
	e.audit(ctx, actor, "role.save", "role", r.ID, nilIfMissing(before), r)
	return nil
}

func (e *Engine) DeleteRole(ctx context.Context, actor, id string) error {
	before, err := e.store.GetRole(ctx, id)
	if err != nil {
		return err
	}
	if err := e.store.DeleteRole(ctx, id); err != nil {
		return err
	}
	e.roleCache.Clear()
	e.audit(ctx, actor, "role.delete", "role", id, before, nil)
	return nil
}

func (e *Engine) SavePermission(ctx context.Context, actor string, p *Permission) error {
	if p == nil || p.ID == "" || p.ResourceType == "" || p.Action == "" {
		return fmt.Errorf("%w: permission id, resource type and action are required", ErrInvalidInput)
	}
	before, _ := e.store.GetPermission(ctx, p.ID)
	if err := e.store.SavePermission(ctx, p); err != nil {
		return err
	}
	e.audit(ctx, actor, "permission.save", "permission", p.ID, nilIfMissing(before), p)
	return nil
}

// GrantRolePermission maps a permission onto a role.
func (e *Engine) GrantRolePermission(ctx context.Context, actor string, m *RolePermissionMapping) error {
	if m == nil || m.RoleID == "" || m.PermissionID == "" {
		return fmt.Errorf("%w: role id and permission id are required", ErrInvalidInput)
	}
	if m.ID == "" {
		m.ID = NewID()
	}
	if _, err := e.store.GetRole(ctx, m.RoleID); err != nil {
		return fmt.Errorf("role %s: %w", m.RoleID, err)
	}
	if _, err := e.store.GetPermission(ctx, m.PermissionID); err != nil {
		return fmt.Errorf("permission %s: %w", m.PermissionID, err)
	}
	if err := e.store.SaveRolePermission(ctx, m); err != nil {
		return err
	}
	e.audit(ctx, actor, "role_permission.grant", "role_permission", m.ID, nil, m)
	return nil
}

func (e *Engine) RevokeRolePermission(ctx context.Context, actor, mappingID string) error {
	if err := e.store.DeleteRolePermission(ctx, mappingID); err != nil {
		return err
	}
	e.audit(ctx, actor, "role_permission.revoke", "role_permission", mappingID, map[string]any{"id": mappingID}, nil)
	return nil
}

// SaveOverride stores a user override. Overrides that require approval stay
// inert until ApproveOverride.
func (e *Engine) SaveOverride(ctx context.Context, actor string, o *UserPermissionOverride) error {
	if o == nil || o.UserID == "" || o.PermissionID == "" {
		return fmt.Errorf("%w: user id and permission id are required", ErrInvalidInput)
	}
	if o.ID == "" {
		o.ID = NewID()
	}
	before, _ := e.store.GetOverride(ctx, o.ID)
	if o.CreatedAt.IsZero() {
		o.CreatedAt = e.now()
	}
	if err := e.store.SaveOverride(ctx, o); err != nil {
		return err
	}
	e.audit(ctx, actor, "override.save", "override", o.ID, nilIfMissing(before), o)
	return nil
}

// ApproveOverride records approval of a pending override.
func (e *Engine) ApproveOverride(ctx context.Context, approver, id string) error {
	cur, err := e.store.GetOverride(ctx, id)
	if err != nil {
		return err
	}
	if !cur.RequiresApproval {
		return fmt.Errorf("%w: override %s does not require approval", ErrInvalidState, id)
	}
	if !cur.ApprovedAt.IsZero() {
		return fmt.Errorf("%w: override %s already approved", ErrInvalidState, id)
	}
	next := *cur
	next.ApprovedBy = approver
	next.ApprovedAt = e.now()
	if err := e.store.SaveOverride(ctx, &next); err != nil {
		return err
	}
	e.audit(ctx, approver, "override.approve", "override", id, cur, &next)
	return nil
}

func (e *Engine) RevokeOverride(ctx context.Context, actor, id string) error {
	before, err := e.store.GetOverride(ctx, id)
	if err != nil {
		return err
	}
	if err := e.store.DeleteOverride(ctx, id); err != nil {
		return err
	}
	e.audit(ctx, actor, "override.revoke", "override", id, before, nil)
	return nil
}

func (e *Engine) SaveRestrictionGroup(ctx context.Context, actor string, g *RestrictionGroup) error {
	if g == nil {
		return fmt.Errorf("%w: nil restriction group", ErrInvalidInput)
	}
	if err := g.Validate(); err != nil {
		return err
	}
	if err := e.store.SaveRestrictionGroup(ctx, g); err != nil {
		return err
	}
	e.audit(ctx, actor, "restriction_group.save", "restriction_group", g.ID, nil, g)
	return nil
}

func (e *Engine) SaveRowRule(ctx context.Context, actor string, r *RowLevelSecurityRule) error {
	if r == nil || r.ID == "" || r.Table == "" || strings.TrimSpace(r.Expression) == "" {
		return fmt.Errorf("%w: row rule id, table and expression are required", ErrInvalidInput)
	}
	if err := e.store.SaveRowRule(ctx, r); err != nil {
		return err
	}
	e.audit(ctx, actor, "row_rule.save", "row_rule", r.ID, nil, r)
	return nil
}

func (e *Engine) SaveFieldRule(ctx context.Context, actor string, r *FieldLevelSecurityRule) error {
	if r == nil || r.ID == "" || r.Table == "" || r.Column == "" {
		return fmt.Errorf("%w: field rule id, table and column are required", ErrInvalidInput)
	}
	if err := e.store.SaveFieldRule(ctx, r); err != nil {
		return err
	}
	e.audit(ctx, actor, "field_rule.save", "field_rule", r.ID, nil, r)
	return nil
}

// ListEffectivePermissions returns the permissions userID holds through its
// role chain with overrides applied, evaluated for actx.
func (e *Engine) ListEffectivePermissions(ctx context.Context, userID string, actx AccessContext) ([]*Permission, error) {
	dir, release, err := e.store.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	defer func() { _ = release() }()
	u, roles, err := e.subject(ctx, dir, userID)
	if err != nil {
		return nil, err
	}
	if u == nil || !u.IsActive {
		return nil, nil
	}
	actx.UserID = userID
	actx = actx.WithTimestamp(e.now())
	ectx := &EvalContext{Access: &actx, User: u}
	grants, err := e.roles.Grants(ctx, dir, roles, ectx)
	if err != nil {
		return nil, err
	}
	perms := make(map[string]*Permission, len(grants))
	for _, g := range grants {
		perms[g.Permission.ID] = g.Permission
	}
	overrides, err := dir.ListUserOverrides(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list overrides: %w", err)
	}
	now := ectx.now()
	sort.SliceStable(overrides, func(i, j int) bool {
		return overrides[i].grantedAt().Before(overrides[j].grantedAt())
	})
	// oldest first so the most recent override wins
	for _, ov := range overrides {
		if !ov.Effective(now) {
			continue
		}
		p, err := dir.GetPermission(ctx, ov.PermissionID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if ov.IsGranted && p.IsActive {
			perms[p.ID] = p
		} else {
			delete(perms, p.ID)
		}
	}
	out := make([]*Permission, 0, len(perms))
	for _, p := range perms {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AuditLogs queries the audit store.
func (e *Engine) AuditLogs(ctx context.Context, f AuditFilter) ([]*AuditLog, error) {
	if e.auditStore == nil {
		return nil, unavailable("audit store")
	}
	return e.auditStore.ListAudit(ctx, f)
}

// SecurityEvents queries the audit store.
func (e *Engine) SecurityEvents(ctx context.Context, f AuditFilter) ([]*SecurityEvent, error) {
	if e.auditStore == nil {
		return nil, unavailable("audit store")
	}
	return e.auditStore.ListSecurityEvents(ctx, f)
}

// nilIfMissing keeps a typed nil pointer out of the audit before-image.
func nilIfMissing[T any](v *T) any {
	if v == nil {
		return nil
	}
	return v
}
