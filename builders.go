package access

import "time"

// Builders provide a fluent API for creating policies, roles, permissions,
// overrides, restriction groups and whole configurations.

// PolicyBuilder builds a SecurityPolicy
type PolicyBuilder struct {
	p *SecurityPolicy
}

func NewPolicyBuilder(id string) *PolicyBuilder {
	return &PolicyBuilder{p: &SecurityPolicy{ID: id, Effect: EffectAllow, IsActive: true}}
}

func (b *PolicyBuilder) Name(n string) *PolicyBuilder    { b.p.Name = n; return b }
func (b *PolicyBuilder) Allow() *PolicyBuilder           { b.p.Effect = EffectAllow; return b }
func (b *PolicyBuilder) Deny() *PolicyBuilder            { b.p.Effect = EffectDeny; return b }
func (b *PolicyBuilder) Priority(p int) *PolicyBuilder   { b.p.Priority = p; return b }
func (b *PolicyBuilder) Active(on bool) *PolicyBuilder   { b.p.IsActive = on; return b }
func (b *PolicyBuilder) When(e Expr) *PolicyBuilder      { b.p.Condition = NewCondition(e); return b }
func (b *PolicyBuilder) Resources(r ...string) *PolicyBuilder {
	b.p.Resources = append(b.p.Resources, r...)
	return b
}
func (b *PolicyBuilder) Actions(a ...Action) *PolicyBuilder {
	b.p.Actions = append(b.p.Actions, a...)
	return b
}

// Subjects limits the policy to user ids or "role:<id>" entries.
func (b *PolicyBuilder) Subjects(s ...string) *PolicyBuilder {
	b.p.Subjects = append(b.p.Subjects, s...)
	return b
}
func (b *PolicyBuilder) Build() *SecurityPolicy { return b.p }

// RoleBuilder builds a Role
type RoleBuilder struct {
	r *Role
}

func NewRoleBuilder(id string) *RoleBuilder {
	return &RoleBuilder{r: &Role{ID: id, Name: id, IsActive: true}}
}
func (b *RoleBuilder) Name(n string) *RoleBuilder       { b.r.Name = n; return b }
func (b *RoleBuilder) Parent(id string) *RoleBuilder    { b.r.ParentRoleID = id; return b }
func (b *RoleBuilder) Active(on bool) *RoleBuilder      { b.r.IsActive = on; return b }
func (b *RoleBuilder) Attr(k string, v any) *RoleBuilder {
	if b.r.Attributes == nil {
		b.r.Attributes = make(map[string]any)
	}
	b.r.Attributes[k] = v
	return b
}
func (b *RoleBuilder) Build() *Role { return b.r }

// NewPermission returns an active permission.
func NewPermission(id, resourceType string, action Action) *Permission {
	return &Permission{ID: id, ResourceType: resourceType, Action: action, IsActive: true}
}

// OverrideBuilder builds a UserPermissionOverride
type OverrideBuilder struct {
	o *UserPermissionOverride
}

func NewOverrideBuilder(userID, permissionID string) *OverrideBuilder {
	return &OverrideBuilder{o: &UserPermissionOverride{UserID: userID, PermissionID: permissionID, IsGranted: true}}
}
func (b *OverrideBuilder) ID(id string) *OverrideBuilder          { b.o.ID = id; return b }
func (b *OverrideBuilder) Grant() *OverrideBuilder                { b.o.IsGranted = true; return b }
func (b *OverrideBuilder) Revoke() *OverrideBuilder               { b.o.IsGranted = false; return b }
func (b *OverrideBuilder) When(e Expr) *OverrideBuilder           { b.o.Conditions = NewCondition(e); return b }
func (b *OverrideBuilder) Constrain(e Expr) *OverrideBuilder      { b.o.Constraints = NewCondition(e); return b }
func (b *OverrideBuilder) NeedsApproval() *OverrideBuilder        { b.o.RequiresApproval = true; return b }
func (b *OverrideBuilder) ExpiresAt(t time.Time) *OverrideBuilder { b.o.ExpiresAt = t; return b }
func (b *OverrideBuilder) Reason(r string) *OverrideBuilder       { b.o.Reason = r; return b }
func (b *OverrideBuilder) Build() *UserPermissionOverride         { return b.o }

// RestrictionGroupBuilder builds a RestrictionGroup
type RestrictionGroupBuilder struct {
	g *RestrictionGroup
}

func NewRestrictionGroupBuilder(id string) *RestrictionGroupBuilder {
	return &RestrictionGroupBuilder{g: &RestrictionGroup{ID: id, Name: id, IsActive: true}}
}
func (b *RestrictionGroupBuilder) Name(n string) *RestrictionGroupBuilder { b.g.Name = n; return b }
func (b *RestrictionGroupBuilder) Users(ids ...string) *RestrictionGroupBuilder {
	b.g.UserIDs = append(b.g.UserIDs, ids...)
	return b
}
func (b *RestrictionGroupBuilder) Roles(ids ...string) *RestrictionGroupBuilder {
	b.g.RoleIDs = append(b.g.RoleIDs, ids...)
	return b
}

// Hours allows access between start and end ("HH:MM") on days (empty means
// every day) in tz.
func (b *RestrictionGroupBuilder) Hours(start, end, tz string, days ...string) *RestrictionGroupBuilder {
	b.g.Restrictions.Time = &TimeRestriction{Start: start, End: end, Days: days, Timezone: tz}
	return b
}
func (b *RestrictionGroupBuilder) AllowCountries(c ...string) *RestrictionGroupBuilder {
	b.location().AllowedCountries = append(b.location().AllowedCountries, c...)
	return b
}
func (b *RestrictionGroupBuilder) BlockCountries(c ...string) *RestrictionGroupBuilder {
	b.location().BlockedCountries = append(b.location().BlockedCountries, c...)
	return b
}
func (b *RestrictionGroupBuilder) DenyUnknownLocation() *RestrictionGroupBuilder {
	b.location().DenyUnknown = true
	return b
}
func (b *RestrictionGroupBuilder) AllowIPs(cidrs ...string) *RestrictionGroupBuilder {
	b.ip().Allowed = append(b.ip().Allowed, cidrs...)
	return b
}
func (b *RestrictionGroupBuilder) BlockIPs(cidrs ...string) *RestrictionGroupBuilder {
	b.ip().Blocked = append(b.ip().Blocked, cidrs...)
	return b
}

func (b *RestrictionGroupBuilder) location() *LocationRestriction {
	if b.g.Restrictions.Location == nil {
		b.g.Restrictions.Location = &LocationRestriction{}
	}
	return b.g.Restrictions.Location
}

func (b *RestrictionGroupBuilder) ip() *IPRestriction {
	if b.g.Restrictions.IP == nil {
		b.g.Restrictions.IP = &IPRestriction{}
	}
	return b.g.Restrictions.IP
}

// Build compiles the restrictions.
func (b *RestrictionGroupBuilder) Build() (*RestrictionGroup, error) {
	if err := b.g.Validate(); err != nil {
		return nil, err
	}
	return b.g, nil
}

// FieldRuleBuilder builds field rules with the same defaults the config
// decoders apply: visible, readable and active.
type FieldRuleBuilder struct {
	r *FieldLevelSecurityRule
}

func NewFieldRuleBuilder(id, table, column string) *FieldRuleBuilder {
	return &FieldRuleBuilder{r: &FieldLevelSecurityRule{
		ID: id, Table: table, Column: column,
		IsVisible: true, IsReadable: true, IsActive: true,
	}}
}

func (b *FieldRuleBuilder) Mask(pattern string) *FieldRuleBuilder { b.r.MaskingPattern = pattern; return b }
func (b *FieldRuleBuilder) Hidden() *FieldRuleBuilder             { b.r.IsVisible = false; return b }
func (b *FieldRuleBuilder) Unreadable() *FieldRuleBuilder         { b.r.IsReadable = false; return b }
func (b *FieldRuleBuilder) Priority(p int) *FieldRuleBuilder      { b.r.Priority = p; return b }
func (b *FieldRuleBuilder) Active(on bool) *FieldRuleBuilder      { b.r.IsActive = on; return b }
func (b *FieldRuleBuilder) ForRoles(ids ...string) *FieldRuleBuilder {
	b.r.AppliesTo.Roles = append(b.r.AppliesTo.Roles, ids...)
	return b
}
func (b *FieldRuleBuilder) ForUsers(ids ...string) *FieldRuleBuilder {
	b.r.AppliesTo.Users = append(b.r.AppliesTo.Users, ids...)
	return b
}
func (b *FieldRuleBuilder) ForActions(a ...Action) *FieldRuleBuilder {
	b.r.AppliesTo.Actions = append(b.r.AppliesTo.Actions, a...)
	return b
}
func (b *FieldRuleBuilder) Build() *FieldLevelSecurityRule { return b.r }

// ConfigBuilder provides fluent API for building configurations
type ConfigBuilder struct {
	cfg *Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{cfg: &Config{Version: 1}}
}

func (b *ConfigBuilder) AddUser(id, roleID string) *ConfigBuilder {
	b.cfg.Users = append(b.cfg.Users, &User{ID: id, RoleID: roleID, IsActive: true})
	return b
}

func (b *ConfigBuilder) AddRole(r *Role) *ConfigBuilder {
	b.cfg.Roles = append(b.cfg.Roles, r)
	return b
}

func (b *ConfigBuilder) AddPermission(p *Permission) *ConfigBuilder {
	b.cfg.Permissions = append(b.cfg.Permissions, p)
	return b
}

// Grant maps permissionID onto roleID.
func (b *ConfigBuilder) Grant(roleID, permissionID string) *ConfigBuilder {
	b.cfg.RolePermissions = append(b.cfg.RolePermissions, &RolePermissionMapping{
		ID:           roleID + ":" + permissionID,
		RoleID:       roleID,
		PermissionID: permissionID,
	})
	return b
}

func (b *ConfigBuilder) AddPolicy(p *SecurityPolicy) *ConfigBuilder {
	b.cfg.Policies = append(b.cfg.Policies, p)
	return b
}

func (b *ConfigBuilder) AddOverride(o *UserPermissionOverride) *ConfigBuilder {
	b.cfg.Overrides = append(b.cfg.Overrides, o)
	return b
}

func (b *ConfigBuilder) AddRestrictionGroup(g *RestrictionGroup) *ConfigBuilder {
	b.cfg.RestrictionGroups = append(b.cfg.RestrictionGroups, g)
	return b
}

func (b *ConfigBuilder) AddRowRule(r *RowLevelSecurityRule) *ConfigBuilder {
	b.cfg.RowRules = append(b.cfg.RowRules, r)
	return b
}

func (b *ConfigBuilder) AddFieldRule(r *FieldLevelSecurityRule) *ConfigBuilder {
	b.cfg.FieldRules = append(b.cfg.FieldRules, r)
	return b
}

func (b *ConfigBuilder) EngineSettings(fn func(*EngineConfig)) *ConfigBuilder {
	fn(&b.cfg.Engine)
	return b
}

func (b *ConfigBuilder) Build() *Config {
	return b.cfg
}

func (b *ConfigBuilder) ToYAML() ([]byte, error) {
	return b.cfg.ToYAML()
}

func (b *ConfigBuilder) ToJSON() ([]byte, error) {
	return b.cfg.ToJSON()
}

// ConditionBuilder composes condition trees in code.
type ConditionBuilder struct {
	expr Expr
}

func NewConditionBuilder() *ConditionBuilder {
	return &ConditionBuilder{}
}

func (c *ConditionBuilder) and(e Expr) *ConditionBuilder {
	if c.expr == nil {
		c.expr = e
		return c
	}
	if a, ok := c.expr.(*AndExpr); ok {
		a.Terms = append(a.Terms, e)
		return c
	}
	c.expr = &AndExpr{Terms: []Expr{c.expr, e}}
	return c
}

func (c *ConditionBuilder) Eq(field string, value any) *ConditionBuilder {
	return c.and(&EqExpr{Field: field, Value: value})
}

func (c *ConditionBuilder) In(field string, values ...any) *ConditionBuilder {
	return c.and(&InExpr{Field: field, Values: values})
}

func (c *ConditionBuilder) Gte(field string, value any) *ConditionBuilder {
	return c.and(&GteExpr{Field: field, Value: value})
}

func (c *ConditionBuilder) Countries(codes ...string) *ConditionBuilder {
	return c.and(&GeoSetExpr{Countries: codes})
}

func (c *ConditionBuilder) Users(ids ...string) *ConditionBuilder {
	return c.and(&UserSetExpr{UserIDs: ids})
}

// Or joins the current tree and other's with OR.
func (c *ConditionBuilder) Or(other *ConditionBuilder) *ConditionBuilder {
	switch {
	case c.expr == nil:
		c.expr = other.expr
	case other.expr != nil:
		c.expr = &OrExpr{Terms: []Expr{c.expr, other.expr}}
	}
	return c
}

func (c *ConditionBuilder) Not() *ConditionBuilder {
	if c.expr != nil {
		c.expr = &NotExpr{Term: c.expr}
	}
	return c
}

// Build returns the tree; an empty builder is unconditional.
func (c *ConditionBuilder) Build() Expr {
	if c.expr == nil {
		return &TrueExpr{}
	}
	return c.expr
}
