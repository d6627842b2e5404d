package access

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// Config is the complete engine configuration: tuning sections plus the
// directory data to load.
type Config struct {
	Version int             `json:"version" yaml:"version"`
	Engine  EngineConfig    `json:"engine" yaml:"engine"`
	Risk    RiskConfig      `json:"risk" yaml:"risk"`
	MFA     MFASettings     `json:"mfa" yaml:"mfa"`
	Session SessionSettings `json:"session" yaml:"session"`

	Users             []*User                   `json:"users,omitempty" yaml:"users,omitempty"`
	Roles             []*Role                   `json:"roles,omitempty" yaml:"roles,omitempty"`
	Permissions       []*Permission             `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	RolePermissions   []*RolePermissionMapping  `json:"role_permissions,omitempty" yaml:"role_permissions,omitempty"`
	Policies          []*SecurityPolicy         `json:"policies,omitempty" yaml:"policies,omitempty"`
	Overrides         []*UserPermissionOverride `json:"overrides,omitempty" yaml:"overrides,omitempty"`
	RestrictionGroups []*RestrictionGroup       `json:"restriction_groups,omitempty" yaml:"restriction_groups,omitempty"`
	RowRules          []*RowLevelSecurityRule   `json:"row_rules,omitempty" yaml:"row_rules,omitempty"`
	FieldRules        []*FieldLevelSecurityRule `json:"field_rules,omitempty" yaml:"field_rules,omitempty"`
}

type EngineConfig struct {
	AuditBuffer     int   `json:"audit_buffer,omitempty" yaml:"audit_buffer,omitempty"`
	SyncAudit       bool  `json:"sync_audit,omitempty" yaml:"sync_audit,omitempty"`
	SnapshotRetries int   `json:"snapshot_retries,omitempty" yaml:"snapshot_retries,omitempty"`
	RoleCacheSize   int64 `json:"role_cache_counters,omitempty" yaml:"role_cache_counters,omitempty"`
	RoleCacheCost   int64 `json:"role_cache_max_cost,omitempty" yaml:"role_cache_max_cost,omitempty"`
	RoleCacheBuffer int64 `json:"role_cache_buffer,omitempty" yaml:"role_cache_buffer,omitempty"`
}

type RiskConfig struct {
	BusinessHoursStart string   `json:"business_hours_start,omitempty" yaml:"business_hours_start,omitempty"`
	BusinessHoursEnd   string   `json:"business_hours_end,omitempty" yaml:"business_hours_end,omitempty"`
	SuspiciousCIDRs    []string `json:"suspicious_cidrs,omitempty" yaml:"suspicious_cidrs,omitempty"`
}

// MFASettings is the file form of MFAConfig; durations are Go duration strings.
type MFASettings struct {
	Issuer          string `json:"issuer,omitempty" yaml:"issuer,omitempty"`
	ChallengeTTL    string `json:"challenge_ttl,omitempty" yaml:"challenge_ttl,omitempty"`
	MaxAttempts     int    `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	CodeLength      int    `json:"code_length,omitempty" yaml:"code_length,omitempty"`
	BackupCodeCount int    `json:"backup_code_count,omitempty" yaml:"backup_code_count,omitempty"`
	BcryptCost      int    `json:"bcrypt_cost,omitempty" yaml:"bcrypt_cost,omitempty"`
	ChallengeEvery  string `json:"challenge_every,omitempty" yaml:"challenge_every,omitempty"`
	ChallengeBurst  int    `json:"challenge_burst,omitempty" yaml:"challenge_burst,omitempty"`
}

// SessionSettings is the file form of SessionConfig.
type SessionSettings struct {
	TTL               string  `json:"ttl,omitempty" yaml:"ttl,omitempty"`
	RefreshTTL        string  `json:"refresh_ttl,omitempty" yaml:"refresh_ttl,omitempty"`
	IPChangeRiskDelta float64 `json:"ip_change_risk_delta,omitempty" yaml:"ip_change_risk_delta,omitempty"`
}

// ConfigLoader loads configuration from YAML or JSON.
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: yaml config: %v", ErrInvalidInput, err)
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: json config: %v", ErrInvalidInput, err)
	}
	return cfg, nil
}

// LoadFile picks the decoder from the file extension.
func (l *ConfigLoader) LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return l.LoadJSON(data)
	default:
		return l.LoadYAML(data)
	}
}

// ToYAML exports config to YAML
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// ToJSON exports config to JSON
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// Validate checks the tuning sections and the data for obvious mistakes,
// including role cycles within the file.
func (c *Config) Validate() error {
	if err := c.validateTuning(); err != nil {
		return err
	}
	for _, p := range c.Policies {
		if err := ValidatePolicy(p); err != nil {
			return err
		}
	}
	for _, g := range c.RestrictionGroups {
		if err := g.Validate(); err != nil {
			return fmt.Errorf("restriction group %s: %w", g.ID, err)
		}
	}
	parents := make(map[string]string, len(c.Roles))
	for _, r := range c.Roles {
		parents[r.ID] = r.ParentRoleID
	}
	lookup := func(id string) (string, bool, error) {
		p, ok := parents[id]
		return p, ok, nil
	}
	for _, r := range c.Roles {
		if err := CheckRoleParent(r.ID, r.ParentRoleID, lookup); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateTuning() error {
	if c.Engine.AuditBuffer < 0 || c.Engine.SnapshotRetries < 0 {
		return fmt.Errorf("%w: engine: negative value", ErrInvalidInput)
	}
	if c.Risk.BusinessHoursStart != "" || c.Risk.BusinessHoursEnd != "" {
		if _, err := parseClock(c.Risk.BusinessHoursStart); err != nil {
			return fmt.Errorf("%w: risk.business_hours_start: %v", ErrInvalidInput, err)
		}
		if _, err := parseClock(c.Risk.BusinessHoursEnd); err != nil {
			return fmt.Errorf("%w: risk.business_hours_end: %v", ErrInvalidInput, err)
		}
	}
	for _, cidr := range c.Risk.SuspiciousCIDRs {
		if _, err := parseNet(cidr); err != nil {
			return fmt.Errorf("%w: suspicious_cidrs: %v", ErrInvalidInput, err)
		}
	}
	if _, err := c.MFA.config(); err != nil {
		return err
	}
	_, err := c.Session.config()
	return err
}

// Options converts the tuning sections into engine options.
func (c *Config) Options() ([]EngineOption, error) {
	var opts []EngineOption
	e := c.Engine
	switch {
	case e.SyncAudit:
		opts = append(opts, WithAuditBuffer(0))
	case e.AuditBuffer > 0:
		opts = append(opts, WithAuditBuffer(e.AuditBuffer))
	}
	if e.SnapshotRetries > 0 {
		opts = append(opts, WithSnapshotRetries(e.SnapshotRetries))
	}
	if e.RoleCacheSize > 0 || e.RoleCacheCost > 0 {
		cache, err := NewRoleCache(e.RoleCacheSize, e.RoleCacheCost, e.RoleCacheBuffer)
		if err != nil {
			return nil, fmt.Errorf("role cache: %w", err)
		}
		opts = append(opts, WithRoleCache(cache))
	}

	if c.Risk.BusinessHoursStart != "" || c.Risk.BusinessHoursEnd != "" {
		opts = append(opts, WithRiskBusinessHours(c.Risk.BusinessHoursStart, c.Risk.BusinessHoursEnd))
	}
	if len(c.Risk.SuspiciousCIDRs) > 0 {
		rep, err := NewStaticIPReputation(c.Risk.SuspiciousCIDRs)
		if err != nil {
			return nil, fmt.Errorf("%w: suspicious_cidrs: %v", ErrInvalidInput, err)
		}
		opts = append(opts, WithIPReputation(rep))
	}

	mfa, err := c.MFA.config()
	if err != nil {
		return nil, err
	}
	opts = append(opts, WithMFAConfig(mfa))
	sess, err := c.Session.config()
	if err != nil {
		return nil, err
	}
	opts = append(opts, WithSessionConfig(sess))
	return opts, nil
}

func (s MFASettings) config() (MFAConfig, error) {
	cfg := DefaultMFAConfig()
	if s.Issuer != "" {
		cfg.Issuer = s.Issuer
	}
	if err := parseDuration("mfa.challenge_ttl", s.ChallengeTTL, &cfg.ChallengeTTL); err != nil {
		return cfg, err
	}
	var every time.Duration
	if err := parseDuration("mfa.challenge_every", s.ChallengeEvery, &every); err != nil {
		return cfg, err
	}
	if every > 0 {
		cfg.ChallengeRate = rate.Every(every)
	}
	if s.MaxAttempts > 0 {
		cfg.MaxAttempts = s.MaxAttempts
	}
	if s.CodeLength > 0 {
		cfg.CodeLength = s.CodeLength
	}
	if s.BackupCodeCount > 0 {
		cfg.BackupCodeCount = s.BackupCodeCount
	}
	if s.BcryptCost > 0 {
		cfg.BcryptCost = s.BcryptCost
	}
	if s.ChallengeBurst > 0 {
		cfg.ChallengeBurst = s.ChallengeBurst
	}
	return cfg, nil
}

func (s SessionSettings) config() (SessionConfig, error) {
	cfg := DefaultSessionConfig()
	if err := parseDuration("session.ttl", s.TTL, &cfg.TTL); err != nil {
		return cfg, err
	}
	if err := parseDuration("session.refresh_ttl", s.RefreshTTL, &cfg.RefreshTTL); err != nil {
		return cfg, err
	}
	if s.IPChangeRiskDelta > 0 {
		cfg.IPChangeRiskDelta = s.IPChangeRiskDelta
	}
	return cfg, nil
}

func parseDuration(name, s string, dst *time.Duration) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fmt.Errorf("%w: %s: invalid duration %q", ErrInvalidInput, name, s)
	}
	*dst = d
	return nil
}

// ApplyConfig loads the data sections of cfg through the audited admin
// operations. Roles are saved parents first.
func (e *Engine) ApplyConfig(ctx context.Context, actor string, cfg *Config) error {
	for _, u := range cfg.Users {
		if err := e.SaveUser(ctx, actor, u); err != nil {
			return fmt.Errorf("save user %s: %w", u.ID, err)
		}
	}
	for _, r := range orderRoles(cfg.Roles) {
		if err := e.SaveRole(ctx, actor, r); err != nil {
			return fmt.Errorf("save role %s: %w", r.ID, err)
		}
	}
	for _, p := range cfg.Permissions {
		if err := e.SavePermission(ctx, actor, p); err != nil {
			return fmt.Errorf("save permission %s: %w", p.ID, err)
		}
	}
	for _, m := range cfg.RolePermissions {
		if err := e.GrantRolePermission(ctx, actor, m); err != nil {
			return fmt.Errorf("grant %s to %s: %w", m.PermissionID, m.RoleID, err)
		}
	}
	for _, p := range cfg.Policies {
		if err := e.SavePolicy(ctx, actor, p); err != nil {
			return fmt.Errorf("save policy %s: %w", p.ID, err)
		}
	}
	for _, o := range cfg.Overrides {
		if err := e.SaveOverride(ctx, actor, o); err != nil {
			return fmt.Errorf("save override %s: %w", o.ID, err)
		}
	}
	for _, g := range cfg.RestrictionGroups {
		if err := e.SaveRestrictionGroup(ctx, actor, g); err != nil {
			return fmt.Errorf("save restriction group %s: %w", g.ID, err)
		}
	}
	for _, r := range cfg.RowRules {
		if err := e.SaveRowRule(ctx, actor, r); err != nil {
			return fmt.Errorf("save row rule %s: %w", r.ID, err)
		}
	}
	for _, r := range cfg.FieldRules {
		if err := e.SaveFieldRule(ctx, actor, r); err != nil {
			return fmt.Errorf("save field rule %s: %w", r.ID, err)
		}
	}
	return nil
}

// orderRoles returns roles so that every parent listed in the same slice
// comes before its children.
func orderRoles(roles []*Role) []*Role {
	byID := make(map[string]*Role, len(roles))
	for _, r := range roles {
		byID[r.ID] = r
	}
	out := make([]*Role, 0, len(roles))
	done := make(map[string]bool, len(roles))
	var visit func(r *Role, depth int)
	visit = func(r *Role, depth int) {
		if done[r.ID] || depth > MaxRoleDepth {
			return
		}
		if p, ok := byID[r.ParentRoleID]; ok {
			visit(p, depth+1)
		}
		if !done[r.ID] {
			done[r.ID] = true
			out = append(out, r)
		}
	}
	for _, r := range roles {
		visit(r, 0)
	}
	return out
}
