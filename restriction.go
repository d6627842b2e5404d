package access

import (
	"context"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// TimeRestriction allows access only inside the window.
type TimeRestriction struct {
	Start    string   `json:"start" yaml:"start"`
	End      string   `json:"end" yaml:"end"`
	Days     []string `json:"days,omitempty" yaml:"days,omitempty"`
	Timezone string   `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// LocationRestriction limits countries. An unknown location violates only
// AllowedCountries when DenyUnknown is set.
type LocationRestriction struct {
	AllowedCountries []string `json:"allowed_countries,omitempty" yaml:"allowed_countries,omitempty"`
	BlockedCountries []string `json:"blocked_countries,omitempty" yaml:"blocked_countries,omitempty"`
	DenyUnknown      bool     `json:"deny_unknown,omitempty" yaml:"deny_unknown,omitempty"`
}

// IPRestriction limits source addresses.
type IPRestriction struct {
	Allowed []string `json:"allowed,omitempty" yaml:"allowed,omitempty"`
	Blocked []string `json:"blocked,omitempty" yaml:"blocked,omitempty"`
}

// Restrictions is the deny-only rule set of a RestrictionGroup. It is
// compiled into a single expression that is true when the request violates
// any restriction.
type Restrictions struct {
	Time     *TimeRestriction     `json:"time,omitempty" yaml:"time,omitempty"`
	Location *LocationRestriction `json:"location,omitempty" yaml:"location,omitempty"`
	IP       *IPRestriction       `json:"ip,omitempty" yaml:"ip,omitempty"`

	violation Expr
}

type restrictionsFields struct {
	Time     *TimeRestriction     `json:"time,omitempty" yaml:"time,omitempty"`
	Location *LocationRestriction `json:"location,omitempty" yaml:"location,omitempty"`
	IP       *IPRestriction       `json:"ip,omitempty" yaml:"ip,omitempty"`
}

func (r *Restrictions) UnmarshalJSON(b []byte) error {
	var f restrictionsFields
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	return r.set(f)
}

func (r *Restrictions) UnmarshalYAML(node *yaml.Node) error {
	var f restrictionsFields
	if err := node.Decode(&f); err != nil {
		return err
	}
	return r.set(f)
}

func (r *Restrictions) set(f restrictionsFields) error {
	r.Time, r.Location, r.IP = f.Time, f.Location, f.IP
	e, err := r.Compile()
	if err != nil {
		return err
	}
	r.violation = e
	return nil
}

// Compile builds the violation expression.
func (r Restrictions) Compile() (Expr, error) {
	var terms []Expr
	if t := r.Time; t != nil {
		days, err := parseDays(stringsToAny(t.Days))
		if err != nil {
			return nil, err
		}
		window, err := NewTimeRangeExpr(t.Start, t.End, days, t.Timezone)
		if err != nil {
			return nil, err
		}
		terms = append(terms, &NotExpr{Term: window})
	}
	if l := r.Location; l != nil {
		if len(l.BlockedCountries) > 0 {
			terms = append(terms, &GeoSetExpr{Countries: l.BlockedCountries})
		}
		if len(l.AllowedCountries) > 0 {
			outside := &NotExpr{Term: &GeoSetExpr{Countries: l.AllowedCountries}}
			if l.DenyUnknown {
				terms = append(terms, outside)
			} else {
				terms = append(terms, &AndExpr{Terms: []Expr{&KnownExpr{Signal: "location"}, outside}})
			}
		}
	}
	if ip := r.IP; ip != nil {
		if len(ip.Blocked) > 0 {
			set, err := NewIPSetExpr(ip.Blocked)
			if err != nil {
				return nil, err
			}
			terms = append(terms, set)
		}
		if len(ip.Allowed) > 0 {
			set, err := NewIPSetExpr(ip.Allowed)
			if err != nil {
				return nil, err
			}
			terms = append(terms, &AndExpr{Terms: []Expr{&KnownExpr{Signal: "ip"}, &NotExpr{Term: set}}})
		}
	}
	if len(terms) == 0 {
		return nil, nil
	}
	return &OrExpr{Terms: terms}, nil
}

// violationExpr returns the compiled expression, compiling on demand for
// groups built in code.
func (r *Restrictions) violationExpr() (Expr, error) {
	if r.violation != nil {
		return r.violation, nil
	}
	return r.Compile()
}

// Validate compiles the group and reports configuration errors.
func (g *RestrictionGroup) Validate() error {
	if g.ID == "" {
		return fmt.Errorf("%w: restriction group id is required", ErrInvalidInput)
	}
	e, err := g.Restrictions.Compile()
	if err != nil {
		return err
	}
	g.Restrictions.violation = e
	return nil
}

// appliesTo reports whether the group targets the user or one of roles.
func (g *RestrictionGroup) appliesTo(userID string, roles []string) bool {
	if containsString(g.UserIDs, userID) {
		return true
	}
	for _, r := range g.RoleIDs {
		if containsString(roles, r) {
			return true
		}
	}
	return false
}

// RestrictionEvaluator is a deny-only gate over restriction groups.
type RestrictionEvaluator struct{}

// Evaluate returns VerdictDeny with the group name when any applicable active
// group is violated. A group that fails to compile is treated as violated.
func (RestrictionEvaluator) Evaluate(ctx context.Context, dir Directory, ectx *EvalContext, roles []string) (Verdict, string, error) {
	groups, err := dir.ListRestrictionGroups(ctx, ectx.Access.UserID, roles)
	if err != nil {
		return VerdictDeny, "", fmt.Errorf("list restriction groups: %w", err)
	}
	for _, g := range groups {
		if !g.IsActive || !g.appliesTo(ectx.Access.UserID, roles) {
			continue
		}
		e, err := g.Restrictions.violationExpr()
		if err != nil {
			return VerdictDeny, groupLabel(g), nil
		}
		if e == nil {
			continue
		}
		hit, err := e.Evaluate(ectx)
		if err != nil || hit {
			return VerdictDeny, groupLabel(g), nil
		}
	}
	return VerdictUndecided, "", nil
}

func groupLabel(g *RestrictionGroup) string {
	if g.Name != "" {
		return g.Name
	}
	return g.ID
}
