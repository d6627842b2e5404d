package access

import (
	"sort"
	"strings"

	"github.com/oarkflow/access/utils"
)

// Predicate is an immutable conjunction of SQL clauses with named bind
// parameters, suitable for squealx/sqlx named queries.
type Predicate struct {
	clauses []string
	args    map[string]any
}

// NewPredicate starts a predicate from an optional base clause.
func NewPredicate(base string, args map[string]any) *Predicate {
	p := &Predicate{args: map[string]any{}}
	if strings.TrimSpace(base) != "" {
		p.clauses = append(p.clauses, base)
	}
	for k, v := range args {
		p.args[k] = v
	}
	return p
}

// And returns a new predicate with clause appended.
func (p *Predicate) And(clause string, args map[string]any) *Predicate {
	out := &Predicate{
		clauses: append(append([]string(nil), p.clauses...), clause),
		args:    make(map[string]any, len(p.args)+len(args)),
	}
	for k, v := range p.args {
		out.args[k] = v
	}
	for k, v := range args {
		out.args[k] = v
	}
	return out
}

// SQL renders the clauses joined with AND, each parenthesised.
func (p *Predicate) SQL() string {
	if len(p.clauses) == 0 {
		return ""
	}
	parts := make([]string, len(p.clauses))
	for i, c := range p.clauses {
		parts[i] = "(" + c + ")"
	}
	return strings.Join(parts, " AND ")
}

// Where renders "WHERE ..." or an empty string.
func (p *Predicate) Where() string {
	if s := p.SQL(); s != "" {
		return "WHERE " + s
	}
	return ""
}

// Args returns a copy of the bind parameters.
func (p *Predicate) Args() map[string]any {
	out := make(map[string]any, len(p.args))
	for k, v := range p.args {
		out[k] = v
	}
	return out
}

// Clauses returns the individual clauses.
func (p *Predicate) Clauses() []string { return append([]string(nil), p.clauses...) }

// Bind parameter names used for rule placeholders.
const (
	paramUserID   = "rls_user_id"
	paramBranchID = "rls_branch_id"
	paramTenantID = "rls_tenant_id"
)

var placeholderReplacer = strings.NewReplacer(
	"{user_id}", ":"+paramUserID,
	"{branch_id}", ":"+paramBranchID,
	"{tenant_id}", ":"+paramTenantID,
)

// applyRowRules ANDs every active matching rule onto pred. Placeholder values
// are bound as parameters, never spliced into the SQL text.
func applyRowRules(rules []*RowLevelSecurityRule, pred *Predicate, actx AccessContext, u *User, roles []string) *Predicate {
	active := make([]*RowLevelSecurityRule, 0, len(rules))
	for _, r := range rules {
		if r != nil && r.IsActive && strings.TrimSpace(r.Expression) != "" && r.AppliesTo.matches(actx, roles) {
			active = append(active, r)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		if active[i].Priority != active[j].Priority {
			return active[i].Priority > active[j].Priority
		}
		return active[i].ID < active[j].ID
	})
	if len(active) == 0 {
		return pred
	}
	args := map[string]any{
		paramUserID:   actx.UserID,
		paramBranchID: firstNonEmpty(actx.BranchID, userBranch(u)),
		paramTenantID: firstNonEmpty(actx.TenantID, userTenant(u)),
	}
	for _, r := range active {
		pred = pred.And(placeholderReplacer.Replace(r.Expression), args)
	}
	return pred
}

// matches reports whether the rule scope covers the request. Empty lists
// match everything.
func (a AppliesTo) matches(actx AccessContext, roles []string) bool {
	if len(a.Actions) > 0 {
		ok := false
		for _, act := range a.Actions {
			if utils.Match(string(actx.Action), string(act)) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(a.Users) > 0 && !containsString(a.Users, actx.UserID) {
		return false
	}
	if len(a.Roles) > 0 {
		ok := false
		for _, r := range a.Roles {
			if containsString(roles, r) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func userBranch(u *User) string {
	if u == nil {
		return ""
	}
	return u.BranchID
}

func userTenant(u *User) string {
	if u == nil {
		return ""
	}
	return u.TenantID
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
