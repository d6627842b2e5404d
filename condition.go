package access

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ============================================================================
// CONDITION LANGUAGE
// ============================================================================

// Expr is a node of a parsed condition tree. Trees are built once at load
// time and evaluated many times.
type Expr interface {
	Evaluate(ctx *EvalContext) (bool, error)
	String() string
	// ToMap returns the tagged form accepted by ParseCondition.
	ToMap() map[string]any
}

// EvalContext provides data for expression evaluation
type EvalContext struct {
	Access *AccessContext
	User   *User
}

func (c *EvalContext) now() time.Time {
	if c == nil || c.Access == nil || c.Access.Timestamp.IsZero() {
		return time.Now()
	}
	return c.Access.Timestamp
}

// TrueExpr always returns true (unconditional rule)
type TrueExpr struct{}

func (e *TrueExpr) Evaluate(ctx *EvalContext) (bool, error) { return true, nil }
func (e *TrueExpr) String() string                          { return "true" }
func (e *TrueExpr) ToMap() map[string]any                   { return map[string]any{"type": "true"} }

// AndExpr is true when every term is true.
type AndExpr struct {
	Terms []Expr
}

func (e *AndExpr) Evaluate(ctx *EvalContext) (bool, error) {
	for _, t := range e.Terms {
		ok, err := t.Evaluate(ctx)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (e *AndExpr) String() string { return joinTerms(e.Terms, " AND ") }

func (e *AndExpr) ToMap() map[string]any {
	return map[string]any{"type": "and", "terms": termMaps(e.Terms)}
}

// OrExpr is true when any term is true.
type OrExpr struct {
	Terms []Expr
}

func (e *OrExpr) Evaluate(ctx *EvalContext) (bool, error) {
	for _, t := range e.Terms {
		ok, err := t.Evaluate(ctx)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (e *OrExpr) String() string { return joinTerms(e.Terms, " OR ") }

func (e *OrExpr) ToMap() map[string]any {
	return map[string]any{"type": "or", "terms": termMaps(e.Terms)}
}

// NotExpr negates its term.
type NotExpr struct {
	Term Expr
}

func (e *NotExpr) Evaluate(ctx *EvalContext) (bool, error) {
	ok, err := e.Term.Evaluate(ctx)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

func (e *NotExpr) String() string { return "NOT " + e.Term.String() }

func (e *NotExpr) ToMap() map[string]any {
	return map[string]any{"type": "not", "term": e.Term.ToMap()}
}

// TimeRangeExpr checks that the request time falls inside a daily window
// (HH:MM, end exclusive) and optionally on one of Days. Windows with
// Start > End wrap over midnight.
type TimeRangeExpr struct {
	Start    string
	End      string
	Days     []time.Weekday
	Timezone string

	loc        *time.Location
	startMin   int
	endMin     int
	compiledOK bool
}

// NewTimeRangeExpr validates and compiles a time window.
func NewTimeRangeExpr(start, end string, days []time.Weekday, tz string) (*TimeRangeExpr, error) {
	e := &TimeRangeExpr{Start: start, End: end, Days: days, Timezone: tz}
	if err := e.compile(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *TimeRangeExpr) compile() error {
	s, err := parseClock(e.Start)
	if err != nil {
		return err
	}
	en, err := parseClock(e.End)
	if err != nil {
		return err
	}
	e.startMin, e.endMin = s, en
	if e.Timezone != "" {
		loc, err := time.LoadLocation(e.Timezone)
		if err != nil {
			return fmt.Errorf("%w: timezone %q: %v", ErrInvalidInput, e.Timezone, err)
		}
		e.loc = loc
	}
	e.compiledOK = true
	return nil
}

func (e *TimeRangeExpr) Evaluate(ctx *EvalContext) (bool, error) {
	if !e.compiledOK {
		c := *e
		if err := c.compile(); err != nil {
			return false, err
		}
		e = &c
	}
	t := ctx.now()
	if e.loc != nil {
		t = t.In(e.loc)
	}
	if len(e.Days) > 0 {
		found := false
		for _, d := range e.Days {
			if d == t.Weekday() {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}
	m := t.Hour()*60 + t.Minute()
	if e.startMin <= e.endMin {
		return m >= e.startMin && m < e.endMin, nil
	}
	// over midnight
	return m >= e.startMin || m < e.endMin, nil
}

func (e *TimeRangeExpr) String() string {
	return fmt.Sprintf("time_range(%s,%s)", e.Start, e.End)
}

func (e *TimeRangeExpr) ToMap() map[string]any {
	m := map[string]any{"type": "time_range", "start": e.Start, "end": e.End}
	if len(e.Days) > 0 {
		days := make([]any, 0, len(e.Days))
		for _, d := range e.Days {
			days = append(days, strings.ToLower(d.String()[:3]))
		}
		m["days"] = days
	}
	if e.Timezone != "" {
		m["timezone"] = e.Timezone
	}
	return m
}

// GeoSetExpr matches when the request location is one of Countries (ISO
// codes, case-insensitive) or Cities. An unknown location never matches.
type GeoSetExpr struct {
	Countries []string
	Cities    []string
}

func (e *GeoSetExpr) Evaluate(ctx *EvalContext) (bool, error) {
	if ctx == nil || ctx.Access == nil || ctx.Access.Location == nil {
		return false, nil
	}
	loc := ctx.Access.Location
	for _, c := range e.Countries {
		if loc.Country != "" && strings.EqualFold(c, loc.Country) {
			return true, nil
		}
	}
	for _, c := range e.Cities {
		if loc.City != "" && strings.EqualFold(c, loc.City) {
			return true, nil
		}
	}
	return false, nil
}

func (e *GeoSetExpr) String() string {
	return fmt.Sprintf("geo_in(%s)", strings.Join(append(append([]string{}, e.Countries...), e.Cities...), ","))
}

func (e *GeoSetExpr) ToMap() map[string]any {
	m := map[string]any{"type": "geo"}
	if len(e.Countries) > 0 {
		m["countries"] = stringsToAny(e.Countries)
	}
	if len(e.Cities) > 0 {
		m["cities"] = stringsToAny(e.Cities)
	}
	return m
}

// IPSetExpr matches when the request IP is inside any of the CIDRs. Bare
// addresses are accepted and treated as single-host networks.
type IPSetExpr struct {
	CIDRs []string
	nets  []*net.IPNet
}

// NewIPSetExpr parses every entry up front.
func NewIPSetExpr(cidrs []string) (*IPSetExpr, error) {
	e := &IPSetExpr{CIDRs: cidrs}
	for _, c := range cidrs {
		n, err := parseNet(c)
		if err != nil {
			return nil, err
		}
		e.nets = append(e.nets, n)
	}
	return e, nil
}

// Contains reports whether ip is inside the set.
func (e *IPSetExpr) Contains(ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, n := range e.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (e *IPSetExpr) Evaluate(ctx *EvalContext) (bool, error) {
	if ctx == nil || ctx.Access == nil {
		return false, nil
	}
	return e.Contains(ctx.Access.IP), nil
}

func (e *IPSetExpr) String() string {
	return fmt.Sprintf("ip_in(%s)", strings.Join(e.CIDRs, ","))
}

func (e *IPSetExpr) ToMap() map[string]any {
	return map[string]any{"type": "ip", "cidrs": stringsToAny(e.CIDRs)}
}

// UserSetExpr matches the requesting user id.
type UserSetExpr struct {
	UserIDs []string
}

func (e *UserSetExpr) Evaluate(ctx *EvalContext) (bool, error) {
	if ctx == nil || ctx.Access == nil {
		return false, nil
	}
	for _, id := range e.UserIDs {
		if id == ctx.Access.UserID {
			return true, nil
		}
	}
	return false, nil
}

func (e *UserSetExpr) String() string {
	return fmt.Sprintf("user_in(%s)", strings.Join(e.UserIDs, ","))
}

func (e *UserSetExpr) ToMap() map[string]any {
	return map[string]any{"type": "users", "ids": stringsToAny(e.UserIDs)}
}

// KnownExpr is true when a contextual signal ("location" or "ip") is present.
type KnownExpr struct {
	Signal string
}

func (e *KnownExpr) Evaluate(ctx *EvalContext) (bool, error) {
	if ctx == nil || ctx.Access == nil {
		return false, nil
	}
	switch e.Signal {
	case "location":
		return ctx.Access.Location.Key() != "", nil
	case "ip":
		return ctx.Access.IP != nil, nil
	}
	return false, fmt.Errorf("%w: unknown signal %q", ErrInvalidInput, e.Signal)
}

func (e *KnownExpr) String() string { return "known(" + e.Signal + ")" }

func (e *KnownExpr) ToMap() map[string]any {
	return map[string]any{"type": "known", "signal": e.Signal}
}

// EqExpr represents equality check. A string Value naming a field
// ("user.branch_id") is resolved against the context.
type EqExpr struct {
	Field string
	Value any
}

func (e *EqExpr) Evaluate(ctx *EvalContext) (bool, error) {
	return compare(getField(ctx, e.Field), resolveOperand(ctx, e.Value)) == 0, nil
}

func (e *EqExpr) String() string { return fmt.Sprintf("%s == %v", e.Field, e.Value) }

func (e *EqExpr) ToMap() map[string]any {
	return map[string]any{"type": "eq", "field": e.Field, "value": e.Value}
}

// InExpr represents membership check
type InExpr struct {
	Field  string
	Values []any
}

func (e *InExpr) Evaluate(ctx *EvalContext) (bool, error) {
	val := getField(ctx, e.Field)
	for _, v := range e.Values {
		if compare(val, resolveOperand(ctx, v)) == 0 {
			return true, nil
		}
	}
	return false, nil
}

func (e *InExpr) String() string { return fmt.Sprintf("%s IN %v", e.Field, e.Values) }

func (e *InExpr) ToMap() map[string]any {
	return map[string]any{"type": "in", "field": e.Field, "values": e.Values}
}

// GteExpr represents greater-than-or-equal check
type GteExpr struct {
	Field string
	Value any
}

func (e *GteExpr) Evaluate(ctx *EvalContext) (bool, error) {
	return compare(getField(ctx, e.Field), resolveOperand(ctx, e.Value)) >= 0, nil
}

func (e *GteExpr) String() string { return fmt.Sprintf("%s >= %v", e.Field, e.Value) }

func (e *GteExpr) ToMap() map[string]any {
	return map[string]any{"type": "gte", "field": e.Field, "value": e.Value}
}

// ============================================================================
// Condition wrapper
// ============================================================================

// Condition holds an optional parsed expression. The zero value is
// unconditional. It decodes from JSON and YAML so that stored and configured
// conditions are parsed exactly once.
type Condition struct {
	Expr Expr
}

// NewCondition wraps e.
func NewCondition(e Expr) Condition { return Condition{Expr: e} }

// MustCondition parses raw and panics on error. Intended for tests and
// static tables.
func MustCondition(raw any) Condition {
	e, err := ParseCondition(raw)
	if err != nil {
		panic(err)
	}
	return Condition{Expr: e}
}

// IsZero reports whether the condition is unconditional.
func (c Condition) IsZero() bool {
	if c.Expr == nil {
		return true
	}
	_, ok := c.Expr.(*TrueExpr)
	return ok
}

// Eval evaluates the condition; an empty condition holds.
func (c Condition) Eval(ctx *EvalContext) (bool, error) {
	if c.Expr == nil {
		return true, nil
	}
	return c.Expr.Evaluate(ctx)
}

func (c Condition) String() string {
	if c.Expr == nil {
		return "true"
	}
	return c.Expr.String()
}

func (c Condition) MarshalJSON() ([]byte, error) {
	if c.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(c.Expr.ToMap())
}

func (c *Condition) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	e, err := ParseCondition(raw)
	if err != nil {
		return err
	}
	c.Expr = e
	return nil
}

func (c Condition) MarshalYAML() (any, error) {
	if c.IsZero() {
		return nil, nil
	}
	return c.Expr.ToMap(), nil
}

func (c *Condition) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	e, err := ParseCondition(raw)
	if err != nil {
		return err
	}
	c.Expr = e
	return nil
}

// ============================================================================
// helpers
// ============================================================================

func getField(ctx *EvalContext, field string) any {
	if ctx == nil {
		return nil
	}
	switch {
	case strings.HasPrefix(field, "user."):
		return getUserField(ctx.User, field[5:])
	case strings.HasPrefix(field, "context."):
		return getContextField(ctx.Access, field[8:])
	case strings.HasPrefix(field, "attrs."):
		if ctx.Access == nil {
			return nil
		}
		return ctx.Access.Attrs[field[6:]]
	}
	return nil
}

func getUserField(u *User, field string) any {
	if u == nil {
		return nil
	}
	switch field {
	case "id":
		return u.ID
	case "role_id":
		return u.RoleID
	case "branch_id":
		return u.BranchID
	case "tenant_id":
		return u.TenantID
	case "email":
		return u.Email
	}
	return nil
}

func getContextField(a *AccessContext, field string) any {
	if a == nil {
		return nil
	}
	switch field {
	case "user_id":
		return a.UserID
	case "action":
		return string(a.Action)
	case "resource_type":
		return a.ResourceType
	case "resource_id":
		return a.ResourceID
	case "branch_id":
		return a.BranchID
	case "tenant_id":
		return a.TenantID
	case "device_id":
		return a.DeviceID
	case "ip":
		if a.IP == nil {
			return nil
		}
		return a.IP.String()
	case "country":
		if a.Location == nil {
			return nil
		}
		return a.Location.Country
	}
	return nil
}

func isFieldRef(s string) bool {
	return strings.HasPrefix(s, "user.") || strings.HasPrefix(s, "context.") || strings.HasPrefix(s, "attrs.")
}

func resolveOperand(ctx *EvalContext, v any) any {
	if s, ok := v.(string); ok && isFieldRef(s) {
		return getField(ctx, s)
	}
	return v
}

func compare(a, b any) int {
	if a == nil || b == nil {
		return -1
	}
	switch av := a.(type) {
	case []string:
		if bs, ok := b.(string); ok {
			for _, v := range av {
				if v == bs {
					return 0
				}
			}
		}
		return -1
	case string:
		bv, ok := b.(string)
		if !ok {
			bv = fmt.Sprint(b)
		}
		return strings.Compare(av, bv)
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af == bf:
			return 0
		case af < bf:
			return -1
		default:
			return 1
		}
	}
	if fmt.Sprint(a) == fmt.Sprint(b) {
		return 0
	}
	return -1
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: bad clock %q", ErrInvalidInput, s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func parseNet(s string) (*net.IPNet, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		_, n, err := net.ParseCIDR(s)
		if err != nil {
			return nil, fmt.Errorf("%w: bad cidr %q", ErrInvalidInput, s)
		}
		return n, nil
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("%w: bad ip %q", ErrInvalidInput, s)
	}
	bits := 128
	if v4 := ip.To4(); v4 != nil {
		ip, bits = v4, 32
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}

func joinTerms(terms []Expr, sep string) string {
	parts := make([]string, 0, len(terms))
	for _, t := range terms {
		parts = append(parts, t.String())
	}
	return "(" + strings.Join(parts, sep) + ")"
}

func termMaps(terms []Expr) []any {
	out := make([]any, 0, len(terms))
	for _, t := range terms {
		out = append(out, t.ToMap())
	}
	return out
}

func stringsToAny(in []string) []any {
	out := make([]any, 0, len(in))
	for _, s := range in {
		out = append(out, s)
	}
	return out
}
