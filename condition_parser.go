package access

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	timeRe = regexp.MustCompile(`^time\s+between\s+"?(\d{1,2}:\d{2})"?\s*(?:-|and)\s*"?(\d{1,2}:\d{2})"?$`)
	ipInRe = regexp.MustCompile(`^ip\s+in\s*\[([^\]]*)\]$`)
	geoRe  = regexp.MustCompile(`^(?:country|geo)\s+in\s*\[([^\]]*)\]$`)
	inRe   = regexp.MustCompile(`^([a-zA-Z0-9_\.]+)\s+in\s*\[([^\]]*)\]$`)
	gteRe  = regexp.MustCompile(`^([a-zA-Z0-9_\.]+)\s*>=\s*("[^"]+"|[^\s]+)$`)
	eqRe   = regexp.MustCompile(`^([a-zA-Z0-9_\.]+)\s*==\s*("[^"]+"|[^\s]+)$`)
)

// ParseCondition turns a decoded JSON/YAML value into an expression tree.
//
// Accepted shapes:
//   - nil: unconditional
//   - string: the compact text syntax, see ParseConditionString
//   - list: AND of its elements
//   - map with "type" (or "op"): a tagged node
//   - any other map: shorthand keys (time_range, countries, ip_ranges,
//     user_ids) combined with AND
func ParseCondition(raw any) (Expr, error) {
	switch v := raw.(type) {
	case nil:
		return &TrueExpr{}, nil
	case Expr:
		return v, nil
	case string:
		return ParseConditionString(v)
	case bool:
		if v {
			return &TrueExpr{}, nil
		}
		return &NotExpr{Term: &TrueExpr{}}, nil
	case []any:
		terms, err := parseTerms(v)
		if err != nil {
			return nil, err
		}
		return andOf(terms), nil
	case map[string]any:
		if _, ok := v["type"]; ok {
			return parseTagged(v)
		}
		if _, ok := v["op"]; ok {
			return parseTagged(v)
		}
		return parseShorthand(v)
	}
	return nil, fmt.Errorf("%w: unsupported condition %T", ErrInvalidInput, raw)
}

func parseTagged(m map[string]any) (Expr, error) {
	kind, _ := m["type"].(string)
	if kind == "" {
		kind, _ = m["op"].(string)
	}
	switch strings.ToLower(kind) {
	case "true":
		return &TrueExpr{}, nil
	case "and", "or":
		var terms []Expr
		if list, ok := m["terms"].([]any); ok {
			t, err := parseTerms(list)
			if err != nil {
				return nil, err
			}
			terms = t
		} else {
			// binary form: {"op":"and","left":{..},"right":{..}}
			for _, k := range []string{"left", "right"} {
				t, err := ParseCondition(m[k])
				if err != nil {
					return nil, err
				}
				terms = append(terms, t)
			}
		}
		if len(terms) == 0 {
			return nil, fmt.Errorf("%w: %s without terms", ErrInvalidInput, kind)
		}
		if strings.EqualFold(kind, "and") {
			return andOf(terms), nil
		}
		return &OrExpr{Terms: terms}, nil
	case "not":
		t, err := ParseCondition(m["term"])
		if err != nil {
			return nil, err
		}
		return &NotExpr{Term: t}, nil
	case "time_range":
		return parseTimeRange(m)
	case "geo":
		return &GeoSetExpr{Countries: toStrings(m["countries"]), Cities: toStrings(m["cities"])}, nil
	case "ip":
		return NewIPSetExpr(toStrings(m["cidrs"]))
	case "users":
		return &UserSetExpr{UserIDs: toStrings(m["ids"])}, nil
	case "known":
		signal, _ := m["signal"].(string)
		if signal != "location" && signal != "ip" {
			return nil, fmt.Errorf("%w: unknown signal %q", ErrInvalidInput, signal)
		}
		return &KnownExpr{Signal: signal}, nil
	case "eq":
		field, _ := m["field"].(string)
		if field == "" {
			return nil, fmt.Errorf("%w: eq without field", ErrInvalidInput)
		}
		return &EqExpr{Field: field, Value: m["value"]}, nil
	case "in":
		field, _ := m["field"].(string)
		vals, _ := m["values"].([]any)
		if field == "" {
			return nil, fmt.Errorf("%w: in without field", ErrInvalidInput)
		}
		return &InExpr{Field: field, Values: vals}, nil
	case "gte":
		field, _ := m["field"].(string)
		if field == "" {
			return nil, fmt.Errorf("%w: gte without field", ErrInvalidInput)
		}
		return &GteExpr{Field: field, Value: m["value"]}, nil
	}
	return nil, fmt.Errorf("%w: unknown condition type %q", ErrInvalidInput, kind)
}

func parseShorthand(m map[string]any) (Expr, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	terms := make([]Expr, 0, len(keys))
	for _, k := range keys {
		v := m[k]
		var (
			t   Expr
			err error
		)
		switch k {
		case "time_range", "allowed_hours":
			tm, ok := v.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: %s must be a map", ErrInvalidInput, k)
			}
			t, err = parseTimeRange(tm)
		case "countries", "allowed_countries":
			t = &GeoSetExpr{Countries: toStrings(v)}
		case "cities":
			t = &GeoSetExpr{Cities: toStrings(v)}
		case "ip_ranges", "allowed_ips":
			t, err = NewIPSetExpr(toStrings(v))
		case "user_ids":
			t = &UserSetExpr{UserIDs: toStrings(v)}
		default:
			return nil, fmt.Errorf("%w: unknown condition key %q", ErrInvalidInput, k)
		}
		if err != nil {
			return nil, err
		}
		terms = append(terms, t)
	}
	return andOf(terms), nil
}

func parseTimeRange(m map[string]any) (Expr, error) {
	start, _ := m["start"].(string)
	end, _ := m["end"].(string)
	tz, _ := m["timezone"].(string)
	days, err := parseDays(m["days"])
	if err != nil {
		return nil, err
	}
	return NewTimeRangeExpr(start, end, days, tz)
}

var dayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

func parseDays(raw any) ([]time.Weekday, error) {
	list, ok := raw.([]any)
	if !ok || len(list) == 0 {
		return nil, nil
	}
	out := make([]time.Weekday, 0, len(list))
	for _, it := range list {
		switch d := it.(type) {
		case string:
			s := strings.ToLower(strings.TrimSpace(d))
			if len(s) >= 3 {
				if wd, ok := dayNames[s[:3]]; ok {
					out = append(out, wd)
					continue
				}
			}
			return nil, fmt.Errorf("%w: bad weekday %q", ErrInvalidInput, d)
		default:
			n, ok := toFloat(it)
			if !ok || n < 0 || n > 6 {
				return nil, fmt.Errorf("%w: bad weekday %v", ErrInvalidInput, it)
			}
			out = append(out, time.Weekday(int(n)))
		}
	}
	return out, nil
}

// ParseConditionString parses the compact text syntax:
//
//	time between 09:00-18:00
//	ip in [10.0.0.0/8, 192.168.1.7]
//	country in [NG, GH]
//	user.id in ["u1","u2"]
//	context.branch_id == user.branch_id
//	attrs.amount >= 1000
//
// Clauses may be joined with AND or OR (no parentheses; OR binds loosest).
func ParseConditionString(s string) (Expr, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "true") {
		return &TrueExpr{}, nil
	}
	if parts := splitKeyword(s, " OR "); len(parts) > 1 {
		terms := make([]Expr, 0, len(parts))
		for _, p := range parts {
			t, err := ParseConditionString(p)
			if err != nil {
				return nil, err
			}
			terms = append(terms, t)
		}
		return &OrExpr{Terms: terms}, nil
	}
	if parts := splitKeyword(s, " AND "); len(parts) > 1 {
		terms := make([]Expr, 0, len(parts))
		for _, p := range parts {
			t, err := ParseConditionString(p)
			if err != nil {
				return nil, err
			}
			terms = append(terms, t)
		}
		return andOf(terms), nil
	}

	if m := timeRe.FindStringSubmatch(s); len(m) == 3 {
		return NewTimeRangeExpr(m[1], m[2], nil, "")
	}
	if m := ipInRe.FindStringSubmatch(s); len(m) == 2 {
		return NewIPSetExpr(splitCSV(m[1]))
	}
	if m := geoRe.FindStringSubmatch(s); len(m) == 2 {
		return &GeoSetExpr{Countries: splitCSV(m[1])}, nil
	}
	if m := inRe.FindStringSubmatch(s); len(m) == 3 {
		items := splitCSV(m[2])
		if m[1] == "user.id" || m[1] == "context.user_id" {
			return &UserSetExpr{UserIDs: items}, nil
		}
		vals := make([]any, 0, len(items))
		for _, it := range items {
			vals = append(vals, literal(it))
		}
		return &InExpr{Field: m[1], Values: vals}, nil
	}
	if m := gteRe.FindStringSubmatch(s); len(m) == 3 {
		return &GteExpr{Field: m[1], Value: literal(m[2])}, nil
	}
	if m := eqRe.FindStringSubmatch(s); len(m) == 3 {
		return &EqExpr{Field: m[1], Value: literal(m[2])}, nil
	}
	return nil, fmt.Errorf("%w: unsupported condition syntax: %s", ErrInvalidInput, s)
}

// splitKeyword splits on a case-insensitive keyword outside brackets.
func splitKeyword(s, kw string) []string {
	upper := strings.ToUpper(s)
	var out []string
	depth, last := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '[':
			depth++
		case ']':
			depth--
		}
		if depth == 0 && strings.HasPrefix(upper[i:], kw) {
			out = append(out, strings.TrimSpace(s[last:i]))
			last = i + len(kw)
			i = last - 1
		}
	}
	if out == nil {
		return nil
	}
	return append(out, strings.TrimSpace(s[last:]))
}

// literal converts quoted strings to strings and bare numbers to float64.
func literal(s string) any {
	if strings.HasPrefix(s, "\"") || strings.HasPrefix(s, "'") {
		return strings.Trim(s, "\"'")
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// splitCSV splits items like "\"a\",\"b\"" or "a, b" into []string (trimmed, unquoted)
func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		p = strings.Trim(p, "\"'")
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseTerms(list []any) ([]Expr, error) {
	out := make([]Expr, 0, len(list))
	for _, it := range list {
		t, err := ParseCondition(it)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func andOf(terms []Expr) Expr {
	switch len(terms) {
	case 0:
		return &TrueExpr{}
	case 1:
		return terms[0]
	}
	return &AndExpr{Terms: terms}
}

func toStrings(raw any) []string {
	switch v := raw.(type) {
	case []string:
		return v
	case string:
		return splitCSV(v)
	case []any:
		out := make([]string, 0, len(v))
		for _, it := range v {
			out = append(out, fmt.Sprint(it))
		}
		return out
	}
	return nil
}
