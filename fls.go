package access

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// RestrictedValue replaces fields that are visible but not readable.
const RestrictedValue = "[RESTRICTED]"

const fullMask = "***"

type fieldRuleAlias FieldLevelSecurityRule

// UnmarshalJSON defaults IsVisible, IsReadable and IsActive to true so that a
// rule carrying only a masking pattern does not hide the column.
func (r *FieldLevelSecurityRule) UnmarshalJSON(b []byte) error {
	a := fieldRuleAlias{IsVisible: true, IsReadable: true, IsActive: true}
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*r = FieldLevelSecurityRule(a)
	return nil
}

func (r *FieldLevelSecurityRule) UnmarshalYAML(node *yaml.Node) error {
	a := fieldRuleAlias{IsVisible: true, IsReadable: true, IsActive: true}
	if err := node.Decode(&a); err != nil {
		return err
	}
	*r = FieldLevelSecurityRule(a)
	return nil
}

// MaskValue applies a masking pattern. Supported patterns are "***" (full
// mask), "show_last_N" and "show_first_N". Unknown patterns mask fully.
// Masking an already-masked value yields the same value.
func MaskValue(v any, pattern string) any {
	if v == nil {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		s = fmt.Sprint(v)
	}
	switch {
	case pattern == fullMask || pattern == "full":
		return fullMask
	case strings.HasPrefix(pattern, "show_last_"):
		n, err := strconv.Atoi(strings.TrimPrefix(pattern, "show_last_"))
		if err != nil || n < 0 {
			return fullMask
		}
		r := []rune(s)
		if len(r) <= n {
			return s
		}
		return strings.Repeat("*", len(r)-n) + string(r[len(r)-n:])
	case strings.HasPrefix(pattern, "show_first_"):
		n, err := strconv.Atoi(strings.TrimPrefix(pattern, "show_first_"))
		if err != nil || n < 0 {
			return fullMask
		}
		r := []rune(s)
		if len(r) <= n {
			return s
		}
		return string(r[:n]) + strings.Repeat("*", len(r)-n)
	}
	return fullMask
}

// applyFieldRules returns a filtered copy of record. Per column the
// precedence is: invisible (dropped) > unreadable (RestrictedValue) >
// masked (highest-priority pattern) > unchanged.
func applyFieldRules(rules []*FieldLevelSecurityRule, record map[string]any, actx AccessContext, roles []string) map[string]any {
	byColumn := make(map[string][]*FieldLevelSecurityRule)
	for _, r := range rules {
		if r != nil && r.IsActive && r.AppliesTo.matches(actx, roles) {
			byColumn[r.Column] = append(byColumn[r.Column], r)
		}
	}
	out := make(map[string]any, len(record))
	for col, val := range record {
		rs := byColumn[col]
		if len(rs) == 0 {
			out[col] = val
			continue
		}
		sort.SliceStable(rs, func(i, j int) bool { return rs[i].Priority > rs[j].Priority })
		visible, readable, mask := true, true, ""
		for _, r := range rs {
			if !r.IsVisible {
				visible = false
			}
			if !r.IsReadable {
				readable = false
			}
			if mask == "" && r.MaskingPattern != "" {
				mask = r.MaskingPattern
			}
		}
		switch {
		case !visible:
		case !readable:
			out[col] = RestrictedValue
		case mask != "":
			out[col] = MaskValue(val, mask)
		default:
			out[col] = val
		}
	}
	return out
}
