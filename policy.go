package access

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/oarkflow/access/logger"
	"github.com/oarkflow/access/utils"
)

// ============================================================================
// POLICY INDEX
// ============================================================================

// PolicyIndex holds active policies sorted by descending priority (ties by
// name, then id) and bucketed by action.
type PolicyIndex struct {
	version  uint64
	sorted   []*SecurityPolicy
	byAction map[Action][]*SecurityPolicy
	wildcard []*SecurityPolicy
}

// NewPolicyIndex builds an index over policies. Inactive policies are dropped.
func NewPolicyIndex(version uint64, policies []*SecurityPolicy) *PolicyIndex {
	idx := &PolicyIndex{version: version, byAction: make(map[Action][]*SecurityPolicy)}
	for _, p := range policies {
		if p != nil && p.IsActive {
			idx.sorted = append(idx.sorted, p)
		}
	}
	SortPolicies(idx.sorted)

	exact := make(map[Action]bool)
	for _, p := range idx.sorted {
		if isWildcardPolicy(p) {
			idx.wildcard = append(idx.wildcard, p)
			continue
		}
		for _, a := range p.Actions {
			exact[a] = true
		}
	}
	for a := range exact {
		for _, p := range idx.sorted {
			if policyCoversAction(p, a) {
				idx.byAction[a] = append(idx.byAction[a], p)
			}
		}
	}
	return idx
}

// SortPolicies orders policies for evaluation.
func SortPolicies(ps []*SecurityPolicy) {
	sort.SliceStable(ps, func(i, j int) bool {
		if ps[i].Priority != ps[j].Priority {
			return ps[i].Priority > ps[j].Priority
		}
		if ps[i].Name != ps[j].Name {
			return ps[i].Name < ps[j].Name
		}
		return ps[i].ID < ps[j].ID
	})
}

// Candidates returns the policies that may apply to action, in evaluation order.
func (idx *PolicyIndex) Candidates(action Action) []*SecurityPolicy {
	if list, ok := idx.byAction[action]; ok {
		return list
	}
	return idx.wildcard
}

// Len is the number of indexed policies.
func (idx *PolicyIndex) Len() int { return len(idx.sorted) }

func isWildcardPolicy(p *SecurityPolicy) bool {
	if len(p.Actions) == 0 {
		return true
	}
	for _, a := range p.Actions {
		if strings.Contains(string(a), "*") {
			return true
		}
	}
	return false
}

func policyCoversAction(p *SecurityPolicy, a Action) bool {
	if len(p.Actions) == 0 {
		return true
	}
	for _, pa := range p.Actions {
		if utils.Match(string(a), string(pa)) {
			return true
		}
	}
	return false
}

// ============================================================================
// EVALUATOR
// ============================================================================

// PolicyResult is the PBAC stage outcome.
type PolicyResult struct {
	Verdict    Verdict
	Deciding   *SecurityPolicy
	Applicable []string
}

// PolicyEvaluator evaluates SecurityPolicies. The index is rebuilt whenever
// the directory version changes.
type PolicyEvaluator struct {
	mu  sync.Mutex
	idx atomic.Pointer[PolicyIndex]
	log logger.Logger
}

func NewPolicyEvaluator(log logger.Logger) *PolicyEvaluator {
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &PolicyEvaluator{log: log}
}

// Index returns an index matching dir's version, rebuilding if needed.
func (pe *PolicyEvaluator) Index(ctx context.Context, dir Directory) (*PolicyIndex, error) {
	v := dir.Version()
	if idx := pe.idx.Load(); idx != nil && idx.version == v {
		return idx, nil
	}
	policies, err := dir.ListActivePolicies(ctx)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	idx := NewPolicyIndex(v, policies)
	pe.mu.Lock()
	if cur := pe.idx.Load(); cur == nil || cur.version <= v {
		pe.idx.Store(idx)
	}
	pe.mu.Unlock()
	return idx, nil
}

// Invalidate drops the cached index.
func (pe *PolicyEvaluator) Invalidate() { pe.idx.Store(nil) }

// Evaluate walks candidates in priority order. The first policy whose scope
// and condition match decides. Names of every in-scope policy visited are
// returned in Applicable.
func (pe *PolicyEvaluator) Evaluate(ctx context.Context, dir Directory, ectx *EvalContext, roles []string) (PolicyResult, error) {
	idx, err := pe.Index(ctx, dir)
	if err != nil {
		return PolicyResult{Verdict: VerdictDeny}, err
	}
	var res PolicyResult
	actx := ectx.Access
	resource := actx.ResourceType
	if actx.ResourceID != "" {
		resource += ":" + actx.ResourceID
	}
	for _, p := range idx.Candidates(actx.Action) {
		if !utils.MatchAny(resource, p.Resources) || !policyCoversAction(p, actx.Action) {
			continue
		}
		if !subjectMatches(p.Subjects, actx.UserID, roles) {
			continue
		}
		res.Applicable = append(res.Applicable, policyLabel(p))
		ok, err := p.Condition.Eval(ectx)
		if err != nil {
			pe.log.Warn("policy condition failed", "policy", p.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		switch p.Effect {
		case EffectDeny:
			res.Verdict = VerdictDeny
		case EffectAllow:
			res.Verdict = VerdictAllow
		default:
			continue
		}
		res.Deciding = p
		return res, nil
	}
	return res, nil
}

func policyLabel(p *SecurityPolicy) string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}

// subjectMatches accepts "*", "user:<id>", "role:<id>" or a bare id that is
// compared against both the user and the roles. An empty list matches all.
func subjectMatches(subjects []string, userID string, roles []string) bool {
	if len(subjects) == 0 {
		return true
	}
	for _, s := range subjects {
		switch {
		case s == "*":
			return true
		case strings.HasPrefix(s, "user:"):
			if s[5:] == userID {
				return true
			}
		case strings.HasPrefix(s, "role:"):
			if containsString(roles, s[5:]) {
				return true
			}
		default:
			if s == userID || containsString(roles, s) {
				return true
			}
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
