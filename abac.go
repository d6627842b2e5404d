package access

import "context"

// AttributeRule is an ABAC hook. Returning VerdictDeny denies the request;
// any other verdict lets it continue.
type AttributeRule interface {
	Name() string
	Evaluate(ctx context.Context, ectx *EvalContext) (Verdict, error)
}

// ConditionRule adapts a Condition into a deny rule: when the condition
// matches, the request is denied.
type ConditionRule struct {
	RuleName string
	DenyWhen Condition
}

func (r ConditionRule) Name() string { return r.RuleName }

func (r ConditionRule) Evaluate(_ context.Context, ectx *EvalContext) (Verdict, error) {
	if r.DenyWhen.IsZero() {
		return VerdictUndecided, nil
	}
	ok, err := r.DenyWhen.Eval(ectx)
	if err != nil {
		return VerdictUndecided, err
	}
	if ok {
		return VerdictDeny, nil
	}
	return VerdictUndecided, nil
}

// ABACEvaluator is permissive by default: with no registered rules every
// request passes.
type ABACEvaluator struct {
	rules []AttributeRule
}

func NewABACEvaluator(rules ...AttributeRule) *ABACEvaluator {
	return &ABACEvaluator{rules: rules}
}

// Evaluate returns VerdictDeny and the rule name for the first denying rule.
// A rule that errors is skipped and its error returned alongside the verdict
// of the remaining rules.
func (a *ABACEvaluator) Evaluate(ctx context.Context, ectx *EvalContext) (Verdict, string, error) {
	var firstErr error
	for _, r := range a.rules {
		v, err := r.Evaluate(ctx, ectx)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if v == VerdictDeny {
			return VerdictDeny, r.Name(), firstErr
		}
	}
	return VerdictUndecided, "", firstErr
}
