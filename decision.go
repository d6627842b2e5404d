package access

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	reasonUserInactive = "user not found or inactive"
	reasonInsufficient = "insufficient permissions"
	reasonTimeout      = "evaluation timed out"
	reasonUnavailable  = "authorization unavailable"
	reasonGranted      = "access granted"
)

// evaluation accumulates one decision and, for Explain, its trace.
type evaluation struct {
	d     AccessDecision
	trace bool
}

func (ev *evaluation) step(stage Stage, v Verdict, detail string) {
	if ev.trace {
		ev.d.Trace = append(ev.d.Trace, TraceStep{Stage: stage, Verdict: v, Detail: detail})
	}
}

func (ev *evaluation) deny(stage Stage, reason string) AccessDecision {
	ev.step(stage, VerdictDeny, reason)
	ev.d.Granted = false
	ev.d.Stage = stage
	ev.d.Reason = reason
	return ev.d
}

// CheckAccess evaluates actx against the current directory state. Denials are
// decisions, not errors. A non-nil error means the engine could not finish
// (datastore failure, timeout); the returned decision is then always a deny.
// The decision carries internal reasons; use Public before handing it to a
// non-administrative caller.
func (e *Engine) CheckAccess(ctx context.Context, actx AccessContext) (AccessDecision, error) {
	return e.decide(ctx, actx, false)
}

// Explain runs the same pipeline as CheckAccess and records a stage trace.
func (e *Engine) Explain(ctx context.Context, actx AccessContext) (AccessDecision, error) {
	return e.decide(ctx, actx, true)
}

// CheckAccessBatch evaluates requests in order. Every slot holds a decision;
// the first error is returned alongside.
func (e *Engine) CheckAccessBatch(ctx context.Context, requests []AccessContext) ([]AccessDecision, error) {
	decisions := make([]AccessDecision, len(requests))
	var firstErr error
	for i, req := range requests {
		d, err := e.CheckAccess(ctx, req)
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("request %d: %w", i, err)
		}
		decisions[i] = d
	}
	return decisions, firstErr
}

func (e *Engine) decide(ctx context.Context, actx AccessContext, trace bool) (AccessDecision, error) {
	start := time.Now()
	actx = actx.WithTimestamp(e.now())
	var (
		d   AccessDecision
		err error
	)
	for attempt := 0; ; attempt++ {
		d, err = e.evaluate(ctx, actx, trace)
		if !errors.Is(err, ErrSnapshotStale) || attempt >= e.snapshotRetries {
			break
		}
		e.log.Debug("directory changed during evaluation, retrying", "attempt", attempt+1)
	}
	if err != nil {
		d = e.failClosed(ctx, actx, d, err)
	}
	d.Timestamp = actx.Timestamp
	e.record(ctx, actx, d, time.Since(start))
	return d, err
}

func (e *Engine) evaluate(ctx context.Context, actx AccessContext, trace bool) (AccessDecision, error) {
	ev := &evaluation{trace: trace, d: AccessDecision{RiskLevel: RiskLow}}
	if err := actx.Validate(); err != nil {
		return ev.deny(StageValidate, err.Error()), nil
	}
	if err := ctx.Err(); err != nil {
		return ev.d, err
	}
	dir, release, err := e.store.Snapshot(ctx)
	if err != nil {
		return ev.d, fmt.Errorf("snapshot: %w", err)
	}
	d, err := e.pipeline(ctx, dir, actx, ev)
	if rerr := release(); err == nil && rerr != nil {
		return d, rerr
	}
	return d, err
}

func (e *Engine) pipeline(ctx context.Context, dir Directory, actx AccessContext, ev *evaluation) (AccessDecision, error) {
	u, err := dir.GetUser(ctx, actx.UserID)
	switch {
	case errors.Is(err, ErrNotFound):
		return ev.deny(StageUser, reasonUserInactive), nil
	case err != nil:
		return ev.d, fmt.Errorf("get user %s: %w", actx.UserID, err)
	case !u.IsActive:
		return ev.deny(StageUser, reasonUserInactive), nil
	}
	ev.step(StageUser, VerdictUndecided, "user "+u.ID)

	if loc := e.risk.ResolveLocation(ctx, actx); loc != nil {
		actx = actx.WithLocation(loc)
	}
	risk := e.risk.Assess(ctx, actx, dir)
	ev.d.RiskScore, ev.d.RiskLevel = risk.Score, risk.Level
	ectx := &EvalContext{Access: &actx, User: u}

	roles, err := e.roles.EffectiveRoles(ctx, dir, u.RoleID)
	if err != nil {
		return ev.d, err
	}

	// explicit policy verdicts outrank everything below
	if err := ctx.Err(); err != nil {
		return ev.d, err
	}
	pr, err := e.policies.Evaluate(ctx, dir, ectx, roles)
	if err != nil {
		return ev.d, err
	}
	ev.d.ApplicablePolicies = pr.Applicable
	switch pr.Verdict {
	case VerdictDeny:
		return ev.deny(StagePolicy, "denied by policy "+policyLabel(pr.Deciding)), nil
	case VerdictAllow:
		return e.grant(ctx, dir, ev, actx, risk, StagePolicy, "allowed by policy "+policyLabel(pr.Deciding))
	}
	ev.step(StagePolicy, VerdictUndecided, fmt.Sprintf("%d applicable", len(pr.Applicable)))

	if err := ctx.Err(); err != nil {
		return ev.d, err
	}
	baseline, permID, err := e.roles.Check(ctx, dir, roles, ectx)
	if err != nil {
		return ev.d, err
	}
	if baseline == VerdictAllow {
		ev.step(StageRBAC, baseline, "permission "+permID)
	} else {
		ev.step(StageRBAC, baseline, "no matching permission")
	}

	if err := ctx.Err(); err != nil {
		return ev.d, err
	}
	or, err := e.overrides.Resolve(ctx, dir, ectx)
	if err != nil {
		return ev.d, err
	}
	stage := StageRBAC
	if or.Verdict != VerdictUndecided {
		baseline, stage = or.Verdict, StageOverride
		ev.step(StageOverride, or.Verdict, "override "+or.Override.ID)
	}
	if baseline != VerdictAllow {
		return ev.deny(stage, reasonInsufficient), nil
	}

	if err := ctx.Err(); err != nil {
		return ev.d, err
	}
	av, rule, err := e.abac.Evaluate(ctx, ectx)
	if err != nil {
		e.log.Warn("attribute rule failed", "user_id", actx.UserID, "error", err)
		return ev.deny(StageABAC, "attribute rule error"), nil
	}
	if av == VerdictDeny {
		return ev.deny(StageABAC, "denied by attribute rule "+rule), nil
	}
	ev.step(StageABAC, VerdictUndecided, "")

	if err := ctx.Err(); err != nil {
		return ev.d, err
	}
	rv, group, err := e.restrictions.Evaluate(ctx, dir, ectx, roles)
	if err != nil {
		return ev.d, err
	}
	if rv == VerdictDeny {
		return ev.deny(StageRestriction, "restricted by group "+group), nil
	}
	ev.step(StageRestriction, VerdictUndecided, "")

	return e.grant(ctx, dir, ev, actx, risk, StageGrant, reasonGranted)
}

func (e *Engine) grant(ctx context.Context, dir Directory, ev *evaluation, actx AccessContext, risk RiskAssessment, stage Stage, reason string) (AccessDecision, error) {
	if err := ctx.Err(); err != nil {
		return ev.d, err
	}
	mfa, err := requiresMFA(ctx, dir, actx, risk.Score)
	if err != nil {
		return ev.d, err
	}
	ev.d.RequiresMFA = mfa
	ev.d.Granted = true
	ev.d.Stage = stage
	ev.d.Reason = reason
	ev.step(stage, VerdictAllow, reason)
	return ev.d, nil
}

// requiresMFA: high risk always; sensitive actions and resources only for
// users who have a factor to use.
func requiresMFA(ctx context.Context, dir Directory, actx AccessContext, score float64) (bool, error) {
	if score >= MFAThreshold {
		return true, nil
	}
	if !IsHighRiskAction(actx.Action) && !IsSensitiveResource(actx.ResourceType) {
		return false, nil
	}
	methods, err := dir.ListMFAMethods(ctx, actx.UserID)
	if err != nil {
		return false, fmt.Errorf("list mfa methods: %w", err)
	}
	return hasEnabledMethod(methods), nil
}

// failClosed turns an evaluation error into a deny and raises the matching
// security event.
func (e *Engine) failClosed(ctx context.Context, actx AccessContext, partial AccessDecision, err error) AccessDecision {
	d := AccessDecision{
		RiskScore:          partial.RiskScore,
		RiskLevel:          partial.RiskLevel,
		ApplicablePolicies: partial.ApplicablePolicies,
		Trace:              partial.Trace,
	}
	if d.RiskLevel == "" {
		d.RiskLevel = RiskLow
	}
	bg := context.WithoutCancel(ctx)
	ev := &SecurityEvent{
		UserID: actx.UserID,
		IP:     ipString(actx),
		Details: map[string]any{
			"resource_type": actx.ResourceType,
			"resource_id":   actx.ResourceID,
			"action":        string(actx.Action),
			"error":         err.Error(),
		},
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		d.Stage, d.Reason = StageTimeout, reasonTimeout
		ev.Type, ev.Severity = EventEvaluationTimeout, SeverityHigh
	} else {
		d.Stage, d.Reason = StageError, reasonUnavailable
		ev.Type, ev.Severity = EventDatastoreFailure, SeverityCritical
	}
	if partial.Trace != nil {
		d.Trace = append(d.Trace, TraceStep{Stage: d.Stage, Verdict: VerdictDeny, Detail: err.Error()})
	}
	e.auditor.Event(bg, ev)
	return d
}

func (e *Engine) record(ctx context.Context, actx AccessContext, d AccessDecision, elapsed time.Duration) {
	e.metrics.decision(d, elapsed)
	e.log.Info("access decision",
		"user_id", actx.UserID,
		"resource_type", actx.ResourceType,
		"resource_id", actx.ResourceID,
		"action", string(actx.Action),
		"granted", d.Granted,
		"stage", string(d.Stage),
		"risk_score", d.RiskScore,
		"requires_mfa", d.RequiresMFA,
		"elapsed", elapsed,
	)
	bg := context.WithoutCancel(ctx)
	e.auditor.Record(bg, &AuditLog{
		ActorID:      actx.UserID,
		Action:       string(actx.Action),
		ResourceType: actx.ResourceType,
		ResourceID:   actx.ResourceID,
		IP:           ipString(actx),
		Location:     actx.Location.Key(),
		RiskScore:    d.RiskScore,
		Granted:      d.Granted,
		Reason:       d.Reason,
		Timestamp:    d.Timestamp,
	})
	if !d.Granted && d.Stage != StageError && d.Stage != StageTimeout &&
		(d.RiskLevel == RiskHigh || d.RiskLevel == RiskCritical) {
		e.auditor.Event(bg, &SecurityEvent{
			Type:     EventHighRiskDenied,
			Severity: SeverityHigh,
			UserID:   actx.UserID,
			IP:       ipString(actx),
			Details: map[string]any{
				"resource_type": actx.ResourceType,
				"action":        string(actx.Action),
				"risk_score":    d.RiskScore,
				"stage":         string(d.Stage),
			},
		})
	}
}

// ApplyRowLevelSecurity ANDs every matching row rule for table onto pred.
func (e *Engine) ApplyRowLevelSecurity(ctx context.Context, pred *Predicate, table string, actx AccessContext) (*Predicate, error) {
	if pred == nil {
		pred = NewPredicate("", nil)
	}
	dir, release, err := e.store.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	defer func() { _ = release() }()
	u, roles, err := e.subject(ctx, dir, actx.UserID)
	if err != nil {
		return nil, err
	}
	rules, err := dir.ListRowRules(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("list row rules: %w", err)
	}
	return applyRowRules(rules, pred, actx, u, roles), nil
}

// ApplyFieldLevelSecurity returns a copy of record filtered by the column
// rules of table.
func (e *Engine) ApplyFieldLevelSecurity(ctx context.Context, record map[string]any, table string, actx AccessContext) (map[string]any, error) {
	dir, release, err := e.store.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	defer func() { _ = release() }()
	_, roles, err := e.subject(ctx, dir, actx.UserID)
	if err != nil {
		return nil, err
	}
	rules, err := dir.ListFieldRules(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("list field rules: %w", err)
	}
	return applyFieldRules(rules, record, actx, roles), nil
}

// subject returns the user (nil when unknown) and the effective roles.
func (e *Engine) subject(ctx context.Context, dir Directory, userID string) (*User, []string, error) {
	u, err := dir.GetUser(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get user %s: %w", userID, err)
	}
	roles, err := e.roles.EffectiveRoles(ctx, dir, u.RoleID)
	if err != nil {
		return nil, nil, err
	}
	return u, roles, nil
}
