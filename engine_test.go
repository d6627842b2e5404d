package access_test

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/oarkflow/squealx"

	"github.com/oarkflow/access"
	"github.com/oarkflow/access/logger"
	"github.com/oarkflow/access/stores"
)

// Monday 10:00 UTC keeps the time-of-day risk signals quiet.
var monday = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type fixture struct {
	store *stores.MemoryStore
	eng   *access.Engine
	now   time.Time
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

// newFixture seeds a three-level role chain:
//
//	admin -> editor -> viewer
//
// alice is admin, carol editor, bob viewer; dave is inactive.
func newFixture(t *testing.T, opts ...access.EngineOption) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{store: stores.NewMemoryStore(), now: monday}
	base := []access.EngineOption{
		access.WithLogger(logger.NewNullLogger()),
		access.WithAuditBuffer(0),
		access.WithClock(func() time.Time { return f.now }),
	}
	eng, err := access.NewEngine(f.store, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	f.eng = eng

	cfg := access.NewConfigBuilder().
		AddRole(access.NewRoleBuilder("viewer").Build()).
		AddRole(access.NewRoleBuilder("editor").Parent("viewer").Build()).
		AddRole(access.NewRoleBuilder("admin").Parent("editor").Build()).
		AddPermission(access.NewPermission("doc-read", "doc", "read")).
		AddPermission(access.NewPermission("doc-write", "doc", "write")).
		AddPermission(access.NewPermission("doc-delete", "doc", "delete")).
		AddPermission(access.NewPermission("fin-read", "financial", "read")).
		Grant("viewer", "doc-read").
		Grant("editor", "doc-write").
		Grant("admin", "doc-delete").
		AddUser("alice", "admin").
		AddUser("carol", "editor").
		Build()
	cfg.Users = append(cfg.Users,
		&access.User{ID: "bob", RoleID: "viewer", BranchID: "b1", TenantID: "t1", IsActive: true},
		&access.User{ID: "dave", RoleID: "admin", IsActive: false},
	)
	if err := eng.ApplyConfig(ctx, "setup", cfg); err != nil {
		t.Fatalf("apply config: %v", err)
	}
	return f
}

func req(user, resource string, action access.Action) access.AccessContext {
	return access.AccessContext{UserID: user, ResourceType: resource, Action: action, IP: net.ParseIP("10.0.0.1")}
}

func (f *fixture) check(t *testing.T, actx access.AccessContext) access.AccessDecision {
	t.Helper()
	d, err := f.eng.CheckAccess(context.Background(), actx)
	if err != nil {
		t.Fatalf("check access: %v", err)
	}
	return d
}

func (f *fixture) events(t *testing.T, typ string) []*access.SecurityEvent {
	t.Helper()
	evs, err := f.store.ListSecurityEvents(context.Background(), access.AuditFilter{Type: typ})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	return evs
}

func TestCheckAccessRoleHierarchy(t *testing.T) {
	f := newFixture(t)
	if d := f.check(t, req("alice", "doc", "read")); !d.Granted || d.Stage != access.StageGrant {
		t.Fatalf("admin should inherit viewer read: %+v", d)
	}
	if d := f.check(t, req("carol", "doc", "write")); !d.Granted {
		t.Fatalf("editor should write: %+v", d)
	}
	d := f.check(t, req("bob", "doc", "write"))
	if d.Granted || d.Stage != access.StageRBAC || d.Reason != "insufficient permissions" {
		t.Fatalf("viewer must not write: %+v", d)
	}
	if d.RiskLevel != access.RiskLow {
		t.Fatalf("expected low risk, got %s", d.RiskLevel)
	}
}

func TestCheckAccessUnknownAndInactiveUsers(t *testing.T) {
	f := newFixture(t)
	for _, user := range []string{"nobody", "dave"} {
		d := f.check(t, req(user, "doc", "read"))
		if d.Granted || d.Stage != access.StageUser || d.Reason != "user not found or inactive" {
			t.Fatalf("%s: unexpected decision %+v", user, d)
		}
	}
}

func TestCheckAccessRejectsIncompleteContext(t *testing.T) {
	f := newFixture(t)
	d, err := f.eng.CheckAccess(context.Background(), access.AccessContext{UserID: "alice", ResourceType: "doc"})
	if err != nil {
		t.Fatalf("an invalid context is a denial, not an error: %v", err)
	}
	if d.Granted || d.Stage != access.StageValidate {
		t.Fatalf("unexpected decision %+v", d)
	}
}

func TestPublicDecisionHidesInternals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := access.NewPolicyBuilder("p-freeze").Name("finance-freeze").Deny().Priority(50).
		Resources("doc:*").Actions("write").Build()
	if err := f.eng.SavePolicy(ctx, "admin", p); err != nil {
		t.Fatalf("save policy: %v", err)
	}
	d, err := f.eng.Explain(ctx, req("carol", "doc", "write"))
	if err != nil {
		t.Fatalf("explain: %v", err)
	}
	if d.Granted || len(d.ApplicablePolicies) == 0 || len(d.Trace) == 0 {
		t.Fatalf("expected an explained deny: %+v", d)
	}
	pub := d.Public()
	if pub.Reason != "access denied" || pub.ApplicablePolicies != nil || pub.Trace != nil || pub.Stage != "" {
		t.Fatalf("public decision leaks details: %+v", pub)
	}
	if pub.RiskScore != d.RiskScore || pub.RequiresMFA != d.RequiresMFA {
		t.Fatalf("public decision lost risk fields: %+v", pub)
	}
}

func TestDenyPolicyOutranksRoleGrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	deny := access.NewPolicyBuilder("p1").Name("no-deletes").Deny().Priority(100).
		Resources("doc:*").Actions("delete").Subjects("role:admin").Build()
	allow := access.NewPolicyBuilder("p2").Name("allow-deletes").Allow().Priority(10).
		Resources("doc:*").Actions("delete").Build()
	for _, p := range []*access.SecurityPolicy{allow, deny} {
		if err := f.eng.SavePolicy(ctx, "admin", p); err != nil {
			t.Fatalf("save policy: %v", err)
		}
	}
	actx := req("alice", "doc", "delete")
	actx.ResourceID = "42"
	d := f.check(t, actx)
	if d.Granted || d.Stage != access.StagePolicy || d.Reason != "denied by policy no-deletes" {
		t.Fatalf("deny policy must win: %+v", d)
	}
	if len(d.ApplicablePolicies) == 0 || d.ApplicablePolicies[0] != "no-deletes" {
		t.Fatalf("applicable policies: %v", d.ApplicablePolicies)
	}

	// the deny targets admins only, so bob falls through to the allow
	actx.UserID = "bob"
	d = f.check(t, actx)
	if !d.Granted || d.Stage != access.StagePolicy {
		t.Fatalf("allow policy should grant bob: %+v", d)
	}
}

func TestActionOnlyDenyPolicyCoversEveryResource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := access.NewPolicyBuilder("p-nodel").Name("no-deletes").Deny().Priority(100).Actions("delete").Build()
	if err := access.ValidatePolicy(p); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := f.eng.SavePolicy(ctx, "admin", p); err != nil {
		t.Fatalf("save policy: %v", err)
	}
	// alice's admin role grants doc delete
	d := f.check(t, req("alice", "doc", "delete"))
	if d.Granted || d.Stage != access.StagePolicy || d.Reason != "denied by policy no-deletes" {
		t.Fatalf("deny policy must win over the role grant: %+v", d)
	}
	if len(d.ApplicablePolicies) != 1 || d.ApplicablePolicies[0] != "no-deletes" {
		t.Fatalf("applicable policies: %v", d.ApplicablePolicies)
	}
	if d := f.check(t, req("alice", "financial", "delete")); d.Granted || d.Stage != access.StagePolicy {
		t.Fatalf("policy without resources should match any resource: %+v", d)
	}
	if d := f.check(t, req("alice", "doc", "write")); !d.Granted {
		t.Fatalf("other actions unaffected: %+v", d)
	}
}

func TestPolicyConditionScopesByCountry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := access.NewPolicyBuilder("p-geo").Name("embargo").Deny().Priority(90).
		Resources("doc").Actions("*").
		When(access.NewConditionBuilder().Countries("KP").Build()).Build()
	if err := f.eng.SavePolicy(ctx, "admin", p); err != nil {
		t.Fatalf("save policy: %v", err)
	}
	actx := req("alice", "doc", "read")
	actx.Location = &access.Location{Country: "kp"}
	if d := f.check(t, actx); d.Granted || d.Reason != "denied by policy embargo" {
		t.Fatalf("expected embargo deny: %+v", d)
	}
	actx.Location = &access.Location{Country: "US"}
	if d := f.check(t, actx); !d.Granted {
		t.Fatalf("condition should not match US: %+v", d)
	}
}

func TestOverrideNeedsApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := access.NewOverrideBuilder("carol", "doc-delete").ID("o1").Grant().NeedsApproval().Reason("cleanup").Build()
	if err := f.eng.SaveOverride(ctx, "admin", o); err != nil {
		t.Fatalf("save override: %v", err)
	}
	if d := f.check(t, req("carol", "doc", "delete")); d.Granted {
		t.Fatalf("unapproved override must be ignored: %+v", d)
	}
	f.advance(time.Minute)
	if err := f.eng.ApproveOverride(ctx, "alice", "o1"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := f.eng.ApproveOverride(ctx, "alice", "o1"); !errors.Is(err, access.ErrInvalidState) {
		t.Fatalf("second approval: expected ErrInvalidState, got %v", err)
	}
	if d := f.check(t, req("carol", "doc", "delete")); !d.Granted {
		t.Fatalf("approved override should grant: %+v", d)
	}
}

func TestRevokingOverrideBeatsRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := access.NewOverrideBuilder("alice", "doc-read").ID("o-revoke").Revoke().ExpiresAt(monday.Add(time.Hour)).Build()
	if err := f.eng.SaveOverride(ctx, "admin", o); err != nil {
		t.Fatalf("save override: %v", err)
	}
	d := f.check(t, req("alice", "doc", "read"))
	if d.Granted || d.Stage != access.StageOverride {
		t.Fatalf("revoking override should deny: %+v", d)
	}
	f.advance(2 * time.Hour)
	if d := f.check(t, req("alice", "doc", "read")); !d.Granted {
		t.Fatalf("expired override must not apply: %+v", d)
	}
}

func TestRestrictionGroupBlocksCountry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g, err := access.NewRestrictionGroupBuilder("g1").Name("embargoed").Roles("viewer").BlockCountries("KP").Build()
	if err != nil {
		t.Fatalf("build group: %v", err)
	}
	if err := f.eng.SaveRestrictionGroup(ctx, "admin", g); err != nil {
		t.Fatalf("save group: %v", err)
	}
	actx := req("bob", "doc", "read")
	actx.Location = &access.Location{Country: "KP"}
	d := f.check(t, actx)
	if d.Granted || d.Stage != access.StageRestriction || d.Reason != "restricted by group embargoed" {
		t.Fatalf("expected restriction deny: %+v", d)
	}
	actx.Location = &access.Location{Country: "US"}
	if d := f.check(t, actx); !d.Granted {
		t.Fatalf("US should pass: %+v", d)
	}
	// restrictions never grant
	if d := f.check(t, req("bob", "doc", "write")); d.Granted {
		t.Fatalf("restriction group granted access: %+v", d)
	}
}

func TestAttributeRuleDenies(t *testing.T) {
	f := newFixture(t, access.WithAttributeRules(access.ConditionRule{
		RuleName: "large-amount",
		DenyWhen: access.MustCondition("attrs.amount >= 1000"),
	}))
	actx := req("alice", "doc", "read")
	actx.Attrs = map[string]any{"amount": 5000}
	d := f.check(t, actx)
	if d.Granted || d.Stage != access.StageABAC || d.Reason != "denied by attribute rule large-amount" {
		t.Fatalf("expected abac deny: %+v", d)
	}
	actx.Attrs = map[string]any{"amount": 10}
	if d := f.check(t, actx); !d.Granted {
		t.Fatalf("small amount should pass: %+v", d)
	}
}

type failingRule struct{}

func (failingRule) Name() string { return "broken" }
func (failingRule) Evaluate(context.Context, *access.EvalContext) (access.Verdict, error) {
	return access.VerdictUndecided, errors.New("lookup failed")
}

func TestAttributeRuleErrorDenies(t *testing.T) {
	f := newFixture(t, access.WithAttributeRules(failingRule{}))
	d := f.check(t, req("alice", "doc", "read"))
	if d.Granted || d.Reason != "attribute rule error" {
		t.Fatalf("expected fail-closed abac deny: %+v", d)
	}
}

func TestRequiresMFAForSensitiveActions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.check(t, req("alice", "doc", "delete"))
	if !d.Granted || d.RequiresMFA {
		t.Fatalf("without a factor MFA cannot be required: %+v", d)
	}
	mfa, err := f.eng.MFA()
	if err != nil {
		t.Fatalf("mfa: %v", err)
	}
	if _, err := mfa.AddMethod(ctx, "alice", access.FactorSMS, "+15550100"); err != nil {
		t.Fatalf("add method: %v", err)
	}
	d = f.check(t, req("alice", "doc", "delete"))
	if !d.Granted || !d.RequiresMFA {
		t.Fatalf("enrolled user should be stepped up: %+v", d)
	}
	if d := f.check(t, req("alice", "doc", "read")); d.RequiresMFA {
		t.Fatalf("plain read should not need MFA: %+v", d)
	}
}

func TestHighRiskRequiresMFAAndRecordsDenials(t *testing.T) {
	rep, err := access.NewStaticIPReputation([]string{"203.0.113.0/24"})
	if err != nil {
		t.Fatalf("reputation: %v", err)
	}
	f := newFixture(t, access.WithIPReputation(rep))
	actx := req("alice", "doc", "delete")
	actx.IP = net.ParseIP("203.0.113.9")
	d := f.check(t, actx)
	// suspicious ip + sensitive action + untrusted device
	if !d.Granted || !d.RequiresMFA || d.RiskLevel != access.RiskCritical || d.RiskScore != 0.9 {
		t.Fatalf("unexpected decision %+v", d)
	}
	actx.UserID = "bob"
	if d := f.check(t, actx); d.Granted {
		t.Fatalf("bob cannot delete: %+v", d)
	}
	if evs := f.events(t, access.EventHighRiskDenied); len(evs) != 1 || evs[0].UserID != "bob" {
		t.Fatalf("expected one high-risk denial event, got %+v", evs)
	}
}

func TestCancelledContextFailsClosed(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d, err := f.eng.CheckAccess(ctx, req("alice", "doc", "read"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
	if d.Granted || d.Stage != access.StageTimeout || d.Reason != "evaluation timed out" {
		t.Fatalf("expected timeout deny: %+v", d)
	}
	evs := f.events(t, access.EventEvaluationTimeout)
	if len(evs) != 1 || evs[0].Severity != access.SeverityHigh {
		t.Fatalf("expected one high timeout event, got %+v", evs)
	}
}

func TestDeadlineFailsClosed(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	d, err := f.eng.CheckAccess(ctx, req("alice", "doc", "read"))
	if !errors.Is(err, context.DeadlineExceeded) || d.Granted {
		t.Fatalf("expected deadline deny, got %+v %v", d, err)
	}
}

func TestDatastoreFailureFailsClosed(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer sqlDB.Close()
	mock.ExpectQuery("SELECT begun, done FROM directory_meta").WillReturnError(sql.ErrConnDone)

	events := stores.NewMemoryStore()
	eng, err := access.NewEngine(stores.NewSQLStore(squealx.NewDb(sqlDB, "sqlite", "mockdb")),
		access.WithLogger(logger.NewNullLogger()),
		access.WithAuditBuffer(0),
		access.WithAuditStore(events),
		access.WithSnapshotRetries(0),
	)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer eng.Close()

	d, err := eng.CheckAccess(context.Background(), req("alice", "doc", "read"))
	if err == nil {
		t.Fatalf("expected the driver error, got %v", err)
	}
	if d.Granted || d.Stage != access.StageError || d.Reason != "authorization unavailable" {
		t.Fatalf("expected fail-closed deny: %+v", d)
	}
	evs, _ := events.ListSecurityEvents(context.Background(), access.AuditFilter{Type: access.EventDatastoreFailure})
	if len(evs) != 1 || evs[0].Severity != access.SeverityCritical {
		t.Fatalf("expected one critical datastore event, got %+v", evs)
	}
	logs, _ := events.ListAudit(context.Background(), access.AuditFilter{ActorID: "alice"})
	if len(logs) != 1 || logs[0].Granted {
		t.Fatalf("the denial must still be audited: %+v", logs)
	}
}

func TestExplainTrace(t *testing.T) {
	f := newFixture(t)
	d, err := f.eng.ExplainRequest(context.Background(), &access.ExplainRequest{UserID: "alice", Action: "read", Resource: "doc:7"})
	if err != nil {
		t.Fatalf("explain: %v", err)
	}
	if !d.Granted || len(d.Trace) < 2 {
		t.Fatalf("expected a granted trace: %+v", d)
	}
	if first, last := d.Trace[0], d.Trace[len(d.Trace)-1]; first.Stage != access.StageUser || last.Stage != access.StageGrant {
		t.Fatalf("unexpected trace bounds %v .. %v", first, last)
	}
	if plain := f.check(t, req("alice", "doc", "read")); plain.Trace != nil {
		t.Fatalf("CheckAccess must not trace")
	}
}

func TestCheckAccessBatch(t *testing.T) {
	f := newFixture(t)
	got, err := f.eng.CheckAccessBatch(context.Background(), []access.AccessContext{
		req("alice", "doc", "delete"),
		req("bob", "doc", "delete"),
		req("carol", "doc", "read"),
	})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(got) != 3 || !got[0].Granted || got[1].Granted || !got[2].Granted {
		t.Fatalf("unexpected batch %+v", got)
	}
}

func TestDecisionsAreAudited(t *testing.T) {
	f := newFixture(t)
	actx := req("bob", "doc", "write")
	actx.ResourceID = "9"
	f.check(t, actx)
	logs, err := f.eng.AuditLogs(context.Background(), access.AuditFilter{ActorID: "bob"})
	if err != nil {
		t.Fatalf("audit logs: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(logs))
	}
	l := logs[0]
	if l.Granted || l.Action != "write" || l.ResourceID != "9" || l.IP != "10.0.0.1" || !l.Timestamp.Equal(monday) {
		t.Fatalf("unexpected audit entry %+v", l)
	}
}

func TestSnapshotIsolationAcrossWrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if d := f.check(t, req("bob", "doc", "write")); d.Granted {
		t.Fatalf("bob cannot write yet")
	}
	if err := f.eng.GrantRolePermission(ctx, "admin", &access.RolePermissionMapping{RoleID: "viewer", PermissionID: "doc-write"}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if d := f.check(t, req("bob", "doc", "write")); !d.Granted {
		t.Fatalf("new mapping not visible after the write: %+v", d)
	}
}

func TestRoleCycleRejectedThroughEngine(t *testing.T) {
	f := newFixture(t)
	err := f.eng.SaveRole(context.Background(), "admin", access.NewRoleBuilder("viewer").Parent("admin").Build())
	if !errors.Is(err, access.ErrRoleCycle) {
		t.Fatalf("expected ErrRoleCycle, got %v", err)
	}
	if d := f.check(t, req("alice", "doc", "read")); !d.Granted {
		t.Fatalf("hierarchy damaged by a rejected write: %+v", d)
	}
}

func TestApplyRowLevelSecurity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rules := []*access.RowLevelSecurityRule{
		{ID: "r-branch", Table: "orders", Expression: "branch_id = {branch_id}", Priority: 10, IsActive: true, AppliesTo: access.AppliesTo{Roles: []string{"viewer"}}},
		{ID: "r-owner", Table: "orders", Expression: "owner_id = {user_id}", Priority: 5, IsActive: true, AppliesTo: access.AppliesTo{Actions: []access.Action{"write"}}},
		{ID: "r-off", Table: "orders", Expression: "1 = 0", IsActive: false},
	}
	for _, r := range rules {
		if err := f.eng.SaveRowRule(ctx, "admin", r); err != nil {
			t.Fatalf("save row rule: %v", err)
		}
	}
	base := access.NewPredicate("status = :status", map[string]any{"status": "open"})
	got, err := f.eng.ApplyRowLevelSecurity(ctx, base, "orders", req("bob", "orders", "read"))
	if err != nil {
		t.Fatalf("apply rls: %v", err)
	}
	if want := "(status = :status) AND (branch_id = :rls_branch_id)"; got.SQL() != want {
		t.Fatalf("sql = %q, want %q", got.SQL(), want)
	}
	if args := got.Args(); args["rls_branch_id"] != "b1" || args["status"] != "open" {
		t.Fatalf("unexpected args %v", args)
	}
	if len(base.Clauses()) != 1 {
		t.Fatalf("base predicate was mutated")
	}

	got, err = f.eng.ApplyRowLevelSecurity(ctx, nil, "orders", req("bob", "orders", "write"))
	if err != nil {
		t.Fatalf("apply rls: %v", err)
	}
	if want := "WHERE (branch_id = :rls_branch_id) AND (owner_id = :rls_user_id)"; got.Where() != want {
		t.Fatalf("where = %q, want %q", got.Where(), want)
	}
}

func TestApplyFieldLevelSecurity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rules := []*access.FieldLevelSecurityRule{
		{ID: "f-salary", Table: "employees", Column: "salary", IsVisible: false, IsReadable: false, IsActive: true, AppliesTo: access.AppliesTo{Roles: []string{"viewer"}}},
		{ID: "f-notes", Table: "employees", Column: "notes", IsVisible: true, IsReadable: false, IsActive: true},
		{ID: "f-ssn", Table: "employees", Column: "ssn", IsVisible: true, IsReadable: true, MaskingPattern: "show_last_4", IsActive: true},
	}
	for _, r := range rules {
		if err := f.eng.SaveFieldRule(ctx, "admin", r); err != nil {
			t.Fatalf("save field rule: %v", err)
		}
	}
	record := map[string]any{"name": "Ada", "salary": 100000, "notes": "private", "ssn": "123456789"}
	got, err := f.eng.ApplyFieldLevelSecurity(ctx, record, "employees", req("bob", "employees", "read"))
	if err != nil {
		t.Fatalf("apply fls: %v", err)
	}
	if _, ok := got["salary"]; ok {
		t.Fatalf("salary should be hidden: %v", got)
	}
	if got["notes"] != access.RestrictedValue || got["ssn"] != "*****6789" || got["name"] != "Ada" {
		t.Fatalf("unexpected record %v", got)
	}
	if record["ssn"] != "123456789" {
		t.Fatalf("input record was mutated")
	}
}

func TestListEffectivePermissions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := access.NewOverrideBuilder("alice", "doc-write").ID("o-w").Revoke().Build()
	if err := f.eng.SaveOverride(ctx, "admin", o); err != nil {
		t.Fatalf("save override: %v", err)
	}
	perms, err := f.eng.ListEffectivePermissions(ctx, "alice", access.AccessContext{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(perms) != 2 || perms[0].ID != "doc-delete" || perms[1].ID != "doc-read" {
		t.Fatalf("unexpected permissions %+v", perms)
	}
}

func TestSimulatePolicy(t *testing.T) {
	f := newFixture(t)
	p := access.NewPolicyBuilder("trial").Deny().Resources("doc").Actions("read").Subjects("user:bob").Active(false).Build()
	hit, err := f.eng.SimulatePolicy(context.Background(), p, req("bob", "doc", "read"))
	if err != nil || !hit {
		t.Fatalf("simulate bob: hit=%v err=%v", hit, err)
	}
	hit, err = f.eng.SimulatePolicy(context.Background(), p, req("alice", "doc", "read"))
	if err != nil || hit {
		t.Fatalf("simulate alice: hit=%v err=%v", hit, err)
	}
	if d := f.check(t, req("bob", "doc", "read")); !d.Granted {
		t.Fatalf("simulation must not persist the policy")
	}
}

func TestAdminWritesAreAudited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.eng.SavePolicy(ctx, "root", access.NewPolicyBuilder("p9").Resources("*").Actions("read").Build()); err != nil {
		t.Fatalf("save policy: %v", err)
	}
	if err := f.eng.DeletePolicy(ctx, "root", "p9"); err != nil {
		t.Fatalf("delete policy: %v", err)
	}
	logs, err := f.eng.AuditLogs(ctx, access.AuditFilter{ActorID: "root"})
	if err != nil || len(logs) != 2 {
		t.Fatalf("expected two admin entries: %+v %v", logs, err)
	}
	if logs[0].Action != "policy.delete" || logs[0].Before == nil {
		t.Fatalf("unexpected newest entry %+v", logs[0])
	}
}
