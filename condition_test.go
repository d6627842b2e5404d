package access_test

import (
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/oarkflow/access"
)

func evalCtx(actx access.AccessContext, u *access.User) *access.EvalContext {
	return &access.EvalContext{Access: &actx, User: u}
}

func TestParseConditionString(t *testing.T) {
	bob := &access.User{ID: "bob", BranchID: "b1"}
	ctx := evalCtx(access.AccessContext{
		UserID:    "bob",
		BranchID:  "b1",
		IP:        net.ParseIP("10.4.5.6"),
		Location:  &access.Location{Country: "NG"},
		Timestamp: monday,
		Attrs:     map[string]any{"amount": 1500, "tier": "gold"},
	}, bob)

	cases := []struct {
		src  string
		want bool
	}{
		{"", true},
		{"time between 09:00-18:00", true},
		{"time between 22:00 and 06:00", false},
		{"ip in [10.0.0.0/8]", true},
		{"ip in [192.168.1.7]", false},
		{"country in [NG, GH]", true},
		{"user.id in [\"alice\",\"bob\"]", true},
		{"context.branch_id == user.branch_id", true},
		{"attrs.amount >= 1000", true},
		{"attrs.amount >= 2000", false},
		{"attrs.tier == \"gold\"", true},
		{"attrs.tier in [silver, gold]", true},
		{"attrs.amount >= 2000 OR country in [NG]", true},
		{"attrs.amount >= 1000 AND ip in [172.16.0.0/12]", false},
		{"attrs.missing == 1", false},
	}
	for _, c := range cases {
		e, err := access.ParseConditionString(c.src)
		if err != nil {
			t.Fatalf("parse %q: %v", c.src, err)
		}
		got, err := e.Evaluate(ctx)
		if err != nil {
			t.Fatalf("eval %q: %v", c.src, err)
		}
		if got != c.want {
			t.Fatalf("%q = %v, want %v", c.src, got, c.want)
		}
	}
}

func TestParseConditionRejectsGarbage(t *testing.T) {
	for _, src := range []string{
		"amount > 3",
		"time between 25:00-26:00",
		"ip in [not-an-ip]",
	} {
		if _, err := access.ParseConditionString(src); !errors.Is(err, access.ErrInvalidInput) {
			t.Fatalf("%q: expected ErrInvalidInput, got %v", src, err)
		}
	}
	if _, err := access.ParseCondition(map[string]any{"type": "bogus"}); !errors.Is(err, access.ErrInvalidInput) {
		t.Fatalf("unknown type: expected ErrInvalidInput, got %v", err)
	}
	if _, err := access.ParseCondition(map[string]any{"weather": "sunny"}); !errors.Is(err, access.ErrInvalidInput) {
		t.Fatalf("unknown shorthand: expected ErrInvalidInput, got %v", err)
	}
	if _, err := access.ParseCondition(42); !errors.Is(err, access.ErrInvalidInput) {
		t.Fatalf("number: expected ErrInvalidInput, got %v", err)
	}
}

func TestShorthandConditions(t *testing.T) {
	e, err := access.ParseCondition(map[string]any{
		"time_range": map[string]any{"start": "08:00", "end": "12:00", "days": []any{"mon", "tue"}},
		"countries":  []any{"US"},
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	in := evalCtx(access.AccessContext{Timestamp: monday, Location: &access.Location{Country: "us"}}, nil)
	if ok, _ := e.Evaluate(in); !ok {
		t.Fatalf("monday 10:00 in US should match %s", e)
	}
	out := evalCtx(access.AccessContext{Timestamp: monday.Add(24 * time.Hour * 2), Location: &access.Location{Country: "US"}}, nil)
	if ok, _ := e.Evaluate(out); ok {
		t.Fatalf("wednesday should not match")
	}
	// no location means no match
	if ok, _ := e.Evaluate(evalCtx(access.AccessContext{Timestamp: monday}, nil)); ok {
		t.Fatalf("unknown location matched a country set")
	}
}

func TestTimeRangeTimezone(t *testing.T) {
	e, err := access.NewTimeRangeExpr("09:00", "17:00", nil, "America/New_York")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	// 10:00 UTC is 05:00 or 06:00 in New York
	if ok, _ := e.Evaluate(evalCtx(access.AccessContext{Timestamp: monday}, nil)); ok {
		t.Fatalf("time range ignored its timezone")
	}
	if _, err := access.NewTimeRangeExpr("09:00", "17:00", nil, "Mars/Olympus"); !errors.Is(err, access.ErrInvalidInput) {
		t.Fatalf("bad timezone: expected ErrInvalidInput, got %v", err)
	}
}

func TestNotAndKnown(t *testing.T) {
	e, err := access.ParseCondition(map[string]any{
		"type": "not",
		"term": map[string]any{"type": "known", "signal": "location"},
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ok, _ := e.Evaluate(evalCtx(access.AccessContext{}, nil)); !ok {
		t.Fatalf("missing location should satisfy not(known(location))")
	}
	if ok, _ := e.Evaluate(evalCtx(access.AccessContext{Location: &access.Location{Country: "NG"}}, nil)); ok {
		t.Fatalf("known location should fail not(known(location))")
	}
}

func TestConditionJSONRoundTrip(t *testing.T) {
	src := access.MustCondition("country in [NG] OR attrs.amount >= 10")
	b, err := json.Marshal(src)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back access.Condition
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal %s: %v", b, err)
	}
	ctx := evalCtx(access.AccessContext{Attrs: map[string]any{"amount": 12}}, nil)
	if ok, err := back.Eval(ctx); err != nil || !ok {
		t.Fatalf("round-tripped condition: ok=%v err=%v (%s)", ok, err, b)
	}

	var zero access.Condition
	if b, _ := json.Marshal(zero); string(b) != "null" {
		t.Fatalf("zero condition marshals to %s", b)
	}
	if ok, _ := zero.Eval(nil); !ok || !zero.IsZero() {
		t.Fatalf("zero condition must hold")
	}
}
