package query_test

import (
	"testing"
	"time"

	"github.com/bobboyms/tsengine/pkg/query"
)

func micros(s string) int64 {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t.UnixMicro()
}

func TestConstructors_SetOperatorAndBounds(t *testing.T) {
	ts := micros("2024-01-01T00:00:00Z")
	end := micros("2024-01-02T00:00:00Z")

	cases := []struct {
		cond *query.ScanCondition
		op   query.ScanOperator
	}{
		{query.Equal(ts), query.OpEqual},
		{query.NotEqual(ts), query.OpNotEqual},
		{query.GreaterThan(ts), query.OpGreaterThan},
		{query.GreaterOrEqual(ts), query.OpGreaterOrEqual},
		{query.LessThan(ts), query.OpLessThan},
		{query.LessOrEqual(ts), query.OpLessOrEqual},
	}
	for _, c := range cases {
		if c.cond.Operator != c.op {
			t.Errorf("expected operator %v, got %v", c.op, c.cond.Operator)
		}
		if c.cond.Ts != ts {
			t.Errorf("operator %v: expected Ts %d, got %d", c.op, ts, c.cond.Ts)
		}
	}

	between := query.Between(ts, end)
	if between.Operator != query.OpBetween || between.Ts != ts || between.TsEnd != end {
		t.Errorf("Between: unexpected condition %+v", between)
	}
}

func TestMatches(t *testing.T) {
	ts := micros("2024-06-01T12:00:00Z")
	before := ts - 1
	after := ts + 1

	cases := []struct {
		name string
		cond *query.ScanCondition
		in   int64
		want bool
	}{
		{"equal hit", query.Equal(ts), ts, true},
		{"equal miss", query.Equal(ts), after, false},
		{"not-equal hit", query.NotEqual(ts), after, true},
		{"not-equal miss", query.NotEqual(ts), ts, false},
		{"gt hit", query.GreaterThan(ts), after, true},
		{"gt boundary", query.GreaterThan(ts), ts, false},
		{"ge boundary", query.GreaterOrEqual(ts), ts, true},
		{"lt hit", query.LessThan(ts), before, true},
		{"lt boundary", query.LessThan(ts), ts, false},
		{"le boundary", query.LessOrEqual(ts), ts, true},
		{"between inside", query.Between(before, after), ts, true},
		{"between below", query.Between(ts, after), before, false},
		{"between upper boundary", query.Between(before, ts), ts, true},
	}
	for _, c := range cases {
		if got := c.cond.Matches(c.in); got != c.want {
			t.Errorf("%s: Matches(%d) = %t, want %t", c.name, c.in, got, c.want)
		}
	}

	invalid := &query.ScanCondition{Operator: query.ScanOperator(99)} // invalid operator
	if invalid.Matches(ts) {
		t.Error("an unknown operator must match nothing")
	}
}

func TestSeekTs(t *testing.T) {
	ts := micros("2024-01-01T00:00:00Z")

	for _, cond := range []*query.ScanCondition{
		query.Equal(ts), query.GreaterThan(ts), query.GreaterOrEqual(ts), query.Between(ts, ts+10),
	} {
		seek, ok := cond.SeekTs()
		if !ok || seek != ts {
			t.Errorf("operator %v: expected seekable lower bound %d, got %d (ok=%t)", cond.Operator, ts, seek, ok)
		}
	}
	for _, cond := range []*query.ScanCondition{
		query.NotEqual(ts), query.LessThan(ts), query.LessOrEqual(ts),
	} {
		if _, ok := cond.SeekTs(); ok {
			t.Errorf("operator %v: expected full-scan (no seek)", cond.Operator)
		}
	}
}

func TestShouldContinue(t *testing.T) {
	ts := micros("2024-01-01T00:00:00Z")

	if query.Equal(ts).ShouldContinue(ts + 1) {
		t.Error("= must stop once past the target")
	}
	if !query.Equal(ts).ShouldContinue(ts) {
		t.Error("= must continue at the target")
	}
	if query.LessThan(ts).ShouldContinue(ts) {
		t.Error("< must stop at the bound")
	}
	if !query.LessOrEqual(ts).ShouldContinue(ts) {
		t.Error("<= must continue at the bound")
	}
	if query.Between(ts, ts+5).ShouldContinue(ts + 6) {
		t.Error("BETWEEN must stop past the upper bound")
	}
	// >, >= and != run to the end of the partition.
	if !query.GreaterThan(ts).ShouldContinue(ts + 1_000_000) {
		t.Error("> must never stop early")
	}
	if !query.NotEqual(ts).ShouldContinue(ts) {
		t.Error("!= must never stop early")
	}
}
