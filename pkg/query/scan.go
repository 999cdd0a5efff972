// Package query defines the designated-timestamp predicates the
// engine pushes down into a partition scan. The SQL layer that
// compiles them is out of scope; readers consume them as finished
// conditions over microsecond timestamps.
package query

// ScanOperator is the comparison a condition applies to a row's
// designated timestamp.
type ScanOperator int

const (
	OpEqual          ScanOperator = iota // =
	OpNotEqual                           // !=
	OpGreaterThan                        // >
	OpGreaterOrEqual                     // >=
	OpLessThan                           // <
	OpLessOrEqual                        // <=
	OpBetween                            // BETWEEN x AND y
)

// ScanCondition is one predicate over a row's designated timestamp,
// in microseconds since epoch.
type ScanCondition struct {
	Operator ScanOperator
	Ts       int64
	TsEnd    int64 // BETWEEN upper bound
}

// Convenience constructors.
func Equal(ts int64) *ScanCondition {
	return &ScanCondition{Operator: OpEqual, Ts: ts}
}

func NotEqual(ts int64) *ScanCondition {
	return &ScanCondition{Operator: OpNotEqual, Ts: ts}
}

func GreaterThan(ts int64) *ScanCondition {
	return &ScanCondition{Operator: OpGreaterThan, Ts: ts}
}

func GreaterOrEqual(ts int64) *ScanCondition {
	return &ScanCondition{Operator: OpGreaterOrEqual, Ts: ts}
}

func LessThan(ts int64) *ScanCondition {
	return &ScanCondition{Operator: OpLessThan, Ts: ts}
}

func LessOrEqual(ts int64) *ScanCondition {
	return &ScanCondition{Operator: OpLessOrEqual, Ts: ts}
}

func Between(start, end int64) *ScanCondition {
	return &ScanCondition{Operator: OpBetween, Ts: start, TsEnd: end}
}

// Matches reports whether ts satisfies the condition.
func (sc *ScanCondition) Matches(ts int64) bool {
	switch sc.Operator {
	case OpEqual:
		return ts == sc.Ts
	case OpNotEqual:
		return ts != sc.Ts
	case OpGreaterThan:
		return ts > sc.Ts
	case OpGreaterOrEqual:
		return ts >= sc.Ts
	case OpLessThan:
		return ts < sc.Ts
	case OpLessOrEqual:
		return ts <= sc.Ts
	case OpBetween:
		return ts >= sc.Ts && ts <= sc.TsEnd
	default:
		return false
	}
}

// SeekTs returns the lower bound a timestamp-index walk can seek to,
// and whether seeking is possible at all; != and the <-style operators
// need the full range.
func (sc *ScanCondition) SeekTs() (int64, bool) {
	switch sc.Operator {
	case OpEqual, OpGreaterThan, OpGreaterOrEqual, OpBetween:
		return sc.Ts, true
	default:
		return 0, false
	}
}

// ShouldContinue reports whether an ascending walk should advance past
// a row at ts.
func (sc *ScanCondition) ShouldContinue(ts int64) bool {
	switch sc.Operator {
	case OpEqual:
		// Stop once past the target timestamp.
		return ts <= sc.Ts
	case OpLessThan:
		return ts < sc.Ts
	case OpLessOrEqual:
		return ts <= sc.Ts
	case OpBetween:
		return ts <= sc.TsEnd
	default:
		// >, >= and != run to the end of the partition.
		return true
	}
}
