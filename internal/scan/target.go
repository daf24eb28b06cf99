package scan

import (
	"fmt"
	"math"
)

// TargetOp is a comparison applied to each metric value.
type TargetOp string

const (
	OpEqual        TargetOp = "eq"
	OpGreater      TargetOp = "gt"
	OpGreaterEqual TargetOp = "ge"
	OpLess         TargetOp = "lt"
	OpLessEqual    TargetOp = "le"
	OpBetween      TargetOp = "between"
	OpOutside      TargetOp = "outside"
)

// ParseTargetOp accepts the short names and their symbolic aliases.
func ParseTargetOp(s string) (TargetOp, error) {
	switch s {
	case "eq", "==", "=":
		return OpEqual, nil
	case "gt", ">":
		return OpGreater, nil
	case "ge", ">=":
		return OpGreaterEqual, nil
	case "lt", "<":
		return OpLess, nil
	case "le", "<=":
		return OpLessEqual, nil
	case "between":
		return OpBetween, nil
	case "outside":
		return OpOutside, nil
	}
	return "", fmt.Errorf("%w: unknown target op %q", ErrInvalidParams, s)
}

// TargetEvaluator checks metrics against a target with tolerance.
type TargetEvaluator struct {
	op        TargetOp
	val1      float64
	val2      float64 // upper bound for between/outside
	tolerance float64
}

// NewTargetEvaluator creates an evaluator. For between/outside, val1 and
// val2 are the inclusive bounds.
func NewTargetEvaluator(op TargetOp, val1, val2, tolerance float64) *TargetEvaluator {
	return &TargetEvaluator{op: op, val1: val1, val2: val2, tolerance: tolerance}
}

// Matches reports whether metric satisfies the target.
func (te *TargetEvaluator) Matches(metric float64) bool {
	lo, hi := te.val1-te.tolerance, te.val1+te.tolerance
	switch te.op {
	case OpEqual:
		return math.Abs(metric-te.val1) <= te.tolerance
	case OpGreater:
		return metric > hi
	case OpGreaterEqual:
		return metric >= lo
	case OpLess:
		return metric < lo
	case OpLessEqual:
		return metric <= hi
	case OpBetween:
		return metric >= lo && metric <= te.val2+te.tolerance
	case OpOutside:
		return metric < lo || metric > te.val2+te.tolerance
	}
	return false
}
