package decision

import (
	"maps"
)

// Result carries the output of a table evaluation together with the
// rule that produced it. MatchedRuleIndex is -1 when the default output
// was used.
type Result struct {
	DecisionId       string
	Output           map[string]any
	MatchedRuleIndex int
}

// Evaluate runs the table against the given input variables with the
// "first" hit policy: rules are checked in declaration order and the
// first rule whose conditions all hold produces the output. With no
// matching rule the table's DefaultOutput is returned when declared,
// otherwise a NoMatchError. The returned output is a copy, callers may
// mutate it freely.
func Evaluate(t Table, input map[string]any) (Result, error) {
	for i, rule := range t.Rules {
		if ruleMatches(rule, input) {
			return Result{
				DecisionId:       t.DecisionId,
				Output:           maps.Clone(rule.Output),
				MatchedRuleIndex: i,
			}, nil
		}
	}
	if t.DefaultOutput != nil {
		return Result{
			DecisionId:       t.DecisionId,
			Output:           maps.Clone(t.DefaultOutput),
			MatchedRuleIndex: -1,
		}, nil
	}
	return Result{}, &NoMatchError{DecisionId: t.DecisionId}
}

func ruleMatches(rule Rule, input map[string]any) bool {
	for _, cond := range rule.Conditions {
		if !conditionHolds(cond, input) {
			return false
		}
	}
	return true
}

func conditionHolds(cond Condition, input map[string]any) bool {
	value, present := input[cond.Input]

	switch {
	case cond.Equals != nil:
		return present && looseEquals(value, cond.Equals)
	case len(cond.OneOf) > 0:
		if !present {
			return false
		}
		for _, candidate := range cond.OneOf {
			if looseEquals(value, candidate) {
				return true
			}
		}
		return false
	case cond.GreaterThan != nil || cond.LessThan != nil:
		n, ok := asNumber(value)
		if !present || !ok {
			return false
		}
		if cond.GreaterThan != nil && !(n > *cond.GreaterThan) {
			return false
		}
		if cond.LessThan != nil && !(n < *cond.LessThan) {
			return false
		}
		return true
	}
	// a condition without predicates accepts any value
	return true
}

// looseEquals compares values the way JSON round-trips produce them:
// all numeric types compare by value, other scalars by ==. Non-scalar
// values (maps, slices) never compare equal; == would panic on them.
func looseEquals(a, b any) bool {
	if an, ok := asNumber(a); ok {
		bn, bok := asNumber(b)
		return bok && an == bn
	}
	switch a.(type) {
	case nil, bool, string:
		return a == b
	}
	return false
}

// isScalar reports whether v is a comparable constant: nil, bool,
// string or a number.
func isScalar(v any) bool {
	switch v.(type) {
	case nil, bool, string:
		return true
	}
	_, ok := asNumber(v)
	return ok
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
