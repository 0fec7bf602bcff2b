package decision

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Table is an ordered rule set mapping input variables to an output.
// DecisionId is stable across versions; Key identifies one deployed
// (DecisionId, Version) pair. The hit policy is fixed to "first": rules
// are evaluated top to bottom and the first matching rule wins.
type Table struct {
	DecisionId string `json:"decisionId" yaml:"decisionId"`
	Name       string `json:"name,omitempty" yaml:"name,omitempty"`
	Version    int32  `json:"version,omitempty" yaml:"version,omitempty"`
	Key        int64  `json:"key,omitempty" yaml:"key,omitempty"`
	Rules      []Rule `json:"rules" yaml:"rules"`

	// DefaultOutput, when set, is returned for inputs no rule matches.
	// Without it an unmatched evaluation fails with NoMatchError; there
	// is deliberately no implicit fallback.
	DefaultOutput map[string]any `json:"defaultOutput,omitempty" yaml:"defaultOutput,omitempty"`
}

// Rule matches when all of its conditions hold. A rule without
// conditions matches any input.
type Rule struct {
	Id         string         `json:"id,omitempty" yaml:"id,omitempty"`
	Conditions []Condition    `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Output     map[string]any `json:"output" yaml:"output"`
}

// Condition is a typed predicate over one named input. Exactly one of
// Equals, OneOf or an interval bound set must be used; interval bounds
// are open (strictly greater/less than) and may be combined.
type Condition struct {
	Input       string   `json:"input" yaml:"input"`
	Equals      any      `json:"equals,omitempty" yaml:"equals,omitempty"`
	OneOf       []any    `json:"oneOf,omitempty" yaml:"oneOf,omitempty"`
	GreaterThan *float64 `json:"greaterThan,omitempty" yaml:"greaterThan,omitempty"`
	LessThan    *float64 `json:"lessThan,omitempty" yaml:"lessThan,omitempty"`
}

// ParseTable decodes a YAML or JSON decision table document. The result
// is not validated, call Validate before deploying it.
func ParseTable(data []byte) (Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Table{}, fmt.Errorf("failed to decode decision table: %w", err)
	}
	return t, nil
}

// MarshalTable encodes a table as its canonical JSON document.
func MarshalTable(t Table) ([]byte, error) {
	return json.Marshal(t)
}

// ValidationError collects every structural problem of a table.
type ValidationError struct {
	DecisionId string
	Problems   []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid decision table %q: %s", e.DecisionId, strings.Join(e.Problems, "; "))
}

// Validate checks the structural invariants of a table before
// deployment.
func (t *Table) Validate() error {
	var problems []string
	addf := func(format string, a ...any) {
		problems = append(problems, fmt.Sprintf(format, a...))
	}

	if t.DecisionId == "" {
		addf("decisionId is empty")
	}
	if len(t.Rules) == 0 && t.DefaultOutput == nil {
		addf("table has neither rules nor a default output")
	}
	for i, rule := range t.Rules {
		if len(rule.Output) == 0 {
			addf("rule %d has no output", i)
		}
		for _, cond := range rule.Conditions {
			if cond.Input == "" {
				addf("rule %d has a condition without an input name", i)
				continue
			}
			predicates := 0
			if cond.Equals != nil {
				predicates++
				if !isScalar(cond.Equals) {
					addf("rule %d condition on %q has a non-scalar equals value", i, cond.Input)
				}
			}
			if len(cond.OneOf) > 0 {
				predicates++
				for _, candidate := range cond.OneOf {
					if !isScalar(candidate) {
						addf("rule %d condition on %q has a non-scalar oneOf value", i, cond.Input)
						break
					}
				}
			}
			if cond.GreaterThan != nil || cond.LessThan != nil {
				predicates++
				if cond.GreaterThan != nil && cond.LessThan != nil && *cond.GreaterThan >= *cond.LessThan {
					addf("rule %d condition on %q has an empty interval", i, cond.Input)
				}
			}
			if predicates != 1 {
				addf("rule %d condition on %q must use exactly one of equals, oneOf or interval bounds", i, cond.Input)
			}
		}
	}

	if len(problems) > 0 {
		return &ValidationError{DecisionId: t.DecisionId, Problems: problems}
	}
	return nil
}
