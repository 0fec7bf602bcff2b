package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f(v float64) *float64 { return &v }

func riskTable() Table {
	return Table{
		DecisionId: "approval-decision",
		Rules: []Rule{
			{
				Id:         "low-risk",
				Conditions: []Condition{{Input: "riskLevel", Equals: "Low"}},
				Output:     map[string]any{"autoApprove": true},
			},
			{
				Id: "medium-small",
				Conditions: []Condition{
					{Input: "riskLevel", Equals: "Medium"},
					{Input: "amount", LessThan: f(1000)},
				},
				Output: map[string]any{"autoApprove": true},
			},
			{
				Id:         "blocked-country",
				Conditions: []Condition{{Input: "country", OneOf: []any{"XX", "YY"}}},
				Output:     map[string]any{"autoApprove": false, "reason": "blocked country"},
			},
		},
	}
}

func TestFirstMatchingRuleWins(t *testing.T) {
	table := riskTable()
	// matches both low-risk and blocked-country; declaration order decides
	result, err := Evaluate(table, map[string]any{
		"riskLevel": "Low",
		"country":   "XX",
	})

	require.NoError(t, err)
	assert.Equal(t, 0, result.MatchedRuleIndex)
	assert.Equal(t, true, result.Output["autoApprove"])
}

func TestAllConditionsMustHold(t *testing.T) {
	table := riskTable()

	result, err := Evaluate(table, map[string]any{"riskLevel": "Medium", "amount": 500})
	require.NoError(t, err)
	assert.Equal(t, 1, result.MatchedRuleIndex)

	// amount at the bound: intervals are open
	_, err = Evaluate(table, map[string]any{"riskLevel": "Medium", "amount": 1000})
	var noMatch *NoMatchError
	require.ErrorAs(t, err, &noMatch)
	assert.Equal(t, "approval-decision", noMatch.DecisionId)
}

func TestMissingInputFailsThePredicate(t *testing.T) {
	table := riskTable()

	_, err := Evaluate(table, map[string]any{"riskLevel": "Medium"})

	var noMatch *NoMatchError
	require.ErrorAs(t, err, &noMatch)
}

func TestDefaultOutputCatchesUnmatchedInput(t *testing.T) {
	table := riskTable()
	table.DefaultOutput = map[string]any{"autoApprove": false}

	result, err := Evaluate(table, map[string]any{"riskLevel": "High"})

	require.NoError(t, err)
	assert.Equal(t, -1, result.MatchedRuleIndex)
	assert.Equal(t, false, result.Output["autoApprove"])
}

func TestRuleWithoutConditionsMatchesEverything(t *testing.T) {
	table := Table{
		DecisionId: "catch-all",
		Rules: []Rule{
			{Output: map[string]any{"route": "default"}},
		},
	}

	result, err := Evaluate(table, nil)

	require.NoError(t, err)
	assert.Equal(t, 0, result.MatchedRuleIndex)
	assert.Equal(t, "default", result.Output["route"])
}

func TestOutputIsACopy(t *testing.T) {
	table := riskTable()

	result, err := Evaluate(table, map[string]any{"riskLevel": "Low"})
	require.NoError(t, err)
	result.Output["autoApprove"] = false

	again, err := Evaluate(table, map[string]any{"riskLevel": "Low"})
	require.NoError(t, err)
	assert.Equal(t, true, again.Output["autoApprove"])
}

func TestNumericInputsCompareAcrossTypes(t *testing.T) {
	table := Table{
		DecisionId: "limits",
		Rules: []Rule{
			{
				Conditions: []Condition{{Input: "amount", GreaterThan: f(100), LessThan: f(1000)}},
				Output:     map[string]any{"band": "mid"},
			},
		},
	}

	// ints and floats land in the same band
	for _, amount := range []any{500, int64(500), 500.0} {
		result, err := Evaluate(table, map[string]any{"amount": amount})
		require.NoError(t, err)
		assert.Equal(t, "mid", result.Output["band"])
	}

	// non-numeric input fails the interval predicate
	_, err := Evaluate(table, map[string]any{"amount": "lots"})
	var noMatch *NoMatchError
	require.ErrorAs(t, err, &noMatch)
}

func TestNonScalarInputNeverMatchesEquality(t *testing.T) {
	// a map-valued input against an equals predicate must fall through
	// to the default output instead of panicking
	table := Table{
		DecisionId: "routing",
		Rules: []Rule{
			{
				Conditions: []Condition{{Input: "payload", Equals: map[string]any{"kind": "claim"}}},
				Output:     map[string]any{"route": "claims"},
			},
		},
		DefaultOutput: map[string]any{"route": "manual"},
	}

	result, err := Evaluate(table, map[string]any{"payload": map[string]any{"kind": "claim"}})
	require.NoError(t, err)
	assert.Equal(t, -1, result.MatchedRuleIndex)
	assert.Equal(t, "manual", result.Output["route"])
}

func TestValidateRejectsBrokenTables(t *testing.T) {
	tests := []struct {
		name  string
		table Table
	}{
		{
			name:  "empty decision id",
			table: Table{Rules: []Rule{{Output: map[string]any{"a": 1}}}},
		},
		{
			name:  "no rules and no default",
			table: Table{DecisionId: "d"},
		},
		{
			name: "rule without output",
			table: Table{DecisionId: "d", Rules: []Rule{
				{Conditions: []Condition{{Input: "a", Equals: 1}}},
			}},
		},
		{
			name: "condition with two predicates",
			table: Table{DecisionId: "d", Rules: []Rule{
				{
					Conditions: []Condition{{Input: "a", Equals: 1, OneOf: []any{1, 2}}},
					Output:     map[string]any{"a": 1},
				},
			}},
		},
		{
			name: "empty interval",
			table: Table{DecisionId: "d", Rules: []Rule{
				{
					Conditions: []Condition{{Input: "a", GreaterThan: f(10), LessThan: f(5)}},
					Output:     map[string]any{"a": 1},
				},
			}},
		},
		{
			name: "non-scalar equals value",
			table: Table{DecisionId: "d", Rules: []Rule{
				{
					Conditions: []Condition{{Input: "a", Equals: map[string]any{"b": 1}}},
					Output:     map[string]any{"a": 1},
				},
			}},
		},
		{
			name: "non-scalar oneOf value",
			table: Table{DecisionId: "d", Rules: []Rule{
				{
					Conditions: []Condition{{Input: "a", OneOf: []any{"x", []any{"y"}}}},
					Output:     map[string]any{"a": 1},
				},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.table.Validate()
			var validationErr *ValidationError
			assert.ErrorAs(t, err, &validationErr)
		})
	}
}

func TestParseTableFromYaml(t *testing.T) {
	data := []byte(`
decisionId: approval-decision
rules:
  - id: low-risk
    conditions:
      - input: riskLevel
        equals: Low
    output:
      autoApprove: true
defaultOutput:
  autoApprove: false
`)
	table, err := ParseTable(data)
	require.NoError(t, err)
	require.NoError(t, table.Validate())

	result, err := Evaluate(table, map[string]any{"riskLevel": "Low"})
	require.NoError(t, err)
	assert.Equal(t, true, result.Output["autoApprove"])
}
