package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDefinition() ProcessDefinition {
	return ProcessDefinition{
		ProcessId: "approval",
		Nodes: []Node{
			StartEvent{Id: "start"},
			ExclusiveGateway{Id: "route"},
			UserTask{Id: "review", Assignee: "reviewer"},
			EndEvent{Id: "approved"},
			EndEvent{Id: "rejected"},
		},
		Flows: []SequenceFlow{
			{Id: "f1", SourceRef: "start", TargetRef: "route"},
			{Id: "f2", SourceRef: "route", TargetRef: "approved", Guard: &Expr{
				Compare: &Comparison{Var: "approved", Op: OpEq, Value: true},
			}},
			{Id: "f3", SourceRef: "route", TargetRef: "review"},
			{Id: "f4", SourceRef: "review", TargetRef: "rejected"},
		},
	}
}

func TestValidDefinitionPasses(t *testing.T) {
	def := validDefinition()
	assert.NoError(t, def.Validate())
}

func TestValidateRejectsBrokenGraphs(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ProcessDefinition)
		problem string
	}{
		{
			name:    "empty process id",
			mutate:  func(d *ProcessDefinition) { d.ProcessId = "" },
			problem: "processId is empty",
		},
		{
			name: "duplicate node id",
			mutate: func(d *ProcessDefinition) {
				d.Nodes = append(d.Nodes, EndEvent{Id: "approved"})
			},
			problem: "duplicate node id",
		},
		{
			name: "guard compares against a map",
			mutate: func(d *ProcessDefinition) {
				d.Flows[1].Guard = &Expr{Compare: &Comparison{
					Var: "decision", Op: OpEq, Value: map[string]any{"autoApprove": true},
				}}
			},
			problem: "must be a scalar",
		},
		{
			name: "guard membership with a list value",
			mutate: func(d *ProcessDefinition) {
				d.Flows[1].Guard = &Expr{In: &Membership{
					Var: "country", Values: []any{"DE", []any{"AT"}},
				}}
			},
			problem: "must be scalars",
		},
		{
			name: "flow references unknown node",
			mutate: func(d *ProcessDefinition) {
				d.Flows[0].TargetRef = "nowhere"
			},
			problem: "unknown target node",
		},
		{
			name: "no start event",
			mutate: func(d *ProcessDefinition) {
				d.Nodes[0] = EndEvent{Id: "start"}
			},
			problem: "start event",
		},
		{
			name: "end event with outgoing flow",
			mutate: func(d *ProcessDefinition) {
				d.Flows = append(d.Flows, SequenceFlow{Id: "f5", SourceRef: "approved", TargetRef: "rejected"})
			},
			problem: "outgoing",
		},
		{
			name: "gateway with two default flows",
			mutate: func(d *ProcessDefinition) {
				d.Flows[1].Guard = nil
			},
			problem: "unconditional",
		},
		{
			name: "unreachable node",
			mutate: func(d *ProcessDefinition) {
				d.Nodes = append(d.Nodes, EndEvent{Id: "island"})
			},
			problem: "reachable",
		},
		{
			name: "user task without assignee",
			mutate: func(d *ProcessDefinition) {
				d.Nodes[2] = UserTask{Id: "review"}
			},
			problem: "assignee",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDefinition()
			tt.mutate(&def)

			err := def.Validate()

			var validationErr *ValidationError
			require.ErrorAs(t, err, &validationErr)
			found := false
			for _, p := range validationErr.Problems {
				if strings.Contains(p, tt.problem) {
					found = true
				}
			}
			assert.True(t, found, "expected a problem mentioning %q, got %v", tt.problem, validationErr.Problems)
		})
	}
}

func TestParseDefinitionRoundTrip(t *testing.T) {
	def := validDefinition()

	data, err := MarshalDefinition(def)
	require.NoError(t, err)

	parsed, err := ParseDefinition(data)
	require.NoError(t, err)

	assert.Equal(t, def.ProcessId, parsed.ProcessId)
	require.Len(t, parsed.Nodes, len(def.Nodes))
	assert.Equal(t, def.Nodes[2], parsed.Nodes[2])
	require.Len(t, parsed.Flows, len(def.Flows))
	require.NotNil(t, parsed.Flows[1].Guard)
	assert.Equal(t, OpEq, parsed.Flows[1].Guard.Compare.Op)
}

func TestParseDefinitionRejectsUnknownNodeType(t *testing.T) {
	_, err := ParseDefinition([]byte(`
processId: p
nodes:
  - id: start
    type: timerEvent
flows: []
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timerEvent")
}

func TestOutgoingFlowsKeepDeclarationOrder(t *testing.T) {
	def := validDefinition()

	flows := def.OutgoingFlows("route")

	require.Len(t, flows, 2)
	assert.Equal(t, "f2", flows[0].Id)
	assert.Equal(t, "f3", flows[1].Id)
}

func TestGuardEval(t *testing.T) {
	vars := map[string]any{
		"amount": 250.0,
		"decision": map[string]any{
			"autoApprove": true,
		},
		"country": "DE",
	}

	tests := []struct {
		name string
		expr Expr
		want bool
	}{
		{
			name: "nested variable equality",
			expr: Expr{Compare: &Comparison{Var: "decision.autoApprove", Op: OpEq, Value: true}},
			want: true,
		},
		{
			name: "missing variable is not equal",
			expr: Expr{Compare: &Comparison{Var: "missing", Op: OpEq, Value: 1}},
			want: false,
		},
		{
			name: "numeric comparison across integer and float",
			expr: Expr{Compare: &Comparison{Var: "amount", Op: OpGt, Value: 100}},
			want: true,
		},
		{
			name: "membership",
			expr: Expr{In: &Membership{Var: "country", Values: []any{"AT", "DE"}}},
			want: true,
		},
		{
			name: "negation",
			expr: Expr{Not: &Expr{In: &Membership{Var: "country", Values: []any{"US"}}}},
			want: true,
		},
		{
			name: "allOf",
			expr: Expr{AllOf: []Expr{
				{Compare: &Comparison{Var: "amount", Op: OpGe, Value: 250}},
				{Compare: &Comparison{Var: "country", Op: OpEq, Value: "DE"}},
			}},
			want: true,
		},
		{
			name: "anyOf short circuits",
			expr: Expr{AnyOf: []Expr{
				{Compare: &Comparison{Var: "country", Op: OpEq, Value: "DE"}},
				{Compare: &Comparison{Var: "missing", Op: OpGt, Value: 1}},
			}},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.expr.Eval(vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGuardEqualityOnNonScalarsIsFalse(t *testing.T) {
	// map and slice values never compare equal, they must not make
	// evaluation panic either
	vars := map[string]any{
		"decision": map[string]any{"autoApprove": true},
		"tags":     []any{"a", "b"},
	}

	expr := Expr{Compare: &Comparison{Var: "decision", Op: OpEq, Value: map[string]any{"autoApprove": true}}}
	got, err := expr.Eval(vars)
	require.NoError(t, err)
	assert.False(t, got)

	expr = Expr{Compare: &Comparison{Var: "decision", Op: OpNe, Value: map[string]any{"autoApprove": true}}}
	got, err = expr.Eval(vars)
	require.NoError(t, err)
	assert.True(t, got)

	expr = Expr{In: &Membership{Var: "tags", Values: []any{"a"}}}
	got, err = expr.Eval(vars)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestGuardEvalErrors(t *testing.T) {
	// ordered comparison on a missing variable must fail loudly instead
	// of silently routing
	expr := Expr{Compare: &Comparison{Var: "missing", Op: OpGt, Value: 10}}
	_, err := expr.Eval(map[string]any{})
	require.Error(t, err)

	expr = Expr{Compare: &Comparison{Var: "country", Op: OpLt, Value: 10}}
	_, err = expr.Eval(map[string]any{"country": "DE"})
	require.Error(t, err)

	empty := Expr{}
	_, err = empty.Eval(nil)
	require.Error(t, err)
}
