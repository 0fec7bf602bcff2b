package model

import (
	"fmt"
	"strings"
)

// Expr is a boolean guard over the instance variables, represented as a
// typed tree. Exactly one branch must be set. Guards are plain data,
// there is no expression language to parse: a comparison is a struct
// with an operator field, which rules out the
// assignment-versus-comparison ambiguity of string conditions by
// construction.
type Expr struct {
	Compare *Comparison  `json:"compare,omitempty" yaml:"compare,omitempty"`
	In      *Membership  `json:"in,omitempty" yaml:"in,omitempty"`
	Not     *Expr        `json:"not,omitempty" yaml:"not,omitempty"`
	AllOf   []Expr       `json:"allOf,omitempty" yaml:"allOf,omitempty"`
	AnyOf   []Expr       `json:"anyOf,omitempty" yaml:"anyOf,omitempty"`
}

type CompareOp string

const (
	OpEq CompareOp = "eq"
	OpNe CompareOp = "ne"
	OpLt CompareOp = "lt"
	OpLe CompareOp = "le"
	OpGt CompareOp = "gt"
	OpGe CompareOp = "ge"
)

// Comparison compares the variable at Var with a constant. Ordered
// operators require both sides to be numeric.
type Comparison struct {
	Var   string    `json:"var" yaml:"var"`
	Op    CompareOp `json:"op" yaml:"op"`
	Value any       `json:"value" yaml:"value"`
}

// Membership holds when the variable at Var equals any of Values.
type Membership struct {
	Var    string `json:"var" yaml:"var"`
	Values []any  `json:"values" yaml:"values"`
}

// Eval evaluates the guard against the given variables. A missing
// variable makes equality comparisons false and ordered comparisons
// fail with an error.
func (e *Expr) Eval(variables map[string]any) (bool, error) {
	switch {
	case e.Compare != nil:
		return e.Compare.eval(variables)
	case e.In != nil:
		v, _ := LookupVariable(variables, e.In.Var)
		for _, candidate := range e.In.Values {
			if looseEquals(v, candidate) {
				return true, nil
			}
		}
		return false, nil
	case e.Not != nil:
		inner, err := e.Not.Eval(variables)
		if err != nil {
			return false, err
		}
		return !inner, nil
	case len(e.AllOf) > 0:
		for i := range e.AllOf {
			ok, err := e.AllOf[i].Eval(variables)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case len(e.AnyOf) > 0:
		for i := range e.AnyOf {
			ok, err := e.AnyOf[i].Eval(variables)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("empty guard expression")
}

func (c *Comparison) eval(variables map[string]any) (bool, error) {
	v, found := LookupVariable(variables, c.Var)
	switch c.Op {
	case OpEq:
		return looseEquals(v, c.Value), nil
	case OpNe:
		return !looseEquals(v, c.Value), nil
	case OpLt, OpLe, OpGt, OpGe:
		if !found {
			return false, fmt.Errorf("variable %s is not set", c.Var)
		}
		left, lok := asNumber(v)
		right, rok := asNumber(c.Value)
		if !lok || !rok {
			return false, fmt.Errorf("ordered comparison on non-numeric operands for variable %s", c.Var)
		}
		switch c.Op {
		case OpLt:
			return left < right, nil
		case OpLe:
			return left <= right, nil
		case OpGt:
			return left > right, nil
		default:
			return left >= right, nil
		}
	}
	return false, fmt.Errorf("unknown comparison operator %q", c.Op)
}

func (e *Expr) validate() error {
	branches := 0
	if e.Compare != nil {
		branches++
		switch e.Compare.Op {
		case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		default:
			return fmt.Errorf("unknown comparison operator %q", e.Compare.Op)
		}
		if e.Compare.Var == "" {
			return fmt.Errorf("comparison without a variable")
		}
		if !isScalar(e.Compare.Value) {
			return fmt.Errorf("comparison value for variable %s must be a scalar", e.Compare.Var)
		}
	}
	if e.In != nil {
		branches++
		if e.In.Var == "" || len(e.In.Values) == 0 {
			return fmt.Errorf("membership needs a variable and at least one value")
		}
		for _, value := range e.In.Values {
			if !isScalar(value) {
				return fmt.Errorf("membership values for variable %s must be scalars", e.In.Var)
			}
		}
	}
	if e.Not != nil {
		branches++
		if err := e.Not.validate(); err != nil {
			return err
		}
	}
	if len(e.AllOf) > 0 {
		branches++
		for i := range e.AllOf {
			if err := e.AllOf[i].validate(); err != nil {
				return err
			}
		}
	}
	if len(e.AnyOf) > 0 {
		branches++
		for i := range e.AnyOf {
			if err := e.AnyOf[i].validate(); err != nil {
				return err
			}
		}
	}
	if branches != 1 {
		return fmt.Errorf("guard must set exactly one of compare, in, not, allOf, anyOf")
	}
	return nil
}

// LookupVariable resolves a dotted path (e.g. "decision.autoApprove")
// against nested map[string]any values.
func LookupVariable(variables map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = variables
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
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
