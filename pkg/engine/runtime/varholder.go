package runtime

import (
	"encoding/json"
	"maps"
)

// VariableHolder is the typed key-value scope of a process instance.
// A holder can have a parent scope: reads fall back to the parent,
// writes stay local, and Propagate pushes values up. The engine uses a
// child holder to stage worker output before merging it into the
// instance scope.
type VariableHolder struct {
	parent    *VariableHolder
	variables map[string]any
}

// NewVariableHolder creates a holder with the given parent and local
// variables. A nil variables map creates an empty scope.
func NewVariableHolder(parent *VariableHolder, variables map[string]any) VariableHolder {
	if variables == nil {
		variables = make(map[string]any)
	}
	return VariableHolder{
		parent:    parent,
		variables: variables,
	}
}

// Variables returns the merged view of this scope, parent values
// shadowed by local ones. The result is a copy.
func (vh *VariableHolder) Variables() map[string]any {
	merged := make(map[string]any)
	if vh.parent != nil {
		maps.Copy(merged, vh.parent.Variables())
	}
	maps.Copy(merged, vh.variables)
	return merged
}

func (vh *VariableHolder) GetVariable(key string) any {
	if v, ok := vh.variables[key]; ok {
		return v
	}
	if vh.parent != nil {
		return vh.parent.GetVariable(key)
	}
	return nil
}

func (vh *VariableHolder) SetVariable(key string, value any) {
	if vh.variables == nil {
		vh.variables = make(map[string]any)
	}
	vh.variables[key] = value
}

// SetVariables merges the given values into the local scope.
func (vh *VariableHolder) SetVariables(variables map[string]any) {
	for k, v := range variables {
		vh.SetVariable(k, v)
	}
}

// PropagateVariables sets the given values on the parent scope.
func (vh *VariableHolder) PropagateVariables(variables map[string]any) {
	if vh.parent == nil {
		return
	}
	vh.parent.SetVariables(variables)
}

// MarshalJSON serializes the merged variable view; holders round-trip
// through persistence as flat maps, parent links are in-memory only.
func (vh VariableHolder) MarshalJSON() ([]byte, error) {
	return json.Marshal(vh.Variables())
}

func (vh *VariableHolder) UnmarshalJSON(data []byte) error {
	var variables map[string]any
	if err := json.Unmarshal(data, &variables); err != nil {
		return err
	}
	*vh = NewVariableHolder(nil, variables)
	return nil
}
