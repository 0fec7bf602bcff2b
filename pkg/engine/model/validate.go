package model

import (
	"fmt"
	"strings"
)

// ValidationError collects every structural problem of a definition so
// a deployment request can be rejected with the full list at once.
type ValidationError struct {
	ProcessId string
	Problems  []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid process definition %q: %s", e.ProcessId, strings.Join(e.Problems, "; "))
}

// Validate checks the structural invariants of a definition:
// exactly one start event without incoming flows, every node reachable
// from it, every non-end node with outgoing flows, deterministic
// gateway routing (at most one unconditional flow per gateway) and
// well-formed guards and task attributes. Deployment refuses any
// definition that fails these checks.
func (d *ProcessDefinition) Validate() error {
	var problems []string
	addf := func(format string, a ...any) {
		problems = append(problems, fmt.Sprintf(format, a...))
	}

	if d.ProcessId == "" {
		addf("processId is empty")
	}
	if len(d.Nodes) == 0 {
		addf("definition has no nodes")
	}

	nodeIds := make(map[string]bool, len(d.Nodes))
	for _, n := range d.Nodes {
		if n.GetId() == "" {
			addf("node of type %s has an empty id", n.Type())
			continue
		}
		if nodeIds[n.GetId()] {
			addf("duplicate node id %q", n.GetId())
		}
		nodeIds[n.GetId()] = true
	}

	flowIds := make(map[string]bool, len(d.Flows))
	for _, f := range d.Flows {
		if f.Id == "" {
			addf("flow %s->%s has an empty id", f.SourceRef, f.TargetRef)
		} else if flowIds[f.Id] {
			addf("duplicate flow id %q", f.Id)
		}
		flowIds[f.Id] = true
		if !nodeIds[f.SourceRef] {
			addf("flow %q references unknown source node %q", f.Id, f.SourceRef)
		}
		if !nodeIds[f.TargetRef] {
			addf("flow %q references unknown target node %q", f.Id, f.TargetRef)
		}
		if f.Guard != nil {
			if err := f.Guard.validate(); err != nil {
				addf("flow %q: %s", f.Id, err)
			}
		}
	}

	var startId string
	startCount := 0
	for _, n := range d.Nodes {
		switch node := n.(type) {
		case StartEvent:
			startCount++
			startId = node.Id
			if len(d.incomingFlows(node.Id)) > 0 {
				addf("start event %q has incoming flows", node.Id)
			}
		case ServiceTask:
			if node.TaskType == "" {
				addf("service task %q has no taskType", node.Id)
			}
			if node.Retries < 0 {
				addf("service task %q has negative retries", node.Id)
			}
		case UserTask:
			if node.Assignee == "" && node.AssigneeVariable == "" {
				addf("user task %q needs an assignee or an assignee variable", node.Id)
			}
			if node.Assignee != "" && node.AssigneeVariable != "" {
				addf("user task %q sets both assignee and assignee variable", node.Id)
			}
		case BusinessRuleTask:
			if node.DecisionId == "" {
				addf("business rule task %q has no decisionId", node.Id)
			}
			if node.ResultVariable == "" {
				addf("business rule task %q has no resultVariable", node.Id)
			}
		}
	}
	if startCount != 1 {
		addf("definition must have exactly one start event, found %d", startCount)
	}

	for _, n := range d.Nodes {
		outgoing := d.OutgoingFlows(n.GetId())
		switch n.Type() {
		case NodeTypeEndEvent:
			if len(outgoing) > 0 {
				addf("end event %q has outgoing flows", n.GetId())
			}
		case NodeTypeExclusiveGateway:
			if len(outgoing) == 0 {
				addf("gateway %q has no outgoing flows", n.GetId())
			}
			unconditional := 0
			for _, f := range outgoing {
				if f.Guard == nil {
					unconditional++
				}
			}
			if unconditional > 1 {
				addf("gateway %q has %d unconditional outgoing flows, at most one default is allowed", n.GetId(), unconditional)
			}
		default:
			if len(outgoing) != 1 {
				addf("node %q must have exactly one outgoing flow, found %d", n.GetId(), len(outgoing))
			} else if outgoing[0].Guard != nil {
				addf("flow %q leaving non-gateway node %q must not carry a guard", outgoing[0].Id, n.GetId())
			}
		}
	}

	if startCount == 1 && len(problems) == 0 {
		for id := range nodeIds {
			if !d.reachable(startId, id) {
				addf("node %q is not reachable from the start event", id)
			}
		}
	}

	if len(problems) > 0 {
		return &ValidationError{ProcessId: d.ProcessId, Problems: problems}
	}
	return nil
}

func (d *ProcessDefinition) reachable(from, to string) bool {
	if from == to {
		return true
	}
	visited := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, f := range d.OutgoingFlows(current) {
			if f.TargetRef == to {
				return true
			}
			if !visited[f.TargetRef] {
				visited[f.TargetRef] = true
				queue = append(queue, f.TargetRef)
			}
		}
	}
	return false
}
