package model

// ProcessDefinition is the immutable template graph of a workflow.
// ProcessId is stable across versions; Key identifies one deployed
// (ProcessId, Version) pair. Definitions are never mutated after
// deployment, a redeploy with the same ProcessId creates a new Version.
type ProcessDefinition struct {
	ProcessId string
	Name      string
	Version   int32
	Key       int64
	Nodes     []Node
	Flows     []SequenceFlow
}

// SequenceFlow is a directed edge between two nodes. A nil Guard marks
// the flow unconditional; on an exclusive gateway the unconditional
// flow acts as the default path.
type SequenceFlow struct {
	Id        string `json:"id" yaml:"id"`
	SourceRef string `json:"source" yaml:"source"`
	TargetRef string `json:"target" yaml:"target"`
	Guard     *Expr  `json:"guard,omitempty" yaml:"guard,omitempty"`
}

type NodeType string

const (
	NodeTypeStartEvent       NodeType = "startEvent"
	NodeTypeEndEvent         NodeType = "endEvent"
	NodeTypeServiceTask      NodeType = "serviceTask"
	NodeTypeUserTask         NodeType = "userTask"
	NodeTypeBusinessRuleTask NodeType = "businessRuleTask"
	NodeTypeExclusiveGateway NodeType = "exclusiveGateway"
)

// Node is the closed variant type over all supported node kinds. The
// engine switches exhaustively over the concrete types; adding a node
// kind means touching every switch, which is intended.
type Node interface {
	GetId() string
	GetName() string
	Type() NodeType
}

type StartEvent struct {
	Id   string
	Name string
}

func (e StartEvent) GetId() string   { return e.Id }
func (e StartEvent) GetName() string { return e.Name }
func (e StartEvent) Type() NodeType  { return NodeTypeStartEvent }

type EndEvent struct {
	Id   string
	Name string
}

func (e EndEvent) GetId() string   { return e.Id }
func (e EndEvent) GetName() string { return e.Name }
func (e EndEvent) Type() NodeType  { return NodeTypeEndEvent }

// ServiceTask parks the token and dispatches a job to external workers
// that poll for TaskType. Retries is the initial retry budget handed to
// the job, 0 means a single attempt.
type ServiceTask struct {
	Id       string
	Name     string
	TaskType string
	Retries  int32
}

func (t ServiceTask) GetId() string   { return t.Id }
func (t ServiceTask) GetName() string { return t.Name }
func (t ServiceTask) Type() NodeType  { return NodeTypeServiceTask }

// UserTask parks the token until a human completes the job. The
// assignee is either the literal Assignee or, when AssigneeVariable is
// set, read from the named instance variable at job creation time.
type UserTask struct {
	Id               string
	Name             string
	Assignee         string
	AssigneeVariable string
}

func (t UserTask) GetId() string   { return t.Id }
func (t UserTask) GetName() string { return t.Name }
func (t UserTask) Type() NodeType  { return NodeTypeUserTask }

// BusinessRuleTask evaluates the referenced decision table against the
// instance variables and stores the decision output under
// ResultVariable.
type BusinessRuleTask struct {
	Id             string
	Name           string
	DecisionId     string
	ResultVariable string
}

func (t BusinessRuleTask) GetId() string   { return t.Id }
func (t BusinessRuleTask) GetName() string { return t.Name }
func (t BusinessRuleTask) Type() NodeType  { return NodeTypeBusinessRuleTask }

// ExclusiveGateway routes the token to the first outgoing flow whose
// guard evaluates true, in flow declaration order. With no match the
// unconditional flow is taken when declared, otherwise execution
// cannot proceed and the instance moves to an incident.
type ExclusiveGateway struct {
	Id   string
	Name string
}

func (g ExclusiveGateway) GetId() string   { return g.Id }
func (g ExclusiveGateway) GetName() string { return g.Name }
func (g ExclusiveGateway) Type() NodeType  { return NodeTypeExclusiveGateway }

// NodeById returns the node with the given id, or nil.
func (d *ProcessDefinition) NodeById(id string) Node {
	for _, n := range d.Nodes {
		if n.GetId() == id {
			return n
		}
	}
	return nil
}

// StartNode returns the single start event of a validated definition.
func (d *ProcessDefinition) StartNode() Node {
	for _, n := range d.Nodes {
		if n.Type() == NodeTypeStartEvent {
			return n
		}
	}
	return nil
}

// OutgoingFlows returns the outgoing flows of a node in declaration
// order. Declaration order is load-bearing for gateways: guards are not
// required to be mutually exclusive and the first true guard wins.
func (d *ProcessDefinition) OutgoingFlows(nodeId string) []SequenceFlow {
	var flows []SequenceFlow
	for _, f := range d.Flows {
		if f.SourceRef == nodeId {
			flows = append(flows, f)
		}
	}
	return flows
}

func (d *ProcessDefinition) incomingFlows(nodeId string) []SequenceFlow {
	var flows []SequenceFlow
	for _, f := range d.Flows {
		if f.TargetRef == nodeId {
			flows = append(flows, f)
		}
	}
	return flows
}
