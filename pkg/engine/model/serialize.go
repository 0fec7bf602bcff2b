package model

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Definitions travel as documents: deployment requests carry them as
// JSON, definition files as YAML, and storage keeps the JSON form.
// Both formats share the same doc structs; YAML is parsed with yaml.v3
// which accepts JSON input as well.

type definitionDoc struct {
	ProcessId string         `json:"processId" yaml:"processId"`
	Name      string         `json:"name,omitempty" yaml:"name,omitempty"`
	Version   int32          `json:"version,omitempty" yaml:"version,omitempty"`
	Key       int64          `json:"key,omitempty" yaml:"key,omitempty"`
	Nodes     []nodeDoc      `json:"nodes" yaml:"nodes"`
	Flows     []SequenceFlow `json:"flows" yaml:"flows"`
}

type nodeDoc struct {
	Id               string   `json:"id" yaml:"id"`
	Type             NodeType `json:"type" yaml:"type"`
	Name             string   `json:"name,omitempty" yaml:"name,omitempty"`
	TaskType         string   `json:"taskType,omitempty" yaml:"taskType,omitempty"`
	Retries          int32    `json:"retries,omitempty" yaml:"retries,omitempty"`
	Assignee         string   `json:"assignee,omitempty" yaml:"assignee,omitempty"`
	AssigneeVariable string   `json:"assigneeVariable,omitempty" yaml:"assigneeVariable,omitempty"`
	DecisionId       string   `json:"decisionId,omitempty" yaml:"decisionId,omitempty"`
	ResultVariable   string   `json:"resultVariable,omitempty" yaml:"resultVariable,omitempty"`
}

// ParseDefinition decodes a YAML or JSON definition document. The
// result is not validated, call Validate before deploying it.
func ParseDefinition(data []byte) (ProcessDefinition, error) {
	var doc definitionDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return ProcessDefinition{}, fmt.Errorf("failed to decode process definition: %w", err)
	}
	return doc.toDefinition()
}

// MarshalDefinition encodes a definition as its canonical JSON document.
func MarshalDefinition(def ProcessDefinition) ([]byte, error) {
	doc := definitionDoc{
		ProcessId: def.ProcessId,
		Name:      def.Name,
		Version:   def.Version,
		Key:       def.Key,
		Flows:     def.Flows,
	}
	for _, n := range def.Nodes {
		nd, err := docFromNode(n)
		if err != nil {
			return nil, err
		}
		doc.Nodes = append(doc.Nodes, nd)
	}
	return json.Marshal(doc)
}

func (doc definitionDoc) toDefinition() (ProcessDefinition, error) {
	def := ProcessDefinition{
		ProcessId: doc.ProcessId,
		Name:      doc.Name,
		Version:   doc.Version,
		Key:       doc.Key,
		Flows:     doc.Flows,
	}
	for _, nd := range doc.Nodes {
		node, err := nd.toNode()
		if err != nil {
			return ProcessDefinition{}, err
		}
		def.Nodes = append(def.Nodes, node)
	}
	return def, nil
}

func (nd nodeDoc) toNode() (Node, error) {
	switch nd.Type {
	case NodeTypeStartEvent:
		return StartEvent{Id: nd.Id, Name: nd.Name}, nil
	case NodeTypeEndEvent:
		return EndEvent{Id: nd.Id, Name: nd.Name}, nil
	case NodeTypeServiceTask:
		return ServiceTask{Id: nd.Id, Name: nd.Name, TaskType: nd.TaskType, Retries: nd.Retries}, nil
	case NodeTypeUserTask:
		return UserTask{Id: nd.Id, Name: nd.Name, Assignee: nd.Assignee, AssigneeVariable: nd.AssigneeVariable}, nil
	case NodeTypeBusinessRuleTask:
		return BusinessRuleTask{Id: nd.Id, Name: nd.Name, DecisionId: nd.DecisionId, ResultVariable: nd.ResultVariable}, nil
	case NodeTypeExclusiveGateway:
		return ExclusiveGateway{Id: nd.Id, Name: nd.Name}, nil
	}
	return nil, fmt.Errorf("unknown node type %q for node %q", nd.Type, nd.Id)
}

func docFromNode(node Node) (nodeDoc, error) {
	switch n := node.(type) {
	case StartEvent:
		return nodeDoc{Id: n.Id, Type: NodeTypeStartEvent, Name: n.Name}, nil
	case EndEvent:
		return nodeDoc{Id: n.Id, Type: NodeTypeEndEvent, Name: n.Name}, nil
	case ServiceTask:
		return nodeDoc{Id: n.Id, Type: NodeTypeServiceTask, Name: n.Name, TaskType: n.TaskType, Retries: n.Retries}, nil
	case UserTask:
		return nodeDoc{Id: n.Id, Type: NodeTypeUserTask, Name: n.Name, Assignee: n.Assignee, AssigneeVariable: n.AssigneeVariable}, nil
	case BusinessRuleTask:
		return nodeDoc{Id: n.Id, Type: NodeTypeBusinessRuleTask, Name: n.Name, DecisionId: n.DecisionId, ResultVariable: n.ResultVariable}, nil
	case ExclusiveGateway:
		return nodeDoc{Id: n.Id, Type: NodeTypeExclusiveGateway, Name: n.Name}, nil
	}
	return nodeDoc{}, fmt.Errorf("unknown node type %T", node)
}
