package runtime

import (
	"time"

	"github.com/policyflow/policyflow/pkg/engine/model"
)

// InstanceState is the lifecycle state of a process instance. An
// instance is created ACTIVE and reaches exactly one of the terminal
// states COMPLETED or TERMINATED; INCIDENT parks the instance until an
// operator resolves the incident.
type InstanceState string

const (
	InstanceStateActive     InstanceState = "ACTIVE"
	InstanceStateCompleted  InstanceState = "COMPLETED"
	InstanceStateTerminated InstanceState = "TERMINATED"
	InstanceStateIncident   InstanceState = "INCIDENT"
)

// IsTerminal reports whether the state permits no further transitions.
func (s InstanceState) IsTerminal() bool {
	return s == InstanceStateCompleted || s == InstanceStateTerminated
}

// ProcessInstance is one running (or finished) execution of a process
// definition. The engine models exactly one token: CurrentNodeId is its
// position within the graph. Definition is attached in memory after
// loading and never persisted with the instance.
type ProcessInstance struct {
	Key               int64                    `json:"key"`
	DefinitionId      string                   `json:"definitionId"`
	DefinitionVersion int32                    `json:"definitionVersion"`
	DefinitionKey     int64                    `json:"definitionKey"`
	State             InstanceState            `json:"state"`
	CurrentNodeId     string                   `json:"currentNodeId"`
	VariableHolder    VariableHolder           `json:"variables"`
	CreatedAt         time.Time                `json:"createdAt"`
	FinishedAt        *time.Time               `json:"finishedAt,omitempty"`
	Definition        *model.ProcessDefinition `json:"-"`
}

func (pi *ProcessInstance) GetState() InstanceState {
	return pi.State
}

func (pi *ProcessInstance) GetVariable(key string) any {
	return pi.VariableHolder.GetVariable(key)
}

func (pi *ProcessInstance) SetVariable(key string, value any) {
	pi.VariableHolder.SetVariable(key, value)
}

// JobState is the lifecycle state of a dispatched job.
// CREATED jobs wait for a worker; ACTIVATED jobs are leased to one
// worker until a deadline; COMPLETED and FAILED are terminal.
type JobState string

const (
	JobStateCreated   JobState = "CREATED"
	JobStateActivated JobState = "ACTIVATED"
	JobStateCompleted JobState = "COMPLETED"
	JobStateFailed    JobState = "FAILED"
)

// JobKind separates externally-polled service work from human user
// tasks. Both share the job lifecycle.
type JobKind string

const (
	JobKindService JobKind = "SERVICE"
	JobKindUser    JobKind = "USER"
)

// Job is a unit of externally-dispatched work tied to an instance. For
// service tasks Type carries the worker poll filter; for user tasks
// Assignee carries the resolved assignee. Variables is the snapshot of
// instance variables handed to the worker on activation.
type Job struct {
	Key                int64          `json:"key"`
	ProcessInstanceKey int64          `json:"processInstanceKey"`
	NodeId             string         `json:"nodeId"`
	Kind               JobKind        `json:"kind"`
	Type               string         `json:"type,omitempty"`
	Assignee           string         `json:"assignee,omitempty"`
	State              JobState       `json:"state"`
	Retries            int32          `json:"retries"`
	Worker             string         `json:"worker,omitempty"`
	Deadline           *time.Time     `json:"deadline,omitempty"`
	Variables          map[string]any `json:"variables,omitempty"`
	CreatedAt          time.Time      `json:"createdAt"`
}

// IsPending reports whether the job still awaits a completion or
// failure call.
func (j Job) IsPending() bool {
	return j.State == JobStateCreated || j.State == JobStateActivated
}

// Incident records that an instance cannot proceed without manual
// intervention: an unresolvable gateway, a failed decision evaluation
// or a job whose retries are exhausted (JobKey != 0 in that case).
type Incident struct {
	Key                int64      `json:"key"`
	ProcessInstanceKey int64      `json:"processInstanceKey"`
	NodeId             string     `json:"nodeId"`
	JobKey             int64      `json:"jobKey,omitempty"`
	Message            string     `json:"message"`
	CreatedAt          time.Time  `json:"createdAt"`
	ResolvedAt         *time.Time `json:"resolvedAt,omitempty"`
}

func (i Incident) Resolved() bool {
	return i.ResolvedAt != nil
}
