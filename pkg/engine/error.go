package engine

import (
	"fmt"

	"github.com/policyflow/policyflow/pkg/engine/runtime"
)

type EngineError struct {
	Msg string
}

func (e *EngineError) Error() string {
	return e.Msg
}

// newEngineErrorf uses fmt.Sprintf(format, a...) to format the message
func newEngineErrorf(format string, a ...interface{}) error {
	return &EngineError{
		Msg: fmt.Sprintf(format, a...),
	}
}

type DefinitionNotFoundError struct {
	ProcessId string
	Key       int64
}

func (e *DefinitionNotFoundError) Error() string {
	if e.ProcessId != "" {
		return fmt.Sprintf("no process definition with id=%s was found", e.ProcessId)
	}
	return fmt.Sprintf("no process definition with key=%d was found", e.Key)
}

type InstanceNotFoundError struct {
	Key int64
}

func (e *InstanceNotFoundError) Error() string {
	return fmt.Sprintf("no process instance with key=%d was found", e.Key)
}

type InstanceNotActiveError struct {
	Key   int64
	State runtime.InstanceState
}

func (e *InstanceNotActiveError) Error() string {
	return fmt.Sprintf("process instance %d is not active (state=%s)", e.Key, e.State)
}

// NoViableTransitionError reports a gateway whose outgoing flows all
// failed their guards and which declares no default flow. The advance
// loop turns it into an incident on the stuck instance.
type NoViableTransitionError struct {
	NodeId string
}

func (e *NoViableTransitionError) Error() string {
	return fmt.Sprintf("no outgoing flow of gateway %s matched and no default flow is declared", e.NodeId)
}

type JobNotFoundError struct {
	Key int64
}

func (e *JobNotFoundError) Error() string {
	return fmt.Sprintf("no job with key=%d was found", e.Key)
}

type JobNotActiveError struct {
	Key   int64
	State runtime.JobState
}

func (e *JobNotActiveError) Error() string {
	return fmt.Sprintf("job %d is not active (state=%s)", e.Key, e.State)
}

type IncidentNotFoundError struct {
	Key int64
}

func (e *IncidentNotFoundError) Error() string {
	return fmt.Sprintf("no incident with key=%d was found", e.Key)
}

type IncidentResolvedError struct {
	Key int64
}

func (e *IncidentResolvedError) Error() string {
	return fmt.Sprintf("incident %d is already resolved", e.Key)
}
