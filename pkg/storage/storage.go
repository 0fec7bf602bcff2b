// Package storage defines the persistence contract of the engine.
// Implementations must be safe for concurrent use; the engine
// serializes writes per process instance but reads and writes for
// unrelated instances arrive concurrently.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/policyflow/policyflow/pkg/decision"
	"github.com/policyflow/policyflow/pkg/engine/model"
	"github.com/policyflow/policyflow/pkg/engine/runtime"
)

// ErrNotFound is returned by all Find methods when no record matches.
var ErrNotFound = errors.New("storage: not found")

// InstanceFilter narrows ListProcessInstances. Zero value lists all.
type InstanceFilter struct {
	State runtime.InstanceState
}

type Storage interface {
	// SaveProcessDefinition persists a definition. Definitions are
	// immutable: a save with an existing key overwrites identical data.
	SaveProcessDefinition(ctx context.Context, definition model.ProcessDefinition) error

	FindProcessDefinitionByKey(ctx context.Context, key int64) (model.ProcessDefinition, error)

	// FindLatestProcessDefinitionById returns the highest deployed
	// version for the given process id.
	FindLatestProcessDefinitionById(ctx context.Context, processId string) (model.ProcessDefinition, error)

	// FindProcessDefinitionsById returns all versions for the given
	// process id, ordered by version ascending.
	FindProcessDefinitionsById(ctx context.Context, processId string) ([]model.ProcessDefinition, error)

	SaveDecisionTable(ctx context.Context, table decision.Table) error

	// FindLatestDecisionTableById returns the highest deployed version
	// for the given decision id.
	FindLatestDecisionTableById(ctx context.Context, decisionId string) (decision.Table, error)

	SaveProcessInstance(ctx context.Context, instance runtime.ProcessInstance) error

	FindProcessInstanceByKey(ctx context.Context, key int64) (runtime.ProcessInstance, error)

	ListProcessInstances(ctx context.Context, filter InstanceFilter) ([]runtime.ProcessInstance, error)

	SaveJob(ctx context.Context, job runtime.Job) error

	FindJobByKey(ctx context.Context, key int64) (runtime.Job, error)

	// FindCreatedJobsByType returns up to limit CREATED service jobs
	// with the given task type, oldest first.
	FindCreatedJobsByType(ctx context.Context, taskType string, limit int) ([]runtime.Job, error)

	// FindPendingInstanceJobs returns the CREATED and ACTIVATED jobs of
	// an instance.
	FindPendingInstanceJobs(ctx context.Context, instanceKey int64) ([]runtime.Job, error)

	// FindUserTasksByAssignee returns pending user-task jobs for the
	// given assignee; an empty assignee matches all pending user tasks.
	FindUserTasksByAssignee(ctx context.Context, assignee string) ([]runtime.Job, error)

	// FindExpiredJobs returns ACTIVATED jobs whose lease deadline lies
	// before now.
	FindExpiredJobs(ctx context.Context, now time.Time) ([]runtime.Job, error)

	SaveIncident(ctx context.Context, incident runtime.Incident) error

	FindIncidentByKey(ctx context.Context, key int64) (runtime.Incident, error)

	// FindInstanceIncidents returns the incidents of an instance,
	// oldest first.
	FindInstanceIncidents(ctx context.Context, instanceKey int64) ([]runtime.Incident, error)

	// NewBatch starts a write batch. Saves recorded on the batch become
	// visible atomically at Flush.
	NewBatch() Batch
}

// Batch buffers writes belonging to one engine transition so that an
// instance, its jobs and its incidents change together.
type Batch interface {
	SaveProcessInstance(ctx context.Context, instance runtime.ProcessInstance)
	SaveJob(ctx context.Context, job runtime.Job)
	SaveIncident(ctx context.Context, incident runtime.Incident)
	Flush(ctx context.Context) error
}
