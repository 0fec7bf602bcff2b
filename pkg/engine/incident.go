package engine

import (
	"context"
	"errors"

	"github.com/policyflow/policyflow/pkg/engine/runtime"
	"github.com/policyflow/policyflow/pkg/storage"
)

// ResolveIncident marks an incident resolved and puts the instance
// back to work. For a job incident the failed job returns to CREATED
// with the given retry budget (at least 1). For a routing or decision
// incident the blocked node is executed again, which assumes the
// operator fixed the instance variables first; an unchanged outcome
// raises a fresh incident.
// Might return IncidentNotFoundError, IncidentResolvedError or
// InstanceNotActiveError.
func (engine *Engine) ResolveIncident(ctx context.Context, incidentKey int64, retries int32) (*runtime.ProcessInstance, error) {
	incident, err := engine.findIncident(ctx, incidentKey)
	if err != nil {
		return nil, err
	}

	unlock := engine.locks.lock(incident.ProcessInstanceKey)
	defer unlock()

	incident, err = engine.findIncident(ctx, incidentKey)
	if err != nil {
		return nil, err
	}
	if incident.Resolved() {
		return nil, &IncidentResolvedError{Key: incidentKey}
	}

	instance, err := engine.FindProcessInstance(ctx, incident.ProcessInstanceKey)
	if err != nil {
		return nil, err
	}
	if instance.State != runtime.InstanceStateIncident {
		return nil, &InstanceNotActiveError{Key: instance.Key, State: instance.State}
	}

	now := engine.clock().UTC()
	incident.ResolvedAt = &now
	instance.State = runtime.InstanceStateActive

	batch := engine.persistence.NewBatch()
	batch.SaveIncident(ctx, incident)

	if incident.JobKey != 0 {
		job, err := engine.findJob(ctx, incident.JobKey)
		if err != nil {
			return nil, err
		}
		if retries < 1 {
			retries = 1
		}
		job.State = runtime.JobStateCreated
		job.Retries = retries
		job.Worker = ""
		job.Deadline = nil
		batch.SaveJob(ctx, job)
		batch.SaveProcessInstance(ctx, instance)
	} else {
		if err := engine.advance(ctx, &instance, batch); err != nil {
			return nil, err
		}
	}

	if err := batch.Flush(ctx); err != nil {
		return nil, err
	}
	engine.metrics.IncidentsResolved.Add(ctx, 1)
	engine.log.Info("incident resolved", "incident", incidentKey, "instance", instance.Key, "state", instance.State)
	return &instance, nil
}

// InstanceIncidents returns the incidents of an instance, oldest
// first, resolved ones included.
func (engine *Engine) InstanceIncidents(ctx context.Context, instanceKey int64) ([]runtime.Incident, error) {
	return engine.persistence.FindInstanceIncidents(ctx, instanceKey)
}

func (engine *Engine) findIncident(ctx context.Context, incidentKey int64) (runtime.Incident, error) {
	incident, err := engine.persistence.FindIncidentByKey(ctx, incidentKey)
	if errors.Is(err, storage.ErrNotFound) {
		return runtime.Incident{}, &IncidentNotFoundError{Key: incidentKey}
	}
	return incident, err
}
