package engine

import (
	"context"
	"errors"
	"time"

	"github.com/policyflow/policyflow/pkg/engine/runtime"
	"github.com/policyflow/policyflow/pkg/storage"
)

// createJob fills in the bookkeeping fields of a job template and
// records it on the batch. The caller holds the instance lock.
func (engine *Engine) createJob(ctx context.Context, batch storage.Batch, instance *runtime.ProcessInstance, job runtime.Job) runtime.Job {
	job.Key = engine.generateKey()
	job.ProcessInstanceKey = instance.Key
	job.State = runtime.JobStateCreated
	job.CreatedAt = engine.clock().UTC()
	batch.SaveJob(ctx, job)
	engine.metrics.JobsCreated.Add(ctx, 1)
	engine.log.Debug("created job", "job", job.Key, "instance", instance.Key, "node", job.NodeId, "kind", job.Kind)
	return job
}

// ActivateJobs leases up to limit CREATED service jobs of the given
// task type to the worker. Each returned job carries a snapshot of its
// instance variables and a lease deadline; a job whose lease expires
// without completion goes back to CREATED.
func (engine *Engine) ActivateJobs(ctx context.Context, taskType string, worker string, limit int) ([]runtime.Job, error) {
	candidates, err := engine.persistence.FindCreatedJobsByType(ctx, taskType, limit)
	if err != nil {
		return nil, err
	}

	var activated []runtime.Job
	for _, candidate := range candidates {
		job, ok, err := engine.activateJob(ctx, candidate.Key, worker)
		if err != nil {
			return activated, err
		}
		if ok {
			activated = append(activated, job)
		}
	}
	return activated, nil
}

func (engine *Engine) activateJob(ctx context.Context, jobKey int64, worker string) (runtime.Job, bool, error) {
	job, err := engine.findJob(ctx, jobKey)
	if err != nil {
		return runtime.Job{}, false, err
	}

	unlock := engine.locks.lock(job.ProcessInstanceKey)
	defer unlock()

	// re-read under the lock, another worker may have won the lease
	job, err = engine.persistence.FindJobByKey(ctx, jobKey)
	if err != nil || job.State != runtime.JobStateCreated {
		return runtime.Job{}, false, nil
	}
	instance, err := engine.persistence.FindProcessInstanceByKey(ctx, job.ProcessInstanceKey)
	if err != nil || instance.State != runtime.InstanceStateActive {
		return runtime.Job{}, false, nil
	}

	deadline := engine.clock().UTC().Add(engine.leaseDuration)
	job.State = runtime.JobStateActivated
	job.Worker = worker
	job.Deadline = &deadline
	job.Variables = instance.VariableHolder.Variables()
	if err := engine.persistence.SaveJob(ctx, job); err != nil {
		return runtime.Job{}, false, err
	}
	engine.metrics.JobsActivated.Add(ctx, 1)
	engine.log.Debug("job activated", "job", job.Key, "worker", worker, "deadline", deadline)
	return job, true, nil
}

// CompleteJob merges the worker variables into the instance, marks the
// job COMPLETED and continues execution behind the task. Returns the
// instance as left behind by the continuation.
// Might return JobNotFoundError, JobNotActiveError or
// InstanceNotActiveError.
func (engine *Engine) CompleteJob(ctx context.Context, jobKey int64, variables map[string]any) (*runtime.ProcessInstance, error) {
	job, err := engine.findJob(ctx, jobKey)
	if err != nil {
		return nil, err
	}

	unlock := engine.locks.lock(job.ProcessInstanceKey)
	defer unlock()

	// re-read under the lock, a concurrent complete or terminate may
	// have won the race
	job, err = engine.findJob(ctx, jobKey)
	if err != nil {
		return nil, err
	}
	if !job.IsPending() {
		return nil, &JobNotActiveError{Key: jobKey, State: job.State}
	}

	instance, err := engine.FindProcessInstance(ctx, job.ProcessInstanceKey)
	if err != nil {
		return nil, err
	}
	if instance.State != runtime.InstanceStateActive {
		return nil, &InstanceNotActiveError{Key: instance.Key, State: instance.State}
	}

	job.State = runtime.JobStateCompleted
	job.Deadline = nil
	instance.VariableHolder.SetVariables(variables)
	instance.CurrentNodeId = instance.Definition.OutgoingFlows(job.NodeId)[0].TargetRef

	batch := engine.persistence.NewBatch()
	batch.SaveJob(ctx, job)
	if err := engine.advance(ctx, &instance, batch); err != nil {
		return nil, err
	}
	if err := batch.Flush(ctx); err != nil {
		return nil, err
	}
	engine.metrics.JobsCompleted.Add(ctx, 1)
	engine.log.Debug("job completed", "job", jobKey, "instance", instance.Key)
	return &instance, nil
}

// FailJob reports a failed work attempt. With retries left the job goes
// back to CREATED for another worker; with none left the job fails for
// good and the instance moves to INCIDENT.
// Might return JobNotFoundError or JobNotActiveError.
func (engine *Engine) FailJob(ctx context.Context, jobKey int64, retries int32, message string) error {
	job, err := engine.findJob(ctx, jobKey)
	if err != nil {
		return err
	}

	unlock := engine.locks.lock(job.ProcessInstanceKey)
	defer unlock()

	job, err = engine.findJob(ctx, jobKey)
	if err != nil {
		return err
	}
	if !job.IsPending() {
		return &JobNotActiveError{Key: jobKey, State: job.State}
	}

	if retries > 0 {
		job.State = runtime.JobStateCreated
		job.Retries = retries
		job.Worker = ""
		job.Deadline = nil
		if err := engine.persistence.SaveJob(ctx, job); err != nil {
			return err
		}
		engine.log.Debug("job failed, retrying", "job", jobKey, "retries", retries)
		return nil
	}

	instance, err := engine.FindProcessInstance(ctx, job.ProcessInstanceKey)
	if err != nil {
		return err
	}

	job.State = runtime.JobStateFailed
	job.Retries = 0
	job.Deadline = nil
	if message == "" {
		message = "job failed with no retries left"
	}

	batch := engine.persistence.NewBatch()
	batch.SaveJob(ctx, job)
	engine.raiseIncident(ctx, batch, &instance, job.NodeId, job.Key, message)
	batch.SaveProcessInstance(ctx, instance)
	if err := batch.Flush(ctx); err != nil {
		return err
	}
	engine.metrics.JobsFailed.Add(ctx, 1)
	return nil
}

// UserTasks returns pending user task jobs, optionally filtered by
// assignee.
func (engine *Engine) UserTasks(ctx context.Context, assignee string) ([]runtime.Job, error) {
	return engine.persistence.FindUserTasksByAssignee(ctx, assignee)
}

func (engine *Engine) findJob(ctx context.Context, jobKey int64) (runtime.Job, error) {
	job, err := engine.persistence.FindJobByKey(ctx, jobKey)
	if errors.Is(err, storage.ErrNotFound) {
		return runtime.Job{}, &JobNotFoundError{Key: jobKey}
	}
	return job, err
}

func (engine *Engine) sweepLoop() {
	defer close(engine.sweeperDone)
	ticker := time.NewTicker(engine.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-engine.stop:
			return
		case <-ticker.C:
			if err := engine.sweepExpiredLeases(context.Background()); err != nil {
				engine.log.Error("lease sweep failed", "error", err)
			}
		}
	}
}

// sweepExpiredLeases returns timed-out ACTIVATED jobs to CREATED so
// another worker can pick them up. Delivery is at least once: a slow
// worker whose lease expired may still finish its attempt, the earlier
// completion then wins.
func (engine *Engine) sweepExpiredLeases(ctx context.Context) error {
	now := engine.clock().UTC()
	expired, err := engine.persistence.FindExpiredJobs(ctx, now)
	if err != nil {
		return err
	}

	for _, candidate := range expired {
		unlock := engine.locks.lock(candidate.ProcessInstanceKey)
		job, err := engine.persistence.FindJobByKey(ctx, candidate.Key)
		if err != nil || job.State != runtime.JobStateActivated || job.Deadline == nil || !job.Deadline.Before(now) {
			unlock()
			continue
		}
		worker := job.Worker
		job.State = runtime.JobStateCreated
		job.Worker = ""
		job.Deadline = nil
		err = engine.persistence.SaveJob(ctx, job)
		unlock()
		if err != nil {
			return err
		}
		engine.metrics.JobsExpired.Add(ctx, 1)
		engine.log.Warn("job lease expired", "job", job.Key, "worker", worker)
	}
	return nil
}
