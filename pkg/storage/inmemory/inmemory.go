// Package inmemory provides a map backed Storage used by tests and by
// deployments that do not need durability.
package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/policyflow/policyflow/pkg/decision"
	"github.com/policyflow/policyflow/pkg/engine/model"
	"github.com/policyflow/policyflow/pkg/engine/runtime"
	"github.com/policyflow/policyflow/pkg/storage"
)

type Storage struct {
	mu sync.RWMutex

	definitions map[int64]model.ProcessDefinition
	decisions   map[string][]decision.Table
	instances   map[int64]runtime.ProcessInstance
	jobs        map[int64]runtime.Job
	incidents   map[int64]runtime.Incident
}

var _ storage.Storage = &Storage{}

func NewStorage() *Storage {
	return &Storage{
		definitions: map[int64]model.ProcessDefinition{},
		decisions:   map[string][]decision.Table{},
		instances:   map[int64]runtime.ProcessInstance{},
		jobs:        map[int64]runtime.Job{},
		incidents:   map[int64]runtime.Incident{},
	}
}

func (s *Storage) SaveProcessDefinition(_ context.Context, definition model.ProcessDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.definitions[definition.Key] = definition
	return nil
}

func (s *Storage) FindProcessDefinitionByKey(_ context.Context, key int64) (model.ProcessDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.definitions[key]
	if !ok {
		return model.ProcessDefinition{}, fmt.Errorf("definition %d: %w", key, storage.ErrNotFound)
	}
	return def, nil
}

func (s *Storage) FindLatestProcessDefinitionById(ctx context.Context, processId string) (model.ProcessDefinition, error) {
	defs, err := s.FindProcessDefinitionsById(ctx, processId)
	if err != nil {
		return model.ProcessDefinition{}, err
	}
	return defs[len(defs)-1], nil
}

func (s *Storage) FindProcessDefinitionsById(_ context.Context, processId string) ([]model.ProcessDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var defs []model.ProcessDefinition
	for _, def := range s.definitions {
		if def.ProcessId == processId {
			defs = append(defs, def)
		}
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("definitions for %q: %w", processId, storage.ErrNotFound)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Version < defs[j].Version })
	return defs, nil
}

func (s *Storage) SaveDecisionTable(_ context.Context, table decision.Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tables := s.decisions[table.DecisionId]
	for i, existing := range tables {
		if existing.Key == table.Key {
			tables[i] = table
			return nil
		}
	}
	s.decisions[table.DecisionId] = append(tables, table)
	return nil
}

func (s *Storage) FindLatestDecisionTableById(_ context.Context, decisionId string) (decision.Table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tables := s.decisions[decisionId]
	if len(tables) == 0 {
		return decision.Table{}, fmt.Errorf("decision table %q: %w", decisionId, storage.ErrNotFound)
	}
	latest := tables[0]
	for _, t := range tables[1:] {
		if t.Version > latest.Version {
			latest = t
		}
	}
	return latest, nil
}

func (s *Storage) SaveProcessInstance(_ context.Context, instance runtime.ProcessInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[instance.Key] = instance
	return nil
}

func (s *Storage) FindProcessInstanceByKey(_ context.Context, key int64) (runtime.ProcessInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	instance, ok := s.instances[key]
	if !ok {
		return runtime.ProcessInstance{}, fmt.Errorf("process instance %d: %w", key, storage.ErrNotFound)
	}
	return instance, nil
}

func (s *Storage) ListProcessInstances(_ context.Context, filter storage.InstanceFilter) ([]runtime.ProcessInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var instances []runtime.ProcessInstance
	for _, instance := range s.instances {
		if filter.State != "" && instance.State != filter.State {
			continue
		}
		instances = append(instances, instance)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].Key < instances[j].Key })
	return instances, nil
}

func (s *Storage) SaveJob(_ context.Context, job runtime.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.Key] = job
	return nil
}

func (s *Storage) FindJobByKey(_ context.Context, key int64) (runtime.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[key]
	if !ok {
		return runtime.Job{}, fmt.Errorf("job %d: %w", key, storage.ErrNotFound)
	}
	return job, nil
}

func (s *Storage) FindCreatedJobsByType(_ context.Context, taskType string, limit int) ([]runtime.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var jobs []runtime.Job
	for _, job := range s.jobs {
		if job.Kind == runtime.JobKindService && job.State == runtime.JobStateCreated && job.Type == taskType {
			jobs = append(jobs, job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Key < jobs[j].Key })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *Storage) FindPendingInstanceJobs(_ context.Context, instanceKey int64) ([]runtime.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var jobs []runtime.Job
	for _, job := range s.jobs {
		if job.ProcessInstanceKey == instanceKey && job.IsPending() {
			jobs = append(jobs, job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Key < jobs[j].Key })
	return jobs, nil
}

func (s *Storage) FindUserTasksByAssignee(_ context.Context, assignee string) ([]runtime.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var jobs []runtime.Job
	for _, job := range s.jobs {
		if job.Kind != runtime.JobKindUser || !job.IsPending() {
			continue
		}
		if assignee != "" && job.Assignee != assignee {
			continue
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Key < jobs[j].Key })
	return jobs, nil
}

func (s *Storage) FindExpiredJobs(_ context.Context, now time.Time) ([]runtime.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var jobs []runtime.Job
	for _, job := range s.jobs {
		if job.State == runtime.JobStateActivated && job.Deadline != nil && job.Deadline.Before(now) {
			jobs = append(jobs, job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Key < jobs[j].Key })
	return jobs, nil
}

func (s *Storage) SaveIncident(_ context.Context, incident runtime.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incidents[incident.Key] = incident
	return nil
}

func (s *Storage) FindIncidentByKey(_ context.Context, key int64) (runtime.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	incident, ok := s.incidents[key]
	if !ok {
		return runtime.Incident{}, fmt.Errorf("incident %d: %w", key, storage.ErrNotFound)
	}
	return incident, nil
}

func (s *Storage) FindInstanceIncidents(_ context.Context, instanceKey int64) ([]runtime.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var incidents []runtime.Incident
	for _, incident := range s.incidents {
		if incident.ProcessInstanceKey == instanceKey {
			incidents = append(incidents, incident)
		}
	}
	sort.Slice(incidents, func(i, j int) bool { return incidents[i].Key < incidents[j].Key })
	return incidents, nil
}

func (s *Storage) NewBatch() storage.Batch {
	return &batch{store: s}
}

type batch struct {
	store     *Storage
	instances []runtime.ProcessInstance
	jobs      []runtime.Job
	incidents []runtime.Incident
}

func (b *batch) SaveProcessInstance(_ context.Context, instance runtime.ProcessInstance) {
	b.instances = append(b.instances, instance)
}

func (b *batch) SaveJob(_ context.Context, job runtime.Job) {
	b.jobs = append(b.jobs, job)
}

func (b *batch) SaveIncident(_ context.Context, incident runtime.Incident) {
	b.incidents = append(b.incidents, incident)
}

func (b *batch) Flush(_ context.Context) error {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	for _, instance := range b.instances {
		b.store.instances[instance.Key] = instance
	}
	for _, job := range b.jobs {
		b.store.jobs[job.Key] = job
	}
	for _, incident := range b.incidents {
		b.store.incidents[incident.Key] = incident
	}
	b.instances = nil
	b.jobs = nil
	b.incidents = nil
	return nil
}
