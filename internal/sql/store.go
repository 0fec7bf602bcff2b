// Copyright 2024-present PolicyFlow Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package sql provides the sqlite backed Storage implementation used
// by the server binary. Rows keep the record as a JSON document plus
// the columns the queries filter on.
package sql

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	_ "github.com/mattn/go-sqlite3"

	"github.com/policyflow/policyflow/pkg/decision"
	"github.com/policyflow/policyflow/pkg/engine/model"
	"github.com/policyflow/policyflow/pkg/engine/runtime"
	"github.com/policyflow/policyflow/pkg/storage"
)

//go:embed schema.sql
var schema string

type Store struct {
	db  *sql.DB
	log hclog.Logger
}

var _ storage.Storage = &Store{}

// NewStore opens (and if needed initializes) a sqlite database at the
// given path.
func NewStore(path string) (*Store, error) {
	return newStore(fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path))
}

// NewInMemoryStore opens a private in-memory database, used by tests.
func NewInMemoryStore() (*Store, error) {
	store, err := newStore("file::memory:")
	if err != nil {
		return nil, err
	}
	// an in-memory database exists per connection
	store.db.SetMaxOpenConns(1)
	return store, nil
}

func newStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize sqlite schema: %w", err)
	}
	return &Store{
		db:  db,
		log: hclog.Default().Named("sqlite-store"),
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// execer is satisfied by both *sql.DB and *sql.Tx so plain saves and
// batch flushes share the statements.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) SaveProcessDefinition(ctx context.Context, definition model.ProcessDefinition) error {
	data, err := model.MarshalDefinition(definition)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO process_definitions (key, process_id, version, data) VALUES (?, ?, ?, ?)",
		definition.Key, definition.ProcessId, definition.Version, string(data))
	return err
}

func (s *Store) FindProcessDefinitionByKey(ctx context.Context, key int64) (model.ProcessDefinition, error) {
	row := s.db.QueryRowContext(ctx, "SELECT data FROM process_definitions WHERE key = ?", key)
	return scanDefinition(row, fmt.Sprintf("definition %d", key))
}

func (s *Store) FindLatestProcessDefinitionById(ctx context.Context, processId string) (model.ProcessDefinition, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT data FROM process_definitions WHERE process_id = ? ORDER BY version DESC LIMIT 1", processId)
	return scanDefinition(row, fmt.Sprintf("definitions for %q", processId))
}

func (s *Store) FindProcessDefinitionsById(ctx context.Context, processId string) ([]model.ProcessDefinition, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT data FROM process_definitions WHERE process_id = ? ORDER BY version ASC", processId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []model.ProcessDefinition
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		def, err := model.ParseDefinition([]byte(data))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("definitions for %q: %w", processId, storage.ErrNotFound)
	}
	return defs, nil
}

func scanDefinition(row *sql.Row, what string) (model.ProcessDefinition, error) {
	var data string
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ProcessDefinition{}, fmt.Errorf("%s: %w", what, storage.ErrNotFound)
		}
		return model.ProcessDefinition{}, err
	}
	return model.ParseDefinition([]byte(data))
}

func (s *Store) SaveDecisionTable(ctx context.Context, table decision.Table) error {
	data, err := decision.MarshalTable(table)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO decision_tables (key, decision_id, version, data) VALUES (?, ?, ?, ?)",
		table.Key, table.DecisionId, table.Version, string(data))
	return err
}

func (s *Store) FindLatestDecisionTableById(ctx context.Context, decisionId string) (decision.Table, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		"SELECT data FROM decision_tables WHERE decision_id = ? ORDER BY version DESC LIMIT 1", decisionId).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return decision.Table{}, fmt.Errorf("decision table %q: %w", decisionId, storage.ErrNotFound)
	}
	if err != nil {
		return decision.Table{}, err
	}
	return decision.ParseTable([]byte(data))
}

func (s *Store) SaveProcessInstance(ctx context.Context, instance runtime.ProcessInstance) error {
	return saveInstance(ctx, s.db, instance)
}

func saveInstance(ctx context.Context, ex execer, instance runtime.ProcessInstance) error {
	data, err := json.Marshal(instance)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx,
		"INSERT OR REPLACE INTO process_instances (key, definition_id, state, data) VALUES (?, ?, ?, ?)",
		instance.Key, instance.DefinitionId, instance.State, string(data))
	return err
}

func (s *Store) FindProcessInstanceByKey(ctx context.Context, key int64) (runtime.ProcessInstance, error) {
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT data FROM process_instances WHERE key = ?", key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return runtime.ProcessInstance{}, fmt.Errorf("process instance %d: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return runtime.ProcessInstance{}, err
	}
	return unmarshalInstance(data)
}

func (s *Store) ListProcessInstances(ctx context.Context, filter storage.InstanceFilter) ([]runtime.ProcessInstance, error) {
	query := "SELECT data FROM process_instances ORDER BY key ASC"
	args := []any{}
	if filter.State != "" {
		query = "SELECT data FROM process_instances WHERE state = ? ORDER BY key ASC"
		args = append(args, filter.State)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []runtime.ProcessInstance
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		instance, err := unmarshalInstance(data)
		if err != nil {
			return nil, err
		}
		instances = append(instances, instance)
	}
	return instances, rows.Err()
}

func unmarshalInstance(data string) (runtime.ProcessInstance, error) {
	var instance runtime.ProcessInstance
	if err := json.Unmarshal([]byte(data), &instance); err != nil {
		return runtime.ProcessInstance{}, fmt.Errorf("corrupt process instance row: %w", err)
	}
	return instance, nil
}

func (s *Store) SaveJob(ctx context.Context, job runtime.Job) error {
	return saveJob(ctx, s.db, job)
}

func saveJob(ctx context.Context, ex execer, job runtime.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	var deadline any
	if job.Deadline != nil {
		deadline = job.Deadline.UnixMilli()
	}
	_, err = ex.ExecContext(ctx,
		"INSERT OR REPLACE INTO jobs (key, process_instance_key, kind, task_type, assignee, state, deadline, data) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		job.Key, job.ProcessInstanceKey, job.Kind, job.Type, job.Assignee, job.State, deadline, string(data))
	return err
}

func (s *Store) FindJobByKey(ctx context.Context, key int64) (runtime.Job, error) {
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT data FROM jobs WHERE key = ?", key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return runtime.Job{}, fmt.Errorf("job %d: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return runtime.Job{}, err
	}
	return unmarshalJob(data)
}

func (s *Store) FindCreatedJobsByType(ctx context.Context, taskType string, limit int) ([]runtime.Job, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryJobs(ctx,
		"SELECT data FROM jobs WHERE kind = ? AND state = ? AND task_type = ? ORDER BY key ASC LIMIT ?",
		runtime.JobKindService, runtime.JobStateCreated, taskType, limit)
}

func (s *Store) FindPendingInstanceJobs(ctx context.Context, instanceKey int64) ([]runtime.Job, error) {
	return s.queryJobs(ctx,
		"SELECT data FROM jobs WHERE process_instance_key = ? AND state IN (?, ?) ORDER BY key ASC",
		instanceKey, runtime.JobStateCreated, runtime.JobStateActivated)
}

func (s *Store) FindUserTasksByAssignee(ctx context.Context, assignee string) ([]runtime.Job, error) {
	if assignee == "" {
		return s.queryJobs(ctx,
			"SELECT data FROM jobs WHERE kind = ? AND state IN (?, ?) ORDER BY key ASC",
			runtime.JobKindUser, runtime.JobStateCreated, runtime.JobStateActivated)
	}
	return s.queryJobs(ctx,
		"SELECT data FROM jobs WHERE kind = ? AND assignee = ? AND state IN (?, ?) ORDER BY key ASC",
		runtime.JobKindUser, assignee, runtime.JobStateCreated, runtime.JobStateActivated)
}

func (s *Store) FindExpiredJobs(ctx context.Context, now time.Time) ([]runtime.Job, error) {
	return s.queryJobs(ctx,
		"SELECT data FROM jobs WHERE state = ? AND deadline IS NOT NULL AND deadline < ? ORDER BY key ASC",
		runtime.JobStateActivated, now.UnixMilli())
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]runtime.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []runtime.Job
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		job, err := unmarshalJob(data)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func unmarshalJob(data string) (runtime.Job, error) {
	var job runtime.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return runtime.Job{}, fmt.Errorf("corrupt job row: %w", err)
	}
	return job, nil
}

func (s *Store) SaveIncident(ctx context.Context, incident runtime.Incident) error {
	return saveIncident(ctx, s.db, incident)
}

func saveIncident(ctx context.Context, ex execer, incident runtime.Incident) error {
	data, err := json.Marshal(incident)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx,
		"INSERT OR REPLACE INTO incidents (key, process_instance_key, data) VALUES (?, ?, ?)",
		incident.Key, incident.ProcessInstanceKey, string(data))
	return err
}

func (s *Store) FindIncidentByKey(ctx context.Context, key int64) (runtime.Incident, error) {
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT data FROM incidents WHERE key = ?", key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return runtime.Incident{}, fmt.Errorf("incident %d: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return runtime.Incident{}, err
	}
	var incident runtime.Incident
	if err := json.Unmarshal([]byte(data), &incident); err != nil {
		return runtime.Incident{}, fmt.Errorf("corrupt incident row: %w", err)
	}
	return incident, nil
}

func (s *Store) FindInstanceIncidents(ctx context.Context, instanceKey int64) ([]runtime.Incident, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT data FROM incidents WHERE process_instance_key = ? ORDER BY key ASC", instanceKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var incidents []runtime.Incident
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var incident runtime.Incident
		if err := json.Unmarshal([]byte(data), &incident); err != nil {
			return nil, fmt.Errorf("corrupt incident row: %w", err)
		}
		incidents = append(incidents, incident)
	}
	return incidents, rows.Err()
}

func (s *Store) NewBatch() storage.Batch {
	return &batch{store: s}
}

// batch flushes as one sqlite transaction.
type batch struct {
	store     *Store
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

func (b *batch) Flush(ctx context.Context) error {
	tx, err := b.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start batch transaction: %w", err)
	}
	defer tx.Rollback()

	for _, instance := range b.instances {
		if err := saveInstance(ctx, tx, instance); err != nil {
			return err
		}
	}
	for _, job := range b.jobs {
		if err := saveJob(ctx, tx, job); err != nil {
			return err
		}
	}
	for _, incident := range b.incidents {
		if err := saveIncident(ctx, tx, incident); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	b.instances = nil
	b.jobs = nil
	b.incidents = nil
	return nil
}
