// Package storagetest holds a conformance suite run against every
// Storage implementation.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/policyflow/policyflow/pkg/decision"
	"github.com/policyflow/policyflow/pkg/engine/model"
	"github.com/policyflow/policyflow/pkg/engine/runtime"
	"github.com/policyflow/policyflow/pkg/storage"
)

// RunConformanceTests exercises the Storage contract. The factory must
// return an empty store on each call.
func RunConformanceTests(t *testing.T, factory func(t *testing.T) storage.Storage) {
	t.Run("definitions", func(t *testing.T) { testDefinitions(t, factory(t)) })
	t.Run("decision tables", func(t *testing.T) { testDecisionTables(t, factory(t)) })
	t.Run("instances", func(t *testing.T) { testInstances(t, factory(t)) })
	t.Run("jobs", func(t *testing.T) { testJobs(t, factory(t)) })
	t.Run("incidents", func(t *testing.T) { testIncidents(t, factory(t)) })
	t.Run("batch", func(t *testing.T) { testBatch(t, factory(t)) })
}

func sampleDefinition(processId string, version int32, key int64) model.ProcessDefinition {
	return model.ProcessDefinition{
		ProcessId: processId,
		Name:      "sample",
		Version:   version,
		Key:       key,
		Nodes: []model.Node{
			model.StartEvent{Id: "start"},
			model.EndEvent{Id: "end"},
		},
		Flows: []model.SequenceFlow{
			{Id: "flow1", SourceRef: "start", TargetRef: "end"},
		},
	}
}

func testDefinitions(t *testing.T, store storage.Storage) {
	ctx := context.Background()

	_, err := store.FindProcessDefinitionByKey(ctx, 42)
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, store.SaveProcessDefinition(ctx, sampleDefinition("approval", 1, 100)))
	require.NoError(t, store.SaveProcessDefinition(ctx, sampleDefinition("approval", 2, 101)))
	require.NoError(t, store.SaveProcessDefinition(ctx, sampleDefinition("other", 1, 102)))

	def, err := store.FindProcessDefinitionByKey(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, "approval", def.ProcessId)
	assert.Equal(t, int32(1), def.Version)
	require.Len(t, def.Nodes, 2)
	require.Len(t, def.Flows, 1)

	latest, err := store.FindLatestProcessDefinitionById(ctx, "approval")
	require.NoError(t, err)
	assert.Equal(t, int32(2), latest.Version)
	assert.Equal(t, int64(101), latest.Key)

	defs, err := store.FindProcessDefinitionsById(ctx, "approval")
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, int32(1), defs[0].Version)
	assert.Equal(t, int32(2), defs[1].Version)

	_, err = store.FindLatestProcessDefinitionById(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func testDecisionTables(t *testing.T, store storage.Storage) {
	ctx := context.Background()

	_, err := store.FindLatestDecisionTableById(ctx, "risk")
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, store.SaveDecisionTable(ctx, decision.Table{DecisionId: "risk", Version: 1, Key: 200}))
	require.NoError(t, store.SaveDecisionTable(ctx, decision.Table{DecisionId: "risk", Version: 2, Key: 201}))

	table, err := store.FindLatestDecisionTableById(ctx, "risk")
	require.NoError(t, err)
	assert.Equal(t, int32(2), table.Version)
	assert.Equal(t, int64(201), table.Key)
}

func testInstances(t *testing.T, store storage.Storage) {
	ctx := context.Background()

	_, err := store.FindProcessInstanceByKey(ctx, 1)
	require.ErrorIs(t, err, storage.ErrNotFound)

	active := runtime.ProcessInstance{
		Key:            300,
		DefinitionId:   "approval",
		DefinitionKey:  100,
		State:          runtime.InstanceStateActive,
		CurrentNodeId:  "start",
		VariableHolder: runtime.NewVariableHolder(nil, map[string]any{"amount": 2500.0}),
		CreatedAt:      time.Now().UTC(),
	}
	completed := runtime.ProcessInstance{
		Key:           301,
		DefinitionId:  "approval",
		DefinitionKey: 100,
		State:         runtime.InstanceStateCompleted,
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, store.SaveProcessInstance(ctx, active))
	require.NoError(t, store.SaveProcessInstance(ctx, completed))

	got, err := store.FindProcessInstanceByKey(ctx, 300)
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceStateActive, got.State)
	assert.Equal(t, 2500.0, got.VariableHolder.Variables()["amount"])

	all, err := store.ListProcessInstances(ctx, storage.InstanceFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	actives, err := store.ListProcessInstances(ctx, storage.InstanceFilter{State: runtime.InstanceStateActive})
	require.NoError(t, err)
	require.Len(t, actives, 1)
	assert.Equal(t, int64(300), actives[0].Key)

	// updates replace, not append
	active.State = runtime.InstanceStateTerminated
	require.NoError(t, store.SaveProcessInstance(ctx, active))
	all, err = store.ListProcessInstances(ctx, storage.InstanceFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func testJobs(t *testing.T, store storage.Storage) {
	ctx := context.Background()
	now := time.Now().UTC()
	expiredAt := now.Add(-time.Minute)

	_, err := store.FindJobByKey(ctx, 1)
	require.ErrorIs(t, err, storage.ErrNotFound)

	jobs := []runtime.Job{
		{Key: 400, ProcessInstanceKey: 300, NodeId: "charge", Kind: runtime.JobKindService, Type: "payment", State: runtime.JobStateCreated, Retries: 3, CreatedAt: now},
		{Key: 401, ProcessInstanceKey: 300, NodeId: "charge", Kind: runtime.JobKindService, Type: "payment", State: runtime.JobStateActivated, Worker: "worker-1", Deadline: &expiredAt, Retries: 2, CreatedAt: now},
		{Key: 402, ProcessInstanceKey: 301, NodeId: "review", Kind: runtime.JobKindUser, Assignee: "reviewer", State: runtime.JobStateCreated, CreatedAt: now},
		{Key: 403, ProcessInstanceKey: 301, NodeId: "review", Kind: runtime.JobKindUser, Assignee: "auditor", State: runtime.JobStateCompleted, CreatedAt: now},
	}
	for _, job := range jobs {
		require.NoError(t, store.SaveJob(ctx, job))
	}

	created, err := store.FindCreatedJobsByType(ctx, "payment", 10)
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, int64(400), created[0].Key)

	pending, err := store.FindPendingInstanceJobs(ctx, 300)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	tasks, err := store.FindUserTasksByAssignee(ctx, "reviewer")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, int64(402), tasks[0].Key)

	tasks, err = store.FindUserTasksByAssignee(ctx, "")
	require.NoError(t, err)
	assert.Len(t, tasks, 1, "completed user tasks are not pending")

	expired, err := store.FindExpiredJobs(ctx, now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, int64(401), expired[0].Key)
}

func testIncidents(t *testing.T, store storage.Storage) {
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := store.FindIncidentByKey(ctx, 1)
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, store.SaveIncident(ctx, runtime.Incident{Key: 500, ProcessInstanceKey: 300, NodeId: "charge", Message: "no retries left", CreatedAt: now}))
	require.NoError(t, store.SaveIncident(ctx, runtime.Incident{Key: 501, ProcessInstanceKey: 301, NodeId: "route", Message: "no viable transition", CreatedAt: now}))

	incident, err := store.FindIncidentByKey(ctx, 500)
	require.NoError(t, err)
	assert.Equal(t, "no retries left", incident.Message)
	assert.False(t, incident.Resolved())

	incidents, err := store.FindInstanceIncidents(ctx, 300)
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, int64(500), incidents[0].Key)
}

func testBatch(t *testing.T, store storage.Storage) {
	ctx := context.Background()
	now := time.Now().UTC()

	batch := store.NewBatch()
	batch.SaveProcessInstance(ctx, runtime.ProcessInstance{Key: 600, DefinitionId: "approval", State: runtime.InstanceStateActive, CreatedAt: now})
	batch.SaveJob(ctx, runtime.Job{Key: 601, ProcessInstanceKey: 600, Kind: runtime.JobKindService, Type: "payment", State: runtime.JobStateCreated, CreatedAt: now})
	batch.SaveIncident(ctx, runtime.Incident{Key: 602, ProcessInstanceKey: 600, Message: "boom", CreatedAt: now})

	// nothing visible before flush
	_, err := store.FindProcessInstanceByKey(ctx, 600)
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, batch.Flush(ctx))

	_, err = store.FindProcessInstanceByKey(ctx, 600)
	require.NoError(t, err)
	_, err = store.FindJobByKey(ctx, 601)
	require.NoError(t, err)
	_, err = store.FindIncidentByKey(ctx, 602)
	require.NoError(t, err)
}
