// Package engine executes process definitions. Execution is single
// token: every transition moves one instance from one node to the next
// under a per-instance lock, persisting the instance, its jobs and its
// incidents in one batch.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/policyflow/policyflow/pkg/decision"
	"github.com/policyflow/policyflow/pkg/engine/model"
	"github.com/policyflow/policyflow/pkg/engine/runtime"
	"github.com/policyflow/policyflow/pkg/storage"
)

const (
	defaultLeaseDuration = 5 * time.Minute
	defaultSweepInterval = 30 * time.Second
	definitionCacheSize  = 128
)

type Engine struct {
	name          string
	log           hclog.Logger
	snowflake     *snowflake.Node
	persistence   storage.Storage
	clock         func() time.Time
	leaseDuration time.Duration
	sweepInterval time.Duration

	locks           *instanceLocks
	definitionCache *lru.Cache[int64, *model.ProcessDefinition]
	metrics         *engineMetrics
	tracer          trace.Tracer

	stop        chan struct{}
	sweeperDone chan struct{}
}

// NewEngine creates a new instance of the process engine;
// it requires a storage to be configured via EngineWithStorage.
func NewEngine(options ...EngineOption) *Engine {
	cache, err := lru.New[int64, *model.ProcessDefinition](definitionCacheSize)
	if err != nil {
		panic("can't initialize definition cache. Message: " + err.Error())
	}
	engine := Engine{
		name:            fmt.Sprintf("policyflow-engine-%d", getGlobalSnowflakeIdGenerator().Generate().Int64()),
		log:             hclog.Default().Named("engine"),
		snowflake:       getGlobalSnowflakeIdGenerator(),
		clock:           time.Now,
		leaseDuration:   defaultLeaseDuration,
		sweepInterval:   defaultSweepInterval,
		locks:           newInstanceLocks(),
		definitionCache: cache,
		tracer:          otel.Tracer(engineMeter),
	}

	for _, option := range options {
		option(&engine)
	}

	metrics, err := newEngineMetrics(otel.Meter(engineMeter))
	if err != nil {
		engine.log.Warn("failed to register engine metrics", "error", err)
	}
	engine.metrics = metrics

	return &engine
}

func (engine *Engine) Name() string {
	return engine.name
}

// Start launches the background lease sweeper. Call Stop to shut it
// down again; an engine works without Start, expired leases just stay
// leased.
func (engine *Engine) Start() {
	engine.stop = make(chan struct{})
	engine.sweeperDone = make(chan struct{})
	go engine.sweepLoop()
	engine.log.Info("engine started", "name", engine.name, "sweepInterval", engine.sweepInterval)
}

func (engine *Engine) Stop() {
	if engine.stop == nil {
		return
	}
	close(engine.stop)
	<-engine.sweeperDone
	engine.stop = nil
	engine.log.Info("engine stopped", "name", engine.name)
}

// DeployProcessDefinition parses, validates and stores a definition in
// JSON or YAML form. Redeploying a definition identical to the latest
// version of its process id returns the existing version instead of
// bumping.
func (engine *Engine) DeployProcessDefinition(ctx context.Context, data []byte) (*model.ProcessDefinition, error) {
	def, err := model.ParseDefinition(data)
	if err != nil {
		return nil, errors.Join(newEngineErrorf("failed to parse process definition"), err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}

	latest, err := engine.persistence.FindLatestProcessDefinitionById(ctx, def.ProcessId)
	switch {
	case err == nil:
		if sameDefinition(latest, def) {
			return &latest, nil
		}
		def.Version = latest.Version + 1
	case errors.Is(err, storage.ErrNotFound):
		def.Version = 1
	default:
		return nil, err
	}

	def.Key = engine.generateKey()
	if err := engine.persistence.SaveProcessDefinition(ctx, def); err != nil {
		return nil, err
	}
	engine.definitionCache.Add(def.Key, &def)
	engine.log.Info("deployed process definition", "processId", def.ProcessId, "version", def.Version, "key", def.Key)
	return &def, nil
}

func (engine *Engine) DeployProcessDefinitionFromFile(ctx context.Context, path string) (*model.ProcessDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return engine.DeployProcessDefinition(ctx, data)
}

// DeployDecisionTable parses, validates and stores a decision table,
// with the same versioning and dedupe rules as process definitions.
func (engine *Engine) DeployDecisionTable(ctx context.Context, data []byte) (*decision.Table, error) {
	table, err := decision.ParseTable(data)
	if err != nil {
		return nil, errors.Join(newEngineErrorf("failed to parse decision table"), err)
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}

	latest, err := engine.persistence.FindLatestDecisionTableById(ctx, table.DecisionId)
	switch {
	case err == nil:
		if sameTable(latest, table) {
			return &latest, nil
		}
		table.Version = latest.Version + 1
	case errors.Is(err, storage.ErrNotFound):
		table.Version = 1
	default:
		return nil, err
	}

	table.Key = engine.generateKey()
	if err := engine.persistence.SaveDecisionTable(ctx, table); err != nil {
		return nil, err
	}
	engine.log.Info("deployed decision table", "decisionId", table.DecisionId, "version", table.Version, "key", table.Key)
	return &table, nil
}

func (engine *Engine) DeployDecisionTableFromFile(ctx context.Context, path string) (*decision.Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return engine.DeployDecisionTable(ctx, data)
}

func sameDefinition(a, b model.ProcessDefinition) bool {
	a.Version, a.Key = 0, 0
	b.Version, b.Key = 0, 0
	da, err := model.MarshalDefinition(a)
	if err != nil {
		return false
	}
	db, err := model.MarshalDefinition(b)
	if err != nil {
		return false
	}
	return bytes.Equal(da, db)
}

func sameTable(a, b decision.Table) bool {
	a.Version, a.Key = 0, 0
	b.Version, b.Key = 0, 0
	da, err := decision.MarshalTable(a)
	if err != nil {
		return false
	}
	db, err := decision.MarshalTable(b)
	if err != nil {
		return false
	}
	return bytes.Equal(da, db)
}

// CreateInstanceById creates a new instance for the latest version of
// the process with the given ID and executes it until the next wait
// state. Might return DefinitionNotFoundError.
func (engine *Engine) CreateInstanceById(ctx context.Context, processId string, variables map[string]any) (*runtime.ProcessInstance, error) {
	def, err := engine.persistence.FindLatestProcessDefinitionById(ctx, processId)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &DefinitionNotFoundError{ProcessId: processId}
	}
	if err != nil {
		return nil, err
	}
	return engine.CreateInstance(ctx, &def, variables)
}

// CreateInstance creates a new instance for the given definition and
// executes it until the next wait state. When execution runs into an
// incident the instance is returned in INCIDENT state with a nil error.
func (engine *Engine) CreateInstance(ctx context.Context, def *model.ProcessDefinition, variables map[string]any) (*runtime.ProcessInstance, error) {
	ctx, span := engine.tracer.Start(ctx, "create-instance",
		trace.WithAttributes(attribute.String("processId", def.ProcessId)))
	defer span.End()

	instance := runtime.ProcessInstance{
		Key:               engine.generateKey(),
		DefinitionId:      def.ProcessId,
		DefinitionVersion: def.Version,
		DefinitionKey:     def.Key,
		State:             runtime.InstanceStateActive,
		CurrentNodeId:     def.StartNode().GetId(),
		VariableHolder:    runtime.NewVariableHolder(nil, variables),
		CreatedAt:         engine.clock().UTC(),
		Definition:        def,
	}
	engine.metrics.InstancesStarted.Add(ctx, 1)
	engine.metrics.InstancesRunning.Add(ctx, 1)
	engine.log.Debug("created process instance", "instance", instance.Key, "processId", def.ProcessId)

	unlock := engine.locks.lock(instance.Key)
	defer unlock()

	batch := engine.persistence.NewBatch()
	if err := engine.advance(ctx, &instance, batch); err != nil {
		return nil, err
	}
	if err := batch.Flush(ctx); err != nil {
		return nil, err
	}
	return &instance, nil
}

// advance executes the instance token until it reaches a wait state,
// an end event or an incident. The caller holds the instance lock and
// flushes the batch.
func (engine *Engine) advance(ctx context.Context, instance *runtime.ProcessInstance, batch storage.Batch) error {
	def := instance.Definition

loop:
	for instance.State == runtime.InstanceStateActive {
		node := def.NodeById(instance.CurrentNodeId)
		if node == nil {
			panic(fmt.Sprintf("[invariant check] instance %d points at unknown node %s", instance.Key, instance.CurrentNodeId))
		}
		engine.log.Debug("executing node", "instance", instance.Key, "node", node.GetId(), "type", node.Type())

		switch n := node.(type) {
		case model.StartEvent:
			instance.CurrentNodeId = def.OutgoingFlows(n.Id)[0].TargetRef

		case model.EndEvent:
			engine.completeInstance(ctx, instance)

		case model.ExclusiveGateway:
			flow, err := selectGatewayFlow(def, n.Id, instance.VariableHolder.Variables())
			if err != nil {
				engine.raiseIncident(ctx, batch, instance, n.Id, 0, err.Error())
				continue
			}
			instance.CurrentNodeId = flow.TargetRef

		case model.BusinessRuleTask:
			if err := engine.evaluateBusinessRule(ctx, instance, n); err != nil {
				engine.raiseIncident(ctx, batch, instance, n.Id, 0, err.Error())
				continue
			}
			instance.CurrentNodeId = def.OutgoingFlows(n.Id)[0].TargetRef

		case model.ServiceTask:
			engine.createJob(ctx, batch, instance, runtime.Job{
				NodeId:  n.Id,
				Kind:    runtime.JobKindService,
				Type:    n.TaskType,
				Retries: n.Retries,
			})
			break loop

		case model.UserTask:
			assignee, err := resolveAssignee(n, instance.VariableHolder.Variables())
			if err != nil {
				engine.raiseIncident(ctx, batch, instance, n.Id, 0, err.Error())
				continue
			}
			engine.createJob(ctx, batch, instance, runtime.Job{
				NodeId:    n.Id,
				Kind:      runtime.JobKindUser,
				Assignee:  assignee,
				Variables: instance.VariableHolder.Variables(),
			})
			break loop

		default:
			panic(fmt.Sprintf("[invariant check] unsupported node type %T", node))
		}
	}

	batch.SaveProcessInstance(ctx, *instance)
	return nil
}

func (engine *Engine) completeInstance(ctx context.Context, instance *runtime.ProcessInstance) {
	now := engine.clock().UTC()
	instance.State = runtime.InstanceStateCompleted
	instance.FinishedAt = &now
	engine.metrics.InstancesEnded.Add(ctx, 1)
	engine.metrics.InstancesRunning.Add(ctx, -1)
	engine.log.Debug("process instance completed", "instance", instance.Key)
}

// selectGatewayFlow picks the first outgoing flow whose guard holds,
// in declaration order. The unconditional flow is the default path and
// only taken when no guard matched.
func selectGatewayFlow(def *model.ProcessDefinition, nodeId string, variables map[string]any) (model.SequenceFlow, error) {
	var fallback *model.SequenceFlow
	for _, flow := range def.OutgoingFlows(nodeId) {
		if flow.Guard == nil {
			fallback = &flow
			continue
		}
		ok, err := flow.Guard.Eval(variables)
		if err != nil {
			return model.SequenceFlow{}, errors.Join(newEngineErrorf("failed to evaluate guard on flow %s", flow.Id), err)
		}
		if ok {
			return flow, nil
		}
	}
	if fallback != nil {
		return *fallback, nil
	}
	return model.SequenceFlow{}, &NoViableTransitionError{NodeId: nodeId}
}

func (engine *Engine) evaluateBusinessRule(ctx context.Context, instance *runtime.ProcessInstance, task model.BusinessRuleTask) error {
	table, err := engine.persistence.FindLatestDecisionTableById(ctx, task.DecisionId)
	if err != nil {
		return errors.Join(newEngineErrorf("no decision table with id=%s was found", task.DecisionId), err)
	}
	engine.metrics.DecisionsEvaluated.Add(ctx, 1)
	result, err := decision.Evaluate(table, instance.VariableHolder.Variables())
	if err != nil {
		return err
	}
	instance.SetVariable(task.ResultVariable, result.Output)
	return nil
}

func resolveAssignee(task model.UserTask, variables map[string]any) (string, error) {
	assignee := task.Assignee
	if task.AssigneeVariable != "" {
		value, ok := model.LookupVariable(variables, task.AssigneeVariable)
		if !ok {
			return "", newEngineErrorf("assignee variable %s is not set", task.AssigneeVariable)
		}
		assignee, ok = value.(string)
		if !ok {
			return "", newEngineErrorf("assignee variable %s is not a string", task.AssigneeVariable)
		}
	}
	if assignee == "" {
		return "", newEngineErrorf("user task %s resolved to an empty assignee", task.Id)
	}
	return assignee, nil
}

func (engine *Engine) raiseIncident(ctx context.Context, batch storage.Batch, instance *runtime.ProcessInstance, nodeId string, jobKey int64, message string) runtime.Incident {
	incident := runtime.Incident{
		Key:                engine.generateKey(),
		ProcessInstanceKey: instance.Key,
		NodeId:             nodeId,
		JobKey:             jobKey,
		Message:            message,
		CreatedAt:          engine.clock().UTC(),
	}
	instance.State = runtime.InstanceStateIncident
	batch.SaveIncident(ctx, incident)
	engine.metrics.IncidentsCreated.Add(ctx, 1)
	engine.log.Warn("incident raised", "instance", instance.Key, "node", nodeId, "message", message)
	return incident
}

// FindProcessInstance loads an instance with its definition attached.
// Might return InstanceNotFoundError.
func (engine *Engine) FindProcessInstance(ctx context.Context, key int64) (runtime.ProcessInstance, error) {
	instance, err := engine.persistence.FindProcessInstanceByKey(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return runtime.ProcessInstance{}, &InstanceNotFoundError{Key: key}
	}
	if err != nil {
		return runtime.ProcessInstance{}, err
	}
	def, err := engine.definitionByKey(ctx, instance.DefinitionKey)
	if err != nil {
		return runtime.ProcessInstance{}, err
	}
	instance.Definition = def
	return instance, nil
}

func (engine *Engine) ListProcessInstances(ctx context.Context, filter storage.InstanceFilter) ([]runtime.ProcessInstance, error) {
	return engine.persistence.ListProcessInstances(ctx, filter)
}

// ProcessDefinitionVersions returns every deployed version of a process,
// oldest first. Might return DefinitionNotFoundError.
func (engine *Engine) ProcessDefinitionVersions(ctx context.Context, processId string) ([]model.ProcessDefinition, error) {
	defs, err := engine.persistence.FindProcessDefinitionsById(ctx, processId)
	if err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return nil, &DefinitionNotFoundError{ProcessId: processId}
	}
	return defs, nil
}

// SetInstanceVariables merges the given variables into an instance
// scope. Allowed while the instance is ACTIVE or in INCIDENT, typically
// to fix the data an incident complained about.
func (engine *Engine) SetInstanceVariables(ctx context.Context, key int64, variables map[string]any) error {
	unlock := engine.locks.lock(key)
	defer unlock()

	instance, err := engine.FindProcessInstance(ctx, key)
	if err != nil {
		return err
	}
	if instance.State.IsTerminal() {
		return &InstanceNotActiveError{Key: key, State: instance.State}
	}
	instance.VariableHolder.SetVariables(variables)
	return engine.persistence.SaveProcessInstance(ctx, instance)
}

// TerminateInstance cancels an ACTIVE or INCIDENT instance and fails
// its pending jobs. Terminating an already TERMINATED instance is a
// no-op; terminating a COMPLETED one returns InstanceNotActiveError.
func (engine *Engine) TerminateInstance(ctx context.Context, key int64) error {
	ctx, span := engine.tracer.Start(ctx, "terminate-instance",
		trace.WithAttributes(attribute.Int64("instanceKey", key)))
	defer span.End()

	unlock := engine.locks.lock(key)
	defer unlock()

	instance, err := engine.FindProcessInstance(ctx, key)
	if err != nil {
		return err
	}
	switch instance.State {
	case runtime.InstanceStateTerminated:
		return nil
	case runtime.InstanceStateCompleted:
		return &InstanceNotActiveError{Key: key, State: instance.State}
	}

	now := engine.clock().UTC()
	instance.State = runtime.InstanceStateTerminated
	instance.FinishedAt = &now

	batch := engine.persistence.NewBatch()
	jobs, err := engine.persistence.FindPendingInstanceJobs(ctx, key)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		job.State = runtime.JobStateFailed
		job.Deadline = nil
		batch.SaveJob(ctx, job)
	}
	batch.SaveProcessInstance(ctx, instance)
	if err := batch.Flush(ctx); err != nil {
		return err
	}
	engine.metrics.InstancesEnded.Add(ctx, 1)
	engine.metrics.InstancesRunning.Add(ctx, -1)
	engine.log.Info("process instance terminated", "instance", key, "failedJobs", len(jobs))
	return nil
}

func (engine *Engine) definitionByKey(ctx context.Context, key int64) (*model.ProcessDefinition, error) {
	if def, ok := engine.definitionCache.Get(key); ok {
		return def, nil
	}
	def, err := engine.persistence.FindProcessDefinitionByKey(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &DefinitionNotFoundError{Key: key}
	}
	if err != nil {
		return nil, err
	}
	engine.definitionCache.Add(key, &def)
	return &def, nil
}
