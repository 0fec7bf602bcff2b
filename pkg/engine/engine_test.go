package engine

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/policyflow/policyflow/pkg/engine/model"
	"github.com/policyflow/policyflow/pkg/engine/runtime"
	"github.com/policyflow/policyflow/pkg/storage/inmemory"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var (
	testEngine    *Engine
	engineStorage *inmemory.Storage
	clock         *testClock
)

func TestMain(m *testing.M) {
	engineStorage = inmemory.NewStorage()
	clock = &testClock{now: time.Now().UTC()}

	var exitCode int

	defer func() {
		os.Exit(exitCode)
	}()

	testEngine = NewEngine(
		EngineWithStorage(engineStorage),
		EngineWithClock(clock.Now),
		EngineWithLeaseDuration(time.Minute),
	)

	exitCode = m.Run()
}

func deployApprovalProcess(t *testing.T) {
	t.Helper()
	_, err := testEngine.DeployProcessDefinitionFromFile(context.Background(), "./test-cases/policy-approval.yaml")
	require.NoError(t, err)
	_, err = testEngine.DeployDecisionTableFromFile(context.Background(), "./test-cases/approval-decision.yaml")
	require.NoError(t, err)
}

func TestLowRiskIsAutoApproved(t *testing.T) {
	// setup
	deployApprovalProcess(t)

	// when
	instance, err := testEngine.CreateInstanceById(context.Background(), "policy-approval", map[string]any{
		"riskLevel": "Low",
		"amount":    2500.0,
	})
	require.NoError(t, err)

	// then
	assert.Equal(t, runtime.InstanceStateCompleted, instance.State)
	assert.Equal(t, "auto-approved", instance.CurrentNodeId)
	decision, ok := instance.GetVariable("decision").(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, decision["autoApprove"])
	assert.NotNil(t, instance.FinishedAt)
}

func TestHighRiskWaitsForManualReview(t *testing.T) {
	// setup
	deployApprovalProcess(t)

	// given
	instance, err := testEngine.CreateInstanceById(context.Background(), "policy-approval", map[string]any{
		"riskLevel": "High",
		"amount":    50000.0,
	})
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceStateActive, instance.State)
	assert.Equal(t, "manual-review", instance.CurrentNodeId)

	tasks, err := testEngine.UserTasks(context.Background(), "reviewer")
	require.NoError(t, err)
	var task runtime.Job
	for _, candidate := range tasks {
		if candidate.ProcessInstanceKey == instance.Key {
			task = candidate
		}
	}
	require.NotZero(t, task.Key)
	assert.Equal(t, runtime.JobKindUser, task.Kind)
	// the task carries the instance variables for the reviewer
	assert.Equal(t, "High", task.Variables["riskLevel"])

	// when
	instance, err = testEngine.CompleteJob(context.Background(), task.Key, map[string]any{"approved": true})
	require.NoError(t, err)

	// then
	assert.Equal(t, runtime.InstanceStateCompleted, instance.State)
	assert.Equal(t, "reviewed", instance.CurrentNodeId)
	assert.Equal(t, true, instance.GetVariable("approved"))
}

func TestMediumRiskSmallAmountIsAutoApproved(t *testing.T) {
	deployApprovalProcess(t)

	instance, err := testEngine.CreateInstanceById(context.Background(), "policy-approval", map[string]any{
		"riskLevel": "Medium",
		"amount":    900.0,
	})
	require.NoError(t, err)

	assert.Equal(t, runtime.InstanceStateCompleted, instance.State)
	assert.Equal(t, "auto-approved", instance.CurrentNodeId)
}

func TestCreateInstanceForUnknownProcessFails(t *testing.T) {
	_, err := testEngine.CreateInstanceById(context.Background(), "does-not-exist", nil)

	var notFound *DefinitionNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "does-not-exist", notFound.ProcessId)
}

func TestMissingDecisionTableRaisesIncident(t *testing.T) {
	// setup: the process references a decision table that is not deployed
	data := []byte(`
processId: missing-decision
nodes:
  - id: start
    type: startEvent
  - id: decide
    type: businessRuleTask
    decisionId: nowhere-to-be-found
    resultVariable: decision
  - id: end
    type: endEvent
flows:
  - id: f1
    source: start
    target: decide
  - id: f2
    source: decide
    target: end
`)
	_, err := testEngine.DeployProcessDefinition(context.Background(), data)
	require.NoError(t, err)

	// when
	instance, err := testEngine.CreateInstanceById(context.Background(), "missing-decision", nil)
	require.NoError(t, err)

	// then
	assert.Equal(t, runtime.InstanceStateIncident, instance.State)
	incidents, err := testEngine.InstanceIncidents(context.Background(), instance.Key)
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, "decide", incidents[0].NodeId)
	assert.Contains(t, incidents[0].Message, "nowhere-to-be-found")
}

func TestGatewaySelectionWithoutViableFlow(t *testing.T) {
	def := model.ProcessDefinition{
		ProcessId: "routing",
		Nodes: []model.Node{
			model.StartEvent{Id: "start"},
			model.ExclusiveGateway{Id: "route"},
			model.EndEvent{Id: "end"},
		},
		Flows: []model.SequenceFlow{
			{Id: "f1", SourceRef: "start", TargetRef: "route"},
			{Id: "f2", SourceRef: "route", TargetRef: "end", Guard: &model.Expr{
				Compare: &model.Comparison{Var: "approved", Op: model.OpEq, Value: true},
			}},
		},
	}

	_, err := selectGatewayFlow(&def, "route", map[string]any{"approved": false})

	var noTransition *NoViableTransitionError
	require.ErrorAs(t, err, &noTransition)
	assert.Equal(t, "route", noTransition.NodeId)
}

func TestGatewayWithoutDefaultRaisesIncident(t *testing.T) {
	// setup
	_, err := testEngine.DeployProcessDefinitionFromFile(context.Background(), "./test-cases/gateway-no-default.yaml")
	require.NoError(t, err)

	// given: no guard matches and the gateway has no default flow
	instance, err := testEngine.CreateInstanceById(context.Background(), "gateway-no-default", map[string]any{"amount": 50.0})
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceStateIncident, instance.State)
	assert.Equal(t, "route", instance.CurrentNodeId)

	incidents, err := testEngine.InstanceIncidents(context.Background(), instance.Key)
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Contains(t, incidents[0].Message, "no outgoing flow")

	// when: fix the variables and resolve, the gateway is re-evaluated
	err = testEngine.SetInstanceVariables(context.Background(), instance.Key, map[string]any{"amount": 500.0})
	require.NoError(t, err)
	resolved, err := testEngine.ResolveIncident(context.Background(), incidents[0].Key, 0)
	require.NoError(t, err)

	// then
	assert.Equal(t, runtime.InstanceStateCompleted, resolved.State)

	// resolving again fails
	_, err = testEngine.ResolveIncident(context.Background(), incidents[0].Key, 0)
	var alreadyResolved *IncidentResolvedError
	assert.ErrorAs(t, err, &alreadyResolved)
}

func TestServiceTaskJobLifecycle(t *testing.T) {
	// setup
	_, err := testEngine.DeployProcessDefinitionFromFile(context.Background(), "./test-cases/payment.yaml")
	require.NoError(t, err)

	// given
	instance, err := testEngine.CreateInstanceById(context.Background(), "payment", map[string]any{"amount": 42.0})
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceStateActive, instance.State)
	assert.Equal(t, "charge", instance.CurrentNodeId)

	// when
	jobs, err := testEngine.ActivateJobs(context.Background(), "payment", "worker-1", 10)
	require.NoError(t, err)
	job := jobForInstance(t, jobs, instance.Key)
	assert.Equal(t, runtime.JobStateActivated, job.State)
	assert.Equal(t, "worker-1", job.Worker)
	require.NotNil(t, job.Deadline)
	assert.Equal(t, 42.0, job.Variables["amount"])

	// a second activation must not hand the job out again
	jobs, err = testEngine.ActivateJobs(context.Background(), "payment", "worker-2", 10)
	require.NoError(t, err)
	for _, other := range jobs {
		assert.NotEqual(t, job.Key, other.Key)
	}

	// then
	instance2, err := testEngine.CompleteJob(context.Background(), job.Key, map[string]any{"chargeId": "ch_123"})
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceStateCompleted, instance2.State)
	assert.Equal(t, "ch_123", instance2.GetVariable("chargeId"))

	// completing again fails
	_, err = testEngine.CompleteJob(context.Background(), job.Key, nil)
	var notActive *JobNotActiveError
	require.ErrorAs(t, err, &notActive)
	assert.Equal(t, runtime.JobStateCompleted, notActive.State)
}

func TestFailJobWithRetriesRequeues(t *testing.T) {
	// given
	_, err := testEngine.DeployProcessDefinitionFromFile(context.Background(), "./test-cases/payment.yaml")
	require.NoError(t, err)
	instance, err := testEngine.CreateInstanceById(context.Background(), "payment", nil)
	require.NoError(t, err)

	jobs, err := testEngine.ActivateJobs(context.Background(), "payment", "worker-1", 10)
	require.NoError(t, err)
	job := jobForInstance(t, jobs, instance.Key)

	// when
	err = testEngine.FailJob(context.Background(), job.Key, 2, "card declined")
	require.NoError(t, err)

	// then: the job is back in the queue with the remaining retries
	requeued, err := engineStorage.FindJobByKey(context.Background(), job.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.JobStateCreated, requeued.State)
	assert.Equal(t, int32(2), requeued.Retries)
	assert.Empty(t, requeued.Worker)
	assert.Nil(t, requeued.Deadline)
}

func TestFailJobWithoutRetriesRaisesIncident(t *testing.T) {
	// given
	_, err := testEngine.DeployProcessDefinitionFromFile(context.Background(), "./test-cases/payment.yaml")
	require.NoError(t, err)
	instance, err := testEngine.CreateInstanceById(context.Background(), "payment", nil)
	require.NoError(t, err)

	jobs, err := testEngine.ActivateJobs(context.Background(), "payment", "worker-1", 10)
	require.NoError(t, err)
	job := jobForInstance(t, jobs, instance.Key)

	// when
	err = testEngine.FailJob(context.Background(), job.Key, 0, "card declined for good")
	require.NoError(t, err)

	// then
	failed, err := engineStorage.FindJobByKey(context.Background(), job.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.JobStateFailed, failed.State)

	stored, err := testEngine.FindProcessInstance(context.Background(), instance.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceStateIncident, stored.State)

	incidents, err := testEngine.InstanceIncidents(context.Background(), instance.Key)
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, job.Key, incidents[0].JobKey)
	assert.Equal(t, "card declined for good", incidents[0].Message)

	// when: an operator resolves the incident with a fresh retry budget
	resolved, err := testEngine.ResolveIncident(context.Background(), incidents[0].Key, 2)
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceStateActive, resolved.State)

	requeued, err := engineStorage.FindJobByKey(context.Background(), job.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.JobStateCreated, requeued.State)
	assert.Equal(t, int32(2), requeued.Retries)

	// then: the job can run to completion
	jobs, err = testEngine.ActivateJobs(context.Background(), "payment", "worker-2", 10)
	require.NoError(t, err)
	job = jobForInstance(t, jobs, instance.Key)
	final, err := testEngine.CompleteJob(context.Background(), job.Key, nil)
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceStateCompleted, final.State)
}

func TestExpiredLeaseIsSweptBackToCreated(t *testing.T) {
	// given
	_, err := testEngine.DeployProcessDefinitionFromFile(context.Background(), "./test-cases/payment.yaml")
	require.NoError(t, err)
	instance, err := testEngine.CreateInstanceById(context.Background(), "payment", nil)
	require.NoError(t, err)

	jobs, err := testEngine.ActivateJobs(context.Background(), "payment", "worker-1", 10)
	require.NoError(t, err)
	job := jobForInstance(t, jobs, instance.Key)

	// when: the lease times out
	clock.Advance(2 * time.Minute)
	err = testEngine.sweepExpiredLeases(context.Background())
	require.NoError(t, err)

	// then: another worker can take the job
	swept, err := engineStorage.FindJobByKey(context.Background(), job.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.JobStateCreated, swept.State)
	assert.Empty(t, swept.Worker)

	jobs, err = testEngine.ActivateJobs(context.Background(), "payment", "worker-2", 10)
	require.NoError(t, err)
	job = jobForInstance(t, jobs, instance.Key)
	_, err = testEngine.CompleteJob(context.Background(), job.Key, nil)
	require.NoError(t, err)
}

func TestTerminateInstanceFailsPendingJobs(t *testing.T) {
	// given
	deployApprovalProcess(t)
	instance, err := testEngine.CreateInstanceById(context.Background(), "policy-approval", map[string]any{"riskLevel": "High"})
	require.NoError(t, err)
	require.Equal(t, runtime.InstanceStateActive, instance.State)

	// when
	err = testEngine.TerminateInstance(context.Background(), instance.Key)
	require.NoError(t, err)

	// then
	stored, err := testEngine.FindProcessInstance(context.Background(), instance.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceStateTerminated, stored.State)
	assert.NotNil(t, stored.FinishedAt)

	pending, err := engineStorage.FindPendingInstanceJobs(context.Background(), instance.Key)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// terminating again is a no-op
	assert.NoError(t, testEngine.TerminateInstance(context.Background(), instance.Key))
}

func TestTerminateCompletedInstanceFails(t *testing.T) {
	deployApprovalProcess(t)
	instance, err := testEngine.CreateInstanceById(context.Background(), "policy-approval", map[string]any{"riskLevel": "Low"})
	require.NoError(t, err)
	require.Equal(t, runtime.InstanceStateCompleted, instance.State)

	err = testEngine.TerminateInstance(context.Background(), instance.Key)

	var notActive *InstanceNotActiveError
	require.ErrorAs(t, err, &notActive)
	assert.Equal(t, runtime.InstanceStateCompleted, notActive.State)
}

func TestConcurrentTerminateAndCompleteAgree(t *testing.T) {
	// given
	deployApprovalProcess(t)
	instance, err := testEngine.CreateInstanceById(context.Background(), "policy-approval", map[string]any{"riskLevel": "High"})
	require.NoError(t, err)

	tasks, err := testEngine.UserTasks(context.Background(), "reviewer")
	require.NoError(t, err)
	task := jobForInstance(t, tasks, instance.Key)

	// when: both race on the same instance
	var wg sync.WaitGroup
	var completeErr, terminateErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, completeErr = testEngine.CompleteJob(context.Background(), task.Key, nil)
	}()
	go func() {
		defer wg.Done()
		terminateErr = testEngine.TerminateInstance(context.Background(), instance.Key)
	}()
	wg.Wait()

	// then: exactly one of the two wins
	stored, err := testEngine.FindProcessInstance(context.Background(), instance.Key)
	require.NoError(t, err)
	if completeErr == nil {
		assert.Equal(t, runtime.InstanceStateCompleted, stored.State)
		var notActive *InstanceNotActiveError
		assert.ErrorAs(t, terminateErr, &notActive)
	} else {
		assert.NoError(t, terminateErr)
		assert.Equal(t, runtime.InstanceStateTerminated, stored.State)
	}
}

func TestInstanceSurvivesEngineRestart(t *testing.T) {
	// given: an instance waiting at a user task
	deployApprovalProcess(t)
	instance, err := testEngine.CreateInstanceById(context.Background(), "policy-approval", map[string]any{"riskLevel": "High"})
	require.NoError(t, err)

	tasks, err := testEngine.UserTasks(context.Background(), "reviewer")
	require.NoError(t, err)
	task := jobForInstance(t, tasks, instance.Key)

	// when: a fresh engine picks up the same storage
	restarted := NewEngine(EngineWithStorage(engineStorage), EngineWithClock(clock.Now))
	resumed, err := restarted.CompleteJob(context.Background(), task.Key, map[string]any{"approved": false})
	require.NoError(t, err)

	// then
	assert.Equal(t, runtime.InstanceStateCompleted, resumed.State)
	assert.Equal(t, "reviewed", resumed.CurrentNodeId)
}

func TestAssigneeResolvedFromVariable(t *testing.T) {
	_, err := testEngine.DeployProcessDefinitionFromFile(context.Background(), "./test-cases/assignee-variable.yaml")
	require.NoError(t, err)

	instance, err := testEngine.CreateInstanceById(context.Background(), "assignee-variable", map[string]any{"reviewer": "alex"})
	require.NoError(t, err)
	require.Equal(t, runtime.InstanceStateActive, instance.State)

	tasks, err := testEngine.UserTasks(context.Background(), "alex")
	require.NoError(t, err)
	task := jobForInstance(t, tasks, instance.Key)
	assert.Equal(t, "alex", task.Assignee)
}

func TestMissingAssigneeVariableRaisesIncident(t *testing.T) {
	_, err := testEngine.DeployProcessDefinitionFromFile(context.Background(), "./test-cases/assignee-variable.yaml")
	require.NoError(t, err)

	instance, err := testEngine.CreateInstanceById(context.Background(), "assignee-variable", nil)
	require.NoError(t, err)

	assert.Equal(t, runtime.InstanceStateIncident, instance.State)
	incidents, err := testEngine.InstanceIncidents(context.Background(), instance.Key)
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Contains(t, incidents[0].Message, "reviewer")
}

func TestRedeploymentBumpsVersionOnlyOnChange(t *testing.T) {
	// given
	first, err := testEngine.DeployProcessDefinitionFromFile(context.Background(), "./test-cases/payment.yaml")
	require.NoError(t, err)

	// when: identical redeploy
	second, err := testEngine.DeployProcessDefinitionFromFile(context.Background(), "./test-cases/payment.yaml")
	require.NoError(t, err)

	// then
	assert.Equal(t, first.Key, second.Key)
	assert.Equal(t, first.Version, second.Version)

	// when: the definition changes
	changed := []byte(`
processId: payment
name: Payment v2
nodes:
  - id: start
    type: startEvent
  - id: charge
    type: serviceTask
    taskType: payment-v2
    retries: 1
  - id: end
    type: endEvent
flows:
  - id: to-charge
    source: start
    target: charge
  - id: to-end
    source: charge
    target: end
`)
	third, err := testEngine.DeployProcessDefinition(context.Background(), changed)
	require.NoError(t, err)

	// then: a new version is created and used for new instances
	assert.Equal(t, first.Version+1, third.Version)
	assert.NotEqual(t, first.Key, third.Key)

	instance, err := testEngine.CreateInstanceById(context.Background(), "payment", nil)
	require.NoError(t, err)
	assert.Equal(t, third.Version, instance.DefinitionVersion)
	assert.Equal(t, third.Key, instance.DefinitionKey)
}

func jobForInstance(t *testing.T, jobs []runtime.Job, instanceKey int64) runtime.Job {
	t.Helper()
	for _, job := range jobs {
		if job.ProcessInstanceKey == instanceKey {
			return job
		}
	}
	t.Fatalf("no job for instance %d", instanceKey)
	return runtime.Job{}
}
