package coordinator

import (
	"sync"
	"testing"

	"github.com/fluxion-io/fluxion/metadata"
	"github.com/fluxion-io/fluxion/model"
	"github.com/fluxion-io/fluxion/persistence/inmem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingRunner struct {
	mu        sync.Mutex
	submitted []string
}

func (r *recordingRunner) Submit(executionId string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submitted = append(r.submitted, executionId)
}

func (r *recordingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.submitted)
}

type denyAll struct{}

func (denyAll) CanExecute(string, string) bool { return false }

func publishDef(t *testing.T, workflows metadata.WorkflowManager, id string, maxConcurrent int) *model.WorkflowDefinition {
	t.Helper()
	published, err := workflows.Publish(&model.WorkflowDefinition{
		Id: id, TenantId: "acme", Name: id, StartStep: "done",
		MaxConcurrent: maxConcurrent,
		Trigger:       model.TriggerDefinition{Kind: model.TRIGGER_MANUAL, IsEnabled: true},
		Steps: []model.WorkflowStep{
			{Id: "done", Type: model.STEP_TYPE_TERMINAL},
		},
	})
	require.NoError(t, err)
	return published
}

func newCoordinator(t *testing.T, conf Config, permissions PermissionChecker) (*Coordinator, metadata.WorkflowManager, *inmem.Store, *recordingRunner) {
	t.Helper()
	store := inmem.NewStore()
	workflows := metadata.NewWorkflowManager(store, nil)
	c := New(conf, workflows, store, permissions)
	runner := &recordingRunner{}
	c.SetRunner(runner)
	return c, workflows, store, runner
}

func request(def *model.WorkflowDefinition) model.ExecutionRequest {
	return model.ExecutionRequest{
		WorkflowId:  def.Id,
		Version:     def.Version,
		TenantId:    def.TenantId,
		TriggeredBy: model.TRIGGER_MANUAL,
	}
}

func TestAdmitCreatesPendingExecution(t *testing.T) {
	c, workflows, store, runner := newCoordinator(t, Config{TenantQuota: 10, DefaultWorkflowCap: 5}, nil)
	def := publishDef(t, workflows, "flow", 0)

	execution, err := c.Admit(request(def))
	require.NoError(t, err)
	assert.Equal(t, model.EXECUTION_PENDING, execution.Status)
	assert.Equal(t, "done", execution.CurrentStepId)
	assert.Equal(t, 1, runner.count())

	persisted, err := store.Load(execution.Id)
	require.NoError(t, err)
	assert.Equal(t, def.Version, persisted.Version, "execution pinned to the admitted version")
}

func TestAdmitRejectsUnknownWorkflow(t *testing.T) {
	c, _, _, runner := newCoordinator(t, Config{TenantQuota: 10, DefaultWorkflowCap: 5}, nil)
	_, err := c.Admit(model.ExecutionRequest{WorkflowId: "ghost", Version: 1, TenantId: "acme"})
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, model.REJECT_WORKFLOW_INACTIVE, rejected.Reason)
	assert.Equal(t, 0, runner.count())
}

func TestAdmitRejectsWhenPermissionDenied(t *testing.T) {
	c, workflows, _, _ := newCoordinator(t, Config{TenantQuota: 10, DefaultWorkflowCap: 5}, denyAll{})
	def := publishDef(t, workflows, "flow", 0)
	_, err := c.Admit(request(def))
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, model.REJECT_PERMISSION_DENIED, rejected.Reason)
}

func TestTenantQuotaEnforced(t *testing.T) {
	c, workflows, _, _ := newCoordinator(t, Config{TenantQuota: 2, DefaultWorkflowCap: 10}, nil)
	def := publishDef(t, workflows, "flow", 0)

	_, err := c.Admit(request(def))
	require.NoError(t, err)
	_, err = c.Admit(request(def))
	require.NoError(t, err)

	_, err = c.Admit(request(def))
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, model.REJECT_QUOTA_EXCEEDED, rejected.Reason)
}

func TestWorkflowCapOverridesDefault(t *testing.T) {
	c, workflows, _, _ := newCoordinator(t, Config{TenantQuota: 100, DefaultWorkflowCap: 10}, nil)
	def := publishDef(t, workflows, "flow", 1)

	first, err := c.Admit(request(def))
	require.NoError(t, err)

	_, err = c.Admit(request(def))
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, model.REJECT_QUOTA_EXCEEDED, rejected.Reason)

	// The tenant slot taken by the failed workflow-cap check is returned:
	// another workflow under the same tenant still admits.
	other := publishDef(t, workflows, "other", 0)
	_, err = c.Admit(request(other))
	require.NoError(t, err)

	c.Release(def.TenantId, def.Id, first.Id)
	_, err = c.Admit(request(def))
	assert.NoError(t, err, "slot freed after release")
}

func TestReleaseIsIdempotent(t *testing.T) {
	c, workflows, _, _ := newCoordinator(t, Config{TenantQuota: 1, DefaultWorkflowCap: 1}, nil)
	def := publishDef(t, workflows, "flow", 0)

	execution, err := c.Admit(request(def))
	require.NoError(t, err)

	c.Release(def.TenantId, def.Id, execution.Id)
	c.Release(def.TenantId, def.Id, execution.Id)

	// A double release must not free a phantom slot.
	second, err := c.Admit(request(def))
	require.NoError(t, err)
	_, err = c.Admit(request(def))
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	_ = second
}

func TestCancelSetsFlagAndResubmitsWaiting(t *testing.T) {
	c, workflows, store, runner := newCoordinator(t, Config{TenantQuota: 10, DefaultWorkflowCap: 10}, nil)
	def := publishDef(t, workflows, "flow", 0)

	execution, err := c.Admit(request(def))
	require.NoError(t, err)
	submittedBefore := runner.count()

	execution.Status = model.EXECUTION_WAITING
	require.NoError(t, store.Save(execution))

	require.NoError(t, c.Cancel(execution.Id))
	persisted, err := store.Load(execution.Id)
	require.NoError(t, err)
	assert.True(t, persisted.CancelRequested)
	assert.Equal(t, submittedBefore+1, runner.count(), "waiting execution resubmitted to observe the flag")
}

func TestCancelTerminalExecutionIsNoOp(t *testing.T) {
	c, workflows, store, _ := newCoordinator(t, Config{TenantQuota: 10, DefaultWorkflowCap: 10}, nil)
	def := publishDef(t, workflows, "flow", 0)

	execution, err := c.Admit(request(def))
	require.NoError(t, err)
	execution.Status = model.EXECUTION_SUCCEEDED
	require.NoError(t, store.Save(execution))

	require.NoError(t, c.Cancel(execution.Id))
	persisted, err := store.Load(execution.Id)
	require.NoError(t, err)
	assert.False(t, persisted.CancelRequested, "terminal executions are immutable")
}

func TestAdmitWithoutVersionResolvesActive(t *testing.T) {
	c, workflows, _, _ := newCoordinator(t, Config{TenantQuota: 10, DefaultWorkflowCap: 5}, nil)
	def := publishDef(t, workflows, "flow", 0)
	republished := publishDef(t, workflows, "flow", 0)
	require.Greater(t, republished.Version, def.Version)

	execution, err := c.Admit(model.ExecutionRequest{
		WorkflowId: "flow", TenantId: "acme", TriggeredBy: model.TRIGGER_MANUAL,
	})
	require.NoError(t, err)
	assert.Equal(t, republished.Version, execution.Version, "unversioned request pins the active version")
}

func TestReleaseUnknownExecutionKeepsQuota(t *testing.T) {
	c, workflows, _, _ := newCoordinator(t, Config{TenantQuota: 1, DefaultWorkflowCap: 10}, nil)
	def := publishDef(t, workflows, "flow", 0)

	// A crash-recovered execution terminates and releases, but this
	// coordinator never admitted it; the counters must not go negative.
	c.Release("acme", "flow", "recovered-before-restart")

	_, err := c.Admit(request(def))
	require.NoError(t, err)
	_, err = c.Admit(request(def))
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, model.REJECT_QUOTA_EXCEEDED, rejected.Reason)
}
