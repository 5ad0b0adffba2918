package executor

import (
	"testing"
	"time"

	"github.com/fluxion-io/fluxion/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func forkDef(join model.JoinConfig) *model.WorkflowDefinition {
	return &model.WorkflowDefinition{
		Id: "fanout", TenantId: "acme", StartStep: "split",
		Trigger: model.TriggerDefinition{Kind: model.TRIGGER_MANUAL, IsEnabled: true},
		Steps: []model.WorkflowStep{
			{Id: "split", Type: model.STEP_TYPE_FORK, Fork: &model.ForkConfig{
				Branches: []string{"left", "right"}, JoinStep: "merge",
			}},
			{Id: "left", Type: model.STEP_TYPE_ACTION, Action: &model.ActionConfig{Name: "left"}, Next: "merge"},
			{Id: "right", Type: model.STEP_TYPE_ACTION, Action: &model.ActionConfig{Name: "right"}, Next: "merge"},
			{Id: "merge", Type: model.STEP_TYPE_JOIN, Join: &join, Next: "done"},
			{Id: "done", Type: model.STEP_TYPE_TERMINAL, Terminal: &model.TerminalConfig{Result: "merged"}},
		},
	}
}

func TestForkJoinMergesBranchOutputs(t *testing.T) {
	left := &fakeInvoker{name: "left", fn: succeedWith(map[string]any{"leftDone": true})}
	right := &fakeInvoker{name: "right", fn: succeedWith(map[string]any{"rightDone": true})}
	h := newHarness(t, left, right)
	def := h.publish(t, forkDef(model.JoinConfig{TimeoutSeconds: 5}))

	execution := h.drive(t, h.newExecution(t, def, nil).Id)

	assert.Equal(t, model.EXECUTION_SUCCEEDED, execution.Status)
	assert.Equal(t, "merged", execution.Result)
	assert.Equal(t, 1, left.callCount())
	assert.Equal(t, 1, right.callCount())
	assert.Equal(t, true, execution.Variables["leftDone"])
	assert.Equal(t, true, execution.Variables["rightDone"])
	assert.Nil(t, execution.Branches, "branch tracking cleared after join")
}

func TestForkResumeRunsOnlyIncompleteBranches(t *testing.T) {
	left := &fakeInvoker{name: "left", fn: succeedWith(map[string]any{"leftDone": true})}
	right := &fakeInvoker{name: "right", fn: succeedWith(map[string]any{"rightDone": true})}
	h := newHarness(t, left, right)
	def := h.publish(t, forkDef(model.JoinConfig{TimeoutSeconds: 5}))

	// Crash state: left branch finished before the join was reached.
	execution := h.newExecution(t, def, map[string]any{"leftDone": true})
	execution.Status = model.EXECUTION_RUNNING
	execution.Branches = map[string]bool{"left": true, "right": false}
	require.NoError(t, h.store.Save(execution))

	execution = h.drive(t, execution.Id)

	assert.Equal(t, model.EXECUTION_SUCCEEDED, execution.Status)
	assert.Equal(t, 0, left.callCount())
	assert.Equal(t, 1, right.callCount())
}

func TestJoinTimeoutFailPolicy(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	left := &fakeInvoker{name: "left", fn: succeedWith(nil)}
	right := &fakeInvoker{name: "right", fn: func(int, map[string]any, map[string]any) model.InvokeResult {
		<-release
		return model.InvokeResult{Status: model.INVOKE_SUCCESS}
	}}
	h := newHarness(t, left, right)
	def := h.publish(t, forkDef(model.JoinConfig{TimeoutSeconds: 1, OnTimeout: model.JOIN_TIMEOUT_FAIL}))

	start := time.Now()
	execution := h.drive(t, h.newExecution(t, def, nil).Id)

	assert.Equal(t, model.EXECUTION_FAILED, execution.Status)
	assert.WithinDuration(t, start.Add(time.Second), time.Now(), 3*time.Second)
	timedOut := false
	for _, entry := range execution.History {
		if entry.StepId == "right" && entry.Outcome == model.OUTCOME_TIMED_OUT {
			timedOut = true
		}
	}
	assert.True(t, timedOut, "stuck branch recorded as timed out")
}

func TestJoinTimeoutProceedPolicy(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	left := &fakeInvoker{name: "left", fn: succeedWith(map[string]any{"leftDone": true})}
	right := &fakeInvoker{name: "right", fn: func(int, map[string]any, map[string]any) model.InvokeResult {
		<-release
		return model.InvokeResult{Status: model.INVOKE_SUCCESS, Outputs: map[string]any{"late": true}}
	}}
	h := newHarness(t, left, right)
	def := h.publish(t, forkDef(model.JoinConfig{TimeoutSeconds: 1, OnTimeout: model.JOIN_TIMEOUT_PROCEED}))

	execution := h.drive(t, h.newExecution(t, def, nil).Id)

	assert.Equal(t, model.EXECUTION_SUCCEEDED, execution.Status)
	assert.Equal(t, true, execution.Variables["leftDone"])
	assert.NotContains(t, execution.Variables, "late", "abandoned branch output discarded")
}

func TestBranchFailureFailsWorkflow(t *testing.T) {
	left := &fakeInvoker{name: "left", fn: succeedWith(nil)}
	right := &fakeInvoker{name: "right", fn: func(int, map[string]any, map[string]any) model.InvokeResult {
		return model.InvokeResult{Status: model.INVOKE_FAILURE, Message: "broken"}
	}}
	h := newHarness(t, left, right)
	def := h.publish(t, forkDef(model.JoinConfig{TimeoutSeconds: 5}))

	execution := h.drive(t, h.newExecution(t, def, nil).Id)

	assert.Equal(t, model.EXECUTION_FAILED, execution.Status)
	assert.Equal(t, "action right failed: broken", execution.Result)
}
