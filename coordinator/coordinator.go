// Package coordinator admits executions: permission check, per-tenant quota,
// per-workflow concurrency cap. Quota is the only cross-execution shared
// state besides the activation pointer; it is maintained with lock-free
// compare-and-swap counters so unrelated executions never serialize.
package coordinator

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fluxion-io/fluxion/logger"
	"github.com/fluxion-io/fluxion/metadata"
	"github.com/fluxion-io/fluxion/model"
	"github.com/fluxion-io/fluxion/persistence"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PermissionChecker is the opaque authorization collaborator.
type PermissionChecker interface {
	CanExecute(tenantId string, workflowId string) bool
}

// AllowAll is the default checker for deployments that authorize upstream.
type AllowAll struct{}

func (AllowAll) CanExecute(string, string) bool { return true }

// Runner receives admitted executions. The workflow executor implements it.
type Runner interface {
	Submit(executionId string)
}

type RejectedError struct {
	Reason model.RejectReason
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("execution rejected: %s", e.Reason)
}

type Config struct {
	// TenantQuota caps concurrent executions per tenant.
	TenantQuota int64
	// DefaultWorkflowCap applies when a definition sets no MaxConcurrent.
	DefaultWorkflowCap int64
}

type Coordinator struct {
	config      Config
	workflows   metadata.WorkflowManager
	executions  persistence.ExecutionStore
	permissions PermissionChecker
	runner      Runner

	tenantCounts   sync.Map // tenantId -> *int64
	workflowCounts sync.Map // workflowId -> *int64
	inflight       sync.Map // executionId -> slot, pairs each decrement with one admit
}

// slot records the counters an admitted execution holds until release.
type slot struct {
	tenantId   string
	workflowId string
}

func New(config Config, workflows metadata.WorkflowManager, executions persistence.ExecutionStore, permissions PermissionChecker) *Coordinator {
	if permissions == nil {
		permissions = AllowAll{}
	}
	return &Coordinator{
		config:      config,
		workflows:   workflows,
		executions:  executions,
		permissions: permissions,
	}
}

// SetRunner breaks the construction cycle between the coordinator and the
// executor; the agent wires it before anything is admitted.
func (c *Coordinator) SetRunner(runner Runner) {
	c.runner = runner
}

func (c *Coordinator) counter(m *sync.Map, key string) *int64 {
	v, _ := m.LoadOrStore(key, new(int64))
	return v.(*int64)
}

// tryAcquire increments the counter unless it is at limit.
func tryAcquire(counter *int64, limit int64) bool {
	for {
		current := atomic.LoadInt64(counter)
		if current >= limit {
			return false
		}
		if atomic.CompareAndSwapInt64(counter, current, current+1) {
			return true
		}
	}
}

// Admit creates a PENDING execution for the request and hands it to the
// runner, or rejects it with a structured reason. The caller decides whether
// to queue or drop a rejected request.
func (c *Coordinator) Admit(request model.ExecutionRequest) (*model.WorkflowExecution, error) {
	if !c.permissions.CanExecute(request.TenantId, request.WorkflowId) {
		return nil, &RejectedError{Reason: model.REJECT_PERMISSION_DENIED}
	}
	// Triggers pin the version they matched; manual requests without one
	// resolve to whatever is active at admission time.
	var def *model.WorkflowDefinition
	var err error
	if request.Version > 0 {
		def, err = c.workflows.GetVersion(request.WorkflowId, request.Version)
	} else {
		def, err = c.workflows.GetActive(request.WorkflowId)
	}
	if err != nil {
		return nil, &RejectedError{Reason: model.REJECT_WORKFLOW_INACTIVE}
	}

	tenantCounter := c.counter(&c.tenantCounts, request.TenantId)
	if !tryAcquire(tenantCounter, c.config.TenantQuota) {
		return nil, &RejectedError{Reason: model.REJECT_QUOTA_EXCEEDED}
	}
	workflowCap := c.config.DefaultWorkflowCap
	if def.MaxConcurrent > 0 {
		workflowCap = int64(def.MaxConcurrent)
	}
	workflowCounter := c.counter(&c.workflowCounts, request.WorkflowId)
	if !tryAcquire(workflowCounter, workflowCap) {
		atomic.AddInt64(tenantCounter, -1)
		return nil, &RejectedError{Reason: model.REJECT_QUOTA_EXCEEDED}
	}

	execution := &model.WorkflowExecution{
		Id:            uuid.New().String(),
		WorkflowId:    request.WorkflowId,
		Version:       def.Version,
		TenantId:      request.TenantId,
		Status:        model.EXECUTION_PENDING,
		CurrentStepId: def.StartStep,
		Variables:     request.Variables,
		Attempts:      make(map[string]int),
		StartTime:     time.Now(),
	}
	if execution.Variables == nil {
		execution.Variables = make(map[string]any)
	}
	if err := c.executions.Save(execution); err != nil {
		atomic.AddInt64(tenantCounter, -1)
		atomic.AddInt64(workflowCounter, -1)
		return nil, err
	}
	c.inflight.Store(execution.Id, slot{tenantId: request.TenantId, workflowId: request.WorkflowId})
	logger.Info("execution admitted",
		zap.String("executionId", execution.Id),
		zap.String("workflow", request.WorkflowId),
		zap.String("tenant", request.TenantId))
	c.runner.Submit(execution.Id)
	return execution, nil
}

// Release returns the quota held by an execution. Only executions this
// coordinator admitted hold slots; releasing one it never admitted (a
// crash-recovered execution, or a repeat call) leaves the counters alone.
func (c *Coordinator) Release(tenantId string, workflowId string, executionId string) {
	held, ok := c.inflight.LoadAndDelete(executionId)
	if !ok {
		return
	}
	s := held.(slot)
	atomic.AddInt64(c.counter(&c.tenantCounts, s.tenantId), -1)
	atomic.AddInt64(c.counter(&c.workflowCounts, s.workflowId), -1)
}

// Cancel requests cooperative cancellation. The executor observes the flag
// at the next step boundary; an in-flight invocation runs to completion and
// its output is discarded.
func (c *Coordinator) Cancel(executionId string) error {
	execution, err := c.executions.Load(executionId)
	if err != nil {
		return err
	}
	if execution.Status.Terminal() {
		return nil
	}
	execution.CancelRequested = true
	if err := c.executions.Save(execution); err != nil {
		return err
	}
	logger.Info("cancellation requested", zap.String("executionId", executionId))
	// A WAITING execution has no scheduled work until its wakeup fires;
	// resubmit so the flag is observed promptly.
	if execution.Status == model.EXECUTION_WAITING || execution.Status == model.EXECUTION_PENDING {
		c.runner.Submit(executionId)
	}
	return nil
}
