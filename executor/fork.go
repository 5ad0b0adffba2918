package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fluxion-io/fluxion/condition"
	"github.com/fluxion-io/fluxion/logger"
	"github.com/fluxion-io/fluxion/model"
	"github.com/fluxion-io/fluxion/util"
	"go.uber.org/zap"
)

// forkState guards the shared execution while parallel branches run. Once
// abandoned (join timeout with PROCEED), late branch writes are discarded.
type forkState struct {
	mu        sync.Mutex
	execution *model.WorkflowExecution
	service   *Service
	abandoned bool
	terminal  model.ExecutionStatus
	result    string
}

// runFork executes each declared branch concurrently up to the join step,
// then applies the join's timeout policy. Branch completion is tracked in
// the execution so a crash mid-fork re-runs only incomplete branches.
func (s *Service) runFork(execution *model.WorkflowExecution, def *model.WorkflowDefinition,
	steps map[string]*model.WorkflowStep, step *model.WorkflowStep) stepAdvance {

	join := steps[step.Fork.JoinStep]
	if execution.Branches == nil {
		execution.Branches = make(map[string]bool, len(step.Fork.Branches))
	}
	for _, branch := range step.Fork.Branches {
		if _, ok := execution.Branches[branch]; !ok {
			execution.Branches[branch] = false
		}
	}
	if err := s.store.Save(execution); err != nil {
		logger.Error("error persisting fork state", zap.String("executionId", execution.Id), zap.Error(err))
		return stepAdvance{}
	}

	state := &forkState{execution: execution, service: s}
	limit := make(chan struct{}, s.config.MaxParallelBranches)
	done := make(chan struct{})
	var branchWg sync.WaitGroup
	for _, branch := range step.Fork.Branches {
		if execution.Branches[branch] {
			continue
		}
		branchWg.Add(1)
		go func(start string) {
			defer branchWg.Done()
			limit <- struct{}{}
			defer func() { <-limit }()
			s.runBranch(state, steps, start, step.Fork.JoinStep)
		}(branch)
	}
	go func() {
		branchWg.Wait()
		close(done)
	}()

	timeout := s.config.DefaultJoinTimeout
	policy := model.JOIN_TIMEOUT_PROCEED
	if join != nil && join.Join != nil {
		if join.Join.TimeoutSeconds > 0 {
			timeout = time.Duration(join.Join.TimeoutSeconds) * time.Second
		}
		if join.Join.OnTimeout != "" {
			policy = join.Join.OnTimeout
		}
	}

	timedOut := false
	select {
	case <-done:
	case <-time.After(timeout):
		timedOut = true
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	if timedOut {
		state.abandoned = true
		for branch, complete := range execution.Branches {
			if !complete {
				s.record(execution, branch, 1, model.OUTCOME_TIMED_OUT, "branch incomplete at join timeout", "")
			}
		}
		if policy == model.JOIN_TIMEOUT_FAIL {
			s.record(execution, step.Fork.JoinStep, 1, model.OUTCOME_FAILED, "join timed out", "")
			return stepAdvance{terminal: model.EXECUTION_FAILED, result: "join timed out"}
		}
	}
	if state.terminal != "" {
		return stepAdvance{terminal: state.terminal, result: state.result}
	}
	execution.Branches = nil
	s.record(execution, step.Fork.JoinStep, 1, model.OUTCOME_SUCCEEDED, "branches joined", "")
	if join == nil {
		return stepAdvance{terminal: model.EXECUTION_FAILED, result: "join step missing"}
	}
	return stepAdvance{next: join.Next}
}

// runBranch walks one branch sequentially until it reaches the join step.
// Delays and retry backoff inside a branch sleep inline on the branch
// goroutine; a branch cannot suspend the whole execution.
func (s *Service) runBranch(state *forkState, steps map[string]*model.WorkflowStep, start, joinStepId string) {
	current := start
	for current != "" && current != joinStepId {
		step, ok := steps[current]
		if !ok {
			s.branchFail(state, current, fmt.Sprintf("step %q not in definition", current))
			return
		}
		next, err := s.runBranchStep(state, step)
		if err != nil {
			s.branchFail(state, step.Id, err.Error())
			return
		}
		if next == "" {
			return
		}
		current = next
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.abandoned {
		return
	}
	state.execution.Branches[start] = true
	if err := s.store.Save(state.execution); err != nil {
		logger.Error("error persisting branch completion", zap.String("executionId", state.execution.Id), zap.Error(err))
	}
}

// runBranchStep returns the next step id, "" when the branch terminated the
// workflow, or an error for an unrecoverable branch failure.
func (s *Service) runBranchStep(state *forkState, step *model.WorkflowStep) (string, error) {
	state.mu.Lock()
	if state.abandoned {
		state.mu.Unlock()
		return "", nil
	}
	variables := snapshotVariables(state.execution.Variables)
	state.mu.Unlock()

	if step.Guard != "" {
		met, err := condition.Evaluate(step.Guard, variables)
		if err != nil {
			return "", err
		}
		if !met {
			state.mu.Lock()
			s.record(state.execution, step.Id, 1, model.OUTCOME_SKIPPED, "guard not met", "")
			state.mu.Unlock()
			if step.NotMetStep != "" {
				return step.NotMetStep, nil
			}
			return step.Next, nil
		}
	}

	switch step.Type {
	case model.STEP_TYPE_CONDITION:
		branch, err := condition.Evaluate(step.Condition.Expression, variables)
		if err != nil {
			return "", err
		}
		next := step.Condition.FalseStep
		if branch {
			next = step.Condition.TrueStep
		}
		state.mu.Lock()
		s.record(state.execution, step.Id, 1, model.OUTCOME_SUCCEEDED, fmt.Sprintf("took branch %s", next), "")
		state.mu.Unlock()
		return next, nil
	case model.STEP_TYPE_ACTION:
		return s.runBranchAction(state, step, variables)
	case model.STEP_TYPE_DELAY:
		s.sleep(time.Duration(step.Delay.Seconds) * time.Second)
		state.mu.Lock()
		s.record(state.execution, step.Id, 1, model.OUTCOME_SUCCEEDED, "delay elapsed", "")
		state.mu.Unlock()
		return step.Next, nil
	case model.STEP_TYPE_TERMINAL:
		status := model.EXECUTION_SUCCEEDED
		result := ""
		if step.Terminal != nil {
			if step.Terminal.Failure {
				status = model.EXECUTION_FAILED
			}
			result = step.Terminal.Result
		}
		state.mu.Lock()
		s.record(state.execution, step.Id, 1, model.OUTCOME_SUCCEEDED, "terminal reached in branch", "")
		if state.terminal == "" {
			state.terminal = status
			state.result = result
		}
		state.mu.Unlock()
		return "", nil
	default:
		return "", fmt.Errorf("step type %q not allowed inside a fork branch", step.Type)
	}
}

func (s *Service) runBranchAction(state *forkState, step *model.WorkflowStep, variables map[string]any) (string, error) {
	maxAttempts := 1
	if step.OnError.Policy == model.ON_ERROR_RETRY {
		maxAttempts = step.OnError.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = s.config.DefaultMaxAttempts
		}
	}
	var result model.InvokeResult
	for attempt := 1; ; attempt++ {
		inv, err := s.invokers.Get(step.Action.Name)
		if err != nil {
			return "", err
		}
		config := util.ResolveParams(variables, step.Action.Parameters)
		result = inv.Invoke(context.Background(), config, variables)
		if result.Status == model.INVOKE_SUCCESS {
			state.mu.Lock()
			if !state.abandoned {
				for k, v := range result.Outputs {
					state.execution.Variables[k] = v
				}
				s.record(state.execution, step.Id, attempt, model.OUTCOME_SUCCEEDED, result.Message, "")
			}
			state.mu.Unlock()
			return step.Next, nil
		}
		if result.Status == model.INVOKE_PENDING {
			return "", fmt.Errorf("asynchronous actions are not supported inside a fork branch")
		}
		if !result.Retryable || attempt >= maxAttempts {
			break
		}
		delay := s.backoff(step.OnError, attempt)
		state.mu.Lock()
		s.record(state.execution, step.Id, attempt, model.OUTCOME_RETRYING, fmt.Sprintf("retrying in %s", delay), result.Message)
		state.mu.Unlock()
		s.sleep(delay)
	}
	switch step.OnError.Policy {
	case model.ON_ERROR_SKIP:
		state.mu.Lock()
		s.record(state.execution, step.Id, 1, model.OUTCOME_SKIPPED, "skipped after error", result.Message)
		state.mu.Unlock()
		return step.Next, nil
	case model.ON_ERROR_ROUTE_TO:
		state.mu.Lock()
		s.record(state.execution, step.Id, 1, model.OUTCOME_FAILED, fmt.Sprintf("routing to %s", step.OnError.RouteTo), result.Message)
		state.mu.Unlock()
		return step.OnError.RouteTo, nil
	default:
		return "", fmt.Errorf("action %s failed: %s", step.Action.Name, result.Message)
	}
}

// branchFail fails the whole execution from inside a branch.
func (s *Service) branchFail(state *forkState, stepId, message string) {
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.abandoned {
		return
	}
	s.record(state.execution, stepId, 1, model.OUTCOME_FAILED, "", message)
	if state.terminal == "" {
		state.terminal = model.EXECUTION_FAILED
		state.result = message
	}
}

func snapshotVariables(variables map[string]any) map[string]any {
	out := make(map[string]any, len(variables))
	for k, v := range variables {
		out[k] = v
	}
	return out
}
