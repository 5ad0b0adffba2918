// Package executor drives workflow executions through their state machine:
// PENDING -> RUNNING <-> WAITING -> {SUCCEEDED, FAILED, CANCELLED}. Each
// execution is driven by one logical task at a time; every transition is
// persisted before the next step begins, so a crash never loses more than
// the in-flight step's partial side effects.
package executor

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/fluxion-io/fluxion/condition"
	"github.com/fluxion-io/fluxion/invoker"
	"github.com/fluxion-io/fluxion/logger"
	"github.com/fluxion-io/fluxion/metadata"
	"github.com/fluxion-io/fluxion/model"
	"github.com/fluxion-io/fluxion/persistence"
	"github.com/fluxion-io/fluxion/stream"
	"github.com/fluxion-io/fluxion/util"
	"go.uber.org/zap"
)

// Advisor is the optional smart-router collaborator consulted at CONDITION
// steps that opt in. Its suggestion is honored only when it names one of the
// step's declared branch targets; it never bypasses the state machine.
type Advisor interface {
	SuggestBranch(def *model.WorkflowDefinition, step *model.WorkflowStep, variables map[string]any) (string, bool)
}

type Config struct {
	Capacity            int
	Concurrency         int
	MaxParallelBranches int
	DefaultMaxAttempts  int
	DefaultBaseDelay    time.Duration
	DefaultMaxDelay     time.Duration
	DefaultJoinTimeout  time.Duration
}

type Service struct {
	config    Config
	store     persistence.ExecutionStore
	workflows metadata.WorkflowManager
	invokers  *invoker.Registry
	wakeups   persistence.WakeupQueue
	publisher *stream.Publisher
	advisor   Advisor

	worker *util.Worker
	wg     *sync.WaitGroup
	sem    chan struct{}
	locks  sync.Map

	// OnTerminal runs once per terminated execution; the agent wires the
	// coordinator's quota release here.
	OnTerminal func(execution *model.WorkflowExecution)

	now   func() time.Time
	sleep func(time.Duration)
}

func NewService(config Config, store persistence.ExecutionStore, workflows metadata.WorkflowManager,
	invokers *invoker.Registry, wakeups persistence.WakeupQueue, publisher *stream.Publisher,
	advisor Advisor, wg *sync.WaitGroup) *Service {
	if config.DefaultMaxAttempts <= 0 {
		config.DefaultMaxAttempts = 3
	}
	if config.DefaultBaseDelay <= 0 {
		config.DefaultBaseDelay = time.Second
	}
	if config.DefaultMaxDelay <= 0 {
		config.DefaultMaxDelay = time.Minute
	}
	if config.DefaultJoinTimeout <= 0 {
		config.DefaultJoinTimeout = 5 * time.Minute
	}
	if config.MaxParallelBranches <= 0 {
		config.MaxParallelBranches = 50
	}
	if config.Capacity <= 0 {
		config.Capacity = 512
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 8
	}
	s := &Service{
		config:    config,
		store:     store,
		workflows: workflows,
		invokers:  invokers,
		wakeups:   wakeups,
		publisher: publisher,
		advisor:   advisor,
		wg:        wg,
		now:       time.Now,
		sleep:     time.Sleep,
		sem:       make(chan struct{}, config.Concurrency),
	}
	s.worker = util.NewWorker("execution-worker", wg, s.handle, config.Capacity)
	return s
}

func (s *Service) Start() {
	s.worker.Start()
}

func (s *Service) Stop() {
	s.worker.Stop()
}

// Submit queues an execution for driving. Implements coordinator.Runner.
func (s *Service) Submit(executionId string) {
	s.worker.Sender() <- util.Task(executionId)
}

// Recover resubmits every non-terminal execution; each resumes from its last
// durably saved step. Step execution is at least once, so invokers may see a
// repeated call for the step that was in flight at crash time.
func (s *Service) Recover() {
	open, err := s.store.ListResumable()
	if err != nil {
		logger.Error("error listing resumable executions", zap.Error(err))
		return
	}
	for _, execution := range open {
		logger.Info("recovering execution", zap.String("executionId", execution.Id))
		s.Submit(execution.Id)
	}
}

// handle fans submissions out to a bounded pool. A per-execution lock keeps
// each execution single-threaded even when duplicate wakeups arrive.
func (s *Service) handle(task util.Task) error {
	executionId, ok := task.(string)
	if !ok {
		return fmt.Errorf("unexpected task %v", task)
	}
	s.sem <- struct{}{}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.sem }()
		mu, _ := s.locks.LoadOrStore(executionId, &sync.Mutex{})
		mu.(*sync.Mutex).Lock()
		defer mu.(*sync.Mutex).Unlock()
		s.drive(executionId)
	}()
	return nil
}

// stepAdvance is the outcome of running one step.
type stepAdvance struct {
	next     string        // next step to run, "" when not advancing
	wait     time.Duration // > 0: persist WAITING and schedule a wakeup
	pending  bool          // WAITING on an invoker callback, no wakeup
	terminal model.ExecutionStatus
	result   string
}

func (s *Service) drive(executionId string) {
	execution, err := s.store.Load(executionId)
	if err != nil {
		logger.Error("error loading execution", zap.String("executionId", executionId), zap.Error(err))
		return
	}
	if execution.Status.Terminal() {
		return
	}
	ensureMaps(execution)
	def, err := s.workflows.GetVersion(execution.WorkflowId, execution.Version)
	if err != nil {
		// The pinned version is immutable; losing it is a storage fault.
		// Leave the execution in its last durable state for later pickup.
		logger.Error("error loading pinned definition",
			zap.String("executionId", executionId), zap.Int("version", execution.Version), zap.Error(err))
		return
	}
	steps := stepIndex(def)

	if execution.Status == model.EXECUTION_WAITING && !execution.WakeupAt.IsZero() && s.now().Before(execution.WakeupAt) {
		if !execution.CancelRequested {
			// Woken early (e.g. a stray resubmission before the wakeup).
			return
		}
	}
	s.setStatus(execution, model.EXECUTION_RUNNING)

	for {
		if s.observeCancel(execution) {
			return
		}
		step, ok := steps[execution.CurrentStepId]
		if !ok {
			s.finalize(execution, def, model.EXECUTION_FAILED, fmt.Sprintf("step %q not in definition", execution.CurrentStepId))
			return
		}
		adv := s.runStep(execution, def, steps, step)
		switch {
		case adv.terminal != "":
			s.finalize(execution, def, adv.terminal, adv.result)
			return
		case adv.wait > 0:
			s.suspend(execution, s.now().Add(adv.wait))
			return
		case adv.pending:
			s.suspendPending(execution)
			return
		case adv.next != "":
			execution.CurrentStepId = adv.next
			execution.WakeupAt = time.Time{}
			if err := s.store.Save(execution); err != nil {
				logger.Error("error persisting transition", zap.String("executionId", execution.Id), zap.Error(err))
				return
			}
		default:
			if execution.CancelRequested {
				// A cancel observed mid-step finalizes at the boundary.
				continue
			}
			return
		}
	}
}

// ensureMaps restores maps the storage round-trip encodes away when empty.
func ensureMaps(execution *model.WorkflowExecution) {
	if execution.Variables == nil {
		execution.Variables = make(map[string]any)
	}
	if execution.Attempts == nil {
		execution.Attempts = make(map[string]int)
	}
}

// observeCancel reloads the persisted cancellation flag at the step boundary
// and, when set, terminates with the last completed step preserved.
func (s *Service) observeCancel(execution *model.WorkflowExecution) bool {
	persisted, err := s.store.Load(execution.Id)
	if err == nil && persisted.CancelRequested {
		execution.CancelRequested = true
	}
	if !execution.CancelRequested {
		return false
	}
	def, err := s.workflows.GetVersion(execution.WorkflowId, execution.Version)
	if err != nil {
		logger.Error("error loading definition during cancel", zap.Error(err))
	}
	s.finalize(execution, def, model.EXECUTION_CANCELLED, "")
	return true
}

func (s *Service) runStep(execution *model.WorkflowExecution, def *model.WorkflowDefinition,
	steps map[string]*model.WorkflowStep, step *model.WorkflowStep) stepAdvance {

	// A DELAY whose wakeup already fired advances; the sleep happened
	// while suspended, not on a worker.
	if step.Type == model.STEP_TYPE_DELAY && !execution.WakeupAt.IsZero() && !s.now().Before(execution.WakeupAt) {
		s.record(execution, step.Id, 1, model.OUTCOME_SUCCEEDED, "delay elapsed", "")
		return stepAdvance{next: step.Next}
	}

	if step.Guard != "" {
		met, err := condition.Evaluate(step.Guard, execution.Variables)
		if err != nil {
			return s.applyErrorPolicy(execution, step, err.Error(), true)
		}
		if !met {
			s.record(execution, step.Id, 1, model.OUTCOME_SKIPPED, "guard not met", "")
			return s.skipTo(execution, step)
		}
	}

	switch step.Type {
	case model.STEP_TYPE_CONDITION:
		return s.runCondition(execution, def, step)
	case model.STEP_TYPE_ACTION:
		return s.runAction(execution, step)
	case model.STEP_TYPE_DELAY:
		return stepAdvance{wait: time.Duration(step.Delay.Seconds) * time.Second}
	case model.STEP_TYPE_FORK:
		return s.runFork(execution, def, steps, step)
	case model.STEP_TYPE_JOIN:
		// Reached directly only when a fork already satisfied it.
		s.record(execution, step.Id, 1, model.OUTCOME_SUCCEEDED, "join satisfied", "")
		return stepAdvance{next: step.Next}
	case model.STEP_TYPE_TERMINAL:
		status := model.EXECUTION_SUCCEEDED
		if step.Terminal != nil && step.Terminal.Failure {
			status = model.EXECUTION_FAILED
		}
		result := ""
		if step.Terminal != nil {
			result = step.Terminal.Result
		}
		s.record(execution, step.Id, 1, model.OUTCOME_SUCCEEDED, "terminal reached", "")
		return stepAdvance{terminal: status, result: result}
	}
	return s.applyErrorPolicy(execution, step, fmt.Sprintf("unknown step type %q", step.Type), false)
}

// skipTo routes a guard-not-met step: explicit not-met successor, default
// successor, or SUCCEEDED when the step has nowhere to go.
func (s *Service) skipTo(execution *model.WorkflowExecution, step *model.WorkflowStep) stepAdvance {
	if step.NotMetStep != "" {
		return stepAdvance{next: step.NotMetStep}
	}
	if step.Next != "" {
		return stepAdvance{next: step.Next}
	}
	if step.Condition != nil && step.Condition.FalseStep != "" {
		return stepAdvance{next: step.Condition.FalseStep}
	}
	return stepAdvance{terminal: model.EXECUTION_SUCCEEDED}
}

func (s *Service) runCondition(execution *model.WorkflowExecution, def *model.WorkflowDefinition, step *model.WorkflowStep) stepAdvance {
	branch, err := condition.Evaluate(step.Condition.Expression, execution.Variables)
	if err != nil {
		return s.applyErrorPolicy(execution, step, err.Error(), true)
	}
	next := step.Condition.FalseStep
	if branch {
		next = step.Condition.TrueStep
	}
	if step.Condition.AllowAdvisory && s.advisor != nil {
		if suggested, ok := s.advisor.SuggestBranch(def, step, execution.Variables); ok {
			if suggested == step.Condition.TrueStep || suggested == step.Condition.FalseStep {
				next = suggested
			} else {
				logger.Warn("advisor suggested undeclared branch, ignoring",
					zap.String("executionId", execution.Id), zap.String("suggested", suggested))
			}
		}
	}
	s.record(execution, step.Id, 1, model.OUTCOME_SUCCEEDED, fmt.Sprintf("took branch %s", next), "")
	return stepAdvance{next: next}
}

func (s *Service) runAction(execution *model.WorkflowExecution, step *model.WorkflowStep) stepAdvance {
	attempt := execution.Attempts[step.Id] + 1
	execution.Attempts[step.Id] = attempt

	result := s.invoke(execution, step)
	// A cancel that arrived mid-invocation lets the call finish but
	// discards its output; external side effects cannot be undone.
	if persisted, err := s.store.Load(execution.Id); err == nil && persisted.CancelRequested {
		execution.CancelRequested = true
		s.record(execution, step.Id, attempt, model.OUTCOME_DISCARDED, "cancelled during invocation, output discarded", "")
		return stepAdvance{}
	}

	switch result.Status {
	case model.INVOKE_SUCCESS:
		for k, v := range result.Outputs {
			execution.Variables[k] = v
		}
		delete(execution.Attempts, step.Id)
		s.record(execution, step.Id, attempt, model.OUTCOME_SUCCEEDED, result.Message, "")
		return stepAdvance{next: step.Next}
	case model.INVOKE_PENDING:
		s.record(execution, step.Id, attempt, model.OUTCOME_WAITING, "waiting on invoker callback", "")
		return stepAdvance{pending: true}
	default:
		return s.applyErrorPolicy(execution, step, result.Message, result.Retryable)
	}
}

func (s *Service) invoke(execution *model.WorkflowExecution, step *model.WorkflowStep) model.InvokeResult {
	inv, err := s.invokers.Get(step.Action.Name)
	if err != nil {
		return model.InvokeResult{Status: model.INVOKE_FAILURE, Retryable: false, Message: err.Error()}
	}
	config := util.ResolveParams(execution.Variables, step.Action.Parameters)
	return inv.Invoke(context.Background(), config, execution.Variables)
}

// applyErrorPolicy implements the step's onError routing. RETRY re-attempts
// after capped exponential backoff with jitter; exceeding the attempt cap,
// or a non-retryable failure, is a permanent failure.
func (s *Service) applyErrorPolicy(execution *model.WorkflowExecution, step *model.WorkflowStep,
	message string, retryable bool) stepAdvance {

	policy := step.OnError
	// Action attempts are counted at invocation; guard and expression
	// failures count here so their retry loops stay bounded too.
	if step.Type != model.STEP_TYPE_ACTION {
		execution.Attempts[step.Id]++
	}
	attempt := execution.Attempts[step.Id]
	if attempt == 0 {
		attempt = 1
	}

	switch policy.Policy {
	case model.ON_ERROR_RETRY:
		maxAttempts := policy.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = s.config.DefaultMaxAttempts
		}
		if retryable && attempt < maxAttempts {
			delay := s.backoff(policy, attempt)
			s.record(execution, step.Id, attempt, model.OUTCOME_RETRYING, fmt.Sprintf("retrying in %s", delay), message)
			return stepAdvance{wait: delay}
		}
		s.record(execution, step.Id, attempt, model.OUTCOME_FAILED, "attempts exhausted", message)
		return stepAdvance{terminal: model.EXECUTION_FAILED, result: message}
	case model.ON_ERROR_SKIP:
		s.record(execution, step.Id, attempt, model.OUTCOME_SKIPPED, "skipped after error", message)
		delete(execution.Attempts, step.Id)
		return s.skipTo(execution, step)
	case model.ON_ERROR_ROUTE_TO:
		s.record(execution, step.Id, attempt, model.OUTCOME_FAILED, fmt.Sprintf("routing to %s", policy.RouteTo), message)
		delete(execution.Attempts, step.Id)
		return stepAdvance{next: policy.RouteTo}
	default:
		s.record(execution, step.Id, attempt, model.OUTCOME_FAILED, "", message)
		return stepAdvance{terminal: model.EXECUTION_FAILED, result: message}
	}
}

func (s *Service) backoff(policy model.ErrorPolicy, attempt int) time.Duration {
	base := time.Duration(policy.BaseDelaySeconds) * time.Second
	if base <= 0 {
		base = s.config.DefaultBaseDelay
	}
	max := time.Duration(policy.MaxDelaySeconds) * time.Second
	if max <= 0 {
		max = s.config.DefaultMaxDelay
	}
	delay := base << (attempt - 1)
	if delay > max || delay <= 0 {
		delay = max
	}
	// Full jitter in [delay/2, delay).
	return delay/2 + time.Duration(rand.Int63n(int64(delay/2)+1))
}

func (s *Service) record(execution *model.WorkflowExecution, stepId string, attempt int,
	outcome model.StepOutcome, message string, errDetail string) {
	entry := model.HistoryEntry{
		StepId:    stepId,
		Attempt:   attempt,
		StartTime: s.now(),
		EndTime:   s.now(),
		Outcome:   outcome,
		Message:   message,
		Error:     errDetail,
	}
	if err := s.store.AppendHistory(execution.Id, entry); err != nil {
		logger.Error("error appending history", zap.String("executionId", execution.Id), zap.Error(err))
	}
	execution.History = append(execution.History, entry)
}

func (s *Service) setStatus(execution *model.WorkflowExecution, status model.ExecutionStatus) {
	if execution.Status == status {
		return
	}
	s.persistStatus(execution, status)
}

func (s *Service) suspend(execution *model.WorkflowExecution, wakeupAt time.Time) {
	execution.WaitingSince = s.now()
	execution.WakeupAt = wakeupAt
	s.persistStatus(execution, model.EXECUTION_WAITING)
	if err := s.wakeups.Schedule(execution.Id, wakeupAt); err != nil {
		logger.Error("error scheduling wakeup", zap.String("executionId", execution.Id), zap.Error(err))
	}
}

func (s *Service) suspendPending(execution *model.WorkflowExecution) {
	execution.WaitingSince = s.now()
	execution.WakeupAt = time.Time{}
	s.persistStatus(execution, model.EXECUTION_WAITING)
}

// persistStatus saves unconditionally; suspension must persist WakeupAt even
// when the execution was already WAITING.
func (s *Service) persistStatus(execution *model.WorkflowExecution, status model.ExecutionStatus) {
	changed := execution.Status != status
	execution.Status = status
	if err := s.store.Save(execution); err != nil {
		logger.Error("error persisting status", zap.String("executionId", execution.Id), zap.Error(err))
		return
	}
	if changed {
		s.publisher.Publish(stream.StatusChange{
			ExecutionId: execution.Id,
			Status:      status,
			StepId:      execution.CurrentStepId,
			At:          s.now(),
		})
	}
}

// ResumeAsync completes an ACTION step whose invoker reported PENDING. The
// invoker callback delivers the final result here.
func (s *Service) ResumeAsync(executionId string, result model.InvokeResult) error {
	// Callbacks serialize with drive; a recovery resubmission of the same
	// waiting execution must not interleave with the completion.
	mu, _ := s.locks.LoadOrStore(executionId, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	defer mu.(*sync.Mutex).Unlock()

	execution, err := s.store.Load(executionId)
	if err != nil {
		return err
	}
	ensureMaps(execution)
	if execution.Status != model.EXECUTION_WAITING {
		return fmt.Errorf("execution %s is not waiting", executionId)
	}
	def, err := s.workflows.GetVersion(execution.WorkflowId, execution.Version)
	if err != nil {
		return err
	}
	steps := stepIndex(def)
	step, ok := steps[execution.CurrentStepId]
	if !ok || step.Type != model.STEP_TYPE_ACTION {
		return fmt.Errorf("execution %s is not waiting on an action", executionId)
	}
	attempt := execution.Attempts[step.Id]
	if attempt == 0 {
		attempt = 1
	}
	switch result.Status {
	case model.INVOKE_SUCCESS:
		for k, v := range result.Outputs {
			execution.Variables[k] = v
		}
		delete(execution.Attempts, step.Id)
		s.record(execution, step.Id, attempt, model.OUTCOME_SUCCEEDED, "invoker callback", "")
		execution.CurrentStepId = step.Next
		execution.Status = model.EXECUTION_RUNNING
		if err := s.store.Save(execution); err != nil {
			return err
		}
	default:
		adv := s.applyErrorPolicy(execution, step, result.Message, result.Retryable)
		if adv.terminal != "" {
			s.finalize(execution, def, adv.terminal, adv.result)
			return nil
		}
		if adv.wait > 0 {
			s.suspend(execution, s.now().Add(adv.wait))
			return nil
		}
		if adv.next != "" {
			execution.CurrentStepId = adv.next
			execution.Status = model.EXECUTION_RUNNING
			if err := s.store.Save(execution); err != nil {
				return err
			}
		}
	}
	s.Submit(executionId)
	return nil
}

func (s *Service) finalize(execution *model.WorkflowExecution, def *model.WorkflowDefinition,
	status model.ExecutionStatus, result string) {
	execution.EndTime = s.now()
	execution.Result = result
	s.setStatus(execution, status)
	if def != nil {
		if err := s.workflows.RecordTerminal(execution.WorkflowId, execution.Version, status); err != nil {
			logger.Error("error recording terminal stats", zap.String("workflow", execution.WorkflowId), zap.Error(err))
		}
	}
	if s.OnTerminal != nil {
		s.OnTerminal(execution)
	}
	logger.Info("execution finished",
		zap.String("executionId", execution.Id),
		zap.String("status", string(status)),
		zap.String("lastStep", execution.CurrentStepId))
}

func stepIndex(def *model.WorkflowDefinition) map[string]*model.WorkflowStep {
	steps := make(map[string]*model.WorkflowStep, len(def.Steps))
	for i := range def.Steps {
		steps[def.Steps[i].Id] = &def.Steps[i]
	}
	return steps
}
