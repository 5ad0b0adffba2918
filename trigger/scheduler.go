package trigger

import (
	"errors"
	"sync"
	"time"

	"github.com/fluxion-io/fluxion/coordinator"
	"github.com/fluxion-io/fluxion/logger"
	"github.com/fluxion-io/fluxion/model"
	"github.com/fluxion-io/fluxion/util"
	"go.uber.org/zap"
)

// Admitter is the admission-control entry point the scheduler hands fired
// requests to. Satisfied by coordinator.Coordinator.
type Admitter interface {
	Admit(request model.ExecutionRequest) (*model.WorkflowExecution, error)
}

// Scheduler ticks the trigger manager's schedule matching on a fixed
// interval and submits fired requests for admission. Rejections are logged
// and dropped; a rejected schedule boundary is not retried.
type Scheduler struct {
	manager  *Manager
	admitter Admitter
	tick     *util.TickWorker
}

func NewScheduler(manager *Manager, admitter Admitter, interval time.Duration, wg *sync.WaitGroup) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	s := &Scheduler{manager: manager, admitter: admitter}
	s.tick = util.NewTickWorker("trigger-scheduler", interval, s.fire, wg)
	return s
}

func (s *Scheduler) Start() {
	s.tick.Start()
}

func (s *Scheduler) Stop() {
	s.tick.Stop()
}

func (s *Scheduler) fire() {
	for _, request := range s.manager.Tick() {
		if _, err := s.admitter.Admit(request); err != nil {
			var rejected *coordinator.RejectedError
			if errors.As(err, &rejected) {
				logger.Warn("scheduled execution rejected",
					zap.String("workflowId", request.WorkflowId),
					zap.String("reason", string(rejected.Reason)))
				continue
			}
			logger.Error("error admitting scheduled execution",
				zap.String("workflowId", request.WorkflowId), zap.Error(err))
		}
	}
}
