// Package timer wakes suspended executions when their scheduled wakeup time
// arrives. Delays, retry backoff and schedule boundaries all flow through
// the same durable wakeup queue, so a restart never loses a pending timer.
package timer

import (
	"sync"
	"time"

	"github.com/fluxion-io/fluxion/coordinator"
	"github.com/fluxion-io/fluxion/logger"
	"github.com/fluxion-io/fluxion/persistence"
	"github.com/fluxion-io/fluxion/util"
	"go.uber.org/zap"
)

type Service struct {
	wakeups persistence.WakeupQueue
	runner  coordinator.Runner
	tick    *util.TickWorker
	now     func() time.Time
}

func NewService(wakeups persistence.WakeupQueue, runner coordinator.Runner, interval time.Duration, wg *sync.WaitGroup) *Service {
	if interval <= 0 {
		interval = time.Second
	}
	s := &Service{
		wakeups: wakeups,
		runner:  runner,
		now:     time.Now,
	}
	s.tick = util.NewTickWorker("wakeup-timer", interval, s.poll, wg)
	return s
}

func (s *Service) Start() {
	s.tick.Start()
}

func (s *Service) Stop() {
	s.tick.Stop()
}

// poll drains due wakeups and resubmits each execution. Duplicate wakeups
// are harmless; the executor serializes per execution and terminal
// executions ignore submissions.
func (s *Service) poll() {
	due, err := s.wakeups.PollDue(s.now())
	if err != nil {
		logger.Error("error polling wakeup queue", zap.Error(err))
		return
	}
	for _, executionId := range due {
		logger.Debug("wakeup due", zap.String("executionId", executionId))
		s.runner.Submit(executionId)
	}
}
