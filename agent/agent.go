// Package agent assembles the fluxion services and manages their lifecycle.
package agent

import (
	"sync"
	"time"

	"github.com/fluxion-io/fluxion/config"
	"github.com/fluxion-io/fluxion/coordinator"
	"github.com/fluxion-io/fluxion/executor"
	"github.com/fluxion-io/fluxion/invoker"
	"github.com/fluxion-io/fluxion/logger"
	"github.com/fluxion-io/fluxion/metadata"
	"github.com/fluxion-io/fluxion/model"
	"github.com/fluxion-io/fluxion/persistence"
	"github.com/fluxion-io/fluxion/persistence/inmem"
	"github.com/fluxion-io/fluxion/persistence/redis"
	"github.com/fluxion-io/fluxion/rest"
	"github.com/fluxion-io/fluxion/stream"
	"github.com/fluxion-io/fluxion/timer"
	"github.com/fluxion-io/fluxion/trigger"
)

type Agent struct {
	Config config.Config

	definitions persistence.DefinitionStore
	executions  persistence.ExecutionStore
	wakeups     persistence.WakeupQueue

	invokers    *invoker.Registry
	workflows   metadata.WorkflowManager
	publisher   *stream.Publisher
	executor    *executor.Service
	coordinator *coordinator.Coordinator
	triggers    *trigger.Manager
	scheduler   *trigger.Scheduler
	timer       *timer.Service
	httpServer  *rest.Server

	shutdown     bool
	shutdownLock sync.Mutex
	wg           sync.WaitGroup
}

func New(conf config.Config) (*Agent, error) {
	a := &Agent{
		Config: conf,
	}
	setup := []func() error{
		a.setupStores,
		a.setupInvokers,
		a.setupWorkflowManager,
		a.setupPublisher,
		a.setupExecutor,
		a.setupCoordinator,
		a.setupTriggers,
		a.setupTimer,
		a.setupHttpServer,
	}
	for _, fn := range setup {
		if err := fn(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *Agent) setupStores() error {
	switch a.Config.StorageType {
	case config.STORAGE_TYPE_REDIS:
		conf := redis.Config{
			Addrs:     a.Config.RedisConfig.Addrs,
			Namespace: a.Config.RedisConfig.Namespace,
		}
		a.definitions = redis.NewDefinitionStore(conf)
		a.executions = redis.NewExecutionStore(conf)
		a.wakeups = redis.NewWakeupQueue(conf)
	default:
		store := inmem.NewStore()
		a.definitions = store
		a.executions = store
		a.wakeups = store
	}
	return nil
}

func (a *Agent) setupInvokers() error {
	a.invokers = invoker.DefaultRegistry()
	return nil
}

func (a *Agent) setupWorkflowManager() error {
	a.workflows = metadata.NewWorkflowManager(a.definitions, a.invokers.Names())
	return nil
}

func (a *Agent) setupPublisher() error {
	a.publisher = stream.NewPublisher()
	return nil
}

func (a *Agent) setupExecutor() error {
	ec := a.Config.ExecutorConfig
	a.executor = executor.NewService(executor.Config{
		Capacity:            ec.Capacity,
		Concurrency:         ec.Concurrency,
		MaxParallelBranches: ec.MaxParallelBranches,
		DefaultMaxAttempts:  ec.DefaultMaxAttempts,
		DefaultBaseDelay:    time.Duration(ec.BaseDelaySeconds) * time.Second,
		DefaultMaxDelay:     time.Duration(ec.MaxDelaySeconds) * time.Second,
		DefaultJoinTimeout:  time.Duration(ec.JoinTimeoutSeconds) * time.Second,
	}, a.executions, a.workflows, a.invokers, a.wakeups, a.publisher, nil, &a.wg)
	return nil
}

func (a *Agent) setupCoordinator() error {
	a.coordinator = coordinator.New(coordinator.Config{
		TenantQuota:        int64(a.Config.QuotaConfig.TenantQuota),
		DefaultWorkflowCap: int64(a.Config.QuotaConfig.DefaultWorkflowCap),
	}, a.workflows, a.executions, coordinator.AllowAll{})
	a.coordinator.SetRunner(a.executor)
	// Quota slots are held for the execution's whole lifetime and released
	// exactly once at termination.
	a.executor.OnTerminal = func(execution *model.WorkflowExecution) {
		a.coordinator.Release(execution.TenantId, execution.WorkflowId, execution.Id)
	}
	return nil
}

func (a *Agent) setupTriggers() error {
	verifier := trigger.NewSharedSecretVerifier(a.Config.WebhookSecrets)
	policy := trigger.CATCH_UP_ALL_BOUNDARIES
	if a.Config.TriggerConfig.CatchUpPolicy == config.CATCH_UP_LATEST {
		policy = trigger.CATCH_UP_LATEST
	}
	a.triggers = trigger.NewManager(a.workflows, verifier, policy)
	interval := time.Duration(a.Config.TriggerConfig.TickMillis) * time.Millisecond
	a.scheduler = trigger.NewScheduler(a.triggers, a.coordinator, interval, &a.wg)
	return nil
}

func (a *Agent) setupTimer() error {
	interval := time.Duration(a.Config.ExecutorConfig.WakeupTickMillis) * time.Millisecond
	a.timer = timer.NewService(a.wakeups, a.executor, interval, &a.wg)
	return nil
}

func (a *Agent) setupHttpServer() error {
	var err error
	a.httpServer, err = rest.NewServer(a.Config.HttpPort, a.workflows, a.coordinator,
		a.triggers, a.executions, a.publisher, a.executor)
	return err
}

func (a *Agent) Start() error {
	a.executor.Start()
	a.executor.Recover()
	a.timer.Start()
	a.scheduler.Start()
	go func() {
		if err := a.httpServer.Start(); err != nil {
			_ = a.Shutdown()
		}
	}()
	return nil
}

func (a *Agent) Shutdown() error {
	logger.Info("shutting down server")
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()
	if a.shutdown {
		return nil
	}
	a.shutdown = true

	shutdown := []func() error{
		a.httpServer.Stop,
		func() error { a.scheduler.Stop(); return nil },
		func() error { a.timer.Stop(); return nil },
		func() error { a.executor.Stop(); return nil },
	}
	for _, fn := range shutdown {
		if err := fn(); err != nil {
			return err
		}
	}
	logger.Info("waiting for all services to shutdown...")
	a.wg.Wait()
	return nil
}
