// Package trigger matches inbound events against the triggers of active
// workflow definitions and produces execution requests.
package trigger

import (
	"sync"
	"time"

	"github.com/fluxion-io/fluxion/condition"
	"github.com/fluxion-io/fluxion/logger"
	"github.com/fluxion-io/fluxion/metadata"
	"github.com/fluxion-io/fluxion/model"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Verifier checks a webhook event's signature against the configured shared
// secret. Verification itself is an external collaborator concern.
type Verifier interface {
	Verify(event model.Event) bool
}

// CatchUpPolicy controls how many catch-up executions a schedule trigger
// produces after downtime.
type CatchUpPolicy string

const (
	// CATCH_UP_ALL_BOUNDARIES fires once per missed cron boundary.
	CATCH_UP_ALL_BOUNDARIES CatchUpPolicy = "ALL_BOUNDARIES"
	// CATCH_UP_LATEST collapses any downtime into a single catch-up.
	CATCH_UP_LATEST CatchUpPolicy = "LATEST"
)

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

type Manager struct {
	workflows metadata.WorkflowManager
	verifier  Verifier
	policy    CatchUpPolicy
	now       func() time.Time

	mu       sync.Mutex
	lastFire map[string]time.Time // workflowId -> last schedule boundary handled
}

func NewManager(workflows metadata.WorkflowManager, verifier Verifier, policy CatchUpPolicy) *Manager {
	if policy == "" {
		policy = CATCH_UP_ALL_BOUNDARIES
	}
	return &Manager{
		workflows: workflows,
		verifier:  verifier,
		policy:    policy,
		now:       time.Now,
		lastFire:  make(map[string]time.Time),
	}
}

// RegisterEvent matches event against every enabled trigger of every active
// definition and returns one execution request per match. Multiple matches
// are all honored; different workflows may legitimately react to the same
// event.
func (m *Manager) RegisterEvent(event model.Event) []model.ExecutionRequest {
	defs, err := m.workflows.ListActive()
	if err != nil {
		logger.Error("error listing active workflows", zap.Error(err))
		return nil
	}
	var requests []model.ExecutionRequest
	for _, def := range defs {
		if !def.Trigger.IsEnabled || def.Trigger.Kind != event.Kind {
			continue
		}
		if m.matches(def, event) {
			requests = append(requests, m.request(def, event.Payload))
		}
	}
	return requests
}

func (m *Manager) matches(def *model.WorkflowDefinition, event model.Event) bool {
	switch event.Kind {
	case model.TRIGGER_WEBHOOK:
		if def.Trigger.Source != event.Source {
			return false
		}
		if m.verifier == nil || !m.verifier.Verify(event) {
			logger.Warn("webhook failed verification, dropping",
				zap.String("workflow", def.Id), zap.String("source", event.Source))
			return false
		}
		return true
	case model.TRIGGER_DATA_CHANGE:
		if def.Trigger.Entity != event.Entity {
			return false
		}
		if def.Trigger.Filter == "" {
			return true
		}
		matched, err := condition.Evaluate(def.Trigger.Filter, event.Payload)
		if err != nil {
			logger.Warn("data-change filter evaluation failed, dropping",
				zap.String("workflow", def.Id), zap.Error(err))
			return false
		}
		return matched
	case model.TRIGGER_MANUAL:
		return def.Id == event.WorkflowId
	}
	return false
}

func (m *Manager) request(def *model.WorkflowDefinition, payload map[string]any) model.ExecutionRequest {
	return model.ExecutionRequest{
		WorkflowId:  def.Id,
		Version:     def.Version,
		TenantId:    def.TenantId,
		Variables:   InitialVariables(def, payload),
		TriggeredBy: def.Trigger.Kind,
	}
}

// InitialVariables overlays the event payload on the definition's declared
// variable defaults.
func InitialVariables(def *model.WorkflowDefinition, payload map[string]any) map[string]any {
	vars := make(map[string]any, len(def.Variables)+len(payload))
	for name, spec := range def.Variables {
		if spec.Default != nil {
			vars[name] = spec.Default
		}
	}
	for k, v := range payload {
		vars[k] = v
	}
	return vars
}

// Tick compares the clock against each SCHEDULE trigger's next-fire time and
// returns one execution request per boundary crossed. Firing is at least
// once: a boundary missed while the engine was down produces a catch-up
// execution on the next tick, per the configured policy.
func (m *Manager) Tick() []model.ExecutionRequest {
	defs, err := m.workflows.ListActive()
	if err != nil {
		logger.Error("error listing active workflows", zap.Error(err))
		return nil
	}
	now := m.now()
	var requests []model.ExecutionRequest

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, def := range defs {
		if def.Trigger.Kind != model.TRIGGER_SCHEDULE || !def.Trigger.IsEnabled {
			continue
		}
		schedule, err := scheduleParser.Parse(def.Trigger.Cron)
		if err != nil {
			// Rejected at publish time; a bad expression here is a bug.
			logger.Error("bad cron on active workflow", zap.String("workflow", def.Id), zap.Error(err))
			continue
		}
		tickNow := now
		if def.Trigger.Timezone != "" {
			if loc, err := time.LoadLocation(def.Trigger.Timezone); err == nil {
				tickNow = tickNow.In(loc)
			}
		}
		last, ok := m.lastFire[def.Id]
		if !ok {
			// Seed from the workflow's last run so boundaries missed
			// across a restart still fire; fall back to now for
			// never-run workflows.
			last = def.Stats.LastRunAt
			if last.IsZero() {
				last = tickNow
			}
			m.lastFire[def.Id] = last
		}
		fired := 0
		for next := schedule.Next(last); !next.After(tickNow); next = schedule.Next(next) {
			fired++
			last = next
		}
		if fired == 0 {
			continue
		}
		m.lastFire[def.Id] = last
		if m.policy == CATCH_UP_LATEST && fired > 1 {
			fired = 1
		}
		for i := 0; i < fired; i++ {
			requests = append(requests, m.request(def, map[string]any{"scheduledAt": last.Format(time.RFC3339)}))
		}
	}
	return requests
}
