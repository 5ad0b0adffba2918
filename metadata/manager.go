// Package metadata owns the workflow catalog: validation, immutable
// versioning, and the per-workflow activation pointer.
package metadata

import (
	"sync"
	"time"

	"github.com/fluxion-io/fluxion/logger"
	"github.com/fluxion-io/fluxion/model"
	"github.com/fluxion-io/fluxion/persistence"
	c "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

type WorkflowManager interface {
	Validate(def *model.WorkflowDefinition) []Violation
	// Publish persists def as a new immutable version and atomically flips
	// activation from any prior version. Returns InvalidDefinitionError
	// when validation fails.
	Publish(def *model.WorkflowDefinition) (*model.WorkflowDefinition, error)
	GetActive(workflowId string) (*model.WorkflowDefinition, error)
	GetVersion(workflowId string, version int) (*model.WorkflowDefinition, error)
	ListActive() ([]*model.WorkflowDefinition, error)
	// Deactivate clears activation; in-flight executions are unaffected.
	Deactivate(workflowId string) error
	RecordTerminal(workflowId string, version int, status model.ExecutionStatus) error
}

type workflowManager struct {
	store        persistence.DefinitionStore
	knownActions []string

	// publishLocks serializes concurrent publishes of the same workflow id.
	publishLocks sync.Map

	// activeCache is a read-through cache for active definitions; entries
	// are dropped on publish and deactivate.
	activeCache *c.Cache
}

var _ WorkflowManager = new(workflowManager)

func NewWorkflowManager(store persistence.DefinitionStore, knownActions []string) *workflowManager {
	return &workflowManager{
		store:        store,
		knownActions: knownActions,
		activeCache:  c.New(5*time.Minute, 10*time.Minute),
	}
}

func (m *workflowManager) Validate(def *model.WorkflowDefinition) []Violation {
	return Validate(def, m.knownActions)
}

func (m *workflowManager) Publish(def *model.WorkflowDefinition) (*model.WorkflowDefinition, error) {
	if violations := m.Validate(def); len(violations) > 0 {
		return nil, &InvalidDefinitionError{Violations: violations}
	}
	lock, _ := m.publishLocks.LoadOrStore(def.Id, &sync.Mutex{})
	mu := lock.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	version := 1
	if prior, err := m.store.GetActive(def.Id); err == nil {
		version = prior.Version + 1
		if prior.Stats.Total > 0 {
			def.Stats = prior.Stats
		}
	} else if latest := m.latestVersion(def.Id); latest > 0 {
		// A deactivated workflow keeps its version history.
		version = latest + 1
	}

	published := *def
	published.Version = version
	published.IsActive = true
	published.CreatedAt = time.Now()
	if err := m.store.SaveVersion(&published, true); err != nil {
		return nil, err
	}
	m.activeCache.Delete(def.Id)
	logger.Info("workflow published", zap.String("workflow", def.Id), zap.Int("version", version))
	return &published, nil
}

func (m *workflowManager) latestVersion(workflowId string) int {
	latest := 0
	for v := 1; ; v++ {
		if _, err := m.store.GetVersion(workflowId, v); err != nil {
			break
		}
		latest = v
	}
	return latest
}

func (m *workflowManager) GetActive(workflowId string) (*model.WorkflowDefinition, error) {
	if cached, found := m.activeCache.Get(workflowId); found {
		return cached.(*model.WorkflowDefinition), nil
	}
	def, err := m.store.GetActive(workflowId)
	if err != nil {
		return nil, err
	}
	m.activeCache.Set(workflowId, def, c.DefaultExpiration)
	return def, nil
}

func (m *workflowManager) GetVersion(workflowId string, version int) (*model.WorkflowDefinition, error) {
	return m.store.GetVersion(workflowId, version)
}

func (m *workflowManager) ListActive() ([]*model.WorkflowDefinition, error) {
	return m.store.ListActive()
}

func (m *workflowManager) Deactivate(workflowId string) error {
	m.activeCache.Delete(workflowId)
	if err := m.store.Deactivate(workflowId); err != nil {
		return err
	}
	logger.Info("workflow deactivated", zap.String("workflow", workflowId))
	return nil
}

func (m *workflowManager) RecordTerminal(workflowId string, version int, status model.ExecutionStatus) error {
	m.activeCache.Delete(workflowId)
	return m.store.UpdateStats(workflowId, version, func(stats *model.ExecutionStats) {
		stats.Total++
		switch status {
		case model.EXECUTION_SUCCEEDED:
			stats.Succeeded++
		case model.EXECUTION_FAILED:
			stats.Failed++
		}
		stats.LastRunAt = time.Now()
	})
}
