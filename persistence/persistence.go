// Package persistence defines the narrow storage contracts the engine
// depends on. Every call is atomic: a partially applied save or append is
// never observable.
package persistence

import (
	"errors"
	"fmt"
	"time"

	"github.com/fluxion-io/fluxion/model"
)

var ErrNotFound = errors.New("not found")

type StorageLayerError struct {
	Message string
}

func (e StorageLayerError) Error() string {
	return fmt.Sprintf("storage layer error %s", e.Message)
}

// DefinitionStore holds every published workflow definition version. Versions
// are immutable; only the activation pointer moves.
type DefinitionStore interface {
	// SaveVersion persists a new version and, when activate is set, flips
	// the workflow's activation pointer to it in the same call.
	SaveVersion(def *model.WorkflowDefinition, activate bool) error
	GetActive(workflowId string) (*model.WorkflowDefinition, error)
	GetVersion(workflowId string, version int) (*model.WorkflowDefinition, error)
	ListActive() ([]*model.WorkflowDefinition, error)
	// Deactivate clears the activation pointer. In-flight executions keep
	// running on their pinned versions.
	Deactivate(workflowId string) error
	UpdateStats(workflowId string, version int, fn func(*model.ExecutionStats)) error
}

// ExecutionStore persists execution state transitions and the append-only
// history log.
type ExecutionStore interface {
	Save(execution *model.WorkflowExecution) error
	Load(executionId string) (*model.WorkflowExecution, error)
	AppendHistory(executionId string, entry model.HistoryEntry) error
	// ListResumable returns non-terminal executions for crash recovery.
	ListResumable() ([]*model.WorkflowExecution, error)
}

// WakeupQueue schedules resumption wakeups for WAITING executions. Due items
// survive engine downtime and are delivered on next poll, at least once.
type WakeupQueue interface {
	Schedule(executionId string, at time.Time) error
	PollDue(now time.Time) ([]string, error)
}
