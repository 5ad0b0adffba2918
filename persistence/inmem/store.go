// Package inmem is the default storage implementation, used by tests and
// single-process deployments.
package inmem

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fluxion-io/fluxion/model"
	"github.com/fluxion-io/fluxion/persistence"
	"github.com/fluxion-io/fluxion/util"
)

type Store struct {
	mu         sync.Mutex
	versions   map[string][]byte // workflowId:version -> encoded definition
	active     map[string]int    // workflowId -> active version
	executions map[string][]byte
	wakeups    map[string]time.Time

	defCodec  util.EncoderDecoder[model.WorkflowDefinition]
	execCodec util.EncoderDecoder[model.WorkflowExecution]
}

var _ persistence.DefinitionStore = new(Store)
var _ persistence.ExecutionStore = new(Store)
var _ persistence.WakeupQueue = new(Store)

func NewStore() *Store {
	return &Store{
		versions:   make(map[string][]byte),
		active:     make(map[string]int),
		executions: make(map[string][]byte),
		wakeups:    make(map[string]time.Time),
		defCodec:   util.NewJsonEncoderDecoder[model.WorkflowDefinition](),
		execCodec:  util.NewJsonEncoderDecoder[model.WorkflowExecution](),
	}
}

func versionKey(workflowId string, version int) string {
	return fmt.Sprintf("%s:%d", workflowId, version)
}

func (s *Store) SaveVersion(def *model.WorkflowDefinition, activate bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := versionKey(def.Id, def.Version)
	if _, ok := s.versions[key]; ok {
		return persistence.StorageLayerError{Message: fmt.Sprintf("version %s already exists", key)}
	}
	data, err := s.defCodec.Encode(*def)
	if err != nil {
		return err
	}
	s.versions[key] = data
	if activate {
		s.active[def.Id] = def.Version
	}
	return nil
}

func (s *Store) GetActive(workflowId string) (*model.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	version, ok := s.active[workflowId]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return s.getVersionLocked(workflowId, version)
}

func (s *Store) GetVersion(workflowId string, version int) (*model.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getVersionLocked(workflowId, version)
}

func (s *Store) getVersionLocked(workflowId string, version int) (*model.WorkflowDefinition, error) {
	data, ok := s.versions[versionKey(workflowId, version)]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	def, err := s.defCodec.Decode(data)
	if err != nil {
		return nil, err
	}
	def.IsActive = s.active[workflowId] == version
	return def, nil
}

func (s *Store) ListActive() ([]*model.WorkflowDefinition, error) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)
	defs := make([]*model.WorkflowDefinition, 0, len(ids))
	for _, id := range ids {
		def, err := s.GetActive(id)
		if err != nil {
			continue
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func (s *Store) Deactivate(workflowId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, workflowId)
	return nil
}

func (s *Store) UpdateStats(workflowId string, version int, fn func(*model.ExecutionStats)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, err := s.getVersionLocked(workflowId, version)
	if err != nil {
		return err
	}
	fn(&def.Stats)
	data, err := s.defCodec.Encode(*def)
	if err != nil {
		return err
	}
	s.versions[versionKey(workflowId, version)] = data
	return nil
}

func (s *Store) Save(execution *model.WorkflowExecution) error {
	data, err := s.execCodec.Encode(*execution)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[execution.Id] = data
	return nil
}

func (s *Store) Load(executionId string) (*model.WorkflowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.executions[executionId]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return s.execCodec.Decode(data)
}

func (s *Store) AppendHistory(executionId string, entry model.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.executions[executionId]
	if !ok {
		return persistence.ErrNotFound
	}
	execution, err := s.execCodec.Decode(data)
	if err != nil {
		return err
	}
	execution.History = append(execution.History, entry)
	updated, err := s.execCodec.Encode(*execution)
	if err != nil {
		return err
	}
	s.executions[executionId] = updated
	return nil
}

func (s *Store) ListResumable() ([]*model.WorkflowExecution, error) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.executions))
	for id := range s.executions {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)
	var out []*model.WorkflowExecution
	for _, id := range ids {
		execution, err := s.Load(id)
		if err != nil {
			continue
		}
		if !execution.Status.Terminal() {
			out = append(out, execution)
		}
	}
	return out, nil
}

func (s *Store) Schedule(executionId string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wakeups[executionId] = at
	return nil
}

func (s *Store) PollDue(now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []string
	for id, at := range s.wakeups {
		if !at.After(now) {
			due = append(due, id)
		}
	}
	for _, id := range due {
		delete(s.wakeups, id)
	}
	sort.Strings(due)
	return due, nil
}
