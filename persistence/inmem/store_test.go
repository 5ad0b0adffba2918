package inmem

import (
	"errors"
	"testing"
	"time"

	"github.com/fluxion-io/fluxion/model"
	"github.com/fluxion-io/fluxion/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func def(id string, version int) *model.WorkflowDefinition {
	return &model.WorkflowDefinition{
		Id: id, TenantId: "acme", Version: version, StartStep: "done",
		Steps: []model.WorkflowStep{{Id: "done", Type: model.STEP_TYPE_TERMINAL}},
	}
}

func TestSaveVersionRejectsOverwrite(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.SaveVersion(def("wf", 1), true))
	err := s.SaveVersion(def("wf", 1), true)
	var storageErr persistence.StorageLayerError
	assert.ErrorAs(t, err, &storageErr, "published versions are immutable")
}

func TestActivationPointerFlips(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.SaveVersion(def("wf", 1), true))
	require.NoError(t, s.SaveVersion(def("wf", 2), true))

	active, err := s.GetActive("wf")
	require.NoError(t, err)
	assert.Equal(t, 2, active.Version)
	assert.True(t, active.IsActive)

	old, err := s.GetVersion("wf", 1)
	require.NoError(t, err)
	assert.False(t, old.IsActive)
}

func TestGetActiveMissingWorkflow(t *testing.T) {
	s := NewStore()
	_, err := s.GetActive("ghost")
	assert.True(t, errors.Is(err, persistence.ErrNotFound))
}

func TestDeactivateRemovesFromListing(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.SaveVersion(def("a", 1), true))
	require.NoError(t, s.SaveVersion(def("b", 1), true))
	require.NoError(t, s.Deactivate("a"))

	defs, err := s.ListActive()
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "b", defs[0].Id)
}

func TestExecutionRoundTripIsIsolated(t *testing.T) {
	s := NewStore()
	execution := &model.WorkflowExecution{
		Id: "e1", WorkflowId: "wf", Version: 1,
		Status:    model.EXECUTION_RUNNING,
		Variables: map[string]any{"k": "v"},
	}
	require.NoError(t, s.Save(execution))

	// Mutating the saved struct must not leak into the store.
	execution.Variables["k"] = "changed"

	loaded, err := s.Load("e1")
	require.NoError(t, err)
	assert.Equal(t, "v", loaded.Variables["k"])
}

func TestAppendHistoryPersistsEntries(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Save(&model.WorkflowExecution{Id: "e1", Status: model.EXECUTION_RUNNING}))
	require.NoError(t, s.AppendHistory("e1", model.HistoryEntry{StepId: "a", Outcome: model.OUTCOME_SUCCEEDED}))
	require.NoError(t, s.AppendHistory("e1", model.HistoryEntry{StepId: "b", Outcome: model.OUTCOME_FAILED}))

	loaded, err := s.Load("e1")
	require.NoError(t, err)
	require.Len(t, loaded.History, 2)
	assert.Equal(t, "a", loaded.History[0].StepId)
	assert.Equal(t, "b", loaded.History[1].StepId)
}

func TestListResumableSkipsTerminal(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Save(&model.WorkflowExecution{Id: "open", Status: model.EXECUTION_WAITING}))
	require.NoError(t, s.Save(&model.WorkflowExecution{Id: "done", Status: model.EXECUTION_SUCCEEDED}))
	require.NoError(t, s.Save(&model.WorkflowExecution{Id: "dead", Status: model.EXECUTION_CANCELLED}))

	open, err := s.ListResumable()
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "open", open[0].Id)
}

func TestWakeupQueueReturnsDueOnce(t *testing.T) {
	s := NewStore()
	now := time.Now()
	require.NoError(t, s.Schedule("e1", now.Add(-time.Second)))
	require.NoError(t, s.Schedule("e2", now.Add(time.Hour)))

	due, err := s.PollDue(now)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, due)

	again, err := s.PollDue(now)
	require.NoError(t, err)
	assert.Empty(t, again, "a fired wakeup is consumed")

	later, err := s.PollDue(now.Add(2 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"e2"}, later)
}

func TestScheduleOverwritesEarlierWakeup(t *testing.T) {
	s := NewStore()
	now := time.Now()
	require.NoError(t, s.Schedule("e1", now.Add(time.Minute)))
	require.NoError(t, s.Schedule("e1", now.Add(time.Hour)))

	due, err := s.PollDue(now.Add(2 * time.Minute))
	require.NoError(t, err)
	assert.Empty(t, due, "latest schedule wins")
}
