package metadata

import (
	"errors"
	"testing"

	"github.com/fluxion-io/fluxion/model"
	"github.com/fluxion-io/fluxion/persistence"
	"github.com/fluxion-io/fluxion/persistence/inmem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager() *workflowManager {
	return NewWorkflowManager(inmem.NewStore(), nil)
}

func TestPublishAssignsVersionOne(t *testing.T) {
	m := newManager()
	published, err := m.Publish(validDef())
	require.NoError(t, err)
	assert.Equal(t, 1, published.Version)
	assert.True(t, published.IsActive)
}

func TestPublishBumpsVersionAndFlipsActivation(t *testing.T) {
	m := newManager()
	first, err := m.Publish(validDef())
	require.NoError(t, err)

	updated := validDef()
	updated.Name = "signup flow v2"
	second, err := m.Publish(updated)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Version)

	active, err := m.GetActive(first.Id)
	require.NoError(t, err)
	assert.Equal(t, 2, active.Version)
	assert.Equal(t, "signup flow v2", active.Name)

	// The prior version stays readable for pinned executions.
	pinned, err := m.GetVersion(first.Id, 1)
	require.NoError(t, err)
	assert.Equal(t, "signup flow", pinned.Name)
}

func TestPublishRejectsInvalidDefinition(t *testing.T) {
	m := newManager()
	def := validDef()
	def.StartStep = "ghost"
	_, err := m.Publish(def)
	var invalid *InvalidDefinitionError
	require.ErrorAs(t, err, &invalid)
	assert.NotEmpty(t, invalid.Violations)
}

func TestDeactivateLeavesVersionsReadable(t *testing.T) {
	m := newManager()
	published, err := m.Publish(validDef())
	require.NoError(t, err)
	require.NoError(t, m.Deactivate(published.Id))

	_, err = m.GetActive(published.Id)
	assert.True(t, errors.Is(err, persistence.ErrNotFound))

	pinned, err := m.GetVersion(published.Id, 1)
	require.NoError(t, err)
	assert.Equal(t, published.Name, pinned.Name)
}

func TestRepublishAfterDeactivateContinuesVersionHistory(t *testing.T) {
	m := newManager()
	published, err := m.Publish(validDef())
	require.NoError(t, err)
	require.NoError(t, m.Deactivate(published.Id))

	again, err := m.Publish(validDef())
	require.NoError(t, err)
	assert.Equal(t, 2, again.Version)
}

func TestPublishCarriesForwardStats(t *testing.T) {
	m := newManager()
	first, err := m.Publish(validDef())
	require.NoError(t, err)
	require.NoError(t, m.RecordTerminal(first.Id, first.Version, model.EXECUTION_SUCCEEDED))

	second, err := m.Publish(validDef())
	require.NoError(t, err)
	assert.Equal(t, int64(1), second.Stats.Total)
	assert.Equal(t, int64(1), second.Stats.Succeeded)
}

func TestRecordTerminalUpdatesCounters(t *testing.T) {
	m := newManager()
	published, err := m.Publish(validDef())
	require.NoError(t, err)

	require.NoError(t, m.RecordTerminal(published.Id, published.Version, model.EXECUTION_SUCCEEDED))
	require.NoError(t, m.RecordTerminal(published.Id, published.Version, model.EXECUTION_FAILED))

	def, err := m.GetVersion(published.Id, published.Version)
	require.NoError(t, err)
	assert.Equal(t, int64(2), def.Stats.Total)
	assert.Equal(t, int64(1), def.Stats.Succeeded)
	assert.Equal(t, int64(1), def.Stats.Failed)
	assert.False(t, def.Stats.LastRunAt.IsZero())
}

func TestListActiveSkipsDeactivated(t *testing.T) {
	m := newManager()
	_, err := m.Publish(validDef())
	require.NoError(t, err)

	other := validDef()
	other.Id = "other-flow"
	_, err = m.Publish(other)
	require.NoError(t, err)
	require.NoError(t, m.Deactivate("other-flow"))

	active, err := m.ListActive()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "signup-flow", active[0].Id)
}
