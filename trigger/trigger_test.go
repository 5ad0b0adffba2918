package trigger

import (
	"testing"
	"time"

	"github.com/fluxion-io/fluxion/metadata"
	"github.com/fluxion-io/fluxion/model"
	"github.com/fluxion-io/fluxion/persistence/inmem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func terminalOnlyDef(id string, trigger model.TriggerDefinition) *model.WorkflowDefinition {
	return &model.WorkflowDefinition{
		Id: id, TenantId: "acme", Name: id,
		StartStep: "done",
		Trigger:   trigger,
		Variables: map[string]model.VariableSpec{
			"channel": {Type: "string", Default: "default"},
			"amount":  {Type: "number"},
		},
		Steps: []model.WorkflowStep{
			{Id: "done", Type: model.STEP_TYPE_TERMINAL},
		},
	}
}

func managerWith(t *testing.T, verifier Verifier, policy CatchUpPolicy, defs ...*model.WorkflowDefinition) (*Manager, metadata.WorkflowManager) {
	t.Helper()
	workflows := metadata.NewWorkflowManager(inmem.NewStore(), nil)
	for _, def := range defs {
		_, err := workflows.Publish(def)
		require.NoError(t, err)
	}
	return NewManager(workflows, verifier, policy), workflows
}

func TestWebhookEventMatchesBySource(t *testing.T) {
	verifier := NewSharedSecretVerifier(map[string]string{"github": "s3cret"})
	m, _ := managerWith(t, verifier, CATCH_UP_ALL_BOUNDARIES,
		terminalOnlyDef("on-push", model.TriggerDefinition{
			Kind: model.TRIGGER_WEBHOOK, IsEnabled: true, Source: "github",
		}),
		terminalOnlyDef("on-ticket", model.TriggerDefinition{
			Kind: model.TRIGGER_WEBHOOK, IsEnabled: true, Source: "zendesk",
		}),
	)

	requests := m.RegisterEvent(model.Event{
		Kind: model.TRIGGER_WEBHOOK, Source: "github", Signature: "s3cret",
		Payload: map[string]any{"branch": "main"},
	})
	require.Len(t, requests, 1)
	assert.Equal(t, "on-push", requests[0].WorkflowId)
	assert.Equal(t, model.TRIGGER_WEBHOOK, requests[0].TriggeredBy)
	assert.Equal(t, "main", requests[0].Variables["branch"])
}

func TestWebhookFailingVerificationIsDropped(t *testing.T) {
	verifier := NewSharedSecretVerifier(map[string]string{"github": "s3cret"})
	m, _ := managerWith(t, verifier, CATCH_UP_ALL_BOUNDARIES,
		terminalOnlyDef("on-push", model.TriggerDefinition{
			Kind: model.TRIGGER_WEBHOOK, IsEnabled: true, Source: "github",
		}),
	)

	requests := m.RegisterEvent(model.Event{
		Kind: model.TRIGGER_WEBHOOK, Source: "github", Signature: "wrong",
	})
	assert.Empty(t, requests, "unverified webhook starts nothing")
}

func TestDisabledTriggerNeverMatches(t *testing.T) {
	verifier := NewSharedSecretVerifier(map[string]string{"github": "s3cret"})
	m, _ := managerWith(t, verifier, CATCH_UP_ALL_BOUNDARIES,
		terminalOnlyDef("on-push", model.TriggerDefinition{
			Kind: model.TRIGGER_WEBHOOK, IsEnabled: false, Source: "github",
		}),
	)
	requests := m.RegisterEvent(model.Event{
		Kind: model.TRIGGER_WEBHOOK, Source: "github", Signature: "s3cret",
	})
	assert.Empty(t, requests)
}

func TestDataChangeFilterGatesMatch(t *testing.T) {
	m, _ := managerWith(t, nil, CATCH_UP_ALL_BOUNDARIES,
		terminalOnlyDef("big-orders", model.TriggerDefinition{
			Kind: model.TRIGGER_DATA_CHANGE, IsEnabled: true,
			Entity: "order", Filter: "amount > 100",
		}),
	)

	small := m.RegisterEvent(model.Event{
		Kind: model.TRIGGER_DATA_CHANGE, Entity: "order",
		Payload: map[string]any{"amount": 50},
	})
	assert.Empty(t, small)

	big := m.RegisterEvent(model.Event{
		Kind: model.TRIGGER_DATA_CHANGE, Entity: "order",
		Payload: map[string]any{"amount": 500},
	})
	require.Len(t, big, 1)
	assert.Equal(t, "big-orders", big[0].WorkflowId)
}

func TestDataChangeFilterErrorDropsEvent(t *testing.T) {
	m, _ := managerWith(t, nil, CATCH_UP_ALL_BOUNDARIES,
		terminalOnlyDef("big-orders", model.TriggerDefinition{
			Kind: model.TRIGGER_DATA_CHANGE, IsEnabled: true,
			Entity: "order", Filter: "amount > 100",
		}),
	)
	// Payload missing the filtered variable: evaluation errors, event drops.
	requests := m.RegisterEvent(model.Event{
		Kind: model.TRIGGER_DATA_CHANGE, Entity: "order",
		Payload: map[string]any{"total": 500},
	})
	assert.Empty(t, requests)
}

func TestManualEventTargetsOneWorkflow(t *testing.T) {
	m, _ := managerWith(t, nil, CATCH_UP_ALL_BOUNDARIES,
		terminalOnlyDef("flow-a", model.TriggerDefinition{Kind: model.TRIGGER_MANUAL, IsEnabled: true}),
		terminalOnlyDef("flow-b", model.TriggerDefinition{Kind: model.TRIGGER_MANUAL, IsEnabled: true}),
	)
	requests := m.RegisterEvent(model.Event{Kind: model.TRIGGER_MANUAL, WorkflowId: "flow-b"})
	require.Len(t, requests, 1)
	assert.Equal(t, "flow-b", requests[0].WorkflowId)
}

func TestEventMatchingMultipleWorkflowsFiresAll(t *testing.T) {
	m, _ := managerWith(t, nil, CATCH_UP_ALL_BOUNDARIES,
		terminalOnlyDef("audit", model.TriggerDefinition{
			Kind: model.TRIGGER_DATA_CHANGE, IsEnabled: true, Entity: "order",
		}),
		terminalOnlyDef("notify", model.TriggerDefinition{
			Kind: model.TRIGGER_DATA_CHANGE, IsEnabled: true, Entity: "order",
		}),
	)
	requests := m.RegisterEvent(model.Event{Kind: model.TRIGGER_DATA_CHANGE, Entity: "order"})
	assert.Len(t, requests, 2)
}

func TestInitialVariablesOverlayDefaults(t *testing.T) {
	def := terminalOnlyDef("x", model.TriggerDefinition{Kind: model.TRIGGER_MANUAL})
	vars := InitialVariables(def, map[string]any{"channel": "sms", "extra": 1})
	assert.Equal(t, "sms", vars["channel"], "payload wins over default")
	assert.Equal(t, 1, vars["extra"])
	assert.NotContains(t, vars, "amount", "declared variable without default stays unset")
}

func TestScheduleTickFiresOncePerBoundary(t *testing.T) {
	m, _ := managerWith(t, nil, CATCH_UP_ALL_BOUNDARIES,
		terminalOnlyDef("hourly", model.TriggerDefinition{
			Kind: model.TRIGGER_SCHEDULE, IsEnabled: true, Cron: "0 * * * *",
		}),
	)
	clock := time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }

	assert.Empty(t, m.Tick(), "first tick seeds without firing")

	clock = time.Date(2024, 3, 1, 11, 0, 30, 0, time.UTC)
	requests := m.Tick()
	require.Len(t, requests, 1)
	assert.Equal(t, "hourly", requests[0].WorkflowId)
	assert.Equal(t, model.TRIGGER_SCHEDULE, requests[0].TriggeredBy)

	// Same boundary is not fired twice.
	clock = clock.Add(time.Minute)
	assert.Empty(t, m.Tick())
}

func TestScheduleCatchUpAllBoundaries(t *testing.T) {
	m, _ := managerWith(t, nil, CATCH_UP_ALL_BOUNDARIES,
		terminalOnlyDef("hourly", model.TriggerDefinition{
			Kind: model.TRIGGER_SCHEDULE, IsEnabled: true, Cron: "0 * * * *",
		}),
	)
	clock := time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }
	require.Empty(t, m.Tick())

	// Three boundaries pass while the engine is "down".
	clock = time.Date(2024, 3, 1, 13, 10, 0, 0, time.UTC)
	requests := m.Tick()
	assert.Len(t, requests, 3, "one catch-up per missed boundary")
}

func TestScheduleCatchUpLatestCollapsesDowntime(t *testing.T) {
	m, _ := managerWith(t, nil, CATCH_UP_LATEST,
		terminalOnlyDef("hourly", model.TriggerDefinition{
			Kind: model.TRIGGER_SCHEDULE, IsEnabled: true, Cron: "0 * * * *",
		}),
	)
	clock := time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }
	require.Empty(t, m.Tick())

	clock = time.Date(2024, 3, 1, 13, 10, 0, 0, time.UTC)
	requests := m.Tick()
	assert.Len(t, requests, 1, "downtime collapses to a single catch-up")
}

func TestScheduleSeedsFromLastRunAcrossRestart(t *testing.T) {
	def := terminalOnlyDef("hourly", model.TriggerDefinition{
		Kind: model.TRIGGER_SCHEDULE, IsEnabled: true, Cron: "0 * * * *",
	})
	_, workflows := managerWith(t, nil, CATCH_UP_ALL_BOUNDARIES, def)
	require.NoError(t, workflows.RecordTerminal("hourly", 1, model.EXECUTION_SUCCEEDED))

	// Simulate restart: fresh manager, stats carry the last run time.
	fresh := NewManager(workflows, nil, CATCH_UP_ALL_BOUNDARIES)
	clock := time.Now().Add(2 * time.Hour)
	fresh.now = func() time.Time { return clock }
	requests := fresh.Tick()
	assert.NotEmpty(t, requests, "boundaries missed across restart still fire")
}
