package model

import "time"

type StepType string

const (
	STEP_TYPE_ACTION    StepType = "ACTION"
	STEP_TYPE_CONDITION StepType = "CONDITION"
	STEP_TYPE_DELAY     StepType = "DELAY"
	STEP_TYPE_FORK      StepType = "FORK"
	STEP_TYPE_JOIN      StepType = "JOIN"
	STEP_TYPE_TERMINAL  StepType = "TERMINAL"
)

type OnErrorPolicy string

const (
	ON_ERROR_RETRY         OnErrorPolicy = "RETRY"
	ON_ERROR_SKIP          OnErrorPolicy = "SKIP"
	ON_ERROR_ROUTE_TO      OnErrorPolicy = "ROUTE_TO"
	ON_ERROR_FAIL_WORKFLOW OnErrorPolicy = "FAIL_WORKFLOW"
)

type TriggerKind string

const (
	TRIGGER_SCHEDULE    TriggerKind = "SCHEDULE"
	TRIGGER_WEBHOOK     TriggerKind = "WEBHOOK"
	TRIGGER_DATA_CHANGE TriggerKind = "DATA_CHANGE"
	TRIGGER_MANUAL      TriggerKind = "MANUAL"
)

// WorkflowDefinition is one immutable version of a workflow. Exactly one
// version of a workflow id is active at a time; in-flight executions stay
// pinned to the version they started on.
type WorkflowDefinition struct {
	Id        string                  `json:"id"`
	TenantId  string                  `json:"tenantId"`
	Owner     string                  `json:"owner"`
	Name      string                  `json:"name"`
	Version   int                     `json:"version"`
	IsActive  bool                    `json:"isActive"`
	StartStep string                  `json:"startStep"`
	Steps     []WorkflowStep          `json:"steps"`
	Trigger   TriggerDefinition       `json:"trigger"`
	Variables map[string]VariableSpec `json:"variables"`
	// MaxConcurrent bounds concurrent executions of this workflow. Zero
	// means the engine default applies.
	MaxConcurrent int            `json:"maxConcurrent,omitempty"`
	Stats         ExecutionStats `json:"executionStats"`
	CreatedAt     time.Time      `json:"createdAt"`
}

type VariableSpec struct {
	Type    string `json:"type"`
	Default any    `json:"default,omitempty"`
}

type ExecutionStats struct {
	Total     int64     `json:"total"`
	Succeeded int64     `json:"succeeded"`
	Failed    int64     `json:"failed"`
	LastRunAt time.Time `json:"lastRunAt,omitempty"`
}

// WorkflowStep is one node of the step graph. Config is a tagged union keyed
// by Type; exactly one of the typed config fields is set.
type WorkflowStep struct {
	Id   string   `json:"id"`
	Type StepType `json:"type"`

	Action    *ActionConfig    `json:"action,omitempty"`
	Condition *ConditionConfig `json:"condition,omitempty"`
	Delay     *DelayConfig     `json:"delay,omitempty"`
	Fork      *ForkConfig      `json:"fork,omitempty"`
	Join      *JoinConfig      `json:"join,omitempty"`
	Terminal  *TerminalConfig  `json:"terminal,omitempty"`

	// Guards evaluated before the step runs. When false the step is
	// skipped: NotMetStep if set, otherwise the default successor.
	Guard      string `json:"guard,omitempty"`
	NotMetStep string `json:"notMetStep,omitempty"`

	// Next holds the default successor for ACTION/DELAY steps. CONDITION
	// steps route through Condition.TrueStep/FalseStep instead.
	Next string `json:"next,omitempty"`

	OnError ErrorPolicy `json:"onError,omitempty"`
}

type ActionConfig struct {
	// Name selects a registered action invoker (http, email, transform, log).
	Name string `json:"name"`
	// Parameters may reference execution variables with $-prefixed
	// jsonpath expressions; they are resolved at invocation time.
	Parameters map[string]any `json:"parameters,omitempty"`
}

type ConditionConfig struct {
	Expression string `json:"expression"`
	TrueStep   string `json:"true"`
	FalseStep  string `json:"false"`
	// AllowAdvisory lets an advisory router suggest the branch. The
	// suggestion is only honored when it names TrueStep or FalseStep.
	AllowAdvisory bool `json:"allowAdvisory,omitempty"`
}

type DelayConfig struct {
	Seconds int `json:"seconds"`
}

type ForkConfig struct {
	// Branches lists the first step of each parallel branch.
	Branches []string `json:"branches"`
	JoinStep string   `json:"join"`
}

type JoinTimeoutPolicy string

const (
	JOIN_TIMEOUT_PROCEED JoinTimeoutPolicy = "PROCEED"
	JOIN_TIMEOUT_FAIL    JoinTimeoutPolicy = "FAIL"
)

type JoinConfig struct {
	TimeoutSeconds int               `json:"timeoutSeconds,omitempty"`
	OnTimeout      JoinTimeoutPolicy `json:"onTimeout,omitempty"`
}

type TerminalConfig struct {
	// Failure marks this terminal as a failure outcome.
	Failure bool   `json:"failure,omitempty"`
	Result  string `json:"result,omitempty"`
}

type ErrorPolicy struct {
	Policy OnErrorPolicy `json:"policy,omitempty"`
	// RETRY parameters: base delay grows as base * 2^attempt, capped at
	// MaxDelaySeconds, with jitter.
	MaxAttempts      int    `json:"maxAttempts,omitempty"`
	BaseDelaySeconds int    `json:"baseDelaySeconds,omitempty"`
	MaxDelaySeconds  int    `json:"maxDelaySeconds,omitempty"`
	RouteTo          string `json:"routeTo,omitempty"`
}

// TriggerDefinition belongs to exactly one workflow definition version.
type TriggerDefinition struct {
	Kind      TriggerKind `json:"kind"`
	IsEnabled bool        `json:"isEnabled"`
	// SCHEDULE
	Cron     string `json:"cron,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	// WEBHOOK
	Source string `json:"source,omitempty"`
	// DATA_CHANGE: entity name plus an optional condition expression
	// evaluated against the changed record.
	Entity string `json:"entity,omitempty"`
	Filter string `json:"filter,omitempty"`
}
