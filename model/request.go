package model

import "time"

// Event is an inbound occurrence the trigger manager matches against
// registered triggers.
type Event struct {
	Kind TriggerKind `json:"kind"`
	// WEBHOOK
	Source    string `json:"source,omitempty"`
	Signature string `json:"signature,omitempty"`
	// DATA_CHANGE
	Entity string `json:"entity,omitempty"`
	// Payload becomes the initial variable bindings of matched executions.
	Payload map[string]any `json:"payload,omitempty"`
	// MANUAL targets a single workflow directly.
	WorkflowId string    `json:"workflowId,omitempty"`
	TenantId   string    `json:"tenantId,omitempty"`
	At         time.Time `json:"at,omitempty"`
}

// ExecutionRequest asks the coordinator to admit one execution of the named
// workflow version.
type ExecutionRequest struct {
	WorkflowId  string         `json:"workflowId"`
	Version     int            `json:"version"`
	TenantId    string         `json:"tenantId"`
	Variables   map[string]any `json:"variables,omitempty"`
	TriggeredBy TriggerKind    `json:"triggeredBy"`
}

type RejectReason string

const (
	REJECT_QUOTA_EXCEEDED    RejectReason = "QUOTA_EXCEEDED"
	REJECT_WORKFLOW_INACTIVE RejectReason = "WORKFLOW_INACTIVE"
	REJECT_PERMISSION_DENIED RejectReason = "PERMISSION_DENIED"
)

// InvokeStatus is the outcome an action invoker reports.
type InvokeStatus string

const (
	INVOKE_SUCCESS InvokeStatus = "SUCCESS"
	INVOKE_FAILURE InvokeStatus = "FAILURE"
	INVOKE_PENDING InvokeStatus = "PENDING"
)

// InvokeResult carries an invoker outcome plus output bindings to merge into
// execution variables. Retryable distinguishes transient from permanent
// failures.
type InvokeResult struct {
	Status    InvokeStatus   `json:"status"`
	Outputs   map[string]any `json:"outputs,omitempty"`
	Retryable bool           `json:"retryable"`
	Message   string         `json:"message,omitempty"`
}
