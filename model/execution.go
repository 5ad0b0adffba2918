package model

import "time"

type ExecutionStatus string

const (
	EXECUTION_PENDING   ExecutionStatus = "PENDING"
	EXECUTION_RUNNING   ExecutionStatus = "RUNNING"
	EXECUTION_WAITING   ExecutionStatus = "WAITING"
	EXECUTION_SUCCEEDED ExecutionStatus = "SUCCEEDED"
	EXECUTION_FAILED    ExecutionStatus = "FAILED"
	EXECUTION_CANCELLED ExecutionStatus = "CANCELLED"
)

func (s ExecutionStatus) Terminal() bool {
	switch s {
	case EXECUTION_SUCCEEDED, EXECUTION_FAILED, EXECUTION_CANCELLED:
		return true
	}
	return false
}

type StepOutcome string

const (
	OUTCOME_SUCCEEDED StepOutcome = "SUCCEEDED"
	OUTCOME_FAILED    StepOutcome = "FAILED"
	OUTCOME_SKIPPED   StepOutcome = "SKIPPED"
	OUTCOME_RETRYING  StepOutcome = "RETRYING"
	OUTCOME_WAITING   StepOutcome = "WAITING"
	OUTCOME_TIMED_OUT StepOutcome = "TIMED_OUT"
	OUTCOME_DISCARDED StepOutcome = "DISCARDED"
)

// HistoryEntry is one attempt of one step. The history log is append-only
// and time ordered; entries are never rewritten.
type HistoryEntry struct {
	StepId    string      `json:"stepId"`
	Attempt   int         `json:"attempt"`
	StartTime time.Time   `json:"startTime"`
	EndTime   time.Time   `json:"endTime"`
	Outcome   StepOutcome `json:"outcome"`
	Message   string      `json:"message,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// WorkflowExecution is one run of a pinned (workflowId, version) pair. It is
// created by the coordinator, mutated only by the executor driving it, and
// immutable once terminal.
type WorkflowExecution struct {
	Id         string          `json:"id"`
	WorkflowId string          `json:"workflowId"`
	Version    int             `json:"version"`
	TenantId   string          `json:"tenantId"`
	Status     ExecutionStatus `json:"status"`

	CurrentStepId string         `json:"currentStepId"`
	Variables     map[string]any `json:"variables"`
	History       []HistoryEntry `json:"history"`
	Result        string         `json:"result,omitempty"`

	// Attempts counts tries per step for the current visit; it resets when
	// a step is re-entered through normal routing, keeping bounded retry
	// loops independent of overall history size.
	Attempts map[string]int `json:"attempts,omitempty"`

	// Branches tracks fork/join progress: branch start step -> completed.
	Branches map[string]bool `json:"branches,omitempty"`

	// CancelRequested is observed cooperatively at step boundaries.
	CancelRequested bool `json:"cancelRequested,omitempty"`

	// WaitingSince and WakeupAt are set while status is WAITING.
	WaitingSince time.Time `json:"waitingSince,omitempty"`
	WakeupAt     time.Time `json:"wakeupAt,omitempty"`

	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime,omitempty"`
}

// StepDone reports whether a step already has a SUCCEEDED history entry.
// Resume logic uses it to avoid re-applying output of completed steps.
func (e *WorkflowExecution) StepDone(stepId string) bool {
	for _, h := range e.History {
		if h.StepId == stepId && h.Outcome == OUTCOME_SUCCEEDED {
			return true
		}
	}
	return false
}
