// Package gateway is the policy enforcement point between anything that wants
// to act (the oracle, human operators) and the external framework. Every tool
// invocation passes through the same validation chain and state machine;
// there is no second path to the connector.
package gateway

import (
	"errors"
	"time"

	"redcortex/internal/tools"
)

// State is the lifecycle state of a tool invocation.
type State string

const (
	StateRequested  State = "/requested"
	StateValidated  State = "/validated"
	StateScheduled  State = "/scheduled"
	StateRunning    State = "/running"
	StateCompleted  State = "/completed"
	StateFailed     State = "/failed"
	StateAborted    State = "/aborted"
	StateRolledBack State = "/rolled_back"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateAborted, StateRolledBack:
		return true
	}
	return false
}

// RejectionReason classifies why validation refused a request.
type RejectionReason string

const (
	RejectUnknownTool      RejectionReason = "unknown_tool"
	RejectInvalidInputs    RejectionReason = "invalid_inputs"
	RejectInsufficientRole RejectionReason = "insufficient_role"
	RejectOutOfScope       RejectionReason = "out_of_scope"
	RejectRateLimited      RejectionReason = "rate_limited"
	RejectContentBlocked   RejectionReason = "content_blocked"
	RejectKilled           RejectionReason = "kill_switch_engaged"
)

// Sentinel errors.
var (
	// ErrRejected wraps every validation rejection.
	ErrRejected = errors.New("invocation rejected")

	// ErrInvocationNotFound is returned for unknown invocation IDs.
	ErrInvocationNotFound = errors.New("invocation not found")

	// ErrRollbackFailed marks a failed invocation whose compensating call also
	// failed. This is the worst outcome the gateway can report and is always
	// escalated in the audit log.
	ErrRollbackFailed = errors.New("rollback failed")
)

// Request is a tool invocation request as submitted by the oracle loop or an
// operator.
type Request struct {
	ToolName    string         `json:"tool_name"`
	Inputs      map[string]any `json:"inputs"`
	RequestedBy string         `json:"requested_by"`
	ProjectID   string         `json:"project_id"`

	// RunID ties the invocation to the analysis run that motivated it.
	RunID string `json:"run_id,omitempty"`

	// Deadline overrides the gateway default for this invocation.
	Deadline time.Duration `json:"deadline,omitempty"`
}

// Invocation is the gateway's record of one request moving through the state
// machine.
type Invocation struct {
	ID          string      `json:"id"`
	Request     Request     `json:"request"`
	Tool        *tools.Spec `json:"-"`
	State       State       `json:"state"`
	SubmittedAt time.Time   `json:"submitted_at"`
	FinishedAt  time.Time   `json:"finished_at,omitempty"`

	// Result is the filtered framework result for completed invocations.
	Result map[string]any `json:"result,omitempty"`

	// Error describes the failure for failed, aborted, or rejected invocations.
	Error string `json:"error,omitempty"`

	// Rejection is set when validation refused the request.
	Rejection RejectionReason `json:"rejection,omitempty"`
}
