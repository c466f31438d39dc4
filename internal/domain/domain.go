package domain

import "time"

// Outcome is the closed set of workflow result and signal kinds exchanged
// between the voice channel, the chat channel and the approval workflow.
type Outcome string

const (
	OutcomeApproved           Outcome = "approved"
	OutcomeRejected           Outcome = "rejected"
	OutcomeScheduleApproval   Outcome = "schedule_approval"
	OutcomeGenerateAccessLink Outcome = "generate_access_link"
	OutcomeTimeout            Outcome = "timeout"
	OutcomeCompleted          Outcome = "completed"
	OutcomeError              Outcome = "error"
	OutcomeNoop               Outcome = "noop"
)

// Known reports whether o is a member of the closed outcome set.
// Consumers treat anything unknown as OutcomeNoop.
func (o Outcome) Known() bool {
	switch o {
	case OutcomeApproved, OutcomeRejected, OutcomeScheduleApproval,
		OutcomeGenerateAccessLink, OutcomeTimeout, OutcomeCompleted,
		OutcomeError, OutcomeNoop:
		return true
	}
	return false
}

// Terminal reports whether o may appear as the resolved outcome of a
// workflow instance.
func (o Outcome) Terminal() bool {
	switch o {
	case OutcomeApproved, OutcomeRejected, OutcomeTimeout, OutcomeCompleted, OutcomeError:
		return true
	}
	return false
}

// OutcomePayload carries context attached to an outcome. The workflow owns
// PromptMessageID (set once after the prompt is sent, immutable after); the
// chat channel owns the approver fields; ScheduleTTL travels only with
// schedule_approval classifications.
type OutcomePayload struct {
	PromptMessageID *int64        `json:"prompt_message_id,omitempty"`
	ApproverID      *int64        `json:"approver_id,omitempty"`
	ApproverName    string        `json:"approver_name,omitempty"`
	ScheduleTTL     time.Duration `json:"-"`
}

// Workflow instance lifecycle status.
const (
	InstanceRunning    = "running"
	InstanceCompleted  = "completed"
	InstanceTerminated = "terminated"
)

// Workflow state machine states.
const (
	StateRequesting       = "requesting"
	StateAwaitingDecision = "awaiting_decision"
	StateResolved         = "resolved"
)

// WorkflowInstance is the persisted record of one approval workflow bound
// to one call. At most one instance is running at any instant; superseded
// instances are terminated explicitly, never left to expire.
type WorkflowInstance struct {
	ID          string  `json:"id"`
	CallSID     string  `json:"call_sid"`
	Generation  int64   `json:"generation"`
	Status      string  `json:"status" enum:"running,completed,terminated"`
	State       string  `json:"state" enum:"requesting,awaiting_decision,resolved"`
	Outcome     *string `json:"outcome,omitempty"`
	PayloadJSON string  `json:"payload_json,omitempty"`
	Deadline    *string `json:"deadline,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

// AdmissionToken pre-approves the next approval request arriving before
// ExpiresAt. Consumed (deleted) at most once; expiry is enforced by the
// store at read time.
type AdmissionToken struct {
	ID        string `json:"id"`
	Note      string `json:"note,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	ExpiresAt string `json:"expires_at" format:"date-time"`
}

// AccessToken backs a single-use guest access link.
type AccessToken struct {
	ID        string `json:"id"`
	CreatedAt string `json:"created_at" format:"date-time"`
	ExpiresAt string `json:"expires_at" format:"date-time"`
}

// Event is one audit log row.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	CallSID    string `json:"call_sid,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Actor      string `json:"actor"`
	Payload    string `json:"payload_json"`
}

// APIKey authenticates an operator API caller.
type APIKey struct {
	ID        string `json:"id"`
	Operator  string `json:"operator"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
