package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// TaskState is the state of a negotiation task.
type TaskState string

const (
	TaskProposed TaskState = "proposed"
	TaskAccepted TaskState = "accepted"
	TaskRejected TaskState = "rejected"
	TaskExpired  TaskState = "expired"
	TaskCanceled TaskState = "canceled"
)

// Terminal reports whether the state admits no further transition.
func (s TaskState) Terminal() bool { return s != TaskProposed }

// ReasonTimeout is recorded when the sweep expires an unanswered proposal.
const ReasonTimeout = "timeout"

// Terms are the fixed conditions a proposal was made on.
type Terms struct {
	Rate      decimal.Decimal `json:"rate"`
	Start     time.Time       `json:"start"`
	End       time.Time       `json:"end"`
	GroupSize int             `json:"group_size"`
	Total     decimal.Decimal `json:"total"`
}

// Transition records one state change of a task.
type Transition struct {
	State  TaskState `json:"state"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// NegotiationTask tracks one candidate pairing from proposal to resolution.
type NegotiationTask struct {
	ID          string       `json:"id"`
	OfferID     string       `json:"offer_id"`
	RequestID   string       `json:"request_id"`
	Guide       string       `json:"guide"`
	Tourist     string       `json:"tourist"`
	State       TaskState    `json:"state"`
	Reason      string       `json:"reason,omitempty"`
	Terms       Terms        `json:"terms"`
	ProposedAt  time.Time    `json:"proposed_at"`
	Deadline    time.Time    `json:"deadline"`
	ResolvedAt  *time.Time   `json:"resolved_at,omitempty"`
	Transitions []Transition `json:"transitions"`
}

// Clone returns a deep copy.
func (t *NegotiationTask) Clone() *NegotiationTask {
	c := *t
	c.Transitions = append([]Transition(nil), t.Transitions...)
	if t.ResolvedAt != nil {
		at := *t.ResolvedAt
		c.ResolvedAt = &at
	}
	return &c
}

// Involves reports whether agent owns either side of the task.
func (t *NegotiationTask) Involves(agent string) bool {
	return agent != "" && (t.Guide == agent || t.Tourist == agent)
}

// Assignment is the immutable record of an accepted task.
type Assignment struct {
	Seq       uint64          `json:"seq"`
	TaskID    string          `json:"task_id"`
	OfferID   string          `json:"offer_id"`
	RequestID string          `json:"request_id"`
	Guide     string          `json:"guide"`
	Tourist   string          `json:"tourist"`
	Rate      decimal.Decimal `json:"rate"`
	Start     time.Time       `json:"start"`
	End       time.Time       `json:"end"`
	GroupSize int             `json:"group_size"`
	Total     decimal.Decimal `json:"total"`
	CreatedAt time.Time       `json:"created_at"`
}
