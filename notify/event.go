// Package notify fans ledger transitions out to observers. Every event gets a
// sequence number and an idempotency key; delivery is at-least-once and
// consumers deduplicate by key.
package notify

import (
	"fmt"
	"time"

	"github.com/GoCodeAlone/tourmatch/market"
)

// EventType identifies a ledger transition.
type EventType string

const (
	EventOfferOpened       EventType = "offer_opened"
	EventRequestOpened     EventType = "request_opened"
	EventOfferClosed       EventType = "offer_closed"
	EventRequestClosed     EventType = "request_closed"
	EventTaskProposed      EventType = "task_proposed"
	EventTaskAccepted      EventType = "task_accepted"
	EventTaskRejected      EventType = "task_rejected"
	EventTaskExpired       EventType = "task_expired"
	EventTaskCanceled      EventType = "task_canceled"
	EventAssignmentCreated EventType = "assignment_created"
)

// Event is an immutable fact about one state change.
type Event struct {
	Seq        uint64             `json:"seq"`
	Type       EventType          `json:"type"`
	Key        string             `json:"key"`
	TaskID     string             `json:"task_id,omitempty"`
	OfferID    string             `json:"offer_id,omitempty"`
	RequestID  string             `json:"request_id,omitempty"`
	Guide      string             `json:"guide,omitempty"`
	Tourist    string             `json:"tourist,omitempty"`
	Status     string             `json:"status"`
	Rev        uint64             `json:"rev,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	Assignment *market.Assignment `json:"assignment,omitempty"`
	At         time.Time          `json:"at"`

	// Gap is set on the first event a subscriber receives after its cursor
	// fell behind the retained log.
	Gap bool `json:"gap,omitempty"`
}

// Involves reports whether agent owns a side referenced by the event.
func (e Event) Involves(agent string) bool {
	return agent != "" && (e.Guide == agent || e.Tourist == agent)
}

// TaskKey is the idempotency key of a task transition.
func TaskKey(taskID string, state market.TaskState) string {
	return taskID + "/" + string(state)
}

// EntityKey is the idempotency key of an offer or request status change.
// Entities can return to OPEN, so the revision is part of the key.
func EntityKey(kind market.Kind, id string, status market.Status, rev uint64) string {
	return fmt.Sprintf("%s:%s/%s/%d", kind, id, status, rev)
}

// AssignmentKey is the idempotency key of an assignment.
func AssignmentKey(taskID string) string { return "assignment/" + taskID }

// TaskEventType maps a task state to its event type.
func TaskEventType(s market.TaskState) EventType {
	switch s {
	case market.TaskAccepted:
		return EventTaskAccepted
	case market.TaskRejected:
		return EventTaskRejected
	case market.TaskExpired:
		return EventTaskExpired
	case market.TaskCanceled:
		return EventTaskCanceled
	}
	return EventTaskProposed
}

// EntityEventType maps an entity status change to its event type.
func EntityEventType(kind market.Kind, status market.Status) EventType {
	open := status == market.StatusOpen
	switch {
	case kind == market.KindOffer && open:
		return EventOfferOpened
	case kind == market.KindOffer:
		return EventOfferClosed
	case open:
		return EventRequestOpened
	}
	return EventRequestClosed
}
