// Package agent runs autonomous market participants. An agent submits the
// listing its strategy proposes, follows its own events and answers every
// proposal that involves it.
package agent

import (
	"log/slog"
	"time"

	"github.com/GoCodeAlone/tourmatch/client"
	"github.com/GoCodeAlone/tourmatch/strategy"
)

// Status represents the current state of an agent.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusActive   Status = "active"
	StatusWorking  Status = "working"
	StatusFinished Status = "finished"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// Config holds what a Runtime needs.
type Config struct {
	ID       string
	Role     strategy.Role
	Strategy strategy.Strategy
	Client   *client.Client
	// Secret, when set, is exchanged for a token before the first call.
	Secret string
	// Submissions caps how many listings the agent submits; zero means no cap.
	// An agent whose cap is reached and whose last listing closed finishes.
	Submissions int
	// Retry is the reconnect delay of the event stream.
	Retry  time.Duration
	Logger *slog.Logger
	Now    func() time.Time
}

// Info provides read-only metadata about an agent.
type Info struct {
	ID          string        `json:"id"`
	Role        strategy.Role `json:"role"`
	Strategy    string        `json:"strategy"`
	Status      Status        `json:"status"`
	Listing     string        `json:"listing,omitempty"`
	Submitted   int           `json:"submitted"`
	Assignments int           `json:"assignments"`
	Outcomes    int           `json:"outcomes"`
	StartedAt   time.Time     `json:"started_at"`
	Error       string        `json:"error,omitempty"`
}
