// Package strategy decides what an agent submits to the market and how it
// answers proposals. Strategies run inside agents, never inside the market.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/GoCodeAlone/tourmatch/config"
	"github.com/GoCodeAlone/tourmatch/market"
	"github.com/GoCodeAlone/tourmatch/provider"
	"github.com/GoCodeAlone/tourmatch/provider/mock"
	"github.com/GoCodeAlone/tourmatch/server/api"
)

// Role is the side of the market an agent acts for.
type Role string

const (
	RoleGuide   Role = "guide"
	RoleTourist Role = "tourist"
)

// Outcome is how one of the agent's proposals ended.
type Outcome struct {
	TaskID string           `json:"task_id"`
	State  market.TaskState `json:"state"`
	Reason string           `json:"reason,omitempty"`
	Total  decimal.Decimal  `json:"total"`
}

// State is what a strategy sees when it decides.
type State struct {
	Agent string    `json:"agent"`
	Role  Role      `json:"role"`
	Now   time.Time `json:"now"`
	// Outcomes lists the agent's resolved proposals, oldest first.
	Outcomes []Outcome `json:"outcomes,omitempty"`
	// Market holds the OPEN listings of the other side.
	Market []Listing `json:"market,omitempty"`
}

// Failures counts the trailing outcomes that did not end in an assignment.
func (s State) Failures() int {
	n := 0
	for i := len(s.Outcomes) - 1; i >= 0; i-- {
		if s.Outcomes[i].State == market.TaskAccepted {
			break
		}
		n++
	}
	return n
}

// Listing summarizes one OPEN counterpart listing.
type Listing struct {
	ID         string          `json:"id"`
	Categories []string        `json:"categories"`
	Start      time.Time       `json:"start"`
	End        time.Time       `json:"end"`
	Price      decimal.Decimal `json:"price"` // hourly rate or budget
	Size       int             `json:"size"`  // max group or party size
}

// Snapshot converts open counterpart listings into State.Market entries.
func Snapshot(offers []*market.GuideOffer, requests []*market.TouristRequest) []Listing {
	out := make([]Listing, 0, len(offers)+len(requests))
	for _, o := range offers {
		out = append(out, Listing{ID: o.ID, Categories: o.Categories, Start: o.Start, End: o.End, Price: o.HourlyRate, Size: o.MaxGroupSize})
	}
	for _, r := range requests {
		out = append(out, Listing{ID: r.ID, Categories: r.Categories, Start: r.Start, End: r.End, Price: r.Budget, Size: r.PartySize})
	}
	return out
}

// Submission is what the agent puts on the market next. Exactly one field
// is set.
type Submission struct {
	Offer   *api.OfferSubmission
	Request *api.RequestSubmission
}

// Decision answers a proposal.
type Decision struct {
	Accept bool   `json:"accept"`
	Reason string `json:"reason,omitempty"`
}

// Strategy decides an agent's next move.
type Strategy interface {
	Name() string
	// Next returns the next submission.
	Next(ctx context.Context, s State) (Submission, error)
	// Decide answers a PROPOSED task involving the agent.
	Decide(ctx context.Context, s State, t *market.NegotiationTask) (Decision, error)
}

var (
	_ Strategy = (*Heuristic)(nil)
	_ Strategy = (*LLM)(nil)
)

// Profile is the parsed form of config.ProfileConfig.
type Profile struct {
	Categories      []string
	HourlyRate      decimal.Decimal
	MaxGroupSize    int
	Budget          decimal.Decimal
	PartySize       int
	DurationMinutes int
	WindowHours     int
	LeadTime        time.Duration
}

// ParseProfile validates a profile for role.
func ParseProfile(role Role, pc config.ProfileConfig) (Profile, error) {
	p := Profile{
		Categories:      pc.Categories,
		MaxGroupSize:    pc.MaxGroupSize,
		PartySize:       pc.PartySize,
		DurationMinutes: pc.DurationMinutes,
		WindowHours:     pc.WindowHours,
		LeadTime:        pc.LeadTime,
	}
	if len(p.Categories) == 0 {
		return p, errors.New("profile needs at least one category")
	}
	if p.WindowHours <= 0 {
		p.WindowHours = 4
	}
	if p.LeadTime <= 0 {
		p.LeadTime = time.Hour
	}
	var err error
	switch role {
	case RoleGuide:
		if p.HourlyRate, err = decimal.NewFromString(pc.HourlyRate); err != nil {
			return p, fmt.Errorf("profile hourly_rate %q: %w", pc.HourlyRate, err)
		}
		if p.MaxGroupSize <= 0 {
			p.MaxGroupSize = 1
		}
	case RoleTourist:
		if p.Budget, err = decimal.NewFromString(pc.Budget); err != nil {
			return p, fmt.Errorf("profile budget %q: %w", pc.Budget, err)
		}
		if p.PartySize <= 0 {
			p.PartySize = 1
		}
	default:
		return p, fmt.Errorf("unknown role %q", role)
	}
	return p, nil
}

// New builds the strategy named by cfg.Strategy.
func New(cfg config.AgentConfig, logger *slog.Logger) (Strategy, error) {
	role := Role(cfg.Role)
	profile, err := ParseProfile(role, cfg.Profile)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", cfg.ID, err)
	}
	h := NewHeuristic(role, profile, cfg.AcceptsByDefault())
	switch cfg.Strategy {
	case "", "heuristic":
		return h, nil
	case "llm":
		p, err := newProvider(cfg)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", cfg.ID, err)
		}
		return NewLLM(p, h, LLMOptions{SystemPrompt: cfg.SystemPrompt, Logger: logger}), nil
	}
	return nil, fmt.Errorf("agent %s: unknown strategy %q", cfg.ID, cfg.Strategy)
}

func newProvider(cfg config.AgentConfig) (provider.Provider, error) {
	switch cfg.Provider {
	case "mock":
		return mock.New(), nil
	case "", "anthropic":
		env := cfg.APIKeyEnv
		if env == "" {
			env = "ANTHROPIC_API_KEY"
		}
		key := os.Getenv(env)
		if key == "" {
			return nil, fmt.Errorf("provider anthropic: %s is not set", env)
		}
		return provider.NewAnthropicProvider(provider.AnthropicConfig{
			APIKey:     key,
			Model:      cfg.Model,
			MaxRetries: 2,
		}), nil
	}
	return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
}
