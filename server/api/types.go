package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/GoCodeAlone/tourmatch/market"
)

// OfferSubmission is the body of POST /api/offers.
type OfferSubmission struct {
	ID           string          `json:"id,omitempty"`
	Categories   []string        `json:"categories"`
	WindowStart  time.Time       `json:"window_start"`
	WindowEnd    time.Time       `json:"window_end"`
	HourlyRate   decimal.Decimal `json:"hourly_rate"`
	MaxGroupSize int             `json:"max_group_size"`
}

// Offer converts the submission into an offer without an owner.
func (s OfferSubmission) Offer() *market.GuideOffer {
	return &market.GuideOffer{
		Listing: market.Listing{
			ID:         s.ID,
			Categories: s.Categories,
			Window:     market.Window{Start: s.WindowStart, End: s.WindowEnd},
		},
		HourlyRate:   s.HourlyRate,
		MaxGroupSize: s.MaxGroupSize,
	}
}

// RequestSubmission is the body of POST /api/requests.
type RequestSubmission struct {
	ID              string          `json:"id,omitempty"`
	Categories      []string        `json:"categories"`
	WindowStart     time.Time       `json:"window_start"`
	WindowEnd       time.Time       `json:"window_end"`
	Budget          decimal.Decimal `json:"budget"`
	PartySize       int             `json:"party_size"`
	DurationMinutes int             `json:"duration_minutes,omitempty"`
}

// Request converts the submission into a request without an owner.
func (s RequestSubmission) Request() *market.TouristRequest {
	return &market.TouristRequest{
		Listing: market.Listing{
			ID:         s.ID,
			Categories: s.Categories,
			Window:     market.Window{Start: s.WindowStart, End: s.WindowEnd},
		},
		Budget:          s.Budget,
		PartySize:       s.PartySize,
		DurationMinutes: s.DurationMinutes,
	}
}

// Submitted answers a successful submission.
type Submitted struct {
	ID string `json:"id"`
}

// AssignmentPage is one page of GET /api/assignments. Pass Next as since to
// read the following page.
type AssignmentPage struct {
	Assignments []market.Assignment `json:"assignments"`
	Next        uint64              `json:"next"`
}

// Reason is the optional body of reject and cancel.
type Reason struct {
	Reason string `json:"reason,omitempty"`
}

// TokenRequest is the body of POST /api/auth/token.
type TokenRequest struct {
	AgentID string `json:"agent_id"`
	Secret  string `json:"secret"`
}

// TokenResponse carries a signed bearer token.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Status is the body of GET /api/status.
type Status struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Uptime   string `json:"uptime"`
	Offers   int    `json:"offers"`
	Requests int    `json:"requests"`
	Cursor   uint64 `json:"cursor"`
}

// Error is the body of every failed request.
type Error struct {
	Error string `json:"error"`
}
