package strategy

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/GoCodeAlone/tourmatch/market"
	"github.com/GoCodeAlone/tourmatch/server/api"
)

var (
	step       = decimal.RequireFromString("0.1")
	rateFloor  = decimal.RequireFromString("0.5")
	budgetCeil = decimal.RequireFromString("1.5")
)

// Heuristic submits the agent's profile and concedes on price after each
// proposal that did not end in an assignment: guides drop their rate by 10%
// down to half, tourists raise their budget by 10% up to one and a half times.
type Heuristic struct {
	role      Role
	profile   Profile
	acceptAll bool
}

// NewHeuristic returns a Heuristic for role. With accept unset every
// proposal is rejected.
func NewHeuristic(role Role, p Profile, accept bool) *Heuristic {
	return &Heuristic{role: role, profile: p, acceptAll: accept}
}

func (h *Heuristic) Name() string { return "heuristic" }

// Window returns the availability window for a submission made at now: it
// opens on the first full hour after the lead time.
func (h *Heuristic) Window(now time.Time) (time.Time, time.Time) {
	start := now.Add(h.profile.LeadTime).Truncate(time.Hour).Add(time.Hour)
	length := time.Duration(h.profile.WindowHours) * time.Hour
	if d := time.Duration(h.profile.DurationMinutes) * time.Minute; d > length {
		length = d
	}
	return start, start.Add(length)
}

// Rate returns the hourly rate after failures unanswered or declined proposals.
func (h *Heuristic) Rate(failures int) decimal.Decimal {
	factor := decimal.Max(rateFloor, decimal.NewFromInt(1).Sub(step.Mul(decimal.NewFromInt(int64(failures)))))
	return h.profile.HourlyRate.Mul(factor).Round(2)
}

// Budget returns the budget after failures unanswered or declined proposals.
func (h *Heuristic) Budget(failures int) decimal.Decimal {
	factor := decimal.Min(budgetCeil, decimal.NewFromInt(1).Add(step.Mul(decimal.NewFromInt(int64(failures)))))
	return h.profile.Budget.Mul(factor).Round(2)
}

func (h *Heuristic) Next(_ context.Context, s State) (Submission, error) {
	start, end := h.Window(s.Now)
	if h.role == RoleGuide {
		return Submission{Offer: &api.OfferSubmission{
			Categories:   h.profile.Categories,
			WindowStart:  start,
			WindowEnd:    end,
			HourlyRate:   h.Rate(s.Failures()),
			MaxGroupSize: h.profile.MaxGroupSize,
		}}, nil
	}
	return Submission{Request: &api.RequestSubmission{
		Categories:      h.profile.Categories,
		WindowStart:     start,
		WindowEnd:       end,
		Budget:          h.Budget(s.Failures()),
		PartySize:       h.profile.PartySize,
		DurationMinutes: h.profile.DurationMinutes,
	}}, nil
}

func (h *Heuristic) Decide(_ context.Context, s State, t *market.NegotiationTask) (Decision, error) {
	if !h.acceptAll {
		return Decision{Reason: "not accepting proposals"}, nil
	}
	if h.role == RoleGuide {
		if t.Terms.GroupSize > h.profile.MaxGroupSize {
			return Decision{Reason: "group too large"}, nil
		}
		return Decision{Accept: true}, nil
	}
	if t.Terms.Total.GreaterThan(h.Budget(s.Failures())) {
		return Decision{Reason: "over budget"}, nil
	}
	return Decision{Accept: true}, nil
}
