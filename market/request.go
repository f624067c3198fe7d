package market

import (
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// TouristRequest is a tourist's desired window, budget ceiling and party.
type TouristRequest struct {
	Listing
	Budget    decimal.Decimal `json:"budget"`
	PartySize int             `json:"party_size"`

	// DurationMinutes is the length of the tour wanted inside the window.
	// Zero means the whole window.
	DurationMinutes int `json:"duration_minutes,omitempty"`
}

func (r *TouristRequest) Head() *Listing { return &r.Listing }
func (r *TouristRequest) Kind() Kind     { return KindRequest }

// Clone returns a deep copy.
func (r *TouristRequest) Clone() *TouristRequest {
	c := *r
	c.Categories = slices.Clone(r.Categories)
	return &c
}

// Span returns the requested tour duration.
func (r *TouristRequest) Span() time.Duration {
	if r.DurationMinutes > 0 {
		return time.Duration(r.DurationMinutes) * time.Minute
	}
	return r.Window.Length()
}

// Validate checks submission constraints and normalizes categories in place.
func (r *TouristRequest) Validate() error {
	if err := r.Listing.validate(); err != nil {
		return err
	}
	if r.Budget.IsNegative() {
		return fmt.Errorf("%w: budget must not be negative", ErrInvalid)
	}
	if r.PartySize < 1 {
		return fmt.Errorf("%w: party size must be at least 1", ErrInvalid)
	}
	if r.DurationMinutes < 0 {
		return fmt.Errorf("%w: duration must be positive", ErrInvalid)
	}
	if r.Span() > r.Window.Length() {
		return fmt.Errorf("%w: duration exceeds the availability window", ErrInvalid)
	}
	return nil
}
