package market

import (
	"fmt"
	"slices"

	"github.com/shopspring/decimal"
)

// GuideOffer is a guide's declared availability and fixed hourly rate.
type GuideOffer struct {
	Listing
	HourlyRate   decimal.Decimal `json:"hourly_rate"`
	MaxGroupSize int             `json:"max_group_size"`
}

func (o *GuideOffer) Head() *Listing { return &o.Listing }
func (o *GuideOffer) Kind() Kind     { return KindOffer }

// Clone returns a deep copy.
func (o *GuideOffer) Clone() *GuideOffer {
	c := *o
	c.Categories = slices.Clone(o.Categories)
	return &c
}

// Validate checks submission constraints and normalizes categories in place.
func (o *GuideOffer) Validate() error {
	if err := o.Listing.validate(); err != nil {
		return err
	}
	if o.HourlyRate.IsNegative() {
		return fmt.Errorf("%w: hourly rate must not be negative", ErrInvalid)
	}
	if o.MaxGroupSize < 1 {
		return fmt.Errorf("%w: max group size must be at least 1", ErrInvalid)
	}
	return nil
}
