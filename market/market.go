// Package market defines the offers, requests, negotiation tasks and
// assignments exchanged between guide and tourist agents.
package market

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"golang.org/x/text/cases"
)

// Kind distinguishes the two sides of the market.
type Kind string

const (
	KindOffer   Kind = "offer"
	KindRequest Kind = "request"
)

// Other returns the counterpart kind.
func (k Kind) Other() Kind {
	if k == KindOffer {
		return KindRequest
	}
	return KindOffer
}

// Ref names one offer or request.
type Ref struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

func (r Ref) String() string { return string(r.Kind) + ":" + r.ID }

// Status is the lifecycle state of an offer or request.
type Status string

const (
	StatusOpen      Status = "open"
	StatusReserved  Status = "reserved"
	StatusConsumed  Status = "consumed"
	StatusExpired   Status = "expired"
	StatusWithdrawn Status = "withdrawn"
)

// Terminal reports whether no further status change is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusConsumed, StatusExpired, StatusWithdrawn:
		return true
	}
	return false
}

// Window is a half-open availability interval [Start, End).
type Window struct {
	Start time.Time `json:"window_start"`
	End   time.Time `json:"window_end"`
}

// Length returns End - Start.
func (w Window) Length() time.Duration { return w.End.Sub(w.Start) }

// Valid reports whether the window is non-empty.
func (w Window) Valid() bool {
	return !w.Start.IsZero() && !w.End.IsZero() && w.End.After(w.Start)
}

// Overlaps reports whether the two windows share any instant.
func (w Window) Overlaps(o Window) bool {
	return w.Start.Before(o.End) && o.Start.Before(w.End)
}

// Intersect returns the overlap of two windows. The result is not Valid
// when they do not overlap.
func (w Window) Intersect(o Window) Window {
	start, end := w.Start, w.End
	if o.Start.After(start) {
		start = o.Start
	}
	if o.End.Before(end) {
		end = o.End
	}
	return Window{Start: start, End: end}
}

// Elapsed reports whether the window has closed at now.
func (w Window) Elapsed(now time.Time) bool { return !now.Before(w.End) }

// Categories is a normalized, sorted, duplicate-free set of service categories.
type Categories []string

// NormalizeCategories case-folds, trims and deduplicates raw category names.
func NormalizeCategories(raw []string) (Categories, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: at least one category is required", ErrInvalid)
	}
	out := make(Categories, 0, len(raw))
	for _, c := range raw {
		c = strings.TrimSpace(cases.Fold().String(c))
		if c == "" {
			return nil, fmt.Errorf("%w: empty category", ErrInvalid)
		}
		out = append(out, c)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

// Overlap counts the categories present in both sets. Both sets must be sorted.
func (c Categories) Overlap(o Categories) int {
	n := 0
	for i, j := 0, 0; i < len(c) && j < len(o); {
		switch {
		case c[i] == o[j]:
			n++
			i++
			j++
		case c[i] < o[j]:
			i++
		default:
			j++
		}
	}
	return n
}

// Listing holds the fields shared by offers and requests.
type Listing struct {
	ID         string     `json:"id"`
	Owner      string     `json:"owner"`
	Categories Categories `json:"categories"`
	Window
	Status      Status    `json:"status"`
	Seq         uint64    `json:"seq"`
	Rev         uint64    `json:"rev"`
	SubmittedAt time.Time `json:"submitted_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Entity is implemented by *GuideOffer and *TouristRequest.
type Entity[T any] interface {
	Head() *Listing
	Kind() Kind
	Clone() T
	Validate() error
}

func (l *Listing) validate() error {
	if l.Owner == "" {
		return fmt.Errorf("%w: owner is required", ErrInvalid)
	}
	if !l.Window.Valid() {
		return fmt.Errorf("%w: window end must be after start", ErrInvalid)
	}
	cats, err := NormalizeCategories(l.Categories)
	if err != nil {
		return err
	}
	l.Categories = cats
	return nil
}
