package match

import (
	"cmp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/GoCodeAlone/tourmatch/market"
)

var nanosPerHour = decimal.NewFromInt(int64(time.Hour))

// Price is rate × span rounded up to the cent; it is never below the exact
// cost.
func Price(rate decimal.Decimal, span time.Duration) decimal.Decimal {
	return rate.Mul(decimal.NewFromInt(int64(span))).Div(nanosPerHour).RoundCeil(2)
}

// Pair is an eligible offer and request with the terms they would be
// proposed on.
type Pair struct {
	Offer   *market.GuideOffer
	Request *market.TouristRequest
	Terms   market.Terms
	Overlap int
}

// Eligible reports whether o can serve r and returns the proposal terms.
// Both must be OPEN, owned by different agents, share a category, overlap
// by at least the requested duration, fit the party and fit the budget.
func Eligible(o *market.GuideOffer, r *market.TouristRequest) (Pair, bool) {
	if o.Status != market.StatusOpen || r.Status != market.StatusOpen {
		return Pair{}, false
	}
	if o.Owner != "" && o.Owner == r.Owner {
		return Pair{}, false
	}
	overlap := o.Categories.Overlap(r.Categories)
	if overlap == 0 {
		return Pair{}, false
	}
	if o.MaxGroupSize < r.PartySize {
		return Pair{}, false
	}
	span := r.Span()
	if o.Window.Intersect(r.Window).Length() < span {
		return Pair{}, false
	}
	terms := Terms(o, r)
	if terms.Total.GreaterThan(r.Budget) {
		return Pair{}, false
	}
	return Pair{Offer: o, Request: r, Terms: terms, Overlap: overlap}, true
}

// Terms are the conditions o and r would be proposed on: the tour starts at
// the later of the two window starts and lasts the requested duration at
// the offer's rate.
func Terms(o *market.GuideOffer, r *market.TouristRequest) market.Terms {
	start := o.Start
	if r.Start.After(start) {
		start = r.Start
	}
	span := r.Span()
	return market.Terms{
		Rate:      o.HourlyRate,
		Start:     start,
		End:       start.Add(span),
		GroupSize: r.PartySize,
		Total:     Price(o.HourlyRate, span),
	}
}

// BestOffer selects the offer r should be proposed with, if any.
func BestOffer(r *market.TouristRequest, offers []*market.GuideOffer, p Policy) (Pair, bool) {
	pairs := make([]Pair, 0, len(offers))
	for _, o := range offers {
		if pr, ok := Eligible(o, r); ok {
			pairs = append(pairs, pr)
		}
	}
	return pick(market.KindOffer, pairs, p)
}

// BestRequest selects the request o should be proposed with, if any.
func BestRequest(o *market.GuideOffer, requests []*market.TouristRequest, p Policy) (Pair, bool) {
	pairs := make([]Pair, 0, len(requests))
	for _, r := range requests {
		if pr, ok := Eligible(o, r); ok {
			pairs = append(pairs, pr)
		}
	}
	return pick(market.KindRequest, pairs, p)
}

// pick returns the best pair ranking the counterpart side. The result does
// not depend on the order of pairs.
func pick(counterpart market.Kind, pairs []Pair, p Policy) (Pair, bool) {
	if len(pairs) == 0 {
		return Pair{}, false
	}
	if len(p) == 0 || p[len(p)-1] != ByID {
		p = append(append(Policy(nil), p...), ByID)
	}
	best := pairs[0]
	for _, cand := range pairs[1:] {
		if compare(counterpart, cand, best, p) < 0 {
			best = cand
		}
	}
	return best, true
}

// compare orders a before b when it returns a negative number.
func compare(counterpart market.Kind, a, b Pair, p Policy) int {
	for _, c := range p {
		var d int
		switch c {
		case ByOverlap:
			d = cmp.Compare(b.Overlap, a.Overlap)
		case BySubmitted:
			d = cmp.Compare(side(counterpart, a).Seq, side(counterpart, b).Seq)
		case ByPrice:
			if counterpart == market.KindOffer {
				d = a.Offer.HourlyRate.Cmp(b.Offer.HourlyRate)
			} else {
				d = b.Request.Budget.Cmp(a.Request.Budget)
			}
		case ByID:
			d = strings.Compare(side(counterpart, a).ID, side(counterpart, b).ID)
		}
		if d != 0 {
			return d
		}
	}
	return 0
}

func side(kind market.Kind, p Pair) *market.Listing {
	if kind == market.KindOffer {
		return &p.Offer.Listing
	}
	return &p.Request.Listing
}
