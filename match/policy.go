// Package match pairs open offers with open requests. Selection is a pure
// function of a snapshot; the Engine schedules attempts and hands the chosen
// pair to the ledger.
package match

import (
	"fmt"
	"slices"
	"strings"
)

// Criterion is one ranking rule. Earlier criteria dominate later ones.
type Criterion string

const (
	// ByOverlap prefers the counterpart sharing the most categories.
	ByOverlap Criterion = "overlap"
	// BySubmitted prefers the counterpart submitted first.
	BySubmitted Criterion = "submitted"
	// ByPrice prefers the cheapest offer for a request and the largest
	// budget for an offer.
	ByPrice Criterion = "price"
	// ByID prefers the lowest counterpart id. It always ends a Policy.
	ByID Criterion = "id"
)

// Policy is an ordered list of ranking criteria ending in ByID.
type Policy []Criterion

// DefaultPolicy ranks by overlap, then submission order, then id.
func DefaultPolicy() Policy { return Policy{ByOverlap, BySubmitted, ByID} }

// ParsePolicy builds a Policy from criterion names. Duplicates are dropped
// and ByID is appended when missing. An empty list yields DefaultPolicy.
func ParsePolicy(names []string) (Policy, error) {
	if len(names) == 0 {
		return DefaultPolicy(), nil
	}
	var p Policy
	for _, n := range names {
		c := Criterion(strings.ToLower(strings.TrimSpace(n)))
		switch c {
		case ByOverlap, BySubmitted, ByPrice, ByID:
		default:
			return nil, fmt.Errorf("unknown ranking criterion %q", n)
		}
		if !slices.Contains(p, c) {
			p = append(p, c)
		}
	}
	if i := slices.Index(p, ByID); i >= 0 {
		p = p[:i]
	}
	return append(p, ByID), nil
}

func (p Policy) String() string {
	parts := make([]string, len(p))
	for i, c := range p {
		parts[i] = string(c)
	}
	return strings.Join(parts, ",")
}
