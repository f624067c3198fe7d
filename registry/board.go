// Package registry holds the open offers and requests. Both registries share
// a Board lock so the ledger can change the status of an offer and a request
// in one step that readers never observe half-applied.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/GoCodeAlone/tourmatch/market"
)

// Board owns the offer and request registries and the snapshot lock over them.
type Board struct {
	mu     sync.RWMutex
	seq    uint64
	now    func() time.Time
	onOpen func(Change)

	Offers   *Registry[*market.GuideOffer]
	Requests *Registry[*market.TouristRequest]
}

// NewBoard creates an empty board. A nil now uses time.Now.
func NewBoard(now func() time.Time) *Board {
	if now == nil {
		now = time.Now
	}
	b := &Board{now: now}
	b.Offers = newRegistry[*market.GuideOffer](b, market.KindOffer)
	b.Requests = newRegistry[*market.TouristRequest](b, market.KindRequest)
	return b
}

// OnInsert installs fn on both registries. fn runs after the insert is
// visible and must not block.
func (b *Board) OnInsert(fn func(kind market.Kind, id string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Offers.onInsert = fn
	b.Requests.onInsert = fn
}

// OnOpen installs fn, called with the OPEN change of every insert while the
// write lock is still held, so it runs before any other change to the new
// entity. fn must not block or touch the board.
func (b *Board) OnOpen(fn func(Change)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onOpen = fn
}

// View runs fn under the read lock. State guarded by the board (including
// the ledger's task table) may be read inside fn.
func (b *Board) View(fn func()) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	fn()
}

// Change describes one applied status change.
type Change struct {
	Kind   market.Kind
	ID     string
	Owner  string
	From   market.Status
	To     market.Status
	Rev    uint64
	Window market.Window
}

// Tx stages status changes inside Commit.
type Tx struct {
	b       *Board
	Now     time.Time
	changes []Change
	after   []func()
}

// Offer returns the live offer; callers must not modify it.
func (tx *Tx) Offer(id string) (*market.GuideOffer, error) {
	o, ok := tx.b.Offers.items[id]
	if !ok {
		return nil, fmt.Errorf("offer %s: %w", id, market.ErrNotFound)
	}
	return o, nil
}

// Request returns the live request; callers must not modify it.
func (tx *Tx) Request(id string) (*market.TouristRequest, error) {
	r, ok := tx.b.Requests.items[id]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, market.ErrNotFound)
	}
	return r, nil
}

func (tx *Tx) head(kind market.Kind, id string) (*market.Listing, error) {
	if kind == market.KindOffer {
		o, err := tx.Offer(id)
		if err != nil {
			return nil, err
		}
		return o.Head(), nil
	}
	r, err := tx.Request(id)
	if err != nil {
		return nil, err
	}
	return r.Head(), nil
}

// SetStatus stages from -> to for an entity. It fails with ErrConflict when
// the entity is not currently in from.
func (tx *Tx) SetStatus(kind market.Kind, id string, from, to market.Status) error {
	h, err := tx.head(kind, id)
	if err != nil {
		return err
	}
	if h.Status != from {
		return fmt.Errorf("%s %s is %s, want %s: %w", kind, id, h.Status, from, market.ErrConflict)
	}
	tx.changes = append(tx.changes, Change{
		Kind: kind, ID: id, Owner: h.Owner, From: from, To: to, Window: h.Window,
	})
	return nil
}

// Defer registers fn to run under the write lock once the staged changes
// have been applied.
func (tx *Tx) Defer(fn func()) { tx.after = append(tx.after, fn) }

// Commit runs fn under the write lock. If fn returns nil every staged change
// is applied and every deferred function runs; otherwise nothing changes.
func (b *Board) Commit(fn func(tx *Tx) error) ([]Change, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tx := &Tx{b: b, Now: b.now()}
	if err := fn(tx); err != nil {
		return nil, err
	}
	for i := range tx.changes {
		c := &tx.changes[i]
		h, _ := tx.head(c.Kind, c.ID)
		h.Status = c.To
		h.Rev++
		h.UpdatedAt = tx.Now
		c.Rev = h.Rev
	}
	for _, f := range tx.after {
		f()
	}
	return tx.changes, nil
}

// Collect removes terminal entities whose last change is before cutoff and
// returns how many were removed.
func (b *Board) Collect(cutoff time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Offers.collect(cutoff) + b.Requests.collect(cutoff)
}
