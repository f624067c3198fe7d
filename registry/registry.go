package registry

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/tourmatch/market"
)

// Registry is a concurrent store of one kind of entity, keyed by id, with a
// secondary index ordered by window start.
type Registry[T market.Entity[T]] struct {
	b        *Board
	kind     market.Kind
	items    map[string]T
	index    []indexEntry // sorted by (start, seq)
	onInsert func(kind market.Kind, id string)
}

type indexEntry struct {
	start time.Time
	seq   uint64
	id    string
}

func compareEntry(a, b indexEntry) int {
	if c := a.start.Compare(b.start); c != 0 {
		return c
	}
	return cmp.Compare(a.seq, b.seq)
}

func newRegistry[T market.Entity[T]](b *Board, kind market.Kind) *Registry[T] {
	return &Registry[T]{b: b, kind: kind, items: make(map[string]T)}
}

// Kind reports which side of the market this registry holds.
func (r *Registry[T]) Kind() market.Kind { return r.kind }

// Insert validates and stores e as OPEN and returns its id. An id is
// generated when e has none. The insert hook fires after the entity is
// visible to queries.
func (r *Registry[T]) Insert(e T) (string, error) {
	e = e.Clone()
	if err := e.Validate(); err != nil {
		return "", err
	}
	h := e.Head()
	if h.ID == "" {
		h.ID = uuid.New().String()
	}

	r.b.mu.Lock()
	if _, exists := r.items[h.ID]; exists {
		r.b.mu.Unlock()
		return "", fmt.Errorf("%s %s: %w", r.kind, h.ID, market.ErrDuplicateID)
	}
	r.b.seq++
	now := r.b.now()
	h.Status = market.StatusOpen
	h.Seq = r.b.seq
	h.Rev = 1
	h.SubmittedAt = now
	h.UpdatedAt = now
	r.items[h.ID] = e

	entry := indexEntry{start: h.Start, seq: h.Seq, id: h.ID}
	pos, _ := slices.BinarySearchFunc(r.index, entry, compareEntry)
	r.index = slices.Insert(r.index, pos, entry)
	if r.b.onOpen != nil {
		r.b.onOpen(Change{Kind: r.kind, ID: h.ID, Owner: h.Owner, To: market.StatusOpen, Rev: h.Rev, Window: h.Window})
	}
	hook := r.onInsert
	r.b.mu.Unlock()

	if hook != nil {
		hook(r.kind, h.ID)
	}
	return h.ID, nil
}

// Get returns a copy of the entity with the given id.
func (r *Registry[T]) Get(id string) (T, error) {
	r.b.mu.RLock()
	defer r.b.mu.RUnlock()
	e, ok := r.items[id]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%s %s: %w", r.kind, id, market.ErrNotFound)
	}
	return e.Clone(), nil
}

// QueryOpen returns copies of OPEN entities whose window overlaps w and
// whose categories intersect cats, oldest submission first. An empty cats
// matches every category.
func (r *Registry[T]) QueryOpen(w market.Window, cats market.Categories) []T {
	r.b.mu.RLock()
	defer r.b.mu.RUnlock()

	// Entries starting at or after w.End cannot overlap.
	cutoff, _ := slices.BinarySearchFunc(r.index, w.End, func(e indexEntry, end time.Time) int {
		if e.start.Before(end) {
			return -1
		}
		return 1
	})

	var out []T
	for _, ent := range r.index[:cutoff] {
		e := r.items[ent.id]
		h := e.Head()
		if h.Status != market.StatusOpen || !h.End.After(w.Start) {
			continue
		}
		if len(cats) > 0 && h.Categories.Overlap(cats) == 0 {
			continue
		}
		out = append(out, e.Clone())
	}
	slices.SortFunc(out, func(a, b T) int { return cmp.Compare(a.Head().Seq, b.Head().Seq) })
	return out
}

// List returns copies of all entities, optionally restricted to one status,
// oldest submission first.
func (r *Registry[T]) List(status market.Status) []T {
	r.b.mu.RLock()
	defer r.b.mu.RUnlock()
	out := make([]T, 0, len(r.items))
	for _, e := range r.items {
		if status != "" && e.Head().Status != status {
			continue
		}
		out = append(out, e.Clone())
	}
	slices.SortFunc(out, func(a, b T) int { return cmp.Compare(a.Head().Seq, b.Head().Seq) })
	return out
}

// Len returns the number of stored entities.
func (r *Registry[T]) Len() int {
	r.b.mu.RLock()
	defer r.b.mu.RUnlock()
	return len(r.items)
}

// collect is called with the board write lock held.
func (r *Registry[T]) collect(cutoff time.Time) int {
	removed := 0
	for id, e := range r.items {
		h := e.Head()
		if h.Status.Terminal() && h.UpdatedAt.Before(cutoff) {
			delete(r.items, id)
			removed++
		}
	}
	if removed > 0 {
		r.index = slices.DeleteFunc(r.index, func(ent indexEntry) bool {
			_, ok := r.items[ent.id]
			return !ok
		})
	}
	return removed
}
