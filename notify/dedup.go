package notify

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/GoCodeAlone/tourmatch/market"
)

// Deduper remembers recently seen idempotency keys so a consumer fed by more
// than one transport handles each event once.
type Deduper struct {
	seen *lru.Cache[string, uint64]
}

// NewDeduper creates a Deduper remembering up to size keys.
func NewDeduper(size int) *Deduper {
	if size <= 0 {
		size = 8192
	}
	c, _ := lru.New[string, uint64](size) // only fails for size <= 0
	return &Deduper{seen: c}
}

// Seen records e and reports whether its key was already recorded.
func (d *Deduper) Seen(e Event) bool {
	ok, _ := d.seen.ContainsOrAdd(e.Key, e.Seq)
	return ok
}

// StateView is a consumer-side projection of task states and entity
// statuses. Applying the same event more than once has no further effect.
type StateView struct {
	mu       sync.RWMutex
	dedup    *Deduper
	tasks    map[string]market.TaskState
	entities map[string]entityState
	cursor   uint64
}

type entityState struct {
	status market.Status
	rev    uint64
}

// NewStateView creates an empty view.
func NewStateView() *StateView {
	return &StateView{
		dedup:    NewDeduper(0),
		tasks:    make(map[string]market.TaskState),
		entities: make(map[string]entityState),
	}
}

// Apply folds e into the view and reports whether anything changed.
func (v *StateView) Apply(e Event) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if e.Seq > v.cursor {
		v.cursor = e.Seq
	}
	if v.dedup.Seen(e) {
		return false
	}

	switch e.Type {
	case EventTaskProposed, EventTaskAccepted, EventTaskRejected, EventTaskExpired, EventTaskCanceled:
		cur, ok := v.tasks[e.TaskID]
		next := market.TaskState(e.Status)
		if ok && (cur.Terminal() || cur == next) {
			return false
		}
		v.tasks[e.TaskID] = next
		return true
	case EventOfferOpened, EventOfferClosed:
		return v.applyEntity(market.KindOffer, e.OfferID, e)
	case EventRequestOpened, EventRequestClosed:
		return v.applyEntity(market.KindRequest, e.RequestID, e)
	}
	return false
}

func (v *StateView) applyEntity(kind market.Kind, id string, e Event) bool {
	k := string(kind) + ":" + id
	if cur, ok := v.entities[k]; ok && cur.rev >= e.Rev {
		return false
	}
	v.entities[k] = entityState{status: market.Status(e.Status), rev: e.Rev}
	return true
}

// Task returns the last known state of a task.
func (v *StateView) Task(id string) (market.TaskState, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s, ok := v.tasks[id]
	return s, ok
}

// Entity returns the last known status of an offer or request.
func (v *StateView) Entity(kind market.Kind, id string) (market.Status, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s, ok := v.entities[string(kind)+":"+id]
	return s.status, ok
}

// Cursor returns the highest Seq applied so far.
func (v *StateView) Cursor() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cursor
}
