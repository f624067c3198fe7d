// Package ledger is the only writer of offer and request status. It runs the
// negotiation task state machine and records accepted tasks as assignments.
package ledger

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/tourmatch/market"
	"github.com/GoCodeAlone/tourmatch/notify"
	"github.com/GoCodeAlone/tourmatch/registry"
)

// Options configures a Ledger.
type Options struct {
	// ResponseTimeout is how long a proposal waits for an answer.
	ResponseTimeout time.Duration
	// LockTimeout bounds how long a mutation waits for its locks.
	LockTimeout time.Duration
	Journal     Journal
	Logger      *slog.Logger
}

// Ledger owns the task table and every entity status change.
type Ledger struct {
	board   *registry.Board
	bus     notify.Publisher
	journal Journal
	locks   *keyedLocks
	logger  *slog.Logger

	responseTimeout atomic.Int64
	lockTimeout     time.Duration

	// Guarded by the board lock.
	tasks       map[string]*market.NegotiationTask
	active      map[string]string
	declined    map[pair]struct{}
	assignments []market.Assignment

	hookMu    sync.RWMutex
	onRelease func(refs []market.Ref)
}

type pair struct{ offer, request string }

// New creates a ledger over board that publishes to bus.
func New(board *registry.Board, bus notify.Publisher, opts Options) *Ledger {
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = 5 * time.Minute
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 2 * time.Second
	}
	if opts.Journal == nil {
		opts.Journal = NewMemoryJournal()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	l := &Ledger{
		board:       board,
		bus:         bus,
		journal:     opts.Journal,
		locks:       newKeyedLocks(),
		logger:      opts.Logger,
		lockTimeout: opts.LockTimeout,
		tasks:       make(map[string]*market.NegotiationTask),
		active:      make(map[string]string),
		declined:    make(map[pair]struct{}),
	}
	l.responseTimeout.Store(int64(opts.ResponseTimeout))
	return l
}

// SetResponseTimeout changes the deadline given to later proposals.
func (l *Ledger) SetResponseTimeout(d time.Duration) {
	if d > 0 {
		l.responseTimeout.Store(int64(d))
	}
}

// ResponseTimeout returns the current proposal deadline.
func (l *Ledger) ResponseTimeout() time.Duration {
	return time.Duration(l.responseTimeout.Load())
}

// OnRelease installs fn, called with the entities a transition returned to
// OPEN. fn must not block.
func (l *Ledger) OnRelease(fn func(refs []market.Ref)) {
	l.hookMu.Lock()
	defer l.hookMu.Unlock()
	l.onRelease = fn
}

// Journal returns the transition journal.
func (l *Ledger) Journal() Journal { return l.journal }

func (l *Ledger) lock(ctx context.Context, keys ...string) (func(), error) {
	ctx, cancel := context.WithTimeout(ctx, l.lockTimeout)
	defer cancel()
	return l.locks.acquire(ctx, keys...)
}

// Propose reserves an OPEN offer and an OPEN request and creates a PROPOSED
// task between them. It fails with ErrConflict when either side is not OPEN,
// already has an active task, or the pair was rejected before.
func (l *Ledger) Propose(ctx context.Context, offerID, requestID string, terms market.Terms) (string, error) {
	okey := entityKey(market.KindOffer, offerID)
	rkey := entityKey(market.KindRequest, requestID)
	release, err := l.lock(ctx, okey, rkey)
	if err != nil {
		return "", err
	}
	defer release()

	var snap *market.NegotiationTask
	changes, err := l.board.Commit(func(tx *registry.Tx) error {
		o, err := tx.Offer(offerID)
		if err != nil {
			return err
		}
		r, err := tx.Request(requestID)
		if err != nil {
			return err
		}
		if id, busy := l.active[okey]; busy {
			return fmt.Errorf("offer %s is held by task %s: %w", offerID, id, market.ErrConflict)
		}
		if id, busy := l.active[rkey]; busy {
			return fmt.Errorf("request %s is held by task %s: %w", requestID, id, market.ErrConflict)
		}
		if _, no := l.declined[pair{offerID, requestID}]; no {
			return fmt.Errorf("offer %s was rejected for request %s: %w", offerID, requestID, market.ErrConflict)
		}
		if err := tx.SetStatus(market.KindOffer, offerID, market.StatusOpen, market.StatusReserved); err != nil {
			return err
		}
		if err := tx.SetStatus(market.KindRequest, requestID, market.StatusOpen, market.StatusReserved); err != nil {
			return err
		}

		t := &market.NegotiationTask{
			ID:          uuid.New().String(),
			OfferID:     offerID,
			RequestID:   requestID,
			Guide:       o.Owner,
			Tourist:     r.Owner,
			State:       market.TaskProposed,
			Terms:       terms,
			ProposedAt:  tx.Now,
			Deadline:    tx.Now.Add(l.ResponseTimeout()),
			Transitions: []market.Transition{{State: market.TaskProposed, At: tx.Now}},
		}
		tx.Defer(func() {
			l.tasks[t.ID] = t
			l.active[okey] = t.ID
			l.active[rkey] = t.ID
			snap = t.Clone()
		})
		return nil
	})
	if err != nil {
		return "", err
	}

	l.logger.Info("task proposed",
		slog.String("task", snap.ID),
		slog.String("offer", offerID),
		slog.String("request", requestID),
		slog.Time("deadline", snap.Deadline))
	l.record(ctx, snap, "", changes)
	l.publish(snap, changes, nil)
	return snap.ID, nil
}

// Accept moves a PROPOSED task to ACCEPTED, consumes both entities and
// creates the assignment.
func (l *Ledger) Accept(ctx context.Context, taskID string) (*market.Assignment, error) {
	release, err := l.lockTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	defer release()

	var (
		snap *market.NegotiationTask
		a    market.Assignment
	)
	changes, err := l.board.Commit(func(tx *registry.Tx) error {
		t, err := l.proposed(taskID)
		if err != nil {
			return err
		}
		if err := tx.SetStatus(market.KindOffer, t.OfferID, market.StatusReserved, market.StatusConsumed); err != nil {
			return err
		}
		if err := tx.SetStatus(market.KindRequest, t.RequestID, market.StatusReserved, market.StatusConsumed); err != nil {
			return err
		}
		tx.Defer(func() {
			l.resolve(t, market.TaskAccepted, "", tx.Now)
			a = market.Assignment{
				Seq:       uint64(len(l.assignments)) + 1,
				TaskID:    t.ID,
				OfferID:   t.OfferID,
				RequestID: t.RequestID,
				Guide:     t.Guide,
				Tourist:   t.Tourist,
				Rate:      t.Terms.Rate,
				Start:     t.Terms.Start,
				End:       t.Terms.End,
				GroupSize: t.Terms.GroupSize,
				Total:     t.Terms.Total,
				CreatedAt: tx.Now,
			}
			l.assignments = append(l.assignments, a)
			snap = t.Clone()
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("task accepted",
		slog.String("task", taskID),
		slog.Uint64("assignment", a.Seq),
		slog.String("total", a.Total.String()))
	l.record(ctx, snap, market.TaskProposed, changes)
	l.publish(snap, changes, &a)
	return &a, nil
}

// Reject moves a PROPOSED task to REJECTED and releases both entities. The
// pair is not proposed again.
func (l *Ledger) Reject(ctx context.Context, taskID, reason string) error {
	return l.release(ctx, taskID, market.TaskRejected, reason)
}

// Expire moves an unanswered PROPOSED task to EXPIRED with reason timeout
// and releases both entities.
func (l *Ledger) Expire(ctx context.Context, taskID string) error {
	return l.release(ctx, taskID, market.TaskExpired, market.ReasonTimeout)
}

// Cancel terminates a PROPOSED task on behalf of a participant and releases
// both entities.
func (l *Ledger) Cancel(ctx context.Context, taskID, reason string) error {
	return l.release(ctx, taskID, market.TaskCanceled, reason)
}

func (l *Ledger) release(ctx context.Context, taskID string, to market.TaskState, reason string) error {
	unlock, err := l.lockTask(ctx, taskID)
	if err != nil {
		return err
	}
	defer unlock()

	var snap *market.NegotiationTask
	changes, err := l.board.Commit(func(tx *registry.Tx) error {
		t, err := l.proposed(taskID)
		if err != nil {
			return err
		}
		o, err := tx.Offer(t.OfferID)
		if err != nil {
			return err
		}
		r, err := tx.Request(t.RequestID)
		if err != nil {
			return err
		}
		if err := tx.SetStatus(market.KindOffer, t.OfferID, market.StatusReserved, releaseTo(o.Window, tx.Now)); err != nil {
			return err
		}
		if err := tx.SetStatus(market.KindRequest, t.RequestID, market.StatusReserved, releaseTo(r.Window, tx.Now)); err != nil {
			return err
		}
		tx.Defer(func() {
			l.resolve(t, to, reason, tx.Now)
			if to == market.TaskRejected {
				l.declined[pair{t.OfferID, t.RequestID}] = struct{}{}
			}
			snap = t.Clone()
		})
		return nil
	})
	if err != nil {
		return err
	}

	l.logger.Info("task released",
		slog.String("task", taskID),
		slog.String("state", string(to)),
		slog.String("reason", reason))
	l.record(ctx, snap, market.TaskProposed, changes)
	l.publish(snap, changes, nil)
	l.released(changes)
	return nil
}

// releaseTo is the status an entity returns to when its task ends without
// an assignment.
func releaseTo(w market.Window, now time.Time) market.Status {
	if w.Elapsed(now) {
		return market.StatusExpired
	}
	return market.StatusOpen
}

// Withdraw takes an OPEN entity off the market. A non-empty owner must match
// the entity's owner.
func (l *Ledger) Withdraw(ctx context.Context, kind market.Kind, id, owner string) error {
	return l.close(ctx, kind, id, market.StatusWithdrawn, func(h *market.Listing, now time.Time) error {
		if owner != "" && h.Owner != owner {
			return fmt.Errorf("%s %s belongs to %s: %w", kind, id, h.Owner, market.ErrForbidden)
		}
		return nil
	})
}

// Retire expires an OPEN entity whose window has elapsed.
func (l *Ledger) Retire(ctx context.Context, kind market.Kind, id string) error {
	return l.close(ctx, kind, id, market.StatusExpired, func(h *market.Listing, now time.Time) error {
		if !h.Window.Elapsed(now) {
			return fmt.Errorf("%s %s window ends %s: %w", kind, id, h.End.Format(time.RFC3339), market.ErrInvalidState)
		}
		return nil
	})
}

func (l *Ledger) close(ctx context.Context, kind market.Kind, id string, to market.Status, check func(*market.Listing, time.Time) error) error {
	release, err := l.lock(ctx, entityKey(kind, id))
	if err != nil {
		return err
	}
	defer release()

	changes, err := l.board.Commit(func(tx *registry.Tx) error {
		h, err := head(tx, kind, id)
		if err != nil {
			return err
		}
		if err := check(h, tx.Now); err != nil {
			return err
		}
		if h.Status != market.StatusOpen {
			return fmt.Errorf("%s %s is %s: %w", kind, id, h.Status, market.ErrInvalidState)
		}
		return tx.SetStatus(kind, id, market.StatusOpen, to)
	})
	if err != nil {
		return err
	}

	l.logger.Info("entity closed",
		slog.String("kind", string(kind)),
		slog.String("id", id),
		slog.String("status", string(to)))
	l.record(ctx, nil, "", changes)
	l.publish(nil, changes, nil)
	return nil
}

func head(tx *registry.Tx, kind market.Kind, id string) (*market.Listing, error) {
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

// Opened publishes the OPEN event of a freshly inserted entity. It is
// installed with Board.OnOpen and runs under the board write lock.
func (l *Ledger) Opened(c registry.Change) {
	l.publish(nil, []registry.Change{c}, nil)
}

// lockTask takes the task lock and then both entity locks.
func (l *Ledger) lockTask(ctx context.Context, taskID string) (func(), error) {
	t, err := l.Task(taskID)
	if err != nil {
		return nil, err
	}
	return l.lock(ctx,
		taskKey(taskID),
		entityKey(market.KindOffer, t.OfferID),
		entityKey(market.KindRequest, t.RequestID))
}

// proposed is called with the board write lock held.
func (l *Ledger) proposed(taskID string) (*market.NegotiationTask, error) {
	t, ok := l.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, market.ErrNotFound)
	}
	if t.State != market.TaskProposed {
		return nil, fmt.Errorf("task %s is %s: %w", taskID, t.State, market.ErrInvalidState)
	}
	return t, nil
}

// resolve is called with the board write lock held.
func (l *Ledger) resolve(t *market.NegotiationTask, to market.TaskState, reason string, at time.Time) {
	t.State = to
	t.Reason = reason
	t.ResolvedAt = &at
	t.Transitions = append(t.Transitions, market.Transition{State: to, At: at, Reason: reason})
	for _, k := range []string{entityKey(market.KindOffer, t.OfferID), entityKey(market.KindRequest, t.RequestID)} {
		if l.active[k] == t.ID {
			delete(l.active, k)
		}
	}
}

func (l *Ledger) released(changes []registry.Change) {
	var refs []market.Ref
	for _, c := range changes {
		if c.To == market.StatusOpen {
			refs = append(refs, market.Ref{Kind: c.Kind, ID: c.ID})
		}
	}
	if len(refs) == 0 {
		return
	}
	l.hookMu.RLock()
	fn := l.onRelease
	l.hookMu.RUnlock()
	if fn != nil {
		fn(refs)
	}
}

// record journals a committed transition. A failed write is logged; the
// in-memory state stays committed.
func (l *Ledger) record(ctx context.Context, t *market.NegotiationTask, from market.TaskState, changes []registry.Change) {
	recs := make([]Record, 0, len(changes)+1)
	var at time.Time
	if t != nil {
		last := t.Transitions[len(t.Transitions)-1]
		at = last.At
		recs = append(recs, Record{
			TaskID: t.ID, Kind: kindTask, ID: t.ID,
			From: string(from), To: string(t.State), Reason: t.Reason, At: at,
		})
	}
	for _, c := range changes {
		r := Record{Kind: string(c.Kind), ID: c.ID, From: string(c.From), To: string(c.To), Rev: c.Rev, At: at}
		if t != nil {
			r.TaskID = t.ID
		}
		recs = append(recs, r)
	}
	if at.IsZero() {
		at = time.Now()
		for i := range recs {
			recs[i].At = at
		}
	}
	if err := l.journal.Append(context.WithoutCancel(ctx), recs...); err != nil {
		l.logger.Error("journal append", slog.Any("err", err))
	}
}

// publish emits the task event, the assignment event and the OPEN or
// terminal entity events of one transition, in that order.
func (l *Ledger) publish(t *market.NegotiationTask, changes []registry.Change, a *market.Assignment) {
	if t != nil {
		last := t.Transitions[len(t.Transitions)-1]
		l.bus.Publish(notify.Event{
			Type:      notify.TaskEventType(t.State),
			Key:       notify.TaskKey(t.ID, t.State),
			TaskID:    t.ID,
			OfferID:   t.OfferID,
			RequestID: t.RequestID,
			Guide:     t.Guide,
			Tourist:   t.Tourist,
			Status:    string(t.State),
			Reason:    t.Reason,
			At:        last.At,
		})
	}
	if a != nil {
		cp := *a
		l.bus.Publish(notify.Event{
			Type:       notify.EventAssignmentCreated,
			Key:        notify.AssignmentKey(a.TaskID),
			TaskID:     a.TaskID,
			OfferID:    a.OfferID,
			RequestID:  a.RequestID,
			Guide:      a.Guide,
			Tourist:    a.Tourist,
			Status:     string(market.TaskAccepted),
			Assignment: &cp,
			At:         a.CreatedAt,
		})
	}
	for _, c := range changes {
		if c.To != market.StatusOpen && !c.To.Terminal() {
			continue
		}
		e := notify.Event{
			Type:   notify.EntityEventType(c.Kind, c.To),
			Key:    notify.EntityKey(c.Kind, c.ID, c.To, c.Rev),
			Status: string(c.To),
			Rev:    c.Rev,
		}
		if t != nil {
			e.TaskID = t.ID
		}
		if c.Kind == market.KindOffer {
			e.OfferID, e.Guide = c.ID, c.Owner
		} else {
			e.RequestID, e.Tourist = c.ID, c.Owner
		}
		l.bus.Publish(e)
	}
}

// Task returns a copy of the task with the given id.
func (l *Ledger) Task(id string) (*market.NegotiationTask, error) {
	var t *market.NegotiationTask
	l.board.View(func() {
		if cur, ok := l.tasks[id]; ok {
			t = cur.Clone()
		}
	})
	if t == nil {
		return nil, fmt.Errorf("task %s: %w", id, market.ErrNotFound)
	}
	return t, nil
}

// TaskFilter restricts Tasks. Zero fields match everything.
type TaskFilter struct {
	State     market.TaskState
	Agent     string
	OfferID   string
	RequestID string
}

func (f TaskFilter) match(t *market.NegotiationTask) bool {
	switch {
	case f.State != "" && t.State != f.State:
		return false
	case f.Agent != "" && !t.Involves(f.Agent):
		return false
	case f.OfferID != "" && t.OfferID != f.OfferID:
		return false
	case f.RequestID != "" && t.RequestID != f.RequestID:
		return false
	}
	return true
}

// Tasks returns copies of the matching tasks, oldest proposal first.
func (l *Ledger) Tasks(f TaskFilter) []*market.NegotiationTask {
	var out []*market.NegotiationTask
	l.board.View(func() {
		for _, t := range l.tasks {
			if f.match(t) {
				out = append(out, t.Clone())
			}
		}
	})
	slices.SortFunc(out, func(a, b *market.NegotiationTask) int {
		if c := a.ProposedAt.Compare(b.ProposedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Assignments returns up to limit assignments with a sequence number above
// since, and the cursor to pass next time.
func (l *Ledger) Assignments(since uint64, limit int) ([]market.Assignment, uint64) {
	var out []market.Assignment
	l.board.View(func() {
		if since >= uint64(len(l.assignments)) {
			return
		}
		rest := l.assignments[since:]
		if limit > 0 && len(rest) > limit {
			rest = rest[:limit]
		}
		out = slices.Clone(rest)
	})
	if len(out) == 0 {
		return nil, since
	}
	return out, out[len(out)-1].Seq
}

// ActiveTaskFor returns the id of the non-terminal task holding an entity.
func (l *Ledger) ActiveTaskFor(kind market.Kind, id string) (string, bool) {
	var taskID string
	var ok bool
	l.board.View(func() {
		taskID, ok = l.active[entityKey(kind, id)]
	})
	return taskID, ok
}

// Declined reports whether the pair was rejected before.
func (l *Ledger) Declined(offerID, requestID string) bool {
	var no bool
	l.board.View(func() {
		_, no = l.declined[pair{offerID, requestID}]
	})
	return no
}

// Overdue returns the ids of PROPOSED tasks whose deadline is not after now.
func (l *Ledger) Overdue(now time.Time) []string {
	var ids []string
	l.board.View(func() {
		for id, t := range l.tasks {
			if t.State == market.TaskProposed && !now.Before(t.Deadline) {
				ids = append(ids, id)
			}
		}
	})
	slices.Sort(ids)
	return ids
}

// Collect drops terminal tasks resolved before cutoff along with rejected
// pairs whose offer or request is gone. It returns how many tasks were
// dropped. Assignments are kept.
func (l *Ledger) Collect(cutoff time.Time) int {
	removed := 0
	_, _ = l.board.Commit(func(tx *registry.Tx) error {
		tx.Defer(func() {
			for id, t := range l.tasks {
				if t.State.Terminal() && t.ResolvedAt != nil && t.ResolvedAt.Before(cutoff) {
					delete(l.tasks, id)
					removed++
				}
			}
			for p := range l.declined {
				_, oerr := tx.Offer(p.offer)
				_, rerr := tx.Request(p.request)
				if oerr != nil || rerr != nil {
					delete(l.declined, p)
				}
			}
		})
		return nil
	})
	return removed
}
