package match

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/GoCodeAlone/tourmatch/market"
	"github.com/GoCodeAlone/tourmatch/registry"
)

// Proposer turns a selected pair into a negotiation task.
type Proposer interface {
	Propose(ctx context.Context, offerID, requestID string, terms market.Terms) (string, error)
	// Declined reports pairs that must not be proposed again.
	Declined(offerID, requestID string) bool
}

// Options configures an Engine.
type Options struct {
	Workers int
	Policy  Policy
	// MaxAttempts bounds how often one attempt retries after a conflict.
	MaxAttempts int
	Logger      *slog.Logger
}

// Engine runs match attempts from a deduplicating work queue drained by a
// fixed pool of workers.
type Engine struct {
	board    *registry.Board
	proposer Proposer
	logger   *slog.Logger
	workers  int
	attempts int
	policy   atomic.Pointer[Policy]

	mu       sync.Mutex
	pending  map[market.Ref]struct{}
	queue    []market.Ref
	inflight int
	wake     chan struct{}

	wg sync.WaitGroup
}

// New creates an Engine with 4 workers and DefaultPolicy unless configured
// otherwise. Call Start to begin processing.
func New(board *registry.Board, proposer Proposer, opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 8
	}
	if len(opts.Policy) == 0 {
		opts.Policy = DefaultPolicy()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	e := &Engine{
		board:    board,
		proposer: proposer,
		logger:   opts.Logger,
		workers:  opts.Workers,
		attempts: opts.MaxAttempts,
		pending:  make(map[market.Ref]struct{}),
		wake:     make(chan struct{}, 1),
	}
	e.SetPolicy(opts.Policy)
	return e
}

// SetPolicy replaces the ranking policy for later attempts.
func (e *Engine) SetPolicy(p Policy) {
	p = append(Policy(nil), p...)
	e.policy.Store(&p)
}

// Policy returns the current ranking policy.
func (e *Engine) Policy() Policy { return *e.policy.Load() }

// Enqueue schedules a match attempt for each ref. A ref already waiting is
// not queued twice.
func (e *Engine) Enqueue(refs ...market.Ref) {
	e.mu.Lock()
	added := false
	for _, ref := range refs {
		if _, ok := e.pending[ref]; ok {
			continue
		}
		e.pending[ref] = struct{}{}
		e.queue = append(e.queue, ref)
		added = true
	}
	e.mu.Unlock()
	if added {
		e.signal()
	}
}

// Rescan schedules every OPEN request and offer, oldest first.
func (e *Engine) Rescan() {
	var refs []market.Ref
	for _, r := range e.board.Requests.List(market.StatusOpen) {
		refs = append(refs, market.Ref{Kind: market.KindRequest, ID: r.ID})
	}
	for _, o := range e.board.Offers.List(market.StatusOpen) {
		refs = append(refs, market.Ref{Kind: market.KindOffer, ID: o.ID})
	}
	e.Enqueue(refs...)
}

// Settled reports whether the queue is empty and no attempt is running.
func (e *Engine) Settled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue) == 0 && e.inflight == 0
}

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Start launches the workers. They stop when ctx is done; Wait blocks until
// they have.
func (e *Engine) Start(ctx context.Context) {
	for range e.workers {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for {
				ref, ok := e.next(ctx)
				if !ok {
					return
				}
				if _, err := e.AttemptMatch(ctx, ref); err != nil && ctx.Err() == nil {
					e.logger.Warn("match attempt failed", slog.String("ref", ref.String()), slog.Any("err", err))
				}
				e.mu.Lock()
				e.inflight--
				e.mu.Unlock()
			}
		}()
	}
}

// Wait blocks until every worker has returned.
func (e *Engine) Wait() { e.wg.Wait() }

func (e *Engine) next(ctx context.Context) (market.Ref, bool) {
	for {
		e.mu.Lock()
		if len(e.queue) > 0 {
			ref := e.queue[0]
			e.queue = e.queue[1:]
			delete(e.pending, ref)
			e.inflight++
			more := len(e.queue) > 0
			e.mu.Unlock()
			if more {
				e.signal()
			}
			return ref, true
		}
		e.mu.Unlock()

		select {
		case <-ctx.Done():
			return market.Ref{}, false
		case <-e.wake:
		}
	}
}

// AttemptMatch looks for the best counterpart of ref and proposes the pair.
// It returns the new task id, or "" when ref is not OPEN or has no eligible
// counterpart. Conflicts are retried against a fresh snapshot and are never
// returned; once the attempts run out ref goes back on the queue.
func (e *Engine) AttemptMatch(ctx context.Context, ref market.Ref) (string, error) {
	for attempt := 1; attempt <= e.attempts; attempt++ {
		pair, ok, err := e.selectPair(ref)
		if err != nil || !ok {
			if errors.Is(err, market.ErrNotFound) {
				err = nil
			}
			return "", err
		}
		id, err := e.proposer.Propose(ctx, pair.Offer.ID, pair.Request.ID, pair.Terms)
		if errors.Is(err, market.ErrConflict) {
			e.logger.Debug("proposal conflict, retrying",
				slog.String("ref", ref.String()),
				slog.Int("attempt", attempt),
				slog.Any("err", err))
			continue
		}
		if err != nil {
			return "", err
		}
		return id, nil
	}
	e.logger.Info("match attempts exhausted, requeued", slog.String("ref", ref.String()), slog.Int("attempts", e.attempts))
	e.Enqueue(ref)
	return "", nil
}

func (e *Engine) selectPair(ref market.Ref) (Pair, bool, error) {
	policy := e.Policy()
	if ref.Kind == market.KindRequest {
		r, err := e.board.Requests.Get(ref.ID)
		if err != nil || r.Status != market.StatusOpen {
			return Pair{}, false, err
		}
		offers := e.board.Offers.QueryOpen(r.Window, r.Categories)
		offers = filter(offers, func(o *market.GuideOffer) bool { return !e.proposer.Declined(o.ID, r.ID) })
		p, ok := BestOffer(r, offers, policy)
		return p, ok, nil
	}
	o, err := e.board.Offers.Get(ref.ID)
	if err != nil || o.Status != market.StatusOpen {
		return Pair{}, false, err
	}
	requests := e.board.Requests.QueryOpen(o.Window, o.Categories)
	requests = filter(requests, func(r *market.TouristRequest) bool { return !e.proposer.Declined(o.ID, r.ID) })
	p, ok := BestRequest(o, requests, policy)
	return p, ok, nil
}

func filter[T any](in []T, keep func(T) bool) []T {
	out := in[:0]
	for _, v := range in {
		if keep(v) {
			out = append(out, v)
		}
	}
	return out
}
