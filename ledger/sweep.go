package ledger

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/GoCodeAlone/tourmatch/market"
	"github.com/GoCodeAlone/tourmatch/registry"
)

// SweepOptions configures a Sweeper.
type SweepOptions struct {
	Interval time.Duration
	// Retention is how long terminal entities and tasks are kept.
	Retention time.Duration
	// Rescan runs after a sweep that changed anything.
	Rescan func()
	Now    func() time.Time
	Logger *slog.Logger
}

// Sweeper expires unanswered proposals, retires elapsed entities and drops
// old terminal state on a fixed interval.
type Sweeper struct {
	ledger *Ledger
	board  *registry.Board
	opts   SweepOptions

	interval atomic.Int64
}

// SweepResult counts what one sweep changed.
type SweepResult struct {
	Expired   int
	Retired   int
	Collected int
	Failed    int
}

// NewSweeper creates a Sweeper. Interval defaults to one second and
// retention to one hour.
func NewSweeper(l *Ledger, board *registry.Board, opts SweepOptions) *Sweeper {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Retention <= 0 {
		opts.Retention = time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Sweeper{ledger: l, board: board, opts: opts}
	s.interval.Store(int64(opts.Interval))
	return s
}

// SetInterval changes the tick interval from the next tick on.
func (s *Sweeper) SetInterval(d time.Duration) {
	if d > 0 {
		s.interval.Store(int64(d))
	}
}

// Run sweeps until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	for {
		timer := time.NewTimer(time.Duration(s.interval.Load()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		s.Sweep(ctx)
	}
}

// Sweep runs one pass. Per-item failures are logged and skipped.
func (s *Sweeper) Sweep(ctx context.Context) SweepResult {
	var res SweepResult
	now := s.opts.Now()

	for _, id := range s.ledger.Overdue(now) {
		if err := s.ledger.Expire(ctx, id); err != nil {
			res.Failed++
			s.opts.Logger.Warn("sweep expire", slog.String("task", id), slog.Any("err", err))
			continue
		}
		res.Expired++
	}

	for _, ref := range s.elapsed(now) {
		if err := s.ledger.Retire(ctx, ref.Kind, ref.ID); err != nil {
			res.Failed++
			s.opts.Logger.Warn("sweep retire", slog.String("ref", ref.String()), slog.Any("err", err))
			continue
		}
		res.Retired++
	}

	cutoff := now.Add(-s.opts.Retention)
	res.Collected = s.board.Collect(cutoff) + s.ledger.Collect(cutoff)

	if res.Expired+res.Retired > 0 {
		s.opts.Logger.Debug("sweep",
			slog.Int("expired", res.Expired),
			slog.Int("retired", res.Retired),
			slog.Int("collected", res.Collected))
		if s.opts.Rescan != nil {
			s.opts.Rescan()
		}
	}
	return res
}

func (s *Sweeper) elapsed(now time.Time) []market.Ref {
	var refs []market.Ref
	for _, o := range s.board.Offers.List(market.StatusOpen) {
		if o.Elapsed(now) {
			refs = append(refs, market.Ref{Kind: market.KindOffer, ID: o.ID})
		}
	}
	for _, r := range s.board.Requests.List(market.StatusOpen) {
		if r.Elapsed(now) {
			refs = append(refs, market.Ref{Kind: market.KindRequest, ID: r.ID})
		}
	}
	return refs
}
