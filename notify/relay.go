package notify

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Sink is a transport channel events are pushed to.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, e Event) error
}

// RelayOptions configures a Relay.
type RelayOptions struct {
	Cursor     uint64
	Filter     func(Event) bool
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Logger     *slog.Logger
}

// Relay pumps bus events into a Sink. The cursor only advances after the
// sink accepts an event, so a failed or timed-out delivery is retried and
// may reach the sink twice.
type Relay struct {
	bus    *Bus
	sink   Sink
	opts   RelayOptions
	cursor atomic.Uint64
}

// NewRelay creates a relay starting after opts.Cursor.
func NewRelay(bus *Bus, sink Sink, opts RelayOptions) *Relay {
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = 200 * time.Millisecond
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Relay{bus: bus, sink: sink, opts: opts}
	r.cursor.Store(opts.Cursor)
	return r
}

// Cursor returns the Seq of the last acknowledged event.
func (r *Relay) Cursor() uint64 { return r.cursor.Load() }

// Run delivers events until ctx is done or the bus closes.
func (r *Relay) Run(ctx context.Context) error {
	logger := r.opts.Logger.With(slog.String("sink", r.sink.Name()))
	for e := range r.bus.Events(ctx, r.cursor.Load()) {
		if e.Gap {
			logger.Warn("relay fell behind the event log", slog.Uint64("resumed_at", e.Seq))
		}
		if r.opts.Filter == nil || r.opts.Filter(e) {
			if err := r.deliver(ctx, logger, e); err != nil {
				return err
			}
		}
		r.cursor.Store(e.Seq)
	}
	return ctx.Err()
}

func (r *Relay) deliver(ctx context.Context, logger *slog.Logger, e Event) error {
	backoff := r.opts.MinBackoff
	for attempt := 1; ; attempt++ {
		err := r.sink.Deliver(ctx, e)
		if err == nil {
			return nil
		}
		logger.Warn("relay delivery failed",
			slog.Uint64("seq", e.Seq),
			slog.Int("attempt", attempt),
			slog.Any("err", err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > r.opts.MaxBackoff {
			backoff = r.opts.MaxBackoff
		}
	}
}
