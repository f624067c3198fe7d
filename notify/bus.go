package notify

import (
	"context"
	"iter"
	"log/slog"
	"sync"
	"time"
)

// Publisher accepts events for fan-out.
type Publisher interface {
	Publish(e Event) Event
}

// Options configures a Bus.
type Options struct {
	// LogSize is how many events are retained for cursor replay.
	LogSize int
	// Buffer is the channel capacity of each Subscription.
	Buffer int
	Logger *slog.Logger
	Now    func() time.Time
}

// Bus is an in-process, sequenced event log with per-subscriber fan-out.
// Publish appends and returns immediately; every subscriber drains the log
// from its own cursor in its own goroutine.
type Bus struct {
	mu     sync.RWMutex
	log    []Event
	next   uint64
	wake   chan struct{}
	closed bool

	size   int
	buffer int
	logger *slog.Logger
	now    func() time.Time
}

// NewBus creates a Bus with a 4096-event log by default.
func NewBus(opts Options) *Bus {
	if opts.LogSize <= 0 {
		opts.LogSize = 4096
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Bus{
		next:   1,
		wake:   make(chan struct{}),
		size:   opts.LogSize,
		buffer: opts.Buffer,
		logger: opts.Logger,
		now:    opts.Now,
	}
}

// Publish stamps e with the next sequence number and appends it to the log.
// It never blocks on subscribers.
func (b *Bus) Publish(e Event) Event {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return e
	}
	e.Seq = b.next
	b.next++
	if e.At.IsZero() {
		e.At = b.now()
	}
	e.Gap = false
	b.log = append(b.log, e)
	if len(b.log) > b.size {
		b.log = append([]Event(nil), b.log[len(b.log)-b.size:]...)
	}
	close(b.wake)
	b.wake = make(chan struct{})
	b.mu.Unlock()

	b.logger.Debug("event published",
		slog.Uint64("seq", e.Seq),
		slog.String("type", string(e.Type)),
		slog.String("key", e.Key),
	)
	return e
}

// LastSeq returns the sequence number of the newest event, or 0.
func (b *Bus) LastSeq() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.next - 1
}

// Since returns up to limit retained events with Seq > cursor. When the
// oldest retained event is newer than cursor+1 the first returned event has
// Gap set.
func (b *Bus) Since(cursor uint64, limit int) []Event {
	evs, _, _ := b.since(cursor, limit)
	return evs
}

func (b *Bus) since(cursor uint64, limit int) ([]Event, <-chan struct{}, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.log) == 0 {
		return nil, b.wake, b.closed
	}
	first := b.log[0].Seq
	start := 0
	if cursor >= first {
		start = int(cursor - first + 1)
	}
	if start >= len(b.log) {
		return nil, b.wake, b.closed
	}
	end := len(b.log)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	out := append([]Event(nil), b.log[start:end]...)
	if cursor+1 < first {
		out[0].Gap = true
	}
	return out, b.wake, b.closed
}

// Events returns a lazy, infinite sequence of events after cursor. It ends
// when ctx is done, the bus is closed, or the consumer stops iterating.
// Restarting from the last Seq seen resumes without loss while the events
// are still retained.
func (b *Bus) Events(ctx context.Context, cursor uint64) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for {
			evs, wait, closed := b.since(cursor, 256)
			for _, e := range evs {
				if !yield(e) {
					return
				}
				cursor = e.Seq
			}
			if len(evs) > 0 {
				continue
			}
			if closed {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-wait:
			}
		}
	}
}

// Subscription delivers events on C until its context ends or the bus closes.
type Subscription struct {
	C <-chan Event

	mu     sync.Mutex
	cursor uint64
}

// Cursor returns the Seq of the last event handed to C.
func (s *Subscription) Cursor() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Subscribe starts a fan-out worker delivering events after cursor.
func (b *Bus) Subscribe(ctx context.Context, cursor uint64) *Subscription {
	ch := make(chan Event, b.buffer)
	sub := &Subscription{C: ch, cursor: cursor}
	go func() {
		defer close(ch)
		for e := range b.Events(ctx, cursor) {
			select {
			case ch <- e:
				sub.mu.Lock()
				sub.cursor = e.Seq
				sub.mu.Unlock()
			case <-ctx.Done():
				return
			}
		}
	}()
	return sub
}

// Close ends every subscription once it has drained the log.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.wake)
}
