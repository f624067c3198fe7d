package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/tourmatch/market"
	"github.com/GoCodeAlone/tourmatch/notify"
	"github.com/GoCodeAlone/tourmatch/registry"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func at(hour int) time.Time {
	return time.Date(2026, 5, 1, hour, 0, 0, 0, time.UTC)
}

type fixture struct {
	clock  *clock
	board  *registry.Board
	bus    *notify.Bus
	ledger *Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := &clock{now: at(8)}
	board := registry.NewBoard(c.Now)
	bus := notify.NewBus(notify.Options{Now: c.Now})
	t.Cleanup(bus.Close)
	l := New(board, bus, Options{ResponseTimeout: 10 * time.Minute, LockTimeout: time.Second})
	return &fixture{clock: c, board: board, bus: bus, ledger: l}
}

func (f *fixture) offer(t *testing.T, id string, from, to int) {
	t.Helper()
	_, err := f.board.Offers.Insert(&market.GuideOffer{
		Listing: market.Listing{
			ID:         id,
			Owner:      "guide-" + id,
			Categories: market.Categories{"history"},
			Window:     market.Window{Start: at(from), End: at(to)},
		},
		HourlyRate:   decimal.NewFromInt(50),
		MaxGroupSize: 5,
	})
	require.NoError(t, err)
}

func (f *fixture) request(t *testing.T, id string, from, to int) {
	t.Helper()
	_, err := f.board.Requests.Insert(&market.TouristRequest{
		Listing: market.Listing{
			ID:         id,
			Owner:      "tourist-" + id,
			Categories: market.Categories{"history"},
			Window:     market.Window{Start: at(from), End: at(to)},
		},
		Budget:    decimal.NewFromInt(150),
		PartySize: 3,
	})
	require.NoError(t, err)
}

func (f *fixture) status(t *testing.T, kind market.Kind, id string) market.Status {
	t.Helper()
	if kind == market.KindOffer {
		o, err := f.board.Offers.Get(id)
		require.NoError(t, err)
		return o.Status
	}
	r, err := f.board.Requests.Get(id)
	require.NoError(t, err)
	return r.Status
}

func (f *fixture) types() []notify.EventType {
	var out []notify.EventType
	for _, e := range f.bus.Since(0, 0) {
		out = append(out, e.Type)
	}
	return out
}

func terms() market.Terms {
	return market.Terms{
		Rate:      decimal.NewFromInt(50),
		Start:     at(10),
		End:       at(12),
		GroupSize: 3,
		Total:     decimal.NewFromInt(100),
	}
}

func TestProposeReservesBoth(t *testing.T) {
	f := newFixture(t)
	f.offer(t, "o1", 9, 17)
	f.request(t, "r1", 10, 12)

	id, err := f.ledger.Propose(context.Background(), "o1", "r1", terms())
	require.NoError(t, err)

	task, err := f.ledger.Task(id)
	require.NoError(t, err)
	assert.Equal(t, market.TaskProposed, task.State)
	assert.Equal(t, "guide-o1", task.Guide)
	assert.Equal(t, "tourist-r1", task.Tourist)
	assert.Equal(t, at(8).Add(10*time.Minute), task.Deadline)
	assert.Equal(t, market.StatusReserved, f.status(t, market.KindOffer, "o1"))
	assert.Equal(t, market.StatusReserved, f.status(t, market.KindRequest, "r1"))

	active, ok := f.ledger.ActiveTaskFor(market.KindOffer, "o1")
	assert.True(t, ok)
	assert.Equal(t, id, active)
	assert.Equal(t, []notify.EventType{notify.EventTaskProposed}, f.types())
}

func TestProposeConflict(t *testing.T) {
	f := newFixture(t)
	f.offer(t, "o1", 9, 17)
	f.request(t, "r1", 10, 12)
	f.request(t, "r2", 10, 12)

	_, err := f.ledger.Propose(context.Background(), "o1", "r1", terms())
	require.NoError(t, err)

	_, err = f.ledger.Propose(context.Background(), "o1", "r2", terms())
	assert.ErrorIs(t, err, market.ErrConflict)
	assert.Equal(t, market.StatusOpen, f.status(t, market.KindRequest, "r2"))
	assert.Len(t, f.ledger.Tasks(TaskFilter{}), 1)

	_, err = f.ledger.Propose(context.Background(), "missing", "r2", terms())
	assert.ErrorIs(t, err, market.ErrNotFound)
}

func TestAcceptCreatesAssignment(t *testing.T) {
	f := newFixture(t)
	f.offer(t, "o1", 9, 17)
	f.request(t, "r1", 10, 12)
	ctx := context.Background()

	id, err := f.ledger.Propose(ctx, "o1", "r1", terms())
	require.NoError(t, err)
	f.clock.Advance(time.Minute)

	a, err := f.ledger.Accept(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), a.Seq)
	assert.True(t, a.Rate.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, 3, a.GroupSize)
	assert.Equal(t, market.StatusConsumed, f.status(t, market.KindOffer, "o1"))
	assert.Equal(t, market.StatusConsumed, f.status(t, market.KindRequest, "r1"))

	_, ok := f.ledger.ActiveTaskFor(market.KindOffer, "o1")
	assert.False(t, ok)

	_, err = f.ledger.Accept(ctx, id)
	assert.ErrorIs(t, err, market.ErrInvalidState)
	assert.ErrorIs(t, f.ledger.Reject(ctx, id, "late"), market.ErrInvalidState)

	assert.Equal(t, []notify.EventType{
		notify.EventTaskProposed,
		notify.EventTaskAccepted,
		notify.EventAssignmentCreated,
		notify.EventOfferClosed,
		notify.EventRequestClosed,
	}, f.types())

	got, next := f.ledger.Assignments(0, 10)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(1), next)
	got, next = f.ledger.Assignments(next, 10)
	assert.Empty(t, got)
	assert.Equal(t, uint64(1), next)
}

func TestRejectRestoresOpen(t *testing.T) {
	f := newFixture(t)
	f.offer(t, "o1", 9, 17)
	f.request(t, "r1", 10, 12)
	ctx := context.Background()
	before, err := f.board.Requests.Get("r1")
	require.NoError(t, err)

	id, err := f.ledger.Propose(ctx, "o1", "r1", terms())
	require.NoError(t, err)
	require.NoError(t, f.ledger.Reject(ctx, id, "too far"))

	task, err := f.ledger.Task(id)
	require.NoError(t, err)
	assert.Equal(t, market.TaskRejected, task.State)
	assert.Equal(t, "too far", task.Reason)
	require.NotNil(t, task.ResolvedAt)

	after, err := f.board.Requests.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, market.StatusOpen, after.Status)
	assert.Equal(t, before.Window, after.Window)
	assert.Equal(t, before.Categories, after.Categories)
	assert.True(t, before.Budget.Equal(after.Budget))
	assert.Equal(t, before.PartySize, after.PartySize)
	assert.Equal(t, uint64(3), after.Rev)
	assert.Equal(t, market.StatusOpen, f.status(t, market.KindOffer, "o1"))

	assert.True(t, f.ledger.Declined("o1", "r1"))
	_, err = f.ledger.Propose(ctx, "o1", "r1", terms())
	assert.ErrorIs(t, err, market.ErrConflict)
}

func TestRejectAfterWindowElapsed(t *testing.T) {
	f := newFixture(t)
	f.offer(t, "o1", 9, 17)
	f.request(t, "r1", 9, 10)
	ctx := context.Background()

	id, err := f.ledger.Propose(ctx, "o1", "r1", terms())
	require.NoError(t, err)
	f.clock.Advance(2 * time.Hour)
	require.NoError(t, f.ledger.Reject(ctx, id, ""))

	assert.Equal(t, market.StatusOpen, f.status(t, market.KindOffer, "o1"))
	assert.Equal(t, market.StatusExpired, f.status(t, market.KindRequest, "r1"))
}

func TestReleaseNotifiesReopened(t *testing.T) {
	f := newFixture(t)
	f.offer(t, "o1", 9, 17)
	f.request(t, "r1", 9, 10)
	ctx := context.Background()

	var got []market.Ref
	f.ledger.OnRelease(func(refs []market.Ref) { got = append(got, refs...) })

	id, err := f.ledger.Propose(ctx, "o1", "r1", terms())
	require.NoError(t, err)
	f.clock.Advance(2 * time.Hour)
	require.NoError(t, f.ledger.Cancel(ctx, id, "changed plans"))

	assert.Equal(t, []market.Ref{{Kind: market.KindOffer, ID: "o1"}}, got)
	task, err := f.ledger.Task(id)
	require.NoError(t, err)
	assert.Equal(t, market.TaskCanceled, task.State)
	assert.False(t, f.ledger.Declined("o1", "r1"))
}

func TestExpireRecordsTimeout(t *testing.T) {
	f := newFixture(t)
	f.offer(t, "o1", 9, 17)
	f.request(t, "r1", 10, 12)
	ctx := context.Background()

	id, err := f.ledger.Propose(ctx, "o1", "r1", terms())
	require.NoError(t, err)
	assert.Empty(t, f.ledger.Overdue(f.clock.Now()))

	f.clock.Advance(10 * time.Minute)
	assert.Equal(t, []string{id}, f.ledger.Overdue(f.clock.Now()))
	require.NoError(t, f.ledger.Expire(ctx, id))

	task, err := f.ledger.Task(id)
	require.NoError(t, err)
	assert.Equal(t, market.TaskExpired, task.State)
	assert.Equal(t, market.ReasonTimeout, task.Reason)
	assert.Equal(t, market.StatusOpen, f.status(t, market.KindOffer, "o1"))
	assert.Equal(t, market.StatusOpen, f.status(t, market.KindRequest, "r1"))

	_, err = f.ledger.Propose(ctx, "o1", "r1", terms())
	assert.NoError(t, err, "a timed out pair may be proposed again")
}

func TestWithdrawAndRetire(t *testing.T) {
	f := newFixture(t)
	f.offer(t, "o1", 9, 17)
	f.request(t, "r1", 8, 9)
	ctx := context.Background()

	err := f.ledger.Withdraw(ctx, market.KindOffer, "o1", "someone-else")
	assert.ErrorIs(t, err, market.ErrForbidden)
	require.NoError(t, f.ledger.Withdraw(ctx, market.KindOffer, "o1", "guide-o1"))
	assert.Equal(t, market.StatusWithdrawn, f.status(t, market.KindOffer, "o1"))
	assert.ErrorIs(t, f.ledger.Withdraw(ctx, market.KindOffer, "o1", ""), market.ErrInvalidState)

	assert.ErrorIs(t, f.ledger.Retire(ctx, market.KindRequest, "r1"), market.ErrInvalidState)
	f.clock.Advance(time.Hour)
	require.NoError(t, f.ledger.Retire(ctx, market.KindRequest, "r1"))
	assert.Equal(t, market.StatusExpired, f.status(t, market.KindRequest, "r1"))

	assert.Equal(t, []notify.EventType{notify.EventOfferClosed, notify.EventRequestClosed}, f.types())
}

func TestOpenedPublishesBeforeProposal(t *testing.T) {
	f := newFixture(t)
	f.board.OnOpen(f.ledger.Opened)
	// Propose from the insert hook: the entity is reserved before Insert
	// returns, and its open event must still come first.
	f.board.OnInsert(func(kind market.Kind, id string) {
		if kind == market.KindRequest {
			_, err := f.ledger.Propose(context.Background(), "o1", id, terms())
			assert.NoError(t, err)
		}
	})
	f.offer(t, "o1", 9, 17)
	f.request(t, "r1", 10, 12)

	assert.Equal(t, []notify.EventType{
		notify.EventOfferOpened,
		notify.EventRequestOpened,
		notify.EventTaskProposed,
	}, f.types())
	events := f.bus.Since(0, 0)
	assert.Equal(t, "offer:o1/open/1", events[0].Key)
	assert.Equal(t, "guide-o1", events[0].Guide)
	assert.Equal(t, "tourist-r1", events[1].Tourist)
}

func TestCancelRacesAccept(t *testing.T) {
	for i := range 20 {
		f := newFixture(t)
		f.offer(t, "o1", 9, 17)
		f.request(t, "r1", 10, 12)
		ctx := context.Background()
		id, err := f.ledger.Propose(ctx, "o1", "r1", terms())
		require.NoError(t, err)

		var wg sync.WaitGroup
		var acceptErr, cancelErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, acceptErr = f.ledger.Accept(ctx, id)
		}()
		go func() {
			defer wg.Done()
			cancelErr = f.ledger.Cancel(ctx, id, "race")
		}()
		wg.Wait()

		task, err := f.ledger.Task(id)
		require.NoError(t, err)
		switch {
		case acceptErr == nil:
			assert.ErrorIs(t, cancelErr, market.ErrInvalidState, "run %d", i)
			assert.Equal(t, market.TaskAccepted, task.State)
		case cancelErr == nil:
			assert.ErrorIs(t, acceptErr, market.ErrInvalidState, "run %d", i)
			assert.Equal(t, market.TaskCanceled, task.State)
		default:
			t.Fatalf("run %d: both failed: %v / %v", i, acceptErr, cancelErr)
		}
	}
}

func TestNoDoubleBooking(t *testing.T) {
	f := newFixture(t)
	f.ledger.lockTimeout = 10 * time.Second
	const n = 20
	for i := range n {
		f.offer(t, fmt.Sprintf("o%d", i), 9, 17)
		f.request(t, fmt.Sprintf("r%d", i), 10, 12)
	}
	ctx := context.Background()

	var wg sync.WaitGroup
	var proposed, conflicts atomic.Int64
	for i := range n {
		for j := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.ledger.Propose(ctx, fmt.Sprintf("o%d", i), fmt.Sprintf("r%d", j), terms())
				switch {
				case err == nil:
					proposed.Add(1)
				case errors.Is(err, market.ErrConflict):
					conflicts.Add(1)
				default:
					t.Errorf("propose: %v", err)
				}
			}()
		}
	}
	wg.Wait()

	assert.Equal(t, int64(n), proposed.Load())
	assert.Equal(t, int64(n*n-n), conflicts.Load())

	offers := make(map[string]bool)
	requests := make(map[string]bool)
	for _, task := range f.ledger.Tasks(TaskFilter{State: market.TaskProposed}) {
		assert.False(t, offers[task.OfferID], "offer %s booked twice", task.OfferID)
		assert.False(t, requests[task.RequestID], "request %s booked twice", task.RequestID)
		offers[task.OfferID] = true
		requests[task.RequestID] = true
	}
	assert.Len(t, offers, n)
}

func TestLockTimeout(t *testing.T) {
	f := newFixture(t)
	f.ledger.lockTimeout = 20 * time.Millisecond
	f.offer(t, "o1", 9, 17)
	f.request(t, "r1", 10, 12)

	release, err := f.ledger.lock(context.Background(), entityKey(market.KindOffer, "o1"))
	require.NoError(t, err)
	defer release()

	_, err = f.ledger.Propose(context.Background(), "o1", "r1", terms())
	assert.ErrorIs(t, err, market.ErrTimeout)
	assert.Equal(t, market.StatusOpen, f.status(t, market.KindRequest, "r1"))
}

func TestTasksFilter(t *testing.T) {
	f := newFixture(t)
	f.offer(t, "o1", 9, 17)
	f.offer(t, "o2", 9, 17)
	f.request(t, "r1", 10, 12)
	f.request(t, "r2", 10, 12)
	ctx := context.Background()

	t1, err := f.ledger.Propose(ctx, "o1", "r1", terms())
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	_, err = f.ledger.Propose(ctx, "o2", "r2", terms())
	require.NoError(t, err)
	require.NoError(t, f.ledger.Reject(ctx, t1, ""))

	assert.Len(t, f.ledger.Tasks(TaskFilter{}), 2)
	assert.Len(t, f.ledger.Tasks(TaskFilter{State: market.TaskRejected}), 1)
	mine := f.ledger.Tasks(TaskFilter{Agent: "tourist-r2"})
	require.Len(t, mine, 1)
	assert.Equal(t, "o2", mine[0].OfferID)
	assert.Empty(t, f.ledger.Tasks(TaskFilter{Agent: "nobody"}))
}

func TestJournalRecordsTransitions(t *testing.T) {
	f := newFixture(t)
	f.offer(t, "o1", 9, 17)
	f.request(t, "r1", 10, 12)
	ctx := context.Background()

	id, err := f.ledger.Propose(ctx, "o1", "r1", terms())
	require.NoError(t, err)
	_, err = f.ledger.Accept(ctx, id)
	require.NoError(t, err)

	recs, err := f.ledger.Journal().Records(ctx, id)
	require.NoError(t, err)
	require.Len(t, recs, 6)
	assert.Equal(t, "task", recs[0].Kind)
	assert.Equal(t, string(market.TaskProposed), recs[0].To)
	assert.Equal(t, string(market.StatusReserved), recs[1].To)
	assert.Equal(t, string(market.TaskAccepted), recs[3].To)
	assert.Equal(t, string(market.StatusConsumed), recs[5].To)
}

func TestCollectDropsOldTasks(t *testing.T) {
	f := newFixture(t)
	f.offer(t, "o1", 9, 17)
	f.request(t, "r1", 10, 12)
	ctx := context.Background()

	id, err := f.ledger.Propose(ctx, "o1", "r1", terms())
	require.NoError(t, err)
	require.NoError(t, f.ledger.Cancel(ctx, id, ""))

	assert.Equal(t, 0, f.ledger.Collect(f.clock.Now()))
	f.clock.Advance(time.Minute)
	assert.Equal(t, 1, f.ledger.Collect(f.clock.Now()))
	_, err = f.ledger.Task(id)
	assert.ErrorIs(t, err, market.ErrNotFound)
}
