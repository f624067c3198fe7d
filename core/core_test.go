package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/tourmatch/config"
	"github.com/GoCodeAlone/tourmatch/ledger"
	"github.com/GoCodeAlone/tourmatch/market"
	"github.com/GoCodeAlone/tourmatch/match"
	"github.com/GoCodeAlone/tourmatch/notify"
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

type memorySink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (s *memorySink) Name() string { return "memory" }

func (s *memorySink) Deliver(_ context.Context, e notify.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *memorySink) all() []notify.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.Event(nil), s.events...)
}

func (s *memorySink) types() []notify.EventType {
	var out []notify.EventType
	for _, e := range s.all() {
		out = append(out, e.Type)
	}
	return out
}

func at(hour int) time.Time {
	return time.Date(2026, 5, 1, hour, 0, 0, 0, time.UTC)
}

func newCore(t *testing.T, sinks ...notify.Sink) (*Core, *clock) {
	t.Helper()
	clk := &clock{now: at(8)}
	cfg := config.DefaultConfig()
	cfg.Auth.Disabled = true
	cfg.Ledger.SweepInterval = 5 * time.Millisecond
	c, err := New(cfg, Options{Now: clk.Now, Sinks: sinks})
	require.NoError(t, err)
	c.Start(context.Background())
	t.Cleanup(func() { assert.NoError(t, c.Close()) })
	return c, clk
}

func o1() *market.GuideOffer {
	return &market.GuideOffer{
		Listing: market.Listing{
			ID:         "O1",
			Categories: market.Categories{"history"},
			Window:     market.Window{Start: at(9), End: at(17)},
		},
		HourlyRate:   decimal.NewFromInt(50),
		MaxGroupSize: 5,
	}
}

func r1(id string) *market.TouristRequest {
	return &market.TouristRequest{
		Listing: market.Listing{
			ID:         id,
			Categories: market.Categories{"history", "culture"},
			Window:     market.Window{Start: at(10), End: at(12)},
		},
		Budget:    decimal.NewFromInt(150),
		PartySize: 3,
	}
}

func proposed(c *Core) []*market.NegotiationTask {
	return c.Ledger.Tasks(ledger.TaskFilter{State: market.TaskProposed})
}

func TestEndToEndAssignment(t *testing.T) {
	sink := &memorySink{}
	c, _ := newCore(t, sink)

	_, err := c.SubmitOffer("alice", o1())
	require.NoError(t, err)
	require.Eventually(t, c.Engine.Settled, 2*time.Second, time.Millisecond)
	_, err = c.SubmitRequest("bob", r1("R1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(proposed(c)) == 1 }, 2*time.Second, time.Millisecond)
	task := proposed(c)[0]
	assert.Equal(t, "alice", task.Guide)
	assert.Equal(t, "bob", task.Tourist)

	a, err := c.Ledger.Accept(context.Background(), task.ID)
	require.NoError(t, err)
	assert.True(t, a.Rate.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, 3, a.GroupSize)

	want := []notify.EventType{
		notify.EventOfferOpened,
		notify.EventRequestOpened,
		notify.EventTaskProposed,
		notify.EventTaskAccepted,
		notify.EventAssignmentCreated,
		notify.EventOfferClosed,
		notify.EventRequestClosed,
	}
	require.Eventually(t, func() bool { return len(sink.types()) == len(want) }, 2*time.Second, time.Millisecond)
	assert.Equal(t, want, sink.types())

	view := notify.NewStateView()
	for _, e := range sink.all() {
		view.Apply(e)
		view.Apply(e)
	}
	state, ok := view.Task(task.ID)
	require.True(t, ok)
	assert.Equal(t, market.TaskAccepted, state)
}

func TestTimeoutReleasesAndRematches(t *testing.T) {
	c, clk := newCore(t)
	_, err := c.SubmitOffer("alice", o1())
	require.NoError(t, err)
	_, err = c.SubmitRequest("bob", r1("R1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(proposed(c)) == 1 }, 2*time.Second, time.Millisecond)
	first := proposed(c)[0]

	clk.Advance(6 * time.Minute)

	require.Eventually(t, func() bool {
		task, err := c.Ledger.Task(first.ID)
		return err == nil && task.State == market.TaskExpired
	}, 2*time.Second, time.Millisecond)
	task, err := c.Ledger.Task(first.ID)
	require.NoError(t, err)
	assert.Equal(t, market.ReasonTimeout, task.Reason)

	// Both sides went back to OPEN and, not being a rejected pair, are
	// proposed again.
	require.Eventually(t, func() bool {
		p := proposed(c)
		return len(p) == 1 && p[0].ID != first.ID
	}, 2*time.Second, time.Millisecond)
}

func TestSweepRetiresElapsed(t *testing.T) {
	c, clk := newCore(t)
	_, err := c.SubmitRequest("bob", r1("R1"))
	require.NoError(t, err)

	clk.Advance(4 * time.Hour)
	require.Eventually(t, func() bool {
		r, err := c.Board.Requests.Get("R1")
		return err == nil && r.Status == market.StatusExpired
	}, 2*time.Second, time.Millisecond)
}

func TestApplyHotSettings(t *testing.T) {
	c, _ := newCore(t)
	cfg := config.DefaultConfig()
	cfg.Match.Ranking = []string{"price"}
	cfg.Ledger.ResponseTimeout = time.Minute
	require.NoError(t, c.Apply(cfg))
	assert.Equal(t, match.Policy{match.ByPrice, match.ByID}, c.Engine.Policy())
	assert.Equal(t, time.Minute, c.Ledger.ResponseTimeout())

	cfg.Match.Ranking = []string{"stars"}
	assert.Error(t, c.Apply(cfg))
}

func TestNewRejectsBadRanking(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Match.Ranking = []string{"nope"}
	_, err := New(cfg, Options{})
	assert.Error(t, err)
}
