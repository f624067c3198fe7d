package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/GoCodeAlone/tourmatch/config"
	"github.com/GoCodeAlone/tourmatch/core"
	"github.com/GoCodeAlone/tourmatch/market"
	"github.com/GoCodeAlone/tourmatch/notify"
	"github.com/GoCodeAlone/tourmatch/server"
	"github.com/GoCodeAlone/tourmatch/server/api"
)

func newMarket(t *testing.T, mutate func(*config.Config)) string {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Auth.Disabled = true
	if mutate != nil {
		mutate(cfg)
	}
	c, err := core.New(cfg, core.Options{})
	require.NoError(t, err)
	c.Start(context.Background())
	t.Cleanup(func() { assert.NoError(t, c.Close()) })
	srv, err := server.New(cfg, c, "test", nil)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

func tomorrow(hour int) time.Time {
	return time.Now().UTC().Truncate(24*time.Hour).AddDate(0, 0, 1).Add(time.Duration(hour) * time.Hour)
}

func offer(id string) api.OfferSubmission {
	return api.OfferSubmission{
		ID:           id,
		Categories:   []string{"history"},
		WindowStart:  tomorrow(9),
		WindowEnd:    tomorrow(17),
		HourlyRate:   decimal.NewFromInt(50),
		MaxGroupSize: 5,
	}
}

func request(id string) api.RequestSubmission {
	return api.RequestSubmission{
		ID:          id,
		Categories:  []string{"history", "culture"},
		WindowStart: tomorrow(10),
		WindowEnd:   tomorrow(12),
		Budget:      decimal.NewFromInt(150),
		PartySize:   3,
	}
}

func agentClient(url, agent string) *Client {
	c := New(url)
	c.Agent = agent
	return c
}

func TestSubmitFollowAccept(t *testing.T) {
	url := newMarket(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	guide := agentClient(url, "alice")
	tourist := agentClient(url, "bob")

	proposed := make(chan string, 1)
	followErr := make(chan error, 1)
	go func() {
		followErr <- tourist.Follow(ctx, FollowOptions{Mine: true}, func(e notify.Event) error {
			if e.Type == notify.EventTaskProposed {
				proposed <- e.TaskID
				return errors.New("done")
			}
			return nil
		})
	}()

	id, err := guide.SubmitOffer(ctx, offer("O1"))
	require.NoError(t, err)
	assert.Equal(t, "O1", id)
	_, err = tourist.SubmitRequest(ctx, request("R1"))
	require.NoError(t, err)

	var taskID string
	select {
	case taskID = <-proposed:
	case <-ctx.Done():
		t.Fatal("no proposal seen")
	}
	assert.EqualError(t, <-followErr, "done")

	task, err := tourist.Task(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, market.TaskProposed, task.State)

	a, err := tourist.Accept(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, 3, a.GroupSize)
	assert.True(t, a.Total.Equal(decimal.NewFromInt(100)))

	page, err := guide.Assignments(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Assignments, 1)
	assert.Equal(t, taskID, page.Assignments[0].TaskID)

	o, err := guide.Offer(ctx, "O1")
	require.NoError(t, err)
	assert.Equal(t, market.StatusConsumed, o.Status)

	recs, err := guide.Journal(ctx, taskID)
	require.NoError(t, err)
	assert.NotEmpty(t, recs)

	_, err = guide.Accept(ctx, taskID)
	assert.ErrorIs(t, err, market.ErrInvalidState)
}

func TestErrorsUnwrapToMarketErrors(t *testing.T) {
	url := newMarket(t, nil)
	ctx := context.Background()
	c := agentClient(url, "alice")

	_, err := c.Task(ctx, "missing")
	assert.ErrorIs(t, err, market.ErrNotFound)

	bad := offer("O1")
	bad.MaxGroupSize = 0
	_, err = c.SubmitOffer(ctx, bad)
	assert.ErrorIs(t, err, market.ErrInvalid)

	_, err = c.SubmitRequest(ctx, request("R1"))
	require.NoError(t, err)
	err = agentClient(url, "mallory").Withdraw(ctx, market.KindRequest, "R1")
	assert.ErrorIs(t, err, market.ErrForbidden)
	require.NoError(t, c.Withdraw(ctx, market.KindRequest, "R1"))

	var apiErr *Error
	require.ErrorAs(t, c.Withdraw(ctx, market.KindRequest, "R1"), &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
}

func TestListAndStatus(t *testing.T) {
	url := newMarket(t, nil)
	ctx := context.Background()
	c := agentClient(url, "alice")
	_, err := c.SubmitOffer(ctx, offer("O1"))
	require.NoError(t, err)

	offers, err := c.Offers(ctx, market.StatusOpen)
	require.NoError(t, err)
	require.Len(t, offers, 1)
	requests, err := c.Requests(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, requests)

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Offers)

	m, err := c.Manifest(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(m), `"tourmatch"`)
}

func TestLogin(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	url := newMarket(t, func(cfg *config.Config) {
		cfg.Auth.Disabled = false
		cfg.Auth.JWTSecret = "test-secret"
		cfg.Auth.Agents = []config.AgentSecretRef{{ID: "alice", SecretHash: string(hash)}}
	})
	ctx := context.Background()
	c := New(url)

	_, err = c.SubmitOffer(ctx, offer("O1"))
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)

	_, err = c.Login(ctx, "alice", "wrong")
	require.Error(t, err)

	tok, err := c.Login(ctx, "alice", "s3cret")
	require.NoError(t, err)
	assert.NotEmpty(t, tok.Token)
	_, err = c.SubmitOffer(ctx, offer("O1"))
	require.NoError(t, err)
	o, err := c.Offer(ctx, "O1")
	require.NoError(t, err)
	assert.Equal(t, "alice", o.Owner)
}

// flakyStream serves one event per connection and records the
// Last-Event-ID of every connection.
type flakyStream struct {
	mu      sync.Mutex
	cursors []string
}

func (f *flakyStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.cursors = append(f.cursors, r.Header.Get("Last-Event-ID"))
	n := len(f.cursors)
	f.mu.Unlock()
	w.Header().Set("Content-Type", "text/event-stream")
	fmt.Fprintf(w, "id: %d\nevent: offer_opened\ndata: {\"seq\":%d,\"key\":\"offer:O%d/open/1\"}\n\n", n+4, n+4, n) //nolint:errcheck
}

func TestFollowResumesAfterDrop(t *testing.T) {
	fs := &flakyStream{}
	ts := httptest.NewServer(fs)
	defer ts.Close()

	var seen []uint64
	err := New(ts.URL).Follow(context.Background(), FollowOptions{Cursor: 4, Retry: time.Millisecond}, func(e notify.Event) error {
		seen = append(seen, e.Seq)
		if len(seen) == 3 {
			return errors.New("enough")
		}
		return nil
	})
	assert.EqualError(t, err, "enough")
	assert.Equal(t, []uint64{5, 6, 7}, seen)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	assert.Equal(t, []string{"4", "5", "6"}, fs.cursors)
}

func TestFollowStopsOnClientError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "mine=1 needs an agent", http.StatusUnauthorized)
	}))
	defer ts.Close()
	err := New(ts.URL).Follow(context.Background(), FollowOptions{Mine: true}, func(notify.Event) error { return nil })
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}
