package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/GoCodeAlone/tourmatch/client"
	"github.com/GoCodeAlone/tourmatch/market"
	"github.com/GoCodeAlone/tourmatch/notify"
	"github.com/GoCodeAlone/tourmatch/strategy"
)

var errFinished = errors.New("agent finished")

// Runtime drives one agent: it keeps one listing on the market, answers
// proposals for it and replaces it after every outcome.
type Runtime struct {
	mu        sync.RWMutex
	cfg       Config
	logger    *slog.Logger
	status    Status
	startedAt time.Time
	lastErr   error

	view        *notify.StateView
	outcomes    []strategy.Outcome
	listing     string // id of the current listing, empty between submissions
	submitted   int
	assignments int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRuntime creates a new agent runtime from the given config. When the
// client carries no agent id, cfg.ID is used.
func NewRuntime(cfg Config) *Runtime {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Client.Agent == "" {
		cfg.Client.Agent = cfg.ID
	}
	return &Runtime{
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("agent", cfg.ID)),
		status: StatusIdle,
		view:   notify.NewStateView(),
	}
}

// Info returns the agent's current metadata.
func (r *Runtime) Info() Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info := Info{
		ID:          r.cfg.ID,
		Role:        r.cfg.Role,
		Strategy:    r.cfg.Strategy.Name(),
		Status:      r.status,
		Listing:     r.listing,
		Submitted:   r.submitted,
		Assignments: r.assignments,
		Outcomes:    len(r.outcomes),
		StartedAt:   r.startedAt,
	}
	if r.lastErr != nil {
		info.Error = r.lastErr.Error()
	}
	return info
}

// Outcomes returns the resolved proposals seen so far, oldest first.
func (r *Runtime) Outcomes() []strategy.Outcome {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]strategy.Outcome(nil), r.outcomes...)
}

// Start runs the agent in the background until Stop is called, the context
// ends or the agent finishes.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.done != nil {
		select {
		case <-r.done:
		default:
			r.mu.Unlock()
			return fmt.Errorf("agent %s already running (status=%s)", r.cfg.ID, r.status)
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	done := make(chan struct{})
	r.done = done
	r.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		_ = r.Run(ctx) // kept in lastErr
	}()
	return nil
}

// Stop cancels a started agent and waits for it to return.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop agent %s: %w", r.cfg.ID, ctx.Err())
	}
}

// Wait blocks until a started agent returns and reports its error.
func (r *Runtime) Wait() error {
	r.mu.RLock()
	done := r.done
	r.mu.RUnlock()
	if done == nil {
		return nil
	}
	<-done
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastErr
}

// Run drives the agent in the calling goroutine. It returns nil when ctx
// ends or the agent has used up its submissions and its last listing closed.
func (r *Runtime) Run(ctx context.Context) error {
	r.mu.Lock()
	r.status = StatusActive
	r.startedAt = r.cfg.Now()
	r.lastErr = nil
	r.mu.Unlock()

	err := r.run(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case errors.Is(err, errFinished):
		r.status = StatusFinished
		r.logger.Info("agent finished", slog.Int("submitted", r.submitted), slog.Int("assignments", r.assignments))
		return nil
	case ctx.Err() != nil:
		r.status = StatusStopped
		return nil
	}
	r.status = StatusError
	r.lastErr = err
	r.logger.Error("agent failed", slog.Any("err", err))
	return err
}

func (r *Runtime) run(ctx context.Context) error {
	c := r.cfg.Client
	if r.cfg.Secret != "" {
		if _, err := c.Login(ctx, r.cfg.ID, r.cfg.Secret); err != nil {
			return fmt.Errorf("login: %w", err)
		}
	}
	// Events from here on concern this run; proposals for the first
	// listing are replayed from this cursor.
	st, err := c.Status(ctx)
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	r.logger.Info("agent started",
		slog.String("role", string(r.cfg.Role)),
		slog.String("strategy", r.cfg.Strategy.Name()),
		slog.Uint64("cursor", st.Cursor))

	if err := r.submitNext(ctx); err != nil {
		return err
	}
	return c.Follow(ctx, client.FollowOptions{
		Cursor: st.Cursor,
		Mine:   true,
		Retry:  r.cfg.Retry,
		Logger: r.logger,
	}, func(e notify.Event) error {
		return r.handle(ctx, e)
	})
}

// handle reacts to one event involving the agent. Duplicates are dropped.
func (r *Runtime) handle(ctx context.Context, e notify.Event) error {
	if !r.view.Apply(e) {
		return nil
	}
	switch e.Type {
	case notify.EventTaskProposed:
		r.decide(ctx, e.TaskID)
	case notify.EventTaskAccepted, notify.EventTaskRejected, notify.EventTaskExpired, notify.EventTaskCanceled:
		return r.resolved(ctx, e)
	case notify.EventOfferClosed, notify.EventRequestClosed:
		if id := r.own(e); id != "" && id == r.current() {
			r.logger.Info("listing closed", slog.String("id", id), slog.String("status", e.Status))
			r.setListing("")
			return r.submitNext(ctx)
		}
	}
	return nil
}

// own returns the id of the agent's side referenced by e.
func (r *Runtime) own(e notify.Event) string {
	if r.cfg.Role == strategy.RoleGuide {
		return e.OfferID
	}
	return e.RequestID
}

func (r *Runtime) kind() market.Kind {
	if r.cfg.Role == strategy.RoleGuide {
		return market.KindOffer
	}
	return market.KindRequest
}

func (r *Runtime) current() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listing
}

func (r *Runtime) setListing(id string) {
	r.mu.Lock()
	r.listing = id
	r.mu.Unlock()
}

func (r *Runtime) setStatus(s Status) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

// decide answers a proposal through the strategy.
func (r *Runtime) decide(ctx context.Context, taskID string) {
	r.setStatus(StatusWorking)
	defer r.setStatus(StatusActive)

	t, err := r.cfg.Client.Task(ctx, taskID)
	if err != nil {
		r.logger.Warn("read proposal", slog.String("task", taskID), slog.Any("err", err))
		return
	}
	if t.State != market.TaskProposed {
		return
	}
	d, err := r.cfg.Strategy.Decide(ctx, r.state(ctx, false), t)
	if err != nil {
		r.logger.Warn("decide proposal", slog.String("task", taskID), slog.Any("err", err))
		return
	}
	if d.Accept {
		_, err = r.cfg.Client.Accept(ctx, taskID)
	} else {
		_, err = r.cfg.Client.Reject(ctx, taskID, d.Reason)
	}
	switch {
	case errors.Is(err, market.ErrInvalidState):
		r.logger.Debug("proposal already resolved", slog.String("task", taskID))
	case err != nil:
		r.logger.Warn("answer proposal", slog.String("task", taskID), slog.Any("err", err))
	default:
		r.logger.Info("answered proposal",
			slog.String("task", taskID),
			slog.Bool("accept", d.Accept),
			slog.String("reason", d.Reason),
			slog.String("total", t.Terms.Total.String()))
	}
}

// resolved records the outcome of a task and, when it concerned the current
// listing, replaces the listing.
func (r *Runtime) resolved(ctx context.Context, e notify.Event) error {
	o := strategy.Outcome{TaskID: e.TaskID, State: market.TaskState(e.Status), Reason: e.Reason}
	if o.State == market.TaskAccepted {
		if t, err := r.cfg.Client.Task(ctx, e.TaskID); err == nil {
			o.Total = t.Terms.Total
		} else {
			r.logger.Warn("read accepted task", slog.String("task", e.TaskID), slog.Any("err", err))
		}
	}
	r.mu.Lock()
	r.outcomes = append(r.outcomes, o)
	if o.State == market.TaskAccepted {
		r.assignments++
	}
	r.mu.Unlock()

	if r.own(e) != r.current() {
		return nil
	}
	if o.State == market.TaskAccepted {
		r.setListing("")
		return r.submitNext(ctx)
	}
	return r.replace(ctx)
}

// replace withdraws the current listing if it is back on the market and
// submits a fresh one. A listing that was already proposed again is kept.
func (r *Runtime) replace(ctx context.Context) error {
	id := r.current()
	status, err := r.listingStatus(ctx, id)
	if err != nil {
		r.logger.Warn("read listing", slog.String("id", id), slog.Any("err", err))
		return nil
	}
	switch status {
	case market.StatusReserved:
		return nil
	case market.StatusOpen:
		if r.capped() {
			return nil
		}
		err := r.cfg.Client.Withdraw(ctx, r.kind(), id)
		if errors.Is(err, market.ErrInvalidState) {
			return nil
		}
		if err != nil {
			r.logger.Warn("withdraw listing", slog.String("id", id), slog.Any("err", err))
			return nil
		}
	}
	r.setListing("")
	return r.submitNext(ctx)
}

func (r *Runtime) listingStatus(ctx context.Context, id string) (market.Status, error) {
	if r.cfg.Role == strategy.RoleGuide {
		o, err := r.cfg.Client.Offer(ctx, id)
		if err != nil {
			return "", err
		}
		return o.Status, nil
	}
	req, err := r.cfg.Client.Request(ctx, id)
	if err != nil {
		return "", err
	}
	return req.Status, nil
}

func (r *Runtime) capped() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.Submissions > 0 && r.submitted >= r.cfg.Submissions
}

// submitNext asks the strategy for a listing and submits it. It returns
// errFinished once the agent may submit no more.
func (r *Runtime) submitNext(ctx context.Context) error {
	if r.capped() {
		return errFinished
	}
	sub, err := r.cfg.Strategy.Next(ctx, r.state(ctx, true))
	if err != nil {
		return fmt.Errorf("next submission: %w", err)
	}
	var id string
	switch {
	case sub.Offer != nil:
		id, err = r.cfg.Client.SubmitOffer(ctx, *sub.Offer)
	case sub.Request != nil:
		id, err = r.cfg.Client.SubmitRequest(ctx, *sub.Request)
	default:
		return fmt.Errorf("strategy %s returned an empty submission", r.cfg.Strategy.Name())
	}
	if err != nil {
		return fmt.Errorf("submit %s: %w", r.kind(), err)
	}

	r.mu.Lock()
	r.listing = id
	r.submitted++
	n := r.submitted
	r.mu.Unlock()

	attrs := []any{slog.String("id", id), slog.Int("n", n)}
	if sub.Offer != nil {
		attrs = append(attrs, slog.String("rate", sub.Offer.HourlyRate.String()))
	} else {
		attrs = append(attrs, slog.String("budget", sub.Request.Budget.String()))
	}
	r.logger.Info("submitted "+string(r.kind()), attrs...)
	return nil
}

// state assembles what the strategy sees. The market snapshot is only
// fetched for submissions.
func (r *Runtime) state(ctx context.Context, withMarket bool) strategy.State {
	r.mu.RLock()
	s := strategy.State{
		Agent:    r.cfg.ID,
		Role:     r.cfg.Role,
		Now:      r.cfg.Now(),
		Outcomes: append([]strategy.Outcome(nil), r.outcomes...),
	}
	r.mu.RUnlock()
	if !withMarket {
		return s
	}
	var err error
	if r.cfg.Role == strategy.RoleGuide {
		var requests []*market.TouristRequest
		requests, err = r.cfg.Client.Requests(ctx, market.StatusOpen)
		s.Market = strategy.Snapshot(nil, requests)
	} else {
		var offers []*market.GuideOffer
		offers, err = r.cfg.Client.Offers(ctx, market.StatusOpen)
		s.Market = strategy.Snapshot(offers, nil)
	}
	if err != nil {
		r.logger.Warn("read market", slog.Any("err", err))
	}
	return s
}
