// Package core assembles the registries, match engine, ledger, sweeper and
// notification bus into one running market.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/GoCodeAlone/tourmatch/config"
	"github.com/GoCodeAlone/tourmatch/ledger"
	"github.com/GoCodeAlone/tourmatch/market"
	"github.com/GoCodeAlone/tourmatch/match"
	"github.com/GoCodeAlone/tourmatch/notify"
	"github.com/GoCodeAlone/tourmatch/notify/telegram"
	"github.com/GoCodeAlone/tourmatch/registry"
)

// Core is a running market.
type Core struct {
	Board   *registry.Board
	Bus     *notify.Bus
	Ledger  *ledger.Ledger
	Engine  *match.Engine
	Sweeper *ledger.Sweeper

	logger  *slog.Logger
	journal ledger.Journal
	relays  []*notify.Relay
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// Options carries what New cannot read from the config.
type Options struct {
	Logger *slog.Logger
	// Now is the clock used by every component. Nil uses time.Now.
	Now   func() time.Time
	Sinks []notify.Sink
}

// New builds a Core from cfg. Call Start to run it and Close to release it.
func New(cfg *config.Config, opts Options) (*Core, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	policy, err := match.ParsePolicy(cfg.Match.Ranking)
	if err != nil {
		return nil, fmt.Errorf("match.ranking: %w", err)
	}

	var journal ledger.Journal = ledger.NewMemoryJournal()
	if cfg.Ledger.JournalPath != "" {
		j, err := ledger.OpenSQLiteJournal(cfg.Ledger.JournalPath)
		if err != nil {
			return nil, err
		}
		journal = j
	}

	sinks := opts.Sinks
	if tg := cfg.Relay.Telegram; tg.Enabled {
		sink, err := telegram.New(os.Getenv(tg.TokenEnv), tg.ChatID)
		if err != nil {
			journal.Close()
			return nil, err
		}
		sinks = append(sinks, sink)
	}

	c := &Core{logger: opts.Logger, journal: journal}
	c.Board = registry.NewBoard(opts.Now)
	c.Bus = notify.NewBus(notify.Options{
		LogSize: cfg.Bus.LogSize,
		Buffer:  cfg.Bus.SubscriberBuffer,
		Logger:  opts.Logger,
		Now:     opts.Now,
	})
	c.Ledger = ledger.New(c.Board, c.Bus, ledger.Options{
		ResponseTimeout: cfg.Ledger.ResponseTimeout,
		LockTimeout:     cfg.Ledger.LockTimeout,
		Journal:         journal,
		Logger:          opts.Logger.With(slog.String("component", "ledger")),
	})
	c.Engine = match.New(c.Board, c.Ledger, match.Options{
		Workers:     cfg.Match.Workers,
		Policy:      policy,
		MaxAttempts: cfg.Match.MaxAttempts,
		Logger:      opts.Logger.With(slog.String("component", "match")),
	})
	c.Sweeper = ledger.NewSweeper(c.Ledger, c.Board, ledger.SweepOptions{
		Interval:  cfg.Ledger.SweepInterval,
		Retention: cfg.Ledger.Retention,
		Rescan:    c.Engine.Rescan,
		Now:       opts.Now,
		Logger:    opts.Logger.With(slog.String("component", "sweep")),
	})
	for _, s := range sinks {
		c.relays = append(c.relays, notify.NewRelay(c.Bus, s, notify.RelayOptions{Logger: opts.Logger}))
	}

	c.Board.OnOpen(c.Ledger.Opened)
	c.Board.OnInsert(func(kind market.Kind, id string) {
		c.Engine.Enqueue(market.Ref{Kind: kind, ID: id})
	})
	c.Ledger.OnRelease(func(refs []market.Ref) { c.Engine.Enqueue(refs...) })
	return c, nil
}

// Start runs the engine workers, the sweeper and the relays until Close.
func (c *Core) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.Engine.Start(ctx)
	c.run(func() error { return c.Sweeper.Run(ctx) })
	for _, r := range c.relays {
		c.run(func() error { return r.Run(ctx) })
	}
}

func (c *Core) run(fn func() error) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("core task stopped", slog.Any("err", err))
		}
	}()
}

// Apply takes the hot-reloadable settings from cfg: the ranking policy, the
// response timeout and the sweep interval.
func (c *Core) Apply(cfg *config.Config) error {
	policy, err := match.ParsePolicy(cfg.Match.Ranking)
	if err != nil {
		return fmt.Errorf("match.ranking: %w", err)
	}
	c.Engine.SetPolicy(policy)
	c.Ledger.SetResponseTimeout(cfg.Ledger.ResponseTimeout)
	c.Sweeper.SetInterval(cfg.Ledger.SweepInterval)
	c.logger.Info("settings applied",
		slog.String("ranking", policy.String()),
		slog.Duration("response_timeout", cfg.Ledger.ResponseTimeout))
	return nil
}

// SubmitOffer registers o as an OPEN offer owned by owner.
func (c *Core) SubmitOffer(owner string, o *market.GuideOffer) (string, error) {
	o.Owner = owner
	return c.Board.Offers.Insert(o)
}

// SubmitRequest registers r as an OPEN request owned by owner.
func (c *Core) SubmitRequest(owner string, r *market.TouristRequest) (string, error) {
	r.Owner = owner
	return c.Board.Requests.Insert(r)
}

// Close stops background work, ends every subscription and closes the
// journal.
func (c *Core) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.Engine.Wait()
	c.Bus.Close()
	c.wg.Wait()
	return c.journal.Close()
}
