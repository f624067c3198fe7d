package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/GoCodeAlone/tourmatch/client"
	"github.com/GoCodeAlone/tourmatch/config"
	"github.com/GoCodeAlone/tourmatch/strategy"
)

// Team runs several agents against one market.
type Team struct {
	Members []*Runtime

	mu sync.RWMutex
}

// NewTeam creates an empty team.
func NewTeam() *Team {
	return &Team{}
}

// FromConfig builds one runtime per agent entry, all talking to baseURL.
func FromConfig(agents []config.AgentConfig, baseURL string, logger *slog.Logger) (*Team, error) {
	if logger == nil {
		logger = slog.Default()
	}
	t := NewTeam()
	for _, a := range agents {
		s, err := strategy.New(a, logger)
		if err != nil {
			return nil, err
		}
		var secret string
		if a.SecretEnv != "" {
			if secret = os.Getenv(a.SecretEnv); secret == "" {
				return nil, fmt.Errorf("agent %s: %s is not set", a.ID, a.SecretEnv)
			}
		}
		c := client.New(baseURL)
		c.Agent = a.ID
		t.AddAgent(NewRuntime(Config{
			ID:          a.ID,
			Role:        strategy.Role(a.Role),
			Strategy:    s,
			Client:      c,
			Secret:      secret,
			Submissions: a.Submissions,
			Logger:      logger,
		}))
	}
	return t, nil
}

// AddAgent adds an agent to the team's member list.
func (t *Team) AddAgent(r *Runtime) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Members = append(t.Members, r)
}

// Start launches all team members.
func (t *Team) Start(ctx context.Context) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, m := range t.Members {
		if err := m.Start(ctx); err != nil {
			return fmt.Errorf("start member %s: %w", m.cfg.ID, err)
		}
	}
	return nil
}

// Stop gracefully shuts down all team members.
func (t *Team) Stop(ctx context.Context) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var errs []error
	for _, m := range t.Members {
		if err := m.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop member %s: %w", m.cfg.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Wait blocks until every member has returned and joins their errors.
func (t *Team) Wait() error {
	t.mu.RLock()
	members := append([]*Runtime(nil), t.Members...)
	t.mu.RUnlock()
	var errs []error
	for _, m := range members {
		if err := m.Wait(); err != nil {
			errs = append(errs, fmt.Errorf("agent %s: %w", m.cfg.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Info returns the metadata of every member.
func (t *Team) Info() []Info {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Info, 0, len(t.Members))
	for _, m := range t.Members {
		out = append(out, m.Info())
	}
	return out
}
