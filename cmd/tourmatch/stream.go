package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/tourmatch/agent"
	"github.com/GoCodeAlone/tourmatch/client"
	"github.com/GoCodeAlone/tourmatch/config"
	"github.com/GoCodeAlone/tourmatch/notify"
	"github.com/GoCodeAlone/tourmatch/notify/telegram"
)

// --- watch ---

func (c *cli) watchCmd() *cobra.Command {
	var (
		opts  client.FollowOptions
		count int
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow market events",
		Long:  `Follow market events over SSE, reconnecting from the last event seen. Duplicates delivered across reconnects are skipped.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			dedup := notify.NewDeduper(0)
			seen := 0
			errDone := errors.New("done")
			err := c.client().Follow(ctx, opts, func(e notify.Event) error {
				if dedup.Seen(e) {
					return nil
				}
				if c.json {
					if err := c.print(e, nil); err != nil {
						return err
					}
				} else {
					c.printf("%s\n", telegram.Summary(e))
				}
				seen++
				if count > 0 && seen >= count {
					return errDone
				}
				return nil
			})
			if errors.Is(err, errDone) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().Uint64Var(&opts.Cursor, "cursor", 0, "start after this sequence number")
	cmd.Flags().BoolVar(&opts.Mine, "mine", false, "only events involving the caller")
	cmd.Flags().IntVar(&count, "count", 0, "exit after this many events (0 follows forever)")
	return cmd
}

// --- token ---

func (c *cli) tokenCmd() *cobra.Command {
	var secret string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Exchange an agent secret for a token",
		Long:  `Exchange the secret of --agent for a JWT. Export it as TOURMATCH_TOKEN for later commands.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if c.agent == "" {
				return errors.New("--agent is required")
			}
			if secret == "" {
				return errors.New("--secret or $TOURMATCH_SECRET is required")
			}
			tok, err := c.client().Login(cmd.Context(), c.agent, secret)
			if err != nil {
				return err
			}
			return c.print(tok, func() { c.printf("%s\n", tok.Token) })
		},
	}
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("TOURMATCH_SECRET"), "agent secret (or $TOURMATCH_SECRET)")
	return cmd
}

// --- agents ---

func (c *cli) agentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run autonomous agents",
	}

	var (
		path     string
		ids      []string
		logLevel string
	)
	run := &cobra.Command{
		Use:   "run",
		Short: "Run the agents defined in a config file",
		Long: `Run the agents defined in the agents section of a config file until
interrupted or until every agent has used up its submissions.

Examples:
  tourmatch agent run --config agents.yaml
  tourmatch agent run --config tourmatch.yaml --id alice --id bob`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			agents, err := config.LoadAgents(path)
			if err != nil {
				return err
			}
			if len(ids) > 0 {
				agents = slices.DeleteFunc(agents, func(a config.AgentConfig) bool { return !slices.Contains(ids, a.ID) })
				if len(agents) == 0 {
					return fmt.Errorf("no agent in %s matches %v", path, ids)
				}
			}
			level, err := config.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

			team, err := agent.FromConfig(agents, c.server, logger)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := team.Start(ctx); err != nil {
				return err
			}
			err = team.Wait()
			for _, info := range team.Info() {
				c.printf("%-12s %-8s %-10s submitted=%d assignments=%d outcomes=%d\n",
					info.ID, info.Role, info.Status, info.Submitted, info.Assignments, info.Outcomes)
			}
			return err
		},
	}
	run.Flags().StringVar(&path, "config", "tourmatch.yaml", "config file with an agents section")
	run.Flags().StringSliceVar(&ids, "id", nil, "run only these agents")
	run.Flags().StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")

	cmd.AddCommand(run)
	return cmd
}
