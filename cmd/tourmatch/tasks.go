package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/tourmatch/client"
	"github.com/GoCodeAlone/tourmatch/market"
)

// --- tasks ---

func (c *cli) taskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect and answer negotiation tasks",
	}

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := c.client().Task(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.print(t, func() { c.taskDetail(t) })
		},
	}

	var q client.TaskQuery
	var state string
	list := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q.State = market.TaskState(state)
			tasks, err := c.client().Tasks(cmd.Context(), q)
			if err != nil {
				return err
			}
			return c.print(tasks, func() { c.taskTable(tasks) })
		},
	}
	list.Flags().StringVar(&state, "state", "", "only tasks in this state")
	list.Flags().StringVar(&q.Owner, "owner", "", "only tasks involving this agent")

	accept := &cobra.Command{
		Use:   "accept <id>",
		Short: "Accept a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.client().Accept(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.print(a, func() {
				c.printf("task %s accepted: %s guides %s, total %s\n", a.TaskID, a.Guide, a.Tourist, a.Total)
			})
		},
	}

	cmd.AddCommand(get, list, accept,
		c.resolveCmd("reject", "Decline a proposal; the pair is never proposed again"),
		c.resolveCmd("cancel", "Withdraw a pending proposal"),
		c.journalCmd(),
	)
	return cmd
}

func (c *cli) resolveCmd(action, short string) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   action + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl := c.client()
			resolve := cl.Reject
			if action == "cancel" {
				resolve = cl.Cancel
			}
			t, err := resolve(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			return c.print(t, func() { c.printf("task %s %s\n", t.ID, t.State) })
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the transition")
	return cmd
}

func (c *cli) journalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "journal <id>",
		Short: "Show the recorded transitions of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := c.client().Journal(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.print(recs, func() {
				if len(recs) == 0 {
					c.printf("no records\n")
					return
				}
				c.printf("%-6s %-20s %-8s %-20s %-10s %-10s %s\n", "SEQ", "AT", "KIND", "ID", "FROM", "TO", "REASON")
				c.printf("%s\n", strings.Repeat("-", 90))
				for _, r := range recs {
					c.printf("%-6d %-20s %-8s %-20s %-10s %-10s %s\n",
						r.Seq, r.At.Local().Format(timeLayout+":05"), r.Kind, truncate(r.ID, 20), r.From, r.To, r.Reason)
				}
			})
		},
	}
}

func (c *cli) taskTable(tasks []*market.NegotiationTask) {
	if len(tasks) == 0 {
		c.printf("no tasks\n")
		return
	}
	c.printf("%-36s %-16s %-16s %-10s %-10s %s\n", "ID", "OFFER", "REQUEST", "STATE", "TOTAL", "DEADLINE")
	c.printf("%s\n", strings.Repeat("-", 110))
	for _, t := range tasks {
		c.printf("%-36s %-16s %-16s %-10s %-10s %s\n",
			t.ID,
			truncate(t.OfferID, 16),
			truncate(t.RequestID, 16),
			t.State,
			t.Terms.Total.String(),
			t.Deadline.Local().Format(timeLayout),
		)
	}
}

func (c *cli) taskDetail(t *market.NegotiationTask) {
	c.printf("id:       %s\n", t.ID)
	c.printf("state:    %s\n", t.State)
	if t.Reason != "" {
		c.printf("reason:   %s\n", t.Reason)
	}
	c.printf("offer:    %s (%s)\n", t.OfferID, t.Guide)
	c.printf("request:  %s (%s)\n", t.RequestID, t.Tourist)
	c.printf("tour:     %s, group of %d\n", formatWindow(t.Terms.Start, t.Terms.End), t.Terms.GroupSize)
	c.printf("rate:     %s\n", t.Terms.Rate)
	c.printf("total:    %s\n", t.Terms.Total)
	c.printf("deadline: %s\n", t.Deadline.Local().Format(timeLayout))
	for _, tr := range t.Transitions {
		c.printf("  %s %-9s %s\n", tr.At.Local().Format(timeLayout+":05"), tr.State, tr.Reason)
	}
}

// --- assignments ---

func (c *cli) assignmentsCmd() *cobra.Command {
	var (
		since uint64
		limit int
	)
	cmd := &cobra.Command{
		Use:   "assignments",
		Short: "List assignments in creation order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			page, err := c.client().Assignments(cmd.Context(), since, limit)
			if err != nil {
				return err
			}
			return c.print(page, func() {
				if len(page.Assignments) == 0 {
					c.printf("no assignments\n")
					return
				}
				c.printf("%-6s %-36s %-12s %-12s %-24s %-5s %-10s\n", "SEQ", "TASK", "GUIDE", "TOURIST", "TOUR", "GROUP", "TOTAL")
				c.printf("%s\n", strings.Repeat("-", 113))
				for _, a := range page.Assignments {
					c.printf("%-6d %-36s %-12s %-12s %-24s %-5d %-10s\n",
						a.Seq, a.TaskID, truncate(a.Guide, 12), truncate(a.Tourist, 12),
						formatWindow(a.Start, a.End), a.GroupSize, a.Total.String())
				}
				c.printf("next: --since %d\n", page.Next)
			})
		},
	}
	cmd.Flags().Uint64Var(&since, "since", 0, "only assignments after this sequence number")
	cmd.Flags().IntVar(&limit, "limit", 100, "page size")
	return cmd
}
