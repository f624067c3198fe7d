package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/tourmatch/market"
	"github.com/GoCodeAlone/tourmatch/server/api"
)

// listingFlags are the submission flags shared by offers and requests.
type listingFlags struct {
	id         string
	categories []string
	start      string
	end        string
}

func (f *listingFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.id, "id", "", "listing id (generated when empty)")
	cmd.Flags().StringSliceVar(&f.categories, "categories", nil, "comma separated categories")
	cmd.Flags().StringVar(&f.start, "start", "", "window start, RFC 3339")
	cmd.Flags().StringVar(&f.end, "end", "", "window end, RFC 3339")
	_ = cmd.MarkFlagRequired("categories")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
}

func (f *listingFlags) window() (time.Time, time.Time, error) {
	start, err := time.Parse(time.RFC3339, f.start)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("--start: %w", err)
	}
	end, err := time.Parse(time.RFC3339, f.end)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("--end: %w", err)
	}
	return start, end, nil
}

// --- offers ---

func (c *cli) offerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "offer",
		Short: "Submit and inspect guide offers",
	}

	var (
		lf   listingFlags
		rate string
		size int
	)
	submit := &cobra.Command{
		Use:   "submit",
		Short: "Submit an offer owned by the caller",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			start, end, err := lf.window()
			if err != nil {
				return err
			}
			r, err := decimal.NewFromString(rate)
			if err != nil {
				return fmt.Errorf("--rate: %w", err)
			}
			id, err := c.client().SubmitOffer(cmd.Context(), api.OfferSubmission{
				ID:           lf.id,
				Categories:   lf.categories,
				WindowStart:  start,
				WindowEnd:    end,
				HourlyRate:   r,
				MaxGroupSize: size,
			})
			if err != nil {
				return err
			}
			return c.print(api.Submitted{ID: id}, func() { c.printf("offer %s submitted\n", id) })
		},
	}
	lf.register(submit)
	submit.Flags().StringVar(&rate, "rate", "", "hourly rate")
	submit.Flags().IntVar(&size, "max-group", 1, "largest party served")
	_ = submit.MarkFlagRequired("rate")

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one offer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := c.client().Offer(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.print(o, func() { c.offerTable([]*market.GuideOffer{o}) })
		},
	}

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List offers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			offers, err := c.client().Offers(cmd.Context(), market.Status(status))
			if err != nil {
				return err
			}
			return c.print(offers, func() { c.offerTable(offers) })
		},
	}
	list.Flags().StringVar(&status, "status", "", "only offers in this status")

	cmd.AddCommand(submit, get, list, c.withdrawCmd(market.KindOffer))
	return cmd
}

func (c *cli) offerTable(offers []*market.GuideOffer) {
	if len(offers) == 0 {
		c.printf("no offers\n")
		return
	}
	c.printf("%-20s %-12s %-24s %-24s %-8s %-5s %-10s\n", "ID", "OWNER", "CATEGORIES", "WINDOW", "RATE", "GROUP", "STATUS")
	c.printf("%s\n", strings.Repeat("-", 109))
	for _, o := range offers {
		c.printf("%-20s %-12s %-24s %-24s %-8s %-5d %-10s\n",
			truncate(o.ID, 20),
			truncate(o.Owner, 12),
			joinCategories(o.Categories),
			formatWindow(o.Start, o.End),
			o.HourlyRate.String(),
			o.MaxGroupSize,
			o.Status,
		)
	}
}

// --- requests ---

func (c *cli) requestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Submit and inspect tourist requests",
	}

	var (
		lf       listingFlags
		budget   string
		party    int
		duration int
	)
	submit := &cobra.Command{
		Use:   "submit",
		Short: "Submit a request owned by the caller",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			start, end, err := lf.window()
			if err != nil {
				return err
			}
			b, err := decimal.NewFromString(budget)
			if err != nil {
				return fmt.Errorf("--budget: %w", err)
			}
			id, err := c.client().SubmitRequest(cmd.Context(), api.RequestSubmission{
				ID:              lf.id,
				Categories:      lf.categories,
				WindowStart:     start,
				WindowEnd:       end,
				Budget:          b,
				PartySize:       party,
				DurationMinutes: duration,
			})
			if err != nil {
				return err
			}
			return c.print(api.Submitted{ID: id}, func() { c.printf("request %s submitted\n", id) })
		},
	}
	lf.register(submit)
	submit.Flags().StringVar(&budget, "budget", "", "most the party pays in total")
	submit.Flags().IntVar(&party, "party", 1, "party size")
	submit.Flags().IntVar(&duration, "duration", 0, "tour length in minutes (0 uses the whole window)")
	_ = submit.MarkFlagRequired("budget")

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := c.client().Request(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.print(r, func() { c.requestTable([]*market.TouristRequest{r}) })
		},
	}

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			requests, err := c.client().Requests(cmd.Context(), market.Status(status))
			if err != nil {
				return err
			}
			return c.print(requests, func() { c.requestTable(requests) })
		},
	}
	list.Flags().StringVar(&status, "status", "", "only requests in this status")

	cmd.AddCommand(submit, get, list, c.withdrawCmd(market.KindRequest))
	return cmd
}

func (c *cli) requestTable(requests []*market.TouristRequest) {
	if len(requests) == 0 {
		c.printf("no requests\n")
		return
	}
	c.printf("%-20s %-12s %-24s %-24s %-8s %-5s %-5s %-10s\n", "ID", "OWNER", "CATEGORIES", "WINDOW", "BUDGET", "PARTY", "MIN", "STATUS")
	c.printf("%s\n", strings.Repeat("-", 115))
	for _, r := range requests {
		c.printf("%-20s %-12s %-24s %-24s %-8s %-5d %-5d %-10s\n",
			truncate(r.ID, 20),
			truncate(r.Owner, 12),
			joinCategories(r.Categories),
			formatWindow(r.Start, r.End),
			r.Budget.String(),
			r.PartySize,
			r.DurationMinutes,
			r.Status,
		)
	}
}

func (c *cli) withdrawCmd(kind market.Kind) *cobra.Command {
	return &cobra.Command{
		Use:   "withdraw <id>",
		Short: fmt.Sprintf("Take one of your open %ss off the market", kind),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.client().Withdraw(cmd.Context(), kind, args[0]); err != nil {
				return err
			}
			c.printf("%s %s withdrawn\n", kind, args[0])
			return nil
		},
	}
}
