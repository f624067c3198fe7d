// Command tourmatch is the tourmatch CLI client.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/tourmatch/client"
	"github.com/GoCodeAlone/tourmatch/internal/version"
	"github.com/GoCodeAlone/tourmatch/update"
)

const defaultServer = "http://localhost:9090"

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// cli holds the global flags shared by every command.
type cli struct {
	server string
	token  string
	agent  string
	json   bool
	out    io.Writer
}

func (c *cli) client() *client.Client {
	cl := client.New(c.server)
	cl.Token = c.token
	cl.Agent = c.agent
	return cl
}

// print writes v as indented JSON when --json is set and calls table
// otherwise.
func (c *cli) print(v any, table func()) error {
	if c.json {
		enc := json.NewEncoder(c.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	table()
	return nil
}

func (c *cli) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...) //nolint:errcheck
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out}
	root := &cobra.Command{
		Use:           "tourmatch",
		Short:         "tourmatch - guide and tourist matching market",
		Long:          `tourmatch talks to a tourmatch market: submit offers and requests, answer proposals, follow events and run autonomous agents.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	pf := root.PersistentFlags()
	pf.StringVar(&c.server, "server", envOr("TOURMATCH_SERVER", defaultServer), "server URL (or $TOURMATCH_SERVER)")
	pf.StringVar(&c.token, "token", os.Getenv("TOURMATCH_TOKEN"), "JWT auth token (or $TOURMATCH_TOKEN)")
	pf.StringVar(&c.agent, "agent", os.Getenv("TOURMATCH_AGENT"), "agent id sent when the server runs without auth (or $TOURMATCH_AGENT)")
	pf.BoolVar(&c.json, "json", false, "print JSON instead of tables")

	root.AddCommand(
		c.versionCmd(),
		c.statusCmd(),
		c.offerCmd(),
		c.requestCmd(),
		c.taskCmd(),
		c.assignmentsCmd(),
		c.watchCmd(),
		c.tokenCmd(),
		c.agentCmd(),
		c.updateCmd(),
	)
	return root
}

// --- version ---

func (c *cli) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		Run: func(*cobra.Command, []string) {
			c.printf("tourmatch %s (commit %s, built %s)\n",
				version.Version, version.Commit, version.BuildDate)
		},
	}
}

// --- update ---

func (c *cli) updateCmd() *cobra.Command {
	var apply bool
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Check for a newer release",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			u := update.New("tourmatch", version.Version)
			rel, err := u.CheckForUpdate(cmd.Context())
			if err != nil {
				return err
			}
			if rel == nil {
				c.printf("tourmatch %s is up to date\n", version.Version)
				return nil
			}
			if !apply {
				c.printf("tourmatch %s is available (running %s); rerun with --apply to install\n", rel.Version, version.Version)
				return nil
			}
			if err := u.ApplyUpdate(cmd.Context(), rel, ""); err != nil {
				return err
			}
			c.printf("updated to %s\n", rel.Version)
			return nil
		},
	}
	cmd.Flags().BoolVar(&apply, "apply", false, "download and replace the running binary")
	return cmd
}

// --- status ---

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := c.client().Status(cmd.Context())
			if err != nil {
				return err
			}
			return c.print(st, func() {
				c.printf("status:   %s\n", st.Status)
				c.printf("version:  %s\n", st.Version)
				c.printf("uptime:   %s\n", st.Uptime)
				c.printf("offers:   %d\n", st.Offers)
				c.printf("requests: %d\n", st.Requests)
				c.printf("cursor:   %d\n", st.Cursor)
			})
		},
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

const timeLayout = "2006-01-02 15:04"

func formatWindow(start, end time.Time) string {
	return start.Local().Format(timeLayout) + " - " + end.Local().Format("15:04")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func joinCategories(cats []string) string {
	return truncate(strings.Join(cats, ","), 24)
}
