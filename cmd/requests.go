package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/repusense/internal/model"
	"github.com/sells-group/repusense/internal/tracker"
	"github.com/sells-group/repusense/internal/workspace"
)

var requestsCmd = &cobra.Command{
	Use:   "requests",
	Short: "Inspect analysis requests",
}

// -- requests list --

var requestsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent analysis requests",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		tr, err := openTracker(ctx)
		if err != nil {
			return err
		}
		defer tr.Close() //nolint:errcheck

		company, _ := cmd.Flags().GetString("company")
		limit, _ := cmd.Flags().GetInt("limit")

		statuses := tr.List(ctx, company, limit)
		if len(statuses) == 0 {
			fmt.Fprintln(os.Stderr, "No requests found.")
			return nil
		}
		formatRequestsList(os.Stdout, statuses)
		return nil
	},
}

// -- requests status --

var requestsStatusCmd = &cobra.Command{
	Use:   "status <request-id>",
	Short: "Show the status of a request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		tr, err := openTracker(ctx)
		if err != nil {
			return err
		}
		defer tr.Close() //nolint:errcheck

		return printJSON(os.Stdout, tr.GetStatus(ctx, args[0]))
	},
}

// openTracker loads the persisted requests read-only; it has no runner.
func openTracker(ctx context.Context) (*tracker.Tracker, error) {
	if err := cfg.Validate("requests"); err != nil {
		return nil, err
	}
	ws := workspace.New(workspace.LayoutFromConfig(cfg.Workspace))
	st, err := initResultStore(ctx, ws, cfg.Remote)
	if err != nil {
		return nil, err
	}
	tr := tracker.New(st, nil)
	if err := tr.Load(ctx); err != nil {
		return nil, err
	}
	return tr, nil
}

func init() {
	requestsListCmd.Flags().String("company", "", "filter by company")
	requestsListCmd.Flags().Int("limit", tracker.DefaultListLimit, "max number of requests to display")

	requestsCmd.AddCommand(requestsListCmd)
	requestsCmd.AddCommand(requestsStatusCmd)
	rootCmd.AddCommand(requestsCmd)
}

// formatRequestsList writes a tabular list of request statuses to w.
func formatRequestsList(out io.Writer, statuses []model.Status) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "REQUEST\tCOMPANY\tSTATUS\tMODE\tRANGE\tSUBMITTED")
	_, _ = fmt.Fprintln(w, "-------\t-------\t------\t----\t-----\t---------")

	for _, s := range statuses {
		rng := ""
		if s.DateRange != nil {
			rng = s.DateRange.StartString() + ".." + s.DateRange.EndString()
		}
		submitted := ""
		if s.Timestamp != nil {
			submitted = s.Timestamp.Format("2006-01-02 15:04")
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.RequestID, s.Company, s.Status, s.Mode, rng, submitted)
	}
	_ = w.Flush()
}
