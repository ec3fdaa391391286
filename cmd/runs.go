package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/repusense/internal/model"
	"github.com/sells-group/repusense/internal/store"
	"github.com/sells-group/repusense/internal/workspace"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect pipeline run history",
	Long:  "Commands for listing, viewing, and summarizing pipeline runs recorded in the run ledger.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pipeline runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		rl, err := openRunLog(ctx)
		if err != nil {
			return err
		}
		defer rl.Close() //nolint:errcheck

		state, _ := cmd.Flags().GetString("state")
		company, _ := cmd.Flags().GetString("company")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.RunFilter{State: model.RunState(state), Limit: limit}
		if company != "" {
			if filter.Company, err = workspace.NormalizeCompany(company); err != nil {
				return err
			}
		}

		runs, err := rl.ListRuns(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show full details of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		rl, err := openRunLog(ctx)
		if err != nil {
			return err
		}
		defer rl.Close() //nolint:errcheck

		run, err := rl.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		return printJSON(os.Stdout, run)
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate run statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		rl, err := openRunLog(ctx)
		if err != nil {
			return err
		}
		defer rl.Close() //nolint:errcheck

		since, _ := cmd.Flags().GetDuration("since")
		runs, err := rl.ListRuns(ctx, store.RunFilter{Limit: 10000})
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}

		var cutoff time.Time
		if since > 0 {
			cutoff = time.Now().Add(-since)
		}
		formatRunStats(os.Stdout, computeRunStats(runs, cutoff))
		return nil
	},
}

func openRunLog(ctx context.Context) (store.RunLog, error) {
	rl, err := store.Open(ctx, cfg.RunLog)
	if err != nil {
		return nil, err
	}
	if rl == nil {
		return nil, eris.Wrap(model.ErrConfiguration, "run ledger is disabled (runlog.driver is empty)")
	}
	return rl, nil
}

func init() {
	runsListCmd.Flags().String("state", "", "filter by final state (completed, failed)")
	runsListCmd.Flags().String("company", "", "filter by company")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsStatsCmd.Flags().Duration("since", 7*24*time.Hour, "time window for stats (e.g. 24h, 168h)")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

// runStats holds aggregate statistics computed from a set of runs.
type runStats struct {
	Total         int
	Completed     int
	Partial       int
	Failed        int
	StageFailures map[model.Stage]int
	AvgDurSecs    float64
}

// computeRunStats aggregates runs started at or after cutoff. A zero cutoff
// keeps every run.
func computeRunStats(runs []model.PipelineRun, cutoff time.Time) runStats {
	s := runStats{StageFailures: make(map[model.Stage]int)}

	var totalDur time.Duration
	var durCount int

	for _, r := range runs {
		if !cutoff.IsZero() && r.StartedAt.Before(cutoff) {
			continue
		}
		s.Total++
		for stage := range r.Errors {
			s.StageFailures[stage]++
		}
		switch r.State {
		case model.RunStateCompleted:
			if len(r.Errors) > 0 {
				s.Partial++
			} else {
				s.Completed++
			}
			totalDur += r.Duration()
			durCount++
		case model.RunStateFailed:
			s.Failed++
		}
	}

	if durCount > 0 {
		s.AvgDurSecs = totalDur.Seconds() / float64(durCount)
	}
	return s
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.PipelineRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCOMPANY\tSTATE\tRANGE\tSTAGE_ERRORS\tSTARTED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t-------\t-----\t-----\t------------\t-------\t--------")

	for _, r := range runs {
		company := r.Company
		if len(company) > 30 {
			company = company[:27] + "..."
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s..%s\t%d\t%s\t%s\n",
			truncateID(r.ID),
			company,
			r.State,
			r.DateRange.StartString(),
			r.DateRange.EndString(),
			len(r.Errors),
			r.StartedAt.Format("2006-01-02 15:04"),
			r.Duration().Round(time.Second),
		)
	}
	_ = w.Flush()
}

// formatRunStats writes aggregate stats to w.
func formatRunStats(out io.Writer, s runStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Completed:\t%d\n", s.Completed)
	_, _ = fmt.Fprintf(w, "Partial:\t%d\n", s.Partial)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.Failed)
	for _, stage := range model.Stages {
		if n := s.StageFailures[stage]; n > 0 {
			_, _ = fmt.Fprintf(w, "  %s errors:\t%d\n", stage, n)
		}
	}
	if s.AvgDurSecs > 0 {
		_, _ = fmt.Fprintf(w, "Avg duration:\t%.1fs\n", s.AvgDurSecs)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
