package main

import (
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/repusense/internal/model"
	"github.com/sells-group/repusense/internal/pipeline"
)

// runOptions are the flags of the run command.
type runOptions struct {
	Company      string
	StartDate    string
	EndDate      string
	UseExisting  bool
	ExistingFile string
	Skip         map[model.Stage]*bool
	UseRemote    bool
	Bucket       string
}

var runOpts = runOptions{Skip: make(map[model.Stage]*bool)}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the analysis pipeline for a single company",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if runOpts.UseRemote {
			cfg.Remote.Enabled = true
		}
		if runOpts.Bucket != "" {
			cfg.Remote.Bucket = runOpts.Bucket
		}

		in, err := runOpts.input(time.Now().UTC())
		if err != nil {
			return err
		}

		env, err := initPipeline(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		run, runErr := env.Pipeline.Run(ctx, in)
		if run != nil {
			zap.L().Info("pipeline run complete",
				zap.String("company", run.Company),
				zap.String("state", string(run.State)),
				zap.Int("published", len(run.Published)),
				zap.Int("stage_errors", len(run.Errors)),
			)
			if err := printJSON(os.Stdout, run); err != nil {
				return err
			}
		}
		return eris.Wrap(runErr, "pipeline run")
	},
}

// input converts the flags into a pipeline input.
func (o runOptions) input(now time.Time) (pipeline.RunInput, error) {
	in := pipeline.RunInput{
		Company:      o.Company,
		UseExisting:  o.UseExisting,
		ExistingFile: o.ExistingFile,
		Skip:         model.NewStageSet(),
	}
	if o.StartDate != "" || o.EndDate != "" {
		dr, err := model.ResolveDateRange(o.StartDate, o.EndDate, now)
		if err != nil {
			return pipeline.RunInput{}, err
		}
		in.DateRange = &dr
	}
	for stage, skip := range o.Skip {
		if skip != nil && *skip {
			in.Skip.Add(stage)
		}
	}
	return in, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runOpts.Company, "company", "", "company name to analyze (required)")
	f.StringVar(&runOpts.StartDate, "start-date", "", "start date YYYY-MM-DD (default first day of the end month)")
	f.StringVar(&runOpts.EndDate, "end-date", "", "end date YYYY-MM-DD (default today)")
	f.BoolVar(&runOpts.UseExisting, "use-existing", false, "reuse stored raw data instead of fetching")
	f.StringVar(&runOpts.ExistingFile, "existing-file", "", "previously scraped JSON file to copy into the raw zone (needs --use-existing)")
	for _, stage := range model.Stages {
		runOpts.Skip[stage] = f.Bool("skip-"+string(stage), false, "skip the "+string(stage)+" stage")
	}
	f.BoolVar(&runOpts.UseRemote, "use-remote-store", false, "mirror artifacts to object storage")
	f.StringVar(&runOpts.Bucket, "store-bucket", "", "object storage bucket (default from config)")
	_ = runCmd.MarkFlagRequired("company")
	rootCmd.AddCommand(runCmd)
}
