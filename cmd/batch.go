package main

import (
	"context"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/repusense/internal/model"
	"github.com/sells-group/repusense/internal/pipeline"
	"github.com/sells-group/repusense/internal/resultstore"
)

var (
	batchCompanies []string
	batchPending   bool
	batchLimit     int
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Analyze every known company over the recent window, or drain scheduled requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "batch")
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Store.EnsureRemote(ctx); err != nil {
			return eris.Wrap(err, "ensure remote bucket")
		}

		if batchPending {
			_, err := drainPending(ctx, env.Tracker, cfg.Batch.MaxConcurrentCompanies)
			return err
		}

		companies := batchCompanies
		if len(companies) == 0 {
			if companies, err = env.Store.ListCompanies(ctx, model.ZoneResults); err != nil {
				return eris.Wrap(err, "list companies")
			}
		}

		dr := model.LastDays(time.Now().UTC(), cfg.Batch.WindowDays)
		_, err = processBatch(ctx, companies, batchLimit, cfg.Batch.MaxConcurrentCompanies, func(ctx context.Context, company string) (*model.PipelineRun, error) {
			return env.Pipeline.Run(ctx, pipeline.RunInput{
				Company:   searchQuery(ctx, env.Store, company),
				DateRange: &dr,
			})
		})
		return err
	},
}

func init() {
	batchCmd.Flags().StringSliceVar(&batchCompanies, "company", nil, "companies to analyze (default every company with results)")
	batchCmd.Flags().BoolVar(&batchPending, "pending", false, "run scheduled analysis requests instead of the company sweep")
	batchCmd.Flags().IntVar(&batchLimit, "limit", 0, "max number of companies to process (0 for all)")
	rootCmd.AddCommand(batchCmd)
}

// searchQuery returns the display name published for company, falling back
// to the stored name.
func searchQuery(ctx context.Context, st *resultstore.Store, company string) string {
	var info struct {
		Name string `json:"name"`
	}
	ref := model.ArtifactRef{Zone: model.ZonePublished, Company: company, Name: model.ArtifactCompanyInfo}
	if err := st.GetJSON(ctx, ref, &info); err != nil || strings.TrimSpace(info.Name) == "" {
		return company
	}
	return info.Name
}

// analyzeFunc runs the pipeline for one company.
type analyzeFunc func(ctx context.Context, company string) (*model.PipelineRun, error)

// batchSummary counts batch outcomes. Partial runs are completed runs with
// stage errors.
type batchSummary struct {
	Completed int64
	Partial   int64
	Failed    int64
}

// processBatch applies limit, then runs companies concurrently. A failed
// company does not stop the others.
func processBatch(ctx context.Context, companies []string, limit, concurrency int, analyze analyzeFunc) (batchSummary, error) {
	var summary batchSummary
	if len(companies) == 0 {
		zap.L().Info("no companies to analyze")
		return summary, nil
	}
	if limit > 0 && len(companies) > limit {
		companies = companies[:limit]
	}
	if concurrency < 1 {
		concurrency = 1
	}

	zap.L().Info("processing batch",
		zap.Int("companies", len(companies)),
		zap.Int("concurrency", concurrency),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var completed, partial, failed atomic.Int64
	for _, company := range companies {
		g.Go(func() error {
			log := zap.L().With(zap.String("company", company))

			run, err := analyze(gctx, company)
			if err != nil {
				failed.Add(1)
				log.Error("analysis failed", zap.Error(err))
				return nil
			}
			if len(run.Errors) > 0 {
				partial.Add(1)
			} else {
				completed.Add(1)
			}
			log.Info("analysis complete",
				zap.String("run_id", run.ID),
				zap.Int("stage_errors", len(run.Errors)),
			)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return summary, eris.Wrap(err, "batch processing")
	}

	summary = batchSummary{Completed: completed.Load(), Partial: partial.Load(), Failed: failed.Load()}
	zap.L().Info("batch complete",
		zap.Int64("completed", summary.Completed),
		zap.Int64("partial", summary.Partial),
		zap.Int64("failed", summary.Failed),
	)
	return summary, nil
}

// requestQueue is the part of the tracker the scheduler drains.
type requestQueue interface {
	Pending(ctx context.Context) []model.Request
	RunSync(ctx context.Context, id string) (*model.Status, error)
}

// drainPending runs every scheduled request and returns how many ran.
func drainPending(ctx context.Context, q requestQueue, concurrency int) (int, error) {
	pending := q.Pending(ctx)
	if len(pending) == 0 {
		return 0, nil
	}
	if concurrency < 1 {
		concurrency = 1
	}

	zap.L().Info("draining scheduled requests", zap.Int("requests", len(pending)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var ran atomic.Int64
	for _, req := range pending {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			st, err := q.RunSync(gctx, req.ID)
			if err != nil {
				zap.L().Warn("scheduled request lost", zap.String("request_id", req.ID), zap.Error(err))
				return nil
			}
			ran.Add(1)
			zap.L().Info("scheduled request finished",
				zap.String("request_id", req.ID),
				zap.String("status", string(st.Status)),
			)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(ran.Load()), eris.Wrap(err, "drain pending")
	}
	return int(ran.Load()), nil
}
