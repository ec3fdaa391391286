package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/repusense/internal/analysis"
	"github.com/sells-group/repusense/internal/config"
	"github.com/sells-group/repusense/internal/fetcher"
	"github.com/sells-group/repusense/internal/pipeline"
	"github.com/sells-group/repusense/internal/preprocess"
	"github.com/sells-group/repusense/internal/resilience"
	"github.com/sells-group/repusense/internal/resultstore"
	"github.com/sells-group/repusense/internal/store"
	"github.com/sells-group/repusense/internal/tracker"
	"github.com/sells-group/repusense/internal/workspace"
)

// pipelineEnv holds the store, ledger, pipeline and tracker needed by the
// run/batch/serve commands.
type pipelineEnv struct {
	Workspace *workspace.Workspace
	Store     *resultstore.Store
	RunLog    store.RunLog // may be nil
	Pipeline  *pipeline.Pipeline
	Tracker   *tracker.Tracker
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Tracker != nil {
		_ = pe.Tracker.Close()
	}
	if pe.RunLog != nil {
		_ = pe.RunLog.Close()
	}
}

// initResultStore builds the result store over ws, with the object-storage
// backend when remote is enabled.
func initResultStore(ctx context.Context, ws *workspace.Workspace, remote config.RemoteConfig) (*resultstore.Store, error) {
	if !remote.Enabled {
		return resultstore.New(ws), nil
	}
	obj, err := resultstore.NewS3(ctx, remote)
	if err != nil {
		return nil, eris.Wrap(err, "init remote store")
	}
	zap.L().Info("remote result store enabled", zap.String("bucket", remote.Bucket))
	return resultstore.New(ws, resultstore.WithRemote(obj, resilience.RemoteBreaker(remote))), nil
}

// initPipeline validates cfg for mode and wires the pipeline with its
// collaborators. Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	ws := workspace.New(workspace.LayoutFromConfig(cfg.Workspace))
	st, err := initResultStore(ctx, ws, cfg.Remote)
	if err != nil {
		return nil, err
	}

	rl, err := store.Open(ctx, cfg.RunLog)
	if err != nil {
		return nil, eris.Wrap(err, "open run log")
	}

	opts := []pipeline.Option{pipeline.WithMaxParallelStages(cfg.Pipeline.MaxParallelStages)}
	if rl != nil {
		opts = append(opts, pipeline.WithRunLog(rl))
	}
	analyzers := analysis.FromConfig(cfg.Analysis)
	p := pipeline.New(ws, st, fetcher.FromConfig(cfg.Reddit, cfg.News), preprocess.New(), analyzers, opts...)

	zap.L().Debug("pipeline configured",
		zap.Int("analyzers", len(analyzers.Stages())),
		zap.Bool("remote", st.RemoteEnabled()),
		zap.Bool("run_log", rl != nil),
	)

	env := &pipelineEnv{
		Workspace: ws,
		Store:     st,
		RunLog:    rl,
		Pipeline:  p,
		Tracker:   tracker.New(st, p),
	}
	if err := env.Tracker.Load(ctx); err != nil {
		env.Close()
		return nil, eris.Wrap(err, "load requests")
	}
	return env, nil
}
