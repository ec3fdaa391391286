// Package pipeline runs one company through fetch, preprocess, the four
// analysis stages and publish.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/repusense/internal/analysis"
	"github.com/sells-group/repusense/internal/fetcher"
	"github.com/sells-group/repusense/internal/model"
	"github.com/sells-group/repusense/internal/preprocess"
	"github.com/sells-group/repusense/internal/resultstore"
	"github.com/sells-group/repusense/internal/workspace"
)

// Preprocessor cleans raw-zone content.
type Preprocessor interface {
	Run(raw []byte) (*preprocess.Output, error)
}

// RunLog records finished runs.
type RunLog interface {
	RecordRun(ctx context.Context, run *model.PipelineRun) error
}

// RunInput is one orchestrator invocation.
type RunInput struct {
	Company string
	// DateRange defaults to month-to-date when nil.
	DateRange *model.DateRange
	Skip      model.StageSet
	// UseExisting replaces the fetch with ExistingFile, or with the newest
	// raw artifact when ExistingFile is empty.
	UseExisting  bool
	ExistingFile string
}

// Pipeline orchestrates the stages of a company run.
type Pipeline struct {
	ws          *workspace.Workspace
	store       *resultstore.Store
	source      fetcher.Source
	prep        Preprocessor
	analyzers   analysis.Set
	maxParallel int
	now         func() time.Time
	runLog      RunLog
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMaxParallelStages bounds how many analysis stages run at once. One
// runs them strictly in pipeline order.
func WithMaxParallelStages(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxParallel = n
		}
	}
}

// WithClock overrides the processing-time clock.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// WithRunLog records every finished run in l.
func WithRunLog(l RunLog) Option {
	return func(p *Pipeline) { p.runLog = l }
}

// New creates a Pipeline.
func New(
	ws *workspace.Workspace,
	st *resultstore.Store,
	source fetcher.Source,
	prep Preprocessor,
	analyzers analysis.Set,
	opts ...Option,
) *Pipeline {
	p := &Pipeline{
		ws:          ws,
		store:       st,
		source:      source,
		prep:        prep,
		analyzers:   analyzers,
		maxParallel: len(model.AnalysisStages),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes one pipeline run for in.Company. Fetch and preprocess
// failures are fatal and returned alongside the partial run; analysis and
// publish failures are recorded on the run and do not produce an error.
func (p *Pipeline) Run(ctx context.Context, in RunInput) (*model.PipelineRun, error) {
	query := strings.TrimSpace(in.Company)
	company, err := workspace.NormalizeCompany(query)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: company")
	}

	now := p.now().UTC()
	dr := model.MonthToDate(now)
	if in.DateRange != nil {
		dr = *in.DateRange
	}
	if err := dr.Validate(); err != nil {
		return nil, eris.Wrap(err, "pipeline: date range")
	}
	if in.ExistingFile != "" && !in.UseExisting {
		return nil, eris.Wrap(model.ErrConfiguration, "pipeline: existing file given without use-existing")
	}

	log := zap.L().With(
		zap.String("company", company),
		zap.String("start_date", dr.StartString()),
		zap.String("end_date", dr.EndString()),
	)
	log.Info("pipeline: starting run")

	run := &model.PipelineRun{
		ID:        uuid.New().String(),
		Company:   company,
		Query:     query,
		DateRange: dr,
		StartedAt: now,
		Stages:    []model.StageResult{},
		Errors:    make(map[model.Stage]string),
		Published: make(map[string]model.Locations),
	}
	if len(in.Skip) > 0 {
		run.Skipped = in.Skip.Slice()
	}

	var mu sync.Mutex
	setState := func(state model.RunState, stage model.Stage) {
		mu.Lock()
		run.State = state
		run.States = append(run.States, model.StateTransition{State: state, Stage: stage, At: p.now().UTC()})
		mu.Unlock()
		log.Info("pipeline: state", zap.String("state", string(state)), zap.String("stage", string(stage)))
	}
	setState(model.RunStatePending, "")

	finish := func(fatal error) (*model.PipelineRun, error) {
		run.CompletedAt = p.now().UTC()
		if fatal != nil {
			run.Error = fatal.Error()
			setState(model.RunStateFailed, "")
		} else {
			setState(model.RunStateCompleted, "")
		}
		p.record(ctx, run)
		log.Info("pipeline: run finished",
			zap.String("run_id", run.ID),
			zap.String("state", string(run.State)),
			zap.Int("stage_errors", len(run.Errors)),
			zap.Duration("duration", run.Duration()),
		)
		return run, fatal
	}

	// trackStage times fn, converts panics to errors and records the result.
	trackStage := func(stage model.Stage, fn func() (map[string]model.Locations, error)) model.StageResult {
		start := time.Now()
		artifacts, fnErr := safeCall(stage, fn)
		res := model.StageResult{
			Stage:      stage,
			DurationMS: time.Since(start).Milliseconds(),
			Artifacts:  artifacts,
		}
		if fnErr != nil {
			res.Status = model.StageStatusFailed
			res.Error = fnErr.Error()
			res.ErrorKind = model.ErrorKind(fnErr)
			log.Error("pipeline: stage failed",
				zap.String("stage", string(stage)),
				zap.Int64("duration_ms", res.DurationMS),
				zap.Error(fnErr),
			)
		} else {
			res.Status = model.StageStatusComplete
			log.Info("pipeline: stage complete",
				zap.String("stage", string(stage)),
				zap.Int64("duration_ms", res.DurationMS),
				zap.Int("artifacts", len(artifacts)),
			)
		}
		return res
	}
	addResult := func(res model.StageResult) {
		mu.Lock()
		run.Stages = append(run.Stages, res)
		if res.Status == model.StageStatusFailed {
			run.Errors[res.Stage] = res.Error
		}
		mu.Unlock()
	}
	skipped := func(stage model.Stage) {
		log.Info("pipeline: stage skipped", zap.String("stage", string(stage)))
		addResult(model.StageResult{Stage: stage, Status: model.StageStatusSkipped})
	}

	// ===== Fetch =====
	var raw *rawData
	if in.Skip.Has(model.StageFetch) {
		skipped(model.StageFetch)
	} else {
		setState(model.RunStateFetching, model.StageFetch)
		var fatal error
		res := trackStage(model.StageFetch, func() (map[string]model.Locations, error) {
			r, sources, locs, err := p.fetch(ctx, company, query, dr, in, now)
			if err != nil {
				fatal = fatalAs(model.ErrFetch, err)
				return nil, fatal
			}
			raw = r
			run.Sources = sources
			return map[string]model.Locations{r.ref.Name: locs}, nil
		})
		addResult(res)
		if res.Status == model.StageStatusFailed {
			if fatal == nil {
				fatal = fmt.Errorf("%w: %s", model.ErrFetch, res.Error)
			}
			return finish(fatal)
		}
	}

	// ===== Preprocess =====
	nlpRef := model.ArtifactRef{Zone: model.ZoneProcessed, Company: company, Name: model.ArtifactNLPReady}
	var records []model.TextRecord
	if in.Skip.Has(model.StagePreprocess) {
		skipped(model.StagePreprocess)
	} else {
		setState(model.RunStatePreprocessing, model.StagePreprocess)
		var fatal error
		res := trackStage(model.StagePreprocess, func() (map[string]model.Locations, error) {
			locs, recs, err := p.preprocess(ctx, company, raw, nlpRef)
			if err != nil {
				fatal = fatalAs(model.ErrPreprocess, err)
				return nil, fatal
			}
			records = recs
			return locs, nil
		})
		addResult(res)
		if res.Status == model.StageStatusFailed {
			if fatal == nil {
				fatal = fmt.Errorf("%w: %s", model.ErrPreprocess, res.Error)
			}
			return finish(fatal)
		}
	}

	// ===== Analysis =====
	var toRun []model.Stage
	for _, s := range model.AnalysisStages {
		if in.Skip.Has(s) {
			skipped(s)
			continue
		}
		toRun = append(toRun, s)
	}
	outputs := newStageOutputs()
	if len(toRun) > 0 {
		setState(model.RunStateAnalyzing, "")
		for _, res := range p.analyze(ctx, company, nlpRef, records, toRun, outputs, trackStage) {
			addResult(res)
		}
	}

	// ===== Publish =====
	if in.Skip.Has(model.StagePublish) {
		skipped(model.StagePublish)
	} else {
		setState(model.RunStatePublishing, model.StagePublish)
		res := trackStage(model.StagePublish, func() (map[string]model.Locations, error) {
			return p.publish(ctx, run, outputs, now)
		})
		addResult(res)
		for name, locs := range res.Artifacts {
			run.Published[name] = locs
		}
	}

	return finish(nil)
}

func (p *Pipeline) record(ctx context.Context, run *model.PipelineRun) {
	if p.runLog == nil {
		return
	}
	if err := p.runLog.RecordRun(context.WithoutCancel(ctx), run); err != nil {
		zap.L().Warn("pipeline: failed to record run", zap.String("run_id", run.ID), zap.Error(err))
	}
}

// fatalAs tags err with class unless it already carries a fatal class.
func fatalAs(class, err error) error {
	if model.IsFatal(err) {
		return err
	}
	return fmt.Errorf("%w: %w", class, err)
}

// safeCall runs fn and turns a panic into a stage error.
func safeCall(stage model.Stage, fn func() (map[string]model.Locations, error)) (artifacts map[string]model.Locations, err error) {
	defer func() {
		if r := recover(); r != nil {
			artifacts = nil
			err = eris.Wrapf(model.ErrStage, "pipeline: stage %s panicked: %v", stage, r)
		}
	}()
	return fn()
}
