package pipeline

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/repusense/internal/fetcher"
	"github.com/sells-group/repusense/internal/model"
)

// rawData is the raw artifact chosen by fetch, kept in memory for
// preprocess.
type rawData struct {
	ref     model.ArtifactRef
	content []byte
}

// fetch writes the run's raw posts to the raw zone and returns them together
// with the names of the sources that produced them.
func (p *Pipeline) fetch(
	ctx context.Context,
	company, query string,
	dr model.DateRange,
	in RunInput,
	now time.Time,
) (*rawData, []string, model.Locations, error) {
	ref := model.ArtifactRef{Zone: model.ZoneRaw, Company: company}

	var content []byte
	var sources []string
	switch {
	case in.ExistingFile != "":
		b, err := fetcher.ReadExisting(in.ExistingFile)
		if err != nil {
			return nil, nil, model.Locations{}, err
		}
		content = b
		ref.Name = fetcher.ExistingFileName(company, now)
		sources = []string{fetcher.ExistingPrefix}

	case in.UseExisting:
		names, err := p.store.List(ctx, ref)
		if err != nil {
			return nil, nil, model.Locations{}, err
		}
		latest, ok := fetcher.LatestRawFile(names)
		if !ok {
			return nil, nil, model.Locations{}, eris.Wrapf(model.ErrMissingInput, "pipeline: no raw data stored for %s", company)
		}
		ref.Name = latest
		b, err := p.store.GetRef(ctx, ref)
		if err != nil {
			return nil, nil, model.Locations{}, eris.Wrapf(model.ErrMissingInput, "pipeline: read %s: %v", latest, err)
		}
		if _, err := fetcher.DecodeRaw(b); err != nil {
			return nil, nil, model.Locations{}, err
		}
		zap.L().Info("pipeline: reusing stored raw data", zap.String("company", company), zap.String("file", latest))
		// Already stored; nothing to write.
		var locs model.Locations
		if loc, err := p.ws.ResolveRef(ref); err == nil {
			if _, err := os.Stat(loc.Path(latest)); err == nil {
				locs.Local = loc.Path(latest)
			}
		}
		return &rawData{ref: ref, content: b}, []string{fetcher.ExistingPrefix}, locs, nil

	default:
		if p.source == nil {
			return nil, nil, model.Locations{}, eris.Wrap(model.ErrConfiguration, "pipeline: no content source configured")
		}
		posts, err := p.source.Fetch(ctx, query, dr)
		if err != nil {
			return nil, nil, model.Locations{}, err
		}
		b, err := fetcher.EncodeRaw(posts)
		if err != nil {
			return nil, nil, model.Locations{}, err
		}
		content = b
		ref.Name = fetcher.RawFileName(p.source.Name(), company, dr, now)
		sources = sourceNames(p.source)
		zap.L().Info("pipeline: fetched posts", zap.String("company", company), zap.Int("posts", len(posts)))
	}

	locs, err := p.store.PutRef(ctx, ref, content)
	if err != nil {
		return nil, nil, model.Locations{}, err
	}
	return &rawData{ref: ref, content: content}, sources, locs, nil
}

func sourceNames(src fetcher.Source) []string {
	if m, ok := src.(interface{ Names() []string }); ok {
		return m.Names()
	}
	return []string{src.Name()}
}

// preprocess cleans raw, or the newest stored raw artifact when fetch was
// skipped, writes the processed zone and returns the analysis records.
func (p *Pipeline) preprocess(
	ctx context.Context,
	company string,
	raw *rawData,
	nlpRef model.ArtifactRef,
) (map[string]model.Locations, []model.TextRecord, error) {
	if p.prep == nil {
		return nil, nil, eris.Wrap(model.ErrConfiguration, "pipeline: no preprocessor configured")
	}

	if raw == nil {
		stored, err := p.storedRaw(ctx, company)
		if err != nil {
			return nil, nil, err
		}
		raw = stored
	}

	out, err := p.prep.Run(raw.content)
	if err != nil {
		return nil, nil, err
	}

	processedRef := model.ArtifactRef{Zone: model.ZoneProcessed, Company: company, Name: model.ArtifactProcessedPosts}
	artifacts := make(map[string]model.Locations, 2)
	locs, err := p.store.PutJSON(ctx, processedRef, out.Posts)
	if err != nil {
		return nil, nil, err
	}
	artifacts[processedRef.Name] = locs

	locs, err = p.store.PutJSON(ctx, nlpRef, out.Records)
	if err != nil {
		return nil, nil, err
	}
	artifacts[nlpRef.Name] = locs

	records := out.Records
	if records == nil {
		records = []model.TextRecord{}
	}
	return artifacts, records, nil
}

// storedRaw reads the newest raw artifact of company from the store.
func (p *Pipeline) storedRaw(ctx context.Context, company string) (*rawData, error) {
	ref := model.ArtifactRef{Zone: model.ZoneRaw, Company: company}
	names, err := p.store.List(ctx, ref)
	if err != nil {
		return nil, err
	}
	latest, ok := fetcher.LatestRawFile(names)
	if !ok {
		return nil, eris.Wrapf(model.ErrMissingInput, "pipeline: no raw data for %s", company)
	}
	ref.Name = latest

	content, err := p.store.GetRef(ctx, ref)
	if errors.Is(err, model.ErrNotFound) {
		return nil, eris.Wrapf(model.ErrMissingInput, "pipeline: raw data %s: %v", ref.Name, err)
	}
	if err != nil {
		return nil, err
	}
	return &rawData{ref: ref, content: content}, nil
}

// stageOutputs holds the artifact contents produced during one run. Later
// stages read from here rather than back from the store, whose remote copy
// may predate this run.
type stageOutputs struct {
	mu       sync.Mutex
	contents map[model.Stage]map[string][]byte
}

func newStageOutputs() *stageOutputs {
	return &stageOutputs{contents: make(map[model.Stage]map[string][]byte)}
}

func (o *stageOutputs) add(stage model.Stage, name string, content []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.contents[stage] == nil {
		o.contents[stage] = make(map[string][]byte)
	}
	o.contents[stage][name] = content
}

func (o *stageOutputs) get(stage model.Stage, name string) ([]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	b, ok := o.contents[stage][name]
	return b, ok
}

// analyze runs stages against records. A nil records slice means preprocess
// was skipped and the stored nlp_ready_data is used. Results come back in
// pipeline order regardless of completion order.
func (p *Pipeline) analyze(
	ctx context.Context,
	company string,
	nlpRef model.ArtifactRef,
	records []model.TextRecord,
	stages []model.Stage,
	outputs *stageOutputs,
	track func(model.Stage, func() (map[string]model.Locations, error)) model.StageResult,
) []model.StageResult {
	var inputErr error
	if records == nil {
		if err := p.store.GetJSON(ctx, nlpRef, &records); err != nil {
			inputErr = eris.Wrapf(model.ErrMissingInput, "pipeline: %s: %v", nlpRef.Name, err)
		}
	}

	results := make([]model.StageResult, len(stages))
	g := new(errgroup.Group)
	g.SetLimit(p.maxParallel)
	for i, stage := range stages {
		g.Go(func() error {
			results[i] = track(stage, func() (map[string]model.Locations, error) {
				if inputErr != nil {
					return nil, inputErr
				}
				return p.runAnalyzer(ctx, company, stage, records, outputs)
			})
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// runAnalyzer runs one analysis stage and persists every artifact it emits.
// The stage is complete only once all of them are stored; only then are the
// contents handed to outputs.
func (p *Pipeline) runAnalyzer(
	ctx context.Context,
	company string,
	stage model.Stage,
	records []model.TextRecord,
	outputs *stageOutputs,
) (map[string]model.Locations, error) {
	a, err := p.analyzers.For(stage)
	if err != nil {
		return nil, err
	}
	out, err := a.Analyze(ctx, company, records)
	if err != nil {
		if errors.Is(err, model.ErrStage) {
			return nil, err
		}
		return nil, eris.Wrapf(model.ErrStage, "pipeline: %s: %v", stage, err)
	}
	if out == nil || len(out.Artifacts) == 0 {
		return nil, eris.Wrapf(model.ErrStage, "pipeline: %s produced no artifacts", stage)
	}

	artifacts := make(map[string]model.Locations, len(out.Artifacts))
	for _, art := range out.Artifacts {
		locs, err := p.store.Put(ctx, company, stage, art.Name, art.Content)
		if err != nil {
			return nil, err
		}
		artifacts[art.Name] = locs
	}
	for _, art := range out.Artifacts {
		outputs.add(stage, art.Name, art.Content)
	}
	return artifacts, nil
}

type companyInfo struct {
	Name              string   `json:"name"`
	AnalysisTimestamp string   `json:"analysis_timestamp"`
	DataSources       []string `json:"data_sources"`
}

// publish copies the artifacts the stages of run produced into the
// published zone and writes the company summary. A kind this run did not
// produce has its previously published file removed, so the published zone
// never mixes runs.
func (p *Pipeline) publish(ctx context.Context, run *model.PipelineRun, outputs *stageOutputs, now time.Time) (map[string]model.Locations, error) {
	published := make(map[string]model.Locations)
	for _, src := range model.PublishSources {
		ref := model.ArtifactRef{Zone: model.ZonePublished, Company: run.Company, Name: model.PublishedName(src.Kind)}

		content, ok := outputs.get(src.Stage, src.Artifact)
		switch {
		case !run.Succeeded(src.Stage):
			p.unpublish(ctx, ref)
			continue
		case !ok:
			zap.L().Warn("pipeline: stage artifact missing, not published",
				zap.String("company", run.Company),
				zap.String("stage", string(src.Stage)),
				zap.String("artifact", src.Artifact),
			)
			p.unpublish(ctx, ref)
			continue
		}

		locs, err := p.store.PutRef(ctx, ref, content)
		if err != nil {
			return published, err
		}
		published[ref.Name] = locs
	}

	sources := run.Sources
	if sources == nil {
		sources = []string{}
	}
	info := companyInfo{
		Name:              run.Query,
		AnalysisTimestamp: now.Format(time.RFC3339),
		DataSources:       sources,
	}
	ref := model.ArtifactRef{Zone: model.ZonePublished, Company: run.Company, Name: model.ArtifactCompanyInfo}
	locs, err := p.store.PutJSON(ctx, ref, info)
	if err != nil {
		return published, err
	}
	published[ref.Name] = locs
	return published, nil
}

// unpublish removes a published file left by an earlier run. Failure is
// logged; the run's own outputs are unaffected.
func (p *Pipeline) unpublish(ctx context.Context, ref model.ArtifactRef) {
	if err := p.store.DeleteRef(ctx, ref); err != nil {
		zap.L().Warn("pipeline: could not remove stale published file",
			zap.String("company", ref.Company),
			zap.String("name", ref.Name),
			zap.Error(err),
		)
	}
}
