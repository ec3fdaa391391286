// Package analysis defines the contract every analysis stage implements and
// the analyzers shipped with repusense.
package analysis

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/repusense/internal/model"
)

// Analyzer turns the flattened text records of one company into the named
// artifacts of a single analysis stage.
type Analyzer interface {
	// Stage returns the stage this analyzer serves.
	Stage() model.Stage
	// Analyze runs the stage over records. Artifacts are returned in the
	// order they should be persisted.
	Analyze(ctx context.Context, company string, records []model.TextRecord) (*model.StageOutput, error)
}

// Set maps analysis stages to their analyzers.
type Set map[model.Stage]Analyzer

// NewSet indexes analyzers by stage. A later analyzer for the same stage
// replaces an earlier one.
func NewSet(analyzers ...Analyzer) Set {
	s := make(Set, len(analyzers))
	for _, a := range analyzers {
		if a != nil {
			s[a.Stage()] = a
		}
	}
	return s
}

// For returns the analyzer for stage, or an ErrStage error when none is
// configured.
func (s Set) For(stage model.Stage) (Analyzer, error) {
	a, ok := s[stage]
	if !ok {
		return nil, eris.Wrapf(model.ErrStage, "analysis: no analyzer configured for stage %s", stage)
	}
	return a, nil
}

// Stages lists the configured stages in pipeline order.
func (s Set) Stages() []model.Stage {
	var out []model.Stage
	for _, st := range model.AnalysisStages {
		if _, ok := s[st]; ok {
			out = append(out, st)
		}
	}
	return out
}
