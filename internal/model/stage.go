package model

import (
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

// Stage is one unit of the analysis pipeline.
type Stage string

const (
	StageFetch      Stage = "fetch"
	StagePreprocess Stage = "preprocess"
	StageTopic      Stage = "topic"
	StageSentiment  Stage = "sentiment"
	StageKeyword    Stage = "keyword"
	StageEngagement Stage = "engagement"
	StagePublish    Stage = "publish"
)

// Stages lists every stage in execution order.
var Stages = []Stage{
	StageFetch,
	StagePreprocess,
	StageTopic,
	StageSentiment,
	StageKeyword,
	StageEngagement,
	StagePublish,
}

// AnalysisStages lists the independent analysis stages in their fixed order.
var AnalysisStages = []Stage{
	StageTopic,
	StageSentiment,
	StageKeyword,
	StageEngagement,
}

var stageResultDirs = map[Stage]string{
	StageTopic:      "topics",
	StageSentiment:  "sentiment",
	StageKeyword:    "keywords",
	StageEngagement: "engagement",
}

// ParseStage converts a stage name into a Stage.
func ParseStage(name string) (Stage, error) {
	s := Stage(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range Stages {
		if s == known {
			return s, nil
		}
	}
	return "", eris.Wrapf(ErrConfiguration, "unknown stage %q", name)
}

// IsAnalysis reports whether s is one of the four analysis stages.
func (s Stage) IsAnalysis() bool {
	_, ok := stageResultDirs[s]
	return ok
}

// ResultsDir returns the directory name used under the results zone. Stages
// without a results subtree return an empty string.
func (s Stage) ResultsDir() string {
	return stageResultDirs[s]
}

// order returns the position of s in Stages, or len(Stages) when unknown.
func (s Stage) order() int {
	for i, known := range Stages {
		if s == known {
			return i
		}
	}
	return len(Stages)
}

// StageSet is an unordered set of stages.
type StageSet map[Stage]struct{}

// NewStageSet builds a set from the given stages.
func NewStageSet(stages ...Stage) StageSet {
	set := make(StageSet, len(stages))
	for _, s := range stages {
		set[s] = struct{}{}
	}
	return set
}

// Has reports whether s is in the set. A nil set contains nothing.
func (ss StageSet) Has(s Stage) bool {
	_, ok := ss[s]
	return ok
}

// Add inserts s into the set.
func (ss StageSet) Add(s Stage) {
	ss[s] = struct{}{}
}

// Slice returns the members in pipeline order.
func (ss StageSet) Slice() []Stage {
	out := make([]Stage, 0, len(ss))
	for s := range ss {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].order() < out[j].order() })
	return out
}

// StageStatus is the terminal state of a stage within one run.
type StageStatus string

const (
	StageStatusComplete StageStatus = "complete"
	StageStatusFailed   StageStatus = "failed"
	StageStatusSkipped  StageStatus = "skipped"
)
