package model

import (
	"encoding/json"

	"github.com/rotisserie/eris"
)

// Zone is one of the fixed areas of a company workspace.
type Zone string

const (
	ZoneRaw       Zone = "raw"
	ZoneProcessed Zone = "processed"
	ZoneResults   Zone = "results"
	ZonePublished Zone = "published"
	ZoneRequests  Zone = "requests"
)

// Zones lists every zone.
var Zones = []Zone{ZoneRaw, ZoneProcessed, ZoneResults, ZonePublished, ZoneRequests}

// Well-known artifact names.
const (
	ArtifactProcessedPosts = "processed_posts.json"
	ArtifactNLPReady       = "nlp_ready_data.json"

	ArtifactTopicDistribution  = "topic_distribution.json"
	ArtifactTopicKeywords      = "topic_keywords.json"
	ArtifactTopicInfo          = "topic_info.json"
	ArtifactDocumentsTopics    = "documents_with_topics.json"
	ArtifactSentimentResults   = "sentiment_results.json"
	ArtifactDocumentsSentiment = "documents_with_sentiment.json"
	ArtifactKeywordResults     = "keyword_results.json"
	ArtifactWordCloudData      = "word_cloud_data.json"
	ArtifactWordCloudImage     = "wordcloud.png"
	ArtifactDocumentsKeywords  = "documents_with_keywords.json"
	ArtifactEngagementResults  = "engagement_results.json"
	ArtifactEngagementAnalysis = "engagement_analysis.json"

	ArtifactCompanyInfo = "company_info.json"
)

// Published names, keyed by the kind the query API serves.
const (
	PublishedTopics      = "topics"
	PublishedSentiment   = "sentiment"
	PublishedKeywords    = "keywords"
	PublishedEngagement  = "engagement"
	PublishedWordCloud   = "wordcloud"
	PublishedCompanyInfo = "company_info"
)

// PublishSource maps a published kind to the stage artifact it is copied from.
type PublishSource struct {
	Kind     string
	Stage    Stage
	Artifact string
}

// PublishSources is the fixed results-to-published mapping in publish order.
var PublishSources = []PublishSource{
	{Kind: PublishedTopics, Stage: StageTopic, Artifact: ArtifactTopicDistribution},
	{Kind: PublishedSentiment, Stage: StageSentiment, Artifact: ArtifactSentimentResults},
	{Kind: PublishedKeywords, Stage: StageKeyword, Artifact: ArtifactKeywordResults},
	{Kind: PublishedEngagement, Stage: StageEngagement, Artifact: ArtifactEngagementResults},
	{Kind: PublishedWordCloud, Stage: StageKeyword, Artifact: ArtifactWordCloudData},
}

// PublishedName returns the file name of a published kind.
func PublishedName(kind string) string {
	return kind + ".json"
}

// Artifact is one named output of a stage.
type Artifact struct {
	Name    string
	Content []byte
}

// StageOutput is what an analyzer returns: an ordered list of artifacts.
type StageOutput struct {
	Artifacts []Artifact
}

// Add appends raw content under name.
func (o *StageOutput) Add(name string, content []byte) {
	o.Artifacts = append(o.Artifacts, Artifact{Name: name, Content: content})
}

// AddJSON encodes v as indented JSON and appends it under name.
func (o *StageOutput) AddJSON(name string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return eris.Wrapf(err, "model: marshal artifact %s", name)
	}
	o.Add(name, b)
	return nil
}

// Names returns the artifact names in output order.
func (o *StageOutput) Names() []string {
	names := make([]string, 0, len(o.Artifacts))
	for _, a := range o.Artifacts {
		names = append(names, a.Name)
	}
	return names
}

// ArtifactRef addresses one artifact in a company workspace. Stage is only
// meaningful in the results zone.
type ArtifactRef struct {
	Zone    Zone   `json:"zone"`
	Company string `json:"company"`
	Stage   Stage  `json:"stage,omitempty"`
	Name    string `json:"name"`
}

// Locations is where an artifact was written. Remote is empty when the
// object store is disabled or the remote write failed.
type Locations struct {
	Local  string `json:"local"`
	Remote string `json:"remote,omitempty"`
}
