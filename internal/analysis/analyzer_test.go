package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/repusense/internal/config"
	"github.com/sells-group/repusense/internal/model"
)

func postsWithComments(counts ...int) []model.TextRecord {
	var posts []model.ProcessedPost
	for i, n := range counts {
		p := model.ProcessedPost{PostID: i, PostText: "post text", CommentCount: n}
		for j := 0; j < n; j++ {
			p.Comments = append(p.Comments, "a comment")
		}
		posts = append(posts, p)
	}
	return model.Records(posts)
}

func TestSet_For(t *testing.T) {
	set := NewSet(EngagementAnalyzer{}, nil)

	a, err := set.For(model.StageEngagement)
	require.NoError(t, err)
	assert.Equal(t, model.StageEngagement, a.Stage())

	_, err = set.For(model.StageTopic)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrStage))
	assert.Contains(t, err.Error(), "no analyzer configured for stage topic")
}

func TestSet_StagesInPipelineOrder(t *testing.T) {
	set := NewSet(EngagementAnalyzer{}, FrequencyKeywordAnalyzer{})
	assert.Equal(t, []model.Stage{model.StageKeyword, model.StageEngagement}, set.Stages())
}

func TestFromConfig(t *testing.T) {
	t.Run("endpoint", func(t *testing.T) {
		set := FromConfig(config.AnalysisConfig{Endpoint: "http://nlp:9000", TimeoutSecs: 10})
		assert.Equal(t, model.AnalysisStages, set.Stages())
		_, ok := set[model.StageKeyword].(*ServiceAnalyzer)
		assert.True(t, ok)
		_, ok = set[model.StageEngagement].(EngagementAnalyzer)
		assert.True(t, ok)
	})

	t.Run("fallback", func(t *testing.T) {
		set := FromConfig(config.AnalysisConfig{KeywordFallback: true, KeywordsPerText: 3})
		assert.Equal(t, []model.Stage{model.StageKeyword, model.StageEngagement}, set.Stages())
		assert.Equal(t, FrequencyKeywordAnalyzer{PerText: 3}, set[model.StageKeyword])
	})

	t.Run("no fallback", func(t *testing.T) {
		set := FromConfig(config.AnalysisConfig{})
		assert.Equal(t, []model.Stage{model.StageEngagement}, set.Stages())
	})
}

func TestRankEngagement(t *testing.T) {
	rows := RankEngagement(postsWithComments(1, 3, 0, 3))

	require.Len(t, rows, 4)
	assert.Equal(t, []int{1, 3, 0, 2}, []int{rows[0].PostID, rows[1].PostID, rows[2].PostID, rows[3].PostID})
	assert.Equal(t, []int{3, 3, 1, 0}, []int{rows[0].CommentCount, rows[1].CommentCount, rows[2].CommentCount, rows[3].CommentCount})
	for i, r := range rows {
		assert.Equal(t, i+1, r.Rank)
		assert.Equal(t, "post text", r.PostText)
	}
}

func TestEngagementAnalyzer_Artifacts(t *testing.T) {
	out, err := EngagementAnalyzer{}.Analyze(context.Background(), "acme", postsWithComments(0, 2))
	require.NoError(t, err)
	assert.Equal(t, []string{model.ArtifactEngagementResults, model.ArtifactEngagementAnalysis}, out.Names())

	var results []EngagementResult
	require.NoError(t, json.Unmarshal(out.Artifacts[0].Content, &results))
	assert.Equal(t, []EngagementResult{{PostID: 1, CommentCount: 2}, {PostID: 0, CommentCount: 0}}, results)
}

func TestEngagementAnalyzer_EmptyInput(t *testing.T) {
	out, err := EngagementAnalyzer{}.Analyze(context.Background(), "acme", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(out.Artifacts[0].Content))
}

func TestExtractKeywords(t *testing.T) {
	got := ExtractKeywords("The network coverage is bad, coverage drops and the price is high. Price again, coverage!", 3)
	assert.Equal(t, []string{"coverage", "price", "network"}, got)

	assert.Empty(t, ExtractKeywords("it is what it is", 5))
	assert.Empty(t, ExtractKeywords("", 5))
	assert.Equal(t, []string{"fiber"}, ExtractKeywords("2024 fiber 100", 5))
}

func TestFrequencyKeywordAnalyzer(t *testing.T) {
	records := []model.TextRecord{
		{PostID: 0, TextType: model.TextTypePost, Text: "fiber internet speed is great"},
		{PostID: 0, TextType: model.TextTypeComment, Text: "it is"},
		{PostID: 1, TextType: model.TextTypePost, Text: "fiber installation delays"},
	}

	out, err := FrequencyKeywordAnalyzer{PerText: 2}.Analyze(context.Background(), "acme", records)
	require.NoError(t, err)
	assert.Equal(t, []string{model.ArtifactKeywordResults, model.ArtifactWordCloudData, model.ArtifactDocumentsKeywords}, out.Names())

	var results []KeywordResult
	require.NoError(t, json.Unmarshal(out.Artifacts[0].Content, &results))
	assert.Equal(t, []KeywordResult{
		{PostID: 0, Keywords: []string{"fiber", "internet"}},
		{PostID: 1, Keywords: []string{"fiber", "installation"}},
	}, results)

	var cloud []WordFrequency
	require.NoError(t, json.Unmarshal(out.Artifacts[1].Content, &cloud))
	require.NotEmpty(t, cloud)
	assert.Equal(t, WordFrequency{Word: "fiber", Frequency: 2}, cloud[0])

	var docs []map[string]any
	require.NoError(t, json.Unmarshal(out.Artifacts[2].Content, &docs))
	assert.Len(t, docs, 3)
	assert.Equal(t, "comment", docs[1]["text_type"])
}

func TestTopFrequencies_Truncates(t *testing.T) {
	counts := map[string]int{}
	for i := 0; i < 150; i++ {
		counts[string(rune('a'+i%26))+string(rune('a'+i/26))] = i
	}
	got := topFrequencies(counts, wordCloudSize)
	assert.Len(t, got, wordCloudSize)
	assert.Equal(t, 149, got[0].Frequency)
}
