package analysis

import (
	"context"
	"sort"

	"github.com/sells-group/repusense/internal/model"
)

// EngagementResult is one row of engagement_results.json.
type EngagementResult struct {
	PostID       int `json:"post_id"`
	CommentCount int `json:"comment_count"`
}

// EngagementRow is one row of engagement_analysis.json.
type EngagementRow struct {
	PostID       int    `json:"post_id"`
	PostText     string `json:"post_text"`
	CommentCount int    `json:"comment_count"`
	Rank         int    `json:"rank"`
}

// EngagementAnalyzer ranks posts by how many comments they drew. It needs no
// model service.
type EngagementAnalyzer struct{}

var _ Analyzer = EngagementAnalyzer{}

// Stage implements Analyzer.
func (EngagementAnalyzer) Stage() model.Stage { return model.StageEngagement }

// Analyze implements Analyzer.
func (EngagementAnalyzer) Analyze(ctx context.Context, _ string, records []model.TextRecord) (*model.StageOutput, error) {
	rows := RankEngagement(records)

	results := make([]EngagementResult, len(rows))
	for i, r := range rows {
		results[i] = EngagementResult{PostID: r.PostID, CommentCount: r.CommentCount}
	}

	out := &model.StageOutput{}
	if err := out.AddJSON(model.ArtifactEngagementResults, results); err != nil {
		return nil, err
	}
	if err := out.AddJSON(model.ArtifactEngagementAnalysis, rows); err != nil {
		return nil, err
	}
	return out, ctx.Err()
}

// RankEngagement counts comment records per post and orders posts by
// comment count, highest first. Ties keep post order. Ranks start at 1.
func RankEngagement(records []model.TextRecord) []EngagementRow {
	index := make(map[int]int)
	var rows []EngagementRow
	row := func(id int) *EngagementRow {
		i, ok := index[id]
		if !ok {
			i = len(rows)
			index[id] = i
			rows = append(rows, EngagementRow{PostID: id})
		}
		return &rows[i]
	}

	for _, rec := range records {
		r := row(rec.PostID)
		switch rec.TextType {
		case model.TextTypePost:
			r.PostText = rec.Text
		case model.TextTypeComment:
			r.CommentCount++
		}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].CommentCount > rows[j].CommentCount
	})
	for i := range rows {
		rows[i].Rank = i + 1
	}
	if rows == nil {
		rows = []EngagementRow{}
	}
	return rows
}
