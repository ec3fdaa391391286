package analysis

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/repusense/internal/config"
	"github.com/sells-group/repusense/internal/model"
)

// FromConfig builds the analyzer set for the configured model service.
// Engagement is always built in. Without an endpoint, topic and sentiment
// are left unconfigured and keyword falls back to term frequency when
// allowed.
func FromConfig(cfg config.AnalysisConfig) Set {
	set := NewSet(EngagementAnalyzer{})

	if cfg.Endpoint != "" {
		hc := &http.Client{Timeout: time.Duration(cfg.TimeoutSecs) * time.Second}
		for _, st := range []model.Stage{model.StageTopic, model.StageSentiment, model.StageKeyword} {
			set[st] = NewServiceAnalyzer(st, cfg.Endpoint, WithAPIKey(cfg.Key), WithHTTPClient(hc))
		}
		return set
	}

	if cfg.KeywordFallback {
		set[model.StageKeyword] = FrequencyKeywordAnalyzer{PerText: cfg.KeywordsPerText}
	}
	zap.L().Info("analysis: no model service endpoint configured",
		zap.Any("stages", set.Stages()),
	)
	return set
}
