// Package fetcher collects raw posts about a company from the configured
// content sources.
package fetcher

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/repusense/internal/config"
	"github.com/sells-group/repusense/internal/model"
)

// Source returns the raw posts mentioning a company within a date range.
type Source interface {
	// Name is used as the raw file prefix and in data_sources.
	Name() string
	Fetch(ctx context.Context, company string, dr model.DateRange) ([]model.RawPost, error)
}

// Multi fetches from several sources and concatenates their posts in
// source order. It fails only when every source fails.
type Multi struct {
	sources []Source
}

var _ Source = (*Multi)(nil)

// NewMulti combines sources. Nil sources are dropped.
func NewMulti(sources ...Source) *Multi {
	m := &Multi{}
	for _, s := range sources {
		if s != nil {
			m.sources = append(m.sources, s)
		}
	}
	return m
}

// Name joins the source names, e.g. "reddit_news".
func (m *Multi) Name() string {
	return strings.Join(m.Names(), "_")
}

// Names lists the source names in order.
func (m *Multi) Names() []string {
	names := make([]string, 0, len(m.sources))
	for _, s := range m.sources {
		names = append(names, s.Name())
	}
	return names
}

// Fetch implements Source.
func (m *Multi) Fetch(ctx context.Context, company string, dr model.DateRange) ([]model.RawPost, error) {
	if len(m.sources) == 0 {
		return nil, eris.Wrap(model.ErrConfiguration, "fetcher: no content sources configured")
	}

	var (
		posts    []model.RawPost
		failures []string
		lastErr  error
	)
	for _, s := range m.sources {
		got, err := s.Fetch(ctx, company, dr)
		if err != nil {
			if ctx.Err() != nil {
				return nil, eris.Wrap(ctx.Err(), "fetcher: cancelled")
			}
			zap.L().Warn("fetcher: source failed",
				zap.String("source", s.Name()),
				zap.String("company", company),
				zap.Error(err),
			)
			failures = append(failures, s.Name())
			lastErr = err
			continue
		}
		for i := range got {
			if got[i].Source == "" {
				got[i].Source = s.Name()
			}
		}
		posts = append(posts, got...)
	}

	if len(failures) == len(m.sources) {
		return nil, eris.Wrapf(lastErr, "fetcher: all sources failed (%s)", strings.Join(failures, ", "))
	}
	if posts == nil {
		posts = []model.RawPost{}
	}
	return posts, nil
}

// FromConfig builds the content sources: Reddit always, NewsAPI when enabled.
func FromConfig(reddit config.RedditConfig, news config.NewsConfig) *Multi {
	sources := []Source{NewReddit(reddit)}
	if news.Enabled {
		sources = append(sources, NewNews(news))
	}
	return NewMulti(sources...)
}
