package fetcher

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/repusense/internal/config"
	"github.com/sells-group/repusense/internal/model"
)

// News queries the NewsAPI /everything endpoint. Articles become posts
// without comments.
type News struct {
	apiKey   string
	baseURL  string
	language string
	pageSize int
	http     *HTTPClient
}

var _ Source = (*News)(nil)

// NewNews creates a NewsAPI source.
func NewNews(cfg config.NewsConfig, opts ...func(*HTTPOptions)) *News {
	hopts := HTTPOptions{Service: "newsapi"}
	for _, o := range opts {
		o(&hopts)
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 100
	}
	return &News{
		apiKey:   cfg.Key,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		language: cfg.Language,
		pageSize: pageSize,
		http:     NewHTTPClient(hopts),
	}
}

// Name implements Source.
func (n *News) Name() string { return "news" }

type newsResponse struct {
	Status   string        `json:"status"`
	Code     string        `json:"code"`
	Message  string        `json:"message"`
	Articles []newsArticle `json:"articles"`
}

type newsArticle struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Content     string `json:"content"`
	URL         string `json:"url"`
	PublishedAt string `json:"publishedAt"`
}

// Fetch implements Source.
func (n *News) Fetch(ctx context.Context, company string, dr model.DateRange) ([]model.RawPost, error) {
	q := url.Values{}
	q.Set("q", company)
	q.Set("language", n.language)
	q.Set("sortBy", "publishedAt")
	q.Set("pageSize", strconv.Itoa(n.pageSize))
	q.Set("from", dr.StartString())
	q.Set("to", dr.EndString())
	q.Set("apiKey", n.apiKey)

	var resp newsResponse
	if err := n.http.GetJSON(ctx, n.baseURL+"/everything?"+q.Encode(), &resp); err != nil {
		return nil, eris.Wrap(err, "newsapi: everything")
	}
	if resp.Status != "" && resp.Status != "ok" {
		return nil, eris.Errorf("newsapi: %s: %s", resp.Code, resp.Message)
	}

	seen := make(map[string]struct{}, len(resp.Articles))
	posts := []model.RawPost{}
	for _, a := range resp.Articles {
		if a.URL != "" {
			if _, dup := seen[a.URL]; dup {
				continue
			}
			seen[a.URL] = struct{}{}
		}
		text := joinNonEmpty("\n\n", a.Title, a.Description, a.Content)
		if text == "" {
			continue
		}
		posts = append(posts, model.RawPost{
			ID:         a.URL,
			Source:     n.Name(),
			Permalink:  a.URL,
			CreatedUTC: a.PublishedAt,
			PostText:   text,
			Comments:   []string{},
		})
	}
	return posts, nil
}

func joinNonEmpty(sep string, parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}
