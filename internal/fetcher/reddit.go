package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/repusense/internal/config"
	"github.com/sells-group/repusense/internal/model"
)

const (
	redditPageSize  = 100
	autoModerator   = "AutoModerator"
	createdUTCStyle = "2006-01-02 15:04:05"
)

// Reddit searches all of Reddit for a company name and collects each
// matching post with its flattened comment tree.
type Reddit struct {
	baseURL  string
	http     *HTTPClient
	maxPosts int
	workers  int
}

var _ Source = (*Reddit)(nil)

// NewReddit creates a Reddit source. Every request made by the source,
// searches and comment pages alike, shares one politeness limiter.
func NewReddit(cfg config.RedditConfig, opts ...func(*HTTPOptions)) *Reddit {
	hopts := HTTPOptions{
		UserAgent: cfg.UserAgent,
		Timeout:   time.Duration(cfg.TimeoutSecs) * time.Second,
		Limiter:   IntervalLimiter(time.Duration(cfg.RequestIntervalMS) * time.Millisecond),
		Service:   "reddit",
	}
	for _, o := range opts {
		o(&hopts)
	}
	workers := cfg.CommentWorkers
	if workers < 1 {
		workers = 1
	}
	return &Reddit{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		http:     NewHTTPClient(hopts),
		maxPosts: cfg.MaxPosts,
		workers:  workers,
	}
}

// Name implements Source.
func (r *Reddit) Name() string { return "reddit" }

type redditListing struct {
	Kind string `json:"kind"`
	Data struct {
		After    string        `json:"after"`
		Children []redditThing `json:"children"`
	} `json:"data"`
}

type redditThing struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

type redditPost struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Selftext   string  `json:"selftext"`
	IsSelf     bool    `json:"is_self"`
	Permalink  string  `json:"permalink"`
	CreatedUTC float64 `json:"created_utc"`
	Subreddit  string  `json:"subreddit"`
}

type redditComment struct {
	Author  string          `json:"author"`
	Body    string          `json:"body"`
	Replies json.RawMessage `json:"replies"`
}

type redditPostRef struct {
	post      model.RawPost
	permalink string
}

// Fetch implements Source.
func (r *Reddit) Fetch(ctx context.Context, company string, dr model.DateRange) ([]model.RawPost, error) {
	refs, err := r.search(ctx, company, dr)
	if err != nil {
		return nil, err
	}
	zap.L().Info("reddit: search complete",
		zap.String("company", company),
		zap.Int("posts", len(refs)),
	)

	posts := make([]model.RawPost, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for i, ref := range refs {
		g.Go(func() error {
			comments, err := r.comments(gctx, ref.permalink)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				zap.L().Warn("reddit: comment fetch failed, keeping post without comments",
					zap.String("post_id", ref.post.ID),
					zap.Error(err),
				)
				comments = []string{}
			}
			p := ref.post
			p.Comments = comments
			posts[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "reddit: fetch comments")
	}
	return posts, nil
}

func (r *Reddit) search(ctx context.Context, company string, dr model.DateRange) ([]redditPostRef, error) {
	from := dr.Start.Unix()
	// The end date is inclusive.
	until := dr.End.AddDate(0, 0, 1).Unix()

	var refs []redditPostRef
	after := ""
	for {
		q := url.Values{}
		q.Set("q", company)
		q.Set("sort", "relevance")
		q.Set("t", "all")
		q.Set("limit", strconv.Itoa(redditPageSize))
		q.Set("raw_json", "1")
		if after != "" {
			q.Set("after", after)
		}

		var page redditListing
		if err := r.http.GetJSON(ctx, r.baseURL+"/search.json?"+q.Encode(), &page); err != nil {
			return nil, eris.Wrap(err, "reddit: search")
		}

		for _, child := range page.Data.Children {
			if child.Kind != "t3" {
				continue
			}
			var p redditPost
			if err := json.Unmarshal(child.Data, &p); err != nil {
				zap.L().Debug("reddit: skipping undecodable post", zap.Error(err))
				continue
			}
			created := int64(p.CreatedUTC)
			if created < from || created >= until {
				continue
			}
			refs = append(refs, redditPostRef{post: r.toRawPost(p), permalink: p.Permalink})
			if r.maxPosts > 0 && len(refs) >= r.maxPosts {
				return refs, nil
			}
		}

		if page.Data.After == "" || len(page.Data.Children) == 0 {
			return refs, nil
		}
		after = page.Data.After
	}
}

func (r *Reddit) toRawPost(p redditPost) model.RawPost {
	text := p.Title
	if p.IsSelf && p.Selftext != "" {
		text += "\n\n" + p.Selftext
	}
	return model.RawPost{
		ID:         p.ID,
		Source:     r.Name(),
		Permalink:  "https://www.reddit.com" + p.Permalink,
		Subreddit:  p.Subreddit,
		CreatedUTC: time.Unix(int64(p.CreatedUTC), 0).UTC().Format(createdUTCStyle),
		PostText:   text,
	}
}

func (r *Reddit) comments(ctx context.Context, permalink string) ([]string, error) {
	var listings []redditListing
	if err := r.http.GetJSON(ctx, r.baseURL+strings.TrimRight(permalink, "/")+".json", &listings); err != nil {
		return nil, err
	}
	out := []string{}
	if len(listings) < 2 {
		return out, nil
	}
	flattenComments(listings[1].Data.Children, &out)
	return out, nil
}

// flattenComments appends comment bodies depth first, skipping AutoModerator
// and anything that is not a comment. The replies of a skipped comment are
// skipped with it.
func flattenComments(children []redditThing, out *[]string) {
	for _, child := range children {
		if child.Kind != "t1" {
			continue
		}
		var c redditComment
		if err := json.Unmarshal(child.Data, &c); err != nil {
			continue
		}
		if c.Author == autoModerator {
			continue
		}
		if c.Body != "" {
			*out = append(*out, c.Body)
		}
		// Reddit sends "" instead of an object when there are no replies.
		if r := bytes.TrimSpace(c.Replies); len(r) > 0 && r[0] == '{' {
			var replies redditListing
			if err := json.Unmarshal(r, &replies); err == nil {
				flattenComments(replies.Data.Children, out)
			}
		}
	}
}
