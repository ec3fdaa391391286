// Package preprocess cleans raw posts into the processed posts and flattened
// text records the analysis stages consume.
package preprocess

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/repusense/internal/fetcher"
	"github.com/sells-group/repusense/internal/model"
)

// Cleaning rules, applied in order.
var (
	reURL           = regexp.MustCompile(`http\S+|www\S+|https\S+`)
	reMarkdownLink  = regexp.MustCompile(`\[.*?\]\(.*?\)`)
	reBold          = regexp.MustCompile(`\*\*(.*?)\*\*`)
	reItalic        = regexp.MustCompile(`\*(.*?)\*`)
	reStrike        = regexp.MustCompile(`~~(.*?)~~`)
	reHeader        = regexp.MustCompile(`#+ `)
	reDisallowed    = regexp.MustCompile(`[^a-zA-Z0-9\s.,!?'"-]`)
	reWhitespace    = regexp.MustCompile(`\s+`)
	reLooksLikeHTML = regexp.MustCompile(`<(?:[a-zA-Z][a-zA-Z0-9]*|/[a-zA-Z][a-zA-Z0-9]*|!--)[^>]*>`)
	reBlockBoundary = regexp.MustCompile(`(?i)<(?:br|/p|/div|/li|/h[1-6]|/td|/tr)\b[^>]*>`)
)

// Output is the result of preprocessing one raw file.
type Output struct {
	Posts   []model.ProcessedPost
	Records []model.TextRecord
	// Dropped counts raw posts whose text was empty after cleaning.
	Dropped int
}

// Preprocessor turns raw-zone content into processed-zone content.
type Preprocessor struct{}

// New creates a Preprocessor.
func New() *Preprocessor { return &Preprocessor{} }

// Run decodes raw content and cleans it.
func (p *Preprocessor) Run(raw []byte) (*Output, error) {
	posts, err := fetcher.DecodeRaw(raw)
	if err != nil {
		return nil, eris.Wrap(err, "preprocess: read raw posts")
	}
	out := p.Process(posts)
	zap.L().Info("preprocess: cleaned posts",
		zap.Int("raw", len(posts)),
		zap.Int("kept", len(out.Posts)),
		zap.Int("records", len(out.Records)),
	)
	return out, nil
}

// Process cleans posts. A post's id is its index in the raw list, so ids
// stay stable when earlier posts are dropped. Posts whose text cleans to
// nothing are dropped; so are empty comments.
func (p *Preprocessor) Process(raw []model.RawPost) *Output {
	out := &Output{Posts: []model.ProcessedPost{}}
	for i, rp := range raw {
		text := CleanText(rp.PostText)
		if text == "" {
			out.Dropped++
			continue
		}
		comments := []string{}
		for _, c := range rp.Comments {
			if c = CleanText(c); c != "" {
				comments = append(comments, c)
			}
		}
		out.Posts = append(out.Posts, model.ProcessedPost{
			PostID:       i,
			PostText:     text,
			Comments:     comments,
			CommentCount: len(comments),
		})
	}
	out.Records = model.Records(out.Posts)
	if out.Records == nil {
		out.Records = []model.TextRecord{}
	}
	return out
}

// CleanText strips HTML markup, URLs and markdown, replaces characters
// outside the allowed set with spaces and collapses whitespace.
func CleanText(text string) string {
	if text == "" {
		return ""
	}
	text = stripHTML(text)
	text = reURL.ReplaceAllString(text, "")
	text = reMarkdownLink.ReplaceAllString(text, "")
	text = reBold.ReplaceAllString(text, "$1")
	text = reItalic.ReplaceAllString(text, "$1")
	text = reStrike.ReplaceAllString(text, "$1")
	text = reHeader.ReplaceAllString(text, "")
	text = reDisallowed.ReplaceAllString(text, " ")
	text = reWhitespace.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// stripHTML returns the text content of text when it contains markup.
func stripHTML(text string) string {
	if !reLooksLikeHTML.MatchString(text) {
		return text
	}
	// Block boundaries become word boundaries.
	text = reBlockBoundary.ReplaceAllString(text, "$0 ")
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(text))
	if err != nil {
		return text
	}
	doc.Find("script, style, noscript").Remove()
	return doc.Text()
}
