package model

// TextType distinguishes a post body from one of its comments.
type TextType string

const (
	TextTypePost    TextType = "post"
	TextTypeComment TextType = "comment"
)

// RawPost is one scraped item as stored in the raw zone.
type RawPost struct {
	ID         string   `json:"id,omitempty"`
	Source     string   `json:"source,omitempty"`
	Permalink  string   `json:"permalink,omitempty"`
	Subreddit  string   `json:"subreddit,omitempty"`
	CreatedUTC string   `json:"created_utc,omitempty"`
	PostText   string   `json:"post_text"`
	Comments   []string `json:"comments"`
}

// ProcessedPost is a cleaned post with its surviving comments.
type ProcessedPost struct {
	PostID       int      `json:"post_id"`
	PostText     string   `json:"post_text"`
	Comments     []string `json:"comments"`
	CommentCount int      `json:"comment_count"`
}

// TextRecord is the unit of input every analysis stage consumes.
type TextRecord struct {
	PostID    int      `json:"post_id"`
	TextType  TextType `json:"text_type"`
	CommentID *int     `json:"comment_id,omitempty"`
	Text      string   `json:"text"`
}

// Records flattens processed posts into analysis input, post first then
// its comments in order.
func Records(posts []ProcessedPost) []TextRecord {
	var out []TextRecord
	for _, p := range posts {
		out = append(out, TextRecord{PostID: p.PostID, TextType: TextTypePost, Text: p.PostText})
		for i, c := range p.Comments {
			id := i
			out = append(out, TextRecord{PostID: p.PostID, TextType: TextTypeComment, CommentID: &id, Text: c})
		}
	}
	return out
}
