package analysis

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"github.com/sells-group/repusense/internal/model"
)

// wordCloudSize is the number of terms kept in word_cloud_data.json.
const wordCloudSize = 100

// KeywordResult is one row of keyword_results.json.
type KeywordResult struct {
	PostID   int      `json:"post_id"`
	Keywords []string `json:"keywords"`
}

// WordFrequency is one row of word_cloud_data.json.
type WordFrequency struct {
	Word      string `json:"word"`
	Frequency int    `json:"frequency"`
}

// KeywordDocument is one row of documents_with_keywords.json.
type KeywordDocument struct {
	model.TextRecord
	Keywords []string `json:"keywords"`
}

// FrequencyKeywordAnalyzer extracts keywords by stop-word filtered term
// frequency. It stands in for the model service's keyword stage when no
// endpoint is configured.
type FrequencyKeywordAnalyzer struct {
	// PerText is the number of keywords kept per record. Default: 5.
	PerText int
}

var _ Analyzer = FrequencyKeywordAnalyzer{}

// Stage implements Analyzer.
func (FrequencyKeywordAnalyzer) Stage() model.Stage { return model.StageKeyword }

// Analyze implements Analyzer.
func (k FrequencyKeywordAnalyzer) Analyze(ctx context.Context, _ string, records []model.TextRecord) (*model.StageOutput, error) {
	perText := k.PerText
	if perText <= 0 {
		perText = 5
	}

	results := []KeywordResult{}
	docs := make([]KeywordDocument, 0, len(records))
	counts := make(map[string]int)
	for i, rec := range records {
		if i%500 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		kw := ExtractKeywords(rec.Text, perText)
		docs = append(docs, KeywordDocument{TextRecord: rec, Keywords: kw})
		if len(kw) == 0 {
			continue
		}
		results = append(results, KeywordResult{PostID: rec.PostID, Keywords: kw})
		for _, w := range kw {
			counts[w]++
		}
	}

	out := &model.StageOutput{}
	if err := out.AddJSON(model.ArtifactKeywordResults, results); err != nil {
		return nil, err
	}
	if err := out.AddJSON(model.ArtifactWordCloudData, topFrequencies(counts, wordCloudSize)); err != nil {
		return nil, err
	}
	if err := out.AddJSON(model.ArtifactDocumentsKeywords, docs); err != nil {
		return nil, err
	}
	return out, nil
}

// ExtractKeywords returns up to n terms of text ordered by frequency, then
// by first appearance. Stop words and terms shorter than three letters are
// ignored.
func ExtractKeywords(text string, n int) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})

	freq := make(map[string]int)
	first := make(map[string]int)
	for i, w := range words {
		w = strings.Trim(w, "'")
		if len([]rune(w)) < 3 || isStopWord(w) || isNumber(w) {
			continue
		}
		if _, ok := first[w]; !ok {
			first[w] = i
		}
		freq[w]++
	}

	terms := make([]string, 0, len(freq))
	for w := range freq {
		terms = append(terms, w)
	}
	sort.Slice(terms, func(i, j int) bool {
		if freq[terms[i]] != freq[terms[j]] {
			return freq[terms[i]] > freq[terms[j]]
		}
		return first[terms[i]] < first[terms[j]]
	})
	if len(terms) > n {
		terms = terms[:n]
	}
	return terms
}

func topFrequencies(counts map[string]int, n int) []WordFrequency {
	out := make([]WordFrequency, 0, len(counts))
	for w, c := range counts {
		out = append(out, WordFrequency{Word: w, Frequency: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Frequency != out[j].Frequency {
			return out[i].Frequency > out[j].Frequency
		}
		return out[i].Word < out[j].Word
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func isNumber(w string) bool {
	for _, r := range w {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func isStopWord(w string) bool {
	_, ok := stopWords[w]
	return ok
}

var stopWords = func() map[string]struct{} {
	list := strings.Fields(`
		about above after again against all also and any are aren't because been
		before being below between both but can can't cannot could couldn't did
		didn't does doesn't doing don't down during each even ever every few for
		from further get gets got had hadn't has hasn't have haven't having her
		here hers herself him himself his how i'd i'll i'm i've into isn't it's
		its itself just let's like more most much must mustn't myself never now
		off once only other ought our ours ourselves out over own really same
		shan't she she'd she'll she's should shouldn't some still such than that
		that's the their theirs them themselves then there there's these they
		they'd they'll they're they've thing things this those though through too
		under until very was wasn't way we'd we'll we're we've well were weren't
		what what's when when's where where's which while who who's whom why
		why's will with won't would wouldn't yet you you'd you'll you're you've
		your yours yourself yourselves one two lot lol yes yeah just think know
		going want see say said make made use used people`)
	m := make(map[string]struct{}, len(list))
	for _, w := range list {
		m[w] = struct{}{}
	}
	return m
}()
