package fetcher

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/repusense/internal/model"
)

// RawTimestampLayout is the timestamp suffix of raw file names.
const RawTimestampLayout = "20060102_150405"

// ExistingPrefix names raw files copied from a user-supplied file.
const ExistingPrefix = "existing_data"

// RawFileName names a fetched raw file:
// {source}_{company}_{start}_{end}_{YYYYmmdd_HHMMSS}.json.
func RawFileName(source, company string, dr model.DateRange, at time.Time) string {
	return fmt.Sprintf("%s_%s_%s_%s_%s.json", source, company, dr.StartString(), dr.EndString(), at.Format(RawTimestampLayout))
}

// ExistingFileName names a copied raw file:
// existing_data_{company}_{YYYYmmdd_HHMMSS}.json.
func ExistingFileName(company string, at time.Time) string {
	return fmt.Sprintf("%s_%s_%s.json", ExistingPrefix, company, at.Format(RawTimestampLayout))
}

// LatestRawFile picks the most recently written raw file from names using
// the timestamp suffix. Names that do not end in a timestamp are ignored.
func LatestRawFile(names []string) (string, bool) {
	type candidate struct {
		name string
		at   time.Time
	}
	var cands []candidate
	for _, n := range names {
		at, ok := rawTimestamp(n)
		if !ok {
			continue
		}
		cands = append(cands, candidate{name: n, at: at})
	}
	if len(cands) == 0 {
		return "", false
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if !cands[i].at.Equal(cands[j].at) {
			return cands[i].at.After(cands[j].at)
		}
		return cands[i].name > cands[j].name
	})
	return cands[0].name, true
}

func rawTimestamp(name string) (time.Time, bool) {
	base, ok := strings.CutSuffix(name, ".json")
	if !ok || len(base) < len(RawTimestampLayout)+1 {
		return time.Time{}, false
	}
	stamp := base[len(base)-len(RawTimestampLayout):]
	if base[len(base)-len(RawTimestampLayout)-1] != '_' {
		return time.Time{}, false
	}
	at, err := time.Parse(RawTimestampLayout, stamp)
	if err != nil {
		return time.Time{}, false
	}
	return at, true
}

// ReadExisting reads a user-supplied raw file and checks that it decodes.
func ReadExisting(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, eris.Wrapf(model.ErrMissingInput, "fetcher: existing file %s not found", path)
		}
		return nil, eris.Wrapf(err, "fetcher: read existing file %s", path)
	}
	if _, err := DecodeRaw(b); err != nil {
		return nil, err
	}
	return b, nil
}

// DecodeRaw parses raw-zone content: a JSON array of posts.
func DecodeRaw(content []byte) ([]model.RawPost, error) {
	var posts []model.RawPost
	if err := json.Unmarshal(content, &posts); err != nil {
		return nil, eris.Wrap(err, "fetcher: decode raw posts")
	}
	return posts, nil
}

// EncodeRaw renders posts for the raw zone.
func EncodeRaw(posts []model.RawPost) ([]byte, error) {
	if posts == nil {
		posts = []model.RawPost{}
	}
	b, err := json.MarshalIndent(posts, "", "  ")
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: encode raw posts")
	}
	return b, nil
}
