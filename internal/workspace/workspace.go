// Package workspace resolves the per-company directory and key namespace
// used by every pipeline stage.
package workspace

import (
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/rotisserie/eris"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/repusense/internal/config"
	"github.com/sells-group/repusense/internal/model"
)

// Layout names the base directory and the directory of each zone.
type Layout struct {
	BaseDir      string
	RawDir       string
	ProcessedDir string
	ResultsDir   string
	PublishedDir string
	RequestsDir  string
}

// DefaultLayout returns the built-in zone directory names.
func DefaultLayout() Layout {
	return Layout{
		BaseDir:      "data",
		RawDir:       "data_storage",
		ProcessedDir: "processed_data",
		ResultsDir:   "nlp_results",
		PublishedDir: "api_data",
		RequestsDir:  "api_requests",
	}
}

// LayoutFromConfig builds a Layout, falling back to defaults for blanks.
func LayoutFromConfig(cfg config.WorkspaceConfig) Layout {
	l := DefaultLayout()
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&l.BaseDir, cfg.BaseDir)
	set(&l.RawDir, cfg.RawDir)
	set(&l.ProcessedDir, cfg.ProcessedDir)
	set(&l.ResultsDir, cfg.ResultsDir)
	set(&l.PublishedDir, cfg.PublishedDir)
	set(&l.RequestsDir, cfg.RequestsDir)
	return l
}

// ZoneDir returns the directory name of zone z.
func (l Layout) ZoneDir(z model.Zone) (string, error) {
	switch z {
	case model.ZoneRaw:
		return l.RawDir, nil
	case model.ZoneProcessed:
		return l.ProcessedDir, nil
	case model.ZoneResults:
		return l.ResultsDir, nil
	case model.ZonePublished:
		return l.PublishedDir, nil
	case model.ZoneRequests:
		return l.RequestsDir, nil
	default:
		return "", eris.Wrapf(model.ErrConfiguration, "workspace: unknown zone %q", z)
	}
}

// Location is a resolved company directory within one zone.
type Location struct {
	Zone    model.Zone  `json:"zone"`
	Company string      `json:"company"`
	Stage   model.Stage `json:"stage,omitempty"`
	// Dir is the local filesystem directory.
	Dir string `json:"dir"`
	// KeyPrefix is the object-store key prefix, always slash separated.
	KeyPrefix string `json:"key_prefix"`
}

// Path returns the local path of artifact name.
func (l Location) Path(name string) string {
	return filepath.Join(l.Dir, name)
}

// Key returns the object-store key of artifact name.
func (l Location) Key(name string) string {
	return path.Join(l.KeyPrefix, name)
}

type locKey struct {
	company string
	zone    model.Zone
	stage   model.Stage
}

// Workspace resolves company locations against a fixed layout. The layout is
// captured at construction so every stage of a run sees the same zone names.
type Workspace struct {
	layout Layout

	mu    sync.Mutex
	cache map[locKey]Location
}

// New creates a Workspace over layout.
func New(layout Layout) *Workspace {
	return &Workspace{
		layout: layout,
		cache:  make(map[locKey]Location),
	}
}

// Layout returns the layout this workspace was built with.
func (w *Workspace) Layout() Layout {
	return w.layout
}

// Resolve returns the location of company in zone. Stage is required for the
// results zone and ignored elsewhere. Resolve performs no I/O.
func (w *Workspace) Resolve(company string, zone model.Zone, stage model.Stage) (Location, error) {
	name, err := NormalizeCompany(company)
	if err != nil {
		return Location{}, err
	}

	if zone == model.ZoneResults {
		if !stage.IsAnalysis() {
			return Location{}, eris.Wrapf(model.ErrConfiguration, "workspace: stage %q has no results directory", stage)
		}
	} else {
		stage = ""
	}

	key := locKey{company: name, zone: zone, stage: stage}
	w.mu.Lock()
	defer w.mu.Unlock()
	if loc, ok := w.cache[key]; ok {
		return loc, nil
	}

	zoneDir, err := w.layout.ZoneDir(zone)
	if err != nil {
		return Location{}, err
	}

	loc := Location{
		Zone:      zone,
		Company:   name,
		Stage:     stage,
		Dir:       filepath.Join(w.layout.BaseDir, zoneDir, name),
		KeyPrefix: path.Join(zoneDir, name),
	}
	if stage != "" {
		loc.Dir = filepath.Join(loc.Dir, stage.ResultsDir())
		loc.KeyPrefix = path.Join(loc.KeyPrefix, stage.ResultsDir())
	}
	w.cache[key] = loc
	return loc, nil
}

// ResolveRef resolves the location holding ref.
func (w *Workspace) ResolveRef(ref model.ArtifactRef) (Location, error) {
	return w.Resolve(ref.Company, ref.Zone, ref.Stage)
}

// Ensure creates loc's directory and its parents. It is idempotent.
func (w *Workspace) Ensure(loc Location) error {
	if err := os.MkdirAll(loc.Dir, 0o755); err != nil {
		return eris.Wrapf(model.ErrStorage, "workspace: create %s: %v", loc.Dir, err)
	}
	return nil
}

// ZoneRoot returns the local directory that holds every company of zone.
func (w *Workspace) ZoneRoot(zone model.Zone) (string, error) {
	zoneDir, err := w.layout.ZoneDir(zone)
	if err != nil {
		return "", err
	}
	return filepath.Join(w.layout.BaseDir, zoneDir), nil
}

// ZoneKeyPrefix returns the object-store prefix that holds every company of zone.
func (w *Workspace) ZoneKeyPrefix(zone model.Zone) (string, error) {
	return w.layout.ZoneDir(zone)
}

// Init creates the root directory of every zone.
func (w *Workspace) Init() ([]string, error) {
	var created []string
	for _, z := range model.Zones {
		root, err := w.ZoneRoot(z)
		if err != nil {
			return created, err
		}
		if err := os.MkdirAll(root, 0o755); err != nil {
			return created, eris.Wrapf(model.ErrStorage, "workspace: create %s: %v", root, err)
		}
		created = append(created, root)
	}
	return created, nil
}

// LocalCompanies lists the company directories present under zone.
func (w *Workspace) LocalCompanies(zone model.Zone) ([]string, error) {
	root, err := w.ZoneRoot(zone)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "workspace: read %s", root)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// accentFold returns a fresh transformer. Chained transformers keep state
// between calls and must not be shared across goroutines.
func accentFold() transform.Transformer {
	return transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
}

// NormalizeCompany turns a free-text company name into a safe namespace
// segment: accents folded, lowercased, characters outside [a-z0-9._-]
// collapsed to a single '-'.
func NormalizeCompany(name string) (string, error) {
	s := strings.TrimSpace(name)
	if folded, _, err := transform.String(accentFold(), s); err == nil {
		s = folded
	}
	s = strings.ToLower(s)

	var b strings.Builder
	pendingSep := false
	for _, r := range s {
		if isSegmentRune(r) {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}

	out := strings.Trim(b.String(), "-.")
	if out == "" || out == "." || out == ".." {
		return "", eris.Wrapf(model.ErrConfiguration, "workspace: invalid company name %q", name)
	}
	return out, nil
}

func isSegmentRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-'
}
