package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/repusense/internal/model"
)

// dataKinds are the published kinds served by /api/{kind}.
var dataKinds = map[string]string{
	model.PublishedTopics:     "Topic",
	model.PublishedSentiment:  "Sentiment",
	model.PublishedKeywords:   "Keyword",
	model.PublishedEngagement: "Engagement",
	model.PublishedWordCloud:  "Word cloud",
}

// postKinds are the published kinds holding one item per post.
var postKinds = map[string]bool{
	model.PublishedSentiment:  true,
	model.PublishedKeywords:   true,
	model.PublishedEngagement: true,
}

func publishedRef(company, kind string) model.ArtifactRef {
	return model.ArtifactRef{Zone: model.ZonePublished, Company: company, Name: model.PublishedName(kind)}
}

func (s *Server) companies(ctx context.Context) ([]string, error) {
	return s.store.ListCompanies(ctx, model.ZonePublished)
}

// defaultCompany returns the first company with published data.
func (s *Server) defaultCompany(ctx context.Context) (string, error) {
	names, err := s.companies(ctx)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", eris.Wrap(model.ErrNotFound, "api: no published companies")
	}
	return names[0], nil
}

func (s *Server) handleCompanies(w http.ResponseWriter, r *http.Request) {
	names, err := s.companies(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(names) == 0 {
		writeError(w, http.StatusNotFound, "No company data found")
		return
	}

	out := make([]json.RawMessage, 0, len(names))
	for _, name := range names {
		info, err := s.store.GetRef(r.Context(), publishedRef(name, model.PublishedCompanyInfo))
		if err != nil || !json.Valid(info) {
			info, _ = json.Marshal(map[string]string{"name": name})
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCompanyInfo(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	s.serveArtifact(w, r, name, model.PublishedCompanyInfo, fmt.Sprintf("Company %s not found", name))
}

func (s *Server) handleKind(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	label, ok := dataKinds[kind]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown data kind %q", kind))
		return
	}
	company := r.URL.Query().Get("company")
	if company == "" {
		var err error
		if company, err = s.defaultCompany(r.Context()); err != nil {
			writeError(w, statusFor(err), label+" data not found")
			return
		}
	}
	s.serveArtifact(w, r, company, kind, label+" data not found")
}

func (s *Server) handleCompanyKind(w http.ResponseWriter, r *http.Request) {
	name, kind := chi.URLParam(r, "name"), chi.URLParam(r, "kind")
	label, ok := dataKinds[kind]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown data kind %q", kind))
		return
	}
	s.serveArtifact(w, r, name, kind, fmt.Sprintf("%s data for company %s not found", label, name))
}

func (s *Server) handleCompanyPost(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	s.servePost(w, r, name, fmt.Sprintf("for company %s ", name))
}

func (s *Server) handleLegacyPost(w http.ResponseWriter, r *http.Request) {
	company := r.URL.Query().Get("company")
	if company == "" {
		var err error
		if company, err = s.defaultCompany(r.Context()); err != nil {
			kind := chi.URLParam(r, "kind")
			writeError(w, statusFor(err), dataKinds[kind]+" data not found")
			return
		}
	}
	s.servePost(w, r, company, "")
}

// serveArtifact writes a published artifact as is. Absent artifacts are a 404
// with notFound as the message.
func (s *Server) serveArtifact(w http.ResponseWriter, r *http.Request, company, kind, notFound string) {
	body, err := s.store.GetRef(r.Context(), publishedRef(company, kind))
	if err != nil {
		status := statusFor(err)
		if status == http.StatusNotFound {
			writeError(w, status, notFound)
			return
		}
		zap.L().Warn("api: read published artifact", zap.String("company", company), zap.String("kind", kind), zap.Error(err))
		writeError(w, status, err.Error())
		return
	}
	writeRaw(w, http.StatusOK, body)
}

// servePost writes the first item of a per-post artifact whose post_id
// matches the path.
func (s *Server) servePost(w http.ResponseWriter, r *http.Request, company, scope string) {
	kind := chi.URLParam(r, "kind")
	if !postKinds[kind] {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown post data kind %q", kind))
		return
	}
	label := dataKinds[kind]

	postID, err := strconv.Atoi(chi.URLParam(r, "postID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid post id %q", chi.URLParam(r, "postID")))
		return
	}

	var items []json.RawMessage
	if err := s.store.GetJSON(r.Context(), publishedRef(company, kind), &items); err != nil {
		status := statusFor(err)
		if status == http.StatusNotFound {
			writeError(w, status, fmt.Sprintf("%s data %snot found", label, scope))
			return
		}
		writeError(w, status, err.Error())
		return
	}

	item, err := findPost(items, postID)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("%s data for post %d not found", label, postID))
		return
	}
	writeRaw(w, http.StatusOK, item)
}

var errPostNotFound = eris.New("post not found")

func findPost(items []json.RawMessage, postID int) (json.RawMessage, error) {
	for _, item := range items {
		var head struct {
			PostID *int `json:"post_id"`
		}
		if err := json.Unmarshal(item, &head); err != nil {
			continue
		}
		if head.PostID != nil && *head.PostID == postID {
			return item, nil
		}
	}
	return nil, errPostNotFound
}
