// Package api serves published analysis results and accepts analysis
// requests over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/repusense/internal/model"
	"github.com/sells-group/repusense/internal/resultstore"
	"github.com/sells-group/repusense/internal/store"
)

// Version is reported by the root and config endpoints.
const Version = "1.0.0"

// Requests is the request tracker surface the API drives.
type Requests interface {
	Submit(ctx context.Context, company string, dr *model.DateRange, mode model.Mode) (string, error)
	RunSync(ctx context.Context, id string) (*model.Status, error)
	GetStatus(ctx context.Context, id string) *model.Status
	List(ctx context.Context, company string, limit int) []model.Status
}

// Runs reads the pipeline run ledger.
type Runs interface {
	GetRun(ctx context.Context, runID string) (*model.PipelineRun, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.PipelineRun, error)
}

// Server holds the API dependencies.
type Server struct {
	store    *resultstore.Store
	requests Requests
	runs     Runs
	bucket   string
	origins  []string
	now      func() time.Time

	// background tracks synchronous requests accepted by POST /api/analyze.
	background sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithRuns exposes the run ledger under /api/runs.
func WithRuns(r Runs) Option {
	return func(s *Server) { s.runs = r }
}

// WithBucket sets the bucket name reported by /api/v1/config.
func WithBucket(bucket string) Option {
	return func(s *Server) { s.bucket = bucket }
}

// WithAllowedOrigins sets the CORS origins. Defaults to all.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		if len(origins) > 0 {
			s.origins = origins
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New creates a Server reading published data from st and submitting
// analysis requests to requests.
func New(st *resultstore.Store, requests Requests, opts ...Option) *Server {
	s := &Server{
		store:    st,
		requests: requests,
		origins:  []string{"*"},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler with every route mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/companies", s.handleCompanies)
		r.Get("/company/{name}", s.handleCompanyInfo)
		r.Get("/company/{name}/{kind}", s.handleCompanyKind)
		r.Get("/company/{name}/post/{postID}/{kind}", s.handleCompanyPost)
		r.Get("/post/{postID}/{kind}", s.handleLegacyPost)

		r.Post("/analyze", s.handleAnalyze)
		r.Get("/analyze/{id}", s.handleAnalyzeStatus)
		r.Get("/requests", s.handleRequests)

		r.Get("/runs", s.handleRuns)
		r.Get("/runs/{id}", s.handleRun)

		r.Route("/v1", func(r chi.Router) {
			r.Post("/analyze", s.handleAnalyzeV1)
			r.Post("/schedule", s.handleScheduleV1)
			r.Get("/status/{id}", s.handleStatusV1)
			r.Get("/requests", s.handleRequestsV1)
			r.Get("/config", s.handleConfigV1)
		})

		r.Get("/{kind}", s.handleKind)
	})

	return r
}

// Wait blocks until background analyses started by the API finish.
func (s *Server) Wait() {
	s.background.Wait()
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":        "RepuSense API",
		"description": "API for accessing company reputation analysis data",
		"version":     Version,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleConfigV1(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"s3_bucket":   s.bucket,
		"s3_enabled":  s.store.RemoteEnabled(),
		"api_version": Version,
		"timestamp":   s.now().UTC().Format(time.RFC3339),
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("api: encode response", zap.Error(err))
	}
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound), errors.Is(err, model.ErrMissingInput):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Info("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
