package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/repusense/internal/model"
	"github.com/sells-group/repusense/internal/store"
	"github.com/sells-group/repusense/internal/tracker"
	"github.com/sells-group/repusense/internal/workspace"
)

// analyzeRequest is the POST /api/analyze body.
type analyzeRequest struct {
	Company         string `json:"company"`
	StartDate       string `json:"start_date"`
	EndDate         string `json:"end_date"`
	AsyncProcessing bool   `json:"async_processing"`
}

// dateRange resolves optional boundaries. Both empty leaves the default to
// the tracker.
func (s *Server) dateRange(start, end string) (*model.DateRange, error) {
	if start == "" && end == "" {
		return nil, nil
	}
	dr, err := model.ResolveDateRange(start, end, s.now().UTC())
	if err != nil {
		return nil, err
	}
	return &dr, nil
}

func (s *Server) submit(ctx context.Context, company, start, end string, mode model.Mode) (string, error) {
	if strings.TrimSpace(company) == "" {
		return "", eris.Wrap(model.ErrConfiguration, "api: company is required")
	}
	dr, err := s.dateRange(start, end)
	if err != nil {
		return "", err
	}
	return s.requests.Submit(ctx, company, dr, mode)
}

// handleAnalyze accepts a request. Synchronous requests run in the
// background and are reported as processing until they finish.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var body analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	mode := model.ModeSync
	if body.AsyncProcessing {
		mode = model.ModeAsync
	}
	id, err := s.submit(r.Context(), body.Company, body.StartDate, body.EndDate, mode)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	if mode == model.ModeSync {
		s.runInBackground(context.WithoutCancel(r.Context()), id)
	}
	writeJSON(w, http.StatusAccepted, s.requests.GetStatus(r.Context(), id))
}

func (s *Server) runInBackground(ctx context.Context, id string) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		if _, err := s.requests.RunSync(ctx, id); err != nil {
			zap.L().Error("api: background analysis", zap.String("request_id", id), zap.Error(err))
		}
	}()
}

func (s *Server) handleAnalyzeStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st := s.requests.GetStatus(r.Context(), id)
	if st.Status == model.RequestUnknown {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Analysis request %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	// The legacy listing caps limit below 100.
	limit, err := parseLimit(r, tracker.DefaultListLimit, 99)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.requests.List(r.Context(), r.URL.Query().Get("company"), limit))
}

// handleAnalyzeV1 runs the request inline and answers with its terminal
// status. Pipeline failures come back as a status of error, not as a 5xx.
func (s *Server) handleAnalyzeV1(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id, err := s.submit(r.Context(), q.Get("company"), q.Get("start_date"), q.Get("end_date"), model.ModeSync)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	st, err := s.requests.RunSync(context.WithoutCancel(r.Context()), id)
	if err != nil {
		zap.L().Error("api: analyze", zap.String("request_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleScheduleV1(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id, err := s.submit(r.Context(), q.Get("company"), q.Get("start_date"), q.Get("end_date"), model.ModeAsync)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.requests.GetStatus(r.Context(), id))
}

// handleStatusV1 answers unknown identifiers with the unknown status.
func (s *Server) handleStatusV1(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.requests.GetStatus(r.Context(), chi.URLParam(r, "id")))
}

func (s *Server) handleRequestsV1(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, tracker.DefaultListLimit, 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.requests.List(r.Context(), r.URL.Query().Get("company"), limit))
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusNotFound, "run ledger is not configured")
		return
	}
	q := r.URL.Query()
	limit, err := parseLimit(r, store.DefaultListLimit, store.DefaultListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := store.RunFilter{State: model.RunState(q.Get("state")), Limit: limit}
	if c := q.Get("company"); c != "" {
		if filter.Company, err = workspace.NormalizeCompany(c); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if o := q.Get("offset"); o != "" {
		if filter.Offset, err = strconv.Atoi(o); err != nil || filter.Offset < 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid offset %q", o))
			return
		}
	}

	runs, err := s.runs.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusNotFound, "run ledger is not configured")
		return
	}
	run, err := s.runs.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// parseLimit reads the limit query parameter, requiring 1..hi.
func parseLimit(r *http.Request, def, hi int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > hi {
		return 0, eris.Errorf("limit must be between 1 and %d", hi)
	}
	return n, nil
}
