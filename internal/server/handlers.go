package server

import (
	"PortfolioFederation/internal/model"
	"PortfolioFederation/internal/registry"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 8 << 20

type syncRequest struct {
	Trigger string `json:"trigger"`
}

type importRequest struct {
	Trigger string `json:"trigger"`
	model.Batch
}

type configRequest struct {
	Config map[string]string `json:"config"`
}

type priorityRequest struct {
	Priority *int `json:"priority"`
}

func (s *HTTPServer) handleSync(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathInt(w, r, "userID")
	if !ok {
		return
	}
	var req syncRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	trigger, err := model.ParseTrigger(req.Trigger)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	out, err := s.deps.Glue.RunFullSyncWithReconciliation(r.Context(), userID, trigger)
	if err != nil {
		writeCoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, out)
}

func (s *HTTPServer) handleImport(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathInt(w, r, "userID")
	if !ok {
		return
	}
	sourceID, ok := pathInt(w, r, "sourceID")
	if !ok {
		return
	}
	var req importRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	trigger, err := model.ParseTrigger(req.Trigger)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	out, err := s.deps.Glue.ImportWithReconciliation(r.Context(), userID, sourceID, trigger, req.Batch)
	if err != nil {
		writeCoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, out)
}

func (s *HTTPServer) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid run id: %w", err))
		return
	}
	run, err := s.deps.Runs.GetRun(r.Context(), runID)
	if err != nil {
		writeCoreError(w, r, err)
		return
	}
	if run == nil {
		writeError(w, r, http.StatusNotFound, fmt.Errorf("sync run %s not found", runID))
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *HTTPServer) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid run id: %w", err))
		return
	}
	conflicts, err := s.deps.Book.ListConflicts(r.Context(), runID)
	if err != nil {
		writeCoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(conflicts))
}

func (s *HTTPServer) handleListRuns(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathInt(w, r, "userID")
	if !ok {
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, r, http.StatusBadRequest, fmt.Errorf("limit must be between 1 and 500"))
			return
		}
		limit = n
	}
	runs, err := s.deps.Runs.ListRuns(r.Context(), userID, limit)
	if err != nil {
		writeCoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(runs))
}

func (s *HTTPServer) handleListPositions(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathInt(w, r, "userID")
	if !ok {
		return
	}
	positions, err := s.deps.Book.ListPositions(r.Context(), userID)
	if err != nil {
		writeCoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(positions))
}

func (s *HTTPServer) handleListCashEvents(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathInt(w, r, "userID")
	if !ok {
		return
	}
	events, err := s.deps.Book.ListCashEvents(r.Context(), userID)
	if err != nil {
		writeCoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(events))
}

func (s *HTTPServer) handleListSources(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathInt(w, r, "userID")
	if !ok {
		return
	}
	sources, err := s.deps.Sources.ListSources(r.Context(), userID)
	if err != nil {
		writeCoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(sources))
}

func (s *HTTPServer) handleRegisterSource(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathInt(w, r, "userID")
	if !ok {
		return
	}
	var req registry.RegisterRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	req.UserID = userID

	src, err := s.deps.Sources.RegisterSource(r.Context(), req)
	if err != nil {
		writeCoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, src)
}

func (s *HTTPServer) handleSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := pathInt(w, r, "userID")
		if !ok {
			return
		}
		sourceID, ok := pathInt(w, r, "sourceID")
		if !ok {
			return
		}
		toggle := s.deps.Sources.DisableSource
		if enabled {
			toggle = s.deps.Sources.EnableSource
		}
		found, err := toggle(r.Context(), sourceID, userID)
		if err != nil {
			writeCoreError(w, r, err)
			return
		}
		if !found {
			writeError(w, r, http.StatusNotFound, fmt.Errorf("source %d not found", sourceID))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *HTTPServer) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathInt(w, r, "userID")
	if !ok {
		return
	}
	sourceID, ok := pathInt(w, r, "sourceID")
	if !ok {
		return
	}
	var req configRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	src, err := s.deps.Sources.UpdateSourceConfig(r.Context(), sourceID, userID, req.Config)
	if err != nil {
		writeCoreError(w, r, err)
		return
	}
	if src == nil {
		writeError(w, r, http.StatusNotFound, fmt.Errorf("source %d not found", sourceID))
		return
	}
	writeJSON(w, http.StatusOK, src)
}

func (s *HTTPServer) handleUpdatePriority(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathInt(w, r, "userID")
	if !ok {
		return
	}
	sourceID, ok := pathInt(w, r, "sourceID")
	if !ok {
		return
	}
	var req priorityRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if req.Priority == nil {
		writeError(w, r, http.StatusBadRequest, errors.New("priority is required"))
		return
	}
	src, err := s.deps.Sources.UpdateSourcePriority(r.Context(), sourceID, userID, *req.Priority)
	if err != nil {
		writeCoreError(w, r, err)
		return
	}
	if src == nil {
		writeError(w, r, http.StatusNotFound, fmt.Errorf("source %d not found", sourceID))
		return
	}
	writeJSON(w, http.StatusOK, src)
}

func (s *HTTPServer) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathInt(w, r, "userID")
	if !ok {
		return
	}
	sourceID, ok := pathInt(w, r, "sourceID")
	if !ok {
		return
	}
	found, err := s.deps.Sources.DeleteSource(r.Context(), sourceID, userID)
	if err != nil {
		writeCoreError(w, r, err)
		return
	}
	if !found {
		writeError(w, r, http.StatusNotFound, fmt.Errorf("source %d not found", sourceID))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- helpers ---

func pathInt(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := chi.URLParam(r, name)
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid %s %q", name, raw))
		return 0, false
	}
	return v, true
}

// decodeBody decodes a JSON body into dst. An empty body is accepted when
// optional is set.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return false
	}
	return true
}

// writeCoreError maps the error taxonomy onto HTTP status codes.
func writeCoreError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrConfiguration):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrConcurrency),
		errors.Is(err, model.ErrRunNotReconcilable),
		errors.Is(err, model.ErrAlreadyReconciled):
		status = http.StatusConflict
	}

	body := map[string]any{"error": err.Error()}
	var cerr *model.ConcurrencyError
	if errors.As(err, &cerr) {
		body["active_run_id"] = cerr.ActiveRunID
	}
	var verr *model.ValidationError
	if errors.As(err, &verr) && len(verr.Missing) > 0 {
		body["missing"] = verr.Missing
	}

	logEvent := zerolog.Ctx(r.Context()).Warn()
	if status == http.StatusInternalServerError {
		logEvent = zerolog.Ctx(r.Context()).Error()
	}
	logEvent.Err(err).Int("status", status).Msg("request failed")
	writeJSON(w, status, body)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	zerolog.Ctx(r.Context()).Debug().Err(err).Int("status", status).Msg("request rejected")
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
