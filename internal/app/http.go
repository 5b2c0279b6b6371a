package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/deka641/vellum-sub001/internal/pages"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

const (
	maxBodyBytes     = 8 << 20
	cronTokenHeader  = "X-Vellum-Cron-Token"
	readyPingTimeout = 5 * time.Second
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     zerolog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, logger zerolog.Logger) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	api.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)

	api.HandleFunc("/pages", s.authed(s.handleListPages)).Methods(http.MethodGet)
	api.HandleFunc("/pages", s.authed(s.handleCreatePage)).Methods(http.MethodPost)
	api.HandleFunc("/pages/{id}", s.authed(s.handleGetPage)).Methods(http.MethodGet)
	api.HandleFunc("/pages/{id}", s.authed(s.handleDeletePage)).Methods(http.MethodDelete)
	api.HandleFunc("/pages/{id}/blocks", s.authed(s.handleSaveBlocks)).Methods(http.MethodPut)
	api.HandleFunc("/pages/{id}/publish", s.authed(s.handlePublish)).Methods(http.MethodPost)
	api.HandleFunc("/pages/{id}/unpublish", s.authed(s.handleUnpublish)).Methods(http.MethodPost)
	api.HandleFunc("/pages/{id}/schedule", s.authed(s.handleCancelSchedule)).Methods(http.MethodDelete)
	api.HandleFunc("/pages/{id}/revisions", s.authed(s.handleListRevisions)).Methods(http.MethodGet)
	api.HandleFunc("/pages/{id}/revisions/{revisionId}", s.authed(s.handleGetRevision)).Methods(http.MethodGet)
	api.HandleFunc("/pages/{id}/revisions/{revisionId}/restore", s.authed(s.handleRestoreRevision)).Methods(http.MethodPost)
	api.HandleFunc("/sites/{siteId}/import", s.authed(s.handleImportSite)).Methods(http.MethodPost)

	api.HandleFunc("/internal/cron/publish-scheduled", s.handleCronSweep).Methods(http.MethodPost)

	return s.withMiddleware(router)
}

type actorHandler func(w http.ResponseWriter, r *http.Request, actor Actor)

func (s *HTTPServer) authed(next actorHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := s.service.Authenticate(r.Header.Get("Authorization"))
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		next(w, r, actor)
	}
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyPingTimeout)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleListPages(w http.ResponseWriter, r *http.Request, actor Actor) {
	list, err := s.service.ListPages(r.Context(), actor, r.URL.Query().Get("siteId"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": list})
}

func (s *HTTPServer) handleCreatePage(w http.ResponseWriter, r *http.Request, actor Actor) {
	var body CreatePageInput
	if err := decodeBody(w, r, &body); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	page, err := s.service.CreatePage(r.Context(), actor, body)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, page)
}

func (s *HTTPServer) handleGetPage(w http.ResponseWriter, r *http.Request, actor Actor) {
	page, err := s.service.LoadPage(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *HTTPServer) handleDeletePage(w http.ResponseWriter, r *http.Request, actor Actor) {
	if err := s.service.DeletePage(r.Context(), actor, mux.Vars(r)["id"]); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleSaveBlocks(w http.ResponseWriter, r *http.Request, actor Actor) {
	var body pages.SaveRequest
	if err := decodeBody(w, r, &body); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	res, err := s.service.SaveBlocks(r.Context(), actor, mux.Vars(r)["id"], body)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handlePublish(w http.ResponseWriter, r *http.Request, actor Actor) {
	var body struct {
		ScheduledAt *time.Time `json:"scheduledAt"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	page, err := s.service.Publish(r.Context(), actor, mux.Vars(r)["id"], body.ScheduledAt)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *HTTPServer) handleUnpublish(w http.ResponseWriter, r *http.Request, actor Actor) {
	page, err := s.service.Unpublish(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *HTTPServer) handleCancelSchedule(w http.ResponseWriter, r *http.Request, actor Actor) {
	page, err := s.service.CancelSchedule(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *HTTPServer) handleListRevisions(w http.ResponseWriter, r *http.Request, actor Actor) {
	list, err := s.service.ListRevisions(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": list})
}

func (s *HTTPServer) handleGetRevision(w http.ResponseWriter, r *http.Request, actor Actor) {
	vars := mux.Vars(r)
	rev, err := s.service.GetRevision(r.Context(), actor, vars["id"], vars["revisionId"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rev)
}

func (s *HTTPServer) handleRestoreRevision(w http.ResponseWriter, r *http.Request, actor Actor) {
	vars := mux.Vars(r)
	page, err := s.service.RestoreRevision(r.Context(), actor, vars["id"], vars["revisionId"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *HTTPServer) handleImportSite(w http.ResponseWriter, r *http.Request, actor Actor) {
	var body struct {
		Pages []CreatePageInput `json:"pages"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	created, err := s.service.ImportSite(r.Context(), actor, mux.Vars(r)["siteId"], body.Pages)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"items": created})
}

func (s *HTTPServer) handleCronSweep(w http.ResponseWriter, r *http.Request) {
	res, err := s.service.TriggerSweep(r.Context(), r.Header.Get(cronTokenHeader))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	var limited *RateLimitedError
	if errors.As(err, &limited) {
		setRateLimitHeaders(w.Header(), limited)
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("request_id", requestID(r.Context())).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

func setRateLimitHeaders(header http.Header, limited *RateLimitedError) {
	res := limited.Result
	header.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	header.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	if !res.ResetAt.IsZero() {
		header.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
	}
	retryAfter := int(math.Ceil(time.Until(res.ResetAt).Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	header.Set("Retry-After", strconv.Itoa(retryAfter))
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = randomRequestID()
		}
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, reqID))

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", reqID)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		s.logger.Info().
			Str("request_id", reqID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Dur("duration", time.Since(started)).
			Msg("request")
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Access-Control-Expose-Headers", "X-Request-ID, Retry-After, X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

// decodeBody accepts an empty body as the zero value.
func decodeBody(w http.ResponseWriter, r *http.Request, target any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return invalidBody(fmt.Sprintf("request body exceeds %d bytes", maxBodyBytes))
		}
		return invalidBody("invalid JSON body")
	}
	return nil
}
