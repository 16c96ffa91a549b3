package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sk28832/carbonpaper-app/internal/gateway"
	"github.com/sk28832/carbonpaper-app/internal/history"
	"github.com/sk28832/carbonpaper-app/internal/htmldoc"
	"github.com/sk28832/carbonpaper-app/internal/inflight"
	"github.com/sk28832/carbonpaper-app/internal/metrics"
	"github.com/sk28832/carbonpaper-app/internal/reconcile"
	"github.com/sk28832/carbonpaper-app/internal/search"
	"github.com/sk28832/carbonpaper-app/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *zap.Logger
	metrics    http.Handler
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		logger:     service.logger,
		metrics:    promhttp.Handler(),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
			"ai":       map[string]any{"configured": s.service.AIConfigured()},
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
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		s.metrics.ServeHTTP(w, r)
		return
	}

	if r.URL.Path == "/api/files" {
		switch r.Method {
		case http.MethodGet:
			docs, err := s.service.ListDocuments(r.Context())
			if err != nil {
				s.writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, docs)
		case http.MethodPost:
			var body CreateDocumentInput
			if err := decodeAndValidate(r, &body); err != nil {
				s.writeServiceError(w, r, err)
				return
			}
			doc, err := s.service.CreateDocument(r.Context(), body)
			if err != nil {
				s.writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, doc)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "files" {
		s.handleFile(w, r, parts[2], parts)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/process" {
		s.handleProcess(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/hoverbar" {
		var body HoverbarInput
		if err := decodeAndValidate(r, &body); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		text, err := s.service.Hoverbar(r.Context(), body)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"text": text})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		query := r.URL.Query()
		writeJSON(w, http.StatusOK, s.service.Search(r.Context(), search.Query{
			Text:   strings.TrimSpace(query.Get("q")),
			Limit:  queryInt(query.Get("limit"), 20),
			Offset: queryInt(query.Get("offset"), 0),
		}))
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleFile(w http.ResponseWriter, r *http.Request, documentID string, parts []string) {
	if len(parts) == 3 {
		switch r.Method {
		case http.MethodGet:
			doc, err := s.service.GetDocument(r.Context(), documentID)
			if err != nil {
				s.writeServiceError(w, r, err)
				return
			}
			etag := `"` + Fingerprint(doc) + `"`
			w.Header().Set("ETag", etag)
			if r.Header.Get("If-None-Match") == etag {
				w.WriteHeader(http.StatusNotModified)
				return
			}
			writeJSON(w, http.StatusOK, doc)
		case http.MethodPut:
			var body ReplaceDocumentInput
			if err := decodeAndValidate(r, &body); err != nil {
				s.writeServiceError(w, r, err)
				return
			}
			doc, created, err := s.service.ReplaceDocument(r.Context(), documentID, body)
			if err != nil {
				s.writeServiceError(w, r, err)
				return
			}
			status := http.StatusOK
			if created {
				status = http.StatusCreated
			}
			writeJSON(w, status, doc)
		case http.MethodPatch:
			var body PatchDocumentInput
			if err := decodeAndValidate(r, &body); err != nil {
				s.writeServiceError(w, r, err)
				return
			}
			doc, err := s.service.PatchDocument(r.Context(), documentID, body)
			if err != nil {
				s.writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, doc)
		case http.MethodDelete:
			if err := s.service.DeleteDocument(r.Context(), documentID); err != nil {
				s.writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"message": "File deleted successfully"})
		case http.MethodPost:
			var body MessageInput
			if err := decodeAndValidate(r, &body); err != nil {
				s.writeServiceError(w, r, err)
				return
			}
			message, err := s.service.AppendMessage(r.Context(), documentID, body)
			if err != nil {
				s.writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{
				"message":     "Chat message added successfully",
				"chatMessage": message,
			})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if parts[3] == "history" && r.Method == http.MethodGet {
		var (
			payload map[string]any
			err     error
		)
		switch len(parts) {
		case 4:
			payload, err = s.service.History(r.Context(), documentID, queryInt(r.URL.Query().Get("limit"), 50))
		case 5:
			payload, err = s.service.Revision(r.Context(), documentID, parts[4])
		default:
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
			return
		}
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if parts[3] == "tracked-change" {
		s.handleTrackedChange(w, r, documentID, parts)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleTrackedChange(w http.ResponseWriter, r *http.Request, documentID string, parts []string) {
	var (
		view TrackedChangeView
		err  error
	)
	ctx := r.Context()

	switch {
	case len(parts) == 4 && r.Method == http.MethodGet:
		view, err = s.service.TrackedChange(ctx, documentID)
	case len(parts) == 4 && r.Method == http.MethodPost:
		var body BeginChangeInput
		if err := decodeAndValidate(r, &body); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		view, err = s.service.BeginTrackedChange(ctx, documentID, body)
	case len(parts) == 4 && r.Method == http.MethodDelete:
		view, err = s.service.ResolveTrackedChange(ctx, documentID, ResolutionDiscard)
	case len(parts) == 5 && r.Method == http.MethodPost:
		switch parts[4] {
		case "prev":
			view, err = s.service.NavigateTrackedChange(ctx, documentID, reconcile.Prev)
		case "next":
			view, err = s.service.NavigateTrackedChange(ctx, documentID, reconcile.Next)
		case "reprocess":
			view, err = s.service.ReprocessTrackedChange(ctx, documentID)
		case "versions":
			var body ManualVersionInput
			if err := decodeAndValidate(r, &body); err != nil {
				s.writeServiceError(w, r, err)
				return
			}
			view, err = s.service.AppendManualVersion(ctx, documentID, body)
		case "accept":
			view, err = s.service.ResolveTrackedChange(ctx, documentID, ResolutionAccept)
		case "reject":
			view, err = s.service.ResolveTrackedChange(ctx, documentID, ResolutionReject)
		default:
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
			return
		}
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("code", code),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		elapsed := time.Since(started)
		metrics.ObserveHTTP(r.Method, routeLabel(r.URL.Path), writer.status, elapsed)
		s.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", elapsed.Milliseconds()),
		)
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
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

// routeLabel collapses ids so metric labels stay bounded.
func routeLabel(path string) string {
	parts := splitPath(path)
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "files" {
		parts[2] = "{id}"
		if len(parts) == 5 && parts[3] == "history" {
			parts[4] = "{hash}"
		}
		return "/" + strings.Join(parts, "/")
	}
	switch path {
	case "/api/health", "/api/ready", "/api/files", "/api/process", "/api/hoverbar", "/api/search", "/metrics":
		return path
	}
	return "other"
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, If-None-Match")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Access-Control-Expose-Headers", "ETag, X-Request-ID")
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

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func queryInt(raw string, fallback int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "File not found", nil
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "CONFLICT", "File already exists", nil
	case errors.Is(err, history.ErrRevisionNotFound):
		return http.StatusNotFound, "REVISION_NOT_FOUND", "Revision not found", nil
	case errors.Is(err, history.ErrInvalidDocumentID):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid document id", nil
	case errors.Is(err, reconcile.ErrEditPending):
		return http.StatusConflict, "EDIT_PENDING", "A tracked change is already pending", nil
	case errors.Is(err, reconcile.ErrNoPendingChange):
		return http.StatusConflict, "NO_PENDING_CHANGE", "No tracked change is pending", nil
	case errors.Is(err, reconcile.ErrAnchorLost):
		return http.StatusConflict, "ANCHOR_LOST", "The changed text could not be found in the document", nil
	case errors.Is(err, inflight.ErrSuperseded), errors.Is(err, gateway.ErrCanceled):
		return http.StatusConflict, "SUPERSEDED", "A newer request replaced this one", nil
	case errors.Is(err, htmldoc.ErrSelectionCrossesElement):
		return http.StatusUnprocessableEntity, "SELECTION_CROSSES_ELEMENT", "The selection cuts through formatted text", nil
	case errors.Is(err, htmldoc.ErrTextNotFound):
		return http.StatusUnprocessableEntity, "TEXT_NOT_FOUND", "The selected text was not found in the document", nil
	case errors.Is(err, reconcile.ErrEmptySelection), errors.Is(err, htmldoc.ErrEmptyRange), errors.Is(err, htmldoc.ErrRangeOutOfBounds):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "selection is empty", nil
	case errors.Is(err, reconcile.ErrInvalidChange):
		return http.StatusUnprocessableEntity, "INVALID_CHANGE", err.Error(), nil
	case errors.Is(err, gateway.ErrEmptyInput):
		return http.StatusBadRequest, "INVALID_BODY", "Invalid request format", nil
	case errors.Is(err, gateway.ErrTimeout):
		return http.StatusGatewayTimeout, "AI_TIMEOUT", "The AI assistant did not respond in time", nil
	case errors.Is(err, gateway.ErrMalformedResponse), errors.Is(err, gateway.ErrUpstream), errors.Is(err, reconcile.ErrEmptySuggestion):
		return http.StatusInternalServerError, "AI_ERROR", "The AI assistant could not complete the request", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
