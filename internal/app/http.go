package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/combodevy/question-site/internal/auth"
	"github.com/combodevy/question-site/internal/bank"
	"github.com/combodevy/question-site/internal/logging"
)

// maxSaveBody caps the save request body.
const maxSaveBody = 32 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *slog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, logger *slog.Logger) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
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

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch {
	case r.URL.Path == "/api/save-question-set":
		if !allowMethod(w, r, http.MethodPost) {
			return
		}
		ownerID, ok := s.requireOwner(w, r)
		if !ok {
			return
		}
		s.handleSave(w, r, ownerID)
		return

	case r.URL.Path == "/api/load-question-set":
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		ownerID, ok := s.requireOwner(w, r)
		if !ok {
			return
		}
		s.handleLoad(w, r, ownerID)
		return

	case r.URL.Path == "/api/sync-logs":
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		ownerID, ok := s.requireOwner(w, r)
		if !ok {
			return
		}
		entries, err := s.service.SyncLogs(r.Context(), ownerID)
		if err != nil {
			s.writeFailure(w, r, err)
			return
		}
		logs := make([]map[string]any, 0, len(entries))
		for _, entry := range entries {
			var errText any
			if entry.Error != "" {
				errText = entry.Error
			}
			logs = append(logs, map[string]any{
				"id":         entry.ID,
				"delta":      entry.Delta,
				"status":     entry.Status,
				"error":      errText,
				"created_at": entry.CreatedAt,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "logs": logs})
		return

	case r.URL.Path == "/api/questions/search":
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		ownerID, ok := s.requireOwner(w, r)
		if !ok {
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		response, err := s.service.SearchQuestions(r.Context(), ownerID, r.URL.Query().Get("q"), limit)
		if err != nil {
			s.writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, response)
		return

	case len(parts) >= 3 && parts[1] == "question-set" && parts[2] == "versions":
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		ownerID, ok := s.requireOwner(w, r)
		if !ok {
			return
		}
		s.handleArchive(w, r, ownerID, parts[3:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

type saveBody struct {
	Name                string                     `json:"name"`
	Questions           json.RawMessage            `json:"questions"`
	State               json.RawMessage            `json:"state"`
	Version             *int64                     `json:"version"`
	Delta               json.RawMessage            `json:"delta"`
	SkipQuestionsUpdate bool                       `json:"skipQuestionsUpdate"`
	StatePartial        bool                       `json:"statePartial"`
	HistoryAppend       []bank.HistoryEvent        `json:"historyAppend"`
	PartialFields       []string                   `json:"partialFields"`
	PartialValues       map[string]json.RawMessage `json:"partialValues"`
}

func (s *HTTPServer) handleSave(w http.ResponseWriter, r *http.Request, ownerID string) {
	r.Body = http.MaxBytesReader(w, r.Body, maxSaveBody)
	var body saveBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	req := SaveRequest{
		OwnerID:             ownerID,
		Name:                body.Name,
		Questions:           decodeQuestions(body.Questions),
		State:               body.State,
		Delta:               body.Delta,
		SkipQuestionsUpdate: body.SkipQuestionsUpdate,
		StatePartial:        body.StatePartial,
		HistoryAppend:       body.HistoryAppend,
		PartialFields:       body.PartialFields,
		PartialValues:       body.PartialValues,
		ClientIP:            clientIP(r),
		UserAgent:           r.UserAgent(),
	}
	if body.Version != nil {
		req.Version = *body.Version
	}

	result, err := s.service.Save(r.Context(), req)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "setId": result.SetID, "version": result.Version})
}

func (s *HTTPServer) handleLoad(w http.ResponseWriter, r *http.Request, ownerID string) {
	var historyAfter int64
	if raw := strings.TrimSpace(r.URL.Query().Get("historyAfter")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "historyAfter must be an integer timestamp", nil)
			return
		}
		historyAfter = parsed
	}

	result, err := s.service.Load(r.Context(), ownerID, LoadOptions{
		HistoryAfter: historyAfter,
		IfNoneMatch:  r.Header.Get("If-None-Match"),
	})
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if !result.Found {
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":      true,
			"setId":   nil,
			"name":    nil,
			"state":   nil,
			"version": 0,
		})
		return
	}

	w.Header().Set("ETag", result.ETag)
	w.Header().Set("Cache-Control", "no-cache")
	if result.NotModified {
		w.Header().Del("Content-Type")
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":             true,
		"setId":          result.SetID,
		"name":           result.Name,
		"state":          result.State,
		"version":        result.Version,
		"historyPartial": result.HistoryPartial,
		"historyTotal":   result.HistoryTotal,
	})
}

func (s *HTTPServer) handleArchive(w http.ResponseWriter, r *http.Request, ownerID string, rest []string) {
	switch len(rest) {
	case 0:
		versions, err := s.service.ArchivedVersions(r.Context(), ownerID)
		if err != nil {
			s.writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "versions": versions})
	case 1:
		version, err := strconv.ParseInt(rest[0], 10, 64)
		if err != nil || version <= 0 {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "version must be a positive integer", nil)
			return
		}
		state, err := s.service.ArchivedState(r.Context(), ownerID, version)
		if err != nil {
			s.writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "version": version, "state": state})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) requireOwner(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return "", false
	}
	ownerID, err := s.service.OwnerFromToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return "", false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Identity lookup failed", nil)
		return "", false
	}
	return ownerID, true
}

// writeFailure renders a service error. Conflicts carry the server version
// and storage faults a safe detail next to the generic message.
func (s *HTTPServer) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"code":           "VERSION_CONFLICT",
			"error":          "Version conflict",
			"currentVersion": conflict.ServerVersion,
		})
		return
	}
	var storageErr *StorageError
	if errors.As(err, &storageErr) {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"code":   "STORAGE_ERROR",
			"error":  "Database error",
			"detail": storageErr.Detail(),
		})
		return
	}
	status, code, message, details := mapError(err)
	if status == http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "unhandled service error", "path", r.URL.Path, "error", err)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		r = r.WithContext(logging.WithRequestID(r.Context(), requestID))

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.InfoContext(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, If-None-Match")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Access-Control-Expose-Headers", "ETag, X-Request-ID")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method+", OPTIONS")
	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	return false
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
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

// decodeQuestions reads the questions field. Anything other than an array
// counts as no questions.
func decodeQuestions(raw json.RawMessage) []bank.Question {
	var questions []bank.Question
	if err := json.Unmarshal(raw, &questions); err != nil {
		return nil
	}
	return questions
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
