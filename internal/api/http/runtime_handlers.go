// internal/api/http/runtime_handlers.go
package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mind-engage/runtime-gateway/internal/outcome"
	"github.com/mind-engage/runtime-gateway/internal/session"
)

// POST /runtime/launch  { "courseId": "...", "userId": "...", "role": "student|teacher" }
// Platform-side mint of a single-use launch token. In a combined deployment
// the course pages call session.Manager directly; this endpoint exists for
// split deployments and is admin-guarded by the router.
func LaunchHandler(m *session.Manager, store outcome.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			CourseID string `json:"courseId"`
			UserID   string `json:"userId"`
			Role     string `json:"role"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil ||
			strings.TrimSpace(req.CourseID) == "" || strings.TrimSpace(req.UserID) == "" {
			writeError(w, http.StatusBadRequest, codeBadRequest, "courseId and userId are required")
			return
		}
		if req.Role == "" {
			req.Role = "student"
		}
		if _, err := store.FindCourse(r.Context(), req.CourseID); err != nil {
			if errors.Is(err, outcome.ErrCourseNotFound) {
				writeError(w, http.StatusNotFound, codeNotFound, "unknown course")
				return
			}
			writeError(w, http.StatusInternalServerError, codeInternal, "course lookup failed")
			return
		}
		lt, err := m.Issue(r.Context(), req.CourseID, req.UserID, req.Role)
		if err != nil {
			writeError(w, http.StatusInternalServerError, codeInternal, "could not mint launch token")
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"token":     lt.Token,
			"expiresAt": lt.ExpiresAt.UTC().Format(time.RFC3339),
		})
	}
}

// POST /runtime/exchange  { "token": "..." }
func ExchangeHandler(m *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Token) == "" {
			writeError(w, http.StatusBadRequest, codeBadRequest, "token is required")
			return
		}
		rt, err := m.Exchange(r.Context(), req.Token)
		if err != nil {
			writeExchangeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"runtimeToken": rt.Token,
			"expiresAt":    rt.ExpiresAt.UTC().Format(time.RFC3339),
		})
	}
}

// GET /runtime/context
// Runtime-token-authenticated echo of the session binding, used by embedded
// activities to discover their course/user/scope context.
func ContextHandler(m *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := extractBearer(r.Header.Get("Authorization"))
		if raw == "" {
			writeError(w, http.StatusUnauthorized, codeUnauthenticated, "runtime token required")
			return
		}
		claims, err := m.Validate(raw)
		if err != nil {
			if errors.Is(err, session.ErrExpired) {
				writeError(w, http.StatusUnauthorized, codeUnauthenticated, "runtime token expired")
				return
			}
			writeError(w, http.StatusUnauthorized, codeUnauthenticated, "invalid runtime token")
			return
		}
		if !claims.HasScope(session.ScopeContextRead) {
			writeError(w, http.StatusForbidden, codeForbidden, "missing scope "+session.ScopeContextRead)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"courseId": claims.CourseID,
			"userId":   claims.Subject,
			"role":     claims.Role,
			"scopes":   claims.Scopes,
		})
	}
}

// POST /runtime/outcomes
// Outcome ingestion; see the pipeline notes in internal/outcome.
func IngestOutcomeHandler(ing *outcome.Ingestor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		env, err := outcome.ParseEnvelope(r.Body)
		if err != nil {
			writeIngestError(w, err)
			return
		}
		bearer := extractBearer(r.Header.Get("Authorization"))
		attempt, created, err := ing.Ingest(r.Context(), env, bearer)
		if err != nil {
			writeIngestError(w, err)
			return
		}
		status := http.StatusCreated
		if !created {
			// Idempotent replay of a previously accepted event.
			status = http.StatusOK
		}
		writeJSON(w, status, attempt)
	}
}

// GET /runtime/courses/{courseID}/outcomes?limit=50&offset=0
// Paginated attempt listing; total row count rides the X-Total-Count header.
func ListOutcomesHandler(store outcome.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		courseID := chi.URLParam(r, "courseID")
		limit := parseIntDefault(r.URL.Query().Get("limit"), 50)
		offset := parseIntDefault(r.URL.Query().Get("offset"), 0)

		attempts, total, err := store.ListByCourse(r.Context(), courseID, limit, offset)
		if err != nil {
			writeError(w, http.StatusInternalServerError, codeInternal, "listing failed")
			return
		}
		w.Header().Set("X-Total-Count", strconv.Itoa(total))
		writeJSON(w, http.StatusOK, attempts)
	}
}

func parseIntDefault(s string, def int) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
