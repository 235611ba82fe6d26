// internal/api/http/errors.go
package http

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/mind-engage/runtime-gateway/internal/outcome"
	"github.com/mind-engage/runtime-gateway/internal/session"
)

// Error taxonomy codes returned to callers.
const (
	codeBadRequest      = "bad_request"
	codeUnauthenticated = "unauthenticated"
	codeForbidden       = "forbidden"
	codeNotFound        = "not_found"
	codeAlreadyConsumed = "already_consumed"
	codeTooManyRequests = "too_many_requests"
	codeInternal        = "internal_error"
)

type apiError struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiError{Code: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeIngestError maps pipeline errors to the taxonomy. Raw tokens, keys
// and provider fetch details never reach the response body.
func writeIngestError(w http.ResponseWriter, err error) {
	var verr *outcome.ValidationError
	if errors.As(err, &verr) {
		writeError(w, http.StatusBadRequest, codeBadRequest, verr.Error())
		return
	}
	var rle *outcome.RateLimitedError
	if errors.As(err, &rle) {
		retryAfter := int(time.Until(rle.ResetAt).Seconds())
		if retryAfter < 0 {
			retryAfter = 0
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(rle.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(rle.ResetAt.Unix(), 10))
		writeError(w, http.StatusTooManyRequests, codeTooManyRequests, "rate limit exceeded, retry later")
		return
	}
	switch {
	case errors.Is(err, outcome.ErrFeatureDisabled):
		writeError(w, http.StatusForbidden, codeForbidden, "interactive runtime is not enabled for this course")
	case errors.Is(err, outcome.ErrMissingCredential):
		writeError(w, http.StatusUnauthorized, codeUnauthenticated, "signed callback required: missing bearer credential")
	case errors.Is(err, outcome.ErrVerification):
		writeError(w, http.StatusForbidden, codeForbidden, "callback could not be verified")
	default:
		log.Printf("outcome ingest failed: %v", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "storage failure, safe to retry")
	}
}

func writeExchangeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, "unknown launch token")
	case errors.Is(err, session.ErrExpired):
		writeError(w, http.StatusForbidden, codeForbidden, "launch token expired")
	case errors.Is(err, session.ErrAlreadyConsumed):
		writeError(w, http.StatusConflict, codeAlreadyConsumed, "launch token was already exchanged")
	default:
		log.Printf("launch exchange failed: %v", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "exchange failed, safe to retry")
	}
}
