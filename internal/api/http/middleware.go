// internal/api/http/middleware.go
package http

import (
	"crypto/subtle"
	"net/http"
	"strings"

	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"
)

// EchoRequestID copies the correlation ID chi's RequestID middleware put in
// the context onto the response, so callers can trace a submission across
// the pipeline steps.
func EchoRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := chimw.GetReqID(r.Context()); id != "" {
			w.Header().Set("X-Request-Id", id)
		}
		next.ServeHTTP(w, r)
	})
}

// AdminAuth guards the provider-administration surface with HTTP basic auth
// against the configured admin user and bcrypt password hash.
func AdminAuth(adminUser, adminPassHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok {
				w.Header().Set("WWW-Authenticate", `Basic realm="runtime-gateway admin"`)
				writeError(w, http.StatusUnauthorized, codeUnauthenticated, "admin credentials required")
				return
			}
			if subtle.ConstantTimeCompare([]byte(user), []byte(adminUser)) != 1 ||
				bcrypt.CompareHashAndPassword([]byte(adminPassHash), []byte(pass)) != nil {
				writeError(w, http.StatusUnauthorized, codeUnauthenticated, "invalid admin credentials")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// extractBearer pulls the credential out of an Authorization header,
// case-insensitive per RFC 6750. Empty string when absent.
func extractBearer(hdr string) string {
	const prefix = "bearer "
	if len(hdr) < len(prefix) || !strings.EqualFold(hdr[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(hdr[len(prefix):])
}
