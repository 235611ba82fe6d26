// internal/api/http/providers_admin.go
package http

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/mind-engage/runtime-gateway/internal/keycache"
)

type providerPayload struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Origin  string `json:"origin"`
	JWKSURL string `json:"jwksUrl"`
	Secret  string `json:"secret,omitempty"`
}

func validateJWKSURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil // unsigned provider
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return errors.New("jwksUrl must be an absolute https URL")
	}
	return nil
}

// POST /admin/providers
func CreateProviderHandler(dbh *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req providerPayload
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Name) == "" {
			writeError(w, http.StatusBadRequest, codeBadRequest, "name is required")
			return
		}
		if err := validateJWKSURL(req.JWKSURL); err != nil {
			writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
			return
		}
		if req.ID == "" {
			req.ID = "prov-" + uuid.NewString()
		}
		secretHash := ""
		if req.Secret != "" {
			h, err := bcrypt.GenerateFromPassword([]byte(req.Secret), bcrypt.DefaultCost)
			if err != nil {
				writeError(w, http.StatusInternalServerError, codeInternal, "could not store secret")
				return
			}
			secretHash = string(h)
		}
		_, err := dbh.ExecContext(r.Context(),
			`INSERT INTO providers (id, name, origin, jwks_url, secret_hash, created_at)
			 VALUES ($1,$2,$3,$4,$5,$6)`,
			req.ID, req.Name, req.Origin, req.JWKSURL, secretHash, time.Now().Unix())
		if err != nil {
			writeError(w, http.StatusInternalServerError, codeInternal, "could not create provider")
			return
		}
		writeJSON(w, http.StatusCreated, providerPayload{
			ID: req.ID, Name: req.Name, Origin: req.Origin, JWKSURL: req.JWKSURL,
		})
	}
}

// GET /admin/providers
func ListProvidersHandler(dbh *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rows, err := dbh.QueryContext(r.Context(),
			`SELECT id, name, origin, jwks_url FROM providers ORDER BY created_at DESC`)
		if err != nil {
			writeError(w, http.StatusInternalServerError, codeInternal, "listing failed")
			return
		}
		defer rows.Close()
		out := []providerPayload{}
		for rows.Next() {
			var p providerPayload
			if err := rows.Scan(&p.ID, &p.Name, &p.Origin, &p.JWKSURL); err != nil {
				writeError(w, http.StatusInternalServerError, codeInternal, "listing failed")
				return
			}
			out = append(out, p)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// PUT /admin/providers/{providerID}
// Updating a provider drops its cached key set so rotated keys take effect
// without waiting out the TTL.
func UpdateProviderHandler(dbh *sql.DB, keys *keycache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID := chi.URLParam(r, "providerID")
		var req providerPayload
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Name) == "" {
			writeError(w, http.StatusBadRequest, codeBadRequest, "name is required")
			return
		}
		if err := validateJWKSURL(req.JWKSURL); err != nil {
			writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
			return
		}
		res, err := dbh.ExecContext(r.Context(),
			`UPDATE providers SET name=$1, origin=$2, jwks_url=$3 WHERE id=$4`,
			req.Name, req.Origin, req.JWKSURL, providerID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, codeInternal, "could not update provider")
			return
		}
		if n, _ := res.RowsAffected(); n == 0 {
			writeError(w, http.StatusNotFound, codeNotFound, "unknown provider")
			return
		}
		keys.Invalidate(providerID)
		writeJSON(w, http.StatusOK, providerPayload{
			ID: providerID, Name: req.Name, Origin: req.Origin, JWKSURL: req.JWKSURL,
		})
	}
}
