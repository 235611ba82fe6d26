// internal/api/http/routes.go
package http

import (
	"database/sql"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mind-engage/runtime-gateway/internal/keycache"
	"github.com/mind-engage/runtime-gateway/internal/outcome"
	"github.com/mind-engage/runtime-gateway/internal/session"
)

// Deps carries the wired services the gateway routes need.
type Deps struct {
	DB       *sql.DB
	Sessions *session.Manager
	Ingestor *outcome.Ingestor
	Store    outcome.Store
	Keys     *keycache.Cache

	AdminUser     string
	AdminPassHash string
}

// Mount attaches the gateway surface onto r. Process-level middleware
// (request IDs, logging, CORS, timeouts) is the caller's concern.
func Mount(r chi.Router, d Deps) {
	r.Route("/runtime", func(rr chi.Router) {
		rr.Post("/exchange", ExchangeHandler(d.Sessions))
		rr.Get("/context", ContextHandler(d.Sessions))
		rr.Post("/outcomes", IngestOutcomeHandler(d.Ingestor))
		rr.Get("/courses/{courseID}/outcomes", ListOutcomesHandler(d.Store))

		rr.With(AdminAuth(d.AdminUser, d.AdminPassHash)).
			Post("/launch", LaunchHandler(d.Sessions, d.Store))
	})

	r.Route("/admin/providers", func(ar chi.Router) {
		ar.Use(AdminAuth(d.AdminUser, d.AdminPassHash))
		ar.Post("/", CreateProviderHandler(d.DB))
		ar.Get("/", ListProvidersHandler(d.DB))
		ar.Put("/{providerID}", UpdateProviderHandler(d.DB, d.Keys))
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
}
