package main

import (
	"context"
	"log"
	"net/http"
	"time"

	api "github.com/mind-engage/runtime-gateway/internal/api/http"
	"github.com/mind-engage/runtime-gateway/internal/config"
	"github.com/mind-engage/runtime-gateway/internal/db"
	"github.com/mind-engage/runtime-gateway/internal/keycache"
	"github.com/mind-engage/runtime-gateway/internal/notify"
	"github.com/mind-engage/runtime-gateway/internal/outcome"
	"github.com/mind-engage/runtime-gateway/internal/ratelimit"
	"github.com/mind-engage/runtime-gateway/internal/session"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func main() {
	cfg := config.FromEnv()

	// --- DB ---
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dbh, err := db.Open(ctx, db.Driver(cfg.DBDriver), cfg.DBDSN)
	if err != nil {
		log.Fatalf("db open failed: %v", err)
	}

	store := outcome.NewSQLStore(dbh)
	keys := keycache.New(cfg.KeyCacheTTL, cfg.KeyCacheMaxStale, cfg.KeyFetchTimeout)
	limiter := ratelimit.New(0)
	notifier := notify.NewRepo(dbh)

	sessions := session.NewManager(session.NewSQLStore(dbh), store, cfg.RuntimeHMACSecret)
	sessions.LaunchTTL = cfg.LaunchTokenTTL
	sessions.RuntimeTTL = cfg.RuntimeTokenTTL

	ingestor := outcome.NewIngestor(store, keys, limiter, notifier)
	ingestor.Enabled = cfg.EnableRuntime
	ingestor.TrustedInternal = cfg.TrustedInternal
	ingestor.RateLimit = cfg.WebhookRateLimit
	ingestor.RateWindow = cfg.WebhookRateWindow

	// --- Router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(api.EchoRequestID)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Total-Count", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	api.Mount(r, api.Deps{
		DB:            dbh,
		Sessions:      sessions,
		Ingestor:      ingestor,
		Store:         store,
		Keys:          keys,
		AdminUser:     cfg.AdminUser,
		AdminPassHash: cfg.AdminPassHash,
	})

	log.Printf("listening on %s (db=%s, runtime_enabled=%v, trusted_internal=%v)",
		cfg.HTTPAddr, cfg.DBDriver, cfg.EnableRuntime, cfg.TrustedInternal)
	log.Fatal(http.ListenAndServe(cfg.HTTPAddr, r))
}
