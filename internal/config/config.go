package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr  string
	PublicURL string

	DBDriver string
	DBDSN    string

	// Trusted-internal deployments skip provider signature checks even when
	// a JWKS URL is configured (e.g. single-box installs behind a proxy).
	TrustedInternal bool

	// Master switch for the interactive runtime surface. Per-course
	// enablement is stored on the course row.
	EnableRuntime bool

	// Webhook rate limit, applied per course.
	WebhookRateLimit  int
	WebhookRateWindow time.Duration

	// Launch / runtime token lifetimes.
	LaunchTokenTTL  time.Duration
	RuntimeTokenTTL time.Duration

	// Key cache freshness.
	KeyCacheTTL       time.Duration
	KeyCacheMaxStale  time.Duration
	KeyFetchTimeout   time.Duration

	RuntimeHMACSecret string

	AdminUser     string
	AdminPassHash string // bcrypt

	CORSOrigins []string
}

func FromEnv() Config {
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	return Config{
		HTTPAddr:  addr,
		PublicURL: os.Getenv("PUBLIC_URL"),

		DBDriver: envOr("DB_DRIVER", "sqlite"),
		DBDSN:    envOr("DB_DSN", ""),

		TrustedInternal: envBool("TRUSTED_INTERNAL", false),
		EnableRuntime:   envBool("ENABLE_RUNTIME", true),

		WebhookRateLimit:  envInt("WEBHOOK_RATE_LIMIT", 60),
		WebhookRateWindow: envDuration("WEBHOOK_RATE_WINDOW", time.Minute),

		LaunchTokenTTL:  envDuration("LAUNCH_TOKEN_TTL", 5*time.Minute),
		RuntimeTokenTTL: envDuration("RUNTIME_TOKEN_TTL", 15*time.Minute),

		KeyCacheTTL:      envDuration("KEY_CACHE_TTL", 10*time.Minute),
		KeyCacheMaxStale: envDuration("KEY_CACHE_MAX_STALE", time.Hour),
		KeyFetchTimeout:  envDuration("KEY_FETCH_TIMEOUT", 5*time.Second),

		RuntimeHMACSecret: envOr("RUNTIME_HMAC_SECRET", "supersecret-dev-key"),

		AdminUser:     envOr("ADMIN_USER", "admin"),
		AdminPassHash: envOr("ADMIN_PASS_HASH", "$2y$12$pyZAiWaTfVtM7UElIRStvOC3gNbnp70nmQU4eYopLGBfCJr1DOvji"),

		CORSOrigins: csvOr("CORS_ORIGINS", "http://localhost:3000"),
	}
}

func envOr(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func envBool(k string, def bool) bool {
	switch os.Getenv(k) {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return def
	}
}

func envInt(k string, def int) int {
	v, err := strconv.Atoi(os.Getenv(k))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func envDuration(k string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(k))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func csvOr(k, def string) []string {
	v := envOr(k, def)
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
