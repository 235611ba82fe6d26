// internal/session/session.go
package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

/*
Runtime session management for embedded activities.

A launch token is a single-use opaque credential minted when a user opens an
embedded activity. The activity exchanges it exactly once for a runtime
token: a short-lived HS256 JWT carrying the bound course, user and the scope
set configured on the course. Every downstream runtime-scoped call validates
the runtime token; the launch token is dead after one exchange.
*/

// Scopes grantable to a runtime session.
const (
	ScopeContextRead   = "context.read"
	ScopeProgressWrite = "progress.write"
	ScopeAttemptsWrite = "attempts.write"
)

var (
	ErrNotFound        = errors.New("session: launch token not found")
	ErrExpired         = errors.New("session: token expired")
	ErrAlreadyConsumed = errors.New("session: launch token already consumed")
	ErrUnknown         = errors.New("session: unknown runtime token")
)

// LaunchToken is the durable single-use credential.
type LaunchToken struct {
	Token     string
	CourseID  string
	UserID    string
	Role      string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// RuntimeToken is returned from a successful exchange.
type RuntimeToken struct {
	Token     string    `json:"runtimeToken"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// RuntimeClaims is the validated payload of a runtime token.
type RuntimeClaims struct {
	CourseID string   `json:"course"`
	Role     string   `json:"role"`
	Scopes   []string `json:"scopes"`
	jwt.RegisteredClaims
}

func (c *RuntimeClaims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// LaunchTokenStore persists launch tokens. Consume must be atomic: of two
// concurrent calls for the same token exactly one succeeds.
type LaunchTokenStore interface {
	Create(ctx context.Context, lt LaunchToken) error
	// Consume marks the token used and returns it. Fails with ErrNotFound,
	// ErrExpired or ErrAlreadyConsumed.
	Consume(ctx context.Context, token string, now time.Time) (LaunchToken, error)
}

// ScopeSource resolves the scope set configured for a course.
type ScopeSource interface {
	CourseScopes(ctx context.Context, courseID string) ([]string, error)
}

type Manager struct {
	store  LaunchTokenStore
	scopes ScopeSource
	hmac   []byte

	LaunchTTL  time.Duration
	RuntimeTTL time.Duration

	now func() time.Time
}

func NewManager(store LaunchTokenStore, scopes ScopeSource, secret string) *Manager {
	return &Manager{
		store:      store,
		scopes:     scopes,
		hmac:       []byte(secret),
		LaunchTTL:  5 * time.Minute,
		RuntimeTTL: 15 * time.Minute,
		now:        time.Now,
	}
}

// SetClock injects a clock (tests).
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Issue mints a launch token bound to one enrollment.
func (m *Manager) Issue(ctx context.Context, courseID, userID, role string) (LaunchToken, error) {
	now := m.now()
	lt := LaunchToken{
		Token:     uuid.NewString(),
		CourseID:  courseID,
		UserID:    userID,
		Role:      role,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.LaunchTTL),
	}
	if err := m.store.Create(ctx, lt); err != nil {
		return LaunchToken{}, err
	}
	return lt, nil
}

// Exchange consumes a launch token and mints a runtime token scoped to the
// bound course. Replays fail with ErrAlreadyConsumed.
func (m *Manager) Exchange(ctx context.Context, token string) (RuntimeToken, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return RuntimeToken{}, ErrNotFound
	}
	now := m.now()

	lt, err := m.store.Consume(ctx, token, now)
	if err != nil {
		return RuntimeToken{}, err
	}

	scopes, err := m.scopes.CourseScopes(ctx, lt.CourseID)
	if err != nil {
		return RuntimeToken{}, err
	}

	exp := now.Add(m.RuntimeTTL)
	claims := &RuntimeClaims{
		CourseID: lt.CourseID,
		Role:     lt.Role,
		Scopes:   scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "runtime-gateway",
			Subject:   lt.UserID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := t.SignedString(m.hmac)
	if err != nil {
		return RuntimeToken{}, err
	}
	return RuntimeToken{Token: signed, ExpiresAt: exp}, nil
}

// Validate checks a runtime token. Expired tokens are rejected, never
// silently extended.
func (m *Manager) Validate(tokenStr string) (*RuntimeClaims, error) {
	claims := &RuntimeClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		return m.hmac, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(m.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, ErrUnknown
	}
	if !token.Valid {
		return nil, ErrUnknown
	}
	return claims, nil
}
