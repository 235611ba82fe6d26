package http_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"

	api "github.com/mind-engage/runtime-gateway/internal/api/http"
	"github.com/mind-engage/runtime-gateway/internal/keycache"
	"github.com/mind-engage/runtime-gateway/internal/outcome"
	"github.com/mind-engage/runtime-gateway/internal/ratelimit"
	"github.com/mind-engage/runtime-gateway/internal/session"
)

/* ---------------- In-memory store satisfying outcome.Store & session.ScopeSource ---------------- */

type memStore struct {
	mu        sync.Mutex
	courses   map[string]outcome.Course
	providers map[string]outcome.Provider
	attempts  []outcome.Attempt
}

func newMemStore() *memStore {
	return &memStore{
		courses:   map[string]outcome.Course{},
		providers: map[string]outcome.Provider{},
	}
}

func (s *memStore) FindCourse(_ context.Context, id string) (outcome.Course, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.courses[id]
	if !ok {
		return outcome.Course{}, outcome.ErrCourseNotFound
	}
	return c, nil
}

func (s *memStore) CourseScopes(ctx context.Context, id string) ([]string, error) {
	c, err := s.FindCourse(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.Scopes, nil
}

func (s *memStore) FindProvider(_ context.Context, id string) (outcome.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[id]
	if !ok {
		return outcome.Provider{}, outcome.ErrProviderNotFound
	}
	return p, nil
}

func (s *memStore) InsertAttempt(_ context.Context, a outcome.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, a)
	return nil
}

func (s *memStore) FindAttemptByEvent(_ context.Context, courseID, eventID string) (outcome.Attempt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.attempts {
		if a.CourseID == courseID && a.EventID == eventID {
			return a, true, nil
		}
	}
	return outcome.Attempt{}, false, nil
}

func (s *memStore) ListByCourse(_ context.Context, courseID string, limit, offset int) ([]outcome.Attempt, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []outcome.Attempt
	for _, a := range s.attempts {
		if a.CourseID == courseID {
			all = append(all, a)
		}
	}
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}

/* ------------------------------------------ Harness ------------------------------------------ */

type testGateway struct {
	store    *memStore
	sessions *session.Manager
	ingestor *outcome.Ingestor
	srv      *httptest.Server
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	st := newMemStore()
	st.courses["c1"] = outcome.Course{
		ID: "c1", Name: "Algebra", RuntimeEnabled: true,
		Scopes: []string{session.ScopeContextRead, session.ScopeProgressWrite, session.ScopeAttemptsWrite},
	}

	sessions := session.NewManager(session.NewMemoryStore(), st, "test-secret")
	keys := keycache.New(time.Minute, time.Hour, 2*time.Second)
	ingestor := outcome.NewIngestor(st, keys, ratelimit.New(0), nil)

	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(api.EchoRequestID)
	api.Mount(r, api.Deps{
		Sessions:      sessions,
		Ingestor:      ingestor,
		Store:         st,
		Keys:          keys,
		AdminUser:     "admin",
		AdminPassHash: string(hash),
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testGateway{store: st, sessions: sessions, ingestor: ingestor, srv: srv}
}

func (g *testGateway) post(t *testing.T, path, body, bearer string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, g.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

/* ------------------------------------------ Tests ------------------------------------------ */

func TestLaunchExchangeProgressFlow(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	lt, err := g.sessions.Issue(ctx, "c1", "u1", "student")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	// Exchange T1 -> R1 bound to c1.
	resp, body := g.post(t, "/runtime/exchange", fmt.Sprintf(`{"token":%q}`, lt.Token), "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("exchange: expected 200, got %d (%v)", resp.StatusCode, body)
	}
	runtimeToken, _ := body["runtimeToken"].(string)
	if runtimeToken == "" {
		t.Fatalf("expected a runtime token in response")
	}

	// Context echo with R1.
	req, _ := http.NewRequest(http.MethodGet, g.srv.URL+"/runtime/context", nil)
	req.Header.Set("Authorization", "Bearer "+runtimeToken)
	cresp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("context: %v", err)
	}
	defer cresp.Body.Close()
	var cbody map[string]any
	_ = json.NewDecoder(cresp.Body).Decode(&cbody)
	if cresp.StatusCode != http.StatusOK || cbody["courseId"] != "c1" || cbody["userId"] != "u1" {
		t.Fatalf("context echo wrong: %d %v", cresp.StatusCode, cbody)
	}

	// Progress event for c1 -> 201 with stored pct.
	resp, body = g.post(t, "/runtime/outcomes",
		`{"courseId":"c1","userId":"u1","event":{"type":"progress","pct":42}}`, runtimeToken)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("outcome: expected 201, got %d (%v)", resp.StatusCode, body)
	}
	if pct, _ := body["pct"].(float64); pct != 42 {
		t.Fatalf("expected stored pct=42, got %v", body["pct"])
	}

	// Replaying T1 must fail with 409.
	resp, body = g.post(t, "/runtime/exchange", fmt.Sprintf(`{"token":%q}`, lt.Token), "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("re-exchange: expected 409, got %d (%v)", resp.StatusCode, body)
	}
	if body["error"] != "already_consumed" {
		t.Fatalf("expected already_consumed code, got %v", body["error"])
	}
}

func TestExchange_ErrorStatuses(t *testing.T) {
	g := newTestGateway(t)

	resp, _ := g.post(t, "/runtime/exchange", `{"token":""}`, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty token: expected 400, got %d", resp.StatusCode)
	}

	resp, body := g.post(t, "/runtime/exchange", `{"token":"nope"}`, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown token: expected 404, got %d (%v)", resp.StatusCode, body)
	}
}

func TestOutcome_ProviderSignatureRequirement(t *testing.T) {
	g := newTestGateway(t)
	// c2 is bound to a provider with a configured key endpoint.
	g.store.providers["p1"] = outcome.Provider{ID: "p1", Name: "Acme Labs", JWKSURL: "https://acme.example.com/jwks.json"}
	g.store.courses["c2"] = outcome.Course{ID: "c2", Name: "Physics", ProviderID: "p1", RuntimeEnabled: true}

	// Course without a provider accepts unsigned submissions.
	resp, body := g.post(t, "/runtime/outcomes",
		`{"courseId":"c1","userId":"u1","event":{"type":"progress","pct":10}}`, "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("unsigned c1: expected 201, got %d (%v)", resp.StatusCode, body)
	}

	// The same request against the provider-bound course is rejected.
	resp, body = g.post(t, "/runtime/outcomes",
		`{"courseId":"c2","userId":"u1","event":{"type":"progress","pct":10}}`, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unsigned c2: expected 401, got %d (%v)", resp.StatusCode, body)
	}
	if body["error"] != "unauthenticated" {
		t.Fatalf("expected unauthenticated code, got %v", body["error"])
	}
}

func TestOutcome_BadPayloadRejectedBeforeWrite(t *testing.T) {
	g := newTestGateway(t)

	resp, body := g.post(t, "/runtime/outcomes",
		`{"courseId":"c1","userId":"u1","event":{"type":"progress","pct":142}}`, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (%v)", resp.StatusCode, body)
	}
	if len(g.store.attempts) != 0 {
		t.Fatalf("rejected payload must not be written")
	}
}

func TestOutcome_RateLimitWindow(t *testing.T) {
	g := newTestGateway(t)
	g.ingestor.RateLimit = 60
	g.ingestor.RateWindow = 60000 * time.Millisecond

	body := `{"courseId":"c1","userId":"u1","event":{"type":"progress","pct":1}}`
	for i := 1; i <= 60; i++ {
		resp, _ := g.post(t, "/runtime/outcomes", body, "")
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("call %d: expected 201, got %d", i, resp.StatusCode)
		}
	}
	resp, respBody := g.post(t, "/runtime/outcomes", body, "")
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("call 61: expected 429, got %d (%v)", resp.StatusCode, respBody)
	}
	retryAfter, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || retryAfter < 0 {
		t.Fatalf("expected Retry-After >= 0, got %q", resp.Header.Get("Retry-After"))
	}
	if resp.Header.Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("expected remaining 0, got %q", resp.Header.Get("X-RateLimit-Remaining"))
	}
	if resp.Header.Get("X-RateLimit-Reset") == "" {
		t.Fatalf("expected a reset header")
	}
}

func TestOutcome_ListingWithTotalCount(t *testing.T) {
	g := newTestGateway(t)
	for i := 0; i < 5; i++ {
		resp, _ := g.post(t, "/runtime/outcomes",
			fmt.Sprintf(`{"courseId":"c1","userId":"u%d","event":{"type":"progress","pct":%d}}`, i, i*10), "")
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("seed %d: got %d", i, resp.StatusCode)
		}
	}

	resp, err := http.Get(g.srv.URL + "/runtime/courses/c1/outcomes?limit=2&offset=0")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Total-Count"); got != "5" {
		t.Fatalf("expected X-Total-Count 5, got %q", got)
	}
	var page []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("expected page of 2, got %d", len(page))
	}
}

func TestRequestIDEchoed(t *testing.T) {
	g := newTestGateway(t)

	resp, err := http.Get(g.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("expected generated X-Request-Id on response")
	}

	req, _ := http.NewRequest(http.MethodGet, g.srv.URL+"/healthz", nil)
	req.Header.Set("X-Request-Id", "corr-123")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-Id"); got != "corr-123" {
		t.Fatalf("expected caller correlation id echoed, got %q", got)
	}
}

func TestAdmin_ProviderValidationAndAuth(t *testing.T) {
	g := newTestGateway(t)

	// Missing credentials.
	resp, _ := g.post(t, "/admin/providers/", `{"name":"Acme"}`, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without admin auth, got %d", resp.StatusCode)
	}

	do := func(body string) (*http.Response, map[string]any) {
		req, _ := http.NewRequest(http.MethodPost, g.srv.URL+"/admin/providers/", strings.NewReader(body))
		req.SetBasicAuth("admin", "hunter2")
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("admin post: %v", err)
		}
		defer resp.Body.Close()
		var out map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&out)
		return resp, out
	}

	// Plain-http JWKS URL violates the provider invariant.
	resp2, body := do(`{"name":"Acme","jwksUrl":"http://acme.example.com/jwks.json"}`)
	if resp2.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for http jwksUrl, got %d (%v)", resp2.StatusCode, body)
	}
}
