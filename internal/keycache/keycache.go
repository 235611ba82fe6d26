// internal/keycache/keycache.go
package keycache

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

/*
Per-provider JWKS cache.

Key material always comes from the provider record's configured JWKS URL,
resolved server-side; nothing in this package ever follows a key-location
hint embedded in a caller-supplied token.

Freshness model:
  - entries younger than TTL are served without touching the network
  - stale entries trigger one coalesced refetch; concurrent callers share it
  - a failed refetch keeps serving the stale entry up to MaxStale, after
    which the provider is treated as unverifiable (ErrKeyFetch)
*/

// ErrKeyFetch covers unreachable endpoints, non-2xx responses and malformed
// key material. Callers surface it as an authentication failure, never as a
// silent verification bypass.
var ErrKeyFetch = errors.New("keycache: key set unavailable")

// KeySet holds a provider's usable RSA public keys, indexed by kid. Keys
// without a kid are kept under their list position so verification can still
// try them all.
type KeySet struct {
	ProviderID string
	Keys       []PublicKey
	FetchedAt  time.Time
}

type PublicKey struct {
	Kid string
	Key *rsa.PublicKey
}

// ByKid returns the keys matching kid, or every key when kid is empty.
func (ks *KeySet) ByKid(kid string) []*rsa.PublicKey {
	var out []*rsa.PublicKey
	for _, k := range ks.Keys {
		if kid == "" || k.Kid == kid {
			out = append(out, k.Key)
		}
	}
	return out
}

type entry struct {
	set       *KeySet
	fetchedAt time.Time
}

type Cache struct {
	TTL      time.Duration
	MaxStale time.Duration

	client *http.Client

	mu      sync.RWMutex
	entries map[string]*entry

	group singleflight.Group

	now func() time.Time
}

// New creates a cache. fetchTimeout bounds each outbound JWKS request;
// zero values pick defaults (10m TTL, 1h ceiling, 5s timeout).
func New(ttl, maxStale, fetchTimeout time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if maxStale < ttl {
		maxStale = time.Hour
	}
	if fetchTimeout <= 0 {
		fetchTimeout = 5 * time.Second
	}
	return &Cache{
		TTL:      ttl,
		MaxStale: maxStale,
		client:   &http.Client{Timeout: fetchTimeout},
		entries:  make(map[string]*entry),
		now:      time.Now,
	}
}

// NewWithClock is New with an injected clock (tests).
func NewWithClock(ttl, maxStale, fetchTimeout time.Duration, now func() time.Time) *Cache {
	c := New(ttl, maxStale, fetchTimeout)
	if now != nil {
		c.now = now
	}
	return c
}

// Get returns the provider's key set, fetching or refreshing as needed.
func (c *Cache) Get(ctx context.Context, providerID, jwksURL string) (*KeySet, error) {
	if strings.TrimSpace(jwksURL) == "" {
		return nil, fmt.Errorf("%w: no JWKS URL configured", ErrKeyFetch)
	}
	now := c.now()

	c.mu.RLock()
	e := c.entries[providerID]
	c.mu.RUnlock()

	if e != nil && now.Sub(e.fetchedAt) < c.TTL {
		return e.set, nil
	}

	// Stale or missing: coalesce concurrent refreshes per provider.
	v, err, _ := c.group.Do(providerID, func() (any, error) {
		// Another caller may have refreshed while we queued.
		c.mu.RLock()
		cur := c.entries[providerID]
		c.mu.RUnlock()
		if cur != nil && c.now().Sub(cur.fetchedAt) < c.TTL {
			return cur.set, nil
		}

		set, ferr := c.fetch(ctx, providerID, jwksURL)
		if ferr != nil {
			// A failed refresh must not evict a still-usable entry, but a
			// set past the staleness ceiling is never served.
			if cur != nil && c.now().Sub(cur.fetchedAt) < c.MaxStale {
				return cur.set, nil
			}
			return nil, ferr
		}

		c.mu.Lock()
		c.entries[providerID] = &entry{set: set, fetchedAt: set.FetchedAt}
		c.mu.Unlock()
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*KeySet), nil
}

// Invalidate drops the provider's cached entry (admin key rotation).
func (c *Cache) Invalidate(providerID string) {
	c.mu.Lock()
	delete(c.entries, providerID)
	c.mu.Unlock()
}

func (c *Cache) fetch(ctx context.Context, providerID, jwksURL string) (*KeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: bad JWKS URL", ErrKeyFetch)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: endpoint returned %d", ErrKeyFetch, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFetch, err)
	}

	set, err := parseJWKS(body)
	if err != nil {
		return nil, err
	}
	set.ProviderID = providerID
	set.FetchedAt = c.now()
	return set, nil
}

type jwk struct {
	Kty string `json:"kty"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
	Use string `json:"use,omitempty"`
	Kid string `json:"kid,omitempty"`
	Alg string `json:"alg,omitempty"`
}

type jwks struct {
	Keys []jwk `json:"keys"`
}

func parseJWKS(body []byte) (*KeySet, error) {
	var doc jwks
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: malformed JWKS document", ErrKeyFetch)
	}
	set := &KeySet{}
	for _, k := range doc.Keys {
		if k.Kty != "RSA" {
			continue
		}
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		pub, err := rsaPublicFromJWK(k)
		if err != nil {
			continue
		}
		set.Keys = append(set.Keys, PublicKey{Kid: k.Kid, Key: pub})
	}
	if len(set.Keys) == 0 {
		return nil, fmt.Errorf("%w: no usable RSA keys", ErrKeyFetch)
	}
	return set, nil
}

func rsaPublicFromJWK(k jwk) (*rsa.PublicKey, error) {
	if k.N == "" || k.E == "" {
		return nil, errors.New("missing modulus/exponent")
	}
	nb, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, err
	}
	eb, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, err
	}
	n := new(big.Int).SetBytes(nb)
	e := 0
	for _, b := range eb {
		e = (e << 8) | int(b)
	}
	if e == 0 {
		return nil, errors.New("zero exponent")
	}
	return &rsa.PublicKey{N: n, E: e}, nil
}
