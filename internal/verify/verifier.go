// internal/verify/verifier.go
package verify

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mind-engage/runtime-gateway/internal/keycache"
)

/*
Verification of provider-signed outcome callbacks.

The key set is always resolved server-side from the provider record (via the
key cache) before calling Verify; jku/x5u or any other key-location hint a
token might carry is ignored, which closes off key-confusion attacks where
the attacker points the platform at keys they control.

Verify is synchronous and side-effect free. The raw token value is never
logged or embedded in returned errors.
*/

var (
	// ErrInvalidSignature covers unknown kids, algorithm mismatches and
	// signatures that fail against every candidate key.
	ErrInvalidSignature = errors.New("verify: invalid signature")
	// ErrExpired reports a token past its own exp claim.
	ErrExpired = errors.New("verify: token expired")
	// ErrClaimMismatch reports claims bound to a different course than the
	// request's.
	ErrClaimMismatch = errors.New("verify: claims do not match request")
)

// ProviderClaims is the verified payload of a provider callback token.
type ProviderClaims struct {
	CourseID string `json:"courseId"`
	jwt.RegisteredClaims
}

// Verify validates bearerToken against ks and binds it to expectedCourseID.
func Verify(bearerToken string, ks *keycache.KeySet, expectedCourseID string) (*ProviderClaims, error) {
	if ks == nil || len(ks.Keys) == 0 {
		return nil, ErrInvalidSignature
	}

	claims := &ProviderClaims{}
	token, err := jwt.ParseWithClaims(bearerToken, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		candidates := ks.ByKid(kid)
		if len(candidates) == 0 {
			return nil, fmt.Errorf("no key for kid %q", kid)
		}
		if len(candidates) == 1 {
			return candidates[0], nil
		}
		// Several keys without a distinguishing kid: let the library try
		// each in turn.
		keys := make([]jwt.VerificationKey, 0, len(candidates))
		for _, k := range candidates {
			keys = append(keys, k)
		}
		return jwt.VerificationKeySet{Keys: keys}, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, ErrInvalidSignature
	}
	if !token.Valid {
		return nil, ErrInvalidSignature
	}

	if strings.TrimSpace(claims.CourseID) == "" || claims.CourseID != expectedCourseID {
		return nil, ErrClaimMismatch
	}
	return claims, nil
}
