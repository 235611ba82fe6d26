package verify

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mind-engage/runtime-gateway/internal/keycache"
)

func testKeySet(t *testing.T) (*keycache.KeySet, *rsa.PrivateKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa generate: %v", err)
	}
	ks := &keycache.KeySet{
		ProviderID: "p1",
		Keys:       []keycache.PublicKey{{Kid: "k1", Key: &priv.PublicKey}},
	}
	return ks, priv
}

func signToken(t *testing.T, priv *rsa.PrivateKey, kid, courseID string, exp time.Time) string {
	t.Helper()
	claims := &ProviderClaims{
		CourseID: courseID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "https://provider.example.com",
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	s, err := tok.SignedString(priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestVerify_Valid(t *testing.T) {
	ks, priv := testKeySet(t)
	raw := signToken(t, priv, "k1", "c1", time.Now().Add(time.Minute))

	claims, err := Verify(raw, ks, "c1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claims.CourseID != "c1" {
		t.Fatalf("expected courseId c1, got %q", claims.CourseID)
	}
}

func TestVerify_CourseMismatch(t *testing.T) {
	ks, priv := testKeySet(t)
	// Signature is valid, but the claims reference another course.
	raw := signToken(t, priv, "k1", "c2", time.Now().Add(time.Minute))

	_, err := Verify(raw, ks, "c1")
	if !errors.Is(err, ErrClaimMismatch) {
		t.Fatalf("expected ErrClaimMismatch, got %v", err)
	}
}

func TestVerify_Expired(t *testing.T) {
	ks, priv := testKeySet(t)
	raw := signToken(t, priv, "k1", "c1", time.Now().Add(-time.Minute))

	_, err := Verify(raw, ks, "c1")
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestVerify_WrongKey(t *testing.T) {
	ks, _ := testKeySet(t)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa generate: %v", err)
	}
	raw := signToken(t, other, "k1", "c1", time.Now().Add(time.Minute))

	if _, err := Verify(raw, ks, "c1"); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerify_UnknownKid(t *testing.T) {
	ks, priv := testKeySet(t)
	raw := signToken(t, priv, "other-kid", "c1", time.Now().Add(time.Minute))

	if _, err := Verify(raw, ks, "c1"); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for unknown kid, got %v", err)
	}
}

func TestVerify_RejectsHMAC(t *testing.T) {
	ks, _ := testKeySet(t)
	// Alg-confusion attempt: token signed HS256 with a shared string.
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, &ProviderClaims{
		CourseID: "c1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	})
	tok.Header["kid"] = "k1"
	raw, err := tok.SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := Verify(raw, ks, "c1"); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for HS256 token, got %v", err)
	}
}

func TestVerify_EmptyKeySet(t *testing.T) {
	if _, err := Verify("x.y.z", nil, "c1"); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for nil key set, got %v", err)
	}
}
