package api

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"

	"todo-api/domain"
)

const (
	testIssuer   = "https://issuer.example/"
	testAudience = "api://todos"
)

func TestBearerTokenFromStringSuccess(t *testing.T) {
	token, err := bearerTokenFromString("  Bearer header.payload.signature ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "header.payload.signature" {
		t.Fatalf("unexpected token content: %s", token)
	}
}

func TestUserIDFromAuthHeaderMissing(t *testing.T) {
	auth := NewLocalAuth([]byte("secret"), testAudience, testIssuer)
	for _, raw := range []string{"", "   "} {
		if _, err := auth.UserIDFromAuthHeader(raw); !errors.Is(err, errMissingAuthorization) {
			t.Fatalf("%q: expected missing header error, got %v", raw, err)
		}
	}
}

func TestBearerTokenFromStringRejectsMalformed(t *testing.T) {
	for _, raw := range []string{
		"Bearer " + strings.Repeat(".", 1000),
		"Basic dXNlcjpwYXNz",
		"Bearer",
		"Bearer a.b",
		"token.without.scheme",
	} {
		if _, err := bearerTokenFromString(raw); !errors.Is(err, domain.ErrUnauthenticated) {
			t.Fatalf("%q: expected unauthenticated error, got %v", raw, err)
		}
	}
	if token, err := bearerTokenFromString("bearer a.b.c"); err != nil || token != "a.b.c" {
		t.Fatalf("scheme must be case-insensitive, got %q %v", token, err)
	}
}

func validClaims(sub string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"sub": sub,
		"aud": testAudience,
		"iss": testIssuer,
		"exp": now.Add(5 * time.Minute).Unix(),
		"nbf": now.Add(-time.Minute).Unix(),
		"iat": now.Add(-time.Minute).Unix(),
	}
}

func signHS256(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestUserIDFromBearerHS256(t *testing.T) {
	secret := []byte("test-secret")
	auth := NewLocalAuth(secret, testAudience, testIssuer)

	userID, err := auth.UserIDFromAuthHeader("Bearer " + signHS256(t, secret, validClaims("user-123")))
	if err != nil {
		t.Fatalf("unexpected error verifying token: %v", err)
	}
	if userID != "user-123" {
		t.Fatalf("unexpected user id: %s", userID)
	}
}

func TestUserIDFromBearerRejections(t *testing.T) {
	secret := []byte("test-secret")
	auth := NewLocalAuth(secret, testAudience, testIssuer)
	now := time.Now()

	tests := []struct {
		name   string
		mutate func(jwt.MapClaims)
		secret []byte
	}{
		{name: "expired", mutate: func(c jwt.MapClaims) { c["exp"] = now.Add(-2 * time.Minute).Unix() }},
		{name: "missing exp", mutate: func(c jwt.MapClaims) { delete(c, "exp") }},
		{name: "not yet valid", mutate: func(c jwt.MapClaims) { c["nbf"] = now.Add(5 * time.Minute).Unix() }},
		{name: "issued in future", mutate: func(c jwt.MapClaims) { c["iat"] = now.Add(5 * time.Minute).Unix() }},
		{name: "wrong issuer", mutate: func(c jwt.MapClaims) { c["iss"] = "https://evil.example/" }},
		{name: "wrong audience", mutate: func(c jwt.MapClaims) { c["aud"] = "api://other" }},
		{name: "missing sub", mutate: func(c jwt.MapClaims) { delete(c, "sub") }},
		{name: "bad signature", secret: []byte("other-secret")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims := validClaims("user-123")
			if tt.mutate != nil {
				tt.mutate(claims)
			}
			key := secret
			if tt.secret != nil {
				key = tt.secret
			}
			if _, err := auth.UserIDFromBearer(signHS256(t, key, claims)); !errors.Is(err, domain.ErrUnauthenticated) {
				t.Fatalf("expected unauthenticated error, got %v", err)
			}
		})
	}
}

func TestUserIDFromBearerToleratesSkewAndIssuerSlash(t *testing.T) {
	secret := []byte("test-secret")
	auth := NewLocalAuth(secret, "", strings.TrimSuffix(testIssuer, "/"))

	claims := validClaims("user-123")
	claims["exp"] = time.Now().Add(-30 * time.Second).Unix()
	claims["nbf"] = time.Now().Add(30 * time.Second).Unix()
	claims["aud"] = "api://anything"

	if _, err := auth.UserIDFromBearer(signHS256(t, secret, claims)); err != nil {
		t.Fatalf("expected token within skew to pass, got %v", err)
	}
}

func TestLocalAuthRejectsRS256Tokens(t *testing.T) {
	key := mustRSAKey(t)
	auth := NewLocalAuth([]byte("test-secret"), "", "")
	if _, err := auth.UserIDFromBearer(signRS256(t, key, "k1", validClaims("u1"))); err == nil {
		t.Fatalf("expected RS256 token to be rejected in local mode")
	}
}

type jwksServer struct {
	mu   sync.Mutex
	keys map[string]*rsa.PrivateKey
	hits int
	srv  *httptest.Server
}

func newJWKSServer(t *testing.T) *jwksServer {
	t.Helper()
	s := &jwksServer{keys: map[string]*rsa.PrivateKey{}}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.hits++
		type jwk struct {
			Kty string `json:"kty"`
			Kid string `json:"kid"`
			Use string `json:"use"`
			Alg string `json:"alg"`
			N   string `json:"n"`
			E   string `json:"e"`
		}
		set := struct {
			Keys []jwk `json:"keys"`
		}{Keys: []jwk{}}
		for kid, key := range s.keys {
			set.Keys = append(set.Keys, jwk{
				Kty: "RSA",
				Kid: kid,
				Use: "sig",
				Alg: "RS256",
				N:   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *jwksServer) publish(kid string, key *rsa.PrivateKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[kid] = key
}

func (s *jwksServer) requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits
}

func mustRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func signRS256(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func TestAuthRS256RefreshesOnUnknownKID(t *testing.T) {
	server := newJWKSServer(t)
	first := mustRSAKey(t)
	server.publish("k1", first)

	jwks, err := keyfunc.Get(server.srv.URL, keyfunc.Options{RefreshUnknownKID: true})
	if err != nil {
		t.Fatalf("load jwks: %v", err)
	}
	t.Cleanup(jwks.EndBackground)
	auth := NewAuth(jwks, testAudience, testIssuer)

	sub, err := auth.UserIDFromBearer(signRS256(t, first, "k1", validClaims("u1")))
	if err != nil || sub != "u1" {
		t.Fatalf("expected u1, got %q %v", sub, err)
	}

	rotated := mustRSAKey(t)
	server.publish("k2", rotated)
	before := server.requests()

	sub, err = auth.UserIDFromBearer(signRS256(t, rotated, "k2", validClaims("u2")))
	if err != nil || sub != "u2" {
		t.Fatalf("expected rotated key to verify after refresh, got %q %v", sub, err)
	}
	if server.requests() <= before {
		t.Fatalf("expected unknown kid to trigger a jwks fetch")
	}
}

func TestAuthRS256ExplicitRefresh(t *testing.T) {
	server := newJWKSServer(t)
	first := mustRSAKey(t)
	server.publish("k1", first)

	jwks, err := keyfunc.Get(server.srv.URL, keyfunc.Options{})
	if err != nil {
		t.Fatalf("load jwks: %v", err)
	}
	auth := NewAuth(jwks, "", testIssuer)

	rotated := mustRSAKey(t)
	server.publish("k2", rotated)
	token := signRS256(t, rotated, "k2", validClaims("u2"))

	if _, err := auth.UserIDFromBearer(token); !errors.Is(err, domain.ErrUnauthenticated) {
		t.Fatalf("expected unknown kid to fail without refresh, got %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := auth.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if sub, err := auth.UserIDFromBearer(token); err != nil || sub != "u2" {
		t.Fatalf("expected u2 after refresh, got %q %v", sub, err)
	}
}

func TestAuthRS256RejectsForgedKey(t *testing.T) {
	server := newJWKSServer(t)
	server.publish("k1", mustRSAKey(t))

	jwks, err := keyfunc.Get(server.srv.URL, keyfunc.Options{})
	if err != nil {
		t.Fatalf("load jwks: %v", err)
	}
	auth := NewAuth(jwks, "", "")

	forged := signRS256(t, mustRSAKey(t), "k1", validClaims("u1"))
	if _, err := auth.UserIDFromBearer(forged); !errors.Is(err, domain.ErrUnauthenticated) {
		t.Fatalf("expected forged token to be rejected, got %v", err)
	}
}
