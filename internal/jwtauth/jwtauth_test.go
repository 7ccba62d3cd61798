package jwtauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

func genRSA(t *testing.T) (*rsa.PrivateKey, string, []byte) {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	kid := "test-key"
	jwk := jose.JSONWebKey{Key: &pk.PublicKey, KeyID: kid, Algorithm: "RS256", Use: "sig"}
	set := struct {
		Keys []jose.JSONWebKey `json:"keys"`
	}{Keys: []jose.JSONWebKey{jwk}}
	b, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return pk, kid, b
}

func signToken(t *testing.T, pk *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func unsigned(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func jwksServer(t *testing.T, keys []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(keys)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestParseUnverified(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	tok := unsigned(t, jwt.MapClaims{"sub": "user-1", "role": "ADMIN", "exp": exp.Unix()})

	c, err := ParseUnverified(tok)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.Subject != "user-1" || c.Role != "ADMIN" || !c.ExpiresAt.Equal(exp) {
		t.Fatalf("unexpected claims %+v", c)
	}
}

func TestParseUnverified_Malformed(t *testing.T) {
	for _, tok := range []string{"", "not-a-jwt", "a.b.c"} {
		if _, err := ParseUnverified(tok); !errors.Is(err, ErrMalformed) {
			t.Fatalf("%q: expected ErrMalformed, got %v", tok, err)
		}
	}
}

func TestIsExpired_Buffer(t *testing.T) {
	now := time.Now()
	soon := unsigned(t, jwt.MapClaims{"exp": now.Add(10 * time.Second).Unix()})
	later := unsigned(t, jwt.MapClaims{"exp": now.Add(10 * time.Minute).Unix()})
	noExp := unsigned(t, jwt.MapClaims{"sub": "x"})

	if !IsExpired(soon, now, 30*time.Second) {
		t.Fatal("token expiring inside the buffer should count as expired")
	}
	if IsExpired(soon, now, 0) {
		t.Fatal("token should be valid without a buffer")
	}
	if IsExpired(later, now, 30*time.Second) {
		t.Fatal("token expiring after the buffer should be valid")
	}
	if !IsExpired(noExp, now, 0) {
		t.Fatal("token without exp should count as expired")
	}
	if !IsExpired("garbage", now, 0) {
		t.Fatal("undecodable token should count as expired")
	}
}

func TestExpiresIn(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	tok := unsigned(t, jwt.MapClaims{"exp": now.Add(time.Minute).Unix()})
	d, ok := ExpiresIn(tok, now)
	if !ok || d != time.Minute {
		t.Fatalf("expected 1m, got %v %v", d, ok)
	}
	if _, ok := ExpiresIn("garbage", now); ok {
		t.Fatal("expected no expiry for garbage")
	}
}

func TestJWKSVerifier_HappyPath(t *testing.T) {
	pk, kid, keys := genRSA(t)
	srv := jwksServer(t, keys)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := DefaultStaticConfig()
	cfg.Issuer = "https://auth.example.com"
	cfg.ExpectedAudiences = []string{"console"}
	v, err := NewJWKSVerifier(ctx, cfg, srv.URL)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	tok := signToken(t, pk, kid, jwt.MapClaims{
		"iss": "https://auth.example.com",
		"sub": "user-123",
		"aud": []string{"other", "console"},
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	ui, err := v.CheckAuthentication(ctx, tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ui.UserID() != "user-123" {
		t.Fatalf("unexpected sub %q", ui.UserID())
	}
	var extra struct {
		Iss string `json:"iss"`
	}
	if err := ui.Claims(&extra); err != nil || extra.Iss != "https://auth.example.com" {
		t.Fatalf("claims: %v %+v", err, extra)
	}
}

func TestJWKSVerifier_Rejects(t *testing.T) {
	pk, kid, keys := genRSA(t)
	srv := jwksServer(t, keys)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := DefaultStaticConfig()
	cfg.Leeway = 0
	cfg.ExpectedAudiences = []string{"console"}
	v, err := NewJWKSVerifier(ctx, cfg, srv.URL)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	expired := signToken(t, pk, kid, jwt.MapClaims{"sub": "u", "aud": "console", "exp": time.Now().Add(-time.Minute).Unix()})
	wrongAud := signToken(t, pk, kid, jwt.MapClaims{"sub": "u", "aud": "elsewhere", "exp": time.Now().Add(time.Hour).Unix()})
	noSub := signToken(t, pk, kid, jwt.MapClaims{"aud": "console", "exp": time.Now().Add(time.Hour).Unix()})
	hmac := unsigned(t, jwt.MapClaims{"sub": "u", "aud": "console", "exp": time.Now().Add(time.Hour).Unix()})

	for name, tok := range map[string]string{"expired": expired, "audience": wrongAud, "sub": noSub, "alg": hmac} {
		if _, err := v.CheckAuthentication(ctx, tok); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("%s: expected ErrUnauthorized, got %v", name, err)
		}
	}
}
