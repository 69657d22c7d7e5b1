package rest

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// generateTestKey creates a fresh 2048-bit RSA key pair for testing.
func generateTestKey(t *testing.T) (*rsa.PrivateKey, *rsa.PublicKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	return priv, &priv.PublicKey
}

// signToken creates a signed RS256 JWT with the given claims and private key.
func signToken(t *testing.T, priv *rsa.PrivateKey, claims jwt.Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := tok.SignedString(priv)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

// wrappedHandler is a trivial handler that records whether it was called.
func wrappedHandler(called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	})
}

func serveWithToken(h http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestJWTMiddleware_MissingHeader_Returns401(t *testing.T) {
	_, pub := generateTestKey(t)

	called := false
	h := JWTMiddleware(pub, nil)(wrappedHandler(&called))

	rec := serveWithToken(h, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if called {
		t.Error("next handler should not have been called")
	}
}

func TestJWTMiddleware_MalformedHeader_Returns401(t *testing.T) {
	_, pub := generateTestKey(t)

	called := false
	h := JWTMiddleware(pub, nil)(wrappedHandler(&called))

	for _, bad := range []string{"Basic abc", "token-without-scheme", "Bearer", "Bearer ", "Bearer a.b.c"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", bad)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("header %q: expected 401, got %d", bad, rec.Code)
		}
	}
	if called {
		t.Error("next handler should not have been called")
	}
}

func TestJWTMiddleware_ExpiredToken_Returns401(t *testing.T) {
	priv, pub := generateTestKey(t)

	called := false
	h := JWTMiddleware(pub, nil)(wrappedHandler(&called))

	tok := signToken(t, priv, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
	})
	if rec := serveWithToken(h, tok); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", rec.Code)
	}
	if called {
		t.Error("next handler should not have been called")
	}
}

func TestJWTMiddleware_WrongSigningKey_Returns401(t *testing.T) {
	priv, _ := generateTestKey(t)
	_, pub2 := generateTestKey(t)

	called := false
	h := JWTMiddleware(pub2, nil)(wrappedHandler(&called))

	tok := signToken(t, priv, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	if rec := serveWithToken(h, tok); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong key, got %d", rec.Code)
	}
	if called {
		t.Error("next handler should not have been called")
	}
}

func TestJWTMiddleware_HS256Rejected(t *testing.T) {
	_, pub := generateTestKey(t)

	called := false
	h := JWTMiddleware(pub, nil)(wrappedHandler(&called))

	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("shared-secret"))
	if err != nil {
		t.Fatalf("sign HS256: %v", err)
	}
	if rec := serveWithToken(h, tok); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for HS256 token, got %d", rec.Code)
	}
	if called {
		t.Error("next handler should not have been called")
	}
}

func TestJWTMiddleware_IssuerAndAudience(t *testing.T) {
	priv, pub := generateTestKey(t)
	h := JWTMiddleware(pub, nil, jwt.WithIssuer("ops"), jwt.WithAudience("dirwatch"))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }),
	)

	exp := jwt.NewNumericDate(time.Now().Add(time.Hour))
	tests := []struct {
		name   string
		claims jwt.RegisteredClaims
		want   int
	}{
		{"match", jwt.RegisteredClaims{Issuer: "ops", Audience: jwt.ClaimStrings{"dirwatch"}, ExpiresAt: exp}, http.StatusOK},
		{"audience in list", jwt.RegisteredClaims{Issuer: "ops", Audience: jwt.ClaimStrings{"other", "dirwatch"}, ExpiresAt: exp}, http.StatusOK},
		{"wrong issuer", jwt.RegisteredClaims{Issuer: "dev", Audience: jwt.ClaimStrings{"dirwatch"}, ExpiresAt: exp}, http.StatusUnauthorized},
		{"wrong audience", jwt.RegisteredClaims{Issuer: "ops", Audience: jwt.ClaimStrings{"billing"}, ExpiresAt: exp}, http.StatusUnauthorized},
		{"no audience", jwt.RegisteredClaims{Issuer: "ops", ExpiresAt: exp}, http.StatusUnauthorized},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if rec := serveWithToken(h, signToken(t, priv, tc.claims)); rec.Code != tc.want {
				t.Errorf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestJWTMiddleware_ValidToken_StoresClaimsInContext(t *testing.T) {
	priv, pub := generateTestKey(t)

	var gotClaims *Claims
	h := JWTMiddleware(pub, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClaims = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tok := signToken(t, priv, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		Subject:   "user-42",
	})
	if rec := serveWithToken(h, tok); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if gotClaims == nil {
		t.Fatal("expected Claims in context, got nil")
	}
	if gotClaims.Subject != "user-42" {
		t.Errorf("expected subject=user-42, got %q", gotClaims.Subject)
	}
}

func TestClaimsFromContext_NoClaimsReturnsNil(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if c := ClaimsFromContext(req.Context()); c != nil {
		t.Errorf("expected nil, got %+v", c)
	}
}

func TestLoadRSAPublicKey_PKIXAndPKCS1(t *testing.T) {
	_, pub := generateTestKey(t)
	dir := t.TempDir()

	pkix, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	blocks := map[string]*pem.Block{
		"pkix.pem":  {Type: "PUBLIC KEY", Bytes: pkix},
		"pkcs1.pem": {Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(pub)},
	}
	for name, block := range blocks {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		got, err := LoadRSAPublicKey(path)
		if err != nil {
			t.Fatalf("LoadRSAPublicKey(%s): %v", name, err)
		}
		if !got.Equal(pub) {
			t.Errorf("%s: parsed key does not match", name)
		}
	}
}

func TestLoadRSAPublicKey_Errors(t *testing.T) {
	if _, err := LoadRSAPublicKey(filepath.Join(t.TempDir(), "missing.pem")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := ParseRSAPublicKey([]byte("not pem")); err == nil {
		t.Error("expected error for non-PEM data")
	}
}

func TestJWTMiddleware_LogsRejectionToInjectedLogger(t *testing.T) {
	_, pub := generateTestKey(t)
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	cases := map[string]http.Handler{
		"middleware": JWTMiddleware(pub, logger)(wrappedHandler(new(bool))),
		"router":     NewRouter(NewServer(&mockWatcher{}, logger), pub),
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			logs.Reset()
			req := httptest.NewRequest(http.MethodGet, "/api/v1/paths", nil)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
			if !strings.Contains(logs.String(), "rest: authentication failed") {
				t.Errorf("rejection not logged to the injected logger; got %q", logs.String())
			}
		})
	}
}
