// Package rest provides the HTTP control API of dirwatch.
// This file implements RS256 JWT bearer-token authentication middleware.
//
// # Authentication Flow
//
// All requests to protected routes must include an Authorization header:
//
//	Authorization: Bearer <compact-JWT>
//
// The middleware parses the token with golang-jwt, accepting only RS256,
// verifies the signature against the configured public key, checks the
// registered time claims and any issuer or audience parser options, and
// injects the verified [Claims] into the request context.
//
// On any failure the middleware responds with HTTP 401 and a JSON error body;
// it does NOT call the next handler.
package rest

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey int

const claimsKey contextKey = 0

// Claims holds the verified JWT payload claims that are injected into the
// request context by [JWTMiddleware] on successful authentication.
type Claims struct {
	jwt.RegisteredClaims
}

// ClaimsFromContext retrieves the verified [Claims] injected by
// [JWTMiddleware]. It returns nil for unauthenticated requests.
func ClaimsFromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey).(*Claims)
	return c
}

// ParseRSAPublicKey parses a PEM-encoded RSA public key in either PKCS#1
// ("RSA PUBLIC KEY") or PKIX ("PUBLIC KEY") form.
func ParseRSAPublicKey(pemData []byte) (*rsa.PublicKey, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM(pemData)
	if err != nil {
		return nil, fmt.Errorf("rest: parse public key: %w", err)
	}
	return key, nil
}

// LoadRSAPublicKey reads and parses the PEM public key at path.
func LoadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rest: read public key %q: %w", path, err)
	}
	return ParseRSAPublicKey(data)
}

// JWTMiddleware returns chi-compatible middleware enforcing RS256 bearer
// tokens signed by the private half of pub. Rejected requests are logged to
// logger (slog.Default when nil). Extra parser options such as
// jwt.WithIssuer or jwt.WithAudience tighten validation.
func JWTMiddleware(pub *rsa.PublicKey, logger *slog.Logger, opts ...jwt.ParserOption) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	parser := jwt.NewParser(append([]jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
	}, opts...)...)
	keyFunc := func(*jwt.Token) (any, error) { return pub, nil }

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := authenticate(r, parser, keyFunc)
			if err != nil {
				logger.Warn("rest: authentication failed",
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
					slog.String("error", err.Error()),
				)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func authenticate(r *http.Request, parser *jwt.Parser, keyFunc jwt.Keyfunc) (*Claims, error) {
	raw := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(raw, "Bearer ")
	if !ok {
		return nil, errors.New("missing or malformed Authorization header")
	}
	if token == "" {
		return nil, errors.New("empty bearer token")
	}

	var claims Claims
	if _, err := parser.ParseWithClaims(token, &claims, keyFunc); err != nil {
		return nil, err
	}
	return &claims, nil
}

// writeJSONError writes an HTTP error response with a JSON body.
func writeJSONError(w http.ResponseWriter, code int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	body := fmt.Sprintf(`{"error":%q}`, detail)
	_, _ = w.Write([]byte(body))
}
