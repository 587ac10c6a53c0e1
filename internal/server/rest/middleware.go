// Package rest is the HTTP management API of bpffsd.
// This file implements RS256 JWT bearer-token authentication.
//
// Protected requests must carry
//
//	Authorization: Bearer <compact-JWT>
//
// The token must be signed with RS256 by the configured key, must not be
// expired, and must match the configured issuer and audience when those are
// set. Verified claims are stored in the request context. Any failure ends
// the request with 401 and a JSON error body.
package rest

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey int

const claimsKey contextKey = 0

// Claims holds the verified JWT claims injected by JWTMiddleware.
type Claims struct {
	jwt.RegisteredClaims
}

// JWTConfig configures JWTMiddleware.
type JWTConfig struct {
	// PublicKey verifies RS256 signatures. Required.
	PublicKey *rsa.PublicKey
	// Issuer, if non-empty, must equal the "iss" claim.
	Issuer string
	// Audience, if non-empty, must appear in the "aud" claim.
	Audience string
	// Logger records authentication failures. Defaults to slog.Default().
	Logger *slog.Logger
}

// ClaimsFromContext returns the claims injected by JWTMiddleware, or nil
// for an unauthenticated request.
func ClaimsFromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey).(*Claims)
	return c
}

// ParseRSAPublicKey decodes a PEM-encoded RSA public key in PKCS#1
// ("RSA PUBLIC KEY") or PKIX ("PUBLIC KEY") form.
func ParseRSAPublicKey(pemData []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("jwt: no PEM block found in public key data")
	}
	switch block.Type {
	case "RSA PUBLIC KEY":
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("jwt: PKCS#1 parse error: %w", err)
		}
		return key, nil
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("jwt: PKIX parse error: %w", err)
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("jwt: public key is not an RSA key")
		}
		return rsaKey, nil
	}
	return nil, fmt.Errorf("jwt: unsupported PEM type %q", block.Type)
}

// JWTMiddleware returns middleware enforcing RS256 bearer tokens.
func JWTMiddleware(cfg JWTConfig) func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(opts...)
	keyFunc := func(*jwt.Token) (any, error) { return cfg.PublicKey, nil }

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := authenticate(r, parser, keyFunc)
			if err != nil {
				logger.Warn("rest: authentication failed",
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
					slog.Any("error", err),
				)
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func authenticate(r *http.Request, p *jwt.Parser, keyFunc jwt.Keyfunc) (*Claims, error) {
	raw := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(raw, "Bearer ")
	if !ok || token == "" {
		return nil, errors.New("missing or malformed Authorization header")
	}
	var claims Claims
	if _, err := p.ParseWithClaims(token, &claims, keyFunc); err != nil {
		return nil, err
	}
	return &claims, nil
}
