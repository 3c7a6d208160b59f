// Package auth guards the tool and admin endpoints with HS256 bearer tokens
// and carries request-scoped identity.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Mindburn-Labs/callbridge/pkg/api"
	"github.com/golang-jwt/jwt/v5"
)

// ErrNoSecret is returned when a validator is built without a signing secret.
var ErrNoSecret = errors.New("auth: signing secret is required")

// Claims are the JWT claims the service expects. Roles scope what a caller
// may do: "agent" for tool calls, "ops" for call placement and registries.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// JWTValidator verifies HS256 tokens signed with a shared secret.
type JWTValidator struct {
	secret []byte
	issuer string
}

// NewJWTValidator creates a validator. A non-empty issuer is enforced.
func NewJWTValidator(secret, issuer string) (*JWTValidator, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	return &JWTValidator{secret: []byte(secret), issuer: issuer}, nil
}

// Validate parses and validates a token string.
func (v *JWTValidator) Validate(tokenStr string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Issue signs a token for subject with the given roles and lifetime. Used by
// the CLI to mint tokens for the agent platform.
func (v *JWTValidator) Issue(subject string, roles []string, ttl time.Duration, now time.Time) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// DefaultPublicPaths bypass token checks. The webhook carries its own HMAC.
var DefaultPublicPaths = []string{"/health", "/webhooks/calls"}

// NewMiddleware creates bearer-token middleware. A nil validator rejects
// every non-public request.
func NewMiddleware(validator *JWTValidator, publicPaths ...string) func(http.Handler) http.Handler {
	if len(publicPaths) == 0 {
		publicPaths = DefaultPublicPaths
	}
	public := make(map[string]bool, len(publicPaths))
	for _, p := range publicPaths {
		public[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if public[r.URL.Path] || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				api.WriteUnauthorized(w, r, "Missing Authorization header")
				return
			}
			scheme, tokenStr, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") {
				api.WriteUnauthorized(w, r, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}
			if validator == nil {
				api.WriteUnauthorized(w, r, "Authentication not configured")
				return
			}

			claims, err := validator.Validate(strings.TrimSpace(tokenStr))
			if err != nil {
				api.WriteUnauthorized(w, r, "Invalid or expired token")
				return
			}
			if claims.Subject == "" {
				api.WriteUnauthorized(w, r, "Token subject is required")
				return
			}

			p := &BasePrincipal{ID: claims.Subject, Roles: claims.Roles}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireRole rejects principals without role with 403. Paths not matching
// any prefix pass through.
func RequireRole(role string, prefixes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			guarded := false
			for _, pre := range prefixes {
				if strings.HasPrefix(r.URL.Path, pre) {
					guarded = true
					break
				}
			}
			if !guarded {
				next.ServeHTTP(w, r)
				return
			}
			p, err := GetPrincipal(r.Context())
			if err != nil || !p.HasRole(role) {
				api.WriteForbidden(w, r, fmt.Sprintf("role %q required", role))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
