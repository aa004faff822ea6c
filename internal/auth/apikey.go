// Package auth provides HTTP authentication with static API keys and HS256 bearer tokens.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const (
	// APIKeyHeader is the header for API key authentication
	APIKeyHeader = "X-API-Key"

	// principalContextKey is the context key for the authenticated caller
	principalContextKey contextKey = "principal"
)

// Roles
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Principal is the authenticated caller.
type Principal struct {
	Subject string
	Role    string
	// Method is "api_key", "jwt" or "none".
	Method string
}

// IsAdmin reports whether the caller may use admin endpoints.
func (p *Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// Authenticator validates request credentials.
type Authenticator struct {
	apiKeys  []string
	adminKey string
	jwt      *JWTManager
}

// NewAuthenticator creates an authenticator. jwtManager may be nil.
func NewAuthenticator(apiKeys []string, adminKey string, jwtManager *JWTManager) *Authenticator {
	keys := make([]string, 0, len(apiKeys))
	for _, k := range apiKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return &Authenticator{apiKeys: keys, adminKey: adminKey, jwt: jwtManager}
}

// Enabled reports whether any credential source is configured.
func (a *Authenticator) Enabled() bool {
	return len(a.apiKeys) > 0 || a.adminKey != "" || a.jwt != nil
}

// Authenticate resolves the caller of r. With no credential sources configured every
// caller is an anonymous admin.
func (a *Authenticator) Authenticate(r *http.Request) (*Principal, error) {
	if !a.Enabled() {
		return &Principal{Subject: "anonymous", Role: RoleAdmin, Method: "none"}, nil
	}

	if key := strings.TrimSpace(r.Header.Get(APIKeyHeader)); key != "" {
		if a.adminKey != "" && equal(key, a.adminKey) {
			return &Principal{Subject: "admin", Role: RoleAdmin, Method: "api_key"}, nil
		}
		for _, k := range a.apiKeys {
			if equal(key, k) {
				return &Principal{Subject: "api-key", Role: RoleUser, Method: "api_key"}, nil
			}
		}
		return nil, ErrInvalidAPIKey
	}

	if token, ok := bearerToken(r); ok {
		if a.jwt == nil {
			return nil, ErrInvalidToken
		}
		claims, err := a.jwt.ValidateToken(token)
		if err != nil {
			return nil, err
		}
		return &Principal{Subject: claims.Subject, Role: claims.Role, Method: "jwt"}, nil
	}

	return nil, ErrMissingCredentials
}

// Middleware rejects unauthenticated requests with 401 and stores the principal in the
// request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := a.Authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// RequireAdmin rejects non-admin callers with 403. It must run after Middleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, ErrMissingCredentials.Error())
			return
		}
		if !p.IsAdmin() {
			writeError(w, http.StatusForbidden, "admin credentials required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// PrincipalFromContext extracts the caller from context
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(*Principal)
	return p, ok
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
