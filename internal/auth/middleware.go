package auth

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const (
	PrincipalContextKey contextKey = "principal"
	CookieName          string     = "agrowatch_token"
)

// Middleware handles authentication for protected routes
type Middleware struct {
	jwtManager *JWTManager
}

// NewMiddleware creates new auth middleware
func NewMiddleware(jwtManager *JWTManager) *Middleware {
	return &Middleware{jwtManager: jwtManager}
}

// RequireAuth accepts a bearer token or the session cookie
func (m *Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := tokenFromRequest(r)
		if token == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		principal, err := m.jwtManager.ValidateToken(token)
		if err != nil {
			if _, cookieErr := r.Cookie(CookieName); cookieErr == nil {
				ClearAuthCookie(w)
			}
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(SetPrincipalContext(r.Context(), principal)))
	})
}

// RequireOperator rejects principals that may not actuate devices
func (m *Middleware) RequireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := GetPrincipalFromContext(r.Context())
		if principal == nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		if !principal.CanTrigger() {
			http.Error(w, "Forbidden: operator access required", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// NoAuth injects a local operator principal, for development without tokens
func NoAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := &Principal{Subject: "local", Role: RoleOperator}
		next.ServeHTTP(w, r.WithContext(SetPrincipalContext(r.Context(), principal)))
	})
}

func tokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}

	if cookie, err := r.Cookie(CookieName); err == nil {
		return cookie.Value
	}
	return ""
}

// GetPrincipalFromContext extracts the caller from request context
func GetPrincipalFromContext(ctx context.Context) *Principal {
	principal, ok := ctx.Value(PrincipalContextKey).(*Principal)
	if !ok {
		return nil
	}
	return principal
}

// SetPrincipalContext adds the caller to context
func SetPrincipalContext(ctx context.Context, principal *Principal) context.Context {
	return context.WithValue(ctx, PrincipalContextKey, principal)
}

// ClearAuthCookie removes auth cookie
func ClearAuthCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
}
