package api

import (
	"net/http"

	"agrowatch/internal/auth"
)

// AuthHandler exposes the caller identity and websocket tokens
type AuthHandler struct {
	wsTokenStore *auth.WSTokenStore
}

// NewAuthHandler creates new auth handler
func NewAuthHandler(wsTokenStore *auth.WSTokenStore) *AuthHandler {
	return &AuthHandler{wsTokenStore: wsTokenStore}
}

// Me handles GET /api/auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	principal := auth.GetPrincipalFromContext(r.Context())
	if principal == nil {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"principal": principal,
	})
}

// WSToken handles GET /api/auth/ws-token
// Returns a one-time token for the event stream websocket
func (h *AuthHandler) WSToken(w http.ResponseWriter, r *http.Request) {
	principal := auth.GetPrincipalFromContext(r.Context())
	if principal == nil {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	token, err := h.wsTokenStore.Generate(*principal)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to generate token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}
