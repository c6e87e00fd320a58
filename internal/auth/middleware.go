package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/earthring/netbind/internal/replica"
)

// ContextKey is a type for context keys
type ContextKey string

const (
	// PeerIDKey is the context key for the peer id
	PeerIDKey ContextKey = "peer_id"
	// PeerNameKey is the context key for the peer name
	PeerNameKey ContextKey = "peer_name"
	// ClaimsKey is the context key for JWT claims
	ClaimsKey ContextKey = "claims"
)

// AuthMiddleware validates the peer token and adds the peer identity to the
// request context. Browsers cannot set headers on websocket upgrades, so the
// token may also come in the "token" query parameter.
func (h *AuthHandlers) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, ok := bearerToken(r)
		if !ok {
			h.sendError(w, http.StatusUnauthorized, "MissingToken", "Authorization header required")
			return
		}

		claims, err := h.jwtService.ValidatePeerToken(tokenString)
		if err != nil {
			h.sendError(w, http.StatusUnauthorized, "InvalidToken", "Invalid or expired token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		token := r.URL.Query().Get("token")
		return token, token != ""
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// WithClaims stores the peer identity of claims in ctx.
func WithClaims(ctx context.Context, claims *PeerClaims) context.Context {
	ctx = context.WithValue(ctx, PeerIDKey, claims.PeerID)
	ctx = context.WithValue(ctx, PeerNameKey, claims.PeerName)
	return context.WithValue(ctx, ClaimsKey, claims)
}

// GetPeerID extracts the peer id from request context
func GetPeerID(r *http.Request) (replica.PeerID, bool) {
	peerID, ok := r.Context().Value(PeerIDKey).(replica.PeerID)
	return peerID, ok
}

// GetPeerName extracts the peer name from request context
func GetPeerName(r *http.Request) (string, bool) {
	name, ok := r.Context().Value(PeerNameKey).(string)
	return name, ok
}

// GetClaims extracts JWT claims from request context
func GetClaims(r *http.Request) (*PeerClaims, bool) {
	claims, ok := r.Context().Value(ClaimsKey).(*PeerClaims)
	return claims, ok
}
