package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/earthring/netbind/internal/logging"
	"github.com/earthring/netbind/internal/netbind"
	"github.com/earthring/netbind/internal/replica"
)

// AuthHandlers handles peer join and token checks
type AuthHandlers struct {
	jwtService    *JWTService
	secretService *SecretService
	secretHash    string
	serverPeer    replica.PeerID
	nextPeer      atomic.Uint32
	sequence      func() netbind.ContextSequence
	validator     *validator.Validate
	logger        zerolog.Logger
}

// NewAuthHandlers creates a new auth handlers instance. Peer ids are handed
// out in increasing order after serverPeer.
func NewAuthHandlers(jwtService *JWTService, secretService *SecretService, secretHash string, serverPeer replica.PeerID) *AuthHandlers {
	h := &AuthHandlers{
		jwtService:    jwtService,
		secretService: secretService,
		secretHash:    secretHash,
		serverPeer:    serverPeer,
		validator:     validator.New(),
		logger:        logging.Component("auth"),
	}
	h.nextPeer.Store(uint32(serverPeer))
	return h
}

// SetContextSequenceSource sets where join responses read the current
// context sequence from. Without a source peers are told the unspecified
// sequence. It must be called before the handlers serve requests.
func (h *AuthHandlers) SetContextSequenceSource(fn func() netbind.ContextSequence) {
	h.sequence = fn
}

func (h *AuthHandlers) contextSequence() netbind.ContextSequence {
	if h.sequence == nil {
		return netbind.UnspecifiedContextSequence
	}
	return h.sequence()
}

// Join admits a peer that knows the shared secret
// POST /api/peers/join
func (h *AuthHandlers) Join(w http.ResponseWriter, r *http.Request) {
	var req JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "InvalidRequest", "Invalid request body")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		h.sendValidationError(w, err)
		return
	}

	if !h.secretService.VerifySecret(req.Secret, h.secretHash) {
		h.logger.Warn().Str("peer_name", req.Name).Str("remote", r.RemoteAddr).Msg("join rejected")
		h.sendError(w, http.StatusUnauthorized, "InvalidCredentials", "Invalid peer secret")
		return
	}

	peerID := h.allocatePeer()
	if peerID == replica.InvalidPeerID {
		h.sendError(w, http.StatusServiceUnavailable, "PeerIDsExhausted", "No peer ids left")
		return
	}

	token, expiresAt, err := h.jwtService.GeneratePeerToken(peerID, req.Name)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to generate peer token")
		h.sendError(w, http.StatusInternalServerError, "InternalError", "Failed to generate token")
		return
	}

	h.logger.Info().Uint32("peer", uint32(peerID)).Str("peer_name", req.Name).Msg("peer joined")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(JoinResponse{
		Token:           token,
		ExpiresAt:       expiresAt,
		PeerID:          peerID,
		ServerPeerID:    h.serverPeer,
		ContextSequence: h.contextSequence(),
	})
}

// allocatePeer returns the next peer id, or InvalidPeerID once the id
// space is used up.
func (h *AuthHandlers) allocatePeer() replica.PeerID {
	for {
		cur := h.nextPeer.Load()
		next := cur + 1
		if !replica.PeerID(next).Valid() || next == uint32(h.serverPeer) {
			return replica.InvalidPeerID
		}
		if h.nextPeer.CompareAndSwap(cur, next) {
			return replica.PeerID(next)
		}
	}
}

func (h *AuthHandlers) sendError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   code,
		Message: message,
		Code:    code,
	})
}

func (h *AuthHandlers) sendValidationError(w http.ResponseWriter, err error) {
	var validationErrors []string
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		for _, fe := range ve {
			validationErrors = append(validationErrors, fmt.Sprintf("%s: %s", fe.Field(), getValidationMessage(fe)))
		}
	}

	h.sendError(w, http.StatusBadRequest, "ValidationError", strings.Join(validationErrors, "; "))
}

func getValidationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "alphanum":
		return "must contain only letters and digits"
	case "min":
		return fmt.Sprintf("must be at least %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	default:
		return "is invalid"
	}
}
