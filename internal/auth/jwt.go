package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/earthring/netbind/internal/config"
	"github.com/earthring/netbind/internal/replica"
)

const tokenIssuer = "netbind-server"

// PeerClaims represents the claims of a peer session token
type PeerClaims struct {
	jwt.RegisteredClaims

	PeerID   replica.PeerID `json:"peer_id"`
	PeerName string         `json:"peer_name"`
}

// JWTService issues and validates peer session tokens
type JWTService struct {
	secret []byte
	expiry time.Duration
	now    func() time.Time
}

// NewJWTService creates a new JWT service with configuration
func NewJWTService(cfg *config.Config) *JWTService {
	return &JWTService{
		secret: []byte(cfg.Auth.JWTSecret),
		expiry: cfg.Auth.PeerTokenExpiration,
		now:    time.Now,
	}
}

// GeneratePeerToken generates a session token for a joined peer
func (s *JWTService) GeneratePeerToken(peerID replica.PeerID, name string) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.expiry)

	tokenID, err := generateTokenID()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate token ID: %w", err)
	}

	claims := &PeerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   strconv.FormatUint(uint64(peerID), 10),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        tokenID,
		},
		PeerID:   peerID,
		PeerName: name,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// ValidatePeerToken validates a session token and returns its claims
func (s *JWTService) ValidatePeerToken(tokenString string) (*PeerClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &PeerClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*PeerClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if !claims.PeerID.Valid() {
		return nil, fmt.Errorf("token carries no valid peer id: %d", claims.PeerID)
	}
	return claims, nil
}

// TokenExpiration returns the lifetime of issued tokens
func (s *JWTService) TokenExpiration() time.Duration {
	return s.expiry
}

func generateTokenID() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
