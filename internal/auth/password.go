package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/earthring/netbind/internal/config"
)

// MinSecretLength is the shortest shared secret accepted.
const MinSecretLength = 12

// SecretService hashes and verifies the shared secret peers join with
type SecretService struct {
	bcryptCost int
}

// NewSecretService creates a new secret service with configuration
func NewSecretService(cfg *config.Config) *SecretService {
	return &SecretService{
		bcryptCost: cfg.Auth.BCryptCost,
	}
}

// HashSecret hashes a shared secret using bcrypt
func (s *SecretService) HashSecret(secret string) (string, error) {
	if len(secret) < MinSecretLength {
		return "", errors.New("secret must be at least 12 characters long")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hash), nil
}

// VerifySecret verifies a secret against a hash
func (s *SecretService) VerifySecret(secret, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
