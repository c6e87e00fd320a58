package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/earthring/netbind/internal/config"
	"github.com/earthring/netbind/internal/replica"
)

func testConfig() *config.Config {
	return &config.Config{
		Auth: config.AuthConfig{
			JWTSecret:           "test_jwt_secret_key_32_bytes_long!!",
			PeerTokenExpiration: 15 * time.Minute,
			BCryptCost:          4,
		},
	}
}

func TestJWTService_GeneratePeerToken(t *testing.T) {
	service := NewJWTService(testConfig())

	token, expiresAt, err := service.GeneratePeerToken(7, "skiff")
	if err != nil {
		t.Fatalf("GeneratePeerToken() failed: %v", err)
	}
	if token == "" {
		t.Error("GeneratePeerToken() returned empty token")
	}
	if time.Until(expiresAt) <= 0 {
		t.Errorf("Expected expiry in the future, got %v", expiresAt)
	}

	claims, err := service.ValidatePeerToken(token)
	if err != nil {
		t.Fatalf("ValidatePeerToken() failed: %v", err)
	}
	if claims.PeerID != 7 {
		t.Errorf("Expected PeerID 7, got %d", claims.PeerID)
	}
	if claims.PeerName != "skiff" {
		t.Errorf("Expected PeerName 'skiff', got %s", claims.PeerName)
	}
	if claims.Issuer != "netbind-server" {
		t.Errorf("Expected Issuer 'netbind-server', got %s", claims.Issuer)
	}
	if claims.Subject != "7" {
		t.Errorf("Expected Subject '7', got %s", claims.Subject)
	}
}

func TestJWTService_ValidatePeerToken_Invalid(t *testing.T) {
	service := NewJWTService(testConfig())

	_, err := service.ValidatePeerToken("invalid.token.here")
	if err == nil {
		t.Error("ValidatePeerToken() should fail for invalid token")
	}
}

func TestJWTService_ValidatePeerToken_WrongSecret(t *testing.T) {
	service := NewJWTService(testConfig())
	token, _, err := service.GeneratePeerToken(3, "skiff")
	if err != nil {
		t.Fatalf("GeneratePeerToken() failed: %v", err)
	}

	other := testConfig()
	other.Auth.JWTSecret = "a_completely_different_secret!!"
	if _, err := NewJWTService(other).ValidatePeerToken(token); err == nil {
		t.Error("ValidatePeerToken() should fail with the wrong secret")
	}
}

func TestJWTService_ValidatePeerToken_Expired(t *testing.T) {
	service := NewJWTService(testConfig())
	token, _, err := service.GeneratePeerToken(3, "skiff")
	if err != nil {
		t.Fatalf("GeneratePeerToken() failed: %v", err)
	}

	service.now = func() time.Time { return time.Now().Add(time.Hour) }
	_, err = service.ValidatePeerToken(token)
	if err == nil || !strings.Contains(err.Error(), "expired") {
		t.Errorf("Expected expiry error, got %v", err)
	}
}

func TestJWTService_ValidatePeerToken_WrongIssuer(t *testing.T) {
	cfg := testConfig()
	claims := &PeerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
		PeerID: 4,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	if _, err := NewJWTService(cfg).ValidatePeerToken(token); err == nil {
		t.Error("ValidatePeerToken() should reject a foreign issuer")
	}
}

func TestJWTService_ValidatePeerToken_NoPeer(t *testing.T) {
	service := NewJWTService(testConfig())
	for _, peer := range []replica.PeerID{replica.InvalidPeerID, replica.MaxPeerID + 1} {
		token, _, err := service.GeneratePeerToken(peer, "ghost")
		if err != nil {
			t.Fatalf("GeneratePeerToken() failed: %v", err)
		}
		if _, err := service.ValidatePeerToken(token); err == nil {
			t.Errorf("ValidatePeerToken() should reject peer id %d", peer)
		}
	}
}
