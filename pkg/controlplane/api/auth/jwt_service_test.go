package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret-key-must-be-32-chars!"

func TestNewJWTService_ShortSecret(t *testing.T) {
	for _, secret := range []string{"", "short"} {
		if _, err := NewJWTService(JWTConfig{Secret: secret}); err != ErrInvalidSecretLength {
			t.Errorf("Expected ErrInvalidSecretLength for %q, got %v", secret, err)
		}
	}
}

func TestGenerateAndValidateAccessToken(t *testing.T) {
	service, err := NewJWTService(JWTConfig{Secret: testSecret})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	token, err := service.GenerateAccessToken("dlease-status")
	if err != nil {
		t.Fatalf("GenerateAccessToken failed: %v", err)
	}

	claims, err := service.ValidateAccessToken(token)
	if err != nil {
		t.Fatalf("ValidateAccessToken failed: %v", err)
	}
	if claims.Subject != "dlease-status" {
		t.Errorf("Expected subject 'dlease-status', got %q", claims.Subject)
	}
	if claims.Issuer != "dittolease" {
		t.Errorf("Expected default issuer 'dittolease', got %q", claims.Issuer)
	}
}

func TestValidateToken_WrongSecret(t *testing.T) {
	signer, _ := NewJWTService(JWTConfig{Secret: testSecret})
	verifier, _ := NewJWTService(JWTConfig{Secret: "another-secret-key-of-32-characters"})

	token, err := signer.GenerateAccessToken("op")
	if err != nil {
		t.Fatalf("GenerateAccessToken failed: %v", err)
	}
	if _, err := verifier.ValidateAccessToken(token); err != ErrInvalidToken {
		t.Errorf("Expected ErrInvalidToken, got %v", err)
	}
}

func TestValidateToken_Expired(t *testing.T) {
	service, _ := NewJWTService(JWTConfig{Secret: testSecret, AccessTokenDuration: -time.Minute})

	token, err := service.GenerateAccessToken("op")
	if err != nil {
		t.Fatalf("GenerateAccessToken failed: %v", err)
	}
	if _, err := service.ValidateAccessToken(token); err != ErrExpiredToken {
		t.Errorf("Expected ErrExpiredToken, got %v", err)
	}
}

func TestValidateToken_WrongType(t *testing.T) {
	service, _ := NewJWTService(JWTConfig{Secret: testSecret})

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "dittolease",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
		TokenType: "refresh",
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	if _, err := service.ValidateAccessToken(token); err != ErrInvalidTokenType {
		t.Errorf("Expected ErrInvalidTokenType, got %v", err)
	}
}

func TestValidateToken_RejectsNoneAlgorithm(t *testing.T) {
	service, _ := NewJWTService(JWTConfig{Secret: testSecret})

	claims := &Claims{TokenType: TokenTypeAccess}
	claims.Issuer = "dittolease"
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	if _, err := service.ValidateAccessToken(token); err != ErrInvalidToken {
		t.Errorf("Expected ErrInvalidToken, got %v", err)
	}
}
