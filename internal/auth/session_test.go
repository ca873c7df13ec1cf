package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestSessionManagerIssuesTokens(t *testing.T) {
	manager, err := NewSessionManager(SessionManagerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "flarecast-auth",
		Audience:      "flarecast-api",
		SessionTTL:    30 * time.Minute,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	tokenString, expiresIn, err := manager.IssueSessionToken(context.Background(), "user-123")
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if expiresIn <= 0 {
		t.Fatalf("expected positive expiry seconds, got %d", expiresIn)
	}

	parser := jwt.Parser{}
	claims := &jwt.RegisteredClaims{}
	_, err = parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}

	if claims.Subject != "user-123" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
	if claims.Issuer != "flarecast-auth" {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
	if len(claims.Audience) == 0 || claims.Audience[0] != "flarecast-api" {
		t.Fatalf("unexpected audience %#v", claims.Audience)
	}
}

func TestSessionManagerRejectsMissingSecret(t *testing.T) {
	_, err := NewSessionManager(SessionManagerConfig{
		SigningSecret: nil,
		Issuer:        "flarecast-auth",
		Audience:      "flarecast-api",
		SessionTTL:    30 * time.Minute,
	})
	if err == nil {
		t.Fatalf("expected constructor error for missing secret")
	}
}

func TestSessionManagerValidatesIssuedTokens(t *testing.T) {
	manager, err := NewSessionManager(SessionManagerConfig{
		SigningSecret: []byte("another-secret"),
		Issuer:        "flarecast-auth",
		Audience:      "flarecast-api",
		SessionTTL:    15 * time.Minute,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	tokenString, _, err := manager.IssueSessionToken(context.Background(), "user-321")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	subject, err := manager.ValidateToken(tokenString)
	if err != nil {
		t.Fatalf("expected validation success: %v", err)
	}
	if subject != "user-321" {
		t.Fatalf("unexpected subject %s", subject)
	}

	if _, err := manager.ValidateToken("invalid.token"); err == nil {
		t.Fatalf("expected validation to fail for malformed token")
	}
}

func TestNewSessionManagerRequiresIssuerAndAudience(t *testing.T) {
	_, err := NewSessionManager(SessionManagerConfig{
		SigningSecret: []byte("secret"),
		Issuer:        "",
		Audience:      "flarecast-api",
		SessionTTL:    5 * time.Minute,
	})
	if err == nil {
		t.Fatalf("expected error for missing issuer")
	}

	_, err = NewSessionManager(SessionManagerConfig{
		SigningSecret: []byte("secret"),
		Issuer:        "flarecast-auth",
		Audience:      " ",
		SessionTTL:    5 * time.Minute,
	})
	if err == nil {
		t.Fatalf("expected error for missing audience")
	}
}

func TestNewSessionManagerRejectsNegativeTTL(t *testing.T) {
	_, err := NewSessionManager(SessionManagerConfig{
		SigningSecret: []byte("secret"),
		Issuer:        "flarecast-auth",
		Audience:      "flarecast-api",
		SessionTTL:    -time.Minute,
	})
	if err == nil {
		t.Fatalf("expected error for negative ttl")
	}
}
