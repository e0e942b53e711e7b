package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestIssuer(t *testing.T, clock func() time.Time) *TokenIssuer {
	t.Helper()
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "labpresence",
		Audience:      "labpresence-admin",
		TokenTTL:      30 * time.Minute,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return issuer
}

func TestTokenIssuerIssuesAdminTokens(t *testing.T) {
	now := time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC)
	issuer := newTestIssuer(t, func() time.Time { return now })

	tokenString, expiresAt, err := issuer.IssueAdminToken(context.Background(), "ops@lab")
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if !expiresAt.Equal(now.Add(30 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", expiresAt)
	}

	claims := &AdminClaims{}
	parser := jwt.NewParser(jwt.WithTimeFunc(func() time.Time { return now }))
	if _, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	}); err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}
	if claims.Subject != "ops@lab" || claims.Issuer != "labpresence" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if len(claims.Audience) == 0 || claims.Audience[0] != "labpresence-admin" {
		t.Fatalf("unexpected audience %#v", claims.Audience)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != RoleAdmin {
		t.Fatalf("unexpected roles %#v", claims.Roles)
	}
}

func TestTokenIssuerRejectsMissingSecret(t *testing.T) {
	if _, err := NewTokenIssuer(TokenIssuerConfig{Issuer: "labpresence"}); !errors.Is(err, ErrMissingSigningSecret) {
		t.Fatalf("expected missing secret error, got %v", err)
	}
}

func TestTokenIssuerValidatesIssuedTokens(t *testing.T) {
	now := time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC)
	issuer := newTestIssuer(t, func() time.Time { return now })

	tokenString, _, err := issuer.IssueAdminToken(context.Background(), "ops")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}
	claims, err := issuer.ValidateToken(tokenString)
	if err != nil {
		t.Fatalf("expected token to validate: %v", err)
	}
	if claims.Subject != "ops" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}

	if _, _, err := issuer.IssueAdminToken(context.Background(), "  "); !errors.Is(err, ErrMissingSubject) {
		t.Fatalf("expected missing subject error, got %v", err)
	}
}

func TestTokenIssuerRejectsExpiredAndForeignTokens(t *testing.T) {
	now := time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC)
	current := now
	issuer := newTestIssuer(t, func() time.Time { return current })

	tokenString, _, err := issuer.IssueAdminToken(context.Background(), "ops")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}
	current = now.Add(time.Hour)
	if _, err := issuer.ValidateToken(tokenString); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected expired token error, got %v", err)
	}

	current = now
	other, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("other-secret"), Issuer: "labpresence", Audience: "labpresence-admin"})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	foreign, _, err := other.IssueAdminToken(context.Background(), "intruder")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}
	if _, err := issuer.ValidateToken(foreign); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token error, got %v", err)
	}

	withoutRole := jwt.NewWithClaims(jwt.SigningMethodHS256, AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "viewer",
			Issuer:    "labpresence",
			Audience:  jwt.ClaimStrings{"labpresence-admin"},
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		},
	})
	signed, err := withoutRole.SignedString([]byte("super-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	if _, err := issuer.ValidateToken(signed); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden error, got %v", err)
	}
}

func TestValidateRequestReadsHeaderOrQuery(t *testing.T) {
	issuer := newTestIssuer(t, nil)
	tokenString, _, err := issuer.IssueAdminToken(context.Background(), "ops")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	withHeader := httptest.NewRequest("GET", "/api/status", nil)
	withHeader.Header.Set("Authorization", "Bearer "+tokenString)
	if _, err := issuer.ValidateRequest(withHeader); err != nil {
		t.Fatalf("expected header token to validate: %v", err)
	}

	withQuery := httptest.NewRequest("GET", "/api/stream?access_token="+tokenString, nil)
	if _, err := issuer.ValidateRequest(withQuery); err != nil {
		t.Fatalf("expected query token to validate: %v", err)
	}

	basic := httptest.NewRequest("GET", "/api/status", nil)
	basic.Header.Set("Authorization", "Basic Zm9vOmJhcg==")
	if _, err := issuer.ValidateRequest(basic); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid scheme error, got %v", err)
	}

	if _, err := issuer.ValidateRequest(httptest.NewRequest("GET", "/api/status", nil)); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}
