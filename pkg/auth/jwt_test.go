package auth

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret-key-for-jwt-signing"

func TestParseJWT(t *testing.T) {
	tests := []struct {
		name      string
		token     string
		secretKey string
	}{
		{"empty token", "", testSecret},
		{"empty secret key", "some-token", ""},
		{"invalid token format", "not.a.valid.jwt.token", testSecret},
		{"malformed token", "malformed", testSecret},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := ParseJWT(tt.token, tt.secretKey)
			if err == nil {
				t.Errorf("expected error but got none")
			}
			if claims != nil {
				t.Errorf("expected nil claims but got %+v", claims)
			}
		})
	}
}

func TestSignAndParseJWT(t *testing.T) {
	tokenString, err := Sign(NewClaims("user-1", "user@example.com", time.Hour), testSecret)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	claims, err := ParseJWT(tokenString, testSecret)
	if err != nil {
		t.Fatalf("failed to parse valid token: %v", err)
	}

	if claims.UserID != "user-1" {
		t.Errorf("expected UserID user-1, got %s", claims.UserID)
	}
	if claims.Email != "user@example.com" {
		t.Errorf("expected Email user@example.com, got %s", claims.Email)
	}
	if claims.Subject != "user-1" {
		t.Errorf("expected Subject user-1, got %s", claims.Subject)
	}
	if d := claims.ExpiresIn(); d <= 59*time.Minute || d > time.Hour {
		t.Errorf("expected ~1h until expiry, got %v", d)
	}
}

func TestParseJWTWrongSecret(t *testing.T) {
	tokenString, err := Sign(NewClaims("user-1", "", time.Hour), testSecret)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	if _, err := ParseJWT(tokenString, "other-secret"); err == nil {
		t.Error("expected signature verification to fail")
	}
}

func TestParseJWTExpired(t *testing.T) {
	tokenString, err := Sign(NewClaims("user-1", "", -time.Minute), testSecret)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	_, err = ParseJWT(tokenString, testSecret)
	if err == nil {
		t.Fatal("expected error for expired token")
	}
	if !errors.Is(err, jwt.ErrTokenExpired) {
		t.Errorf("expected ErrTokenExpired, got %v", err)
	}
}

func TestParseJWTMissingIdentity(t *testing.T) {
	tokenString, err := Sign(NewClaims("", "", time.Hour), testSecret)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	_, err = ParseJWT(tokenString, testSecret)
	if !errors.Is(err, ErrMissingIdentity) {
		t.Errorf("expected ErrMissingIdentity, got %v", err)
	}
	if !errors.Is(err, jwt.ErrTokenInvalidClaims) {
		t.Errorf("expected ErrTokenInvalidClaims, got %v", err)
	}
}

func TestParseJWTSubjectOnly(t *testing.T) {
	claims := NewClaims("", "", time.Hour)
	claims.Subject = "user-1"

	tokenString, err := Sign(claims, testSecret)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	_, err = ParseJWT(tokenString, testSecret)
	if !errors.Is(err, ErrMissingUserID) {
		t.Errorf("expected ErrMissingUserID, got %v", err)
	}
}

func TestParseJWTUnsafe(t *testing.T) {
	tokenString, err := Sign(NewClaims("user-2", "", 30*time.Minute), "any-secret")
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	claims, err := ParseJWTUnsafe(tokenString)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claims.UserID != "user-2" {
		t.Errorf("expected UserID user-2, got %s", claims.UserID)
	}
	if err := claims.Validate(); err != nil {
		t.Errorf("expected valid claims, got %v", err)
	}
}

func TestParseJWTUnsafeErrors(t *testing.T) {
	badPayload := "x." + base64.RawURLEncoding.EncodeToString([]byte("not json")) + ".y"

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"two parts", "a.b"},
		{"bad base64", "a.!!!.c"},
		{"bad json", badPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseJWTUnsafe(tt.token); err == nil {
				t.Error("expected error but got none")
			}
		})
	}
}

func TestClaimsValidate(t *testing.T) {
	future := time.Now().Add(time.Hour)

	tests := []struct {
		name    string
		claims  *Claims
		wantErr bool
	}{
		{"valid", NewClaims("u", "", time.Hour), false},
		{"expired", NewClaims("u", "", -time.Hour), true},
		{"no identity", NewClaims("", "", time.Hour), true},
		{"subject only", &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u"}}, false},
		{"no expiry", &Claims{UserID: "u"}, false},
		{
			name: "issued in the future",
			claims: &Claims{
				UserID: "u",
				RegisteredClaims: jwt.RegisteredClaims{
					IssuedAt: jwt.NewNumericDate(future),
				},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.claims.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestClaimsWithoutExpiry(t *testing.T) {
	c := &Claims{UserID: "u"}

	if c.HasExpiry() {
		t.Error("expected no expiry")
	}
	if c.IsExpired() {
		t.Error("claims without exp must not report expired")
	}
	if !c.ExpiresAt().IsZero() {
		t.Error("expected zero ExpiresAt")
	}
}

func TestSignRequiresSecret(t *testing.T) {
	if _, err := Sign(NewClaims("u", "", time.Hour), ""); err == nil {
		t.Error("expected error for empty secret")
	}
}
