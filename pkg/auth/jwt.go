// Package auth decodes and issues the bearer access tokens used by the chat
// backend for both REST calls and the websocket AUTHORIZATION frame.
package auth

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrEmptyToken is returned when an empty string is parsed as a token.
	ErrEmptyToken = errors.New("token is empty")

	// ErrMissingIdentity is returned when a token has neither user_id nor sub.
	ErrMissingIdentity = errors.New("missing user identity")

	// ErrMissingUserID is returned by ParseJWT for tokens that carry only sub.
	// Backend lookups are keyed by user_id.
	ErrMissingUserID = errors.New("missing user_id claim")
)

// Claims are the access token claims issued by the chat backend.
type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// NewClaims builds claims for userID valid for ttl from now.
func NewClaims(userID, email string, ttl time.Duration) *Claims {
	now := time.Now()

	return &Claims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
}

// Sign issues an HS256 token for claims.
func Sign(claims *Claims, secretKey string) (string, error) {
	if secretKey == "" {
		return "", fmt.Errorf("secret key is required for token signing")
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signed, err := token.SignedString([]byte(secretKey))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return signed, nil
}

// ParseJWT decodes and verifies a token signed with secretKey.
func ParseJWT(tokenString, secretKey string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrEmptyToken
	}

	if secretKey == "" {
		return nil, fmt.Errorf("secret key is required for token verification")
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}

		return []byte(secretKey), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	if claims.UserID == "" {
		return nil, ErrMissingUserID
	}

	return claims, nil
}

// ParseJWTUnsafe decodes a JWT without verifying its signature.
// The client never holds the signing key, so it only reads expiry and
// identity from tokens the backend handed out.
func ParseJWTUnsafe(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrEmptyToken
	}

	parts := strings.Split(tokenString, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("invalid JWT format: expected 3 parts, got %d", len(parts))
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("failed to decode JWT payload: %w", err)
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JWT claims: %w", err)
	}

	return &claims, nil
}

// ExpiresAt returns the expiration time, or the zero time if unset.
func (c *Claims) ExpiresAt() time.Time {
	if c.RegisteredClaims.ExpiresAt == nil {
		return time.Time{}
	}

	return c.RegisteredClaims.ExpiresAt.Time
}

// IssuedAt returns the issue time, or the zero time if unset.
func (c *Claims) IssuedAt() time.Time {
	if c.RegisteredClaims.IssuedAt == nil {
		return time.Time{}
	}

	return c.RegisteredClaims.IssuedAt.Time
}

// HasExpiry reports whether the token carries an exp claim.
func (c *Claims) HasExpiry() bool {
	return c.RegisteredClaims.ExpiresAt != nil
}

// IsExpired checks if the token has expired. Tokens without exp never expire.
func (c *Claims) IsExpired() bool {
	return c.HasExpiry() && time.Now().After(c.ExpiresAt())
}

// ExpiresIn returns the duration until token expiration.
func (c *Claims) ExpiresIn() time.Duration {
	return time.Until(c.ExpiresAt())
}

// Validate performs client-side sanity checks on the claims. jwt.Parser
// also calls it while verifying, so its errors surface from ParseJWT.
func (c *Claims) Validate() error {
	if c.IsExpired() {
		return fmt.Errorf("token expired at %s", c.ExpiresAt())
	}

	if iat := c.IssuedAt(); !iat.IsZero() && iat.After(time.Now().Add(time.Minute)) {
		return fmt.Errorf("token issued in the future: %s", iat)
	}

	if c.UserID == "" && c.Subject == "" {
		return ErrMissingIdentity
	}

	return nil
}
