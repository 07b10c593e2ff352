package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/AnonRelay/internal/models"
	"github.com/golang-jwt/jwt/v5"
)

// DefaultAdminTokenTTL is the lifetime of tokens minted from the command line.
const DefaultAdminTokenTTL = 24 * time.Hour

// ErrUnauthorized is returned for a missing, malformed, or expired bearer token.
var ErrUnauthorized = errors.New("unauthorized")

// MintAdminToken signs an HS256 token whose subject is the administrator's sender id.
func MintAdminToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", fmt.Errorf("admin token secret is empty")
	}
	id, err := models.ParseSenderID(subject)
	if err != nil {
		return "", fmt.Errorf("admin token subject: %w", err)
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   string(id),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign admin token: %w", err)
	}
	return signed, nil
}

// parseAdminToken verifies tokenString and returns its subject.
func parseAdminToken(secret []byte, tokenString string) (models.SenderID, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if !token.Valid {
		return "", ErrUnauthorized
	}
	id, err := models.ParseSenderID(claims.Subject)
	if err != nil {
		return "", fmt.Errorf("%w: subject: %w", ErrUnauthorized, err)
	}
	return id, nil
}

// bearerToken extracts the token from an "Authorization: Bearer" header.
func bearerToken(r *http.Request) (string, bool) {
	const prefix = "bearer "
	h := r.Header.Get("Authorization")
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}
