package gateway

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	svcErr "github.com/oggyb/muzz-live/internal/errors"
)

// Claims accepts the user id as sub, user_id or userId.
type Claims struct {
	jwt.RegisteredClaims
	UserID    string `json:"user_id,omitempty"`
	UserIDAlt string `json:"userId,omitempty"`
}

// Authenticator verifies HS256 bearer tokens.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// UserID validates token (with or without a "Bearer " prefix) and returns its user id.
func (a *Authenticator) UserID(token string) (string, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return "", svcErr.Forbidden("missing bearer token")
	}
	if len(a.secret) == 0 {
		return "", errors.New("gateway jwt secret is not configured")
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", svcErr.Forbidden("invalid token: %v", err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return "", svcErr.Forbidden("invalid or expired token")
	}
	for _, id := range []string{claims.Subject, claims.UserID, claims.UserIDAlt} {
		if id = strings.TrimSpace(id); id != "" {
			return id, nil
		}
	}
	return "", svcErr.Forbidden("token carries no user id")
}

// Sign issues a token for userID, used by development tooling and tests.
func (a *Authenticator) Sign(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return s, nil
}
