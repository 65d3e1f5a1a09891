package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/HerbHall/warden/internal/session"
)

// Claims holds the JWT payload for session bearer tokens.
type Claims struct {
	jwt.RegisteredClaims
	SessionID  string `json:"sid"`
	IdentityID string `json:"uid"`
	Username   string `json:"usr"`
	Role       string `json:"role"`
}

// TokenService signs and validates bearer tokens bound to a session. The
// token only names the session; its state is always read from the store.
type TokenService struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewTokenService creates a TokenService with the given signing secret.
func NewTokenService(secret []byte, issuer string, now func() time.Time) (*TokenService, error) {
	if len(secret) < 32 {
		return nil, errors.New("token secret must be at least 32 bytes")
	}
	if now == nil {
		now = time.Now
	}
	return &TokenService{secret: secret, issuer: issuer, now: now}, nil
}

// IssueToken generates a signed token for sess that expires with it.
func (s *TokenService) IssueToken(sess *session.Session) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sess.IdentityID,
			IssuedAt:  jwt.NewNumericDate(s.now()),
			ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
			Issuer:    s.issuer,
			ID:        sess.ID,
		},
		SessionID:  sess.ID,
		IdentityID: sess.IdentityID,
		Username:   sess.Username,
		Role:       string(sess.Role),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and validates a bearer token, returning the claims.
func (s *TokenService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(_ *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.SessionID == "" {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// HashToken returns the SHA-256 hex hash of a token string.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}
