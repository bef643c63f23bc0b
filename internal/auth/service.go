// Package auth implements the gateway's token service: bearer token
// issuance, verification, and refresh with a grace window.
//
// Tokens are HS256 JWTs signed with the JWT_SECRET. There is no user
// database; credentials are a single static pair intended for demo
// deployments behind a front proxy.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// RefreshGrace is how long after expiry a token may still be refreshed.
// Signature failures are always hard-rejected regardless of the grace.
const RefreshGrace = 24 * time.Hour

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenExpired       = errors.New("token expired")
)

// Service issues and verifies bearer tokens.
type Service struct {
	secret   []byte
	expiry   time.Duration
	username string
	password string
}

// NewService creates a token service. username/password form the static
// demo credential pair accepted by Login.
func NewService(secret string, expiry time.Duration, username, password string) *Service {
	return &Service{
		secret:   []byte(secret),
		expiry:   expiry,
		username: username,
		password: password,
	}
}

// Login checks the credential pair and issues a token on success.
func (s *Service) Login(username, password string) (string, error) {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(s.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(s.password)) == 1
	if !userOK || !passOK {
		return "", ErrInvalidCredentials
	}
	return s.Issue(username)
}

// Issue creates a signed token for the given principal.
func (s *Service) Issue(principal string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   principal,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
		ID:        uuid.NewString(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning the principal.
func (s *Service) Verify(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&jwt.RegisteredClaims{},
		s.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// Refresh issues a new token for a valid or recently expired one. Tokens
// expired for longer than RefreshGrace are rejected; tokens whose signature
// does not verify are always rejected.
func (s *Service) Refresh(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&jwt.RegisteredClaims{},
		s.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.ExpiresAt == nil {
		return "", ErrInvalidToken
	}

	if time.Since(claims.ExpiresAt.Time) > RefreshGrace {
		return "", ErrTokenExpired
	}

	return s.Issue(claims.Subject)
}

func (s *Service) keyFunc(t *jwt.Token) (any, error) {
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
	}
	return s.secret, nil
}
