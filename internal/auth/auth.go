// Package auth resolves session tokens to user ids. Token issuance (the
// human login flow) lives outside the messaging core; the relay only
// consumes tokens.
package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken is returned for tokens that do not parse, do not
// verify, are expired, or carry no usable subject.
var ErrInvalidToken = errors.New("chai: invalid session token")

// Verifier validates HS256 session tokens minted by the auth component.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier over the shared JWT secret.
func NewVerifier(secret string) (*Verifier, error) {
	if len(secret) < 32 {
		return nil, errors.New("chai: jwt secret must be at least 32 bytes")
	}
	return &Verifier{secret: []byte(secret)}, nil
}

// Claims is the token payload the relay cares about.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// UserID verifies a bearer token and returns the user id it names.
func (v *Verifier) UserID(token string) (uuid.UUID, error) {
	token = strings.TrimPrefix(token, "Bearer ")
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return uuid.Nil, ErrInvalidToken
	}

	sub := claims.UserID
	if sub == "" {
		sub = claims.Subject
	}
	id, err := uuid.Parse(sub)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, ErrInvalidToken
	}
	return id, nil
}

// Mint issues a token for a user id. It exists for tests and the loopback
// client; production tokens come from the auth service.
func (v *Verifier) Mint(user uuid.UUID) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{UserID: user.String()})
	return token.SignedString(v.secret)
}
