package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoCredential is returned when no token was presented at all.
	ErrNoCredential = errors.New("no credential")
	// ErrInvalidCredential covers bad signatures, expiry and missing claims.
	ErrInvalidCredential = errors.New("invalid or expired credential")
)

// Identity is the verified principal behind a connection.
type Identity struct {
	ID    string
	Name  string
	Photo string
}

// Authenticator verifies a bearer credential presented at connection
// upgrade. Implementations must be safe for concurrent use.
type Authenticator interface {
	Authenticate(token string) (Identity, error)
}

// Claims defines our custom JWT claims structure.
type Claims struct {
	Name  string `json:"name,omitempty"`
	Photo string `json:"photo,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthenticator validates HMAC-signed tokens against a shared secret.
type JWTAuthenticator struct {
	secret []byte
}

func NewJWT(secret string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret)}
}

var _ Authenticator = (*JWTAuthenticator)(nil)

func (a *JWTAuthenticator) Authenticate(tokenString string) (Identity, error) {
	if tokenString == "" {
		return Identity{}, ErrNoCredential
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing 'sub' claim", ErrInvalidCredential)
	}

	return Identity{
		ID:    claims.Subject,
		Name:  claims.Name,
		Photo: claims.Photo,
	}, nil
}
