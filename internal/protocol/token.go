// ABOUTME: Holder tokens authenticating identity requests to issuers and verifiers
// ABOUTME: EdDSA JWTs signed with the identity key whose subject is the identity id

package protocol

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/2389/idenmobile/internal/keystore"
)

// DefaultTokenTTL is the lifetime of a holder token.
const DefaultTokenTTL = 5 * time.Minute

// Token errors
var (
	ErrInvalidToken = errors.New("invalid holder token")
	ErrExpiredToken = errors.New("holder token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// IssueHolderToken signs a token for holderID with priv.
func IssueHolderToken(priv ed25519.PrivateKey, holderID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": holderID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(priv)
}

// VerifyHolderToken checks tokenString was signed by pub and that its subject
// is the fingerprint of pub. Returns the holder id.
func VerifyHolderToken(tokenString string, pub ed25519.PublicKey) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return pub, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	want, err := keystore.Fingerprint(pub)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if sub != want {
		return "", fmt.Errorf("%w: subject does not match key", ErrInvalidToken)
	}
	return sub, nil
}
