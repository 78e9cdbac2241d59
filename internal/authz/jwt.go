// Package authz implements the Authorization Oracle: access-token
// verification, and group existence and membership lookups against the
// durable store.
package authz

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// accessKind is the only token kind the gateway and REST handlers will accept. Refresh tokens and any other kind are
// rejected even if their signature and expiry are otherwise valid.
const accessKind = "access"

// ErrInvalidToken covers every way a token can fail verification: malformed, expired, wrong signing method, wrong
// issuer/audience, or not of kind "access".
var ErrInvalidToken = errors.New("invalid or expired access token")

// AccessClaims holds the JWT claims carried by an access token, extended with the fields the chat core binds to a
// session at handshake time.
type AccessClaims struct {
	jwt.RegisteredClaims
	Kind          string `json:"kind"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"emailVerified"`
}

// Identity is what verifyToken returns on success: the fields the gateway binds to a session for its lifetime.
type Identity struct {
	UserID        uuid.UUID
	Email         string
	EmailVerified bool
}

// TokenVerifier verifies an access token. Token issuance belongs to an external collaborator; the core only ever
// verifies.
type TokenVerifier struct {
	secret   string
	issuer   string
	audience string
}

// NewTokenVerifier constructs a TokenVerifier bound to the given HMAC secret, issuer, and audience.
func NewTokenVerifier(secret, issuer, audience string) *TokenVerifier {
	return &TokenVerifier{secret: secret, issuer: issuer, audience: audience}
}

// VerifyToken parses and validates an access token string, enforcing the HMAC signing method, issuer, audience, and
// the "access" token kind. Any failure collapses to ErrInvalidToken so callers never need to distinguish why a token
// was rejected — per the error taxonomy, a failed handshake is always an authentication failure.
func (v *TokenVerifier) VerifyToken(tokenStr string) (*Identity, error) {
	claims := &AccessClaims{}

	parserOpts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(v.secret), nil
	}, parserOpts...)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.Kind != accessKind {
		return nil, ErrInvalidToken
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, ErrInvalidToken
	}

	return &Identity{
		UserID:        userID,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
	}, nil
}

// NewAccessToken is provided for tests and local tooling that need to mint a token without the external issuer;
// production access tokens are minted by the external collaborator described in the scope boundary.
func NewAccessToken(userID uuid.UUID, email string, emailVerified bool, secret, issuer, audience string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("JWT secret must not be empty")
	}

	now := time.Now()
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Kind:          accessKind,
		Email:         email,
		EmailVerified: emailVerified,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}
