// ABOUTME: JWT custom tokens and id tokens for the self-hosted profile backend
// ABOUTME: Uses HS256 signing with a configurable secret and a token-kind claim

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrWrongKind    = errors.New("wrong token kind")
	ErrEmptySecret  = errors.New("token secret is empty")
)

// Kind distinguishes what a token may be used for.
type Kind string

const (
	// KindCustom tokens are minted by an operator and exchanged for a session.
	KindCustom Kind = "custom"
	// KindID tokens are issued at sign-in and authenticate later calls.
	KindID Kind = "id"
	// KindRefresh tokens are issued alongside id tokens and exchanged for a
	// fresh session when the id token nears expiry.
	KindRefresh Kind = "refresh"
)

// Claims is the verified content of a token.
type Claims struct {
	UID       string
	Email     string
	Kind      Kind
	ExpiresAt time.Time
}

// TokenVerifier defines the interface for token verification
type TokenVerifier interface {
	Verify(tokenString string, kind Kind) (*Claims, error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	return &JWTVerifier{secret: secret}, nil
}

// Verify validates the token, checks its kind and extracts the uid from the "sub" claim
func (v *JWTVerifier) Verify(tokenString string, kind Kind) (*Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	sub, ok := mc["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	got, _ := mc["kind"].(string)
	if Kind(got) != kind {
		return nil, fmt.Errorf("%w: want %s, got %q", ErrWrongKind, kind, got)
	}

	claims := &Claims{UID: sub, Kind: kind}
	claims.Email, _ = mc["email"].(string)
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		claims.ExpiresAt = exp.Time
	}
	return claims, nil
}

// Generate creates a new token of the given kind for uid with expiration.
// email is optional.
func (v *JWTVerifier) Generate(kind Kind, uid, email string, expiresIn time.Duration) (string, error) {
	if uid == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  uid,
		"kind": string(kind),
		"iat":  now.Unix(),
		"exp":  now.Add(expiresIn).Unix(),
	}
	if email != "" {
		claims["email"] = email
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
