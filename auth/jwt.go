// Package auth signs and verifies the bearer tokens accepted by the HTTP API.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"convertd/models"
)

var (
	ErrInvalidToken     = errors.New("invalid token format")
	ErrTokenExpired     = errors.New("token has expired")
	ErrTokenNotYetValid = errors.New("token not yet valid")
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrInvalidIssuer    = errors.New("invalid issuer")
)

// Config holds verification settings.
type Config struct {
	SecretKey      []byte        // HS256 key
	ExpectedIssuer string        // optional
	ClockSkew      time.Duration // optional
	Now            func() time.Time
}

// Verify checks the signature and time bounds of token and returns its claims.
func Verify(token string, cfg Config) (*models.Claims, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	if len(cfg.SecretKey) == 0 {
		return nil, errors.New("no verification key provided")
	}

	tok, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims := &models.Claims{}
	if err := tok.Claims(cfg.SecretKey, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	clock := cfg.Now
	if clock == nil {
		clock = time.Now
	}
	now := clock().Unix()
	skew := int64(cfg.ClockSkew.Seconds())

	if claims.ExpiresAt > 0 && claims.ExpiresAt < now-skew {
		return nil, ErrTokenExpired
	}
	if claims.NotBefore > 0 && claims.NotBefore > now+skew {
		return nil, ErrTokenNotYetValid
	}
	if claims.IssuedAt > 0 && claims.IssuedAt > now+skew {
		return nil, ErrTokenNotYetValid
	}
	if cfg.ExpectedIssuer != "" && claims.Issuer != cfg.ExpectedIssuer {
		return nil, fmt.Errorf("%w: expected '%s', got '%s'", ErrInvalidIssuer, cfg.ExpectedIssuer, claims.Issuer)
	}
	return claims, nil
}

// Issue signs claims with secret using HS256.
func Issue(claims models.Claims, secret []byte) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("signing key is empty")
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: secret}, (&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}
	token, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to create JWT: %w", err)
	}
	return token, nil
}
