// Package auth validates and issues the bearer tokens that identify which
// user a request, run, or websocket connection belongs to.
package auth

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Config contains JWT validation/issuance settings.
type Config struct {
	// Secret is the signing key for HS256. Either Secret or PublicKey must be set.
	Secret []byte

	// PublicKey validates EdDSA-signed tokens.
	PublicKey ed25519.PublicKey
	// PrivateKey signs EdDSA tokens; only needed when this process issues tokens.
	PrivateKey ed25519.PrivateKey

	Issuer    string
	Audience  string
	ClockSkew time.Duration
}

// Claims identifies the user and scopes a token grants.
type Claims struct {
	jwt.RegisteredClaims
	UserID string   `json:"user_id,omitempty"`
	Scopes []string `json:"scopes,omitempty"`
}

// HasScope reports whether the claims include the given scope.
func (c *Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Validate parses and validates a bearer token string against cfg.
func Validate(tokenString string, cfg Config) (*Claims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("token is empty")
	}

	parser := jwt.NewParser(jwt.WithLeeway(cfg.ClockSkew))

	token, err := parser.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		switch token.Method.Alg() {
		case "HS256":
			if len(cfg.Secret) == 0 {
				return nil, fmt.Errorf("HS256 requires a secret key")
			}
			return cfg.Secret, nil
		case "EdDSA":
			if cfg.PublicKey == nil {
				return nil, fmt.Errorf("EdDSA requires a public key")
			}
			return cfg.PublicKey, nil
		default:
			return nil, fmt.Errorf("unexpected signing method: %v", token.Method.Alg())
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is invalid")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("token is missing user_id claim")
	}

	if cfg.Issuer != "" && claims.Issuer != cfg.Issuer {
		return nil, fmt.Errorf("invalid issuer: expected %s, got %s", cfg.Issuer, claims.Issuer)
	}
	if cfg.Audience != "" {
		valid := false
		for _, aud := range claims.Audience {
			if aud == cfg.Audience {
				valid = true
				break
			}
		}
		if !valid {
			return nil, fmt.Errorf("invalid audience: expected %s", cfg.Audience)
		}
	}

	return claims, nil
}

// Issue mints a token for claims, defaulting expiry/issuer if unset.
func Issue(claims Claims, cfg Config) (string, error) {
	if claims.ExpiresAt == nil {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(24 * time.Hour))
	}
	if cfg.Issuer != "" && claims.Issuer == "" {
		claims.Issuer = cfg.Issuer
	}

	var token *jwt.Token
	switch {
	case cfg.PrivateKey != nil:
		token = jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	case len(cfg.Secret) > 0:
		token = jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	default:
		return "", fmt.Errorf("no signing key configured")
	}

	if cfg.PrivateKey != nil {
		return token.SignedString(cfg.PrivateKey)
	}
	return token.SignedString(cfg.Secret)
}
