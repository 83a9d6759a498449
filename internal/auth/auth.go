// Package auth provides the consumer authenticators: HMAC-signed JWTs for
// single-tenant deployments and JWKS-backed verification for deployments
// fronted by an identity provider.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/beamcode/beamcode/internal/broker"
	"github.com/beamcode/beamcode/internal/config"
)

// Claims are the token claims the broker cares about. Role defaults to
// participant; anything other than "observer" is treated as participant.
type Claims struct {
	DisplayName string `json:"name,omitempty"`
	Role        string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) identity() broker.Identity {
	role := broker.RoleParticipant
	if c.Role == broker.RoleObserver {
		role = broker.RoleObserver
	}
	name := c.DisplayName
	if name == "" {
		name = c.Subject
	}
	return broker.Identity{
		UserID:      c.Subject,
		DisplayName: name,
		Role:        role,
	}
}

// HMACAuthenticator verifies HS256 tokens against a shared secret.
type HMACAuthenticator struct {
	secret []byte
}

// NewHMAC creates an HMAC authenticator.
func NewHMAC(secret string) *HMACAuthenticator {
	return &HMACAuthenticator{secret: []byte(secret)}
}

func (a *HMACAuthenticator) Authenticate(_ context.Context, token string) (broker.Identity, error) {
	if token == "" {
		return broker.Identity{}, errors.New("missing token")
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return broker.Identity{}, fmt.Errorf("parse token: %w", err)
	}
	if !parsed.Valid {
		return broker.Identity{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return broker.Identity{}, errors.New("token missing subject")
	}
	return claims.identity(), nil
}

// JWKSAuthenticator verifies tokens against a remote JWKS endpoint. Keys
// are fetched and refreshed in the background by keyfunc.
type JWKSAuthenticator struct {
	keys keyfunc.Keyfunc
}

// NewJWKS creates a JWKS authenticator. The initial key fetch happens here;
// a dead endpoint fails fast instead of failing every consumer later.
func NewJWKS(ctx context.Context, url string) (*JWKSAuthenticator, error) {
	keys, err := keyfunc.NewDefaultCtx(ctx, []string{url})
	if err != nil {
		return nil, fmt.Errorf("load jwks %s: %w", url, err)
	}
	return &JWKSAuthenticator{keys: keys}, nil
}

func (a *JWKSAuthenticator) Authenticate(_ context.Context, token string) (broker.Identity, error) {
	if token == "" {
		return broker.Identity{}, errors.New("missing token")
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, a.keys.Keyfunc)
	if err != nil {
		return broker.Identity{}, fmt.Errorf("parse token: %w", err)
	}
	if !parsed.Valid {
		return broker.Identity{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return broker.Identity{}, errors.New("token missing subject")
	}
	return claims.identity(), nil
}

// FromConfig builds the authenticator selected by the config.
func FromConfig(ctx context.Context, cfg config.AuthConfig) (broker.Authenticator, error) {
	switch cfg.Mode {
	case "", "none":
		return broker.AnonymousAuthenticator{}, nil
	case "hmac":
		return NewHMAC(cfg.Secret), nil
	case "jwks":
		return NewJWKS(ctx, cfg.JWKSURL)
	default:
		return nil, fmt.Errorf("unknown auth mode: %s", cfg.Mode)
	}
}
