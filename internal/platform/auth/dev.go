package auth

import (
	"context"
	"net/http"
)

type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (Identity, error)
}

// DevAuthenticator treats every request as the configured identity.
type DevAuthenticator struct {
	identity Identity
}

func NewDevAuthenticator(cfg Config) *DevAuthenticator {
	return &DevAuthenticator{
		identity: Identity{
			Subject: cfg.DevSubject,
			Email:   cfg.DevEmail,
			Roles:   cfg.DevRoles,
		},
	}
}

func (a *DevAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	return a.identity, nil
}

// NewAuthenticator builds the authenticator for cfg.Mode. OIDC discovery
// contacts the issuer.
func NewAuthenticator(ctx context.Context, cfg Config) (Authenticator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Mode {
	case ModeGateway:
		return NewGatewayHeadersAuthenticator(cfg.GatewaySecret, cfg.GatewayMaxSkew)
	case ModeOIDC:
		return NewOIDCAuthenticator(ctx, cfg)
	default:
		return NewDevAuthenticator(cfg), nil
	}
}
