package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// OIDCAuthenticator accepts bearer ID tokens issued for the configured
// client.
type OIDCAuthenticator struct {
	cfg      Config
	verifier *oidc.IDTokenVerifier
}

func NewOIDCAuthenticator(ctx context.Context, cfg Config) (*OIDCAuthenticator, error) {
	if cfg.Mode != ModeOIDC {
		return nil, fmt.Errorf("auth mode must be oidc (got %q)", cfg.Mode)
	}
	provider, err := oidc.NewProvider(ctx, cfg.OIDCIssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc provider: %w", err)
	}
	return NewOIDCAuthenticatorWithVerifier(cfg, provider.Verifier(&oidc.Config{ClientID: cfg.OIDCClientID})), nil
}

func NewOIDCAuthenticatorWithVerifier(cfg Config, verifier *oidc.IDTokenVerifier) *OIDCAuthenticator {
	return &OIDCAuthenticator{cfg: cfg, verifier: verifier}
}

func (a *OIDCAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	rawToken := tokenFromHeader(r)
	if rawToken == "" {
		return Identity{}, ErrUnauthenticated
	}
	idToken, err := a.verifier.Verify(ctx, rawToken)
	if err != nil {
		return Identity{}, err
	}
	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return Identity{}, err
	}
	return identityFromClaims(claims, a.cfg.EmailClaim, a.cfg.RolesClaim), nil
}

func identityFromClaims(claims map[string]any, emailClaim, rolesClaim string) Identity {
	subject, _ := claims["sub"].(string)
	email := extractStringClaim(claims, emailClaim)
	// Requesters are usually known to the owner by email.
	if email != "" {
		subject = email
	}
	return Identity{
		Subject: subject,
		Email:   email,
		Roles:   extractRolesClaim(claims, rolesClaim),
	}
}

func tokenFromHeader(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return ""
	}
	parts := strings.SplitN(authz, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func extractStringClaim(claims map[string]any, key string) string {
	if key == "" {
		return ""
	}
	s, _ := claims[key].(string)
	return strings.TrimSpace(s)
}

func extractRolesClaim(claims map[string]any, key string) []string {
	v, ok := claims[key]
	if !ok {
		return nil
	}
	switch typed := v.(type) {
	case []any:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			s, ok := item.(string)
			if !ok {
				continue
			}
			if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			if s := strings.ToLower(strings.TrimSpace(item)); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		return parseCSV(typed)
	default:
		return nil
	}
}
