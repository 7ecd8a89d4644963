// Package auth authenticates HTTP callers and maps them to domain actors.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/animus-rds/internal/platform/env"
)

type Mode string

const (
	ModeGateway Mode = "gateway"
	ModeOIDC    Mode = "oidc"
	ModeDev     Mode = "dev"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type Config struct {
	Mode Mode `yaml:"mode"`

	RolesClaim string `yaml:"roles_claim"`
	EmailClaim string `yaml:"email_claim"`

	OIDCIssuerURL string `yaml:"oidc_issuer_url"`
	OIDCClientID  string `yaml:"oidc_client_id"`

	GatewaySecret  string        `yaml:"gateway_secret"`
	GatewayMaxSkew time.Duration `yaml:"gateway_max_skew"`

	DevSubject string   `yaml:"dev_subject"`
	DevEmail   string   `yaml:"dev_email"`
	DevRoles   []string `yaml:"dev_roles"`
}

// DefaultConfig is the dev setup: every request acts as a local data owner.
func DefaultConfig() Config {
	return Config{
		Mode:           ModeDev,
		RolesClaim:     "roles",
		EmailClaim:     "email",
		GatewayMaxSkew: 5 * time.Minute,
		DevSubject:     "owner@localhost",
		DevEmail:       "owner@localhost",
		DevRoles:       []string{"owner"},
	}
}

// ConfigFromEnv overlays RDS_AUTH_* variables on base.
func ConfigFromEnv(base Config) (Config, error) {
	cfg := base
	modeRaw := strings.ToLower(strings.TrimSpace(env.String("RDS_AUTH_MODE", string(cfg.Mode))))
	switch Mode(modeRaw) {
	case ModeGateway, ModeOIDC, ModeDev:
		cfg.Mode = Mode(modeRaw)
	default:
		return Config{}, fmt.Errorf("RDS_AUTH_MODE must be one of: gateway, oidc, dev (got %q)", modeRaw)
	}
	skew, err := env.Duration("RDS_AUTH_GATEWAY_MAX_SKEW", cfg.GatewayMaxSkew)
	if err != nil {
		return Config{}, err
	}
	cfg.GatewayMaxSkew = skew
	cfg.RolesClaim = env.String("RDS_AUTH_ROLES_CLAIM", cfg.RolesClaim)
	cfg.EmailClaim = env.String("RDS_AUTH_EMAIL_CLAIM", cfg.EmailClaim)
	cfg.OIDCIssuerURL = env.String("RDS_OIDC_ISSUER_URL", cfg.OIDCIssuerURL)
	cfg.OIDCClientID = env.String("RDS_OIDC_CLIENT_ID", cfg.OIDCClientID)
	cfg.GatewaySecret = env.String("RDS_INTERNAL_AUTH_SECRET", cfg.GatewaySecret)
	cfg.DevSubject = env.String("RDS_DEV_AUTH_SUBJECT", cfg.DevSubject)
	cfg.DevEmail = env.String("RDS_DEV_AUTH_EMAIL", cfg.DevEmail)
	if v, ok := lookupCSV("RDS_DEV_AUTH_ROLES"); ok {
		cfg.DevRoles = v
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.RolesClaim) == "" {
		return errors.New("auth roles_claim is required")
	}
	switch c.Mode {
	case ModeOIDC:
		if strings.TrimSpace(c.OIDCIssuerURL) == "" {
			return errors.New("RDS_OIDC_ISSUER_URL is required when auth mode is oidc")
		}
		if strings.TrimSpace(c.OIDCClientID) == "" {
			return errors.New("RDS_OIDC_CLIENT_ID is required when auth mode is oidc")
		}
	case ModeGateway:
		if strings.TrimSpace(c.GatewaySecret) == "" {
			return errors.New("RDS_INTERNAL_AUTH_SECRET is required when auth mode is gateway")
		}
		if c.GatewayMaxSkew < 0 {
			return errors.New("auth gateway_max_skew must be >= 0")
		}
	case ModeDev:
		if strings.TrimSpace(c.DevSubject) == "" {
			return errors.New("RDS_DEV_AUTH_SUBJECT is required when auth mode is dev")
		}
		if _, err := RoleFromClaims(c.DevRoles); err != nil {
			return fmt.Errorf("RDS_DEV_AUTH_ROLES: %w", err)
		}
	default:
		return fmt.Errorf("unsupported auth mode: %q", c.Mode)
	}
	return nil
}

func lookupCSV(key string) ([]string, bool) {
	raw, ok := env.Lookup(key)
	if !ok {
		return nil, false
	}
	return parseCSV(raw), true
}

func parseCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		item := strings.ToLower(strings.TrimSpace(part))
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}
