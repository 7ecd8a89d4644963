package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/animus-labs/animus-rds/internal/domain"
	"github.com/coreos/go-oidc/v3/oidc"
)

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("RDS_AUTH_MODE", "gateway")
	t.Setenv("RDS_INTERNAL_AUTH_SECRET", "s3cret")
	t.Setenv("RDS_DEV_AUTH_ROLES", "requester")

	cfg, err := ConfigFromEnv(DefaultConfig())
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.Mode != ModeGateway || cfg.GatewaySecret != "s3cret" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if len(cfg.DevRoles) != 1 || cfg.DevRoles[0] != "requester" {
		t.Fatalf("DevRoles=%v", cfg.DevRoles)
	}

	t.Setenv("RDS_AUTH_MODE", "kerberos")
	if _, err := ConfigFromEnv(DefaultConfig()); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	cfg.Mode = ModeOIDC
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected oidc config without issuer to fail")
	}
	cfg = DefaultConfig()
	cfg.DevRoles = []string{"admin"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected dev roles without a party to fail")
	}
}

func TestRoleFromClaims(t *testing.T) {
	cases := []struct {
		claims []string
		want   domain.Role
		ok     bool
	}{
		{[]string{"owner"}, domain.RoleOwner, true},
		{[]string{"Data_Scientist"}, domain.RoleRequester, true},
		{[]string{"requester", "do"}, domain.RoleOwner, true},
		{[]string{"system"}, "", false},
		{nil, "", false},
	}
	for _, tc := range cases {
		got, err := RoleFromClaims(tc.claims)
		if tc.ok != (err == nil) || got != tc.want {
			t.Fatalf("RoleFromClaims(%v)=%q err=%v, want %q", tc.claims, got, err, tc.want)
		}
		if !tc.ok && !errors.Is(err, domain.ErrAuthorization) {
			t.Fatalf("expected authorization error, got %v", err)
		}
	}
}

func TestIdentityActor(t *testing.T) {
	actor, err := Identity{Subject: "bob@ds.org", Roles: []string{"ds"}}.Actor()
	if err != nil {
		t.Fatalf("Actor() err=%v", err)
	}
	if actor != domain.Requester("bob@ds.org") {
		t.Fatalf("actor=%v", actor)
	}
	if _, err := (Identity{Roles: []string{"owner"}}).Actor(); !errors.Is(err, domain.ErrAuthorization) {
		t.Fatalf("expected authorization error for empty subject, got %v", err)
	}
	if _, err := ActorFromContext(context.Background()); !errors.Is(err, domain.ErrAuthorization) {
		t.Fatalf("expected authorization error without identity, got %v", err)
	}
}

func TestGatewayHeadersAuthenticator(t *testing.T) {
	secret := "test-secret"
	now := time.Unix(1700000000, 0).UTC()
	authn, err := NewGatewayHeadersAuthenticator(secret, 5*time.Minute)
	if err != nil {
		t.Fatalf("NewGatewayHeadersAuthenticator() err=%v", err)
	}
	authn.Now = func() time.Time { return now }

	signed := func(method, path string, ts time.Time) *http.Request {
		req := httptest.NewRequest(method, "http://example.test"+path, nil)
		req.Header.Set("X-Request-Id", "rid-2")
		req.Header.Set(HeaderSubject, "alice@do.org")
		req.Header.Set(HeaderRoles, "owner")
		g := GatewayRequest{
			Timestamp: strconv.FormatInt(ts.Unix(), 10),
			Method:    method,
			Path:      path,
			RequestID: "rid-2",
			Subject:   "alice@do.org",
			Roles:     "owner",
		}
		sig, err := g.Sign(secret)
		if err != nil {
			t.Fatalf("Sign() err=%v", err)
		}
		req.Header.Set(HeaderInternalAuthTimestamp, g.Timestamp)
		req.Header.Set(HeaderInternalAuthSignature, sig)
		return req
	}

	req := signed(http.MethodPost, "/v1/jobs/x/approve", now)
	identity, err := authn.Authenticate(req.Context(), req)
	if err != nil {
		t.Fatalf("Authenticate() err=%v", err)
	}
	if actor, err := identity.Actor(); err != nil || actor != domain.Owner("alice@do.org") {
		t.Fatalf("actor=%v err=%v", actor, err)
	}

	tampered := signed(http.MethodPost, "/v1/jobs/x/approve", now)
	tampered.Header.Set(HeaderRoles, "owner,requester")
	if _, err := authn.Authenticate(tampered.Context(), tampered); err == nil {
		t.Fatalf("expected tampered roles to fail")
	}

	stale := signed(http.MethodGet, "/v1/jobs", now.Add(-time.Hour))
	if _, err := authn.Authenticate(stale.Context(), stale); err == nil {
		t.Fatalf("expected stale timestamp to fail")
	}

	bare := httptest.NewRequest(http.MethodGet, "http://example.test/v1/jobs", nil)
	if _, err := authn.Authenticate(bare.Context(), bare); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
}

func TestOIDCAuthenticatorRejectsMissingAndBadTokens(t *testing.T) {
	verifier := oidc.NewVerifier("https://issuer.example.test", &oidc.StaticKeySet{}, &oidc.Config{ClientID: "rds"})
	authn := NewOIDCAuthenticatorWithVerifier(DefaultConfig(), verifier)

	req := httptest.NewRequest(http.MethodGet, "http://example.test/v1/jobs", nil)
	if _, err := authn.Authenticate(req.Context(), req); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	_, err := authn.Authenticate(req.Context(), req)
	if err == nil || errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected token verification error, got %v", err)
	}
}

func TestIdentityFromClaims(t *testing.T) {
	identity := identityFromClaims(map[string]any{
		"sub":   "0c1f",
		"email": "bob@ds.org",
		"roles": []any{"Requester", 7, ""},
	}, "email", "roles")
	if identity.Subject != "bob@ds.org" || len(identity.Roles) != 1 || identity.Roles[0] != "requester" {
		t.Fatalf("unexpected identity: %+v", identity)
	}
	identity = identityFromClaims(map[string]any{"sub": "svc", "groups": "owner, ds"}, "email", "groups")
	if identity.Subject != "svc" || len(identity.Roles) != 2 {
		t.Fatalf("unexpected identity: %+v", identity)
	}
}
