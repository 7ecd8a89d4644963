package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/animus-labs/animus-rds/internal/platform/requestid"
)

const (
	HeaderSubject = "X-Rds-Subject"
	HeaderEmail   = "X-Rds-Email"
	HeaderRoles   = "X-Rds-Roles"

	HeaderInternalAuthTimestamp = "X-Rds-Auth-Ts"
	HeaderInternalAuthSignature = "X-Rds-Auth-Sig"
)

// GatewayHeadersAuthenticator trusts identity headers set by a fronting
// gateway when they carry a fresh HMAC signature over the request.
type GatewayHeadersAuthenticator struct {
	Secret  string
	MaxSkew time.Duration
	Now     func() time.Time
}

func NewGatewayHeadersAuthenticator(secret string, maxSkew time.Duration) (*GatewayHeadersAuthenticator, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("RDS_INTERNAL_AUTH_SECRET is required")
	}
	return &GatewayHeadersAuthenticator{Secret: secret, MaxSkew: maxSkew}, nil
}

func (a *GatewayHeadersAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	subject := strings.TrimSpace(r.Header.Get(HeaderSubject))
	if subject == "" {
		return Identity{}, ErrUnauthenticated
	}
	email := strings.TrimSpace(r.Header.Get(HeaderEmail))
	rolesRaw := strings.TrimSpace(r.Header.Get(HeaderRoles))

	ts := strings.TrimSpace(r.Header.Get(HeaderInternalAuthTimestamp))
	sig := strings.TrimSpace(r.Header.Get(HeaderInternalAuthSignature))
	if ts == "" || sig == "" {
		return Identity{}, ErrUnauthenticated
	}

	now := time.Now().UTC()
	if a.Now != nil {
		now = a.Now()
	}
	if err := VerifyInternalAuthTimestamp(ts, now, a.MaxSkew); err != nil {
		return Identity{}, err
	}
	canonical := GatewayRequest{
		Timestamp: ts,
		Method:    r.Method,
		Path:      r.URL.Path,
		RequestID: r.Header.Get(requestid.Header),
		Subject:   subject,
		Email:     email,
		Roles:     rolesRaw,
	}
	if err := canonical.Verify(a.Secret, sig); err != nil {
		return Identity{}, err
	}
	return Identity{Subject: subject, Email: email, Roles: parseCSV(rolesRaw)}, nil
}

// GatewayRequest is the signed view of a gateway-forwarded request.
type GatewayRequest struct {
	Timestamp string
	Method    string
	Path      string
	RequestID string
	Subject   string
	Email     string
	Roles     string
}

func (g GatewayRequest) Sign(secret string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("internal auth secret is required")
	}
	if strings.TrimSpace(g.Timestamp) == "" {
		return "", errors.New("timestamp is required")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	if _, err := mac.Write([]byte(g.canonical())); err != nil {
		return "", fmt.Errorf("hmac: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

func (g GatewayRequest) Verify(secret, signature string) error {
	expected, err := g.Sign(secret)
	if err != nil {
		return err
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return errors.New("signature is required")
	}
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return errors.New("invalid signature")
	}
	return nil
}

func (g GatewayRequest) canonical() string {
	return strings.Join([]string{
		strings.TrimSpace(g.Timestamp),
		strings.ToUpper(strings.TrimSpace(g.Method)),
		strings.TrimSpace(g.Path),
		strings.TrimSpace(g.RequestID),
		strings.TrimSpace(g.Subject),
		strings.TrimSpace(g.Email),
		strings.TrimSpace(g.Roles),
	}, "\n")
}

func VerifyInternalAuthTimestamp(ts string, now time.Time, maxSkew time.Duration) error {
	ts = strings.TrimSpace(ts)
	if ts == "" {
		return errors.New("timestamp is required")
	}
	parsed, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	if maxSkew <= 0 {
		return nil
	}
	tsTime := time.Unix(parsed, 0).UTC()
	if tsTime.After(now.Add(maxSkew)) || tsTime.Before(now.Add(-maxSkew)) {
		return errors.New("timestamp outside allowed skew")
	}
	return nil
}
