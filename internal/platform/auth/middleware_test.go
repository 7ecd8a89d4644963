package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/animus-labs/animus-rds/internal/domain"
)

type testAuthenticator struct {
	identity Identity
	err      error
	calls    int
}

func (a *testAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	a.calls++
	return a.identity, a.err
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return body
}

func TestMiddleware_Unauthorized(t *testing.T) {
	var denies []DenyEvent
	called := false
	h := Middleware{
		Authenticator: &testAuthenticator{err: ErrUnauthenticated},
		Audit: func(ctx context.Context, e DenyEvent) error {
			denies = append(denies, e)
			return nil
		},
	}.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodGet, "http://example.test/v1/jobs", nil)
	req.Header.Set("X-Request-Id", "rid-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if called {
		t.Fatalf("handler should not be called")
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d, want 401", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["error"] != "unauthorized" || body["request_id"] != "rid-1" {
		t.Fatalf("unexpected body: %v", body)
	}
	if len(denies) != 1 || denies[0].Reason != "unauthorized" || denies[0].Path != "/v1/jobs" {
		t.Fatalf("unexpected deny events: %+v", denies)
	}
}

func TestMiddleware_InvalidToken(t *testing.T) {
	h := Middleware{
		Authenticator: &testAuthenticator{err: errors.New("bad token")},
	}.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.test/v1/jobs", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d, want 401", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "invalid_token" {
		t.Fatalf("error=%v, want invalid_token", body["error"])
	}
}

func TestMiddleware_PartyAuthorizer(t *testing.T) {
	h := Middleware{
		Authenticator: &testAuthenticator{identity: Identity{Subject: "root", Roles: []string{"admin"}}},
		Authorize:     PartyAuthorizer(),
	}.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler should not be called")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "http://example.test/v1/datasets", nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status=%d, want 403", rec.Code)
	}
}

func TestMiddleware_PassesActor(t *testing.T) {
	var got domain.Actor
	h := Middleware{
		Authenticator: &testAuthenticator{identity: Identity{Subject: "alice@do.org", Roles: []string{"owner"}}},
		Authorize:     PartyAuthorizer(),
	}.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := ActorFromContext(r.Context())
		if err != nil {
			t.Fatalf("ActorFromContext() err=%v", err)
		}
		got = actor
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.test/v1/jobs", nil))
	if rec.Code != http.StatusNoContent || got != domain.Owner("alice@do.org") {
		t.Fatalf("status=%d actor=%v", rec.Code, got)
	}
}

func TestMiddleware_SkipPrefixes(t *testing.T) {
	authn := &testAuthenticator{err: ErrUnauthenticated}
	h := Middleware{
		Authenticator: authn,
		SkipPrefixes:  []string{"/healthz"},
	}.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.test/healthz", nil))
	if rec.Code != http.StatusOK || authn.calls != 0 {
		t.Fatalf("status=%d calls=%d", rec.Code, authn.calls)
	}
}
