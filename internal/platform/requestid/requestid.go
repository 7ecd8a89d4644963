// Package requestid generates request ids and carries them on a context so
// audit events can be correlated with the HTTP request that caused them.
package requestid

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"
)

const Header = "X-Request-Id"

func New() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

type ctxKey struct{}

func WithContext(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, strings.TrimSpace(id))
}

func FromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxKey{}).(string)
	return v, ok && v != ""
}
