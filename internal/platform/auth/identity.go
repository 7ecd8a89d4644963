package auth

import (
	"context"
	"fmt"

	"github.com/animus-labs/animus-rds/internal/domain"
)

type Identity struct {
	Subject string
	Email   string
	Roles   []string
}

// Actor resolves the identity to the domain party it acts as.
func (i Identity) Actor() (domain.Actor, error) {
	role, err := RoleFromClaims(i.Roles)
	if err != nil {
		return domain.Actor{}, err
	}
	actor := domain.Actor{Subject: i.Subject, Role: role}
	if err := actor.Validate(); err != nil {
		return domain.Actor{}, err
	}
	return actor, nil
}

type ctxKeyIdentity struct{}

func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity{}, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	v, ok := ctx.Value(ctxKeyIdentity{}).(Identity)
	return v, ok
}

// ActorFromContext returns the actor of an authenticated request.
func ActorFromContext(ctx context.Context) (domain.Actor, error) {
	identity, ok := IdentityFromContext(ctx)
	if !ok {
		return domain.Actor{}, fmt.Errorf("%w: request is not authenticated", domain.ErrAuthorization)
	}
	return identity.Actor()
}
