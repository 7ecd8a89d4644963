package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/animus-labs/animus-rds/internal/domain"
)

var ErrForbidden = errors.New("forbidden")

// Claim values accepted for each party. The system role is never granted to
// an external caller.
var roleClaims = map[string]domain.Role{
	"owner":          domain.RoleOwner,
	"data_owner":     domain.RoleOwner,
	"do":             domain.RoleOwner,
	"requester":      domain.RoleRequester,
	"data_scientist": domain.RoleRequester,
	"ds":             domain.RoleRequester,
}

// RoleFromClaims picks the party from role claims. Owner wins when a caller
// carries both.
func RoleFromClaims(claims []string) (domain.Role, error) {
	found := domain.Role("")
	for _, c := range claims {
		role, ok := roleClaims[strings.ToLower(strings.TrimSpace(c))]
		if !ok {
			continue
		}
		if role == domain.RoleOwner {
			return role, nil
		}
		found = role
	}
	if found == "" {
		return "", fmt.Errorf("%w: no owner or requester role in %v", domain.ErrAuthorization, claims)
	}
	return found, nil
}

// PartyAuthorizer admits identities that map to an owner or requester.
func PartyAuthorizer() AuthorizeFunc {
	return func(r *http.Request, identity Identity) error {
		if _, err := identity.Actor(); err != nil {
			return fmt.Errorf("%w: %w", ErrForbidden, err)
		}
		return nil
	}
}
