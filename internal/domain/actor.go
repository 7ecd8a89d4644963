package domain

import (
	"fmt"
	"strings"
)

// Role identifies which party an actor speaks for.
type Role string

const (
	RoleOwner     Role = "owner"
	RoleRequester Role = "requester"
	RoleSystem    Role = "system"
)

// Actor is the explicit caller identity passed to every lifecycle and
// disclosure operation.
type Actor struct {
	Subject string
	Role    Role
}

// System is the actor used for executor-reported transitions.
var System = Actor{Subject: "system", Role: RoleSystem}

func Owner(subject string) Actor {
	return Actor{Subject: subject, Role: RoleOwner}
}

func Requester(subject string) Actor {
	return Actor{Subject: subject, Role: RoleRequester}
}

func ParseRole(value string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(value))) {
	case RoleOwner:
		return RoleOwner, nil
	case RoleRequester:
		return RoleRequester, nil
	case RoleSystem:
		return RoleSystem, nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrValidation, value)
	}
}

func (a Actor) Validate() error {
	if strings.TrimSpace(a.Subject) == "" {
		return fmt.Errorf("%w: actor subject is required", ErrAuthorization)
	}
	switch a.Role {
	case RoleOwner, RoleRequester, RoleSystem:
		return nil
	default:
		return fmt.Errorf("%w: actor role %q is not recognised", ErrAuthorization, a.Role)
	}
}

func (a Actor) IsOwner() bool {
	return a.Role == RoleOwner && strings.TrimSpace(a.Subject) != ""
}

func (a Actor) String() string {
	return string(a.Role) + ":" + a.Subject
}
