// Package tenant carries the authenticated principal through a request's
// context so every layer below (and the database session itself) sees the
// same firm scope.
//
// The principal travels on context.Context rather than any worker-local
// storage: a value scoped to one request context can never be observed by a
// goroutine serving a different request, and it dies with the request on
// every exit path, including cancellation.
package tenant

import (
	"context"
	"errors"
	"strings"
)

// Role is a user's position in the approval workflow.
type Role string

const (
	// RoleAttorney drafts and submits their own time entries.
	RoleAttorney Role = "attorney"
	// RolePartner reviews and approves or rejects submitted entries.
	RolePartner Role = "partner"
)

// IsValid reports whether the role is known to the workflow.
func (r Role) IsValid() bool {
	switch r {
	case RoleAttorney, RolePartner:
		return true
	default:
		return false
	}
}

func (r Role) String() string {
	return string(r)
}

// Principal is the authenticated identity for one logical request.
// It is transient: set at request entry, gone when the request context dies.
type Principal struct {
	UserID string
	FirmID string
	Role   Role
}

var ErrPrincipalInvalid = errors.New("invalid principal")

// Validate checks the principal carries a complete identity.
func (p Principal) Validate() error {
	switch {
	case strings.TrimSpace(p.UserID) == "":
		return errors.Join(ErrPrincipalInvalid, errors.New("user id required"))
	case strings.TrimSpace(p.FirmID) == "":
		return errors.Join(ErrPrincipalInvalid, errors.New("firm id required"))
	case !p.Role.IsValid():
		return errors.Join(ErrPrincipalInvalid, errors.New("unknown role"))
	default:
		return nil
	}
}

type principalContextKey struct{}

// WithPrincipal returns a context carrying the principal.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}

	return context.WithValue(ctx, principalContextKey{}, p)
}

// FromContext reads the principal from the context.
// Absence is not an error: health checks and background work run unscoped.
func FromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}

	p, ok := ctx.Value(principalContextKey{}).(Principal)
	if !ok || p.Validate() != nil {
		return Principal{}, false
	}

	return p, true
}

// Detach returns a context guaranteed to carry no principal, regardless of
// what the parent carries. Cross-tenant background work (the outbox relay)
// uses this so it can never inherit a stale principal from its caller.
func Detach(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}

	return context.WithValue(ctx, principalContextKey{}, Principal{})
}
