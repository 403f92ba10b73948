package auth

import "context"

// AuthenticatedPrincipal captures identity metadata propagated through the request context.
type AuthenticatedPrincipal struct {
	// Username is the canonical username asserted by the trusted header.
	Username string
	// InternalID references the backing users.id row.
	InternalID string
	// Email, FirstName and LastName are synchronized from the directory.
	Email     string
	FirstName string
	LastName  string
	// Flags derived from directory group membership.
	IsActive    bool
	IsStaff     bool
	IsSuperuser bool
	// Roles lists the granted access levels (e.g. "basic", "admin").
	Roles []string
	// Groups lists mirrored directory group names, when mirroring is enabled.
	Groups []string
	// Source tells whether the authorization came from a live directory query,
	// the resolution cache, or a degraded-mode fallback.
	Source string
}

type principalContextKey struct{}

// SetUserContext stores the authenticated principal on the context for downstream consumers.
func SetUserContext(ctx context.Context, principal AuthenticatedPrincipal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, principal)
}

// GetUserFromContext retrieves the authenticated principal from the context.
func GetUserFromContext(ctx context.Context) (AuthenticatedPrincipal, bool) {
	principal, ok := ctx.Value(principalContextKey{}).(AuthenticatedPrincipal)
	return principal, ok
}
