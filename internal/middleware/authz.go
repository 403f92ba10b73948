package middleware

import (
	"net/http"

	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/auth"
)

// RequireAuthenticated rejects anonymous requests with 401.
func RequireAuthenticated(next http.Handler) http.Handler {
	return requirePrincipal(func(auth.AuthenticatedPrincipal) bool { return true })(next)
}

// RequireStaff admits principals with the staff flag.
func RequireStaff(next http.Handler) http.Handler {
	return requirePrincipal(func(p auth.AuthenticatedPrincipal) bool { return p.IsStaff })(next)
}

// RequireSuperuser admits principals with the superuser flag.
func RequireSuperuser(next http.Handler) http.Handler {
	return requirePrincipal(func(p auth.AuthenticatedPrincipal) bool { return p.IsSuperuser })(next)
}

func requirePrincipal(allowed func(auth.AuthenticatedPrincipal) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.GetUserFromContext(r.Context())
			if !ok {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			if !principal.IsActive || !allowed(principal) {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
