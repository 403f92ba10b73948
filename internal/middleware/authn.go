package middleware

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/auth"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/logger"
	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/services/iam"
)

// GateMiddleware runs every request through the IAM gate.
//
//   - Authorized: the principal is stored on the context
//   - Anonymous (login not required): the request continues without a principal
//   - Denied: the request is answered with the status of the denial reason
//     (401 identity problems, 403 authorization, 503 directory unavailable)
//
// The denial body names only the status; the reason is logged by the gate.
func GateMiddleware(iamService iam.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			decision, err := iamService.AuthenticateRequest(ctx, iam.AuthRequest{Headers: r.Header})
			if err != nil {
				status := auth.HTTPStatus(err)
				if status == http.StatusServiceUnavailable {
					w.Header().Set("Retry-After", "5")
				}
				http.Error(w, http.StatusText(status), status)
				return
			}

			if decision.Principal != nil {
				ctx = auth.SetUserContext(ctx, decision.Principal.ToContext())
				log := logger.FromContext(ctx, nil).With(zap.String("username", decision.Principal.Username))
				ctx = logger.WithContext(ctx, log)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
