package middleware

import (
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/logger"
)

// RequestLogger stores a request-scoped logger (carrying the chi request ID)
// on the context and logs one line per completed request.
// It must run after chimiddleware.RequestID.
func RequestLogger(base *zap.Logger) func(http.Handler) http.Handler {
	base = logger.OrNop(base)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log := base.With(zap.String("request_id", chimiddleware.GetReqID(r.Context())))
			ctx := logger.WithContext(r.Context(), log)

			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r.WithContext(ctx))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			log.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
