package httpmiddleware

import (
	"net/http"

	"github.com/getsentry/sentry-go"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// Recovery returns a middleware that recovers from panics, logs them with a
// stack trace, reports them to Sentry and responds with 500 Internal Server
// Error. Reporting is a no-op when Sentry was never initialized.
func Recovery() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					lg := zctx.From(r.Context())
					lg.Error("Panic recovered",
						zap.Any("panic", rec),
						zap.String("path", r.URL.Path),
						zap.Stack("stack"),
					)

					hub := sentry.CurrentHub().Clone()
					hub.Scope().SetRequest(r)
					if id := RequestIDFromContext(r.Context()); id != "" {
						hub.Scope().SetTag("request_id", id)
					}
					hub.RecoverWithContext(r.Context(), rec)

					w.Header().Set("Connection", "close")
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
