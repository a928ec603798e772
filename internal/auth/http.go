// ABOUTME: HTTP middleware attaching the caller identity to request contexts
// ABOUTME: Rejects requests with bad credentials; missing credentials are anonymous

package auth

import (
	"log/slog"
	"net/http"
)

// Middleware resolves each request's identity and stores it on the context.
func Middleware(ident *Identifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := ident.Identify(r.Header.Get("Authorization"), r.Header.Get(AgentHeader))
			if err != nil {
				logger.Warn("auth failure", "reason", err.Error(), "remote_addr", r.RemoteAddr, "path", r.URL.Path)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"invalid credentials"}`))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
