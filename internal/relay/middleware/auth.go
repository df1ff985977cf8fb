package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/kartik-212004/collaborative-board/internal/auth"
)

// NewAuthMiddleware verifies the bearer credential before the WebSocket
// upgrade. Browser WebSocket clients cannot set headers, so the token is
// taken from the "token" query parameter first, with an Authorization
// header fallback for non-browser clients. An unauthenticated request
// never reaches the upgrade handler.
func NewAuthMiddleware(logger *slog.Logger, authenticator auth.Authenticator) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

			// couldn't extract metadata from request so something went wrong with previous middlewares
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			tokenString := r.URL.Query().Get("token")
			if tokenString == "" {
				if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
					tokenString = strings.TrimPrefix(header, "Bearer ")
				}
			}

			identity, err := authenticator.Authenticate(tokenString)
			if err != nil {
				if errors.Is(err, auth.ErrNoCredential) {
					logger.Warn("Credential missing in upgrade request", slog.String("ip", reqMeta.IP))
					http.Error(w, "no credential", http.StatusUnauthorized)
					return
				}
				logger.Warn("Invalid credential presented",
					slog.String("ip", reqMeta.IP),
					slog.Any("error", err),
				)
				http.Error(w, "invalid or expired credential", http.StatusUnauthorized)
				return
			}

			reqMeta.Identity = identity
			next.ServeHTTP(w, r)
		})
	}
}
