package middleware

import (
	"context"
	"net/http"

	"github.com/Strob0t/omnitask/internal/logger"
)

const headerUserID = "X-User-ID"

type userCtxKey struct{}

// UserID extracts the caller's identity from the X-User-ID header set by the
// authenticating gateway in front of the service. Requests without it are
// rejected with 401.
func UserID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid := r.Header.Get(headerUserID)
		if uid == "" {
			writeJSONError(w, http.StatusUnauthorized, "missing user identity")
			return
		}
		ctx := logger.WithUserID(WithUserID(r.Context(), uid), uid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// WithUserID returns a context carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userCtxKey{}, userID)
}

// UserIDFromContext returns the user ID stored in ctx, or "" if absent.
func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(userCtxKey{}).(string)
	return uid
}
