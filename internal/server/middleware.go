package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dshills/mercury/internal/plugin/security"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	userKey      contextKey = "user"
)

// RequestIDFrom returns the request id set by the RequestID middleware.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// UserFrom returns the acting user set by the auth middleware, or nil.
func UserFrom(ctx context.Context) *security.User {
	u, _ := ctx.Value(userKey).(*security.User)
	return u
}

// RequestID adds a unique request id to each request.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestLogger logs every completed request.
func RequestLogger(log *zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			user := ""
			if u := UserFrom(r.Context()); u != nil {
				user = u.ID
			}
			log.Info().
				Str("request_id", RequestIDFrom(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int64("duration_ms", time.Since(start).Milliseconds()).
				Str("user", user).
				Str("ip", r.RemoteAddr).
				Msg("request completed")
		})
	}
}

// Recovery turns a handler panic into a 500 response.
func Recovery(log *zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					log.Error().
						Str("request_id", RequestIDFrom(r.Context())).
						Interface("panic", rec).
						Str("path", r.URL.Path).
						Msg("panic recovered")
					sendError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// authenticate requires a valid bearer token and stores the acting user in
// the request context. A nil authenticator lets every request through as
// the system user.
func authenticate(a *authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a == nil {
				ctx := context.WithValue(r.Context(), userKey, &security.User{ID: "system", Role: "system"})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			token, msg := bearerToken(r)
			if token == "" {
				sendError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", msg, nil)
				return
			}

			claims, err := a.Validate(token)
			if err != nil {
				sendError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid or expired token", nil)
				return
			}

			ctx := context.WithValue(r.Context(), userKey, claims.User())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken extracts the token from the Authorization header. Websocket
// clients, which cannot set headers, may pass access_token instead.
func bearerToken(r *http.Request) (string, string) {
	header := r.Header.Get("Authorization")
	if header == "" {
		if t := r.URL.Query().Get("access_token"); t != "" && websocket.IsWebSocketUpgrade(r) {
			return t, ""
		}
		return "", "Missing authorization header"
	}
	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", "Invalid authorization header format"
	}
	return parts[1], ""
}
