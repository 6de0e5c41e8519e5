package auth

import (
	"context"
	"log/slog"
	"net"
	"net/http"
)

type contextKey int

const (
	ctxUserID contextKey = iota
	ctxRemoteIP
)

const basicRealm = `Basic realm="plantsync", charset="UTF-8"`

// RequestUserID returns the authenticated user ID from the context, or "".
func RequestUserID(ctx context.Context) string {
	v, _ := ctx.Value(ctxUserID).(string)
	return v
}

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

func remoteIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return ip
}

// Middleware returns HTTP middleware that requires basic auth credentials
// matching users. Repeated failures from one IP are rate limited.
func Middleware(users UserCredentials, logger *slog.Logger) func(http.Handler) http.Handler {
	limiter := newLoginRateLimiter()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := remoteIP(r)

			// Check before verifying so a limited client cannot keep
			// burning bcrypt time.
			if limiter.check(ip) {
				logger.Warn("login rate limited", slog.String("ip", ip))
				http.Error(w, "too many failed login attempts, try again later", http.StatusTooManyRequests)

				return
			}

			username, password, ok := r.BasicAuth()
			if !ok {
				logger.Debug("middleware: no basic credentials",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", basicRealm)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			if !users.Verify(username, password) {
				logger.Warn("login failed", slog.String("username", username), slog.String("ip", ip))
				limiter.record(ip)
				w.Header().Set("WWW-Authenticate", basicRealm)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			logger.Debug("middleware: authenticated",
				slog.String("user_id", username),
				slog.String("ip", ip),
			)

			ctx := r.Context()
			ctx = context.WithValue(ctx, ctxUserID, username)
			ctx = context.WithValue(ctx, ctxRemoteIP, ip)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
