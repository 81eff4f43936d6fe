package ratelimit

import (
	"math"
	"net"
	"net/http"
	"strconv"
)

// Middleware gates an http handler behind the limiter, keyed by client IP
// within the given scope. Rejected requests get a 429 with a Retry-After
// hint; limiter backend failures fail open so a Redis outage does not take
// the endpoint down with it.
func (l *Limiter) Middleware(scope string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision, err := l.Allow(r.Context(), scope, clientIP(r))
		if err != nil {
			l.logger.Warn().Err(err).Msg("limiter unavailable, admitting request")
			next.ServeHTTP(w, r)
			return
		}

		if !decision.Allowed {
			seconds := int(math.Ceil(decision.RetryAfter.Seconds()))
			if seconds < 1 {
				seconds = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
