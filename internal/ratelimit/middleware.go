package ratelimit

import (
	"net"
	"net/http"
)

// Middleware wraps next with the limiter, replying 429 once the window is
// exhausted. The counter key combines the caller's address, the method and
// the route pattern.
func Middleware(l *Limiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(Key(clientIP(r), r.Method, r.URL.Path)) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP strips the port from RemoteAddr so a reconnecting client keeps
// the same counter key.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
