package api

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/shehryarbajwa/browserbase-orchestrator/internal/ratelimit"
)

var timeNow = time.Now

// RateLimitMiddleware creates a middleware that enforces rate limits per client
func RateLimitMiddleware(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	limit := strconv.Itoa(limiter.RequestsPerHour())

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := getClientID(r)

			// Check rate limit
			if !limiter.Allow(clientID) {
				// Rate limit exceeded
				w.Header().Set("X-RateLimit-Limit", limit)
				w.Header().Set("X-RateLimit-Remaining", "0")
				writeError(w, http.StatusTooManyRequests,
					fmt.Sprintf("Rate limit exceeded. Maximum %s requests per hour per client.", limit))
				return
			}

			// Add rate limit headers
			tokens := limiter.Tokens(clientID)
			w.Header().Set("X-RateLimit-Limit", limit)
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(tokens)))

			// Request allowed, continue
			next.ServeHTTP(w, r)
		})
	}
}

// getClientID identifies the caller: API key, then project header, then remote address
func getClientID(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return "key:" + key
	}

	if projectID := r.Header.Get("X-Project-ID"); projectID != "" {
		return "project:" + projectID
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "addr:" + host
}

// statusRecorder captures the response code while still allowing websocket upgrades
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
