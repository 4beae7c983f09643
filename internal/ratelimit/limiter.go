package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// client is one caller's token bucket and when it was last used
type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter manages rate limits for multiple API clients
type Limiter struct {
	clients         map[string]*client
	mu              sync.Mutex
	rate            rate.Limit
	burst           int
	requestsPerHour int
	now             func() time.Time
}

// NewLimiter creates a new rate limiter
// requestsPerHour: total requests allowed per hour per client (e.g., 100)
// burst: max requests in a burst (e.g., 10)
func NewLimiter(requestsPerHour int, burst int) *Limiter {
	// Convert requests per hour to requests per second
	r := rate.Limit(float64(requestsPerHour) / 3600.0)

	return &Limiter{
		clients:         make(map[string]*client),
		rate:            r,
		burst:           burst,
		requestsPerHour: requestsPerHour,
		now:             time.Now,
	}
}

// RequestsPerHour returns the configured sustained rate
func (l *Limiter) RequestsPerHour() int {
	return l.requestsPerHour
}

// GetLimiter returns the rate limiter for a specific client
func (l *Limiter) GetLimiter(clientID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, exists := l.clients[clientID]
	if !exists {
		c = &client{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.clients[clientID] = c
	}
	c.lastSeen = l.now()

	return c.limiter
}

// Allow checks if a request is allowed for the given client
func (l *Limiter) Allow(clientID string) bool {
	return l.GetLimiter(clientID).AllowN(l.now(), 1)
}

// Tokens returns the current number of available tokens for a client
func (l *Limiter) Tokens(clientID string) float64 {
	return l.GetLimiter(clientID).TokensAt(l.now())
}

// Prune forgets clients idle for longer than idle and returns how many were dropped
func (l *Limiter) Prune(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-idle)
	dropped := 0
	for id, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, id)
			dropped++
		}
	}
	return dropped
}

// Clients counts the clients currently tracked
func (l *Limiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}
