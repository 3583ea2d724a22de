package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TriggerLimiter limits manual actuator triggers per client with a token bucket
type TriggerLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewTriggerLimiter allows perSecond triggers per client with the given burst
func NewTriggerLimiter(perSecond float64, burst int) *TriggerLimiter {
	if burst < 1 {
		burst = 1
	}
	return &TriggerLimiter{
		clients: make(map[string]*clientLimiter),
		limit:   rate.Limit(perSecond),
		burst:   burst,
		now:     time.Now,
	}
}

// Allow consumes one token for client.
// Returns (allowed, wait until the next token is available)
func (l *TriggerLimiter) Allow(client string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	c, exists := l.clients[client]
	if !exists {
		c = &clientLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[client] = c
	}
	c.lastSeen = now

	if c.limiter.AllowN(now, 1) {
		return true, 0
	}

	r := c.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, 0
	}
	wait := r.DelayFrom(now)
	r.CancelAt(now)
	return false, wait
}

// Cleanup forgets clients idle for longer than idle
func (l *TriggerLimiter) Cleanup(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for client, c := range l.clients {
		if now.Sub(c.lastSeen) > idle {
			delete(l.clients, client)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked clients
func (l *TriggerLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}
