// Package ratelimit provides per-client inbound message rate limiting
// and upstream reconnect backoff-with-jitter pacing. Grounded on the
// teacher's internal/single/limits/rate_limiter.go token-bucket-per-client
// design, re-expressed over golang.org/x/time/rate.Limiter (a teacher
// go.mod dependency the flat package declared but never imported) instead
// of the teacher's hand-rolled TokenBucket.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// ClientLimiter hands out a rate.Limiter per client ID, created lazily on
// first use and freed on disconnect.
type ClientLimiter struct {
	burst      int
	refillRate float64
	clients    sync.Map // map[string]*rate.Limiter
}

// NewClientLimiter builds a limiter factory; refillRate is sustained
// messages/sec, burst is the instantaneous allowance.
func NewClientLimiter(refillRate float64, burst int) *ClientLimiter {
	return &ClientLimiter{burst: burst, refillRate: refillRate}
}

// Allow reports whether the client identified by id may send one more
// message right now, creating that client's bucket on first call. id is
// the connection's own session ID (a uuid string in every caller).
func (c *ClientLimiter) Allow(id string) bool {
	v, _ := c.clients.LoadOrStore(id, rate.NewLimiter(rate.Limit(c.refillRate), c.burst))
	return v.(*rate.Limiter).Allow()
}

// Remove discards a client's bucket on disconnect so memory does not
// grow with churn.
func (c *ClientLimiter) Remove(id string) {
	c.clients.Delete(id)
}
