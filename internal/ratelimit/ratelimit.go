// Package ratelimit throttles control-channel upgrades per client address.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// DefaultIdleTTL is how long an unused per-client bucket is kept around.
const DefaultIdleTTL = 10 * time.Minute

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	mu         sync.Mutex
	tokens     int
	capacity   int
	rate       int // tokens per second
	lastRefill time.Time
	lastSeen   time.Time
}

// NewTokenBucket creates a new token bucket with the given rate and capacity
func NewTokenBucket(rate, capacity int) *TokenBucket {
	now := time.Now()
	return &TokenBucket{
		tokens:     capacity,
		capacity:   capacity,
		rate:       rate,
		lastRefill: now,
		lastSeen:   now,
	}
}

// Allow consumes a token if one is available
func (tb *TokenBucket) Allow() bool { return tb.allowAt(time.Now()) }

func (tb *TokenBucket) allowAt(now time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.lastSeen = now
	tokensToAdd := int(now.Sub(tb.lastRefill).Seconds() * float64(tb.rate))
	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}

	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

func (tb *TokenBucket) idleSince(now time.Time) time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return now.Sub(tb.lastSeen)
}

// Limiter combines a global bucket with one bucket per client address.
// A zero rate disables that tier. A nil *Limiter allows everything.
type Limiter struct {
	mu        sync.Mutex
	global    *TokenBucket
	perClient map[string]*TokenBucket
	rate      int
	burst     int
	idleTTL   time.Duration
}

// New creates a limiter. burst is the capacity of every bucket.
func New(globalRate, perClientRate, burst int) *Limiter {
	if burst <= 0 {
		burst = 1
	}
	l := &Limiter{
		perClient: make(map[string]*TokenBucket),
		rate:      perClientRate,
		burst:     burst,
		idleTTL:   DefaultIdleTTL,
	}
	if globalRate > 0 {
		l.global = NewTokenBucket(globalRate, burst)
	}
	return l
}

// Allow reports whether client may open another session now.
func (l *Limiter) Allow(client string) bool {
	return l.allowAt(client, time.Now())
}

func (l *Limiter) allowAt(client string, now time.Time) bool {
	if l == nil {
		return true
	}
	if l.global != nil && !l.global.allowAt(now) {
		return false
	}
	if l.rate <= 0 {
		return true
	}
	l.mu.Lock()
	bucket, ok := l.perClient[client]
	if !ok {
		bucket = NewTokenBucket(l.rate, l.burst)
		bucket.lastRefill = now
		l.perClient[client] = bucket
	}
	l.mu.Unlock()
	return bucket.allowAt(now)
}

// Cleanup drops per-client buckets unused for longer than the idle TTL and
// returns how many were removed.
func (l *Limiter) Cleanup(now time.Time) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for client, bucket := range l.perClient {
		if bucket.idleSince(now) > l.idleTTL {
			delete(l.perClient, client)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked clients.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.perClient)
}

// Run calls Cleanup every interval until ctx is done.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	if l == nil {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			l.Cleanup(now)
		}
	}
}
