package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a fixed-window limiter shared by every caller, such as the
// admin key registration endpoint.
type Limiter struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
	rate        int
	window      time.Duration
}

// New creates a Limiter that allows rate requests per window.
func New(rate int, window time.Duration) *Limiter {
	return &Limiter{
		rate:        rate,
		window:      window,
		windowStart: time.Now(),
	}
}

// Allow reports whether one more event fits in the current window. A
// non-positive rate disables the limit.
func (l *Limiter) Allow() bool {
	if l.rate <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if now.Sub(l.windowStart) > l.window {
		l.count = 0
		l.windowStart = now
	}
	l.count++
	return l.count <= l.rate
}

// visitor tracks request counts within the current window for a single key.
type visitor struct {
	count       int
	windowStart time.Time
}

// Keyed applies a fixed-window limit per key, typically a peer IP. A rate
// of zero or less disables limiting.
type Keyed struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     int
	window   time.Duration
	now      func() time.Time
}

// NewKeyed creates a per-key limiter allowing rate events per window.
func NewKeyed(rate int, window time.Duration) *Keyed {
	return &Keyed{
		visitors: make(map[string]*visitor),
		rate:     rate,
		window:   window,
		now:      time.Now,
	}
}

// Allow records an event for key and reports whether it is within the limit.
func (k *Keyed) Allow(key string) bool {
	if k.rate <= 0 {
		return true
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	v, exists := k.visitors[key]
	if !exists || now.Sub(v.windowStart) > k.window {
		k.visitors[key] = &visitor{count: 1, windowStart: now}
		return true
	}
	v.count++
	return v.count <= k.rate
}

// Cleanup removes entries whose window has expired and returns how many
// were dropped.
func (k *Keyed) Cleanup() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	now := k.now()
	n := 0
	for key, v := range k.visitors {
		if now.Sub(v.windowStart) > k.window {
			delete(k.visitors, key)
			n++
		}
	}
	return n
}
