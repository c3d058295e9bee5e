package catalog

import (
	"sync"
	"time"
)

// Breaker stops catalog traffic after too many failures inside a sliding
// window, and remembers stations the catalog recently said were gone.
type Breaker struct {
	mu          sync.Mutex
	maxFailures int
	window      time.Duration
	cooldown    time.Duration
	failures    []time.Time
	cooldowns   map[string]time.Time
	now         func() time.Time
}

// NewBreaker creates a breaker that opens after maxFailures failures within
// one minute. cooldown is how long a not-found station is remembered.
func NewBreaker(maxFailures int, cooldown time.Duration) *Breaker {
	return &Breaker{
		maxFailures: maxFailures,
		window:      time.Minute,
		cooldown:    cooldown,
		cooldowns:   make(map[string]time.Time),
		now:         time.Now,
	}
}

// IsOpen reports whether the failure budget for the current window is spent.
// A breaker with maxFailures <= 0 never opens.
func (b *Breaker) IsOpen() bool {
	if b == nil || b.maxFailures <= 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneOld()
	return len(b.failures) >= b.maxFailures
}

// IsOnCooldown reports whether id was answered as not-found recently.
func (b *Breaker) IsOnCooldown(id string) bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	last, ok := b.cooldowns[id]
	if !ok {
		return false
	}
	if b.now().Sub(last) >= b.cooldown {
		delete(b.cooldowns, id)
		return false
	}
	return true
}

// RecordFailure notes a transport or server failure.
func (b *Breaker) RecordFailure() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = append(b.failures, b.now())
}

// RecordNotFound starts the cooldown for id.
func (b *Breaker) RecordNotFound(id string) {
	if b == nil || b.cooldown <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cooldowns[id] = b.now()
}

// pruneOld drops failures older than the window.
func (b *Breaker) pruneOld() {
	cutoff := b.now().Add(-b.window)
	i := 0
	for i < len(b.failures) && b.failures[i].Before(cutoff) {
		i++
	}
	b.failures = b.failures[i:]
}
