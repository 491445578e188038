package ratelimit

import (
	"sync"
	"time"
)

// Scope is the budget class a request is counted against
type Scope string

const (
	ScopeWrite Scope = "write" // signup-family POSTs, strict budget
	ScopeRead  Scope = "read"  // read endpoints, looser budget
)

// Config contains rate limit configuration
type Config struct {
	Window     time.Duration
	WriteLimit int
	ReadLimit  int
}

// Counter tracks requests for one key within the current window
type Counter struct {
	Count       int
	WindowStart time.Time
}

// Result contains the rate limit check result
type Result struct {
	Allowed    bool
	Scope      Scope
	RetryAfter time.Duration
}

// Limiter implements per-client-IP fixed-window rate limiting with
// independent budgets per scope. State is in-process only: with multiple
// server instances each enforces its own budget.
type Limiter struct {
	config   Config
	counters map[string]*Counter // scope:ip -> counter
	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewLimiter creates a new rate limiter and starts the stale-counter sweep
func NewLimiter(cfg Config) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}

	l := &Limiter{
		config:   cfg,
		counters: make(map[string]*Counter),
		stopCh:   make(chan struct{}),
	}

	go l.sweepLoop()

	return l
}

// Allow checks whether a request from ip fits the scope's budget in the
// current window, incrementing the counter when it does.
func (l *Limiter) Allow(scope Scope, ip string) *Result {
	limit := l.limitFor(scope)
	result := &Result{Allowed: true, Scope: scope}
	if limit <= 0 {
		return result
	}

	key := string(scope) + ":" + ip
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	counter, ok := l.counters[key]
	if !ok || now.Sub(counter.WindowStart) >= l.config.Window {
		counter = &Counter{WindowStart: now}
		l.counters[key] = counter
	}

	if counter.Count >= limit {
		result.Allowed = false
		result.RetryAfter = counter.WindowStart.Add(l.config.Window).Sub(now)
		return result
	}

	counter.Count++
	return result
}

// Reset clears all counters
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counters = make(map[string]*Counter)
}

// Stop stops the background sweep
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *Limiter) limitFor(scope Scope) int {
	switch scope {
	case ScopeWrite:
		return l.config.WriteLimit
	case ScopeRead:
		return l.config.ReadLimit
	}
	return 0
}

// sweepLoop drops counters whose window has long expired so the map does not
// grow with the number of distinct client IPs ever seen
func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(l.config.Window)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.sweep(time.Now())
		}
	}
}

func (l *Limiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, counter := range l.counters {
		if now.Sub(counter.WindowStart) >= 2*l.config.Window {
			delete(l.counters, key)
		}
	}
}
