package ratelimit

import (
	"sync"
	"time"
)

const (
	// DefaultIdentityWindow bounds each authenticated identity.
	DefaultIdentityWindow = time.Minute
	// DefaultIdentityLimit is the per-identity request budget per window.
	DefaultIdentityLimit = 15
	// DefaultGlobalWindow is the shorter aggregate backstop window.
	DefaultGlobalWindow = 15 * time.Second
	// DefaultGlobalLimit is the aggregate budget per global window.
	DefaultGlobalLimit = 60
)

// Config holds the two-tier window parameters. Zero values fall back to the
// package defaults.
type Config struct {
	IdentityWindow time.Duration
	IdentityLimit  int
	GlobalWindow   time.Duration
	GlobalLimit    int
}

type window struct {
	count       int
	windowStart time.Time
}

// Limiter applies sliding fixed windows at two tiers: per identity, then a
// global backstop for traffic that already passed the identity tier. Entries
// are created on first use and live for the process lifetime.
type Limiter struct {
	cfg Config

	mu         sync.Mutex
	identities map[string]*window
	global     window

	now func() time.Time
}

func New(cfg Config) *Limiter {
	if cfg.IdentityWindow <= 0 {
		cfg.IdentityWindow = DefaultIdentityWindow
	}
	if cfg.IdentityLimit <= 0 {
		cfg.IdentityLimit = DefaultIdentityLimit
	}
	if cfg.GlobalWindow <= 0 {
		cfg.GlobalWindow = DefaultGlobalWindow
	}
	if cfg.GlobalLimit <= 0 {
		cfg.GlobalLimit = DefaultGlobalLimit
	}
	return &Limiter{
		cfg:        cfg,
		identities: make(map[string]*window),
		now:        time.Now,
	}
}

// AllowIdentity consumes one slot from the identity's window, resetting the
// window when it has elapsed. Must be called before any expensive per-request
// work.
func (l *Limiter) AllowIdentity(key string) bool {
	if key == "" {
		key = "unknown"
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.identities[key]
	if !ok {
		w = &window{windowStart: now}
		l.identities[key] = w
	}
	return allow(w, now, l.cfg.IdentityWindow, l.cfg.IdentityLimit)
}

// AllowGlobal consumes one slot from the aggregate window. Runs after the
// identity tier so it only sheds traffic that already passed identity checks.
func (l *Limiter) AllowGlobal() bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.global.windowStart.IsZero() {
		l.global.windowStart = now
	}
	return allow(&l.global, now, l.cfg.GlobalWindow, l.cfg.GlobalLimit)
}

func allow(w *window, now time.Time, span time.Duration, limit int) bool {
	if now.Sub(w.windowStart) >= span {
		w.windowStart = now
		w.count = 0
	}
	if w.count >= limit {
		return false
	}
	w.count++
	return true
}
