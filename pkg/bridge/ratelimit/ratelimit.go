// Package ratelimit throttles browser websocket connects per client address:
// a token bucket bounds the connect rate and a semaphore bounds the number
// of sockets held open at once.
package ratelimit

import (
	"math"
	"strings"
	"sync"
	"time"
)

type Config struct {
	ConnectRPS   float64
	ConnectBurst int

	MaxConnectionsPerAddress int

	// Bounds for the in-memory map.
	MaxEntries int
	EntryTTL   time.Duration
}

// Limiter is single-process and safe for concurrent use.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*addressLimiter
}

type addressLimiter struct {
	mu       sync.Mutex
	bucket   tokenBucket
	open     chan struct{}
	lastSeen time.Time
}

type tokenBucket struct {
	rps      float64
	capacity float64
	tokens   float64
	last     time.Time
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{cfg: cfg, entries: make(map[string]*addressLimiter)}
}

// Permit holds one connection slot until released.
type Permit struct {
	release func()
}

func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.release()
	p.release = nil
}

// Decision is the outcome of an admission check. RetryAfter is in whole
// seconds.
type Decision struct {
	Allowed    bool
	RetryAfter int
	Reason     string
	Permit     *Permit
}

const (
	ReasonRate        = "connect_rate"
	ReasonConcurrency = "too_many_connections"
)

// AcquireConnection admits one websocket connect from addr. A nil Limiter
// admits everything.
func (l *Limiter) AcquireConnection(addr string, now time.Time) Decision {
	if l == nil {
		return Decision{Allowed: true, Permit: &Permit{}}
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = "unknown"
	}

	al := l.entry(addr, now)
	if l.cfg.ConnectRPS > 0 && l.cfg.ConnectBurst > 0 {
		if ok, retry := al.take(now, l.cfg.ConnectRPS, l.cfg.ConnectBurst); !ok {
			return Decision{RetryAfter: retry, Reason: ReasonRate}
		}
	}
	if l.cfg.MaxConnectionsPerAddress > 0 {
		select {
		case al.open <- struct{}{}:
			return Decision{Allowed: true, Permit: &Permit{release: func() { <-al.open }}}
		default:
			return Decision{RetryAfter: 1, Reason: ReasonConcurrency}
		}
	}
	return Decision{Allowed: true, Permit: &Permit{}}
}

// Len reports how many addresses are tracked.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Limiter) entry(addr string, now time.Time) *addressLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if al, ok := l.entries[addr]; ok {
		al.lastSeen = now
		return al
	}
	if len(l.entries) >= l.cfg.MaxEntries {
		l.evictLocked(now)
	}
	al := &addressLimiter{
		open:     make(chan struct{}, max(1, l.cfg.MaxConnectionsPerAddress)),
		lastSeen: now,
	}
	l.entries[addr] = al
	return al
}

// evictLocked drops idle entries with no open connections, then any one
// idle entry if the map is still full.
func (l *Limiter) evictLocked(now time.Time) {
	for k, al := range l.entries {
		if now.Sub(al.lastSeen) > l.cfg.EntryTTL && len(al.open) == 0 {
			delete(l.entries, k)
		}
	}
	if len(l.entries) < l.cfg.MaxEntries {
		return
	}
	for k, al := range l.entries {
		if len(al.open) == 0 {
			delete(l.entries, k)
			return
		}
	}
}

func (al *addressLimiter) take(now time.Time, rps float64, burst int) (bool, int) {
	al.mu.Lock()
	defer al.mu.Unlock()

	capacity := float64(burst)
	if al.bucket.capacity == 0 {
		al.bucket = tokenBucket{rps: rps, capacity: capacity, tokens: capacity, last: now}
	}
	al.bucket.rps = rps
	al.bucket.capacity = capacity

	if elapsed := now.Sub(al.bucket.last).Seconds(); elapsed > 0 {
		al.bucket.tokens = math.Min(al.bucket.capacity, al.bucket.tokens+elapsed*al.bucket.rps)
		al.bucket.last = now
	}
	if al.bucket.tokens >= 1 {
		al.bucket.tokens--
		return true, 0
	}
	retry := int(math.Ceil((1 - al.bucket.tokens) / al.bucket.rps))
	if retry < 1 {
		retry = 1
	}
	return false, retry
}
