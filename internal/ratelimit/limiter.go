// Package ratelimit provides per-key token-bucket rate limiting. The graph
// tools key it by destination host to pace outbound probes, and by client
// address to pace API callers.
package ratelimit

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type entry struct {
	limiter  *rate.Limiter
	mu       sync.Mutex
	lastSeen time.Time
}

func (e *entry) touch(now time.Time) {
	e.mu.Lock()
	e.lastSeen = now
	e.mu.Unlock()
}

func (e *entry) idle(now time.Time) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return now.Sub(e.lastSeen)
}

// Limiter tracks request rates per key using a token bucket algorithm.
type Limiter struct {
	rate  rate.Limit
	burst int
	keys  sync.Map // map[string]*entry

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a Limiter that allows r requests per second per key with the
// given burst size. A non-positive r disables limiting.
// A background goroutine evicts stale entries every 60 seconds.
// Call Stop to release resources.
func New(r float64, burst int) *Limiter {
	lim := rate.Limit(r)
	if r <= 0 {
		lim = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	l := &Limiter{
		rate:  lim,
		burst: burst,
		stop:  make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func (l *Limiter) get(key string) *entry {
	now := time.Now()
	v, _ := l.keys.LoadOrStore(key, &entry{
		limiter:  rate.NewLimiter(l.rate, l.burst),
		lastSeen: now,
	})
	e := v.(*entry)
	e.touch(now)
	return e
}

// Allow reports whether a request for key should be permitted now.
func (l *Limiter) Allow(key string) bool {
	return l.get(key).limiter.Allow()
}

// Wait blocks until a request for key is permitted or ctx is done.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	return l.get(key).limiter.Wait(ctx)
}

// Stop terminates the background cleanup goroutine. It is safe to call
// more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

const staleAfter = 5 * time.Minute

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case now := <-ticker.C:
			l.keys.Range(func(key, value any) bool {
				if value.(*entry).idle(now) > staleAfter {
					l.keys.Delete(key)
				}
				return true
			})
		}
	}
}

// HostKey returns the lower-cased host portion of a host:port address (strips
// the port). Addresses without a port are returned lower-cased as they are.
func HostKey(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return strings.ToLower(addr)
	}
	return strings.ToLower(host)
}
