// Package ratelimit wraps golang.org/x/time/rate for the two shapes of
// throttling bitscout needs: a byte/sec token bucket (metadata transfer)
// and a per-minute budget (lookups, fetches).
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ByteLimiter caps aggregate throughput in bytes/sec with a configurable
// burst. A zero bytesPerSec disables limiting (WaitN returns immediately).
type ByteLimiter struct {
	lim *rate.Limiter
}

// NewByteLimiter builds a limiter allowing bytesPerSec sustained and
// burst extra bytes in a single instant.
func NewByteLimiter(bytesPerSec, burst int) *ByteLimiter {
	if bytesPerSec <= 0 {
		return &ByteLimiter{}
	}
	if burst < bytesPerSec {
		burst = bytesPerSec
	}
	return &ByteLimiter{lim: rate.NewLimiter(rate.Limit(bytesPerSec), burst)}
}

// WaitN blocks until n bytes' worth of budget is available or ctx is done.
func (b *ByteLimiter) WaitN(ctx context.Context, n int) error {
	if b == nil || b.lim == nil {
		return nil
	}
	return b.lim.WaitN(ctx, n)
}

// PerMinute is a fixed-window counter: it allows up to max events per
// one-minute window. A window starts at the first event after the previous
// window ended, and the count resets when a new window starts. This
// matches the spec's own phrasing of the caps ("N per minute") more
// directly than a generic token bucket would.
type PerMinute struct {
	mu        sync.Mutex
	max       int
	count     int
	windowEnd time.Time
	now       func() time.Time
}

// NewPerMinute returns a limiter permitting max events per one-minute window.
// max<=0 means unlimited.
func NewPerMinute(max int) *PerMinute {
	return &PerMinute{max: max, now: time.Now}
}

// Allow reports whether one more event may proceed right now, consuming
// budget from the current window if so.
func (p *PerMinute) Allow() bool {
	if p == nil || p.max <= 0 {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if now.After(p.windowEnd) {
		p.windowEnd = now.Add(time.Minute)
		p.count = 0
	}
	if p.count >= p.max {
		return false
	}
	p.count++
	return true
}
