package access

import (
	"context"
	"net/netip"
	"sync"

	"golang.org/x/time/rate"

	"github.com/drksbr/relaymux/internal/config"
)

// minBurst keeps WaitN legal for the relay pump's read buffer even at very
// low configured rates.
const minBurst = 64 * 1024

// Buckets hands out bandwidth token buckets according to the configured
// scope. With session scope every session gets its own bucket; with ip
// scope sessions from one address share a refcounted bucket; with global
// scope every session shares one.
type Buckets struct {
	limit int
	scope config.BandwidthScope

	global *rate.Limiter

	mu   sync.Mutex
	byIP map[netip.Addr]*ipBucket
}

type ipBucket struct {
	limiter *rate.Limiter
	refs    int
}

// Bucket throttles one session's transfers. A nil Bucket never waits.
type Bucket struct {
	limiter *rate.Limiter
	release func()
}

// NewBuckets builds a Buckets. limit is bytes/sec; 0 disables throttling.
func NewBuckets(limit int, scope config.BandwidthScope) *Buckets {
	b := &Buckets{limit: limit, scope: scope, byIP: make(map[netip.Addr]*ipBucket)}
	if limit > 0 && scope == config.ScopeGlobal {
		b.global = newLimiter(limit)
	}
	return b
}

func newLimiter(limit int) *rate.Limiter {
	burst := limit
	if burst < minBurst {
		burst = minBurst
	}
	return rate.NewLimiter(rate.Limit(limit), burst)
}

// ForSession returns the bucket a new session from ip must drain.
func (b *Buckets) ForSession(ip netip.Addr) *Bucket {
	if b == nil || b.limit <= 0 {
		return nil
	}
	switch b.scope {
	case config.ScopeGlobal:
		return &Bucket{limiter: b.global}
	case config.ScopeIP:
		b.mu.Lock()
		entry, ok := b.byIP[ip]
		if !ok {
			entry = &ipBucket{limiter: newLimiter(b.limit)}
			b.byIP[ip] = entry
		}
		entry.refs++
		b.mu.Unlock()
		return &Bucket{
			limiter: entry.limiter,
			release: func() {
				b.mu.Lock()
				entry.refs--
				if entry.refs <= 0 {
					delete(b.byIP, ip)
				}
				b.mu.Unlock()
			},
		}
	default: // per-session
		return &Bucket{limiter: newLimiter(b.limit)}
	}
}

// Wait blocks until n bytes of bandwidth are available or ctx is done.
// Blocking here is deliberate backpressure, never an error path for data.
func (bk *Bucket) Wait(ctx context.Context, n int) error {
	if bk == nil || bk.limiter == nil || n <= 0 {
		return nil
	}
	return bk.limiter.WaitN(ctx, n)
}

// Close releases a shared bucket reference. Safe on nil.
func (bk *Bucket) Close() {
	if bk != nil && bk.release != nil {
		bk.release()
	}
}
