package access

import (
	"net/netip"
	"sync"
)

// Limits tracks per-IP and total connection counts. A slot is reserved
// before the protocol handshake starts and released exactly once when the
// session closes; Release is idempotence-free by contract, the session
// teardown path guarantees single release.
type Limits struct {
	perIP int
	total int

	mu     sync.Mutex
	byIP   map[netip.Addr]int
	active int
}

// NewLimits builds a Limits. A cap of 0 means unlimited for that dimension.
func NewLimits(perIP, total int) *Limits {
	return &Limits{
		perIP: perIP,
		total: total,
		byIP:  make(map[netip.Addr]int),
	}
}

// Reserve attempts to claim one slot for ip. It returns false without side
// effects when either cap would be exceeded.
func (l *Limits) Reserve(ip netip.Addr) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.total > 0 && l.active >= l.total {
		return false
	}
	if l.perIP > 0 && l.byIP[ip] >= l.perIP {
		return false
	}
	l.byIP[ip]++
	l.active++
	return true
}

// Release frees a slot previously reserved for ip.
func (l *Limits) Release(ip netip.Addr) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := l.byIP[ip]; n <= 1 {
		delete(l.byIP, ip)
	} else {
		l.byIP[ip] = n - 1
	}
	if l.active > 0 {
		l.active--
	}
}

// Active returns the number of reserved slots.
func (l *Limits) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}
