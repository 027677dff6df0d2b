// Package access enforces the per-connection admission policy: source
// allow-list, connection caps, bandwidth token buckets and the handshake
// replay cache. All state here is shared across sessions and guarded by
// short critical sections that never span I/O.
package access

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/drksbr/relaymux/internal/config"
	"github.com/drksbr/relaymux/internal/util/bytelimiter"
)

// Policy is the runtime form of config.Access.
type Policy struct {
	allowed []netip.Prefix

	ConnectTimeout time.Duration
	IdleTimeout    time.Duration

	Limits  *Limits
	Buckets *Buckets
	Replay  *ReplayCache

	// Pending bounds connections sitting in their protocol handshake.
	// Nil when unbounded.
	Pending *bytelimiter.ByteLimiter
}

// NewPolicy compiles the configured access policy. The replay cache is
// created only when replay protection is enabled.
func NewPolicy(cfg config.Access) (*Policy, error) {
	p := &Policy{
		ConnectTimeout: cfg.ConnectTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		Limits:         NewLimits(cfg.MaxConnsPerIP, cfg.MaxConnsTotal),
		Buckets:        NewBuckets(cfg.BandwidthLimit, cfg.BandwidthScope),
		Pending:        bytelimiter.New(cfg.MaxPendingHandshakes),
	}
	for _, cidr := range cfg.AllowedNets {
		prefix, err := netip.ParsePrefix(strings.TrimSpace(cidr))
		if err != nil {
			return nil, fmt.Errorf("parse allowed net %q: %w", cidr, err)
		}
		p.allowed = append(p.allowed, prefix.Masked())
	}
	if cfg.ReplayProtection {
		p.Replay = NewReplayCache(cfg.ReplayTTL)
	}
	return p, nil
}

// AllowIP reports whether addr is admitted by the allow-list.
// An empty list admits everyone.
func (p *Policy) AllowIP(addr netip.Addr) bool {
	if len(p.allowed) == 0 {
		return true
	}
	addr = addr.Unmap()
	for _, prefix := range p.allowed {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// PeerAddr extracts the remote IP from a net.Conn.
func PeerAddr(conn net.Conn) netip.Addr {
	addr := conn.RemoteAddr()
	if addr == nil {
		return netip.Addr{}
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.AddrPort().Addr().Unmap()
	}
	if ap, err := netip.ParseAddrPort(addr.String()); err == nil {
		return ap.Addr().Unmap()
	}
	return netip.Addr{}
}
