// Package accounting keeps process-wide traffic counters and the registry
// of live sessions. Relay pumps call the add paths on every transfer, so
// everything on that path is an atomic update; readers get a consistent
// snapshot without ever blocking a pump.
package accounting

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SessionInfo is the management-surface view of one session.
type SessionInfo struct {
	ID        string    `json:"id"`
	Protocol  string    `json:"protocol"`
	Remote    string    `json:"remote"`
	Target    string    `json:"target"`
	BytesIn   int64     `json:"bytesIn"`
	BytesOut  int64     `json:"bytesOut"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
}

// Snapshotter is implemented by live sessions registered for listing.
type Snapshotter interface {
	Info() SessionInfo
}

// ProtocolStats is the per-protocol slice of a Snapshot.
type ProtocolStats struct {
	Sessions int64 `json:"sessions"`
	BytesIn  int64 `json:"bytesIn"`
	BytesOut int64 `json:"bytesOut"`
}

// Snapshot is a point-in-time read of the accountant.
type Snapshot struct {
	StartedAt      time.Time                `json:"startedAt"`
	TotalBytesIn   int64                    `json:"totalBytesIn"`
	TotalBytesOut  int64                    `json:"totalBytesOut"`
	ActiveSessions int64                    `json:"activeSessions"`
	TotalSessions  int64                    `json:"totalSessions"`
	Protocols      map[string]ProtocolStats `json:"protocols"`
}

type protocolCounters struct {
	sessions atomic.Int64
	bytesIn  atomic.Int64
	bytesOut atomic.Int64
}

// Accountant aggregates traffic for every relay pump in the process.
type Accountant struct {
	startedAt     time.Time
	totalIn       atomic.Int64
	totalOut      atomic.Int64
	active        atomic.Int64
	totalSessions atomic.Int64

	mu        sync.RWMutex
	protocols map[string]*protocolCounters

	sessions sync.Map // id -> Snapshotter
}

// New returns an empty Accountant.
func New() *Accountant {
	return &Accountant{
		startedAt: time.Now(),
		protocols: make(map[string]*protocolCounters),
	}
}

func (a *Accountant) forProtocol(protocol string) *protocolCounters {
	a.mu.RLock()
	pc, ok := a.protocols[protocol]
	a.mu.RUnlock()
	if ok {
		return pc
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if pc, ok = a.protocols[protocol]; ok {
		return pc
	}
	pc = &protocolCounters{}
	a.protocols[protocol] = pc
	return pc
}

// AddBytes accounts n transferred bytes. in is client→target traffic,
// out is target→client.
func (a *Accountant) AddBytes(protocol string, in, out int64) {
	if in > 0 {
		a.totalIn.Add(in)
	}
	if out > 0 {
		a.totalOut.Add(out)
	}
	pc := a.forProtocol(protocol)
	if in > 0 {
		pc.bytesIn.Add(in)
	}
	if out > 0 {
		pc.bytesOut.Add(out)
	}
}

// SessionOpened registers s under id and bumps the active counters.
func (a *Accountant) SessionOpened(id, protocol string, s Snapshotter) {
	a.sessions.Store(id, s)
	a.active.Add(1)
	a.totalSessions.Add(1)
	a.forProtocol(protocol).sessions.Add(1)
}

// SessionClosed removes id from the registry and drops the active counters.
// Callers guarantee exactly one close per open.
func (a *Accountant) SessionClosed(id, protocol string) {
	a.sessions.Delete(id)
	a.active.Add(-1)
	a.forProtocol(protocol).sessions.Add(-1)
}

// Snapshot returns a consistent read-only view of the counters.
func (a *Accountant) Snapshot() Snapshot {
	snap := Snapshot{
		StartedAt:      a.startedAt,
		TotalBytesIn:   a.totalIn.Load(),
		TotalBytesOut:  a.totalOut.Load(),
		ActiveSessions: a.active.Load(),
		TotalSessions:  a.totalSessions.Load(),
		Protocols:      make(map[string]ProtocolStats),
	}
	a.mu.RLock()
	for name, pc := range a.protocols {
		snap.Protocols[name] = ProtocolStats{
			Sessions: pc.sessions.Load(),
			BytesIn:  pc.bytesIn.Load(),
			BytesOut: pc.bytesOut.Load(),
		}
	}
	a.mu.RUnlock()
	return snap
}

// Sessions lists every live session, oldest first.
func (a *Accountant) Sessions() []SessionInfo {
	var out []SessionInfo
	a.sessions.Range(func(_, value any) bool {
		if s, ok := value.(Snapshotter); ok {
			out = append(out, s.Info())
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
