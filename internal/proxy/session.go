package proxy

import (
	"sync/atomic"
	"time"

	"github.com/drksbr/relaymux/internal/accounting"
)

// SessionState is the lifecycle of one client-to-target flow. Transitions
// are strictly forward: Handshaking → Relaying → Closing → Closed.
type SessionState int32

const (
	StateHandshaking SessionState = iota
	StateRelaying
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateRelaying:
		return "relaying"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is owned exclusively by the goroutine running its pump. The
// accountant holds a reference for stats snapshots only; every mutable
// field is atomic so those snapshots never race the pump.
type Session struct {
	id       string
	protocol string
	remote   string

	// target is set once after the handshake; atomic because stats
	// snapshots may read it from another goroutine.
	target atomic.Pointer[string]

	createdAt  time.Time
	lastActive atomic.Int64 // unix nanos
	bytesIn    atomic.Int64 // client → target
	bytesOut   atomic.Int64 // target → client
	state      atomic.Int32
}

func newSession(id, protocol, remote string) *Session {
	s := &Session{
		id:        id,
		protocol:  protocol,
		remote:    remote,
		createdAt: time.Now(),
	}
	s.lastActive.Store(s.createdAt.UnixNano())
	return s
}

func (s *Session) setTarget(target string) {
	s.target.Store(&target)
}

// Target returns the dialed destination, or "" before the handshake
// resolved one.
func (s *Session) Target() string {
	if p := s.target.Load(); p != nil {
		return *p
	}
	return ""
}

// advance moves the session to state if that is a forward transition and
// reports whether it happened.
func (s *Session) advance(to SessionState) bool {
	for {
		cur := s.state.Load()
		if cur >= int32(to) {
			return false
		}
		if s.state.CompareAndSwap(cur, int32(to)) {
			return true
		}
	}
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

func (s *Session) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastActive.Load()))
}

func (s *Session) addBytes(in, out int64) {
	if in > 0 {
		s.bytesIn.Add(in)
	}
	if out > 0 {
		s.bytesOut.Add(out)
	}
	s.touch()
}

// Info implements accounting.Snapshotter.
func (s *Session) Info() accounting.SessionInfo {
	return accounting.SessionInfo{
		ID:        s.id,
		Protocol:  s.protocol,
		Remote:    s.remote,
		Target:    s.Target(),
		BytesIn:   s.bytesIn.Load(),
		BytesOut:  s.bytesOut.Load(),
		State:     s.State().String(),
		CreatedAt: s.createdAt,
	}
}
