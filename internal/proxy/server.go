package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lucsky/cuid"

	"github.com/drksbr/relaymux/internal/access"
	"github.com/drksbr/relaymux/internal/accounting"
	"github.com/drksbr/relaymux/internal/config"
)

// Server ties the listeners, the shared access policy and the accounting
// together. One Server runs all configured protocol listeners; they share
// the connection limits, bandwidth buckets and replay cache so a client
// cannot escape a cap by hopping protocols.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	policy  *access.Policy
	acct    *accounting.Accountant
	metrics *serverMetrics
	idGen   func() string

	listeners map[config.Protocol]*Listener
	resources *resourceTracker
	dialer    net.Dialer

	// sessionCtx outlives the listeners: it is cancelled only when the
	// shutdown grace expires and surviving pumps must be cut off.
	sessionCtx    context.Context
	cancelSession context.CancelFunc

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New builds a Server from a validated configuration. No socket is bound
// until Run or StartListener.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	policy, err := access.NewPolicy(cfg.Access)
	if err != nil {
		return nil, err
	}

	var idGen func() string
	switch mode := strings.ToLower(strings.TrimSpace(cfg.SessionIDMode)); mode {
	case "", "uuid":
		idGen = uuid.NewString
	case "cuid":
		idGen = cuid.New
	default:
		return nil, fmt.Errorf("unsupported session id mode %q (use uuid or cuid)", cfg.SessionIDMode)
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger.With("component", "proxy"),
		policy:    policy,
		acct:      accounting.New(),
		metrics:   newServerMetrics(),
		idGen:     idGen,
		listeners: make(map[config.Protocol]*Listener),
		resources: newResourceTracker(),
	}
	s.sessionCtx, s.cancelSession = context.WithCancel(context.Background())
	s.shutdownCh = make(chan struct{})

	for _, lc := range cfg.EnabledListeners() {
		ln, err := newListener(s, lc)
		if err != nil {
			return nil, err
		}
		s.listeners[lc.Protocol] = ln
	}
	if len(s.listeners) == 0 {
		return nil, fmt.Errorf("no listeners enabled")
	}
	return s, nil
}

func (s *Server) nextSessionID() string {
	if s.idGen != nil {
		return s.idGen()
	}
	return uuid.NewString()
}

func (s *Server) dialTarget(ctx context.Context, hostport string) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.policy.ConnectTimeout)
	defer cancel()
	return s.dialer.DialContext(dialCtx, "tcp", hostport)
}

// Run binds every enabled listener and serves until ctx is cancelled, then
// performs the graceful shutdown dance: stop accepting, wait up to the
// configured grace for sessions to drain, and finally cut off the rest.
// Any bind failure is fatal and unwinds listeners already started.
func (s *Server) Run(ctx context.Context) error {
	defer s.cancelSession()

	s.resources.start(s.sessionCtx)

	started := make([]*Listener, 0, len(s.listeners))
	for _, ln := range s.listeners {
		if err := ln.Start(); err != nil {
			for _, prev := range started {
				prev.Stop()
			}
			return err
		}
		started = append(started, ln)
	}

	var admin *adminServer
	if s.cfg.Admin.Enabled {
		admin = newAdminServer(s)
		if err := admin.start(); err != nil {
			for _, ln := range started {
				ln.Stop()
			}
			return err
		}
	}

	select {
	case <-ctx.Done():
	case <-s.shutdownCh:
	}
	s.logger.Info("shutting down", "grace", s.cfg.ShutdownGrace)

	for _, ln := range s.listeners {
		ln.Stop()
	}
	if admin != nil {
		admin.stop()
	}
	s.waitForDrain(s.cfg.ShutdownGrace)
	s.cancelSession()
	return nil
}

// waitForDrain polls until every session has closed or the grace elapses.
func (s *Server) waitForDrain(grace time.Duration) {
	if grace <= 0 {
		return
	}
	deadline := time.Now().Add(grace)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		active := s.acct.Snapshot().ActiveSessions
		if active == 0 {
			return
		}
		if time.Now().After(deadline) {
			s.logger.Warn("grace expired, closing remaining sessions", "active", active)
			return
		}
	}
}

// StartListener enables the listener for a protocol at runtime.
func (s *Server) StartListener(protocol config.Protocol) error {
	ln, ok := s.listeners[protocol]
	if !ok {
		return fmt.Errorf("no %s listener configured", protocol)
	}
	return ln.Start()
}

// StopListener stops accepting on a protocol without touching its live
// sessions.
func (s *Server) StopListener(protocol config.Protocol) error {
	ln, ok := s.listeners[protocol]
	if !ok {
		return fmt.Errorf("no %s listener configured", protocol)
	}
	ln.Stop()
	return nil
}

// ListenerAddr reports the bound address of a protocol listener, or nil
// when that listener is stopped or absent.
func (s *Server) ListenerAddr(protocol config.Protocol) net.Addr {
	ln, ok := s.listeners[protocol]
	if !ok {
		return nil
	}
	return ln.Addr()
}

// requestShutdown triggers the same orderly shutdown as cancelling Run's
// context. Safe to call more than once.
func (s *Server) requestShutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}

// Close stops all listeners and cuts off live sessions immediately. Run
// performs an orderly version of this itself; Close exists for callers
// driving listeners directly.
func (s *Server) Close() {
	for _, ln := range s.listeners {
		ln.Stop()
	}
	s.cancelSession()
}

// Snapshot returns aggregate traffic counters.
func (s *Server) Snapshot() accounting.Snapshot {
	return s.acct.Snapshot()
}

// Sessions lists the live sessions, oldest first.
func (s *Server) Sessions() []accounting.SessionInfo {
	return s.acct.Sessions()
}
