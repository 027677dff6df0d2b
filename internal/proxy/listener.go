package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/drksbr/relaymux/internal/access"
	"github.com/drksbr/relaymux/internal/config"
	"github.com/drksbr/relaymux/internal/shadow"
)

// Listener owns one bound socket and dispatches every accepted connection
// through the access gate, its protocol codec and the relay pump. Each
// connection is handled on its own goroutine; nothing here blocks another
// session's progress.
type Listener struct {
	cfg    config.Listener
	codec  Codec
	srv    *Server
	logger *slog.Logger
	tracer trace.Tracer

	mu      sync.Mutex
	ln      net.Listener
	running bool
}

func newListener(srv *Server, cfg config.Listener) (*Listener, error) {
	var codec Codec
	switch cfg.Protocol {
	case config.ProtocolShadowsocks:
		var err error
		codec, err = newShadowCodec(cfg, srv.policy.Replay)
		if err != nil {
			return nil, fmt.Errorf("%s listener: %w", cfg.Protocol, err)
		}
	case config.ProtocolSOCKS5:
		codec = newSocksCodec(cfg)
	case config.ProtocolHTTP:
		codec = newHTTPCodec(cfg)
	default:
		return nil, fmt.Errorf("unsupported protocol %q", cfg.Protocol)
	}

	return &Listener{
		cfg:    cfg,
		codec:  codec,
		srv:    srv,
		logger: srv.logger.With("protocol", codec.Name(), "listen", cfg.Listen),
		tracer: otel.Tracer("relaymux/proxy"),
	}, nil
}

// Start binds the configured address and begins accepting. A bind failure
// is returned synchronously so startup can treat it as fatal.
func (l *Listener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return nil
	}
	ln, err := net.Listen("tcp", l.cfg.Listen)
	if err != nil {
		return fmt.Errorf("bind %s listener on %s: %w", l.codec.Name(), l.cfg.Listen, err)
	}
	l.ln = ln
	l.running = true
	l.logger.Info("listener started", "addr", ln.Addr().String())
	go l.acceptLoop(ln)
	return nil
}

// Stop closes the listening socket. In-flight sessions keep running.
func (l *Listener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return
	}
	l.running = false
	_ = l.ln.Close()
	l.ln = nil
	l.logger.Info("listener stopped")
}

// Running reports whether the listener is accepting connections.
func (l *Listener) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Addr returns the bound address, or nil when stopped. Useful when the
// configuration asked for port 0.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

func (l *Listener) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !l.Running() || l.srv.sessionCtx.Err() != nil {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			l.logger.Warn("accept failed", "error", err)
			return
		}
		go l.handleConn(conn)
	}
}

// handleConn runs one session end to end. The reserved connection slot and
// the accountant registration are released exactly once via defers, no
// matter which path exits.
func (l *Listener) handleConn(conn net.Conn) {
	peer := access.PeerAddr(conn)
	policy := l.srv.policy

	if !policy.AllowIP(peer) {
		// Silent close: a denied peer learns nothing, not even that a
		// proxy lives here.
		l.srv.metrics.policyRejects.Inc()
		l.srv.metrics.addFailure(failPolicy)
		l.logger.Debug("connection rejected", "remote", conn.RemoteAddr().String(), "error", errIPDenied)
		_ = conn.Close()
		return
	}
	if !policy.Limits.Reserve(peer) {
		l.srv.metrics.policyRejects.Inc()
		l.srv.metrics.addFailure(failPolicy)
		l.logger.Debug("connection rejected", "remote", conn.RemoteAddr().String(), "error", errOverLimit)
		_ = conn.Close()
		return
	}
	defer policy.Limits.Release(peer)

	sess := newSession(l.srv.nextSessionID(), l.codec.Name(), conn.RemoteAddr().String())
	logger := l.logger.With("session", sess.id, "remote", sess.remote)

	ctx, span := l.tracer.Start(l.srv.sessionCtx, "session",
		trace.WithAttributes(
			attribute.String("proxy.protocol", sess.protocol),
			attribute.String("proxy.remote", sess.remote),
		))
	defer span.End()

	l.srv.metrics.sessionsTotal.WithLabelValues(sess.protocol).Inc()
	l.srv.metrics.activeSessions.Inc()
	l.srv.acct.SessionOpened(sess.id, sess.protocol, sess)
	defer func() {
		sess.advance(StateClosed)
		l.srv.acct.SessionClosed(sess.id, sess.protocol)
		l.srv.metrics.activeSessions.Dec()
	}()

	if err := l.runSession(ctx, sess, conn, logger); err != nil {
		kind := kindOf(err)
		l.srv.metrics.addFailure(kind)
		switch kind {
		case failDecrypt, failAuth, failHandshake:
			logger.Warn("session rejected", "kind", string(kind), "error", err)
		default:
			logger.Debug("session failed", "kind", string(kind), "error", err)
		}
		return
	}
	logger.Info("session closed",
		"target", sess.Target(),
		"bytes_in", sess.bytesIn.Load(),
		"bytes_out", sess.bytesOut.Load(),
		"duration", time.Since(sess.createdAt).Round(time.Millisecond))
}

func (l *Listener) runSession(ctx context.Context, sess *Session, conn net.Conn, logger *slog.Logger) error {
	defer conn.Close()

	if !l.srv.policy.Pending.TryAcquire(1) {
		return fail(failPolicy, errHandshakeBacklog)
	}

	// The whole handshake must finish within the connect timeout.
	if err := conn.SetDeadline(time.Now().Add(l.srv.policy.ConnectTimeout)); err != nil {
		l.srv.policy.Pending.Release(1)
		return failf(failHandshake, "arm handshake deadline: %w", err)
	}
	hs, err := l.codec.Handshake(ctx, conn)
	l.srv.policy.Pending.Release(1)
	if err != nil {
		return err
	}
	sess.setTarget(hs.Target.String())

	target, dialErr := l.srv.dialTarget(ctx, hs.Target.String())
	if hs.ReplyDial != nil {
		if replyErr := hs.ReplyDial(target, dialErr); replyErr != nil {
			if target != nil {
				_ = target.Close()
			}
			return failf(failHandshake, "write dial reply: %w", replyErr)
		}
	}
	if dialErr != nil {
		return failf(failUpstream, "connect %s: %w", sess.Target(), dialErr)
	}
	defer target.Close()

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return failf(failHandshake, "clear handshake deadline: %w", err)
	}

	if len(hs.Preamble) > 0 {
		if _, err := target.Write(hs.Preamble); err != nil {
			return failf(failUpstream, "forward request head: %w", err)
		}
		sess.addBytes(int64(len(hs.Preamble)), 0)
		l.srv.acct.AddBytes(sess.protocol, int64(len(hs.Preamble)), 0)
		l.srv.metrics.addBytes(sess.protocol, true, len(hs.Preamble))
	}

	bucket := l.srv.policy.Buckets.ForSession(access.PeerAddr(conn))
	defer bucket.Close()

	logger.Debug("relaying", "target", sess.Target())
	relayErr := newPump(sess, hs.Stream, conn, target,
		bucket, l.srv.acct, l.srv.metrics, l.srv.policy.IdleTimeout).run(ctx)
	if relayErr != nil {
		if errors.Is(relayErr, shadow.ErrAuth) {
			return fail(failDecrypt, relayErr)
		}
		return fail(failRelay, relayErr)
	}
	return nil
}
