package proxy

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/drksbr/relaymux/internal/accounting"
)

// tcpPair returns the two ends of a loopback TCP connection.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	type accepted struct {
		conn net.Conn
		err  error
	}
	ch := make(chan accepted, 1)
	go func() {
		conn, err := ln.Accept()
		ch <- accepted{conn, err}
	}()
	dialed, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	srv := <-ch
	if srv.err != nil {
		t.Fatalf("accept: %v", srv.err)
	}
	t.Cleanup(func() {
		dialed.Close()
		srv.conn.Close()
	})
	return dialed, srv.conn
}

// A client hanging up after a complete exchange is a clean termination.
// The close propagating to the peer direction must not surface as a
// relay failure.
func TestPumpCleanClientCloseReturnsNil(t *testing.T) {
	clientSide, clientConn := tcpPair(t)
	targetConn, targetSide := tcpPair(t)

	sess := newSession("s1", "socks5", clientSide.LocalAddr().String())
	p := newPump(sess, clientConn, clientConn, targetConn, nil,
		accounting.New(), newServerMetrics(), time.Minute)

	done := make(chan error, 1)
	go func() { done <- p.run(context.Background()) }()

	if _, err := clientSide.Write([]byte("ping")); err != nil {
		t.Fatalf("client write: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(targetSide, buf); err != nil {
		t.Fatalf("target read: %v", err)
	}
	if _, err := targetSide.Write([]byte("pong")); err != nil {
		t.Fatalf("target write: %v", err)
	}
	if _, err := io.ReadFull(clientSide, buf); err != nil {
		t.Fatalf("client read: %v", err)
	}

	clientSide.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("pump reported failure on clean close: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pump did not finish after client close")
	}
	if got := sess.State(); got != StateClosed {
		t.Fatalf("state = %v, want %v", got, StateClosed)
	}
}

// The target closing first is just as clean as the client closing first.
func TestPumpCleanTargetCloseReturnsNil(t *testing.T) {
	clientSide, clientConn := tcpPair(t)
	targetConn, targetSide := tcpPair(t)

	sess := newSession("s2", "http", clientSide.LocalAddr().String())
	p := newPump(sess, clientConn, clientConn, targetConn, nil,
		accounting.New(), newServerMetrics(), time.Minute)

	done := make(chan error, 1)
	go func() { done <- p.run(context.Background()) }()

	if _, err := targetSide.Write([]byte("data")); err != nil {
		t.Fatalf("target write: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(clientSide, buf); err != nil {
		t.Fatalf("client read: %v", err)
	}
	targetSide.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("pump reported failure on clean close: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pump did not finish after target close")
	}
}
