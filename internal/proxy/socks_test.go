package proxy

import (
	"io"
	"net"
	"testing"
	"time"

	xproxy "golang.org/x/net/proxy"

	"github.com/drksbr/relaymux/internal/config"
	"github.com/drksbr/relaymux/internal/protocol"
)

// socksConnect opens a CONNECT tunnel to target through a SOCKS5 listener
// without authentication.
func socksConnect(t *testing.T, proxyAddr, target string) net.Conn {
	t.Helper()
	dialer, err := xproxy.SOCKS5("tcp", proxyAddr, nil, xproxy.Direct)
	if err != nil {
		t.Fatalf("build dialer: %v", err)
	}
	conn, err := dialer.Dial("tcp", target)
	if err != nil {
		t.Fatalf("socks dial: %v", err)
	}
	return conn
}

func TestSOCKS5EndToEnd(t *testing.T) {
	echoAddr := startEcho(t)
	srv := startServer(t, testConfig(config.Listener{
		Protocol: config.ProtocolSOCKS5,
		Listen:   "127.0.0.1:0",
		Enabled:  true,
	}))
	addr := listenerAddr(t, srv, config.ProtocolSOCKS5)

	conn := socksConnect(t, addr, echoAddr)
	defer conn.Close()

	msg := []byte("hello through socks")
	if _, err := conn.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := make([]byte, len(msg))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(got) != string(msg) {
		t.Fatalf("echo = %q, want %q", got, msg)
	}
}

func TestSOCKS5UserPassAuth(t *testing.T) {
	echoAddr := startEcho(t)
	srv := startServer(t, testConfig(config.Listener{
		Protocol: config.ProtocolSOCKS5,
		Listen:   "127.0.0.1:0",
		Enabled:  true,
		Username: "alice",
		Password: "sekrit",
	}))
	addr := listenerAddr(t, srv, config.ProtocolSOCKS5)

	// Correct credentials relay.
	dialer, err := xproxy.SOCKS5("tcp", addr, &xproxy.Auth{User: "alice", Password: "sekrit"}, xproxy.Direct)
	if err != nil {
		t.Fatalf("build dialer: %v", err)
	}
	conn, err := dialer.Dial("tcp", echoAddr)
	if err != nil {
		t.Fatalf("authenticated dial: %v", err)
	}
	msg := []byte("authed")
	if _, err := conn.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := make([]byte, len(msg))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	conn.Close()

	// Wrong password is refused during sub-negotiation.
	bad, err := xproxy.SOCKS5("tcp", addr, &xproxy.Auth{User: "alice", Password: "wrong"}, xproxy.Direct)
	if err != nil {
		t.Fatalf("build dialer: %v", err)
	}
	if _, err := bad.Dial("tcp", echoAddr); err == nil {
		t.Fatal("expected wrong password to be rejected")
	}

	// A client that never offers username/password gets 0xFF.
	raw, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer raw.Close()
	if _, err := raw.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatalf("write greeting: %v", err)
	}
	var sel [2]byte
	if _, err := io.ReadFull(raw, sel[:]); err != nil {
		t.Fatalf("read selection: %v", err)
	}
	if sel[1] != 0xff {
		t.Fatalf("method selection = 0x%02x, want 0xff", sel[1])
	}
}

func TestSOCKS5RejectsNonConnect(t *testing.T) {
	srv := startServer(t, testConfig(config.Listener{
		Protocol: config.ProtocolSOCKS5,
		Listen:   "127.0.0.1:0",
		Enabled:  true,
	}))
	addr := listenerAddr(t, srv, config.ProtocolSOCKS5)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatalf("write greeting: %v", err)
	}
	var sel [2]byte
	if _, err := io.ReadFull(conn, sel[:]); err != nil {
		t.Fatalf("read selection: %v", err)
	}

	// BIND request for 0.0.0.0:0.
	req := []byte{0x05, 0x02, 0x00, protocol.AtypIPv4, 0, 0, 0, 0, 0, 0}
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("write request: %v", err)
	}
	reply := make([]byte, 10)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply[1] != repCmdNotSupported {
		t.Fatalf("reply code = 0x%02x, want 0x%02x", reply[1], repCmdNotSupported)
	}
}

func TestSOCKS5SuccessReplyCarriesBoundAddress(t *testing.T) {
	echoAddr := startEcho(t)
	srv := startServer(t, testConfig(config.Listener{
		Protocol: config.ProtocolSOCKS5,
		Listen:   "127.0.0.1:0",
		Enabled:  true,
	}))
	addr := listenerAddr(t, srv, config.ProtocolSOCKS5)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatalf("write greeting: %v", err)
	}
	var sel [2]byte
	if _, err := io.ReadFull(conn, sel[:]); err != nil {
		t.Fatalf("read selection: %v", err)
	}

	req := []byte{0x05, 0x01, 0x00}
	req = append(req, encodeAddr(t, echoAddr)...)
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	reply := make([]byte, 10)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply[1] != repSuccess {
		t.Fatalf("reply code = 0x%02x, want 0x%02x", reply[1], repSuccess)
	}
	if reply[3] != protocol.AtypIPv4 {
		t.Fatalf("bound atyp = 0x%02x, want IPv4", reply[3])
	}
	boundIP := net.IP(reply[4:8])
	if !boundIP.Equal(net.IPv4(127, 0, 0, 1)) {
		t.Fatalf("bound address = %s, want 127.0.0.1", boundIP)
	}
	if port := int(reply[8])<<8 | int(reply[9]); port == 0 {
		t.Fatal("bound port is zero")
	}
}

func TestSOCKS5ReportsDialFailure(t *testing.T) {
	// Bind then close a port so the dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	deadAddr := ln.Addr().String()
	ln.Close()

	srv := startServer(t, testConfig(config.Listener{
		Protocol: config.ProtocolSOCKS5,
		Listen:   "127.0.0.1:0",
		Enabled:  true,
	}))
	addr := listenerAddr(t, srv, config.ProtocolSOCKS5)

	dialer, err := xproxy.SOCKS5("tcp", addr, nil, xproxy.Direct)
	if err != nil {
		t.Fatalf("build dialer: %v", err)
	}
	start := time.Now()
	if _, err := dialer.Dial("tcp", deadAddr); err == nil {
		t.Fatal("expected dial through proxy to fail")
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Fatalf("refusal took %v, expected a prompt reply", elapsed)
	}
}
