package proxy

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/drksbr/relaymux/internal/config"
)

// httpConnect opens a CONNECT tunnel through an HTTP listener. creds is
// "user:pass" or empty.
func httpConnect(t *testing.T, proxyAddr, target, creds string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", proxyAddr)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target, target)
	if creds != "" {
		req += "Proxy-Authorization: Basic " + base64.StdEncoding.EncodeToString([]byte(creds)) + "\r\n"
	}
	req += "\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("write CONNECT: %v", err)
	}
	br := bufio.NewReader(conn)
	status, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	if !strings.Contains(status, "200") {
		t.Fatalf("CONNECT status = %q, want 200", strings.TrimSpace(status))
	}
	// Consume the remaining (empty) header block.
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read headers: %v", err)
		}
		if line == "\r\n" {
			break
		}
	}
	if br.Buffered() > 0 {
		t.Fatalf("unexpected %d bytes after CONNECT response", br.Buffered())
	}
	return conn
}

func TestHTTPConnectTunnel(t *testing.T) {
	echoAddr := startEcho(t)
	srv := startServer(t, testConfig(config.Listener{
		Protocol: config.ProtocolHTTP,
		Listen:   "127.0.0.1:0",
		Enabled:  true,
	}))
	addr := listenerAddr(t, srv, config.ProtocolHTTP)

	conn := httpConnect(t, addr, echoAddr, "")
	defer conn.Close()

	// The tunnel is opaque: arbitrary non-HTTP bytes pass both ways.
	msg := []byte{0x00, 0x01, 0xfe, 0xff, 'r', 'a', 'w'}
	if _, err := conn.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := make([]byte, len(msg))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(got) != string(msg) {
		t.Fatalf("echo = %x, want %x", got, msg)
	}
}

func TestHTTPConnectDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	deadAddr := ln.Addr().String()
	ln.Close()

	srv := startServer(t, testConfig(config.Listener{
		Protocol: config.ProtocolHTTP,
		Listen:   "127.0.0.1:0",
		Enabled:  true,
	}))
	addr := listenerAddr(t, srv, config.ProtocolHTTP)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()
	fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", deadAddr, deadAddr)
	status, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	if !strings.Contains(status, "502") {
		t.Fatalf("status = %q, want 502", strings.TrimSpace(status))
	}
}

func TestHTTPAbsoluteFormRewrite(t *testing.T) {
	type seen struct {
		uri       string
		host      string
		proxyHdrs bool
		userAgent string
	}
	seenCh := make(chan seen, 1)

	originLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("origin listen: %v", err)
	}
	t.Cleanup(func() { originLn.Close() })
	origin := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenCh <- seen{
			uri:  r.RequestURI,
			host: r.Host,
			proxyHdrs: r.Header.Get("Proxy-Connection") != "" ||
				r.Header.Get("Proxy-Authorization") != "",
			userAgent: r.Header.Get("User-Agent"),
		}
		fmt.Fprint(w, "origin says hi")
	})}
	go origin.Serve(originLn)
	t.Cleanup(func() { origin.Close() })
	originAddr := originLn.Addr().String()

	srv := startServer(t, testConfig(config.Listener{
		Protocol: config.ProtocolHTTP,
		Listen:   "127.0.0.1:0",
		Enabled:  true,
	}))
	addr := listenerAddr(t, srv, config.ProtocolHTTP)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	fmt.Fprintf(conn, "GET http://%s/hello?x=1 HTTP/1.1\r\n", originAddr)
	fmt.Fprintf(conn, "Host: %s\r\n", originAddr)
	fmt.Fprint(conn, "User-Agent: relaymux-test\r\n")
	fmt.Fprint(conn, "Proxy-Connection: keep-alive\r\n")
	fmt.Fprint(conn, "\r\n")

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != "origin says hi" {
		t.Fatalf("body = %q", body)
	}

	select {
	case got := <-seenCh:
		if got.uri != "/hello?x=1" {
			t.Errorf("origin saw uri %q, want /hello?x=1 (origin-form)", got.uri)
		}
		if got.host != originAddr {
			t.Errorf("origin saw host %q, want %q", got.host, originAddr)
		}
		if got.proxyHdrs {
			t.Error("proxy hop headers leaked to origin")
		}
		if got.userAgent != "relaymux-test" {
			t.Errorf("User-Agent = %q, not forwarded", got.userAgent)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("origin never saw the request")
	}
}

func TestHTTPProxyAuth(t *testing.T) {
	echoAddr := startEcho(t)
	srv := startServer(t, testConfig(config.Listener{
		Protocol: config.ProtocolHTTP,
		Listen:   "127.0.0.1:0",
		Enabled:  true,
		Username: "bob",
		Password: "hunter2",
	}))
	addr := listenerAddr(t, srv, config.ProtocolHTTP)

	// No credentials: 407 with a challenge.
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", echoAddr, echoAddr)
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.StatusCode != http.StatusProxyAuthRequired {
		t.Fatalf("status = %d, want 407", resp.StatusCode)
	}
	if got := resp.Header.Get("Proxy-Authenticate"); !strings.HasPrefix(got, "Basic") {
		t.Fatalf("Proxy-Authenticate = %q, want Basic challenge", got)
	}
	resp.Body.Close()
	conn.Close()

	// Valid credentials tunnel through.
	tunnel := httpConnect(t, addr, echoAddr, "bob:hunter2")
	defer tunnel.Close()
	msg := []byte("authed tunnel")
	if _, err := tunnel.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := make([]byte, len(msg))
	if _, err := io.ReadFull(tunnel, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
}
