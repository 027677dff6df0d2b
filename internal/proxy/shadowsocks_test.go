package proxy

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/drksbr/relaymux/internal/config"
	"github.com/drksbr/relaymux/internal/shadow"
)

func shadowListener(cipher, password string) config.Listener {
	return config.Listener{
		Protocol: config.ProtocolShadowsocks,
		Listen:   "127.0.0.1:0",
		Enabled:  true,
		Cipher:   cipher,
		Password: password,
	}
}

func TestShadowsocksEndToEnd(t *testing.T) {
	for _, cipher := range []string{"aes-256-gcm", "chacha20-ietf-poly1305"} {
		t.Run(cipher, func(t *testing.T) {
			echoAddr := startEcho(t)
			srv := startServer(t, testConfig(shadowListener(cipher, "correct horse")))
			addr := listenerAddr(t, srv, config.ProtocolShadowsocks)

			raw, err := net.Dial("tcp", addr)
			if err != nil {
				t.Fatalf("dial: %v", err)
			}
			defer raw.Close()

			key, err := shadow.NewKey(cipher, "correct horse")
			if err != nil {
				t.Fatalf("NewKey: %v", err)
			}
			conn := shadow.NewConn(raw, key)

			msg := []byte("sealed payload")
			head := encodeAddr(t, echoAddr)
			if _, err := conn.Write(append(head, msg...)); err != nil {
				t.Fatalf("write: %v", err)
			}
			got := make([]byte, len(msg))
			if _, err := io.ReadFull(conn, got); err != nil {
				t.Fatalf("read echo: %v", err)
			}
			if string(got) != string(msg) {
				t.Fatalf("echo = %q, want %q", got, msg)
			}
		})
	}
}

func TestShadowsocksWrongKeyForwardsNothing(t *testing.T) {
	recorder := startRecorder(t)
	srv := startServer(t, testConfig(shadowListener("aes-128-gcm", "right")))
	addr := listenerAddr(t, srv, config.ProtocolShadowsocks)

	raw, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer raw.Close()

	key, err := shadow.NewKey("aes-128-gcm", "wrong")
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	conn := shadow.NewConn(raw, key)
	head := encodeAddr(t, recorder.addr())
	if _, err := conn.Write(append(head, []byte("secret")...)); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The server must drop the connection without dialing the target.
	_ = raw.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected connection close on key mismatch")
	}
	time.Sleep(100 * time.Millisecond)
	if conns, data := recorder.snapshot(); conns != 0 || len(data) != 0 {
		t.Fatalf("target saw %d conns / %d bytes from an unauthenticated client", conns, len(data))
	}
}

func TestShadowsocksReplayRejected(t *testing.T) {
	recorder := startRecorder(t)
	cfg := testConfig(shadowListener("chacha20-ietf-poly1305", "replay me"))
	cfg.Access.ReplayProtection = true
	srv := startServer(t, cfg)
	addr := listenerAddr(t, srv, config.ProtocolShadowsocks)

	key, err := shadow.NewKey("chacha20-ietf-poly1305", "replay me")
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}

	// A fixed salt makes the two connections byte-identical.
	salt := bytes.Repeat([]byte{0x42}, key.SaltSize())
	var handshake bytes.Buffer
	w, err := shadow.NewWriter(&handshake, key, salt)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	payload := append(encodeAddr(t, recorder.addr()), []byte("fresh")...)
	if _, err := w.Write(payload); err != nil {
		t.Fatalf("seal handshake: %v", err)
	}
	wire := handshake.Bytes()

	first, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer first.Close()
	if _, err := first.Write(wire); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		_, data := recorder.snapshot()
		return string(data) == "fresh"
	}, "first handshake to relay")

	second, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer second.Close()
	if _, err := second.Write(wire); err != nil {
		t.Fatalf("write replay: %v", err)
	}
	_ = second.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := second.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected replayed handshake to be dropped")
	}
	time.Sleep(100 * time.Millisecond)
	if conns, data := recorder.snapshot(); conns != 1 || string(data) != "fresh" {
		t.Fatalf("replay reached the target: %d conns, data %q", conns, data)
	}
}
