package proxy

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/drksbr/relaymux/internal/config"
	"github.com/drksbr/relaymux/internal/protocol"
)

// SOCKS5 protocol constants (RFC 1928 / RFC 1929).
const (
	socksVersion = 0x05

	authNone         = 0x00
	authUserPass     = 0x02
	authNoAcceptable = 0xff

	cmdConnect = 0x01

	repSuccess          = 0x00
	repGeneralFailure   = 0x01
	repHostUnreachable  = 0x04
	repConnRefused      = 0x05
	repCmdNotSupported  = 0x07
	repAtypNotSupported = 0x08
)

// socksCodec terminates the SOCKS5 CONNECT subset. A configured username
// makes RFC 1929 sub-negotiation mandatory.
type socksCodec struct {
	username string
	password string
}

func newSocksCodec(cfg config.Listener) *socksCodec {
	return &socksCodec{username: cfg.Username, password: cfg.Password}
}

func (c *socksCodec) Name() string { return string(config.ProtocolSOCKS5) }

func (c *socksCodec) Handshake(ctx context.Context, conn net.Conn) (*Handshake, error) {
	if err := c.selectMethod(conn); err != nil {
		return nil, err
	}

	var header [3]byte // VER CMD RSV
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return nil, failf(failHandshake, "read request: %w", err)
	}
	if header[0] != socksVersion {
		return nil, failf(failHandshake, "bad request version %d", header[0])
	}
	if header[1] != cmdConnect {
		_ = writeSocksReply(conn, repCmdNotSupported)
		return nil, failf(failHandshake, "unsupported command %d", header[1])
	}

	target, err := protocol.ReadAddr(conn)
	if err != nil {
		if errors.Is(err, protocol.ErrAddrType) {
			_ = writeSocksReply(conn, repAtypNotSupported)
		} else {
			_ = writeSocksReply(conn, repGeneralFailure)
		}
		return nil, failf(failHandshake, "read target address: %w", err)
	}

	return &Handshake{
		Target: target,
		Stream: conn,
		ReplyDial: func(upstream net.Conn, dialErr error) error {
			if dialErr == nil {
				return writeSocksSuccess(conn, upstream.LocalAddr())
			}
			return writeSocksReply(conn, replyForDial(dialErr))
		},
	}, nil
}

// selectMethod runs the greeting and, when credentials are configured,
// the username/password sub-negotiation.
func (c *socksCodec) selectMethod(conn net.Conn) error {
	var greeting [2]byte
	if _, err := io.ReadFull(conn, greeting[:]); err != nil {
		return failf(failHandshake, "read greeting: %w", err)
	}
	if greeting[0] != socksVersion {
		return failf(failHandshake, "bad socks version %d", greeting[0])
	}
	methods := make([]byte, int(greeting[1]))
	if _, err := io.ReadFull(conn, methods); err != nil {
		return failf(failHandshake, "read methods: %w", err)
	}

	want := byte(authNone)
	if c.username != "" {
		want = authUserPass
	}
	offered := false
	for _, m := range methods {
		if m == want {
			offered = true
			break
		}
	}
	if !offered {
		_, _ = conn.Write([]byte{socksVersion, authNoAcceptable})
		return failf(failAuth, "client offered no acceptable auth method")
	}
	if _, err := conn.Write([]byte{socksVersion, want}); err != nil {
		return failf(failHandshake, "write method selection: %w", err)
	}
	if want == authUserPass {
		return c.verifyCredentials(conn)
	}
	return nil
}

func (c *socksCodec) verifyCredentials(conn net.Conn) error {
	var header [2]byte // auth version, username length
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return failf(failHandshake, "read auth header: %w", err)
	}
	if header[0] != 0x01 {
		return failf(failHandshake, "unsupported auth version %d", header[0])
	}
	username := make([]byte, int(header[1]))
	if _, err := io.ReadFull(conn, username); err != nil {
		return failf(failHandshake, "read username: %w", err)
	}
	if _, err := io.ReadFull(conn, header[:1]); err != nil {
		return failf(failHandshake, "read password length: %w", err)
	}
	password := make([]byte, int(header[0]))
	if _, err := io.ReadFull(conn, password); err != nil {
		return failf(failHandshake, "read password: %w", err)
	}

	userOK := subtle.ConstantTimeCompare(username, []byte(c.username))
	passOK := subtle.ConstantTimeCompare(password, []byte(c.password))
	if userOK&passOK != 1 {
		_, _ = conn.Write([]byte{0x01, 0x01})
		return failf(failAuth, "invalid credentials for user %q", username)
	}
	if _, err := conn.Write([]byte{0x01, 0x00}); err != nil {
		return failf(failHandshake, "write auth success: %w", err)
	}
	return nil
}

func replyForDial(dialErr error) byte {
	if dialErr == nil {
		return repSuccess
	}
	var ne net.Error
	if errors.As(dialErr, &ne) && ne.Timeout() {
		return repHostUnreachable
	}
	return repConnRefused
}

// writeSocksReply sends a failure reply with a zero bound address.
func writeSocksReply(conn net.Conn, rep byte) error {
	reply := []byte{socksVersion, rep, 0x00, protocol.AtypIPv4, 0, 0, 0, 0, 0, 0}
	if _, err := conn.Write(reply); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	return nil
}

// writeSocksSuccess sends the 0x00 reply carrying the relay-side local
// address of the dialed target as BND.ADDR.
func writeSocksSuccess(conn net.Conn, bound net.Addr) error {
	tcp, ok := bound.(*net.TCPAddr)
	if !ok {
		return writeSocksReply(conn, repSuccess)
	}
	reply := []byte{socksVersion, repSuccess, 0x00}
	if ip4 := tcp.IP.To4(); ip4 != nil {
		reply = append(reply, protocol.AtypIPv4)
		reply = append(reply, ip4...)
	} else {
		reply = append(reply, protocol.AtypIPv6)
		reply = append(reply, tcp.IP.To16()...)
	}
	reply = append(reply, byte(tcp.Port>>8), byte(tcp.Port))
	if _, err := conn.Write(reply); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	return nil
}
