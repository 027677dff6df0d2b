// Package proxy is the protocol-termination and relay engine: one listener
// per configured protocol, a codec per listener that negotiates the client
// handshake, and a bidirectional pump that moves bytes between the client
// and the dialed target under the access policy.
package proxy

import (
	"context"
	"io"
	"net"

	"github.com/drksbr/relaymux/internal/protocol"
)

// Handshake is the uniform result every codec hands to the dispatcher.
// After ReplyDial has been called with a nil error the Stream carries
// decoded plaintext in both directions and the pump takes over; no code
// past this point branches on protocol identity.
type Handshake struct {
	// Target is the destination the client asked for.
	Target protocol.Addr

	// Stream is the decoded duplex view of the client connection.
	Stream io.ReadWriter

	// Preamble is written to the target before pumping starts. Used by
	// the HTTP codec to forward a rewritten absolute-form request head.
	Preamble []byte

	// ReplyDial reports the target dial outcome to the client in
	// protocol terms (SOCKS5 reply code, HTTP status line). On success
	// target is the dialed connection, so SOCKS5 can echo its local
	// address as BND.ADDR; on failure target is nil. ReplyDial itself
	// is nil for protocols that answer dial failures with a silent
	// close.
	ReplyDial func(target net.Conn, dialErr error) error
}

// Codec negotiates one protocol's handshake on an accepted connection.
// Implementations must not retain conn past Handshake; the returned
// Stream wraps it instead.
type Codec interface {
	Name() string
	Handshake(ctx context.Context, conn net.Conn) (*Handshake, error)
}
