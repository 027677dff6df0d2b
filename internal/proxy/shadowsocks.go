package proxy

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/drksbr/relaymux/internal/access"
	"github.com/drksbr/relaymux/internal/config"
	"github.com/drksbr/relaymux/internal/protocol"
	"github.com/drksbr/relaymux/internal/shadow"
)

// shadowCodec terminates the Shadowsocks AEAD stream protocol. Every
// failure on this codec is answered with a silent close: the protocol
// defines no error reply, and answering would hand probes an oracle.
type shadowCodec struct {
	key    *shadow.Key
	replay *access.ReplayCache
}

func newShadowCodec(cfg config.Listener, replay *access.ReplayCache) (*shadowCodec, error) {
	key, err := shadow.NewKey(cfg.Cipher, cfg.Password)
	if err != nil {
		return nil, err
	}
	return &shadowCodec{key: key, replay: replay}, nil
}

func (c *shadowCodec) Name() string { return string(config.ProtocolShadowsocks) }

func (c *shadowCodec) Handshake(ctx context.Context, conn net.Conn) (*Handshake, error) {
	salt := make([]byte, c.key.SaltSize())
	if _, err := io.ReadFull(conn, salt); err != nil {
		return nil, failf(failHandshake, "read salt: %w", err)
	}

	// The replay gate runs before the first decryption so a replayed
	// handshake costs no AEAD work and leaks nothing about the key.
	if !c.replay.Add(salt) {
		return nil, fail(failDecrypt, errReplayedSalt)
	}

	aead, err := c.key.Session(salt)
	if err != nil {
		return nil, failf(failHandshake, "derive session key: %w", err)
	}

	reader := shadow.NewReader(conn, aead)
	target, err := protocol.ReadAddr(reader)
	if err != nil {
		if errors.Is(err, shadow.ErrAuth) {
			return nil, fail(failDecrypt, err)
		}
		return nil, failf(failHandshake, "read target address: %w", err)
	}

	return &Handshake{
		Target: target,
		Stream: &shadowStream{conn: conn, reader: reader, key: c.key},
	}, nil
}

// shadowStream is the decoded duplex view of a shadowsocks connection.
// The response direction seals under its own fresh salt, created on the
// first write, so the two directions never share keys or nonce counters.
type shadowStream struct {
	conn   net.Conn
	reader *shadow.Reader
	key    *shadow.Key
	writer *shadow.Writer
}

func (s *shadowStream) Read(p []byte) (int, error) {
	return s.reader.Read(p)
}

func (s *shadowStream) Write(p []byte) (int, error) {
	if s.writer == nil {
		salt, err := s.key.NewSalt()
		if err != nil {
			return 0, err
		}
		s.writer, err = shadow.NewWriter(s.conn, s.key, salt)
		if err != nil {
			return 0, err
		}
	}
	return s.writer.Write(p)
}
