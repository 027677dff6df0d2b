package shadow

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

// MaxPayload is the largest plaintext chunk the framing allows.
const MaxPayload = 0x3FFF

// ErrAuth is returned when an AEAD tag fails to verify. Callers must treat
// it as fatal for the whole connection.
var ErrAuth = errors.New("message authentication failed")

// Writer seals plaintext into length-prefixed AEAD chunks. The connection
// salt is prepended to the first chunk so it shares a segment with payload.
type Writer struct {
	w     io.Writer
	aead  cipher.AEAD
	nonce []byte
	salt  []byte
	buf   []byte
}

// NewWriter derives a session AEAD for salt and returns a Writer that will
// emit the salt ahead of its first chunk.
func NewWriter(w io.Writer, key *Key, salt []byte) (*Writer, error) {
	aead, err := key.Session(salt)
	if err != nil {
		return nil, err
	}
	sw := &Writer{
		w:     w,
		aead:  aead,
		nonce: make([]byte, aead.NonceSize()),
		salt:  append([]byte(nil), salt...),
	}
	sw.buf = make([]byte, len(salt)+2+aead.Overhead()+MaxPayload+aead.Overhead())
	return sw, nil
}

func (sw *Writer) Write(p []byte) (int, error) {
	var written int
	for written < len(p) {
		chunk := p[written:]
		if len(chunk) > MaxPayload {
			chunk = chunk[:MaxPayload]
		}
		if err := sw.writeChunk(chunk); err != nil {
			return written, err
		}
		written += len(chunk)
	}
	return written, nil
}

func (sw *Writer) writeChunk(plaintext []byte) error {
	out := sw.buf[:0]
	if sw.salt != nil {
		out = append(out, sw.salt...)
		sw.salt = nil
	}

	var sizeBuf [2]byte
	binary.BigEndian.PutUint16(sizeBuf[:], uint16(len(plaintext)))
	out = sw.aead.Seal(out, sw.nonce, sizeBuf[:], nil)
	increment(sw.nonce)
	out = sw.aead.Seal(out, sw.nonce, plaintext, nil)
	increment(sw.nonce)

	_, err := sw.w.Write(out)
	return err
}

// Reader opens length-prefixed AEAD chunks. The caller reads the connection
// salt itself (the replay check happens between the salt read and the first
// decryption) and passes the derived AEAD in.
type Reader struct {
	r        io.Reader
	aead     cipher.AEAD
	nonce    []byte
	buf      []byte
	leftover []byte
}

// NewReader returns a Reader decrypting r with the given session AEAD.
func NewReader(r io.Reader, aead cipher.AEAD) *Reader {
	return &Reader{
		r:     r,
		aead:  aead,
		nonce: make([]byte, aead.NonceSize()),
		buf:   make([]byte, MaxPayload+aead.Overhead()),
	}
}

func (sr *Reader) Read(p []byte) (int, error) {
	if len(sr.leftover) == 0 {
		payload, err := sr.readChunk()
		if err != nil {
			return 0, err
		}
		sr.leftover = payload
	}
	n := copy(p, sr.leftover)
	sr.leftover = sr.leftover[n:]
	return n, nil
}

// readChunk reads and opens one size block and one payload block. Both
// failures surface as ErrAuth so callers cannot distinguish the stage.
func (sr *Reader) readChunk() ([]byte, error) {
	sizeCT := sr.buf[:2+sr.aead.Overhead()]
	if _, err := io.ReadFull(sr.r, sizeCT); err != nil {
		return nil, err
	}
	sizePT, err := sr.aead.Open(sizeCT[:0], sr.nonce, sizeCT, nil)
	increment(sr.nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	size := int(binary.BigEndian.Uint16(sizePT) & MaxPayload)

	payloadCT := sr.buf[:size+sr.aead.Overhead()]
	if _, err := io.ReadFull(sr.r, payloadCT); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	payloadPT, err := sr.aead.Open(payloadCT[:0], sr.nonce, payloadCT, nil)
	increment(sr.nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	return payloadPT, nil
}

// Conn is a client-side net.Conn wrapper: writes are sealed under a locally
// generated salt, reads derive their AEAD from the salt the peer sends.
// The server side composes Reader and Writer directly instead, because its
// read direction must pass the replay gate before decrypting.
type Conn struct {
	net.Conn
	key *Key
	r   *Reader
	w   *Writer
}

// NewConn wraps c with lazily initialized AEAD framing in both directions.
func NewConn(c net.Conn, key *Key) *Conn {
	return &Conn{Conn: c, key: key}
}

func (c *Conn) Read(p []byte) (int, error) {
	if c.r == nil {
		salt := make([]byte, c.key.SaltSize())
		if _, err := io.ReadFull(c.Conn, salt); err != nil {
			return 0, err
		}
		aead, err := c.key.Session(salt)
		if err != nil {
			return 0, err
		}
		c.r = NewReader(c.Conn, aead)
	}
	return c.r.Read(p)
}

func (c *Conn) Write(p []byte) (int, error) {
	if c.w == nil {
		salt, err := c.key.NewSalt()
		if err != nil {
			return 0, err
		}
		c.w, err = NewWriter(c.Conn, c.key, salt)
		if err != nil {
			return 0, err
		}
	}
	return c.w.Write(p)
}
