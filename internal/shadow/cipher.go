// Package shadow implements the Shadowsocks AEAD stream construction:
// EVP_BytesToKey master-key derivation, HKDF-SHA1 per-session subkeys and
// the chunked length-prefixed AEAD framing used on TCP connections.
package shadow

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Cipher describes one supported AEAD method.
type Cipher struct {
	Name     string
	KeySize  int
	SaltSize int
	newAEAD  func(key []byte) (cipher.AEAD, error)
}

var (
	aes128GCM = &Cipher{Name: "aes-128-gcm", KeySize: 16, SaltSize: 16, newAEAD: newAESGCM}
	aes192GCM = &Cipher{Name: "aes-192-gcm", KeySize: 24, SaltSize: 24, newAEAD: newAESGCM}
	aes256GCM = &Cipher{Name: "aes-256-gcm", KeySize: 32, SaltSize: 32, newAEAD: newAESGCM}
	chacha20  = &Cipher{Name: "chacha20-ietf-poly1305", KeySize: chacha20poly1305.KeySize, SaltSize: 32, newAEAD: chacha20poly1305.New}
)

func newAESGCM(key []byte) (cipher.AEAD, error) {
	blk, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(blk)
}

// PickCipher resolves a cipher by its Shadowsocks name or IETF AEAD alias.
func PickCipher(name string) (*Cipher, error) {
	switch strings.ToLower(name) {
	case "aes-128-gcm", "aead_aes_128_gcm":
		return aes128GCM, nil
	case "aes-192-gcm", "aead_aes_192_gcm":
		return aes192GCM, nil
	case "aes-256-gcm", "aead_aes_256_gcm":
		return aes256GCM, nil
	case "chacha20-ietf-poly1305", "aead_chacha20_poly1305":
		return chacha20, nil
	default:
		return nil, fmt.Errorf("unsupported cipher %q", name)
	}
}

// subkeyInfo is the fixed HKDF info string of the Shadowsocks AEAD construction.
var subkeyInfo = []byte("ss-subkey")

// Key holds the pre-shared master key for one listener.
type Key struct {
	cipher *Cipher
	master []byte
}

// NewKey derives the master key from the configured password using
// EVP_BytesToKey, matching every deployed Shadowsocks client.
func NewKey(cipherName, password string) (*Key, error) {
	c, err := PickCipher(cipherName)
	if err != nil {
		return nil, err
	}
	return &Key{cipher: c, master: evpBytesToKey([]byte(password), c.KeySize)}, nil
}

// SaltSize returns the connection salt length for this key's cipher.
func (k *Key) SaltSize() int { return k.cipher.SaltSize }

// NewSalt returns a fresh random salt of the cipher's salt size.
func (k *Key) NewSalt() ([]byte, error) {
	salt := make([]byte, k.cipher.SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// Session expands the master key and salt into a per-direction AEAD.
func (k *Key) Session(salt []byte) (cipher.AEAD, error) {
	if len(salt) != k.cipher.SaltSize {
		return nil, fmt.Errorf("salt length %d, want %d", len(salt), k.cipher.SaltSize)
	}
	subkey := make([]byte, k.cipher.KeySize)
	r := hkdf.New(sha1.New, k.master, salt, subkeyInfo)
	if _, err := io.ReadFull(r, subkey); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return k.cipher.newAEAD(subkey)
}

func evpBytesToKey(password []byte, keyLen int) []byte {
	var derived, prev []byte
	h := md5.New()
	for len(derived) < keyLen {
		h.Reset()
		h.Write(prev)
		h.Write(password)
		derived = h.Sum(derived)
		prev = derived[len(derived)-h.Size():]
	}
	return derived[:keyLen]
}

// increment treats b as a little-endian unsigned integer and adds one,
// wrapping on overflow. Used for the per-direction nonce counters.
func increment(b []byte) {
	for i := range b {
		b[i]++
		if b[i] != 0 {
			return
		}
	}
}
