// Package protocol implements the socks-style destination address header
// shared by the SOCKS5 and shadowsocks codecs: one address-type byte
// followed by an IPv4, IPv6 or length-prefixed domain name, then a
// big-endian port.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
)

// Address types as defined in RFC 1928 section 5.
const (
	AtypIPv4   = 0x01
	AtypDomain = 0x03
	AtypIPv6   = 0x04
)

// MaxAddrLen is the longest possible encoded address:
// 1 (atyp) + 1 (domain length) + 255 (domain) + 2 (port).
const MaxAddrLen = 1 + 1 + 255 + 2

var (
	ErrAddrType    = errors.New("unsupported address type")
	ErrEmptyDomain = errors.New("empty domain name")
)

// Addr is a parsed destination address.
type Addr struct {
	Host string
	Port int
}

// String returns the host:port form.
func (a Addr) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// ReadAddr parses one destination address header from r.
func ReadAddr(r io.Reader) (Addr, error) {
	var atyp [1]byte
	if _, err := io.ReadFull(r, atyp[:]); err != nil {
		return Addr{}, err
	}

	var host string
	switch atyp[0] {
	case AtypIPv4:
		var buf [4]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return Addr{}, err
		}
		host = net.IP(buf[:]).String()
	case AtypDomain:
		var length [1]byte
		if _, err := io.ReadFull(r, length[:]); err != nil {
			return Addr{}, err
		}
		if length[0] == 0 {
			return Addr{}, ErrEmptyDomain
		}
		name := make([]byte, length[0])
		if _, err := io.ReadFull(r, name); err != nil {
			return Addr{}, err
		}
		host = string(name)
	case AtypIPv6:
		var buf [16]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return Addr{}, err
		}
		host = net.IP(buf[:]).String()
	default:
		return Addr{}, fmt.Errorf("%w %d", ErrAddrType, atyp[0])
	}

	var portBuf [2]byte
	if _, err := io.ReadFull(r, portBuf[:]); err != nil {
		return Addr{}, err
	}
	return Addr{Host: host, Port: int(binary.BigEndian.Uint16(portBuf[:]))}, nil
}

// AppendAddr encodes addr and appends it to dst. IP literals are encoded
// as their native type; everything else becomes a domain name.
func AppendAddr(dst []byte, addr Addr) ([]byte, error) {
	if ip := net.ParseIP(addr.Host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			dst = append(dst, AtypIPv4)
			dst = append(dst, ip4...)
		} else {
			dst = append(dst, AtypIPv6)
			dst = append(dst, ip.To16()...)
		}
	} else {
		if len(addr.Host) == 0 || len(addr.Host) > 255 {
			return nil, fmt.Errorf("invalid domain length %d", len(addr.Host))
		}
		dst = append(dst, AtypDomain, byte(len(addr.Host)))
		dst = append(dst, addr.Host...)
	}
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], uint16(addr.Port))
	return append(dst, portBuf[:]...), nil
}
