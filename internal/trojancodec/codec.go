// Package trojancodec implements the Trojan wire format: the CONNECT /
// UDP_ASSOCIATE request header and the UDP datagram framing used once a
// UDP_ASSOCIATE tunnel is established.
package trojancodec

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"net/netip"
)

// Command is the single byte following the password hash + CRLF.
type Command byte

const (
	CmdConnect      Command = 0x01
	CmdUDPAssociate Command = 0x03
)

const (
	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04
)

var crlf = [2]byte{'\r', '\n'}

// ErrInvalidProtocol is returned when bytes violate the Trojan wire
// structure in a way that is not recoverable by reading more data.
var ErrInvalidProtocol = errors.New("trojancodec: invalid protocol")

// ErrContinued is returned by ParseUDP when the address+length prefix is
// complete but fewer than length payload bytes are currently available.
var ErrContinued = errors.New("trojancodec: continued")

// HashPassword returns the 56-character lowercase hex SHA-224 digest of
// password, exactly as it appears in the Trojan request header.
func HashPassword(password string) string {
	sum := sha256.Sum224([]byte(password))
	return hex.EncodeToString(sum[:])
}

// Addr is a destination endpoint in SOCKS5-compatible encoding: either an
// IP address or a domain name, plus a port.
type Addr struct {
	IP     netip.Addr // zero value if Domain is set
	Domain string
	Port   uint16
}

// EncodeRequest appends a full Trojan request header to buffer: the
// 56-byte hex password hash, CRLF, the command byte, the SOCKS5 address,
// and a trailing CRLF.
func EncodeRequest(buffer []byte, passwordHash string, command Command, dst Addr) ([]byte, error) {
	if len(passwordHash) != 56 {
		return nil, errors.New("trojancodec: password hash must be 56 hex chars")
	}
	buffer = append(buffer, passwordHash...)
	buffer = append(buffer, crlf[:]...)
	buffer = append(buffer, byte(command))
	var err error
	buffer, err = appendSocksAddr(buffer, dst)
	if err != nil {
		return nil, err
	}
	buffer = append(buffer, crlf[:]...)
	return buffer, nil
}

// EncodeUDP appends the Trojan UDP frame header (address + big-endian
// length + CRLF) for a datagram of the given length. The payload itself
// is appended separately by the caller so the header and payload can be
// written as one atomic enqueue.
func EncodeUDP(buffer []byte, addr Addr, length int) ([]byte, error) {
	var err error
	buffer, err = appendSocksAddr(buffer, addr)
	if err != nil {
		return nil, err
	}
	var lb [2]byte
	binary.BigEndian.PutUint16(lb[:], uint16(length))
	buffer = append(buffer, lb[:]...)
	buffer = append(buffer, crlf[:]...)
	return buffer, nil
}

func appendSocksAddr(buffer []byte, a Addr) ([]byte, error) {
	switch {
	case a.Domain != "":
		if len(a.Domain) > 255 {
			return nil, errors.New("trojancodec: domain too long")
		}
		buffer = append(buffer, atypDomain, byte(len(a.Domain)))
		buffer = append(buffer, a.Domain...)
	case a.IP.Is4():
		buffer = append(buffer, atypIPv4)
		b := a.IP.As4()
		buffer = append(buffer, b[:]...)
	case a.IP.Is6():
		buffer = append(buffer, atypIPv6)
		b := a.IP.As16()
		buffer = append(buffer, b[:]...)
	default:
		return nil, errors.New("trojancodec: empty destination address")
	}
	var pb [2]byte
	binary.BigEndian.PutUint16(pb[:], a.Port)
	buffer = append(buffer, pb[:]...)
	return buffer, nil
}

// Packet is a fully decoded Trojan UDP frame.
type Packet struct {
	Addr    Addr
	Length  int
	Payload []byte // aliases the input slice
	Rest    []byte // bytes remaining after this frame, aliases the input slice
}

// ParseUDP parses one Trojan UDP frame from the front of b.
//
//   - Returns (Packet, nil) on a complete frame; Packet.Rest holds any
//     trailing bytes.
//   - Returns (Packet{}, ErrContinued) when the address+length prefix is
//     complete but the payload is short by at least one byte.
//   - Returns (Packet{}, ErrInvalidProtocol) on any structural violation
//     (short/garbled prefix, bad address type, missing CRLF).
func ParseUDP(b []byte) (Packet, error) {
	addr, off, err := parseSocksAddr(b, 0)
	if err != nil {
		return Packet{}, err
	}
	if len(b) < off+2 {
		return Packet{}, ErrInvalidProtocol
	}
	length := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if len(b) < off+2 {
		return Packet{}, ErrInvalidProtocol
	}
	if b[off] != crlf[0] || b[off+1] != crlf[1] {
		return Packet{}, ErrInvalidProtocol
	}
	off += 2

	if len(b) < off+length {
		return Packet{}, ErrContinued
	}

	return Packet{
		Addr:    addr,
		Length:  length,
		Payload: b[off : off+length],
		Rest:    b[off+length:],
	}, nil
}

func parseSocksAddr(b []byte, off int) (Addr, int, error) {
	if len(b) < off+1 {
		return Addr{}, 0, ErrInvalidProtocol
	}
	atyp := b[off]
	off++
	var a Addr
	switch atyp {
	case atypIPv4:
		if len(b) < off+4 {
			return Addr{}, 0, ErrInvalidProtocol
		}
		a.IP = netip.AddrFrom4([4]byte(b[off : off+4]))
		off += 4
	case atypDomain:
		if len(b) < off+1 {
			return Addr{}, 0, ErrInvalidProtocol
		}
		l := int(b[off])
		off++
		if len(b) < off+l {
			return Addr{}, 0, ErrInvalidProtocol
		}
		a.Domain = string(b[off : off+l])
		off += l
	case atypIPv6:
		if len(b) < off+16 {
			return Addr{}, 0, ErrInvalidProtocol
		}
		a.IP = netip.AddrFrom16([16]byte(b[off : off+16]))
		off += 16
	default:
		return Addr{}, 0, ErrInvalidProtocol
	}
	if len(b) < off+2 {
		return Addr{}, 0, ErrInvalidProtocol
	}
	a.Port = binary.BigEndian.Uint16(b[off : off+2])
	off += 2
	return a, off, nil
}
