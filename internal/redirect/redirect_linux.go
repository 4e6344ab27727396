//go:build linux

package redirect

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// originalDestination recovers the pre-NAT destination of a connection
// accepted on a REDIRECT/TPROXY iptables target via getsockopt(
// SO_ORIGINAL_DST).
func originalDestination(conn *net.TCPConn) (string, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return "", err
	}

	var addr string
	var ctrlErr error
	err = raw.Control(func(fd uintptr) {
		addr, ctrlErr = getOriginalDst(int(fd))
	})
	if err != nil {
		return "", err
	}
	return addr, ctrlErr
}

// getOriginalDst reads SO_ORIGINAL_DST on an IPv4 socket. The kernel
// returns a sockaddr_in, which overlaps byte-for-byte with the first 8
// bytes of the ipv6_mreq-shaped struct GetsockoptIPv6Mreq decodes, so
// that call can be reused to fetch it without binding new cgo.
// IPv6 REDIRECT targets use IP6T_SO_ORIGINAL_DST, which x/sys/unix does
// not expose a decoder for; redirect mode is IPv4-only for now.
func getOriginalDst(fd int) (string, error) {
	v4, err := unix.GetsockoptIPv6Mreq(fd, unix.IPPROTO_IP, unix.SO_ORIGINAL_DST)
	if err != nil {
		return "", fmt.Errorf("getsockopt SO_ORIGINAL_DST: %w", err)
	}
	ip := net.IPv4(v4.Multiaddr[4], v4.Multiaddr[5], v4.Multiaddr[6], v4.Multiaddr[7])
	port := int(v4.Multiaddr[2])<<8 | int(v4.Multiaddr[3])
	return fmt.Sprintf("%s:%d", ip.String(), port), nil
}
