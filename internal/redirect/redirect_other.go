//go:build !linux

package redirect

import (
	"fmt"
	"net"
)

func originalDestination(conn *net.TCPConn) (string, error) {
	return "", fmt.Errorf("redirect: SO_ORIGINAL_DST is only supported on linux")
}
