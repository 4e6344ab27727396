// Package redirect runs an alternative ingress to the same flow tables
// the TUN engine feeds: a plain TCP listener that recovers the
// connection's pre-NAT destination via SO_ORIGINAL_DST (Linux
// REDIRECT/TPROXY iptables targets), so a transparent proxy can be
// deployed without a TUN interface at all.
package redirect

import (
	"context"
	"fmt"
	"log"
	"net"
)

// Handler is given the recovered original destination for each
// accepted connection.
type Handler func(ctx context.Context, conn *net.TCPConn, dst string)

// Listener accepts redirected TCP connections on addr and dispatches
// them to h with their original destination resolved.
type Listener struct {
	addr string
	h    Handler
}

// New builds a redirect listener.
func New(addr string, h Handler) *Listener {
	return &Listener{addr: addr, h: h}
}

// Run accepts connections until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("redirect: listen %s: %w", l.addr, err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	log.Printf("[redirect] listening on %s", l.addr)
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("redirect: accept: %w", err)
			}
		}
		tcpConn, ok := conn.(*net.TCPConn)
		if !ok {
			conn.Close()
			continue
		}

		dst, err := originalDestination(tcpConn)
		if err != nil {
			log.Printf("[redirect] SO_ORIGINAL_DST: %v", err)
			tcpConn.Close()
			continue
		}
		go l.h(ctx, tcpConn, dst)
	}
}
