// Package flow manages TCP and UDP relay sessions on top of the idle
// pool: each TCP flow claims one pooled TlsConn, writes the Trojan
// request header, then runs a bidirectional copy with active half-close
// propagation exactly like ProxyTCPOverOutlineWS. UDP flows are keyed by
// destination endpoint (the inverse of the source-port keying in
// tun_udp_porttable_linux.go) and share one associated TlsConn across
// every local peer that talks to the same remote.
package flow

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/code2u/trojan-go/internal/metrics"
	"github.com/code2u/trojan-go/internal/pool"
	"github.com/code2u/trojan-go/internal/trojancodec"
)

// TCPTable relays TCP flows accepted off the local stack to the relay
// pool, one pooled connection per flow.
type TCPTable struct {
	pool         *pool.Pool
	passwordHash string
	idleTimeout  time.Duration

	mu    sync.Mutex
	count int
}

// NewTCPTable builds a TCP flow manager backed by p.
func NewTCPTable(p *pool.Pool, passwordHash string, idleTimeout time.Duration) *TCPTable {
	if idleTimeout <= 0 {
		idleTimeout = 10 * time.Second
	}
	return &TCPTable{pool: p, passwordHash: passwordHash, idleTimeout: idleTimeout}
}

// Handle runs one TCP flow to completion: it claims a pooled
// connection, sends the CONNECT request for dst, then copies bytes in
// both directions until either side closes or goes idle past
// idleTimeout. conn is always closed before Handle returns.
//
// conn is any net.Conn with a working SetDeadline — both the
// gvisor-backed TCP sockets the TUN engine terminates and the plain
// *net.TCPConn a redirect-mode listener accepts satisfy this, so one
// relay implementation serves both ingress paths.
func (t *TCPTable) Handle(ctx context.Context, conn net.Conn, dst netip.AddrPort) {
	defer conn.Close()

	upstream, ok := t.pool.Get()
	if !ok {
		log.Printf("[flow|tcp] pool exhausted, dropping flow to %s", dst)
		return
	}
	defer func() {
		upstream.Shutdown()
		upstream.CheckStatus()
		t.pool.Release(upstream.Index)
	}()

	t.mu.Lock()
	t.count++
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.count--
		t.mu.Unlock()
	}()

	addr := trojancodec.Addr{IP: dst.Addr(), Port: dst.Port()}

	header, err := trojancodec.EncodeRequest(nil, t.passwordHash, trojancodec.CmdConnect, addr)
	if err != nil {
		log.Printf("[flow|tcp] encode request for %s: %v", dst, err)
		return
	}
	if _, err := upstream.WriteSession(header); err != nil {
		log.Printf("[flow|tcp] write request for %s: %v", dst, err)
		return
	}

	errC := make(chan error, 2)

	go func() {
		up, e := copyToSession(upstream, conn)
		metrics.ObserveBytes(uint64(up), 0)
		upstream.Shutdown()
		errC <- e
	}()
	go func() {
		down, e := copyWithIdleTimeout(conn, upstream, t.idleTimeout)
		metrics.ObserveBytes(0, uint64(down))
		closeWrite(conn)
		errC <- e
	}()

	<-errC
	conn.Close()
	upstream.CheckStatus()
	select {
	case <-ctx.Done():
	case <-errC:
	case <-time.After(time.Second):
	}
}

// ActiveCount returns the number of TCP flows currently being relayed.
func (t *TCPTable) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// copyToSession copies src into dst's session writer (TlsConn.WriteSession
// takes the place of io.Writer.Write here, since a session write also
// updates activity bookkeeping and status on failure).
func copyToSession(dst interface{ WriteSession([]byte) (int, error) }, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.WriteSession(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if err != nil {
			if err == io.EOF {
				return total, nil
			}
			return total, fmt.Errorf("flow: copy to session: %w", err)
		}
	}
}

func closeWrite(c net.Conn) {
	type closeWriter interface{ CloseWrite() error }
	if cw, ok := c.(closeWriter); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = c.Close()
}

// copyWithIdleTimeout copies src->dst, refreshing a read deadline on src
// after every successful read so a silent peer doesn't hold the flow
// open forever.
func copyWithIdleTimeout(dst io.Writer, src interface {
	io.Reader
	SetDeadline(time.Time) error
}, idle time.Duration) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		_ = src.SetDeadline(time.Now().Add(idle))
		n, err := src.Read(buf)
		if n > 0 {
			wn, werr := dst.Write(buf[:n])
			total += int64(wn)
			if werr != nil {
				return total, werr
			}
		}
		if err != nil {
			if err == io.EOF {
				return total, nil
			}
			return total, fmt.Errorf("flow: idle copy: %w", err)
		}
	}
}
