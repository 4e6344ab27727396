// Package tlsconn wraps a single TLS connection to the relay with the
// status state machine described by the original design. Go's
// crypto/tls.Conn is a blocking stream, so the non-blocking
// register/do_send/ready machinery of the source design collapses into
// plain blocking Read/Write calls on the tls.Conn; what survives is the
// status lifecycle, the activity bookkeeping the idle pool and flow
// managers need, and the half-close shutdown sequence.
package tlsconn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Status is the connection lifecycle:
// Connecting -> Established -> {Shutdown -> Closing -> Closed, Closing -> Closed}.
type Status int32

const (
	StatusConnecting Status = iota
	StatusEstablished
	StatusShutdown
	StatusClosing
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusEstablished:
		return "established"
	case StatusShutdown:
		return "shutdown"
	case StatusClosing:
		return "closing"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TlsConn is one TLS connection to the relay, identified by a connection
// index from internal/connid.
type TlsConn struct {
	Index int

	tcp *net.TCPConn
	tls *tls.Conn

	status int32 // Status, accessed atomically

	mu            sync.Mutex
	lastActivity  time.Time
	bytesRead     uint64
	bytesSent     uint64
	closeOnce     sync.Once
}

// Dial opens a TCP connection to addr (optionally marked with fwmark on
// Linux), performs the TLS client handshake, and returns an Established
// TlsConn.
func Dial(ctx context.Context, addr string, index int, tlsConfig *tls.Config, fwmark uint32) (*TlsConn, error) {
	d := &net.Dialer{
		Timeout: 10 * time.Second,
		Control: func(network, address string, c syscall.RawConn) error {
			if fwmark == 0 {
				return nil
			}
			var ctrlErr error
			if err := c.Control(func(fd uintptr) {
				ctrlErr = setSocketMark(fd, fwmark)
			}); err != nil {
				return err
			}
			return ctrlErr
		},
	}

	rawConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tlsconn: dial %s: %w", addr, err)
	}
	tcpConn, ok := rawConn.(*net.TCPConn)
	if !ok {
		rawConn.Close()
		return nil, errors.New("tlsconn: dialer did not return a TCP connection")
	}
	_ = tcpConn.SetNoDelay(true)

	tlsConn := tls.Client(tcpConn, tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		tcpConn.Close()
		return nil, fmt.Errorf("tlsconn: handshake: %w", err)
	}

	c := &TlsConn{
		Index:        index,
		tcp:          tcpConn,
		tls:          tlsConn,
		status:       int32(StatusEstablished),
		lastActivity: time.Now(),
	}
	return c, nil
}

func (c *TlsConn) Status() Status {
	return Status(atomic.LoadInt32(&c.status))
}

func (c *TlsConn) setStatus(s Status) {
	atomic.StoreInt32(&c.status, int32(s))
}

func (c *TlsConn) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// LastActivity returns the instant of the most recent successful read or
// write.
func (c *TlsConn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

func (c *TlsConn) BytesRead() uint64 { return atomic.LoadUint64(&c.bytesRead) }
func (c *TlsConn) BytesSent() uint64 { return atomic.LoadUint64(&c.bytesSent) }

// WriteSession enqueues plaintext to the TLS session, flushing it to the
// wire. A write failure moves status to Closing.
func (c *TlsConn) WriteSession(p []byte) (int, error) {
	n, err := c.tls.Write(p)
	if err != nil {
		c.setStatus(StatusClosing)
		return n, err
	}
	atomic.AddUint64(&c.bytesSent, uint64(n))
	c.touch()
	return n, nil
}

// Read reads decrypted plaintext from the TLS session into p.
func (c *TlsConn) Read(p []byte) (int, error) {
	n, err := c.tls.Read(p)
	if err != nil {
		if !errors.Is(err, net.ErrClosed) {
			c.setStatus(StatusClosing)
		}
		return n, err
	}
	atomic.AddUint64(&c.bytesRead, uint64(n))
	c.touch()
	return n, nil
}

// SetDeadline forwards to the underlying TCP connection, used by flow
// managers to bound idle reads.
func (c *TlsConn) SetDeadline(t time.Time) error {
	return c.tls.SetDeadline(t)
}

// Shutdown initiates a TLS close_notify and transitions to Shutdown, then
// Closing once the close handshake flushes.
func (c *TlsConn) Shutdown() {
	if c.Status() >= StatusShutdown {
		return
	}
	c.setStatus(StatusShutdown)
	_ = c.tls.CloseWrite()
	c.setStatus(StatusClosing)
}

// CheckStatus closes the TLS connection and moves to Closed from any
// status, tearing down the socket at once; it does not wait for the peer
// to finish sending or for unread data to be consumed. Idempotent.
func (c *TlsConn) CheckStatus() Status {
	if c.Status() == StatusClosed {
		return StatusClosed
	}
	c.closeOnce.Do(func() {
		_ = c.tls.Close()
		c.setStatus(StatusClosed)
	})
	return c.Status()
}

// Close is CheckStatus's terminal action exposed for direct teardown
// (e.g. on Exhausted/ProtocolViolation).
func (c *TlsConn) Close() error {
	c.CheckStatus()
	return nil
}
