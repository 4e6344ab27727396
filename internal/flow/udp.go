package flow

import (
	"context"
	"errors"
	"log"
	"net/netip"
	"sync"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"

	"github.com/code2u/trojan-go/internal/metrics"
	"github.com/code2u/trojan-go/internal/pool"
	"github.com/code2u/trojan-go/internal/tlsconn"
	"github.com/code2u/trojan-go/internal/trojancodec"
)

var (
	errFlowLimitReached = errors.New("flow: udp association limit reached")
	errPoolExhausted    = errors.New("flow: pool exhausted")
)

// udpPeerConn is the slice of *gonet.UDPConn a flow entry needs: reading
// datagrams from one local peer and writing replies back to it. Kept as
// an interface so the fan-out logic in udpFlowEntry is testable without
// a real gVisor stack.
type udpPeerConn interface {
	Read([]byte) (int, error)
	Write([]byte) (int, error)
	Close() error
}

// udpFlowEntry is one destination-keyed UDP association: a single
// pooled TlsConn carrying UDP_ASSOCIATE frames, shared by every local
// source peer that sends to this same remote endpoint. This is the
// inverse of tun_udp_porttable_linux.go, which keys by the *local* port
// and fans out to many destinations; here the fan-out runs the other
// way because the wire protocol associates one relay session per
// destination, not per local socket.
//
// Exactly one replyLoop goroutine ever reads entry.upstream: Trojan UDP
// frames aren't peer-tagged, so a reply is fanned out to every peer
// conn currently attached to this destination rather than routed by
// address, and nothing else may read the shared TLS stream concurrently
// without risking splitting a frame header across two readers.
type udpFlowEntry struct {
	dst      netip.AddrPort
	upstream *tlsconn.TlsConn
	lastSeen time.Time

	mu        sync.Mutex
	peers     map[netip.AddrPort]udpPeerConn
	closed    bool
	closeOnce sync.Once
}

func (e *udpFlowEntry) addPeer(peer netip.AddrPort, conn udpPeerConn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.peers == nil {
		e.peers = make(map[netip.AddrPort]udpPeerConn)
	}
	e.peers[peer] = conn
}

func (e *udpFlowEntry) removePeer(peer netip.AddrPort) (remaining int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.peers, peer)
	return len(e.peers)
}

func (e *udpFlowEntry) broadcast(payload []byte) {
	e.mu.Lock()
	conns := make([]udpPeerConn, 0, len(e.peers))
	for _, c := range e.peers {
		conns = append(conns, c)
	}
	e.mu.Unlock()

	for _, c := range conns {
		if _, err := c.Write(payload); err != nil {
			log.Printf("[flow|udp] deliver reply to peer: %v", err)
		}
	}
}

// UDPTable relays UDP datagrams keyed by destination endpoint.
type UDPTable struct {
	pool         *pool.Pool
	passwordHash string
	idleTimeout  time.Duration
	maxFlows     int

	mu    sync.Mutex
	flows map[netip.AddrPort]*udpFlowEntry
}

// NewUDPTable builds a UDP flow manager backed by p. idleTimeout bounds
// how long a destination association survives without traffic in
// either direction.
func NewUDPTable(p *pool.Pool, passwordHash string, idleTimeout time.Duration, maxFlows int) *UDPTable {
	if idleTimeout <= 0 {
		idleTimeout = 60 * time.Second
	}
	if maxFlows <= 0 {
		maxFlows = 4096
	}
	return &UDPTable{
		pool:         p,
		passwordHash: passwordHash,
		idleTimeout:  idleTimeout,
		maxFlows:     maxFlows,
		flows:        make(map[netip.AddrPort]*udpFlowEntry),
	}
}

// Handle is invoked by the netstack UDP forwarder once per local
// (peer, destination) socket the stack accepts; it relays every
// datagram the local peer sends to remote through the destination-keyed
// association, creating one and starting its single reply reader on
// first use. On exit it removes this peer's registration and closes the
// association once no peer is left; a failed frame encode or write
// closes the whole association, including the other peers' conns.
func (u *UDPTable) Handle(ctx context.Context, conn *gonet.UDPConn, local, remote netip.AddrPort) {
	defer conn.Close()

	peer := local
	entry, created, err := u.associate(remote)
	if err != nil {
		log.Printf("[flow|udp] associate %s: %v", remote, err)
		return
	}
	entry.addPeer(peer, conn)
	if created {
		go u.replyLoop(ctx, entry)
	}
	defer func() {
		if entry.removePeer(peer) == 0 {
			u.closeFlow(remote, entry)
		}
	}()

	buf := make([]byte, 65535)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}

		frame, err := trojancodec.EncodeUDP(nil, trojancodec.Addr{IP: remote.Addr(), Port: remote.Port()}, n)
		if err != nil {
			log.Printf("[flow|udp] encode frame for %s: %v", remote, err)
			u.closeFlow(remote, entry)
			return
		}
		frame = append(frame, buf[:n]...)

		if _, err := entry.upstream.WriteSession(frame); err != nil {
			log.Printf("[flow|udp] write frame for %s: %v", remote, err)
			u.closeFlow(remote, entry)
			return
		}
		metrics.ObserveBytes(uint64(n), 0)
		u.touch(remote)
	}
}

// replyLoop is the sole reader of entry.upstream: it reads UDP_ASSOCIATE
// frames off the relay connection and fans each payload out to every
// peer currently attached to this destination. A malformed frame closes
// only this association, never the whole table.
func (u *UDPTable) replyLoop(ctx context.Context, entry *udpFlowEntry) {
	var pending []byte
	buf := make([]byte, 65535)
	for {
		n, err := entry.upstream.Read(buf)
		if err != nil {
			u.closeFlow(entry.dst, entry)
			return
		}
		pending = append(pending, buf[:n]...)

		for {
			pkt, err := trojancodec.ParseUDP(pending)
			if err == trojancodec.ErrContinued {
				break
			}
			if err != nil {
				log.Printf("[flow|udp] malformed reply frame from %s: %v", entry.dst, err)
				u.closeFlow(entry.dst, entry)
				return
			}
			entry.broadcast(pkt.Payload)
			metrics.ObserveBytes(0, uint64(len(pkt.Payload)))
			u.touch(entry.dst)
			pending = pkt.Rest
			if len(pending) == 0 {
				break
			}
		}
	}
}

func (u *UDPTable) associate(dst netip.AddrPort) (*udpFlowEntry, bool, error) {
	u.mu.Lock()
	if e, ok := u.flows[dst]; ok {
		u.mu.Unlock()
		return e, false, nil
	}
	if len(u.flows) >= u.maxFlows {
		u.mu.Unlock()
		return nil, false, errFlowLimitReached
	}
	u.mu.Unlock()

	upstream, ok := u.pool.Get()
	if !ok {
		return nil, false, errPoolExhausted
	}

	header, err := trojancodec.EncodeRequest(nil, u.passwordHash, trojancodec.CmdUDPAssociate, trojancodec.Addr{IP: dst.Addr(), Port: dst.Port()})
	if err != nil {
		upstream.Shutdown()
		u.pool.Release(upstream.Index)
		return nil, false, err
	}
	if _, err := upstream.WriteSession(header); err != nil {
		upstream.Shutdown()
		u.pool.Release(upstream.Index)
		return nil, false, err
	}

	e := &udpFlowEntry{dst: dst, upstream: upstream, lastSeen: time.Now()}

	u.mu.Lock()
	if existing, ok := u.flows[dst]; ok {
		// Lost a race with a concurrent first-peer on the same
		// destination; keep the winner, drop our spare connection.
		u.mu.Unlock()
		upstream.Shutdown()
		upstream.CheckStatus()
		u.pool.Release(upstream.Index)
		return existing, false, nil
	}
	u.flows[dst] = e
	u.mu.Unlock()

	return e, true, nil
}

func (u *UDPTable) touch(dst netip.AddrPort) {
	u.mu.Lock()
	if e, ok := u.flows[dst]; ok {
		e.lastSeen = time.Now()
	}
	u.mu.Unlock()
}

func (u *UDPTable) closeFlow(dst netip.AddrPort, e *udpFlowEntry) {
	u.mu.Lock()
	if u.flows[dst] == e {
		delete(u.flows, dst)
	}
	u.mu.Unlock()

	e.mu.Lock()
	already := e.closed
	e.closed = true
	conns := make([]udpPeerConn, 0, len(e.peers))
	for _, c := range e.peers {
		conns = append(conns, c)
	}
	e.mu.Unlock()

	if already {
		return
	}
	for _, c := range conns {
		c.Close()
	}
	e.closeOnce.Do(func() {
		e.upstream.Shutdown()
		e.upstream.CheckStatus()
		u.pool.Release(e.upstream.Index)
	})
}

// Sweep closes every association that has seen no traffic for longer
// than idleTimeout. Call it from a ticker.
func (u *UDPTable) Sweep() {
	now := time.Now()
	var stale []*udpFlowEntry
	u.mu.Lock()
	for k, e := range u.flows {
		if now.Sub(e.lastSeen) > u.idleTimeout {
			stale = append(stale, e)
			delete(u.flows, k)
		}
	}
	u.mu.Unlock()

	for _, e := range stale {
		u.closeFlow(e.dst, e)
	}
}

// ActiveCount returns the number of live destination associations.
func (u *UDPTable) ActiveCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.flows)
}
