// Package engine wires the TUN device, the user-space network stack,
// the idle pool, and the TCP/UDP flow tables into one running relay,
// generalizing RunTunNative's single function into a struct with an
// explicit Run(ctx) so cmd/trojan-go can start/stop it around signal
// handling.
package engine

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"net/netip"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"

	"github.com/code2u/trojan-go/internal/config"
	"github.com/code2u/trojan-go/internal/connid"
	"github.com/code2u/trojan-go/internal/flow"
	"github.com/code2u/trojan-go/internal/metrics"
	"github.com/code2u/trojan-go/internal/netstack"
	"github.com/code2u/trojan-go/internal/pool"
	"github.com/code2u/trojan-go/internal/resolver"
	"github.com/code2u/trojan-go/internal/trojancodec"
	"github.com/code2u/trojan-go/internal/tundevice"
)

// Engine owns every long-lived component of TUN mode.
type Engine struct {
	cfg *config.Config

	resolver *resolver.Resolver
	alloc    *connid.Allocator
	pool     *pool.Pool
	stack    *netstack.Stack
	device   *tundevice.Device

	tcpTable *flow.TCPTable
	udpTable *flow.UDPTable
}

// New builds every component but does not start any goroutines.
func New(cfg *config.Config) (*Engine, error) {
	tlsConfig := &tls.Config{
		ServerName:         cfg.Relay.SNI,
		InsecureSkipVerify: cfg.Relay.InsecureSkipVerify,
	}
	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = cfg.Relay.Hostname
	}

	res := resolver.New(5 * time.Second)
	alloc := connid.NewAllocator()

	p := pool.New(pool.Config{
		Hostname:  cfg.Relay.Hostname,
		Port:      cfg.Relay.Port,
		PoolSize:  cfg.Pool.PoolSize,
		Fwmark:    cfg.Fwmark,
		TLSConfig: tlsConfig,
	}, res, alloc)

	st, err := netstack.New(uint32(cfg.Tun.MTU))
	if err != nil {
		return nil, fmt.Errorf("engine: build stack: %w", err)
	}

	dev, err := tundevice.Open(tundevice.Config{
		Name:       cfg.Tun.Name,
		MTU:        cfg.Tun.MTU,
		WintunPath: cfg.Tun.Wintun,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: open tun device: %w", err)
	}

	passwordHash := trojancodec.HashPassword(cfg.Relay.Password)

	e := &Engine{
		cfg:      cfg,
		resolver: res,
		alloc:    alloc,
		pool:     p,
		stack:    st,
		device:   dev,
		tcpTable: flow.NewTCPTable(p, passwordHash, cfg.Tun.TCPIdleTimeout),
		udpTable: flow.NewUDPTable(p, passwordHash, cfg.Tun.UDPIdleDuration, cfg.Tun.UDPMaxFlows),
	}

	st.SetTCPHandler(func(ctx context.Context, conn *gonet.TCPConn, local, remote netip.AddrPort) {
		if netstack.IsPrivate(remote.Addr()) {
			conn.Close()
			return
		}
		metrics.TCPFlowOpened()
		defer metrics.TCPFlowClosed()
		e.tcpTable.Handle(ctx, conn, remote)
	})
	st.SetUDPHandler(func(ctx context.Context, conn *gonet.UDPConn, local, remote netip.AddrPort) {
		if netstack.IsPrivate(remote.Addr()) {
			conn.Close()
			return
		}
		metrics.UDPFlowOpened()
		defer metrics.UDPFlowClosed()
		e.udpTable.Handle(ctx, conn, local, remote)
	})

	return e, nil
}

// HandleRedirectedTCP relays a connection accepted by a redirect-mode
// listener (internal/redirect) through the same TCP flow manager and
// idle pool the TUN engine uses, so redirect mode and TUN mode share one
// relay core even though they differ only in how the original
// destination is recovered.
func (e *Engine) HandleRedirectedTCP(ctx context.Context, conn net.Conn, dst netip.AddrPort) {
	if netstack.IsPrivate(dst.Addr()) {
		conn.Close()
		return
	}
	metrics.TCPFlowOpened()
	defer metrics.TCPFlowClosed()
	e.tcpTable.Handle(ctx, conn, dst)
}

// Run starts the resolver-driven pool maintenance, the stack's
// forwarders, the TUN pump goroutines, and the UDP idle-sweep ticker
// (TCP flows time out through per-read deadlines in internal/flow). It
// blocks until ctx is cancelled or a pump goroutine reports a fatal
// error.
func (e *Engine) Run(ctx context.Context) error {
	e.pool.Start(ctx)

	errC := make(chan error, 3)
	go func() { e.stack.Run(ctx); errC <- nil }()
	go func() { errC <- e.device.PumpToStack(ctx, e.stack.Endpoint()) }()
	go func() { errC <- e.device.PumpFromStack(ctx, e.stack.Endpoint()) }()

	go e.sweepLoop(ctx)

	log.Printf("[engine] running: tun=%s relay=%s:%d pool_size=%d",
		e.cfg.Tun.Name, e.cfg.Relay.Hostname, e.cfg.Relay.Port, e.cfg.Pool.PoolSize)

	select {
	case <-ctx.Done():
		e.device.Close()
		return nil
	case err := <-errC:
		e.device.Close()
		return err
	}
}

func (e *Engine) sweepLoop(ctx context.Context) {
	interval := e.cfg.Tun.UDPIdleDuration
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.udpTable.Sweep()
		}
	}
}
