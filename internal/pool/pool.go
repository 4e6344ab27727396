// Package pool maintains a ring of pre-handshaked TLS connections to the
// relay, so that the first byte of a new flow never pays dial+handshake
// latency. It generalizes a single warm-standby connection into a pool
// of pool_size+1 connections, with a ticker-driven refill loop driven by
// DNS resolution events instead of a health-check scheduler.
package pool

import (
	"context"
	"crypto/tls"
	"log"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/code2u/trojan-go/internal/connid"
	"github.com/code2u/trojan-go/internal/metrics"
	"github.com/code2u/trojan-go/internal/resolver"
	"github.com/code2u/trojan-go/internal/tlsconn"
)

// Config controls pool sizing and relay addressing.
type Config struct {
	Hostname  string
	Port      uint16
	PoolSize  int // steady-state pool holds PoolSize+1 established connections
	Fwmark    uint32
	TLSConfig *tls.Config

	MinBackoff time.Duration
	MaxBackoff time.Duration
}

func (c *Config) setDefaults() {
	if c.PoolSize <= 0 {
		c.PoolSize = 4
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
}

// Pool maintains Config.PoolSize+1 Established TlsConns ready for Get.
type Pool struct {
	cfg   Config
	res   *resolver.Resolver
	alloc *connid.Allocator

	mu          sync.Mutex
	currentIP   netip.Addr
	haveIP      bool
	backoff     time.Duration
	dialing     int

	ready chan *tlsconn.TlsConn

	dropped uint64 // handshake failures, exposed for metrics/tests
}

// New constructs a Pool. Call Start to begin resolving and filling it.
func New(cfg Config, res *resolver.Resolver, alloc *connid.Allocator) *Pool {
	cfg.setDefaults()
	return &Pool{
		cfg:     cfg,
		res:     res,
		alloc:   alloc,
		backoff: cfg.MinBackoff,
		ready:   make(chan *tlsconn.TlsConn, cfg.PoolSize+1),
	}
}

// Start asks the resolver for the relay hostname and begins the
// background maintain loop. It returns immediately; ctx governs the
// loop's lifetime.
func (p *Pool) Start(ctx context.Context) {
	p.res.Resolve(p.cfg.Hostname)
	go p.maintainLoop(ctx)
}

// Resolve records a freshly resolved relay IP and (re)triggers filling,
// mirroring IdlePool::resolve in the original design.
func (p *Pool) Resolve(ip netip.Addr) {
	p.mu.Lock()
	p.currentIP = ip
	p.haveIP = true
	p.mu.Unlock()
}

func (p *Pool) maintainLoop(ctx context.Context) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case res := <-p.res.Results():
			if res.Hostname == p.cfg.Hostname {
				if res.Ok {
					p.Resolve(res.IP)
					p.mu.Lock()
					p.backoff = p.cfg.MinBackoff
					p.mu.Unlock()
				} else {
					p.bumpBackoff()
					go p.scheduleReResolve(ctx)
				}
			}
		case <-ticker.C:
			p.fillOnce(ctx)
		}
	}
}

func (p *Pool) scheduleReResolve(ctx context.Context) {
	p.mu.Lock()
	d := p.backoff
	p.mu.Unlock()
	select {
	case <-ctx.Done():
		return
	case <-time.After(d):
	}
	p.res.Resolve(p.cfg.Hostname)
}

func (p *Pool) bumpBackoff() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.backoff *= 2
	if p.backoff > p.cfg.MaxBackoff {
		p.backoff = p.cfg.MaxBackoff
	}
}

// fillOnce dials+handshakes new connections, up to PoolSize+1 total
// in-flight-plus-ready, whenever we have a resolved relay IP.
func (p *Pool) fillOnce(ctx context.Context) {
	p.mu.Lock()
	ip := p.currentIP
	have := p.haveIP
	target := p.cfg.PoolSize + 1
	haveRoom := target - len(p.ready) - p.dialing
	p.mu.Unlock()

	if !have || haveRoom <= 0 {
		return
	}

	p.mu.Lock()
	p.dialing += haveRoom
	p.mu.Unlock()

	for i := 0; i < haveRoom; i++ {
		go p.dialOne(ctx, ip)
	}
}

func (p *Pool) dialOne(ctx context.Context, ip netip.Addr) {
	defer func() {
		p.mu.Lock()
		p.dialing--
		p.mu.Unlock()
	}()

	addr := net.JoinHostPort(ip.String(), strconv.Itoa(int(p.cfg.Port)))
	idx := p.alloc.Acquire()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	start := time.Now()
	c, err := tlsconn.Dial(dialCtx, addr, idx, p.cfg.TLSConfig, p.cfg.Fwmark)
	metrics.ObserveDial(time.Since(start))
	if err != nil {
		atomic.AddUint64(&p.dropped, 1)
		metrics.PoolDialFailure()
		p.alloc.Release(idx)
		log.Printf("[pool] handshake to %s failed: %v", addr, err)
		p.bumpBackoff()
		// Hold this dial slot for the backoff so fillOnce does not redial
		// an unreachable relay on every tick.
		p.mu.Lock()
		wait := p.backoff
		p.mu.Unlock()
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
		return
	}
	p.mu.Lock()
	p.backoff = p.cfg.MinBackoff
	p.mu.Unlock()

	select {
	case p.ready <- c:
	case <-ctx.Done():
		c.Close()
		p.alloc.Release(idx)
	default:
		// Pool already full (a race with another filler); drop the spare.
		c.Close()
		p.alloc.Release(idx)
	}
}

// Get removes and returns an Established connection from the pool, or
// (nil, false) if none is ready yet; the caller then gives up on the
// flow that asked (a TCP flow's connection is closed, a UDP peer's
// datagram is dropped).
func (p *Pool) Get() (*tlsconn.TlsConn, bool) {
	select {
	case c, ok := <-p.ready:
		if !ok {
			return nil, false
		}
		if c.Status() != tlsconn.StatusEstablished {
			c.Close()
			p.alloc.Release(c.Index)
			return p.Get()
		}
		return c, true
	default:
		return nil, false
	}
}

// Release returns idx to the allocator once the caller is done with a
// connection it took from Get (after the flow closes the TlsConn).
func (p *Pool) Release(idx int) {
	p.alloc.Release(idx)
}

// Dropped reports how many handshakes have failed since Start, useful
// for metrics and tests.
func (p *Pool) Dropped() uint64 {
	return atomic.LoadUint64(&p.dropped)
}
