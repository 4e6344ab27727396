// Package resolver implements an asynchronous DNS resolver: callers fire
// lookups that run on background goroutines, and drain completed results
// through a channel-based waker instead of blocking.
//
// This is the Go idiom for what the original design used mio's Waker +
// Token(RESOLVER) for: a single reserved slot the event loop polls to
// learn new results are ready. Here "ready" is simply "there is something
// to receive on Results()".
package resolver

import (
	"context"
	"log"
	"net"
	"net/netip"
	"sync"
	"time"
)

// Result is one completed lookup: IP is the zero value on failure.
type Result struct {
	Hostname string
	IP       netip.Addr
	Ok       bool
}

// Resolver drives hostname lookups on background goroutines and delivers
// results on a buffered channel.
type Resolver struct {
	res     *net.Resolver
	timeout time.Duration

	mu      sync.Mutex
	pending int

	results chan Result
}

// New creates a Resolver. timeout bounds each individual lookup.
func New(timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Resolver{
		res:     net.DefaultResolver,
		timeout: timeout,
		results: make(chan Result, 16),
	}
}

// Resolve starts an asynchronous A-record lookup of hostname. The result
// (success or failure) is delivered on Results().
func (r *Resolver) Resolve(hostname string) {
	r.mu.Lock()
	r.pending++
	r.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		ip, ok := r.lookup(ctx, hostname)

		r.mu.Lock()
		r.pending--
		r.mu.Unlock()

		select {
		case r.results <- Result{Hostname: hostname, IP: ip, Ok: ok}:
		default:
			log.Printf("[resolver] result channel full, dropping result for %q", hostname)
		}
	}()
}

func (r *Resolver) lookup(ctx context.Context, hostname string) (netip.Addr, bool) {
	if ip, err := netip.ParseAddr(hostname); err == nil {
		return ip, true
	}
	addrs, err := r.res.LookupIPAddr(ctx, hostname)
	if err != nil || len(addrs) == 0 {
		log.Printf("[resolver] lookup %q failed: %v", hostname, err)
		return netip.Addr{}, false
	}
	for _, a := range addrs {
		if ip, ok := netip.AddrFromSlice(a.IP.To4()); ok {
			return ip, true
		}
	}
	ip, ok := netip.AddrFromSlice(addrs[0].IP.To16())
	return ip, ok
}

// Results returns the channel new lookup results are delivered on. The
// idle pool's maintain loop treats readability on this channel the way
// the original design treated the RESOLVER token firing.
func (r *Resolver) Results() <-chan Result {
	return r.results
}

// Consume drains every currently-available result, calling visit for
// each. It never blocks.
func (r *Resolver) Consume(visit func(Result)) {
	for {
		select {
		case res := <-r.results:
			visit(res)
		default:
			return
		}
	}
}
