// Package netstack wires a gVisor user-space TCP/IP stack to a raw-packet
// channel endpoint and exposes new TCP and UDP flows as callbacks. It is
// grounded on internal/tun_native.go's stack.New/channel.New/forwarder
// wiring, generalized so that the TCP and UDP handlers are supplied by
// the caller instead of dialing an Outline upstream directly.
package netstack

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"
)

const nicID tcpip.NICID = 1

// TCPHandler is invoked for every new inbound TCP connection the stack
// accepts (after the three-way handshake completes inside the stack
// itself; gVisor's TCP forwarder decides which segments open a new
// connection, the TUN pump does no classification of its own).
type TCPHandler func(ctx context.Context, conn *gonet.TCPConn, local, remote netip.AddrPort)

// UDPHandler is invoked once per distinct (local, remote) UDP flow the
// forwarder observes.
type UDPHandler func(ctx context.Context, conn *gonet.UDPConn, local, remote netip.AddrPort)

// Endpoint is the raw-packet side of the stack: whatever feeds it
// (tundevice.Device) calls InjectInbound for packets read off the TUN
// and Read to get packets the stack wants written back.
type Endpoint = channel.Endpoint

// Stack owns a gVisor network stack bound to one channel NIC.
type Stack struct {
	st *stack.Stack
	ep *channel.Endpoint

	tcpHandler TCPHandler
	udpHandler UDPHandler
}

// New builds a stack with IPv4/IPv6 and TCP/UDP enabled, a promiscuous,
// spoofing-enabled NIC sized for mtu, and a default route pointing every
// address at that NIC — matching a TUN interface that must accept
// traffic for any destination.
func New(mtu uint32) (*Stack, error) {
	st := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, ipv6.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})

	ep := channel.New(4096, mtu, "")
	if err := st.CreateNIC(nicID, ep); err != nil {
		return nil, fmt.Errorf("netstack: CreateNIC: %v", err)
	}
	if err := st.SetPromiscuousMode(nicID, true); err != nil {
		return nil, fmt.Errorf("netstack: SetPromiscuousMode: %v", err)
	}
	if err := st.SetSpoofing(nicID, true); err != nil {
		return nil, fmt.Errorf("netstack: SetSpoofing: %v", err)
	}
	st.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: nicID},
		{Destination: header.IPv6EmptySubnet, NIC: nicID},
	})

	return &Stack{st: st, ep: ep}, nil
}

// Endpoint returns the channel endpoint the TUN device pump reads from
// and writes to.
func (s *Stack) Endpoint() *channel.Endpoint { return s.ep }

// SetTCPHandler installs the callback invoked for every accepted TCP
// flow; Run starts the forwarder. Must be called before Run.
func (s *Stack) SetTCPHandler(h TCPHandler) {
	s.tcpHandler = h
}

// SetUDPHandler installs the callback invoked for every new UDP flow;
// Run starts the forwarder. Must be called before Run.
func (s *Stack) SetUDPHandler(h UDPHandler) {
	s.udpHandler = h
}

// Run starts the TCP and UDP forwarders. It blocks until ctx is
// cancelled.
func (s *Stack) Run(ctx context.Context) {
	tcpFwd := tcp.NewForwarder(s.st, 0, 65535, func(r *tcp.ForwarderRequest) {
		id := r.ID()
		var wq waiter.Queue
		ep, err := r.CreateEndpoint(&wq)
		if err != nil {
			r.Complete(true)
			return
		}
		r.Complete(false)

		conn := gonet.NewTCPConn(&wq, ep)
		local, remote := endpointIDToAddrPorts(id)
		if s.tcpHandler != nil {
			go s.tcpHandler(ctx, conn, local, remote)
		} else {
			conn.Close()
		}
	})
	s.st.SetTransportProtocolHandler(tcp.ProtocolNumber, tcpFwd.HandlePacket)

	udpFwd := udp.NewForwarder(s.st, func(r *udp.ForwarderRequest) {
		id := r.ID()
		var wq waiter.Queue
		ep, err := r.CreateEndpoint(&wq)
		if err != nil {
			return
		}
		conn := gonet.NewUDPConn(&wq, ep)
		local, remote := endpointIDToAddrPorts(id)
		if s.udpHandler != nil {
			go s.udpHandler(ctx, conn, local, remote)
		} else {
			conn.Close()
		}
	})
	s.st.SetTransportProtocolHandler(udp.ProtocolNumber, udpFwd.HandlePacket)

	<-ctx.Done()
}

// endpointIDToAddrPorts maps a forwarded endpoint ID to the handlers'
// (local, remote) pair: local is the peer on the TUN side (the packet's
// source, gVisor's RemoteAddress), remote is the destination that peer
// addressed (gVisor's LocalAddress).
func endpointIDToAddrPorts(id stack.TransportEndpointID) (local, remote netip.AddrPort) {
	local = netip.AddrPortFrom(addrFromTcpip(id.RemoteAddress), id.RemotePort)
	remote = netip.AddrPortFrom(addrFromTcpip(id.LocalAddress), id.LocalPort)
	return local, remote
}

func addrFromTcpip(a tcpip.Address) netip.Addr {
	if a.Len() == 4 {
		return netip.AddrFrom4([4]byte(a.AsSlice()))
	}
	return netip.AddrFrom16([16]byte(a.AsSlice()))
}

// InjectInbound hands a raw IP packet read off the TUN device to the
// stack, classifying it by IP version. Non-IPv4/IPv6 packets are
// dropped.
func InjectInbound(ep *channel.Endpoint, pkt []byte) {
	if len(pkt) == 0 {
		return
	}
	var proto tcpip.NetworkProtocolNumber
	switch pkt[0] >> 4 {
	case 4:
		proto = ipv4.ProtocolNumber
	case 6:
		proto = ipv6.ProtocolNumber
	default:
		return
	}
	pb := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(append([]byte(nil), pkt...)),
	})
	ep.InjectInbound(proto, pb)
	pb.DecRef()
}

// ReadOutbound blocks (with the given poll interval) until the stack has
// a packet to write back onto the TUN device, returning its bytes.
// Returns nil if ctx is cancelled first.
func ReadOutbound(ctx context.Context, ep *channel.Endpoint, pollInterval time.Duration) []byte {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		pb := ep.Read()
		if pb == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(pollInterval):
			}
			continue
		}
		v := pb.ToView()
		b := append([]byte(nil), v.AsSlice()...)
		pb.DecRef()
		return b
	}
}

// IsPrivate reports whether addr falls in a non-globally-routable range
// (RFC1918 / RFC4193 / loopback / link-local), mirroring is_private from
// the wintun packet classifier: private destinations are never proxied,
// they are either handled locally or dropped.
func IsPrivate(addr netip.Addr) bool {
	if !addr.IsValid() {
		return true
	}
	if addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() ||
		addr.IsMulticast() || addr.IsUnspecified() {
		return true
	}
	if addr.Is4() || addr.Is4In6() {
		ip := addr.As4()
		switch {
		case ip[0] == 10:
			return true
		case ip[0] == 172 && ip[1] >= 16 && ip[1] <= 31:
			return true
		case ip[0] == 192 && ip[1] == 168:
			return true
		case ip[0] == 169 && ip[1] == 254:
			return true
		case ip[0] == 127:
			return true
		}
		return false
	}
	if addr.Is6() {
		if addr.As16()[0]&0xfe == 0xfc { // fc00::/7, unique local
			return true
		}
	}
	return false
}

// ParseHostPort turns a netip.AddrPort into a "host:port" string (IPv6
// hosts in brackets) for logging.
func ParseHostPort(ap netip.AddrPort) string {
	return net.JoinHostPort(ap.Addr().String(), fmt.Sprintf("%d", ap.Port()))
}
