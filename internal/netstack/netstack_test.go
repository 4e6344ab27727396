package netstack

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
)

func TestIsPrivate(t *testing.T) {
	cases := []struct {
		addr string
		want bool
	}{
		{"10.0.0.1", true},
		{"172.16.5.4", true},
		{"172.32.0.1", false},
		{"192.168.1.1", true},
		{"127.0.0.1", true},
		{"169.254.1.1", true},
		{"8.8.8.8", false},
		{"93.184.216.34", false},
		{"fc00::1", true},
		{"2001:4860:4860::8888", false},
	}
	for _, c := range cases {
		addr := netip.MustParseAddr(c.addr)
		if got := IsPrivate(addr); got != c.want {
			t.Errorf("IsPrivate(%s) = %v, want %v", c.addr, got, c.want)
		}
	}
}

func TestNewStackStartsAndStops(t *testing.T) {
	s, err := New(1500)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.SetTCPHandler(func(ctx context.Context, conn *gonet.TCPConn, local, remote netip.AddrPort) {})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after ctx cancellation")
	}
}

func TestInjectInboundDropsNonIP(t *testing.T) {
	s, err := New(1500)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Garbage first nibble (not 4 or 6) must be silently dropped, not panic.
	InjectInbound(s.Endpoint(), []byte{0x00, 0x01, 0x02})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if b := ReadOutbound(ctx, s.Endpoint(), time.Millisecond); b != nil {
		t.Fatalf("expected no outbound packet, got %d bytes", len(b))
	}
}
