// Package tundevice opens a TUN interface and pumps raw IP packets
// between it and a gVisor channel endpoint. The original design opens
// an existing Windows adapter via wintun::load_from_path plus
// Adapter::open/create; this port uses
// golang.zx2c4.com/wireguard/tun, whose CreateTUN already embeds the
// equivalent wintun driver loading on Windows and the netlink/utun
// device creation on Linux/Darwin.
package tundevice

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.zx2c4.com/wireguard/tun"

	"github.com/code2u/trojan-go/internal/netstack"
)

// Config names the interface to open (or create) and its MTU.
type Config struct {
	Name string
	MTU  int

	// WintunPath and AdapterGUID are read only by the windows build
	// (see tundevice_windows.go); they mirror wintun_args.wintun and
	// the adapter identity from the original configuration. A non-empty
	// WintunPath sets the tunnel type; the path is not used to load
	// wintun.dll.
	WintunPath  string
	AdapterGUID string
}

// Device wraps an open TUN interface and pumps packets to/from a
// netstack.Stack's channel endpoint.
type Device struct {
	tun tun.Device
	mtu int
}

// Open creates or attaches to the named TUN interface.
func Open(cfg Config) (*Device, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("tundevice: interface name is empty")
	}
	mtu := cfg.MTU
	if mtu <= 0 {
		mtu = 1500
	}

	applyPlatformConfig(cfg)

	dev, err := tun.CreateTUN(cfg.Name, mtu)
	if err != nil {
		return nil, fmt.Errorf("tundevice: open %q: %w", cfg.Name, err)
	}

	actualMTU, err := dev.MTU()
	if err != nil {
		actualMTU = mtu
	}

	log.Printf("[tundevice] opened %q mtu=%d", cfg.Name, actualMTU)
	return &Device{tun: dev, mtu: actualMTU}, nil
}

// MTU returns the interface's negotiated MTU.
func (d *Device) MTU() int { return d.mtu }

// Close tears down the TUN interface.
func (d *Device) Close() error {
	return d.tun.Close()
}

// PumpToStack reads raw IP packets off the TUN device and injects them
// into ep until ctx is cancelled or a read error occurs.
func (d *Device) PumpToStack(ctx context.Context, ep *netstack.Endpoint) error {
	bufs := make([][]byte, 1)
	bufs[0] = make([]byte, d.mtu+64)
	sizes := make([]int, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := d.tun.Read(bufs, sizes, 0)
		if err != nil {
			return fmt.Errorf("tundevice: read: %w", err)
		}
		for i := 0; i < n; i++ {
			netstack.InjectInbound(ep, bufs[0][:sizes[i]])
		}
	}
}

// PumpFromStack drains packets the stack produces for transmission and
// writes them to the TUN device until ctx is cancelled.
func (d *Device) PumpFromStack(ctx context.Context, ep *netstack.Endpoint) error {
	for {
		b := netstack.ReadOutbound(ctx, ep, time.Millisecond)
		if b == nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				continue
			}
		}
		if _, err := d.tun.Write([][]byte{b}, 0); err != nil {
			return fmt.Errorf("tundevice: write: %w", err)
		}
	}
}
