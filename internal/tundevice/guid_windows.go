//go:build windows

package tundevice

import (
	"golang.org/x/sys/windows"
)

// windowsGUIDFromString parses a "{xxxxxxxx-xxxx-...}" GUID string into
// the representation wireguard-go's tun package expects for pinning a
// wintun adapter's identity across restarts.
func windowsGUIDFromString(s string) (*windows.GUID, error) {
	return windows.GUIDFromString(s)
}
