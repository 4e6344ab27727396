//go:build !windows

package tundevice

// applyPlatformConfig is a no-op on non-Windows platforms: Linux and
// Darwin take the interface name straight through to tun.CreateTUN,
// which creates a real utun/TAP-style device rather than attaching a
// driver DLL.
func applyPlatformConfig(cfg Config) {}
