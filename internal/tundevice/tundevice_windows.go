//go:build windows

package tundevice

import "golang.zx2c4.com/wireguard/tun"

// applyPlatformConfig stands in for the original wintun::load_from_path
// plus Adapter::open-or-create fallback: when a wintun path is
// configured it sets the adapter tunnel type to "trojan", and when an
// adapter GUID is given it pins the adapter identity so re-running the
// process attaches to the same adapter. The configured path itself is
// not used to load the driver; the embedded loader's default lookup of
// wintun.dll applies.
func applyPlatformConfig(cfg Config) {
	if cfg.WintunPath != "" {
		tun.WintunTunnelType = "trojan"
	}
	if cfg.AdapterGUID != "" {
		if guid, err := windowsGUIDFromString(cfg.AdapterGUID); err == nil {
			tun.WintunStaticRequestedGUID = guid
		}
	}
}
