package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "trojan.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFillsDefaults(t *testing.T) {
	path := writeTempConfig(t, "relay:\n  hostname: relay.example.com\n  password: hunter2\n")
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Relay.Port != 443 {
		t.Errorf("expected default port 443, got %d", c.Relay.Port)
	}
	if c.Pool.PoolSize != 4 {
		t.Errorf("expected default pool size 4, got %d", c.Pool.PoolSize)
	}
	if c.Tun.MTU != 1500 {
		t.Errorf("expected default mtu 1500, got %d", c.Tun.MTU)
	}
	if c.Tun.UDPIdleDuration != 60*time.Second {
		t.Errorf("expected default udp idle 60s, got %v", c.Tun.UDPIdleDuration)
	}
}

func TestLoadRequiresHostnameAndPassword(t *testing.T) {
	path := writeTempConfig(t, "relay:\n  hostname: relay.example.com\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error when password is missing")
	}

	path = writeTempConfig(t, "relay:\n  password: hunter2\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error when hostname is missing")
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := writeTempConfig(t, "relay:\n  hostname: relay.example.com\n  password: hunter2\n  port: 443\n")
	t.Setenv("TROJAN_PORT", "8443")
	t.Setenv("TROJAN_POOL_SIZE", "9")

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Relay.Port != 8443 {
		t.Errorf("expected env override port 8443, got %d", c.Relay.Port)
	}
	if c.Pool.PoolSize != 9 {
		t.Errorf("expected env override pool size 9, got %d", c.Pool.PoolSize)
	}
}
