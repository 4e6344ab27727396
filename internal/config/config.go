// Package config loads the YAML configuration file and overlays
// TROJAN_-prefixed environment variables on top of it, matching
// LoadConfig's file-then-default-fill idiom while adding the
// environment overlay.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full process configuration: relay identity, the local
// pool, the TUN interface, UDP flow limits, and route installation.
type Config struct {
	Relay RelayConfig `yaml:"relay"`
	Pool  PoolConfig  `yaml:"pool"`
	Tun   TunConfig   `yaml:"tun"`
	Route RouteConfig `yaml:"route"`

	Redirect RedirectConfig `yaml:"redirect"`
	Fwmark   uint32         `yaml:"fwmark"`

	MetricsListen string `yaml:"metrics_listen"`
}

// RelayConfig names the single upstream Trojan relay.
type RelayConfig struct {
	Hostname string `yaml:"hostname"`
	Port     uint16 `yaml:"port"`
	Password string `yaml:"password"`

	SNI                string `yaml:"sni"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// PoolConfig sizes the idle connection pool.
type PoolConfig struct {
	PoolSize int `yaml:"pool_size"`
}

// TunConfig describes the TUN interface and the buffers/timeouts of the
// flow tables running behind it.
type TunConfig struct {
	Name string `yaml:"name"`
	MTU  int    `yaml:"mtu"`

	TCPRxBufferSize int `yaml:"tcp_rx_buffer_size"`
	TCPTxBufferSize int `yaml:"tcp_tx_buffer_size"`

	UDPRxMetaSize   int `yaml:"udp_rx_meta_size"`
	UDPRxBufferSize int `yaml:"udp_rx_buffer_size"`
	UDPTxBufferSize int `yaml:"udp_tx_buffer_size"`

	TCPIdleTimeout   time.Duration `yaml:"tcp_idle_timeout"`
	UDPIdleDuration  time.Duration `yaml:"udp_idle_duration"`
	UDPMaxFlows      int           `yaml:"udp_max_flows"`
	BufferSize       int           `yaml:"buffer_size"`

	// Windows-only: see internal/tundevice/tundevice_windows.go.
	Wintun string `yaml:"wintun"`
}

// RouteConfig controls the allow-listed routes installed alongside the
// TUN interface.
type RouteConfig struct {
	AddWhiteList    bool   `yaml:"add_white_list"`
	WhiteIPList     string `yaml:"white_ip_list"`
	DefaultGateway  string `yaml:"default_gateway"`
	InterfaceIndex  uint32 `yaml:"interface_index"`
}

// RedirectConfig controls the optional SO_ORIGINAL_DST redirect-mode
// listener, run alongside TUN mode.
type RedirectConfig struct {
	Enable bool   `yaml:"enable"`
	Listen string `yaml:"listen"`
}

// Load reads path as YAML, fills defaults, then overlays any
// TROJAN_<FIELD> environment variables, matching the configuration
// sourcing rule that environment variables take precedence over the
// file for deployment-time overrides.
func Load(path string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	c.applyDefaults()
	c.applyEnvOverrides()

	if c.Relay.Hostname == "" {
		return nil, fmt.Errorf("config: relay.hostname is required")
	}
	if c.Relay.Password == "" {
		return nil, fmt.Errorf("config: relay.password is required")
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Relay.Port == 0 {
		c.Relay.Port = 443
	}
	if c.Pool.PoolSize == 0 {
		c.Pool.PoolSize = 4
	}
	if c.Tun.Name == "" {
		c.Tun.Name = "trojan0"
	}
	if c.Tun.MTU == 0 {
		c.Tun.MTU = 1500
	}
	if c.Tun.TCPRxBufferSize == 0 {
		c.Tun.TCPRxBufferSize = 1 << 20
	}
	if c.Tun.TCPTxBufferSize == 0 {
		c.Tun.TCPTxBufferSize = 1 << 20
	}
	if c.Tun.UDPRxMetaSize == 0 {
		c.Tun.UDPRxMetaSize = 256
	}
	if c.Tun.UDPRxBufferSize == 0 {
		c.Tun.UDPRxBufferSize = 1 << 20
	}
	if c.Tun.UDPTxBufferSize == 0 {
		c.Tun.UDPTxBufferSize = 1 << 20
	}
	if c.Tun.TCPIdleTimeout == 0 {
		c.Tun.TCPIdleTimeout = 10 * time.Second
	}
	if c.Tun.UDPIdleDuration == 0 {
		c.Tun.UDPIdleDuration = 60 * time.Second
	}
	if c.Tun.UDPMaxFlows == 0 {
		c.Tun.UDPMaxFlows = 4096
	}
	if c.Tun.BufferSize == 0 {
		c.Tun.BufferSize = 65536
	}
	if c.MetricsListen == "" {
		c.MetricsListen = "127.0.0.1:9090"
	}
	if c.Redirect.Listen == "" {
		c.Redirect.Listen = "127.0.0.1:60080"
	}
}

// applyEnvOverrides lets an operator override any field listed below
// without editing the YAML file, using TROJAN_<FIELD> names.
func (c *Config) applyEnvOverrides() {
	if v, ok := os.LookupEnv("TROJAN_HOSTNAME"); ok {
		c.Relay.Hostname = v
	}
	if v, ok := envUint16("TROJAN_PORT"); ok {
		c.Relay.Port = v
	}
	if v, ok := os.LookupEnv("TROJAN_PASSWORD"); ok {
		c.Relay.Password = v
	}
	if v, ok := os.LookupEnv("TROJAN_SNI"); ok {
		c.Relay.SNI = v
	}
	if v, ok := envInt("TROJAN_POOL_SIZE"); ok {
		c.Pool.PoolSize = v
	}
	if v, ok := envInt("TROJAN_MTU"); ok {
		c.Tun.MTU = v
	}
	if v, ok := envInt("TROJAN_TCP_RX_BUFFER_SIZE"); ok {
		c.Tun.TCPRxBufferSize = v
	}
	if v, ok := envInt("TROJAN_TCP_TX_BUFFER_SIZE"); ok {
		c.Tun.TCPTxBufferSize = v
	}
	if v, ok := envInt("TROJAN_UDP_RX_META_SIZE"); ok {
		c.Tun.UDPRxMetaSize = v
	}
	if v, ok := envInt("TROJAN_UDP_RX_BUFFER_SIZE"); ok {
		c.Tun.UDPRxBufferSize = v
	}
	if v, ok := envInt("TROJAN_UDP_TX_BUFFER_SIZE"); ok {
		c.Tun.UDPTxBufferSize = v
	}
	if v, ok := envDuration("TROJAN_TCP_IDLE_TIMEOUT"); ok {
		c.Tun.TCPIdleTimeout = v
	}
	if v, ok := envDuration("TROJAN_UDP_IDLE_DURATION"); ok {
		c.Tun.UDPIdleDuration = v
	}
	if v, ok := envInt("TROJAN_BUFFER_SIZE"); ok {
		c.Tun.BufferSize = v
	}
	if v, ok := os.LookupEnv("TROJAN_WINTUN"); ok {
		c.Tun.Wintun = v
	}
	if v, ok := os.LookupEnv("TROJAN_NAME"); ok {
		c.Tun.Name = v
	}
	if v, ok := envBool("TROJAN_ADD_WHITE_LIST"); ok {
		c.Route.AddWhiteList = v
	}
	if v, ok := os.LookupEnv("TROJAN_WHITE_IP_LIST"); ok {
		c.Route.WhiteIPList = v
	}
	if v, ok := os.LookupEnv("TROJAN_DEFAULT_GATEWAY"); ok {
		c.Route.DefaultGateway = v
	}
}

func envInt(name string) (int, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envUint16(name string) (uint16, bool) {
	n, ok := envInt(name)
	if !ok {
		return 0, false
	}
	return uint16(n), true
}

func envBool(name string) (bool, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func envDuration(name string) (time.Duration, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}
