package config

import (
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	appName    = "PrimaryDNS"
	configFile = "config.yaml"
)

// Build-time variables (set via -ldflags)
var (
	// DefaultProbeAddress is the public address used to find the outbound
	// interface. Override via -ldflags:
	//   -ldflags "-X github.com/zkmkarlsruhe/primarydns/internal/config.DefaultProbeAddress=1.2.3.4"
	DefaultProbeAddress = "183.232.231.172"
)

// Forwarder represents a split DNS forwarder rule
type Forwarder struct {
	Domain string `yaml:"domain"` // e.g., "ts.net", "*.internal"
	Server string `yaml:"server"` // e.g., "100.100.100.100", "192.168.1.1:53"
}

// Config holds the application configuration
type Config struct {
	ProbeAddress string        `yaml:"probe_address"` // routing probe target
	Listen       string        `yaml:"listen"`        // local resolver address
	Upstreams    []string      `yaml:"upstreams"`     // host:port or https:// DoH URL
	Forwarders   []Forwarder   `yaml:"forwarders"`    // split DNS forwarders
	CacheSize    int           `yaml:"cache_size"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
	Enabled      bool          `yaml:"enabled"`   // whether the primary DNS is installed
	Autostart    bool          `yaml:"autostart"` // start daemon on login
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		ProbeAddress: DefaultProbeAddress,
		Listen:       "127.0.0.1:53",
		Upstreams:    []string{"223.5.5.5:53", "119.29.29.29:53"},
		Forwarders:   []Forwarder{},
		CacheSize:    10000,
		CacheTTL:     5 * time.Minute,
	}
}

// Dir is the configuration directory. Empty means os.UserConfigDir()/PrimaryDNS.
var Dir string

func configDir() (string, error) {
	dir := Dir
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(base, appName)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}

// Path returns the full path to the config file
func Path() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFile), nil
}

// Load reads the configuration from disk
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.Forwarders == nil {
		cfg.Forwarders = []Forwarder{}
	}

	return cfg, nil
}

// Save writes the configuration to disk
func Save(cfg *Config) error {
	path, err := Path()
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Probe returns the parsed probe address.
func (c *Config) Probe() (netip.Addr, error) {
	addr, err := netip.ParseAddr(c.ProbeAddress)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("invalid probe_address %q: %w", c.ProbeAddress, err)
	}
	if !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("probe_address must be IPv4: %s", addr)
	}
	return addr, nil
}

// PrimaryAddress returns the address to install as primary DNS: the host
// part of Listen.
func (c *Config) PrimaryAddress() (netip.Addr, error) {
	addrPort, err := netip.ParseAddrPort(c.Listen)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("invalid listen %q: %w", c.Listen, err)
	}
	if addrPort.Port() != 53 {
		return netip.Addr{}, fmt.Errorf("listen port must be 53 to serve as system DNS, got %d", addrPort.Port())
	}
	if addrPort.Addr().IsUnspecified() {
		return netip.Addr{}, fmt.Errorf("listen address must not be unspecified")
	}
	return addrPort.Addr().Unmap(), nil
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if _, err := c.Probe(); err != nil {
		return err
	}
	if _, err := c.PrimaryAddress(); err != nil {
		return err
	}

	if len(c.Upstreams) == 0 {
		return fmt.Errorf("at least one upstream is required")
	}
	for _, u := range c.Upstreams {
		if err := validateUpstream(u); err != nil {
			return err
		}
	}

	for _, f := range c.Forwarders {
		if strings.TrimSpace(f.Domain) == "" {
			return fmt.Errorf("forwarder domain is required")
		}
		if err := validateServer(f.Server); err != nil {
			return fmt.Errorf("forwarder %s: %w", f.Domain, err)
		}
	}

	if c.CacheSize < 0 {
		return fmt.Errorf("cache_size cannot be negative")
	}
	if c.CacheTTL < 0 {
		return fmt.Errorf("cache_ttl cannot be negative")
	}
	return nil
}

func validateUpstream(upstream string) error {
	if strings.HasPrefix(upstream, "https://") {
		u, err := url.Parse(upstream)
		if err != nil || u.Host == "" {
			return fmt.Errorf("invalid DoH upstream: %s", upstream)
		}
		return nil
	}
	return validateServer(upstream)
}

func validateServer(server string) error {
	host := server
	if h, _, err := net.SplitHostPort(server); err == nil {
		host = h
	}
	if _, err := netip.ParseAddr(host); err != nil {
		return fmt.Errorf("invalid server address: %s", server)
	}
	return nil
}
