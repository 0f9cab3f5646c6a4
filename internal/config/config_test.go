package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func useTempDir(t *testing.T) {
	t.Helper()
	old := Dir
	Dir = t.TempDir()
	t.Cleanup(func() { Dir = old })
}

func TestLoadMissingReturnsDefault(t *testing.T) {
	useTempDir(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	require.NoError(t, cfg.Validate())
}

func TestSaveLoad(t *testing.T) {
	useTempDir(t)

	cfg := Default()
	cfg.Listen = "127.0.0.2:53"
	cfg.Upstreams = []string{"1.1.1.1:53", "https://dns.example.com/dns-query"}
	cfg.Forwarders = []Forwarder{{Domain: "corp.internal", Server: "10.0.0.1"}}
	cfg.CacheTTL = time.Minute
	require.NoError(t, Save(cfg))

	loaded, err := Load()
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	useTempDir(t)

	path, err := Path()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("listen: 127.0.0.3:53\n"), 0644))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.3:53", cfg.Listen)
	assert.Equal(t, DefaultProbeAddress, cfg.ProbeAddress)
	assert.NotEmpty(t, cfg.Upstreams)
	assert.NotNil(t, cfg.Forwarders)
}

func TestLoadInvalidYAML(t *testing.T) {
	useTempDir(t)

	require.NoError(t, os.WriteFile(filepath.Join(Dir, configFile), []byte("listen: [\n"), 0644))

	_, err := Load()
	assert.Error(t, err)
}

func TestPrimaryAddress(t *testing.T) {
	cfg := Default()
	addr, err := cfg.PrimaryAddress()
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("127.0.0.1"), addr)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"default", func(c *Config) {}, true},
		{"ipv6 listen", func(c *Config) { c.Listen = "[::1]:53" }, true},
		{"doh upstream", func(c *Config) { c.Upstreams = []string{"https://1.1.1.1/dns-query"} }, true},
		{"bare upstream", func(c *Config) { c.Upstreams = []string{"9.9.9.9"} }, true},
		{"ipv6 probe", func(c *Config) { c.ProbeAddress = "2001:db8::1" }, false},
		{"bad probe", func(c *Config) { c.ProbeAddress = "example.com" }, false},
		{"listen port", func(c *Config) { c.Listen = "127.0.0.1:5353" }, false},
		{"listen unspecified", func(c *Config) { c.Listen = "0.0.0.0:53" }, false},
		{"no upstreams", func(c *Config) { c.Upstreams = nil }, false},
		{"bad upstream", func(c *Config) { c.Upstreams = []string{"dns.google:53"} }, false},
		{"bad doh", func(c *Config) { c.Upstreams = []string{"https://"} }, false},
		{"forwarder domain", func(c *Config) { c.Forwarders = []Forwarder{{Server: "10.0.0.1"}} }, false},
		{"forwarder server", func(c *Config) { c.Forwarders = []Forwarder{{Domain: "x", Server: "nope"}} }, false},
		{"cache size", func(c *Config) { c.CacheSize = -1 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
