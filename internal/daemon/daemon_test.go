package daemon

import (
	"errors"
	"net"
	"net/netip"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zkmkarlsruhe/primarydns/internal/config"
	"github.com/zkmkarlsruhe/primarydns/internal/dns"
	"github.com/zkmkarlsruhe/primarydns/internal/system"
)

// memProvider is a goroutine-safe in-memory network with one routed adapter.
type memProvider struct {
	mu      sync.Mutex
	best    uint32
	servers map[uint32][]netip.Addr
	flushes int
}

func newMemProvider(index uint32, servers ...string) *memProvider {
	p := &memProvider{best: index, servers: map[uint32][]netip.Addr{}}
	for _, s := range servers {
		p.servers[index] = append(p.servers[index], netip.MustParseAddr(s))
	}
	return p
}

func (p *memProvider) BestInterface(netip.Addr) (uint32, error) {
	return p.best, nil
}

func (p *memProvider) Interfaces() ([]system.Interface, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []system.Interface
	for index, servers := range p.servers {
		out = append(out, system.Interface{
			Index:      index,
			Name:       "eth0",
			DNSServers: append([]netip.Addr(nil), servers...),
		})
	}
	return out, nil
}

func (p *memProvider) DNSServers(index uint32) ([]netip.Addr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]netip.Addr(nil), p.servers[index]...), nil
}

func (p *memProvider) SetDNSServers(index uint32, servers []netip.Addr) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.servers[index]; !ok {
		return false, nil
	}
	p.servers[index] = append([]netip.Addr(nil), servers...)
	return true, nil
}

func (p *memProvider) FlushCache() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushes++
}

func (p *memProvider) list(index uint32) []string {
	servers, _ := p.DNSServers(index)
	return system.FormatServers(servers)
}

// fakeResolver stands in for dns.Proxy so tests never bind port 53.
type fakeResolver struct {
	mu         sync.Mutex
	startErr   error
	starts     int
	stops      int
	clears     int
	forwarders []config.Forwarder
}

func (r *fakeResolver) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	r.starts++
	return nil
}

func (r *fakeResolver) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops++
}

func (r *fakeResolver) UpdateForwarders(f []config.Forwarder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forwarders = f
}

func (r *fakeResolver) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clears++
}

func (r *fakeResolver) GetStats() dns.Stats {
	return dns.Stats{QueriesTotal: 3}
}

func newTestDaemon(t *testing.T, provider *memProvider) (*Daemon, *fakeResolver) {
	t.Helper()

	oldDir, oldBackup := config.Dir, system.BackupDir
	config.Dir = t.TempDir()
	system.BackupDir = t.TempDir()
	t.Cleanup(func() {
		config.Dir = oldDir
		system.BackupDir = oldBackup
	})

	cfg := config.Default()
	probe, err := cfg.Probe()
	require.NoError(t, err)

	d := newDaemon(cfg, system.NewPrimaryDNS(provider, probe))
	d.socketPath = filepath.Join(t.TempDir(), "primarydns.sock")

	res := &fakeResolver{}
	d.newProxy = func(*config.Config) (resolver, error) {
		return res, nil
	}
	return d, res
}

func TestEnableInstallsPrimary(t *testing.T) {
	provider := newMemProvider(7, "8.8.8.8", "1.1.1.1")
	d, res := newTestDaemon(t, provider)

	resp := d.handle(Request{Action: "enable"})
	require.True(t, resp.Success, resp.Error)
	require.NotNil(t, resp.Status)

	assert.True(t, resp.Status.Running)
	assert.True(t, resp.Status.Installed)
	assert.Equal(t, "127.0.0.1", resp.Status.Primary)
	assert.Equal(t, uint32(7), resp.Status.Interface.Index)
	assert.Equal(t, int64(3), resp.Status.Stats.QueriesTotal)

	assert.Equal(t, []string{"127.0.0.1", "8.8.8.8", "1.1.1.1"}, provider.list(7))
	assert.Equal(t, 1, res.starts)
	assert.True(t, system.HasPendingRestore())

	saved, err := config.Load()
	require.NoError(t, err)
	assert.True(t, saved.Enabled)
}

func TestEnableTwiceIsNoop(t *testing.T) {
	provider := newMemProvider(7, "8.8.8.8")
	d, res := newTestDaemon(t, provider)

	require.NoError(t, d.enable())
	require.NoError(t, d.enable())

	assert.Equal(t, 1, res.starts)
	assert.Equal(t, []string{"127.0.0.1", "8.8.8.8"}, provider.list(7))
}

func TestDisableRemovesPrimary(t *testing.T) {
	provider := newMemProvider(7, "8.8.8.8")
	d, res := newTestDaemon(t, provider)

	require.NoError(t, d.enable())

	resp := d.handle(Request{Action: "disable"})
	require.True(t, resp.Success, resp.Error)
	assert.False(t, resp.Status.Running)
	assert.False(t, resp.Status.Installed)

	assert.Equal(t, []string{"8.8.8.8"}, provider.list(7))
	assert.Equal(t, 1, res.stops)
	assert.False(t, system.HasPendingRestore())

	saved, err := config.Load()
	require.NoError(t, err)
	assert.False(t, saved.Enabled)
}

func TestEnableStartFailureLeavesDNSUntouched(t *testing.T) {
	provider := newMemProvider(7, "8.8.8.8")
	d, res := newTestDaemon(t, provider)
	res.startErr = errors.New("address in use")

	err := d.enable()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address in use")

	assert.Equal(t, []string{"8.8.8.8"}, provider.list(7))
	assert.False(t, system.HasPendingRestore())
	assert.False(t, d.getStatus().Running)
}

func TestEnableNoMatchingAdapter(t *testing.T) {
	provider := newMemProvider(7, "8.8.8.8")
	provider.best = 99
	d, res := newTestDaemon(t, provider)

	err := d.enable()
	require.Error(t, err)
	assert.ErrorIs(t, err, system.ErrNoMatchingAdapter)
	assert.Equal(t, 1, res.stops)
	assert.False(t, system.HasPendingRestore())

	status := d.getStatus()
	assert.Nil(t, status.Interface)
	assert.NotEmpty(t, status.InterfaceError)
}

func TestShutdownKeepsEnabledFlag(t *testing.T) {
	provider := newMemProvider(7, "8.8.8.8")
	d, _ := newTestDaemon(t, provider)

	require.NoError(t, d.enable())
	d.Shutdown()

	assert.Equal(t, []string{"8.8.8.8"}, provider.list(7))

	saved, err := config.Load()
	require.NoError(t, err)
	assert.True(t, saved.Enabled, "a restart should re-enable")
}

func TestFlushClearsBothCaches(t *testing.T) {
	provider := newMemProvider(7, "8.8.8.8")
	d, res := newTestDaemon(t, provider)
	require.NoError(t, d.enable())

	before := provider.flushes
	resp := d.handle(Request{Action: "flush"})
	require.True(t, resp.Success)

	assert.Equal(t, 1, res.clears)
	assert.Equal(t, before+1, provider.flushes)
}

func TestSetConfigRejectsInvalid(t *testing.T) {
	d, _ := newTestDaemon(t, newMemProvider(7))

	cfg := config.Default()
	cfg.Listen = "127.0.0.1:5353"

	resp := d.handle(Request{Action: "set_config", Config: cfg})
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "port must be 53")

	resp = d.handle(Request{Action: "set_config"})
	assert.False(t, resp.Success)
}

func TestSetConfigUpdatesForwardersInPlace(t *testing.T) {
	provider := newMemProvider(7, "8.8.8.8")
	d, res := newTestDaemon(t, provider)
	require.NoError(t, d.enable())

	cfg := config.Default()
	cfg.Forwarders = []config.Forwarder{{Domain: "corp.example", Server: "10.0.0.1"}}

	resp := d.handle(Request{Action: "set_config", Config: cfg})
	require.True(t, resp.Success, resp.Error)
	assert.True(t, resp.Config.Enabled)

	assert.Equal(t, 1, res.starts)
	assert.Equal(t, cfg.Forwarders, res.forwarders)
}

func TestSetConfigRestartsOnListenChange(t *testing.T) {
	provider := newMemProvider(7, "8.8.8.8")
	d, res := newTestDaemon(t, provider)
	require.NoError(t, d.enable())

	cfg := config.Default()
	cfg.Listen = "127.0.0.2:53"

	resp := d.handle(Request{Action: "set_config", Config: cfg})
	require.True(t, resp.Success, resp.Error)

	assert.Equal(t, 2, res.starts)
	assert.Equal(t, 1, res.stops)
	assert.Equal(t, []string{"127.0.0.2", "8.8.8.8"}, provider.list(7))
}

func TestUnknownAction(t *testing.T) {
	d, _ := newTestDaemon(t, newMemProvider(7))

	resp := d.handle(Request{Action: "reboot"})
	assert.False(t, resp.Success)
	assert.Equal(t, "unknown action: reboot", resp.Error)
}

func TestClientRoundTrip(t *testing.T) {
	provider := newMemProvider(7, "8.8.8.8")
	d, _ := newTestDaemon(t, provider)

	client := &Client{
		dial: func(string, time.Duration) (net.Conn, error) {
			c1, c2 := net.Pipe()
			go d.handleConnection(c2)
			return c1, nil
		},
	}

	require.True(t, client.IsRunning())

	status, err := client.Enable()
	require.NoError(t, err)
	assert.True(t, status.Installed)
	assert.Equal(t, []string{"127.0.0.1", "8.8.8.8"}, status.Interface.DNSServers)

	cfg, err := client.GetConfig()
	require.NoError(t, err)
	assert.True(t, cfg.Enabled)

	cfg.Listen = "127.0.0.1:8053"
	_, err = client.SetConfig(cfg)
	assert.Error(t, err)

	require.NoError(t, client.Flush())

	status, err = client.Disable()
	require.NoError(t, err)
	assert.False(t, status.Running)
	assert.Equal(t, []string{"8.8.8.8"}, provider.list(7))
}

func TestClientNotRunning(t *testing.T) {
	client := &Client{
		socketPath: "missing",
		dial: func(string, time.Duration) (net.Conn, error) {
			return nil, errors.New("no such file")
		},
	}

	assert.False(t, client.IsRunning())
	_, err := client.Status()
	assert.ErrorContains(t, err, "is it running?")
}

func TestSetConfigSwitchesProbeWhileStopped(t *testing.T) {
	d, res := newTestDaemon(t, newMemProvider(7, "8.8.8.8"))

	cfg := config.Default()
	cfg.ProbeAddress = "1.2.3.4"

	resp := d.handle(Request{Action: "set_config", Config: cfg})
	require.True(t, resp.Success, resp.Error)

	assert.Equal(t, "1.2.3.4", d.getStatus().Probe)
	assert.Equal(t, 0, res.starts)

	saved, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.4", saved.ProbeAddress)
}
