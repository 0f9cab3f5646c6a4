package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"

	"github.com/zkmkarlsruhe/primarydns/internal/config"
	"github.com/zkmkarlsruhe/primarydns/internal/dns"
	"github.com/zkmkarlsruhe/primarydns/internal/system"
)

// Request represents a command from the client
type Request struct {
	Action string         `json:"action"`
	Config *config.Config `json:"config,omitempty"`
}

// Response represents the daemon's response
type Response struct {
	Success bool           `json:"success"`
	Error   string         `json:"error,omitempty"`
	Status  *Status        `json:"status,omitempty"`
	Config  *config.Config `json:"config,omitempty"`
}

// InterfaceStatus describes the interface selected for the probe address.
type InterfaceStatus struct {
	Index      uint32   `json:"index"`
	Name       string   `json:"name"`
	DNSServers []string `json:"dnsServers"`
}

// Status represents the current daemon status
type Status struct {
	Running        bool             `json:"running"`
	Primary        string           `json:"primary"`
	Probe          string           `json:"probe"`
	Installed      bool             `json:"installed"`
	Interface      *InterfaceStatus `json:"interface,omitempty"`
	InterfaceError string           `json:"interfaceError,omitempty"`
	Stats          dns.Stats        `json:"stats"`
}

// resolver is the part of dns.Proxy the daemon drives.
type resolver interface {
	Start() error
	Stop()
	UpdateForwarders([]config.Forwarder)
	ClearCache()
	GetStats() dns.Stats
}

// Daemon runs the local resolver and keeps its address installed as the
// primary DNS while filtering is enabled.
type Daemon struct {
	config     *config.Config
	primary    *system.PrimaryDNS
	proxy      resolver
	newProxy   func(*config.Config) (resolver, error)
	socketPath string
	listener   net.Listener
	running    bool
	mu         sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
}

// New creates a daemon from the saved configuration and the platform's
// network provider.
func New() (*Daemon, error) {
	cfg, err := config.Load()
	if err != nil {
		log.Printf("Warning: failed to load config, using defaults: %v", err)
		cfg = config.Default()
	}

	probe, err := cfg.Probe()
	if err != nil {
		return nil, err
	}

	provider, err := system.NewPlatformProvider()
	if err != nil {
		return nil, err
	}

	return newDaemon(cfg, system.NewPrimaryDNS(provider, probe)), nil
}

func newDaemon(cfg *config.Config, primary *system.PrimaryDNS) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		config:  cfg,
		primary: primary,
		newProxy: func(cfg *config.Config) (resolver, error) {
			return dns.NewProxy(cfg)
		},
		socketPath: SocketPath,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Run starts the daemon and blocks until it is shut down
func (d *Daemon) Run() error {
	log.Println("Starting PrimaryDNS daemon...")

	// Undo a primary left behind by a crashed run
	if restored, err := system.RestoreFromBackupIfNeeded(d.primary); err != nil {
		log.Printf("Warning: crash recovery failed: %v", err)
	} else if restored {
		log.Println("Recovered from previous crash - primary DNS removed")
	}

	listener, err := createListener(d.socketPath)
	if err != nil {
		return err
	}
	d.listener = listener

	log.Printf("Listening on %s", d.socketPath)

	if d.config.Enabled {
		log.Println("Auto-enabling primary DNS (was enabled)...")
		if err := d.enable(); err != nil {
			log.Printf("Warning: auto-enable failed: %v", err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
			log.Println("Shutting down daemon...")
			d.Shutdown()
		case <-d.ctx.Done():
		}
	}()

	return d.serve(listener)
}

func (d *Daemon) serve(listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-d.ctx.Done():
				return nil
			default:
				log.Printf("Accept error: %v", err)
				continue
			}
		}
		go d.handleConnection(conn)
	}
}

// Shutdown removes the primary DNS, stops the resolver and closes the
// control socket.
func (d *Daemon) Shutdown() {
	d.cancel()

	if err := d.disable(false); err != nil {
		log.Printf("Warning: failed to disable on shutdown: %v", err)
	}

	if d.listener != nil {
		d.listener.Close()
	}

	cleanupListener(d.socketPath)
	log.Println("Daemon stopped")
}

// handleConnection processes a client connection
func (d *Daemon) handleConnection(conn net.Conn) {
	defer conn.Close()

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	var req Request
	if err := decoder.Decode(&req); err != nil {
		encoder.Encode(Response{Success: false, Error: err.Error()})
		return
	}

	log.Printf("Received command: %s", req.Action)

	encoder.Encode(d.handle(req))
}

func (d *Daemon) handle(req Request) Response {
	switch req.Action {
	case "enable":
		if err := d.enable(); err != nil {
			return Response{Success: false, Error: err.Error()}
		}
		return Response{Success: true, Status: d.getStatus()}

	case "disable":
		if err := d.disable(true); err != nil {
			return Response{Success: false, Error: err.Error()}
		}
		return Response{Success: true, Status: d.getStatus()}

	case "status":
		return Response{Success: true, Status: d.getStatus()}

	case "flush":
		d.flush()
		return Response{Success: true}

	case "get_config":
		d.mu.RLock()
		defer d.mu.RUnlock()
		return Response{Success: true, Config: d.config}

	case "set_config":
		if req.Config == nil {
			return Response{Success: false, Error: "no config provided"}
		}
		if err := d.setConfig(req.Config); err != nil {
			return Response{Success: false, Error: err.Error()}
		}
		d.mu.RLock()
		defer d.mu.RUnlock()
		return Response{Success: true, Config: d.config}

	case "ping":
		return Response{Success: true}

	default:
		return Response{Success: false, Error: fmt.Sprintf("unknown action: %s", req.Action)}
	}
}

// enable starts the resolver and installs it as primary DNS
func (d *Daemon) enable() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return nil
	}

	addr, err := d.config.PrimaryAddress()
	if err != nil {
		return err
	}

	log.Printf("Enabling primary DNS %s", addr)

	proxy, err := d.newProxy(d.config)
	if err != nil {
		return fmt.Errorf("failed to create DNS proxy: %w", err)
	}
	if err := proxy.Start(); err != nil {
		return fmt.Errorf("failed to start DNS proxy: %w", err)
	}

	// Save backup to disk BEFORE modifying DNS
	iface, err := d.primary.Current()
	if err != nil {
		proxy.Stop()
		return fmt.Errorf("failed to select interface: %w", err)
	}
	if err := system.BackupInstall(iface, addr); err != nil {
		proxy.Stop()
		return fmt.Errorf("failed to save DNS backup: %w", err)
	}

	if err := d.primary.Install(addr); err != nil {
		proxy.Stop()
		system.ClearBackup()
		return fmt.Errorf("failed to install primary DNS: %w", err)
	}
	d.primary.FlushCache()

	d.proxy = proxy
	d.running = true
	d.config.Enabled = true
	d.saveConfig()

	log.Println("Primary DNS enabled")
	return nil
}

// disable removes the primary DNS and stops the resolver. persist records
// the disabled state in the config so it survives a restart.
func (d *Daemon) disable(persist bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return nil
	}

	log.Println("Disabling primary DNS...")

	var removeErr error
	if addr, err := d.config.PrimaryAddress(); err != nil {
		removeErr = err
	} else if err := d.primary.Remove(addr); err != nil {
		removeErr = fmt.Errorf("failed to remove primary DNS: %w", err)
	} else {
		system.ClearBackup()
	}
	d.primary.FlushCache()

	if d.proxy != nil {
		d.proxy.Stop()
		d.proxy = nil
	}

	d.running = false
	if persist {
		d.config.Enabled = false
		d.saveConfig()
	}

	if removeErr != nil {
		return removeErr
	}

	log.Println("Primary DNS disabled")
	return nil
}

func (d *Daemon) flush() {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.proxy != nil {
		d.proxy.ClearCache()
	}
	d.primary.FlushCache()
}

// setConfig updates the configuration
func (d *Daemon) setConfig(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	probe, err := cfg.Probe()
	if err != nil {
		return err
	}

	d.mu.RLock()
	old := d.config
	running := d.running
	d.mu.RUnlock()

	needsRestart := running && (cfg.Listen != old.Listen ||
		cfg.ProbeAddress != old.ProbeAddress ||
		!slices.Equal(cfg.Upstreams, old.Upstreams) ||
		cfg.CacheSize != old.CacheSize ||
		cfg.CacheTTL != old.CacheTTL)

	if needsRestart {
		log.Println("Config changed, restarting...")
		if err := d.disable(false); err != nil {
			return err
		}
	}

	d.mu.Lock()
	cfg.Enabled = old.Enabled
	d.config = cfg
	if probe != d.primary.ProbeAddress() {
		d.primary = system.NewPrimaryDNS(d.primary.Provider(), probe)
	}
	if d.proxy != nil {
		d.proxy.UpdateForwarders(cfg.Forwarders)
	}
	err = config.Save(cfg)
	d.mu.Unlock()
	if err != nil {
		return err
	}

	if needsRestart {
		return d.enable()
	}
	return nil
}

// saveConfig persists the config (must be called with lock held)
func (d *Daemon) saveConfig() {
	if err := config.Save(d.config); err != nil {
		log.Printf("Warning: failed to save config: %v", err)
	}
}

// getStatus returns the current status
func (d *Daemon) getStatus() *Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := &Status{
		Running: d.running,
		Probe:   d.primary.ProbeAddress().String(),
	}

	addr, addrErr := d.config.PrimaryAddress()
	if addrErr == nil {
		status.Primary = addr.String()
	}

	if iface, err := d.primary.Current(); err != nil {
		status.InterfaceError = err.Error()
	} else {
		status.Interface = &InterfaceStatus{
			Index:      iface.Index,
			Name:       iface.Name,
			DNSServers: system.FormatServers(iface.DNSServers),
		}
		status.Installed = addrErr == nil && system.IsPrimary(iface.DNSServers, addr)
	}

	if d.proxy != nil {
		status.Stats = d.proxy.GetStats()
	}

	return status
}
