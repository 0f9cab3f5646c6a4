package main

import (
	"errors"
	"fmt"
	"log"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zkmkarlsruhe/primarydns/internal/config"
	"github.com/zkmkarlsruhe/primarydns/internal/daemon"
	"github.com/zkmkarlsruhe/primarydns/internal/service"
	"github.com/zkmkarlsruhe/primarydns/internal/system"
)

func runCLI() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "primarydns",
		Short: "Keep a DNS server in the primary slot of the outbound interface",
		Long: `primarydns finds the network interface that carries outbound traffic and
installs or removes a DNS server in the first position of its DNS list.
The other servers keep their order.

The daemon runs a local caching resolver and installs it as primary DNS.`,
		SilenceUsage: true,
	}

	// Direct commands, no daemon needed
	installCmd := &cobra.Command{
		Use:   "install <address>",
		Short: "Install an address as primary DNS",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			addr := mustParseAddr(args[0])
			primary := mustPrimaryDNS()

			if err := primary.Install(addr); err != nil {
				exitWith("Install failed", err)
			}
			primary.FlushCache()
			printCurrent(primary)
		},
	}

	removeCmd := &cobra.Command{
		Use:   "remove <address>",
		Short: "Remove an address from the primary DNS slot",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			addr := mustParseAddr(args[0])
			primary := mustPrimaryDNS()

			if err := primary.Remove(addr); err != nil {
				exitWith("Remove failed", err)
			}
			primary.FlushCache()
			printCurrent(primary)
		},
	}

	flushCmd := &cobra.Command{
		Use:   "flush",
		Short: "Flush the DNS resolver cache",
		Run: func(cmd *cobra.Command, args []string) {
			client := daemon.NewClient()
			if client.IsRunning() {
				if err := client.Flush(); err != nil {
					exitWith("Flush failed", err)
				}
			} else {
				mustPrimaryDNS().FlushCache()
			}
			fmt.Println("DNS cache flushed")
		},
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the outbound interface and its DNS servers",
		Run: func(cmd *cobra.Command, args []string) {
			printCurrent(mustPrimaryDNS())
		},
	}

	// Daemon commands
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the local resolver and install it as primary DNS (via daemon)",
		Run: func(cmd *cobra.Command, args []string) {
			client := mustDaemon()

			status, err := client.Enable()
			if err != nil {
				exitWith("Error", err)
			}
			fmt.Printf("Primary DNS %s enabled\n", status.Primary)
		},
	}

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Remove the local resolver from primary DNS (via daemon)",
		Run: func(cmd *cobra.Command, args []string) {
			client := mustDaemon()

			if _, err := client.Disable(); err != nil {
				exitWith("Error", err)
			}
			fmt.Println("Primary DNS disabled.")
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show current status",
		Run: func(cmd *cobra.Command, args []string) {
			client := daemon.NewClient()
			if !client.IsRunning() {
				cfg := loadConfig()
				fmt.Printf("Probe:      %s\n", cfg.ProbeAddress)
				fmt.Printf("Listen:     %s\n", cfg.Listen)
				fmt.Println("Daemon:     not running")
				if system.HasPendingRestore() {
					fmt.Printf("Backup:     primary DNS left behind, run: %s dns-reset\n", os.Args[0])
				}
				return
			}

			// The running daemon's config may differ from the file
			if cfg, err := client.GetConfig(); err == nil {
				fmt.Printf("Probe:      %s\n", cfg.ProbeAddress)
				fmt.Printf("Listen:     %s\n", cfg.Listen)
			}

			status, err := client.Status()
			if err != nil {
				fmt.Printf("Daemon:     error (%v)\n", err)
				return
			}
			printStatus(status)
		},
	}

	// Config command group
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	configSetCmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value (probe, listen, upstreams, cache-size, cache-ttl)",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load()
			if err != nil {
				exitWith("Error loading config", err)
			}

			key, value := args[0], args[1]
			if err := setConfigValue(cfg, key, value); err != nil {
				exitWith("Error", err)
			}
			saveConfig(cfg)
			fmt.Printf("Set %s = %s\n", key, value)
		},
	}

	configShowCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load()
			if err != nil {
				exitWith("Error loading config", err)
			}
			path, _ := config.Path()
			fmt.Printf("File:       %s\n", path)
			fmt.Printf("Probe:      %s\n", cfg.ProbeAddress)
			fmt.Printf("Listen:     %s\n", cfg.Listen)
			fmt.Printf("Upstreams:  %s\n", strings.Join(cfg.Upstreams, ", "))
			fmt.Printf("Cache:      %d entries, %s\n", cfg.CacheSize, cfg.CacheTTL)
			fmt.Printf("Enabled:    %v\n", cfg.Enabled)
			fmt.Printf("Autostart:  %v\n", cfg.Autostart)
			printForwarders(cfg.Forwarders)
		},
	}

	// Forwarder commands for split DNS
	forwarderCmd := &cobra.Command{
		Use:   "forwarder",
		Short: "Manage DNS forwarders (split DNS)",
	}

	forwarderAddCmd := &cobra.Command{
		Use:   "add <domain> <server>",
		Short: "Add a forwarder (e.g., 'add corp.example 10.0.0.1')",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load()
			if err != nil {
				exitWith("Error loading config", err)
			}

			cfg.Forwarders = append(cfg.Forwarders, config.Forwarder{
				Domain: args[0],
				Server: args[1],
			})
			saveConfig(cfg)
			fmt.Printf("Added forwarder: %s → %s\n", args[0], args[1])
		},
	}

	forwarderListCmd := &cobra.Command{
		Use:   "list",
		Short: "List all forwarders",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			if len(cfg.Forwarders) == 0 {
				fmt.Println("No forwarders configured.")
				return
			}
			for _, f := range cfg.Forwarders {
				fmt.Printf("%s → %s\n", f.Domain, f.Server)
			}
		},
	}

	forwarderRemoveCmd := &cobra.Command{
		Use:   "remove <domain>",
		Short: "Remove a forwarder",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load()
			if err != nil {
				exitWith("Error loading config", err)
			}

			forwarders, found := removeForwarder(cfg.Forwarders, args[0])
			if !found {
				fmt.Fprintf(os.Stderr, "Forwarder not found: %s\n", args[0])
				os.Exit(1)
			}

			cfg.Forwarders = forwarders
			saveConfig(cfg)
			fmt.Printf("Removed forwarder: %s\n", args[0])
		},
	}

	// Daemon command - run the daemon (used by the system service)
	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the daemon (used by system service)",
		Run: func(cmd *cobra.Command, args []string) {
			d, err := daemon.New()
			if err != nil {
				log.Fatalf("Daemon failed: %v", err)
			}

			if isService, _ := service.IsWindowsService(); isService {
				err = service.RunService(d.Run, d.Shutdown)
			} else {
				err = d.Run()
			}
			if err != nil {
				log.Fatalf("Daemon failed: %v", err)
			}
		},
	}

	// DNS reset command - used by systemd ExecStopPost to undo a primary left behind
	dnsResetCmd := &cobra.Command{
		Use:   "dns-reset",
		Short: "Remove a primary DNS left behind by the daemon (used by service on stop)",
		Run: func(cmd *cobra.Command, args []string) {
			restored, err := system.RestoreFromBackupIfNeeded(mustPrimaryDNS())
			if err != nil {
				exitWith("Failed to reset DNS", err)
			}
			if restored {
				fmt.Println("DNS settings restored")
			} else {
				fmt.Println("Nothing to restore")
			}
		},
	}

	// Service command group
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the system service",
	}

	serviceInstallCmd := &cobra.Command{
		Use:   "install",
		Short: "Install as a system service (requires root)",
		Run: func(cmd *cobra.Command, args []string) {
			requireElevated()
			if err := service.Install(); err != nil {
				exitWith("Install failed", err)
			}
		},
	}

	serviceUninstallCmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Uninstall the system service (requires root)",
		Run: func(cmd *cobra.Command, args []string) {
			requireElevated()
			if err := service.Uninstall(); err != nil {
				exitWith("Uninstall failed", err)
			}
		},
	}

	serviceStartCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the system service",
		Run: func(cmd *cobra.Command, args []string) {
			if err := service.Start(); err != nil {
				exitWith("Failed to start service", err)
			}
			fmt.Println("Service started")
		},
	}

	serviceStopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the system service",
		Run: func(cmd *cobra.Command, args []string) {
			if err := service.Stop(); err != nil {
				exitWith("Failed to stop service", err)
			}
			fmt.Println("Service stopped")
		},
	}

	serviceStatusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the system service state",
		Run: func(cmd *cobra.Command, args []string) {
			state, err := service.Status()
			if err != nil {
				exitWith("Error", err)
			}
			fmt.Println(state)
		},
	}

	// Autostart command group
	autostartCmd := &cobra.Command{
		Use:   "autostart <on|off>",
		Short: "Start the daemon on login",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			enabled, err := parseOnOff(args[0])
			if err != nil {
				exitWith("Error", err)
			}
			if err := system.SetAutostart(enabled); err != nil {
				exitWith("Failed to set autostart", err)
			}

			cfg, err := config.Load()
			if err != nil {
				exitWith("Error loading config", err)
			}
			cfg.Autostart = enabled
			saveConfig(cfg)
			fmt.Printf("Autostart: %v\n", system.IsAutostartEnabled())
		},
	}

	// Build command tree
	configCmd.AddCommand(configSetCmd, configShowCmd)
	forwarderCmd.AddCommand(forwarderAddCmd, forwarderListCmd, forwarderRemoveCmd)
	serviceCmd.AddCommand(serviceInstallCmd, serviceUninstallCmd, serviceStartCmd, serviceStopCmd, serviceStatusCmd)
	rootCmd.AddCommand(installCmd, removeCmd, flushCmd, showCmd)
	rootCmd.AddCommand(startCmd, stopCmd, statusCmd, configCmd, forwarderCmd)
	rootCmd.AddCommand(daemonCmd, dnsResetCmd, serviceCmd, autostartCmd)

	return rootCmd
}

func mustParseAddr(s string) netip.Addr {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid address %q: %v\n", s, err)
		os.Exit(1)
	}
	return addr.Unmap()
}

// mustPrimaryDNS builds a PrimaryDNS for the configured probe address on
// this platform's provider.
func mustPrimaryDNS() *system.PrimaryDNS {
	if !system.IsElevated() {
		fmt.Fprintln(os.Stderr, "Warning: not running elevated, changing DNS settings will likely fail")
	}

	cfg := loadConfig()
	probe, err := cfg.Probe()
	if err != nil {
		exitWith("Error", err)
	}

	provider, err := system.NewPlatformProvider()
	if err != nil {
		exitWith("Error", err)
	}
	return system.NewPrimaryDNS(provider, probe)
}

// loadConfig is for commands that only read the config. An unreadable
// file falls back to the defaults.
func loadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		log.Printf("Warning: failed to load config, using defaults: %v", err)
		return config.Default()
	}
	return cfg
}

func mustDaemon() *daemon.Client {
	client := daemon.NewClient()
	if !client.IsRunning() {
		fmt.Fprintf(os.Stderr, "Daemon not running. Start with: %s service start\n", os.Args[0])
		os.Exit(1)
	}
	return client
}

func requireElevated() {
	if !system.IsElevated() {
		fmt.Fprintln(os.Stderr, "This command requires administrator privileges.")
		os.Exit(1)
	}
}

func saveConfig(cfg *config.Config) {
	if err := cfg.Validate(); err != nil {
		exitWith("Invalid config", err)
	}
	if err := config.Save(cfg); err != nil {
		exitWith("Error saving config", err)
	}

	// A running daemon picks the change up immediately
	client := daemon.NewClient()
	if client.IsRunning() {
		if _, err := client.SetConfig(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: daemon rejected config: %v\n", err)
		}
	}
}

func exitWith(prefix string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %s\n", prefix, describeError(err))
	os.Exit(1)
}

// describeError adds a hint for the errors a user can act on.
func describeError(err error) string {
	var rq *system.RoutingQueryError
	var ce *system.CommitError
	switch {
	case errors.As(err, &rq):
		return fmt.Sprintf("%v (is the network up?)", err)
	case errors.Is(err, system.ErrNoMatchingAdapter):
		return fmt.Sprintf("%v (the outbound interface is not configurable)", err)
	case errors.As(err, &ce):
		return fmt.Sprintf("%v (administrator privileges required?)", err)
	default:
		return err.Error()
	}
}

func printCurrent(primary *system.PrimaryDNS) {
	iface, err := primary.Current()
	if err != nil {
		exitWith("Error", err)
	}
	fmt.Printf("Probe:      %s\n", primary.ProbeAddress())
	fmt.Printf("Interface:  %d (%s)\n", iface.Index, iface.Name)
	printServers(system.FormatServers(iface.DNSServers))
}

func printStatus(status *daemon.Status) {
	if status.Running {
		fmt.Printf("Resolver:   running on %s (%d queries, %d cached, %d failed)\n",
			status.Primary, status.Stats.QueriesTotal, status.Stats.CacheHits, status.Stats.QueriesFailed)
	} else {
		fmt.Println("Resolver:   stopped")
	}
	fmt.Printf("Installed:  %v\n", status.Installed)

	if status.Interface == nil {
		fmt.Printf("Interface:  %s\n", status.InterfaceError)
		return
	}
	fmt.Printf("Interface:  %d (%s)\n", status.Interface.Index, status.Interface.Name)
	printServers(status.Interface.DNSServers)
}

func printServers(servers []string) {
	if len(servers) == 0 {
		fmt.Println("DNS:        (none)")
		return
	}
	for i, s := range servers {
		label := "DNS:"
		if i > 0 {
			label = ""
		}
		fmt.Printf("%-11s %d. %s\n", label, i+1, s)
	}
}

func printForwarders(forwarders []config.Forwarder) {
	if len(forwarders) == 0 {
		return
	}
	fmt.Println("Forwarders:")
	for _, f := range forwarders {
		fmt.Printf("  %s → %s\n", f.Domain, f.Server)
	}
}

func setConfigValue(cfg *config.Config, key, value string) error {
	switch key {
	case "probe":
		cfg.ProbeAddress = value
	case "listen":
		cfg.Listen = value
	case "upstreams":
		var upstreams []string
		for _, u := range strings.Split(value, ",") {
			if u = strings.TrimSpace(u); u != "" {
				upstreams = append(upstreams, u)
			}
		}
		cfg.Upstreams = upstreams
	case "cache-size":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid cache size: %w", err)
		}
		cfg.CacheSize = n
	case "cache-ttl":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid cache ttl: %w", err)
		}
		cfg.CacheTTL = d
	default:
		return fmt.Errorf("unknown config key: %s", key)
	}
	return nil
}

func removeForwarder(forwarders []config.Forwarder, domain string) ([]config.Forwarder, bool) {
	out := make([]config.Forwarder, 0, len(forwarders))
	found := false
	for _, f := range forwarders {
		if f.Domain == domain {
			found = true
			continue
		}
		out = append(out, f)
	}
	return out, found
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "yes", "1":
		return true, nil
	case "off", "false", "no", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}
