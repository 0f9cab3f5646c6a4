package system

import (
	"errors"
	"fmt"
	"log"
	"net/netip"
)

// DefaultProbeAddress is the public IPv4 address used to ask the routing
// table which interface carries outbound traffic. Nothing is ever sent to it.
var DefaultProbeAddress = netip.MustParseAddr("183.232.231.172")

// PrimaryDNS installs and removes a resolver address in the primary slot of
// the DNS list of the interface that routes to the probe address.
//
// PrimaryDNS holds no state besides its provider and performs no locking.
// Concurrent Install/Remove calls against the same adapter race; callers
// serialize them.
type PrimaryDNS struct {
	provider NetworkProvider
	probe    netip.Addr
}

// NewPrimaryDNS creates a PrimaryDNS that selects interfaces by routing to
// probe. An invalid probe falls back to DefaultProbeAddress.
func NewPrimaryDNS(provider NetworkProvider, probe netip.Addr) *PrimaryDNS {
	if !probe.IsValid() {
		probe = DefaultProbeAddress
	}
	return &PrimaryDNS{
		provider: provider,
		probe:    probe,
	}
}

// Provider returns the underlying network provider.
func (p *PrimaryDNS) Provider() NetworkProvider {
	return p.provider
}

// ProbeAddress returns the destination used for interface selection.
func (p *PrimaryDNS) ProbeAddress() netip.Addr {
	return p.probe
}

// SelectInterface returns the interface the OS would use to reach dest,
// with its DNS list read fresh from the provider.
func (p *PrimaryDNS) SelectInterface(dest netip.Addr) (*Interface, error) {
	index, err := p.provider.BestInterface(dest)
	if err != nil {
		var rq *RoutingQueryError
		if errors.As(err, &rq) {
			return nil, err
		}
		return nil, &RoutingQueryError{Dest: dest, Err: err}
	}

	interfaces, err := p.provider.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate interfaces: %w", err)
	}

	for i := range interfaces {
		if interfaces[i].Index != index {
			continue
		}
		iface := interfaces[i]
		servers, err := p.Servers(index)
		if err != nil {
			return nil, fmt.Errorf("failed to read DNS servers of interface %d: %w", index, err)
		}
		iface.DNSServers = servers
		return &iface, nil
	}

	return nil, fmt.Errorf("interface %d: %w", index, ErrNoMatchingAdapter)
}

// Current returns the interface selected for the probe address.
func (p *PrimaryDNS) Current() (*Interface, error) {
	return p.SelectInterface(p.probe)
}

// Servers returns the current DNS list of the interface with the given index.
func (p *PrimaryDNS) Servers(index uint32) ([]netip.Addr, error) {
	return p.provider.DNSServers(index)
}

// Install makes addr the primary DNS server of the probe interface. The
// previous primary becomes the secondary and nothing is dropped. It is a
// no-op when addr is already primary.
func (p *PrimaryDNS) Install(addr netip.Addr) error {
	iface, err := p.Current()
	if err != nil {
		return err
	}

	if IsPrimary(iface.DNSServers, addr) {
		return nil
	}

	log.Printf("Installing %s as primary DNS on interface %d (%s)", addr, iface.Index, iface.Name)
	return p.apply(iface, WithPrimary(iface.DNSServers, addr))
}

// Remove drops addr from the primary slot of the probe interface. It is a
// no-op when addr is not the primary.
func (p *PrimaryDNS) Remove(addr netip.Addr) error {
	iface, err := p.Current()
	if err != nil {
		return err
	}

	if !IsPrimary(iface.DNSServers, addr) {
		return nil
	}

	log.Printf("Removing %s as primary DNS from interface %d (%s)", addr, iface.Index, iface.Name)
	return p.apply(iface, WithoutPrimary(iface.DNSServers))
}

// FlushCache invalidates the OS resolver cache. Failures are not reported.
func (p *PrimaryDNS) FlushCache() {
	p.provider.FlushCache()
}

func (p *PrimaryDNS) apply(iface *Interface, servers []netip.Addr) error {
	applied, err := p.commit(iface.Index, servers)
	if err != nil {
		return err
	}
	if !applied {
		// The configuration store enumerates adapters on its own and may
		// disagree with the routing table. Reported, not failed.
		log.Printf("Warning: no configurable adapter with index %d, DNS unchanged", iface.Index)
	}
	return nil
}

func (p *PrimaryDNS) commit(index uint32, servers []netip.Addr) (bool, error) {
	applied, err := p.provider.SetDNSServers(index, servers)
	if err != nil {
		return applied, &CommitError{Index: index, Err: err}
	}
	return applied, nil
}

// IsPrimary reports whether addr occupies position 0 of servers.
func IsPrimary(servers []netip.Addr, addr netip.Addr) bool {
	return len(servers) > 0 && servers[0] == addr
}

// WithPrimary returns a new list with addr in front of all of servers.
func WithPrimary(servers []netip.Addr, addr netip.Addr) []netip.Addr {
	out := make([]netip.Addr, 0, len(servers)+1)
	out = append(out, addr)
	return append(out, servers...)
}

// WithoutPrimary returns a new list with the first element of servers
// dropped.
func WithoutPrimary(servers []netip.Addr) []netip.Addr {
	if len(servers) == 0 {
		return []netip.Addr{}
	}
	out := make([]netip.Addr, len(servers)-1)
	copy(out, servers[1:])
	return out
}

// FormatServers renders a DNS list the way the configuration store
// receives it.
func FormatServers(servers []netip.Addr) []string {
	out := make([]string, len(servers))
	for i, s := range servers {
		out[i] = s.String()
	}
	return out
}
