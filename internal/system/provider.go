package system

import "net/netip"

// Interface is one local network adapter as seen by the platform's
// interface enumeration.
type Interface struct {
	Index      uint32       // IPv4 interface index
	Name       string       // friendly name, informational only
	DNSServers []netip.Addr // ordered; position 0 is the primary
}

// NetworkProvider is the platform's routing and network configuration
// surface. Implementations talk to the live OS; every call reads or writes
// current state and nothing is cached between calls.
type NetworkProvider interface {
	// BestInterface returns the index of the interface the routing table
	// would use to reach dest.
	BestInterface(dest netip.Addr) (uint32, error)

	// Interfaces enumerates all local interfaces. DNSServers may be left
	// empty; the selector reads the chosen interface's list via DNSServers.
	Interfaces() ([]Interface, error)

	// DNSServers returns the ordered DNS list of the interface with the
	// given index.
	DNSServers(index uint32) ([]netip.Addr, error)

	// SetDNSServers replaces the ordered DNS list of the adapter with the
	// given index in the configuration store. It reports false when the
	// configuration store has no adapter with that index.
	SetDNSServers(index uint32, servers []netip.Addr) (bool, error)

	// FlushCache invalidates the OS resolver cache. Best effort.
	FlushCache()
}
