package system

import (
	"net/netip"
)

// fakeProvider is an in-memory NetworkProvider that records writes.
type fakeProvider struct {
	best       uint32
	bestErr    error
	listErr    error
	setErr     error
	dnsErr     error
	interfaces []Interface

	// configurable is the configuration store's view; nil means every
	// enumerated interface is configurable.
	configurable map[uint32]bool

	writes   []fakeWrite
	flushes  int
	dnsReads []uint32
}

type fakeWrite struct {
	index   uint32
	servers []netip.Addr
}

func newFakeProvider(index uint32, servers ...string) *fakeProvider {
	return &fakeProvider{
		best: index,
		interfaces: []Interface{
			{Index: 1, Name: "loopback"},
			{Index: index, Name: "Ethernet", DNSServers: addrs(servers...)},
		},
	}
}

func addrs(s ...string) []netip.Addr {
	out := make([]netip.Addr, 0, len(s))
	for _, a := range s {
		out = append(out, netip.MustParseAddr(a))
	}
	return out
}

func (f *fakeProvider) BestInterface(netip.Addr) (uint32, error) {
	if f.bestErr != nil {
		return 0, f.bestErr
	}
	return f.best, nil
}

func (f *fakeProvider) Interfaces() ([]Interface, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	// Lists are only served through DNSServers, as the real providers do.
	out := make([]Interface, len(f.interfaces))
	for i, iface := range f.interfaces {
		out[i] = Interface{Index: iface.Index, Name: iface.Name}
	}
	return out, nil
}

func (f *fakeProvider) DNSServers(index uint32) ([]netip.Addr, error) {
	f.dnsReads = append(f.dnsReads, index)
	if f.dnsErr != nil {
		return nil, f.dnsErr
	}
	for _, iface := range f.interfaces {
		if iface.Index == index {
			return append([]netip.Addr(nil), iface.DNSServers...), nil
		}
	}
	return nil, ErrNoMatchingAdapter
}

func (f *fakeProvider) SetDNSServers(index uint32, servers []netip.Addr) (bool, error) {
	if f.setErr != nil {
		return true, f.setErr
	}
	if f.configurable != nil && !f.configurable[index] {
		return false, nil
	}
	for i := range f.interfaces {
		if f.interfaces[i].Index == index {
			f.writes = append(f.writes, fakeWrite{index: index, servers: servers})
			f.interfaces[i].DNSServers = append([]netip.Addr(nil), servers...)
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeProvider) FlushCache() {
	f.flushes++
}

func (f *fakeProvider) servers(index uint32) []netip.Addr {
	for _, iface := range f.interfaces {
		if iface.Index == index {
			return append([]netip.Addr(nil), iface.DNSServers...)
		}
	}
	return nil
}
