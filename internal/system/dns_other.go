//go:build !windows && !linux

package system

import "net/netip"

type unsupportedProvider struct{}

// NewPlatformProvider returns a provider that fails every operation.
func NewPlatformProvider() (NetworkProvider, error) {
	return unsupportedProvider{}, ErrUnsupportedPlatform
}

func (unsupportedProvider) BestInterface(netip.Addr) (uint32, error) {
	return 0, ErrUnsupportedPlatform
}

func (unsupportedProvider) Interfaces() ([]Interface, error) {
	return nil, ErrUnsupportedPlatform
}

func (unsupportedProvider) DNSServers(uint32) ([]netip.Addr, error) {
	return nil, ErrUnsupportedPlatform
}

func (unsupportedProvider) SetDNSServers(uint32, []netip.Addr) (bool, error) {
	return false, ErrUnsupportedPlatform
}

func (unsupportedProvider) FlushCache() {}
