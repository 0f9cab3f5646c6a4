package system

import (
	"errors"
	"fmt"
	"net/netip"
)

var (
	// ErrNoMatchingAdapter is returned when the routing table resolves to an
	// interface index that the interface enumeration does not know.
	ErrNoMatchingAdapter = errors.New("no suitable network adapter found for DNS configuration")

	// ErrUnsupportedPlatform is returned by the provider on platforms
	// without a DNS configuration backend.
	ErrUnsupportedPlatform = errors.New("DNS configuration is not supported on this platform")
)

// RoutingQueryError reports a failed best-route lookup.
type RoutingQueryError struct {
	Dest netip.Addr
	Code uint32 // platform status code, 0 if the platform gave none
	Err  error
}

func (e *RoutingQueryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("routing query for %s failed (status %d): %v", e.Dest, e.Code, e.Err)
	}
	return fmt.Sprintf("routing query for %s failed (status %d)", e.Dest, e.Code)
}

func (e *RoutingQueryError) Unwrap() error {
	return e.Err
}

// CommitError reports that the configuration store rejected a new DNS list,
// most commonly for lack of administrative privileges.
type CommitError struct {
	Index uint32
	Err   error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("failed to set DNS servers for interface %d: %v", e.Index, e.Err)
}

func (e *CommitError) Unwrap() error {
	return e.Err
}
