package system

import (
	"net/netip"
	"strings"
)

// nameServerValue renders a whole DNS search order as the single
// comma-separated value stored per interface. An empty list yields "",
// which hands the interface back to DHCP-provided servers.
func nameServerValue(servers []netip.Addr) string {
	return strings.Join(FormatServers(servers), ",")
}
