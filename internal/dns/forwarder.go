package dns

import (
	"net"
	"sort"
	"strings"

	"github.com/zkmkarlsruhe/primarydns/internal/config"
)

// ForwarderMatcher picks the split DNS server for a query name. The most
// specific rule wins.
type ForwarderMatcher struct {
	rules []forwarderRule
}

type forwarderRule struct {
	suffix  string // lower case, no trailing dot
	server  string // host:port
	subOnly bool   // "*.zone" matches below the zone but not the zone itself
}

// NewForwarderMatcher creates a new forwarder matcher
func NewForwarderMatcher(forwarders []config.Forwarder) *ForwarderMatcher {
	rules := make([]forwarderRule, 0, len(forwarders))
	for _, f := range forwarders {
		suffix := strings.ToLower(strings.TrimSuffix(strings.TrimSpace(f.Domain), "."))
		subOnly := strings.HasPrefix(suffix, "*.")
		suffix = strings.TrimPrefix(suffix, "*.")
		if suffix == "" {
			continue
		}
		rules = append(rules, forwarderRule{
			suffix:  suffix,
			server:  withDefaultPort(f.Server),
			subOnly: subOnly,
		})
	}

	sort.SliceStable(rules, func(i, j int) bool {
		return len(rules[i].suffix) > len(rules[j].suffix)
	})

	return &ForwarderMatcher{rules: rules}
}

// Match returns the server for domain, or "" if no rule matches.
func (m *ForwarderMatcher) Match(domain string) string {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))

	for _, rule := range m.rules {
		if strings.HasSuffix(domain, "."+rule.suffix) {
			return rule.server
		}
		if domain == rule.suffix && !rule.subOnly {
			return rule.server
		}
	}
	return ""
}

// withDefaultPort appends :53 to a bare address.
func withDefaultPort(server string) string {
	if _, _, err := net.SplitHostPort(server); err == nil {
		return server
	}
	return net.JoinHostPort(strings.Trim(server, "[]"), "53")
}
