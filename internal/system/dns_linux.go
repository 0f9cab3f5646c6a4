//go:build linux

package system

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/netip"
	"syscall"
	"time"

	dbus "github.com/godbus/dbus/v5"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

const (
	resolvedDest            = "org.freedesktop.resolve1"
	resolvedObjectNode      = "/org/freedesktop/resolve1"
	resolvedManagerIface    = "org.freedesktop.resolve1.Manager"
	resolvedGetLinkMethod   = resolvedManagerIface + ".GetLink"
	resolvedFlushCaches     = resolvedManagerIface + ".FlushCaches"
	resolvedLinkIface       = "org.freedesktop.resolve1.Link"
	resolvedLinkDNSProperty = resolvedLinkIface + ".DNS"
	resolvedSetDNSMethod    = resolvedLinkIface + ".SetDNS"

	resolvedCallTimeout = 5 * time.Second
)

// resolvedDNS maps to the (iay) entries of Link.DNS and Link.SetDNS.
type resolvedDNS struct {
	Family  int32
	Address []byte
}

// linuxProvider routes with netlink and keeps DNS lists in systemd-resolved.
type linuxProvider struct{}

// NewPlatformProvider returns the Linux network provider.
func NewPlatformProvider() (NetworkProvider, error) {
	return linuxProvider{}, nil
}

func (linuxProvider) BestInterface(dest netip.Addr) (uint32, error) {
	routes, err := netlink.RouteGet(dest.AsSlice())
	if err != nil {
		var errno syscall.Errno
		if errors.As(err, &errno) {
			return 0, &RoutingQueryError{Dest: dest, Code: uint32(errno), Err: err}
		}
		return 0, &RoutingQueryError{Dest: dest, Err: err}
	}
	if len(routes) == 0 || routes[0].LinkIndex <= 0 {
		return 0, &RoutingQueryError{Dest: dest, Err: fmt.Errorf("no route")}
	}
	return uint32(routes[0].LinkIndex), nil
}

func (linuxProvider) Interfaces() ([]Interface, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}

	interfaces := make([]Interface, 0, len(links))
	for _, link := range links {
		attrs := link.Attrs()
		interfaces = append(interfaces, Interface{
			Index: uint32(attrs.Index),
			Name:  attrs.Name,
		})
	}
	return interfaces, nil
}

func (linuxProvider) DNSServers(index uint32) ([]netip.Addr, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}

	link, err := resolvedLink(conn, index)
	if err != nil {
		return nil, err
	}

	variant, err := conn.Object(resolvedDest, link).GetProperty(resolvedLinkDNSProperty)
	if err != nil {
		return nil, fmt.Errorf("get link DNS: %w", err)
	}

	var entries []resolvedDNS
	if err := dbus.Store([]interface{}{variant.Value()}, &entries); err != nil {
		return nil, fmt.Errorf("decode link DNS: %w", err)
	}

	servers := make([]netip.Addr, 0, len(entries))
	for _, entry := range entries {
		if addr, ok := netip.AddrFromSlice(entry.Address); ok {
			servers = append(servers, addr.Unmap())
		}
	}
	return servers, nil
}

func (linuxProvider) SetDNSServers(index uint32, servers []netip.Addr) (bool, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return false, fmt.Errorf("connect to system bus: %w", err)
	}

	link, err := resolvedLink(conn, index)
	if err != nil {
		log.Printf("Warning: systemd-resolved has no link %d: %v", index, err)
		return false, nil
	}

	entries := make([]resolvedDNS, 0, len(servers))
	for _, server := range servers {
		family := unix.AF_INET
		if server.Is6() {
			family = unix.AF_INET6
		}
		entries = append(entries, resolvedDNS{
			Family:  int32(family),
			Address: server.AsSlice(),
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), resolvedCallTimeout)
	defer cancel()

	if err := conn.Object(resolvedDest, link).CallWithContext(ctx, resolvedSetDNSMethod, 0, entries).Store(); err != nil {
		return true, fmt.Errorf("set DNS servers: %w", err)
	}
	return true, nil
}

func (linuxProvider) FlushCache() {
	conn, err := dbus.SystemBus()
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), resolvedCallTimeout)
	defer cancel()

	conn.Object(resolvedDest, resolvedObjectNode).CallWithContext(ctx, resolvedFlushCaches, 0)
}

// resolvedLink returns the systemd-resolved object path of a link.
func resolvedLink(conn *dbus.Conn, index uint32) (dbus.ObjectPath, error) {
	ctx, cancel := context.WithTimeout(context.Background(), resolvedCallTimeout)
	defer cancel()

	var link dbus.ObjectPath
	obj := conn.Object(resolvedDest, resolvedObjectNode)
	if err := obj.CallWithContext(ctx, resolvedGetLinkMethod, 0, int32(index)).Store(&link); err != nil {
		return "", fmt.Errorf("get link: %w", err)
	}
	return link, nil
}
