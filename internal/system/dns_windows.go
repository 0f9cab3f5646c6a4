//go:build windows

package system

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"net/netip"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"
	"golang.zx2c4.com/wireguard/windows/tunnel/winipcfg"
)

var (
	iphlpapi             = windows.NewLazySystemDLL("iphlpapi.dll")
	procGetBestInterface = iphlpapi.NewProc("GetBestInterface")

	dnsapi                    = windows.NewLazySystemDLL("dnsapi.dll")
	procDnsFlushResolverCache = dnsapi.NewProc("DnsFlushResolverCache")
)

const (
	// CREATE_NO_WINDOW
	createNoWindow = 0x08000000

	interfaceConfigPath       = `SYSTEM\CurrentControlSet\Services\Tcpip\Parameters\Interfaces`
	interfaceConfigNameServer = "NameServer"
)

type windowsProvider struct{}

// NewPlatformProvider returns the Windows network provider.
func NewPlatformProvider() (NetworkProvider, error) {
	return windowsProvider{}, nil
}

func (windowsProvider) BestInterface(dest netip.Addr) (uint32, error) {
	if !dest.Is4() {
		return 0, &RoutingQueryError{Dest: dest, Err: fmt.Errorf("not an IPv4 address")}
	}

	// GetBestInterface takes the IPAddr in network order as it lies in memory.
	b := dest.As4()
	var index uint32
	ret, _, _ := procGetBestInterface.Call(
		uintptr(binary.NativeEndian.Uint32(b[:])),
		uintptr(unsafe.Pointer(&index)),
	)
	if ret != 0 {
		return 0, &RoutingQueryError{Dest: dest, Code: uint32(ret), Err: syscall.Errno(ret)}
	}
	return index, nil
}

func (windowsProvider) Interfaces() ([]Interface, error) {
	adapters, err := adapterAddresses()
	if err != nil {
		return nil, err
	}

	interfaces := make([]Interface, 0, len(adapters))
	for _, aa := range adapters {
		interfaces = append(interfaces, Interface{
			Index: aa.IfIndex,
			Name:  windows.UTF16PtrToString(aa.FriendlyName),
		})
	}
	return interfaces, nil
}

func (windowsProvider) DNSServers(index uint32) ([]netip.Addr, error) {
	luid, err := winipcfg.LUIDFromIndex(index)
	if err != nil {
		return nil, fmt.Errorf("failed to get LUID for interface %d: %w", index, err)
	}
	dnsServers, err := luid.DNS()
	if err != nil {
		return nil, fmt.Errorf("failed to get DNS for interface %d: %w", index, err)
	}

	servers := make([]netip.Addr, 0, len(dnsServers))
	for _, server := range dnsServers {
		addr, err := netip.ParseAddr(server.String())
		if err != nil {
			continue
		}
		// The search order we commit is the IPv4 one.
		if addr = addr.Unmap(); addr.Is4() {
			servers = append(servers, addr)
		}
	}
	return servers, nil
}

func (windowsProvider) SetDNSServers(index uint32, servers []netip.Addr) (bool, error) {
	configurable, err := configurableInterfaces()
	if err != nil {
		return false, err
	}
	if !configurable[index] {
		return false, nil
	}

	guid, err := adapterGUID(index)
	if err != nil {
		return true, err
	}

	path := interfaceConfigPath + `\` + guid
	key, err := registry.OpenKey(registry.LOCAL_MACHINE, path, registry.SET_VALUE)
	if err != nil {
		return true, fmt.Errorf("open HKEY_LOCAL_MACHINE\\%s: %w", path, err)
	}
	defer key.Close()

	// The whole search order is one value, so the list is replaced in a
	// single write. An empty value falls back to the DHCP servers.
	if err := key.SetStringValue(interfaceConfigNameServer, nameServerValue(servers)); err != nil {
		return true, fmt.Errorf("set %s: %w", interfaceConfigNameServer, err)
	}
	return true, nil
}

func (windowsProvider) FlushCache() {
	// Call may panic if the export is missing.
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("Warning: DnsFlushResolverCache panicked: %v", rec)
		}
	}()
	procDnsFlushResolverCache.Call()
}

// adapterAddresses returns the IPv4 adapter list from GetAdaptersAddresses.
func adapterAddresses() ([]*windows.IpAdapterAddresses, error) {
	var b []byte
	l := uint32(15000)
	for {
		b = make([]byte, l)
		err := windows.GetAdaptersAddresses(windows.AF_INET, windows.GAA_FLAG_INCLUDE_PREFIX, 0,
			(*windows.IpAdapterAddresses)(unsafe.Pointer(&b[0])), &l)
		if err == nil {
			if l == 0 {
				return nil, nil
			}
			break
		}
		if !errors.Is(err, windows.ERROR_BUFFER_OVERFLOW) {
			return nil, os.NewSyscallError("getadaptersaddresses", err)
		}
		if l <= uint32(len(b)) {
			return nil, os.NewSyscallError("getadaptersaddresses", err)
		}
	}

	var adapters []*windows.IpAdapterAddresses
	for aa := (*windows.IpAdapterAddresses)(unsafe.Pointer(&b[0])); aa != nil; aa = aa.Next {
		adapters = append(adapters, aa)
	}
	return adapters, nil
}

// adapterGUID returns the adapter name (its GUID) used as the Tcpip
// parameters key.
func adapterGUID(index uint32) (string, error) {
	adapters, err := adapterAddresses()
	if err != nil {
		return "", err
	}
	for _, aa := range adapters {
		if aa.IfIndex == index {
			return windows.BytePtrToString(aa.AdapterName), nil
		}
	}
	return "", fmt.Errorf("interface %d: %w", index, ErrNoMatchingAdapter)
}

// configurableInterfaces returns the interface indices netsh can configure.
func configurableInterfaces() (map[uint32]bool, error) {
	cmd := hideWindow(exec.Command("netsh", "interface", "ipv4", "show", "interfaces"))
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list interfaces: %w", err)
	}

	interfaces := make(map[uint32]bool)
	for _, line := range strings.Split(string(output), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		idx, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			continue
		}
		interfaces[uint32(idx)] = true
	}
	return interfaces, nil
}

// hideWindow configures the command to run without showing a console window.
func hideWindow(cmd *exec.Cmd) *exec.Cmd {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: createNoWindow,
	}
	return cmd
}
