// Package system resolves the interface that carries outbound traffic and
// edits the primary slot of its DNS server list.
//
// This file implements the persistent record of an installed primary that
// survives crashes. If the daemon is killed while its resolver is the
// primary DNS, the next start (or `dns-reset`) removes it again.
package system

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// DNSBackup records a primary DNS address installed by us.
type DNSBackup struct {
	CreatedAt      time.Time `yaml:"created_at"`
	Address        string    `yaml:"address"`
	InterfaceIndex uint32    `yaml:"interface_index"`
	InterfaceName  string    `yaml:"interface_name,omitempty"`

	// Servers is the list as it was before the install.
	Servers []string `yaml:"servers,omitempty"`
}

// BackupDir is where the backup file lives. Overridden in tests.
var BackupDir = defaultBackupDir()

func defaultBackupDir() string {
	switch runtime.GOOS {
	case "darwin":
		return "/Library/Application Support/PrimaryDNS"
	case "windows":
		return filepath.Join(os.Getenv("PROGRAMDATA"), "PrimaryDNS")
	default:
		return "/var/lib/primarydns"
	}
}

func backupFilePath() string {
	return filepath.Join(BackupDir, "dns-backup.yaml")
}

// SaveBackup persists the DNS backup to disk
func SaveBackup(backup *DNSBackup) error {
	if err := os.MkdirAll(BackupDir, 0755); err != nil {
		return err
	}
	backup.CreatedAt = time.Now()

	data, err := yaml.Marshal(backup)
	if err != nil {
		return err
	}
	return os.WriteFile(backupFilePath(), data, 0644)
}

// LoadBackup loads the DNS backup from disk. It returns nil, nil when no
// backup exists.
func LoadBackup() (*DNSBackup, error) {
	data, err := os.ReadFile(backupFilePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var backup DNSBackup
	if err := yaml.Unmarshal(data, &backup); err != nil {
		return nil, err
	}
	return &backup, nil
}

// ClearBackup removes the backup file (called after successful restore)
func ClearBackup() error {
	err := os.Remove(backupFilePath())
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// HasPendingRestore checks if there's a backup that needs to be restored
func HasPendingRestore() bool {
	backup, err := LoadBackup()
	return err == nil && backup != nil
}

// BackupInstall records that addr was installed on iface.
func BackupInstall(iface *Interface, addr netip.Addr) error {
	return SaveBackup(&DNSBackup{
		Address:        addr.String(),
		InterfaceIndex: iface.Index,
		InterfaceName:  iface.Name,
		Servers:        FormatServers(iface.DNSServers),
	})
}

// RestoreFromBackupIfNeeded removes a primary left behind by a previous
// run and clears the backup. Call this on startup.
func RestoreFromBackupIfNeeded(p *PrimaryDNS) (bool, error) {
	backup, err := LoadBackup()
	if err != nil {
		return false, fmt.Errorf("failed to load DNS backup: %w", err)
	}
	if backup == nil {
		return false, nil
	}

	addr, err := netip.ParseAddr(backup.Address)
	if err != nil {
		ClearBackup()
		return false, fmt.Errorf("invalid address in DNS backup: %w", err)
	}

	if err := p.Remove(addr); err != nil {
		if errors.Is(err, ErrUnsupportedPlatform) {
			ClearBackup()
		}
		return false, err
	}
	p.FlushCache()

	return true, ClearBackup()
}
