package system

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/emersion/go-autostart"
)

// autostartEntry is the login item. It runs unprivileged and only asks the
// installed service to enable the resolver; the service itself runs the
// privileged daemon.
func autostartEntry() *autostart.App {
	return &autostart.App{
		Name:        "primarydns",
		DisplayName: "PrimaryDNS resolver",
		Exec:        []string{installedBinary(), "start"},
	}
}

// installedBinary prefers the running binary and falls back to where
// `service install` puts it.
func installedBinary() string {
	if exe, err := os.Executable(); err == nil {
		if resolved, err := filepath.EvalSymlinks(exe); err == nil {
			return resolved
		}
		return exe
	}

	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("PROGRAMFILES"), "PrimaryDNS", "primarydns.exe")
	case "darwin":
		return "/usr/local/bin/primarydns"
	default:
		return "/usr/bin/primarydns"
	}
}

// SetAutostart adds or removes the login item. Removing a missing item is
// not an error.
func SetAutostart(enabled bool) error {
	entry := autostartEntry()
	if enabled {
		return entry.Enable()
	}
	if !entry.IsEnabled() {
		return nil
	}
	return entry.Disable()
}

// IsAutostartEnabled reports whether the login item exists.
func IsAutostartEnabled() bool {
	return autostartEntry().IsEnabled()
}
