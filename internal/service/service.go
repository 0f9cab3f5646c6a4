// Package service installs the daemon as a system service: a systemd unit
// on Linux, a launchd daemon on macOS and an SCM service on Windows.
package service

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"text/template"
)

const (
	// Name is the service name on every platform.
	Name = "primarydns"

	displayName  = "PrimaryDNS"
	description  = "Local DNS resolver installed as the primary DNS server"
	launchdLabel = "de.zkm.primarydns"

	unitPath  = "/etc/systemd/system/" + Name + ".service"
	plistPath = "/Library/LaunchDaemons/" + launchdLabel + ".plist"
)

const systemdUnit = `[Unit]
Description={{.Description}}
After=network-online.target systemd-resolved.service
Wants=network-online.target

[Service]
Type=simple
ExecStart={{.ExecPath}} daemon
ExecStopPost={{.ExecPath}} dns-reset
Restart=on-failure
RestartSec=5

[Install]
WantedBy=multi-user.target
`

const launchdPlist = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.ExecPath}}</string>
        <string>daemon</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
</dict>
</plist>
`

// unitData fills the unit and plist templates.
type unitData struct {
	ExecPath    string
	Description string
	Label       string
}

func renderUnit(w io.Writer, tmpl, execPath string) error {
	t, err := template.New("unit").Parse(tmpl)
	if err != nil {
		return fmt.Errorf("failed to parse template: %w", err)
	}
	return t.Execute(w, unitData{
		ExecPath:    execPath,
		Description: description,
		Label:       launchdLabel,
	})
}

// Install installs the service
func Install() error {
	exe, err := executable()
	if err != nil {
		return err
	}

	switch runtime.GOOS {
	case "linux":
		return installLinux(exe)
	case "darwin":
		return installDarwin(exe)
	case "windows":
		return installWindows(exe)
	default:
		return fmt.Errorf("unsupported OS: %s", runtime.GOOS)
	}
}

// Uninstall removes the service
func Uninstall() error {
	switch runtime.GOOS {
	case "linux":
		return uninstallLinux()
	case "darwin":
		return uninstallDarwin()
	case "windows":
		return uninstallWindows()
	default:
		return fmt.Errorf("unsupported OS: %s", runtime.GOOS)
	}
}

// Start starts the service
func Start() error {
	switch runtime.GOOS {
	case "linux":
		return runCmd("systemctl", "start", Name)
	case "darwin":
		return runCmd("launchctl", "load", plistPath)
	case "windows":
		return startWindows()
	default:
		return fmt.Errorf("unsupported OS: %s", runtime.GOOS)
	}
}

// Stop stops the service
func Stop() error {
	switch runtime.GOOS {
	case "linux":
		return runCmd("systemctl", "stop", Name)
	case "darwin":
		return runCmd("launchctl", "unload", plistPath)
	case "windows":
		return stopWindows()
	default:
		return fmt.Errorf("unsupported OS: %s", runtime.GOOS)
	}
}

// Status returns the service status
func Status() (string, error) {
	switch runtime.GOOS {
	case "linux":
		out, err := exec.Command("systemctl", "is-active", Name).Output()
		if err != nil && len(out) == 0 {
			return "not installed", nil
		}
		return strings.TrimSpace(string(out)), nil
	case "darwin":
		if _, err := exec.Command("launchctl", "list", launchdLabel).Output(); err != nil {
			return "not loaded", nil
		}
		return "loaded", nil
	case "windows":
		return statusWindows()
	default:
		return "", fmt.Errorf("unsupported OS: %s", runtime.GOOS)
	}
}

func executable() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to get executable path: %w", err)
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return "", fmt.Errorf("failed to resolve symlinks: %w", err)
	}
	return exe, nil
}

// installBinary copies exe to dest unless it already runs from there.
func installBinary(exe, dest string) error {
	if exe == dest {
		return nil
	}
	input, err := os.ReadFile(exe)
	if err != nil {
		return fmt.Errorf("failed to read binary: %w", err)
	}
	if err := os.WriteFile(dest, input, 0755); err != nil {
		return fmt.Errorf("failed to copy binary to %s: %w", dest, err)
	}
	fmt.Printf("Installed binary to %s\n", dest)
	return nil
}

func writeUnit(path, tmpl, execPath string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	if err := renderUnit(f, tmpl, execPath); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func installLinux(exe string) error {
	destPath := "/usr/bin/" + Name
	if err := installBinary(exe, destPath); err != nil {
		return err
	}

	if err := writeUnit(unitPath, systemdUnit, destPath); err != nil {
		return err
	}
	fmt.Printf("Created systemd unit at %s\n", unitPath)

	if err := runCmd("systemctl", "daemon-reload"); err != nil {
		return err
	}
	if err := runCmd("systemctl", "enable", Name); err != nil {
		return err
	}

	fmt.Println("Service installed and enabled")
	fmt.Printf("Start with: sudo systemctl start %s\n", Name)
	return nil
}

func uninstallLinux() error {
	runCmd("systemctl", "stop", Name)
	runCmd("systemctl", "disable", Name)
	os.Remove(unitPath)
	runCmd("systemctl", "daemon-reload")
	os.Remove("/usr/bin/" + Name)
	fmt.Println("Service uninstalled")
	return nil
}

func installDarwin(exe string) error {
	destPath := "/usr/local/bin/" + Name
	if err := installBinary(exe, destPath); err != nil {
		return err
	}

	if err := writeUnit(plistPath, launchdPlist, destPath); err != nil {
		return err
	}
	fmt.Printf("Created launchd plist at %s\n", plistPath)

	fmt.Println("Service installed")
	fmt.Printf("Start with: sudo launchctl load %s\n", plistPath)
	return nil
}

func uninstallDarwin() error {
	runCmd("launchctl", "unload", plistPath)
	os.Remove(plistPath)
	os.Remove("/usr/local/bin/" + Name)
	fmt.Println("Service uninstalled")
	return nil
}

func runCmd(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
