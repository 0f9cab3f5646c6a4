//go:build !windows

package daemon

import (
	"fmt"
	"net"
	"os"
	"time"
)

// SocketPath is the daemon's control socket.
var SocketPath = "/var/run/primarydns.sock"

func createListener(path string) (net.Listener, error) {
	// Remove a socket left over from a previous run
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to create socket: %w", err)
	}

	// Let unprivileged clients talk to the root daemon
	if err := os.Chmod(path, 0666); err != nil {
		listener.Close()
		return nil, fmt.Errorf("failed to set socket permissions: %w", err)
	}

	return listener, nil
}

func cleanupListener(path string) {
	os.Remove(path)
}

func dial(path string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("unix", path, timeout)
}
