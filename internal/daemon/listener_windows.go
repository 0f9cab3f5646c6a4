//go:build windows

package daemon

import (
	"fmt"
	"net"
	"time"

	"github.com/Microsoft/go-winio"
)

// SocketPath is the daemon's control pipe.
var SocketPath = `\\.\pipe\primarydns`

// Everyone and the owner get full access so an unelevated CLI can reach the
// service.
const pipeSecurityDescriptor = "D:(A;;GA;;;WD)(A;;GA;;;OW)"

func createListener(path string) (net.Listener, error) {
	listener, err := winio.ListenPipe(path, &winio.PipeConfig{
		SecurityDescriptor: pipeSecurityDescriptor,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to listen on named pipe: %w", err)
	}
	return listener, nil
}

// Named pipes vanish with their last handle.
func cleanupListener(string) {}

func dial(path string, timeout time.Duration) (net.Conn, error) {
	return winio.DialPipe(path, &timeout)
}
