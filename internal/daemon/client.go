package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/zkmkarlsruhe/primarydns/internal/config"
)

const (
	dialTimeout    = 5 * time.Second
	requestTimeout = 10 * time.Second
)

// Client talks to the daemon over its control socket.
type Client struct {
	socketPath string
	dial       func(path string, timeout time.Duration) (net.Conn, error)
}

// NewClient creates a new daemon client
func NewClient() *Client {
	return &Client{socketPath: SocketPath, dial: dial}
}

// send sends a request to the daemon and returns the response
func (c *Client) send(req Request) (*Response, error) {
	conn, err := c.dial(c.socketPath, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon: %w (is it running?)", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(requestTimeout))

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if !resp.Success {
		return nil, errors.New(resp.Error)
	}
	return &resp, nil
}

// Ping checks if the daemon is running
func (c *Client) Ping() error {
	_, err := c.send(Request{Action: "ping"})
	return err
}

// IsRunning checks if the daemon is reachable
func (c *Client) IsRunning() bool {
	return c.Ping() == nil
}

// Enable starts the resolver and installs it as primary DNS.
func (c *Client) Enable() (*Status, error) {
	resp, err := c.send(Request{Action: "enable"})
	if err != nil {
		return nil, err
	}
	return resp.Status, nil
}

// Disable removes the primary DNS and stops the resolver.
func (c *Client) Disable() (*Status, error) {
	resp, err := c.send(Request{Action: "disable"})
	if err != nil {
		return nil, err
	}
	return resp.Status, nil
}

// Status returns the current daemon status
func (c *Client) Status() (*Status, error) {
	resp, err := c.send(Request{Action: "status"})
	if err != nil {
		return nil, err
	}
	return resp.Status, nil
}

// Flush clears the resolver cache and the OS resolver cache.
func (c *Client) Flush() error {
	_, err := c.send(Request{Action: "flush"})
	return err
}

// GetConfig returns the current configuration
func (c *Client) GetConfig() (*config.Config, error) {
	resp, err := c.send(Request{Action: "get_config"})
	if err != nil {
		return nil, err
	}
	return resp.Config, nil
}

// SetConfig updates the daemon configuration
func (c *Client) SetConfig(cfg *config.Config) (*config.Config, error) {
	resp, err := c.send(Request{Action: "set_config", Config: cfg})
	if err != nil {
		return nil, err
	}
	return resp.Config, nil
}
