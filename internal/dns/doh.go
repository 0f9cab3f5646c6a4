package dns

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/miekg/dns"
)

// maxGETMessage is the largest packed query sent with GET; larger ones use POST.
const maxGETMessage = 512

// DoHClient is a DNS-over-HTTPS upstream
type DoHClient struct {
	endpoint   string
	host       string
	serverIP   string // resolved IP of the DoH host, "" to use the system resolver
	httpClient *http.Client
}

// NewDoHClient creates a DoH client for endpoint. The endpoint host is
// resolved once through the bootstrap servers so that the client never
// depends on the system resolver, which may point back at us.
func NewDoHClient(endpoint string, bootstrap []string) (*DoHClient, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid DoH endpoint: %w", err)
	}

	c := &DoHClient{
		endpoint: endpoint,
		host:     parsed.Hostname(),
	}
	c.serverIP = resolveBootstrap(c.host, bootstrap)

	c.httpClient = &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			DialContext:       c.dialContext,
			ForceAttemptHTTP2: true,
		},
	}
	return c, nil
}

// resolveBootstrap resolves host with the first bootstrap server that answers.
func resolveBootstrap(host string, bootstrap []string) string {
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}

	for _, server := range bootstrap {
		ip, err := resolveWithDNS(host, server)
		if err == nil {
			log.Printf("Resolved %s to %s using bootstrap DNS %s", host, ip, server)
			return ip
		}
	}

	log.Printf("Warning: could not resolve %s using bootstrap DNS", host)
	return ""
}

// resolveWithDNS resolves a hostname using a specific DNS server
func resolveWithDNS(hostname, server string) (string, error) {
	client := &dns.Client{
		Net:     "udp",
		Timeout: 5 * time.Second,
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(hostname), dns.TypeA)

	resp, _, err := client.Exchange(msg, server)
	if err != nil {
		return "", err
	}

	for _, ans := range resp.Answer {
		if a, ok := ans.(*dns.A); ok {
			return a.A.String(), nil
		}
	}

	return "", fmt.Errorf("no A record found")
}

// dialContext pins connections for the DoH host to the bootstrap-resolved IP.
func (c *DoHClient) dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if c.serverIP != "" {
		if host, port, err := net.SplitHostPort(addr); err == nil && host == c.host {
			addr = net.JoinHostPort(c.serverIP, port)
		}
	}

	dialer := &net.Dialer{
		Timeout: 10 * time.Second,
	}
	return dialer.DialContext(ctx, network, addr)
}

// Exchange sends msg to the DoH endpoint, using GET for small queries and
// POST otherwise.
func (c *DoHClient) Exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	// RFC 8484 asks for ID 0 so responses are cacheable.
	query := msg.Copy()
	query.Id = 0

	packed, err := query.Pack()
	if err != nil {
		return nil, fmt.Errorf("failed to pack DNS message: %w", err)
	}

	var req *http.Request
	if len(packed) <= maxGETMessage {
		u := c.endpoint + "?dns=" + base64.RawURLEncoding.EncodeToString(packed)
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(packed))
		if req != nil {
			req.Header.Set("Content-Type", "application/dns-message")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/dns-message")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("DoH request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, dns.MaxMsgSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("DoH server returned %d: %s", resp.StatusCode, string(body))
	}

	response := &dns.Msg{}
	if err := response.Unpack(body); err != nil {
		return nil, fmt.Errorf("failed to unpack DNS response: %w", err)
	}
	response.Id = msg.Id

	return response, nil
}

// String returns the endpoint URL.
func (c *DoHClient) String() string {
	return c.endpoint
}
