package dns

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"

	"github.com/zkmkarlsruhe/primarydns/internal/config"
)

const queryTimeout = 5 * time.Second

// Upstream answers DNS queries for the proxy.
type Upstream interface {
	Exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, error)
	String() string
}

// plainUpstream is a classic UDP resolver that retries over TCP on truncation.
type plainUpstream struct {
	addr string
	udp  *dns.Client
	tcp  *dns.Client
}

func newPlainUpstream(addr string) *plainUpstream {
	return &plainUpstream{
		addr: withDefaultPort(addr),
		udp:  &dns.Client{Net: "udp", Timeout: queryTimeout},
		tcp:  &dns.Client{Net: "tcp", Timeout: queryTimeout},
	}
}

func (u *plainUpstream) Exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	resp, _, err := u.udp.ExchangeContext(ctx, msg, u.addr)
	if err == nil && resp.Truncated {
		resp, _, err = u.tcp.ExchangeContext(ctx, msg, u.addr)
	}
	return resp, err
}

func (u *plainUpstream) String() string {
	return u.addr
}

// Stats are the proxy's query counters.
type Stats struct {
	QueriesTotal  int64 `json:"queriesTotal"`
	QueriesFailed int64 `json:"queriesFailed"`
	CacheHits     int64 `json:"cacheHits"`
}

// Proxy is the local resolver installed as primary DNS. It answers from its
// cache, sends split DNS names to their forwarder and everything else to
// the upstreams in order.
type Proxy struct {
	listen     string
	upstreams  []Upstream
	forwarders *ForwarderMatcher
	cache      *Cache
	mu         sync.RWMutex

	udpServer *dns.Server
	tcpServer *dns.Server
	addr      net.Addr

	ctx    context.Context
	cancel context.CancelFunc

	queriesTotal  atomic.Int64
	queriesFailed atomic.Int64
	cacheHits     atomic.Int64
}

// NewProxy creates a new DNS proxy
func NewProxy(cfg *config.Config) (*Proxy, error) {
	var bootstrap []string
	for _, u := range cfg.Upstreams {
		if !strings.HasPrefix(u, "https://") {
			bootstrap = append(bootstrap, withDefaultPort(u))
		}
	}

	upstreams := make([]Upstream, 0, len(cfg.Upstreams))
	for _, u := range cfg.Upstreams {
		if strings.HasPrefix(u, "https://") {
			doh, err := NewDoHClient(u, bootstrap)
			if err != nil {
				return nil, err
			}
			upstreams = append(upstreams, doh)
			continue
		}
		upstreams = append(upstreams, newPlainUpstream(u))
	}
	if len(upstreams) == 0 {
		return nil, fmt.Errorf("no upstream DNS servers configured")
	}

	return newProxy(cfg.Listen, upstreams, cfg.Forwarders, NewCache(cfg.CacheTTL, cfg.CacheSize)), nil
}

func newProxy(listen string, upstreams []Upstream, forwarders []config.Forwarder, cache *Cache) *Proxy {
	ctx, cancel := context.WithCancel(context.Background())
	return &Proxy{
		listen:     listen,
		upstreams:  upstreams,
		forwarders: NewForwarderMatcher(forwarders),
		cache:      cache,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start binds UDP and TCP on the listen address and serves in the
// background. It returns once both servers are accepting, so Stop is safe
// right after it.
func (p *Proxy) Start() error {
	pc, err := net.ListenPacket("udp", p.listen)
	if err != nil {
		return fmt.Errorf("failed to listen on udp %s: %w", p.listen, err)
	}

	// Same port for TCP when the caller asked for an ephemeral one.
	ln, err := net.Listen("tcp", pc.LocalAddr().String())
	if err != nil {
		pc.Close()
		return fmt.Errorf("failed to listen on tcp %s: %w", p.listen, err)
	}

	started := make(chan struct{}, 2)
	failed := make(chan error, 2)
	notify := func() { started <- struct{}{} }

	handler := dns.HandlerFunc(p.handleQuery)
	p.udpServer = &dns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: notify}
	p.tcpServer = &dns.Server{Listener: ln, Handler: handler, NotifyStartedFunc: notify}
	p.addr = pc.LocalAddr()

	serve := func(server *dns.Server, network string) {
		if err := server.ActivateAndServe(); err != nil {
			log.Printf("%s server error: %v", network, err)
			failed <- err
		}
	}
	go serve(p.udpServer, "UDP")
	go serve(p.tcpServer, "TCP")

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case err := <-failed:
			pc.Close()
			ln.Close()
			p.cancel()
			return fmt.Errorf("failed to serve on %s: %w", p.listen, err)
		}
	}

	go p.cache.Run(p.ctx, time.Minute)

	log.Printf("DNS proxy listening on %s", p.addr)
	return nil
}

// Addr returns the bound UDP address, nil before Start.
func (p *Proxy) Addr() net.Addr {
	return p.addr
}

// Stop stops the DNS proxy server
func (p *Proxy) Stop() {
	p.cancel()
	if p.udpServer != nil {
		p.udpServer.Shutdown()
	}
	if p.tcpServer != nil {
		p.tcpServer.Shutdown()
	}
}

// handleQuery processes incoming DNS queries
func (p *Proxy) handleQuery(w dns.ResponseWriter, r *dns.Msg) {
	p.queriesTotal.Add(1)

	if len(r.Question) == 0 {
		p.queriesFailed.Add(1)
		dns.HandleFailed(w, r)
		return
	}

	q := r.Question[0]
	qname := strings.ToLower(q.Name)

	if cached := p.cache.Get(qname, q.Qtype); cached != nil {
		p.cacheHits.Add(1)
		cached.Id = r.Id
		w.WriteMsg(cached)
		return
	}

	resp, err := p.resolve(r, qname)
	if err != nil {
		log.Printf("Query %s failed: %v", q.Name, err)
		p.queriesFailed.Add(1)
		dns.HandleFailed(w, r)
		return
	}

	p.cache.Set(qname, q.Qtype, resp)
	w.WriteMsg(resp)
}

func (p *Proxy) resolve(r *dns.Msg, qname string) (*dns.Msg, error) {
	ctx, cancel := context.WithTimeout(p.ctx, queryTimeout)
	defer cancel()

	p.mu.RLock()
	forwarder := p.forwarders.Match(qname)
	p.mu.RUnlock()

	if forwarder != "" {
		return newPlainUpstream(forwarder).Exchange(ctx, r)
	}

	var lastErr error
	for _, upstream := range p.upstreams {
		resp, err := upstream.Exchange(ctx, r)
		if err == nil {
			return resp, nil
		}
		lastErr = fmt.Errorf("%s: %w", upstream, err)
	}
	return nil, lastErr
}

// UpdateForwarders updates the split DNS forwarders
func (p *Proxy) UpdateForwarders(forwarders []config.Forwarder) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forwarders = NewForwarderMatcher(forwarders)
}

// ClearCache drops all cached answers.
func (p *Proxy) ClearCache() {
	p.cache.Clear()
}

// GetStats returns current proxy statistics
func (p *Proxy) GetStats() Stats {
	return Stats{
		QueriesTotal:  p.queriesTotal.Load(),
		QueriesFailed: p.queriesFailed.Load(),
		CacheHits:     p.cacheHits.Load(),
	}
}
