package proxy

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hellresistor/trafexia/cert"
	"github.com/hellresistor/trafexia/internal/helper"
	"github.com/hellresistor/trafexia/storage"
	_log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

var log = _log.WithField("at", "proxy")

// Options configures a Proxy. Port is required; everything else has a
// usable default.
type Options struct {
	Port int
	Host string // informational, shown to the UI; the listener binds 0.0.0.0

	// EnableHTTPS turns on TLS interception for CONNECT tunnels. When
	// false every CONNECT becomes a blind byte pipe.
	EnableHTTPS bool

	MaxRequestBodySize  int64 // stored request body cap, default 1 MiB
	MaxResponseBodySize int64 // stored response body cap, default 5 MiB

	// DataDir holds the traffic database under <DataDir>/data/traffic.db.
	DataDir string

	// IgnoreHosts / AllowHosts narrow which CONNECT targets are
	// intercepted; entries support wildcards ("*.example.com:443").
	IgnoreHosts []string
	AllowHosts  []string

	// NewCaFunc overrides the leaf certificate factory. Defaults to a
	// self-signed root persisted under the user's home directory.
	NewCaFunc func() (cert.CA, error)

	// BreakpointTimeout caps how long a paused message waits for a
	// verdict before auto-resuming. Defaults to 5 minutes.
	BreakpointTimeout time.Duration
}

const (
	defaultMaxRequestBodySize  = 1 << 20
	defaultMaxResponseBodySize = 5 << 20

	keepAliveIdleTimeout = 60 * time.Second
	headerReadTimeout    = 65 * time.Second
	shutdownTimeout      = 2 * time.Second
)

// Proxy is the traffic plane: accept loop, plain and MITM handlers, mock
// engine, breakpoint rendezvous, request store and replay composer.
type Proxy struct {
	Opts    *Options
	Version string
	Addons  []Addon

	store       *storage.Store
	ca          cert.CA
	mocks       *MockEngine
	breakpoints *BreakpointManager
	composer    *Composer

	client   *http.Client
	server   *http.Server
	listener net.Listener
	registry *connRegistry
	closing  atomic.Bool
}

// New opens the request store, prepares the certificate factory and the
// upstream client. A store initialization failure is fatal.
func New(opts *Options) (*Proxy, error) {
	if opts.MaxRequestBodySize <= 0 {
		opts.MaxRequestBodySize = defaultMaxRequestBodySize
	}
	if opts.MaxResponseBodySize <= 0 {
		opts.MaxResponseBodySize = defaultMaxResponseBodySize
	}
	if opts.BreakpointTimeout <= 0 {
		opts.BreakpointTimeout = 5 * time.Minute
	}

	store, err := storage.Open(opts.DataDir)
	if err != nil {
		return nil, err
	}

	ca, err := newCa(opts)
	if err != nil {
		return nil, err
	}

	mocks, err := NewMockEngine(store)
	if err != nil {
		return nil, err
	}

	p := &Proxy{
		Opts:     opts,
		Version:  "1.2.0",
		Addons:   make([]Addon, 0),
		store:    store,
		ca:       ca,
		mocks:    mocks,
		registry: newConnRegistry(),
	}

	p.breakpoints = NewBreakpointManager(opts.BreakpointTimeout, p.emitBreakpointHit)
	p.composer = NewComposer(store)

	p.client = &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				c, err := (&net.Dialer{Timeout: 30 * time.Second}).DialContext(ctx, network, addr)
				if err != nil {
					return nil, err
				}
				return p.registry.track(c), nil
			},
			ForceAttemptHTTP2:  false, // http/1.1 only on both legs
			DisableCompression: true,  // keep the origin's bytes as sent
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: true, // inspection tool, not a trust anchor
			},
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	p.server = &http.Server{
		Handler:           p,
		IdleTimeout:       keepAliveIdleTimeout,
		ReadHeaderTimeout: headerReadTimeout,
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			return context.WithValue(ctx, connContextKey, c.(*wrapClientConn).connCtx)
		},
	}

	return p, nil
}

func newCa(opts *Options) (cert.CA, error) {
	if opts.NewCaFunc != nil {
		return opts.NewCaFunc()
	}
	return cert.NewSelfSignCA("")
}

func (p *Proxy) AddAddon(addon Addon) {
	p.Addons = append(p.Addons, addon)
}

func (p *Proxy) Store() *storage.Store           { return p.store }
func (p *Proxy) Mocks() *MockEngine              { return p.mocks }
func (p *Proxy) Breakpoints() *BreakpointManager { return p.breakpoints }
func (p *Proxy) Composer() *Composer             { return p.composer }
func (p *Proxy) CA() cert.CA                     { return p.ca }

// Addr returns the bound listener address, nil before Start.
func (p *Proxy) Addr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Start binds the proxy port and serves until Close. Bind errors (port in
// use among them) are returned to the caller.
func (p *Proxy) Start() error {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(p.Opts.Port))
	if err != nil {
		p.emitProxyError(err)
		return err
	}
	p.listener = ln

	log.Infof("proxy start listen at %v", ln.Addr())
	err = p.server.Serve(&wrapListener{Listener: ln, proxy: p})
	if err == http.ErrServerClosed || p.closing.Load() {
		return nil
	}
	p.emitProxyError(err)
	return err
}

// Close stops accepting, resumes every paused breakpoint and force-closes
// all tracked sockets. Returns within the shutdown bound even with active
// long-polling connections.
func (p *Proxy) Close() error {
	p.closing.Store(true)
	p.breakpoints.ClearPending()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := p.server.Shutdown(ctx); err != nil {
		p.server.Close()
	}
	p.registry.closeAll()

	return p.store.Close()
}

func (p *Proxy) ServeHTTP(res http.ResponseWriter, req *http.Request) {
	if req.Method == "CONNECT" {
		p.handleConnect(res, req)
		return
	}

	if !req.URL.IsAbs() || req.URL.Host == "" {
		res.WriteHeader(400)
		io.WriteString(res, "trafexia is a proxy server and does not serve direct requests")
		return
	}

	if isWebsocketUpgrade(req.Header) {
		p.handleWebsocket(res, req)
		return
	}

	p.handleHTTP(res, req)
}

// shouldIntercept decides whether a CONNECT target gets the TLS MITM
// treatment or a blind tunnel.
func (p *Proxy) shouldIntercept(address string) bool {
	if !p.Opts.EnableHTTPS {
		return false
	}
	if len(p.Opts.IgnoreHosts) > 0 && helper.MatchHost(address, p.Opts.IgnoreHosts) {
		return false
	}
	if len(p.Opts.AllowHosts) > 0 && !helper.MatchHost(address, p.Opts.AllowHosts) {
		return false
	}
	return true
}

func isWebsocketUpgrade(h http.Header) bool {
	return strings.Contains(strings.ToLower(h.Get("Connection")), "upgrade") &&
		strings.EqualFold(h.Get("Upgrade"), "websocket")
}

func (p *Proxy) emitRequestComplete(ex *storage.Exchange) {
	for _, addon := range p.Addons {
		addon.RequestComplete(ex)
	}
}

func (p *Proxy) emitBreakpointHit(i *Interception) {
	for _, addon := range p.Addons {
		addon.BreakpointHit(i)
	}
}

func (p *Proxy) emitProxyError(err error) {
	for _, addon := range p.Addons {
		addon.ProxyError(err)
	}
}
