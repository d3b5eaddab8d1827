package proxy

import (
	"bufio"
	"net"
	"sync"

	uuid "github.com/satori/go.uuid"
	"go.uber.org/atomic"
)

// client connection
type ClientConn struct {
	Id   uuid.UUID
	Conn net.Conn
	Tls  bool
}

func newClientConn(c net.Conn) *ClientConn {
	return &ClientConn{
		Id:   uuid.NewV4(),
		Conn: c,
	}
}

// connection context ctx key
var connContextKey = new(struct{})

// ConnContext follows one client connection across its requests.
type ConnContext struct {
	ClientConn *ClientConn
	FlowCount  atomic.Uint32

	proxy      *Proxy
	serverConn net.Conn // MITM upstream, closed with the client conn
}

func newConnContext(c net.Conn, proxy *Proxy) *ConnContext {
	return &ConnContext{
		ClientConn: newClientConn(c),
		proxy:      proxy,
	}
}

// wrap tcpListener for remote client
type wrapListener struct {
	net.Listener
	proxy *Proxy
}

func (l *wrapListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	proxy := l.proxy
	wc := newWrapClientConn(c, proxy)
	connCtx := newConnContext(wc, proxy)
	wc.connCtx = connCtx
	proxy.registry.add(wc)

	for _, addon := range proxy.Addons {
		addon.ClientConnected(connCtx.ClientConn)
	}

	return wc, nil
}

// wrap tcpConn for remote client; reads go through a bufio.Reader so the
// MITM path can peek at the first tunnel bytes.
type wrapClientConn struct {
	net.Conn
	r       *bufio.Reader
	proxy   *Proxy
	connCtx *ConnContext

	closeMu  sync.Mutex
	closed   bool
	closeErr error
}

func newWrapClientConn(c net.Conn, proxy *Proxy) *wrapClientConn {
	return &wrapClientConn{
		Conn:  c,
		r:     bufio.NewReader(c),
		proxy: proxy,
	}
}

func (c *wrapClientConn) Peek(n int) ([]byte, error) {
	return c.r.Peek(n)
}

func (c *wrapClientConn) Read(data []byte) (int, error) {
	return c.r.Read(data)
}

func (c *wrapClientConn) Close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return c.closeErr
	}
	c.closed = true
	c.closeErr = c.Conn.Close()
	c.closeMu.Unlock()

	c.proxy.registry.remove(c)

	for _, addon := range c.proxy.Addons {
		addon.ClientDisconnected(c.connCtx.ClientConn)
	}

	if c.connCtx.serverConn != nil {
		c.connCtx.serverConn.Close()
	}

	return c.closeErr
}

// connRegistry tracks every live socket so shutdown can destroy them.
type connRegistry struct {
	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func newConnRegistry() *connRegistry {
	return &connRegistry{conns: make(map[net.Conn]struct{})}
}

func (r *connRegistry) add(c net.Conn) {
	r.mu.Lock()
	r.conns[c] = struct{}{}
	r.mu.Unlock()
}

func (r *connRegistry) remove(c net.Conn) {
	r.mu.Lock()
	delete(r.conns, c)
	r.mu.Unlock()
}

func (r *connRegistry) closeAll() {
	r.mu.Lock()
	conns := make([]net.Conn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[net.Conn]struct{})
	r.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// track registers an upstream conn and deregisters it on close.
func (r *connRegistry) track(c net.Conn) net.Conn {
	tc := &trackedConn{Conn: c, registry: r}
	r.add(tc)
	return tc
}

type trackedConn struct {
	net.Conn
	registry *connRegistry

	closeMu sync.Mutex
	closed  bool
}

func (c *trackedConn) Close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	c.closeMu.Unlock()

	c.registry.remove(c)
	return c.Conn.Close()
}
