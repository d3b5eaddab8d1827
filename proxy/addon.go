package proxy

import (
	"github.com/hellresistor/trafexia/storage"
)

// Addon receives the proxy's event stream. RequestComplete fires exactly
// once per exchange, after the final store update; a consumer reading the
// row back always finds it in final state.
type Addon interface {
	// A client has connected. One connection can carry many exchanges.
	ClientConnected(*ClientConn)

	// A client connection has been closed (either by us or the client).
	ClientDisconnected(*ClientConn)

	// An exchange reached its final state and is durable.
	RequestComplete(*storage.Exchange)

	// A message was paused at a breakpoint and awaits a verdict.
	BreakpointHit(*Interception)

	// A transport or bind error worth surfacing to the UI.
	ProxyError(error)
}

// BaseAddon does nothing.
type BaseAddon struct{}

func (addon *BaseAddon) ClientConnected(*ClientConn)       {}
func (addon *BaseAddon) ClientDisconnected(*ClientConn)    {}
func (addon *BaseAddon) RequestComplete(*storage.Exchange) {}
func (addon *BaseAddon) BreakpointHit(*Interception)       {}
func (addon *BaseAddon) ProxyError(error)                  {}

// LogAddon writes one line per connection event and completed exchange.
type LogAddon struct {
	BaseAddon
}

func (addon *LogAddon) ClientConnected(client *ClientConn) {
	log.Debugf("%v client connect", client.Conn.RemoteAddr())
}

func (addon *LogAddon) ClientDisconnected(client *ClientConn) {
	log.Debugf("%v client disconnect", client.Conn.RemoteAddr())
}

func (addon *LogAddon) RequestComplete(ex *storage.Exchange) {
	log.Infof("%v %v %v %vB - %v ms", ex.Method, ex.URL, ex.Status, ex.Size, ex.Duration)
}

func (addon *LogAddon) BreakpointHit(i *Interception) {
	log.Infof("breakpoint hit: %v %v %v", i.Direction, i.Method, i.URL)
}

func (addon *LogAddon) ProxyError(err error) {
	log.Errorf("proxy error: %v", err)
}
