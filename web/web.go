// Package web pushes the proxy's event stream to UI clients over
// websocket and accepts breakpoint verdicts back.
package web

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/hellresistor/trafexia/proxy"
	"github.com/hellresistor/trafexia/storage"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
)

type WebAddon struct {
	proxy.BaseAddon

	engine   *proxy.Proxy
	server   *http.Server
	upgrader *websocket.Upgrader

	conns   []*concurrentConn
	connsMu sync.RWMutex
}

func NewWebAddon(addr string, engine *proxy.Proxy) *WebAddon {
	web := &WebAddon{
		engine: engine,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make([]*concurrentConn, 0),
	}

	serverMux := new(http.ServeMux)
	serverMux.HandleFunc("/echo", web.echo)

	web.server = &http.Server{Addr: addr, Handler: serverMux}

	go func() {
		log.Infof("web event interface start listen at %v", addr)
		err := web.server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.Error(err)
		}
	}()

	return web
}

func (web *WebAddon) Close() error {
	return web.server.Close()
}

func (web *WebAddon) echo(w http.ResponseWriter, r *http.Request) {
	c, err := web.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("upgrade: %v", err)
		return
	}

	conn := newConn(c, web.engine)
	web.addConn(conn)
	defer func() {
		web.removeConn(conn)
		c.Close()
	}()

	conn.readloop()
}

func (web *WebAddon) addConn(c *concurrentConn) {
	web.connsMu.Lock()
	web.conns = append(web.conns, c)
	web.connsMu.Unlock()
}

func (web *WebAddon) removeConn(conn *concurrentConn) {
	web.connsMu.Lock()
	web.conns = lo.Filter(web.conns, func(c *concurrentConn, _ int) bool {
		return c != conn
	})
	web.connsMu.Unlock()
}

func (web *WebAddon) broadcast(msg *eventMessage) {
	web.connsMu.RLock()
	conns := web.conns
	web.connsMu.RUnlock()

	if len(conns) == 0 {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		log.Errorf("web addon marshal: %v", err)
		return
	}
	for _, c := range conns {
		c.writeMessage(data)
	}
}

func (web *WebAddon) RequestComplete(ex *storage.Exchange) {
	web.broadcast(newExchangeMessage(ex))
}

func (web *WebAddon) BreakpointHit(i *proxy.Interception) {
	web.broadcast(newInterceptionMessage(i))
}

func (web *WebAddon) ProxyError(err error) {
	web.broadcast(newErrorMessage(err))
}

// concurrentConn serializes writes to one websocket client and feeds its
// controller messages back into the breakpoint manager.
type concurrentConn struct {
	conn   *websocket.Conn
	engine *proxy.Proxy
	mu     sync.Mutex
}

func newConn(c *websocket.Conn, engine *proxy.Proxy) *concurrentConn {
	return &concurrentConn{conn: c, engine: engine}
}

func (c *concurrentConn) writeMessage(data []byte) {
	c.mu.Lock()
	err := c.conn.WriteMessage(websocket.TextMessage, data)
	c.mu.Unlock()
	if err != nil {
		log.Debugf("web addon write: %v", err)
	}
}

func (c *concurrentConn) readloop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Debugf("web addon read: %v", err)
			break
		}

		msg, err := parseControlMessage(data)
		if err != nil {
			log.Warnf("web addon bad control message: %v", err)
			continue
		}

		switch msg.Action {
		case "breakpoint:continue":
			var modified *proxy.InterceptedMessage
			if msg.Modified != nil {
				modified = msg.Modified.toIntercepted()
			}
			c.engine.Breakpoints().Continue(msg.ID, modified)
		case "breakpoint:drop":
			c.engine.Breakpoints().Drop(msg.ID)
		default:
			log.Warnf("web addon unknown action %q", msg.Action)
		}
	}
}
