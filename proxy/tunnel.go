package proxy

import (
	"io"
	"net"

	_log "github.com/sirupsen/logrus"
)

type halfCloser interface {
	CloseWrite() error
}

// transfer pipes bytes both directions until either side half-closes.
func transfer(log *_log.Entry, server, client io.ReadWriteCloser) {
	done := make(chan struct{})
	go func() {
		if _, err := io.Copy(server, client); err != nil {
			logErr(log, err)
		}
		if hc, ok := server.(halfCloser); ok {
			hc.CloseWrite()
		}
		close(done)
	}()

	if _, err := io.Copy(client, server); err != nil {
		logErr(log, err)
	}
	if hc, ok := client.(halfCloser); ok {
		hc.CloseWrite()
	}

	<-done
}

// directTunnel opens a raw TCP pipe to the CONNECT target. Used when
// interception is off or the host is excluded.
func (p *Proxy) directTunnel(cconn net.Conn, address string) {
	log := log.WithFields(_log.Fields{
		"in":   "directTunnel",
		"host": address,
	})

	conn, err := net.Dial("tcp", address)
	if err != nil {
		logErr(log, err)
		cconn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
		cconn.Close()
		return
	}
	conn = p.registry.track(conn)
	defer conn.Close()
	defer cconn.Close()

	if _, err := cconn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		logErr(log, err)
		return
	}

	transfer(log, conn, cconn)
}
