package proxy

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hellresistor/trafexia/internal/helper"
	"github.com/hellresistor/trafexia/storage"
	_log "github.com/sirupsen/logrus"
)

// AEAD-preferred with CBC fallbacks for legacy mobile clients; the client
// picks (Go servers do not honor server-side ordering for these).
var clientFacingCipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
	tls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA,
	tls.TLS_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_RSA_WITH_AES_128_CBC_SHA,
	tls.TLS_RSA_WITH_AES_256_CBC_SHA,
	tls.TLS_RSA_WITH_3DES_EDE_CBC_SHA,
}

// handleConnect classifies a CONNECT tunnel: blind pipe when interception
// is off or the host is excluded, TLS termination otherwise.
func (p *Proxy) handleConnect(res http.ResponseWriter, req *http.Request) {
	log := log.WithFields(_log.Fields{
		"in":   "handleConnect",
		"host": req.Host,
	})

	address := req.Host
	if !strings.Contains(address, ":") {
		address += ":443"
	}

	cconn, _, err := res.(http.Hijacker).Hijack()
	if err != nil {
		log.Error(err)
		res.WriteHeader(502)
		return
	}

	if !p.shouldIntercept(address) {
		log.Debugf("begin transpond %v", address)
		p.directTunnel(cconn, address)
		return
	}

	hostname, port := helper.SplitHostPort(address)

	leaf, err := p.ca.GetCert(hostname)
	if err != nil {
		log.Errorf("mint leaf for %v: %v", hostname, err)
		p.emitProxyError(err)
		cconn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
		cconn.Close()
		return
	}

	if _, err := cconn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		logErr(log, err)
		cconn.Close()
		return
	}

	wc := cconn.(*wrapClientConn)
	peek, err := wc.Peek(3)
	if err != nil {
		logErr(log, err)
		cconn.Close()
		return
	}
	if !helper.IsTLSHandshake(peek) {
		// plain bytes inside the tunnel; pipe them through untouched
		conn, err := net.Dial("tcp", address)
		if err != nil {
			logErr(log, err)
			cconn.Close()
			return
		}
		conn = p.registry.track(conn)
		defer conn.Close()
		defer cconn.Close()
		transfer(log, conn, cconn)
		return
	}

	clientTLS := tls.Server(cconn, &tls.Config{
		Certificates: []tls.Certificate{*leaf},
		NextProtos:   []string{"http/1.1"},
		MinVersion:   tls.VersionTLS10,
		CipherSuites: clientFacingCipherSuites,
		ClientAuth:   tls.NoClientCert,
	})

	cconn.SetDeadline(time.Now().Add(30 * time.Second))
	if err := clientTLS.HandshakeContext(context.Background()); err != nil {
		// cert-pinning clients abort here; not worth more than debug
		logErr(log, err)
		cconn.Close()
		return
	}
	cconn.SetDeadline(time.Time{})

	connCtx := wc.connCtx
	connCtx.ClientConn.Tls = true

	p.serveTunnel(clientTLS, connCtx, hostname, port)
}

// serveTunnel reads clear HTTP/1.1 requests inside the terminated TLS
// session, one at a time, until the client goes away.
func (p *Proxy) serveTunnel(clientTLS *tls.Conn, connCtx *ConnContext, host, port string) {
	log := log.WithFields(_log.Fields{
		"in":   "serveTunnel",
		"host": host,
	})
	defer clientTLS.Close()

	t := &tunnel{
		proxy:   p,
		connCtx: connCtx,
		client:  clientTLS,
		host:    host,
		port:    port,
		log:     log,
	}
	defer t.closeUpstream()

	br := bufio.NewReader(clientTLS)
	for {
		clientTLS.SetReadDeadline(time.Now().Add(keepAliveIdleTimeout))
		req, err := readInnerRequest(br)
		if err != nil {
			if err != io.EOF {
				logErr(log, err)
			}
			return
		}
		clientTLS.SetReadDeadline(time.Time{})

		if !t.handle(req) {
			return
		}
	}
}

// tunnel is one intercepted CONNECT session: the terminated client TLS
// conn plus a lazily dialed upstream TLS conn reused across keep-alive
// requests.
type tunnel struct {
	proxy   *Proxy
	connCtx *ConnContext
	client  *tls.Conn
	host    string
	port    string
	log     *_log.Entry

	upstream   *tls.Conn
	upstreamBr *bufio.Reader
}

func (t *tunnel) ensureUpstream() error {
	if t.upstream != nil {
		return nil
	}

	address := net.JoinHostPort(t.host, t.port)
	conn, err := (&net.Dialer{Timeout: 30 * time.Second}).Dial("tcp", address)
	if err != nil {
		return err
	}
	conn = t.proxy.registry.track(conn)
	t.connCtx.serverConn = conn

	// upstream certs are accepted unconditionally; inspection tool, not a
	// trust anchor
	tlsConn := tls.Client(conn, &tls.Config{
		ServerName:         t.host,
		InsecureSkipVerify: true,
	})
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		conn.Close()
		return err
	}

	t.upstream = tlsConn
	t.upstreamBr = bufio.NewReader(tlsConn)
	return nil
}

func (t *tunnel) closeUpstream() {
	if t.upstream != nil {
		t.upstream.Close()
		t.upstream = nil
		t.upstreamBr = nil
	}
}

func (t *tunnel) urlFor(target string) string {
	if t.port == "443" {
		return "https://" + t.host + target
	}
	return "https://" + net.JoinHostPort(t.host, t.port) + target
}

// handle runs one inner exchange. The return value reports whether the
// tunnel should keep serving.
func (t *tunnel) handle(req *innerRequest) bool {
	p := t.proxy
	t.connCtx.FlowCount.Add(1)

	start := time.Now()
	reqURL := t.urlFor(req.target)
	log := t.log.WithFields(_log.Fields{"url": reqURL, "method": req.method})

	path := req.target
	if u, err := url.Parse(req.target); err == nil {
		path = u.Path
	}

	ex := &storage.Exchange{
		Timestamp:      start.UnixMilli(),
		Method:         req.method,
		URL:            reqURL,
		Host:           t.host,
		Path:           path,
		RequestHeaders: storage.NewHeaders(req.headers),
	}
	delete(ex.RequestHeaders, "proxy-connection")
	if len(req.body) > 0 {
		ex.RequestBody = storedBody(req.body, "", p.Opts.MaxRequestBodySize)
	}

	if req.isWebsocketUpgrade() {
		t.spliceWebsocket(req, ex, start)
		return false
	}

	// mock short-circuit; the origin is never dialed
	if rule := p.mocks.Find(req.method, reqURL); rule != nil {
		if rule.Delay > 0 {
			time.Sleep(time.Duration(rule.Delay) * time.Millisecond)
		}
		status, headers, body := p.mocks.Generate(rule)
		if err := writeFramedResponse(t.client, status, headersToHTTP(headers), body); err != nil {
			logErr(log, err)
			return false
		}
		ex.Status = status
		ex.ResponseHeaders = headers
		ex.ResponseBody = storedBody(body, "", p.Opts.MaxResponseBodySize)
		ex.ContentType = contentTypeOf(headers["content-type"])
		ex.Duration = time.Since(start).Milliseconds()
		ex.Size = int64(len(body))
		if id, err := p.store.SaveRequest(ex); err == nil {
			ex.ID = id
		}
		p.emitRequestComplete(ex)
		return true
	}

	method := req.method
	outHeaders := req.headers.Clone()
	delete(outHeaders, "proxy-connection")
	body := req.body

	if p.breakpoints.ShouldBreak(DirectionRequest, method, reqURL) {
		msg, err := p.breakpoints.Pause(DirectionRequest, &InterceptedMessage{
			Method:  method,
			URL:     reqURL,
			Headers: outHeaders,
			Body:    body,
		})
		if err != nil {
			t.writeDropped(ex, start)
			return true
		}
		method = msg.Method
		outHeaders = msg.Headers
		body = msg.Body
	}

	id, err := p.store.SaveRequest(ex)
	if err != nil {
		p.emitProxyError(err)
		logErr(log, err)
		writeFramedResponse(t.client, 502, nil, []byte(err.Error()))
		return false
	}
	ex.ID = id

	if err := t.ensureUpstream(); err != nil {
		logErr(log, err)
		t.finishUpstreamError(ex, start, err)
		return false
	}

	resp, rawBody, err := t.roundTrip(method, reqURL, outHeaders, body)
	if err != nil {
		logErr(log, err)
		t.closeUpstream()
		t.finishUpstreamError(ex, start, err)
		return false
	}

	status := resp.StatusCode
	respHeaders := resp.Header
	outBody := rawBody

	if p.breakpoints.ShouldBreak(DirectionResponse, method, reqURL) {
		msg, perr := p.breakpoints.Pause(DirectionResponse, &InterceptedMessage{
			Method:  method,
			URL:     reqURL,
			Headers: respHeaders,
			Body:    rawBody,
			Status:  status,
		})
		if perr != nil {
			t.writeDroppedPending(ex, start)
			return true
		}
		status = msg.Status
		respHeaders = msg.Headers
		outBody = msg.Body
	}

	if err := writeFramedResponse(t.client, status, respHeaders, outBody); err != nil {
		logErr(log, err)
	}

	p.finalize(ex, storage.ResponseUpdate{
		Status:          status,
		ResponseHeaders: storage.NewHeaders(respHeaders),
		ResponseBody:    storedBody(outBody, respHeaders.Get("Content-Encoding"), p.Opts.MaxResponseBodySize),
		ContentType:     contentTypeOf(respHeaders.Get("Content-Type")),
		Duration:        time.Since(start).Milliseconds(),
		Size:            int64(len(outBody)),
	})

	if resp.Close {
		t.closeUpstream()
	}
	return !strings.EqualFold(req.header("connection"), "close")
}

// roundTrip sends one request over the persistent upstream TLS conn and
// reads the full response, returning the on-wire body bytes.
func (t *tunnel) roundTrip(method, reqURL string, headers http.Header, body []byte) (*http.Response, []byte, error) {
	proxyReq, err := http.NewRequest(method, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	proxyReq.Host = t.host
	proxyReq.ContentLength = int64(len(body))
	for key, values := range headers {
		ck := textproto.CanonicalMIMEHeaderKey(key)
		if ck == "Content-Length" || ck == "Transfer-Encoding" || ck == "Host" {
			continue
		}
		for _, v := range values {
			proxyReq.Header.Add(ck, v)
		}
	}

	if err := proxyReq.Write(t.upstream); err != nil {
		return nil, nil, err
	}
	resp, err := http.ReadResponse(t.upstreamBr, proxyReq)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return resp, rawBody, nil
}

// writeDropped answers a request-direction drop; no pending row exists.
func (t *tunnel) writeDropped(ex *storage.Exchange, start time.Time) {
	writeFramedResponse(t.client, 499, nil, []byte(droppedBody))

	body := droppedBody
	ex.Status = 499
	ex.ResponseBody = &body
	ex.Duration = time.Since(start).Milliseconds()
	if id, err := t.proxy.store.SaveRequest(ex); err == nil {
		ex.ID = id
	}
	t.proxy.emitRequestComplete(ex)
}

// writeDroppedPending finalizes an already-pending row as dropped.
func (t *tunnel) writeDroppedPending(ex *storage.Exchange, start time.Time) {
	writeFramedResponse(t.client, 499, nil, []byte(droppedBody))

	body := droppedBody
	t.proxy.finalize(ex, storage.ResponseUpdate{
		Status:       499,
		ResponseBody: &body,
		Duration:     time.Since(start).Milliseconds(),
	})
}

func (t *tunnel) finishUpstreamError(ex *storage.Exchange, start time.Time, cause error) {
	writeFramedResponse(t.client, 502, nil, []byte(cause.Error()))

	body := cause.Error()
	t.proxy.finalize(ex, storage.ResponseUpdate{
		Status:       502,
		ResponseBody: &body,
		Duration:     time.Since(start).Milliseconds(),
	})
}

// spliceWebsocket forwards the upgrade to the origin over TLS and then
// pipes both directions without frame-level inspection.
func (t *tunnel) spliceWebsocket(req *innerRequest, ex *storage.Exchange, start time.Time) {
	log := t.log.WithField("in", "spliceWebsocket")

	ex.Method = "WEBSOCKET"

	if err := t.ensureUpstream(); err != nil {
		logErr(log, err)
		writeFramedResponse(t.client, 502, nil, []byte(err.Error()))
		body := err.Error()
		ex.Status = 502
		ex.ResponseBody = &body
		ex.Duration = time.Since(start).Milliseconds()
		t.proxy.store.SaveRequest(ex)
		t.proxy.emitRequestComplete(ex)
		return
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s HTTP/1.1\r\n", req.method, req.target)
	for name, values := range req.headers {
		for _, v := range values {
			fmt.Fprintf(&buf, "%s: %s\r\n", textproto.CanonicalMIMEHeaderKey(name), v)
		}
	}
	buf.WriteString("\r\n")
	if _, err := t.upstream.Write(buf.Bytes()); err != nil {
		logErr(log, err)
		return
	}

	ex.Status = 101
	ex.Duration = time.Since(start).Milliseconds()
	if id, err := t.proxy.store.SaveRequest(ex); err == nil {
		ex.ID = id
	}
	t.proxy.emitRequestComplete(ex)

	transfer(log, t.upstream, t.client)
}

// innerRequest is one clear HTTP/1.1 request parsed off the intercepted
// leg. Header names are lowercased during parsing; values stay verbatim.
type innerRequest struct {
	method  string
	target  string
	proto   string
	headers http.Header
	body    []byte
}

func (r *innerRequest) header(name string) string {
	if vs := r.headers[name]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

func (r *innerRequest) isWebsocketUpgrade() bool {
	return strings.Contains(strings.ToLower(r.header("connection")), "upgrade") &&
		strings.EqualFold(r.header("upgrade"), "websocket")
}

// readInnerRequest parses request-line plus headers terminated by CRLFCRLF
// and the body: exactly Content-Length bytes, or chunked when the client
// says so, empty otherwise.
func readInnerRequest(br *bufio.Reader) (*innerRequest, error) {
	tp := textproto.NewReader(br)

	line, err := tp.ReadLine()
	if err != nil {
		return nil, err
	}
	method, rest, ok1 := strings.Cut(line, " ")
	target, proto, ok2 := strings.Cut(rest, " ")
	if !ok1 || !ok2 || method == "" || target == "" {
		return nil, fmt.Errorf("malformed request line: %q", line)
	}

	mime, err := tp.ReadMIMEHeader()
	if err != nil {
		return nil, err
	}
	headers := make(http.Header, len(mime))
	for name, values := range mime {
		headers[strings.ToLower(name)] = values
	}

	req := &innerRequest{
		method:  method,
		target:  target,
		proto:   proto,
		headers: headers,
	}

	switch {
	case strings.Contains(strings.ToLower(req.header("transfer-encoding")), "chunked"):
		body, err := io.ReadAll(httputil.NewChunkedReader(br))
		if err != nil {
			return nil, err
		}
		req.body = body
		delete(headers, "transfer-encoding")
	case req.header("content-length") != "":
		n, err := strconv.ParseInt(req.header("content-length"), 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("bad content-length: %q", req.header("content-length"))
		}
		if n > 0 {
			body := make([]byte, n)
			if _, err := io.ReadFull(br, body); err != nil {
				return nil, err
			}
			req.body = body
		}
	}

	return req, nil
}

// writeFramedResponse frames a response onto the tunnel: status line,
// headers without Transfer-Encoding, then a Content-Length matching the
// bytes actually forwarded.
func writeFramedResponse(w io.Writer, status int, headers http.Header, body []byte) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", status, statusReason(status))
	for key, values := range headers {
		ck := textproto.CanonicalMIMEHeaderKey(key)
		if ck == "Transfer-Encoding" || ck == "Content-Length" {
			continue
		}
		for _, v := range values {
			fmt.Fprintf(&buf, "%s: %s\r\n", ck, v)
		}
	}
	fmt.Fprintf(&buf, "Content-Length: %d\r\n\r\n", len(body))
	buf.Write(body)

	_, err := w.Write(buf.Bytes())
	return err
}

func headersToHTTP(h storage.Headers) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		out[textproto.CanonicalMIMEHeaderKey(k)] = []string{v}
	}
	return out
}
