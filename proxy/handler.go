package proxy

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"strconv"
	"time"

	"github.com/hellresistor/trafexia/internal/helper"
	"github.com/hellresistor/trafexia/storage"
	_log "github.com/sirupsen/logrus"
)

const droppedBody = "Request dropped by user"

// handleHTTP proxies one plaintext exchange: mock short-circuit,
// breakpoint rendezvous, upstream round-trip with a streamed, captured
// response, then the final store update and event.
func (p *Proxy) handleHTTP(res http.ResponseWriter, req *http.Request) {
	log := log.WithFields(_log.Fields{
		"in":     "handleHTTP",
		"url":    req.URL,
		"method": req.Method,
	})

	if connCtx, ok := req.Context().Value(connContextKey).(*ConnContext); ok {
		connCtx.FlowCount.Add(1)
	}

	start := time.Now()
	ex := &storage.Exchange{
		Timestamp: start.UnixMilli(),
		Method:    req.Method,
		URL:       req.URL.String(),
		Host:      req.URL.Host,
		Path:      req.URL.Path,
	}

	headers := cloneHeader(req.Header)
	ex.RequestHeaders = storage.NewHeaders(headers)

	// Bounded buffering; past the cap the placeholder goes to storage
	// while the replacement reader keeps the full body flowing upstream.
	reqBuf, reqStream, err := helper.ReaderToBuffer(req.Body, p.Opts.MaxRequestBodySize+1)
	if err != nil {
		logErr(log, err)
		res.WriteHeader(502)
		return
	}
	if reqBuf == nil {
		s := truncatedPlaceholder(p.Opts.MaxRequestBodySize)
		ex.RequestBody = &s
	} else if len(reqBuf) > 0 {
		ex.RequestBody = storedBody(reqBuf, "", p.Opts.MaxRequestBodySize)
	}

	// A matching mock rule means no upstream connection at all.
	if rule := p.mocks.Find(req.Method, ex.URL); rule != nil {
		p.serveMock(res, rule, ex, start)
		return
	}

	method := req.Method
	outHeaders := headers
	if p.breakpoints.ShouldBreak(DirectionRequest, method, ex.URL) {
		msg, err := p.breakpoints.Pause(DirectionRequest, &InterceptedMessage{
			Method:  method,
			URL:     ex.URL,
			Headers: outHeaders,
			Body:    reqBuf,
		})
		if err != nil {
			p.serveDropped(res, ex, start)
			return
		}
		// the stored request body stays the original; edits only reach
		// the origin
		method = msg.Method
		outHeaders = msg.Headers
		reqBuf = msg.Body
	}

	id, err := p.store.SaveRequest(ex)
	if err != nil {
		p.emitProxyError(err)
		logErr(log, err)
		res.WriteHeader(502)
		return
	}
	ex.ID = id

	var upstreamBody io.Reader
	if reqStream != nil {
		upstreamBody = reqStream
	} else if len(reqBuf) > 0 {
		upstreamBody = bytes.NewReader(reqBuf)
	}

	proxyReq, err := http.NewRequestWithContext(req.Context(), method, ex.URL, upstreamBody)
	if err != nil {
		p.finishUpstreamError(res, ex, start, err, false)
		return
	}
	for key, values := range outHeaders {
		for _, v := range values {
			proxyReq.Header.Add(key, v)
		}
	}

	proxyRes, err := p.client.Do(proxyReq)
	if err != nil {
		logErr(log, err)
		p.finishUpstreamError(res, ex, start, err, false)
		return
	}
	defer proxyRes.Body.Close()

	status := proxyRes.StatusCode
	respHeaders := proxyRes.Header

	if p.breakpoints.ShouldBreak(DirectionResponse, method, ex.URL) {
		raw, err := io.ReadAll(proxyRes.Body)
		if err != nil {
			logErr(log, err)
			p.finishUpstreamError(res, ex, start, err, false)
			return
		}
		msg, perr := p.breakpoints.Pause(DirectionResponse, &InterceptedMessage{
			Method:  method,
			URL:     ex.URL,
			Headers: respHeaders,
			Body:    raw,
			Status:  status,
		})
		if perr != nil {
			p.finishDropped(res, ex, start, false)
			return
		}

		for key, values := range msg.Headers {
			if key == "Transfer-Encoding" || key == "Content-Length" {
				continue
			}
			res.Header()[key] = values
		}
		res.Header().Set("Content-Length", strconv.Itoa(len(msg.Body)))
		res.WriteHeader(msg.Status)
		if _, err := res.Write(msg.Body); err != nil {
			logErr(log, err)
		}

		p.finalize(ex, storage.ResponseUpdate{
			Status:          msg.Status,
			ResponseHeaders: storage.NewHeaders(msg.Headers),
			ResponseBody:    storedBody(msg.Body, msg.Headers.Get("Content-Encoding"), p.Opts.MaxResponseBodySize),
			ContentType:     contentTypeOf(msg.Headers.Get("Content-Type")),
			Duration:        time.Since(start).Milliseconds(),
			Size:            int64(len(msg.Body)),
		})
		return
	}

	// Streaming path: bytes go to the client as they arrive; the capture
	// writer keeps a bounded copy and counts the on-wire total.
	for key, values := range respHeaders {
		res.Header()[key] = values
	}
	res.WriteHeader(status)

	cw := newCaptureWriter(p.Opts.MaxResponseBodySize)
	if _, err := io.Copy(res, io.TeeReader(proxyRes.Body, cw)); err != nil {
		logErr(log, err)
	}

	p.finalize(ex, storage.ResponseUpdate{
		Status:          status,
		ResponseHeaders: storage.NewHeaders(respHeaders),
		ResponseBody:    capturedBody(cw, respHeaders.Get("Content-Encoding"), p.Opts.MaxResponseBodySize),
		ContentType:     contentTypeOf(respHeaders.Get("Content-Type")),
		Duration:        time.Since(start).Milliseconds(),
		Size:            cw.Total(),
	})
}

// capturedBody turns a capture writer into the stored body form. An
// incomplete capture stores the oversize placeholder with the on-wire
// count.
func capturedBody(cw *captureWriter, encoding string, limit int64) *string {
	captured, complete := cw.Captured()
	if !complete {
		s := tooLargePlaceholder(cw.Total())
		return &s
	}
	return storedBody(captured, encoding, limit)
}

// finalize applies the terminal store update, mirrors it onto ex and emits
// the completion event. Consumers may read the row back immediately.
func (p *Proxy) finalize(ex *storage.Exchange, upd storage.ResponseUpdate) {
	if err := p.store.UpdateResponse(ex.ID, upd); err != nil {
		log.Errorf("finalize exchange %v: %v", ex.ID, err)
		p.emitProxyError(err)
		return
	}
	ex.Status = upd.Status
	ex.ResponseHeaders = upd.ResponseHeaders
	ex.ResponseBody = upd.ResponseBody
	ex.ContentType = upd.ContentType
	ex.Duration = upd.Duration
	ex.Size = upd.Size
	p.emitRequestComplete(ex)
}

// serveMock answers from the rule without touching the origin. The
// synthetic exchange is persisted as a single final row.
func (p *Proxy) serveMock(res http.ResponseWriter, rule *storage.MockRule, ex *storage.Exchange, start time.Time) {
	if rule.Delay > 0 {
		time.Sleep(time.Duration(rule.Delay) * time.Millisecond)
	}
	status, headers, body := p.mocks.Generate(rule)

	for k, v := range headers {
		res.Header().Set(k, v)
	}
	res.Header().Set("Content-Length", strconv.Itoa(len(body)))
	res.WriteHeader(status)
	if _, err := res.Write(body); err != nil {
		logErr(log.WithField("in", "serveMock"), err)
	}

	ex.Status = status
	ex.ResponseHeaders = headers
	ex.ResponseBody = storedBody(body, "", p.Opts.MaxResponseBodySize)
	ex.ContentType = contentTypeOf(headers["content-type"])
	ex.Duration = time.Since(start).Milliseconds()
	ex.Size = int64(len(body))
	if id, err := p.store.SaveRequest(ex); err != nil {
		log.Errorf("save mock exchange: %v", err)
	} else {
		ex.ID = id
	}
	p.emitRequestComplete(ex)
}

// serveDropped answers a breakpoint drop that happened before the pending
// row existed; the stored row is inserted directly in final state.
func (p *Proxy) serveDropped(res http.ResponseWriter, ex *storage.Exchange, start time.Time) {
	res.Header().Set("Content-Length", strconv.Itoa(len(droppedBody)))
	res.WriteHeader(499)
	io.WriteString(res, droppedBody)

	body := droppedBody
	ex.Status = 499
	ex.ResponseBody = &body
	ex.Duration = time.Since(start).Milliseconds()
	if id, err := p.store.SaveRequest(ex); err != nil {
		log.Errorf("save dropped exchange: %v", err)
	} else {
		ex.ID = id
	}
	p.emitRequestComplete(ex)
}

// finishDropped finalizes an already-pending row as dropped.
func (p *Proxy) finishDropped(res http.ResponseWriter, ex *storage.Exchange, start time.Time, headersSent bool) {
	if !headersSent {
		res.Header().Set("Content-Length", strconv.Itoa(len(droppedBody)))
		res.WriteHeader(499)
		io.WriteString(res, droppedBody)
	}

	body := droppedBody
	p.finalize(ex, storage.ResponseUpdate{
		Status:       499,
		ResponseBody: &body,
		Duration:     time.Since(start).Milliseconds(),
	})
}

// finishUpstreamError records a 502 with the error text as body and, when
// the client has not seen headers yet, answers 502.
func (p *Proxy) finishUpstreamError(res http.ResponseWriter, ex *storage.Exchange, start time.Time, cause error, headersSent bool) {
	if !headersSent {
		res.WriteHeader(502)
		io.WriteString(res, cause.Error())
	}

	body := cause.Error()
	p.finalize(ex, storage.ResponseUpdate{
		Status:       502,
		ResponseBody: &body,
		Duration:     time.Since(start).Milliseconds(),
	})
}

// handleWebsocket stores the upgrade as one WEBSOCKET row and splices both
// directions without frame-level inspection.
func (p *Proxy) handleWebsocket(res http.ResponseWriter, req *http.Request) {
	log := log.WithFields(_log.Fields{
		"in":   "handleWebsocket",
		"host": req.URL.Host,
	})

	start := time.Now()
	ex := &storage.Exchange{
		Timestamp:      start.UnixMilli(),
		Method:         "WEBSOCKET",
		URL:            req.URL.String(),
		Host:           req.URL.Host,
		Path:           req.URL.Path,
		RequestHeaders: storage.NewHeaders(req.Header),
	}

	upgradeBuf, err := httputil.DumpRequest(req, false)
	if err != nil {
		log.Errorf("DumpRequest: %v", err)
		res.WriteHeader(502)
		return
	}

	conn, err := net.Dial("tcp", helper.CanonicalAddr(req.URL))
	if err != nil {
		logErr(log, err)
		body := err.Error()
		ex.Status = 502
		ex.ResponseBody = &body
		ex.Duration = time.Since(start).Milliseconds()
		p.store.SaveRequest(ex)
		res.WriteHeader(502)
		p.emitRequestComplete(ex)
		return
	}
	conn = p.registry.track(conn)
	defer conn.Close()

	cconn, _, err := res.(http.Hijacker).Hijack()
	if err != nil {
		log.Errorf("Hijack: %v", err)
		return
	}
	defer cconn.Close()

	if _, err := conn.Write(upgradeBuf); err != nil {
		logErr(log, err)
		return
	}

	ex.Status = 101
	ex.Duration = time.Since(start).Milliseconds()
	if id, err := p.store.SaveRequest(ex); err == nil {
		ex.ID = id
	}
	p.emitRequestComplete(ex)

	transfer(log, conn, cconn)
}
