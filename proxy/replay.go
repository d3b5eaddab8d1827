package proxy

import (
	"bytes"
	"crypto/tls"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hellresistor/trafexia/storage"
	"go.uber.org/atomic"
)

// replayIDBase offsets composer-assigned ids so they can never collide
// with store-assigned row ids.
const replayIDBase = 1_000_000_000

// Composed is a request synthesized from stored or user-supplied data.
type Composed struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    []byte            `json:"body"`
}

// Composer issues composed requests outside the proxy path and returns
// their capture. It never writes to the store; persisting the result is
// the caller's decision.
type Composer struct {
	store   *storage.Store
	client  *http.Client
	counter atomic.Int64
}

func NewComposer(store *storage.Store) *Composer {
	return &Composer{
		store: store,
		client: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				DisableCompression: true,
				ForceAttemptHTTP2:  false,
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: true,
				},
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Send issues the composed request and returns its capture. Upstream
// failures come back as a 502 exchange with the error text as body, the
// same shape the proxy path records.
func (c *Composer) Send(composed *Composed) (*storage.Exchange, error) {
	u, err := url.Parse(composed.URL)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	ex := &storage.Exchange{
		ID:        replayIDBase + c.counter.Inc(),
		Timestamp: start.UnixMilli(),
		Method:    composed.Method,
		URL:       composed.URL,
		Host:      u.Host,
		Path:      u.Path,
	}

	var body io.Reader
	if len(composed.Body) > 0 {
		body = bytes.NewReader(composed.Body)
		reqBody := string(composed.Body)
		ex.RequestBody = &reqBody
	}

	req, err := http.NewRequest(composed.Method, composed.URL, body)
	if err != nil {
		return nil, err
	}
	for k, v := range composed.Headers {
		req.Header.Set(k, v)
	}
	ex.RequestHeaders = storage.NewHeaders(req.Header)

	res, err := c.client.Do(req)
	if err != nil {
		msg := err.Error()
		ex.Status = 502
		ex.ResponseBody = &msg
		ex.Duration = time.Since(start).Milliseconds()
		return ex, nil
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		msg := err.Error()
		ex.Status = 502
		ex.ResponseBody = &msg
		ex.Duration = time.Since(start).Milliseconds()
		return ex, nil
	}

	ex.Status = res.StatusCode
	ex.ResponseHeaders = storage.NewHeaders(res.Header)
	ex.ResponseBody = storedBody(raw, res.Header.Get("Content-Encoding"), defaultMaxResponseBodySize)
	ex.ContentType = contentTypeOf(res.Header.Get("Content-Type"))
	ex.Duration = time.Since(start).Milliseconds()
	ex.Size = int64(len(raw))
	return ex, nil
}

// Replay re-issues the request side of the stored exchange id. The
// original row is left untouched.
func (c *Composer) Replay(id int64) (*storage.Exchange, error) {
	original, err := c.store.GetByID(id)
	if err != nil {
		return nil, err
	}

	composed := &Composed{
		Method:  original.Method,
		URL:     original.URL,
		Headers: original.RequestHeaders,
	}
	if original.RequestBody != nil {
		composed.Body = []byte(*original.RequestBody)
	}
	return c.Send(composed)
}
