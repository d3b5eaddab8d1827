package proxy

import (
	"errors"
	"net/http"
	"regexp"
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"
)

// ErrDroppedByUser is the distinguished breakpoint verdict that turns into
// a 499 for the client. Never a transport error.
var ErrDroppedByUser = errors.New("request dropped by user")

type Direction int

const (
	DirectionRequest Direction = iota
	DirectionResponse
)

func (d Direction) String() string {
	if d == DirectionResponse {
		return "response"
	}
	return "request"
}

// BreakpointConfig is the process-wide arming state. Mutations only affect
// new matches; messages already paused keep waiting for their verdict.
type BreakpointConfig struct {
	Enabled         bool   `json:"enabled"`
	BreakOnRequest  bool   `json:"break_on_request"`
	BreakOnResponse bool   `json:"break_on_response"`
	URLPattern      string `json:"url_pattern"`
}

// InterceptedMessage is the editable half of a paused exchange. Status is
// meaningful for the response direction only.
type InterceptedMessage struct {
	Method  string
	URL     string
	Headers http.Header
	Body    []byte
	Status  int
}

// Interception is the snapshot handed to controllers while a message is
// paused.
type Interception struct {
	ID        string
	Direction Direction
	Method    string
	URL       string
	Headers   http.Header
	Body      []byte
	Status    int
}

type verdictKind int

const (
	verdictContinue verdictKind = iota
	verdictDrop
	verdictTimeout
)

type verdict struct {
	kind verdictKind
	msg  *InterceptedMessage
}

// BreakpointManager pauses in-flight messages and rendezvouses them with a
// controller. Every reply slot is consumed exactly once.
type BreakpointManager struct {
	timeout time.Duration
	onHit   func(*Interception)

	mu      sync.Mutex
	config  BreakpointConfig
	pattern *regexp.Regexp
	badPat  bool
	pending map[string]chan verdict
}

func NewBreakpointManager(timeout time.Duration, onHit func(*Interception)) *BreakpointManager {
	if onHit == nil {
		onHit = func(*Interception) {}
	}
	return &BreakpointManager{
		timeout: timeout,
		onHit:   onHit,
		pending: make(map[string]chan verdict),
	}
}

// SetConfig swaps the arming state. An invalid URL pattern disarms the
// breakpoint and is logged once.
func (m *BreakpointManager) SetConfig(cfg BreakpointConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.config = cfg
	m.pattern = nil
	m.badPat = false
	if cfg.URLPattern == "" {
		return
	}
	re, err := regexp.Compile("(?i)" + cfg.URLPattern)
	if err != nil {
		m.badPat = true
		log.Warnf("breakpoint url pattern %q invalid: %v", cfg.URLPattern, err)
		return
	}
	m.pattern = re
}

func (m *BreakpointManager) Config() BreakpointConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config
}

// ShouldBreak reports whether a message in the given direction is armed.
func (m *BreakpointManager) ShouldBreak(d Direction, method, url string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.config.Enabled || m.badPat {
		return false
	}
	if d == DirectionRequest && !m.config.BreakOnRequest {
		return false
	}
	if d == DirectionResponse && !m.config.BreakOnResponse {
		return false
	}
	if m.pattern != nil && !m.pattern.MatchString(url) {
		return false
	}
	return true
}

// Pause blocks the calling task until the controller continues or drops
// the message, or the watchdog fires. Continue without a modification and
// timeout both resume with the original.
func (m *BreakpointManager) Pause(d Direction, msg *InterceptedMessage) (*InterceptedMessage, error) {
	id := uuid.NewV4().String()
	ch := make(chan verdict, 1)

	m.mu.Lock()
	m.pending[id] = ch
	m.mu.Unlock()

	m.onHit(&Interception{
		ID:        id,
		Direction: d,
		Method:    msg.Method,
		URL:       msg.URL,
		Headers:   msg.Headers.Clone(),
		Body:      append([]byte(nil), msg.Body...),
		Status:    msg.Status,
	})

	timer := time.AfterFunc(m.timeout, func() {
		m.resolve(id, verdict{kind: verdictTimeout})
	})
	v := <-ch
	timer.Stop()

	switch v.kind {
	case verdictDrop:
		return nil, ErrDroppedByUser
	case verdictContinue:
		if v.msg != nil {
			return v.msg, nil
		}
	}
	return msg, nil
}

// Continue resumes the paused message id; a nil modified is an identity
// resume. Unknown ids are a no-op.
func (m *BreakpointManager) Continue(id string, modified *InterceptedMessage) {
	m.resolve(id, verdict{kind: verdictContinue, msg: modified})
}

// Drop resolves the paused message id as dropped by the user.
func (m *BreakpointManager) Drop(id string) {
	m.resolve(id, verdict{kind: verdictDrop})
}

// ClearPending resumes every outstanding pause with its original message.
// Called during shutdown so no task stays parked.
func (m *BreakpointManager) ClearPending() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.resolve(id, verdict{kind: verdictTimeout})
	}
}

func (m *BreakpointManager) resolve(id string, v verdict) {
	m.mu.Lock()
	ch, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()

	if ok {
		ch <- v
	}
}
