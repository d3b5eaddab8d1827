package proxy

import (
	"net/http"
	"sync"
	"testing"
	"time"
)

func newTestManager(timeout time.Duration) (*BreakpointManager, *[]*Interception, *sync.Mutex) {
	hits := make([]*Interception, 0)
	var mu sync.Mutex
	m := NewBreakpointManager(timeout, func(i *Interception) {
		mu.Lock()
		hits = append(hits, i)
		mu.Unlock()
	})
	return m, &hits, &mu
}

func waitForHit(t *testing.T, hits *[]*Interception, mu *sync.Mutex) *Interception {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		if len(*hits) > 0 {
			hit := (*hits)[len(*hits)-1]
			mu.Unlock()
			return hit
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no breakpoint hit observed")
	return nil
}

func TestShouldBreak(t *testing.T) {
	m, _, _ := newTestManager(time.Minute)

	if m.ShouldBreak(DirectionRequest, "GET", "http://a.test/") {
		t.Fatal("disabled config must not break")
	}

	m.SetConfig(BreakpointConfig{Enabled: true, BreakOnRequest: true})
	if !m.ShouldBreak(DirectionRequest, "GET", "http://a.test/") {
		t.Fatal("armed request direction must break")
	}
	if m.ShouldBreak(DirectionResponse, "GET", "http://a.test/") {
		t.Fatal("unarmed response direction must not break")
	}

	m.SetConfig(BreakpointConfig{Enabled: true, BreakOnRequest: true, URLPattern: `api/v\d+`})
	if !m.ShouldBreak(DirectionRequest, "GET", "http://a.test/API/v2/users") {
		t.Fatal("pattern match is case-insensitive")
	}
	if m.ShouldBreak(DirectionRequest, "GET", "http://a.test/other") {
		t.Fatal("non-matching url must not break")
	}

	m.SetConfig(BreakpointConfig{Enabled: true, BreakOnRequest: true, URLPattern: `([`})
	if m.ShouldBreak(DirectionRequest, "GET", "http://a.test/") {
		t.Fatal("invalid pattern must never break")
	}
}

func TestPauseContinueIdentity(t *testing.T) {
	m, hits, mu := newTestManager(time.Minute)

	original := &InterceptedMessage{
		Method:  "POST",
		URL:     "http://a.test/p",
		Headers: http.Header{"X-Test": []string{"1"}},
		Body:    []byte("A"),
	}

	done := make(chan *InterceptedMessage, 1)
	go func() {
		msg, err := m.Pause(DirectionRequest, original)
		if err != nil {
			t.Error(err)
		}
		done <- msg
	}()

	hit := waitForHit(t, hits, mu)
	m.Continue(hit.ID, nil)

	msg := <-done
	if string(msg.Body) != "A" || msg.Method != "POST" {
		t.Fatalf("identity resume must return the original, got %+v", msg)
	}
}

func TestPauseContinueModified(t *testing.T) {
	m, hits, mu := newTestManager(time.Minute)

	done := make(chan *InterceptedMessage, 1)
	go func() {
		msg, err := m.Pause(DirectionRequest, &InterceptedMessage{Method: "POST", URL: "http://a.test/p", Body: []byte("A")})
		if err != nil {
			t.Error(err)
		}
		done <- msg
	}()

	hit := waitForHit(t, hits, mu)
	m.Continue(hit.ID, &InterceptedMessage{Method: "PUT", URL: hit.URL, Body: []byte("B")})

	msg := <-done
	if string(msg.Body) != "B" || msg.Method != "PUT" {
		t.Fatalf("expected the modified message, got %+v", msg)
	}
}

func TestPauseDrop(t *testing.T) {
	m, hits, mu := newTestManager(time.Minute)

	done := make(chan error, 1)
	go func() {
		_, err := m.Pause(DirectionRequest, &InterceptedMessage{Method: "GET", URL: "http://a.test/"})
		done <- err
	}()

	hit := waitForHit(t, hits, mu)
	m.Drop(hit.ID)

	if err := <-done; err != ErrDroppedByUser {
		t.Fatalf("expected ErrDroppedByUser, got %v", err)
	}
}

func TestPauseWatchdogResumesOriginal(t *testing.T) {
	m, _, _ := newTestManager(50 * time.Millisecond)

	msg, err := m.Pause(DirectionRequest, &InterceptedMessage{Method: "GET", URL: "http://a.test/", Body: []byte("orig")})
	if err != nil {
		t.Fatal(err)
	}
	if string(msg.Body) != "orig" {
		t.Fatal("watchdog must resume with the original message")
	}
}

func TestResumeUnknownIdIsNoop(t *testing.T) {
	m, _, _ := newTestManager(time.Minute)
	m.Continue("no-such-id", nil)
	m.Drop("no-such-id")
}

func TestClearPendingResumesAll(t *testing.T) {
	m, hits, mu := newTestManager(time.Minute)

	const n = 3
	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func() {
			m.Pause(DirectionRequest, &InterceptedMessage{Method: "GET", URL: "http://a.test/"})
			done <- struct{}{}
		}()
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		ready := len(*hits) == n
		mu.Unlock()
		if ready {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("pauses did not register")
		}
		time.Sleep(5 * time.Millisecond)
	}

	m.ClearPending()
	for i := 0; i < n; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("ClearPending left a pause parked")
		}
	}
}
