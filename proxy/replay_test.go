package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hellresistor/trafexia/storage"
)

func newTestComposer(t *testing.T) (*Composer, *storage.Store) {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return NewComposer(store), store
}

func TestComposerSend(t *testing.T) {
	composer, _ := newTestComposer(t)

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(201)
		w.Write(append([]byte("echo:"), body...))
	}))
	defer origin.Close()

	ex, err := composer.Send(&Composed{
		Method:  "POST",
		URL:     origin.URL + "/submit",
		Headers: map[string]string{"X-Custom": "1"},
		Body:    []byte("payload"),
	})
	if err != nil {
		t.Fatal(err)
	}

	if ex.ID < replayIDBase {
		t.Fatalf("composer ids must be offset, got %d", ex.ID)
	}
	if ex.Status != 201 || *ex.ResponseBody != "echo:payload" {
		t.Fatalf("unexpected capture: %+v", ex)
	}
	if ex.ContentType != "application/json" {
		t.Fatalf("content type = %q", ex.ContentType)
	}
	if ex.Size != int64(len("echo:payload")) {
		t.Fatalf("size = %d", ex.Size)
	}

	// ids keep advancing
	ex2, err := composer.Send(&Composed{Method: "GET", URL: origin.URL + "/again"})
	if err != nil {
		t.Fatal(err)
	}
	if ex2.ID <= ex.ID {
		t.Fatal("expected monotonic composer ids")
	}
}

func TestComposerSendUpstreamFailure(t *testing.T) {
	composer, _ := newTestComposer(t)

	ex, err := composer.Send(&Composed{Method: "GET", URL: "http://127.0.0.1:1/unreachable"})
	if err != nil {
		t.Fatal(err)
	}
	if ex.Status != 502 || ex.ResponseBody == nil || *ex.ResponseBody == "" {
		t.Fatalf("expected 502 capture with error body, got %+v", ex)
	}
}

func TestComposerReplay(t *testing.T) {
	composer, store := newTestComposer(t)

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Write(append([]byte("got:"), body...))
	}))
	defer origin.Close()

	reqBody := "original-body"
	id, err := store.SaveRequest(&storage.Exchange{
		Method:         "POST",
		URL:            origin.URL + "/replayed",
		Host:           "127.0.0.1",
		Path:           "/replayed",
		Status:         200,
		RequestHeaders: storage.Headers{"x-replay": "yes"},
		RequestBody:    &reqBody,
	})
	if err != nil {
		t.Fatal(err)
	}

	ex, err := composer.Replay(id)
	if err != nil {
		t.Fatal(err)
	}
	if ex.Status != 200 || *ex.ResponseBody != "got:original-body" {
		t.Fatalf("unexpected replay capture: %+v", ex)
	}

	// the original row stays untouched
	row, err := store.GetByID(id)
	if err != nil {
		t.Fatal(err)
	}
	if row.Status != 200 || *row.RequestBody != "original-body" {
		t.Fatalf("original row modified: %+v", row)
	}
}
