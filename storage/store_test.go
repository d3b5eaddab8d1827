package storage

import (
	"net/http"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func strptr(s string) *string { return &s }

func saveExchange(t *testing.T, s *Store, ex *Exchange) int64 {
	t.Helper()
	id, err := s.SaveRequest(ex)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestSaveRequestMonotonicIds(t *testing.T) {
	s := openTestStore(t)

	var last int64
	for i := 0; i < 10; i++ {
		id := saveExchange(t, s, &Exchange{Method: "GET", URL: "http://a.test/", Host: "a.test", Path: "/"})
		if id <= last {
			t.Fatalf("expected monotonic ids, got %d after %d", id, last)
		}
		last = id
	}
}

func TestUpdateResponseFinalizesOnce(t *testing.T) {
	s := openTestStore(t)

	id := saveExchange(t, s, &Exchange{Method: "GET", URL: "http://a.test/x", Host: "a.test", Path: "/x"})

	err := s.UpdateResponse(id, ResponseUpdate{
		Status:          200,
		ResponseHeaders: Headers{"content-type": "text/plain"},
		ResponseBody:    strptr("hello"),
		ContentType:     "text/plain",
		Duration:        12,
		Size:            5,
	})
	if err != nil {
		t.Fatal(err)
	}

	// second finalize must be a no-op
	if err := s.UpdateResponse(id, ResponseUpdate{Status: 500, ResponseBody: strptr("nope")}); err != nil {
		t.Fatal(err)
	}

	ex, err := s.GetByID(id)
	if err != nil {
		t.Fatal(err)
	}
	if ex.Status != 200 || *ex.ResponseBody != "hello" || ex.Size != 5 {
		t.Fatalf("row rewritten after finalize: %+v", ex)
	}
}

func TestHeadersRoundTrip(t *testing.T) {
	s := openTestStore(t)

	h := http.Header{}
	h.Add("Content-Type", "application/json")
	h.Add("Set-Cookie", "a=1")
	h.Add("Set-Cookie", "b=2")

	id := saveExchange(t, s, &Exchange{
		Method:         "GET",
		URL:            "http://a.test/h",
		Host:           "a.test",
		Path:           "/h",
		RequestHeaders: NewHeaders(h),
	})

	ex, err := s.GetByID(id)
	if err != nil {
		t.Fatal(err)
	}
	if ex.RequestHeaders["content-type"] != "application/json" {
		t.Fatalf("expected lowercased key, got %v", ex.RequestHeaders)
	}
	if ex.RequestHeaders["set-cookie"] != "a=1, b=2" {
		t.Fatalf("expected comma-joined values, got %q", ex.RequestHeaders["set-cookie"])
	}
}

func TestHeadersScanDegradesOnMalformedJSON(t *testing.T) {
	var h Headers
	if err := h.Scan("{not json"); err != nil {
		t.Fatal(err)
	}
	if len(h) != 0 {
		t.Fatalf("expected empty map, got %v", h)
	}
	if err := h.Scan(nil); err != nil {
		t.Fatal(err)
	}
	if h == nil {
		t.Fatal("scan of nil must yield an empty map, not nil")
	}
}

func seedForFilters(t *testing.T, s *Store) {
	t.Helper()
	rows := []*Exchange{
		{Timestamp: 1000, Method: "GET", URL: "http://a.test/one", Host: "a.test", Path: "/one", Status: 200, ContentType: "text/html"},
		{Timestamp: 2000, Method: "POST", URL: "http://b.test/two", Host: "b.test", Path: "/two", Status: 404, ContentType: "application/json"},
		{Timestamp: 3000, Method: "GET", URL: "http://a.test/three", Host: "a.test", Path: "/three", Status: 200, ContentType: "application/json"},
		{Timestamp: 3000, Method: "DELETE", URL: "http://c.test/four", Host: "c.test", Path: "/four", Status: 502, ContentType: "text/plain"},
		{Timestamp: 4000, Method: "GET", URL: "http://c.test/five", Host: "c.test", Path: "/five", Status: 0, ContentType: ""},
	}
	for _, r := range rows {
		saveExchange(t, s, r)
	}
}

func TestListOrderingAndPagination(t *testing.T) {
	s := openTestStore(t)
	seedForFilters(t, s)

	all, err := s.List(Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 rows, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		a, b := all[i-1], all[i]
		if a.Timestamp < b.Timestamp {
			t.Fatal("expected timestamp descending")
		}
		if a.Timestamp == b.Timestamp && a.ID < b.ID {
			t.Fatal("expected ties broken by id descending")
		}
	}

	paged, err := s.List(Filter{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(paged) != 2 || paged[0].ID != all[1].ID || paged[1].ID != all[2].ID {
		t.Fatal("pagination must be a contiguous slice of the unpaginated result")
	}
}

func TestFilterEquivalence(t *testing.T) {
	s := openTestStore(t)
	seedForFilters(t, s)

	filters := []Filter{
		{},
		{SearchQuery: "a.test"},
		{SearchQuery: "three"},
		{Methods: []string{"GET", "POST"}},
		{StatusCodes: []int{200}},
		{StatusCodes: []int{200, 502}},
		{Hosts: []string{"a.test", "c.test"}},
		{ContentTypes: []string{"json"}},
		{ContentTypes: []string{"json", "html"}},
		{StartTime: 2000, EndTime: 3000},
		{Methods: []string{"GET"}, Hosts: []string{"a.test"}, StatusCodes: []int{200}},
	}

	for _, f := range filters {
		rows, err := s.List(f)
		if err != nil {
			t.Fatal(err)
		}
		n, err := s.Count(f)
		if err != nil {
			t.Fatal(err)
		}
		if int64(len(rows)) != n {
			t.Fatalf("filter %+v: list len %d != count %d", f, len(rows), n)
		}
	}
}

func TestFilterSemantics(t *testing.T) {
	s := openTestStore(t)
	seedForFilters(t, s)

	t.Run("status codes are literal", func(t *testing.T) {
		n, err := s.Count(Filter{StatusCodes: []int{404}})
		if err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Fatalf("expected literal status match, got %d", n)
		}
	})

	t.Run("content type is substring", func(t *testing.T) {
		n, err := s.Count(Filter{ContentTypes: []string{"json"}})
		if err != nil {
			t.Fatal(err)
		}
		if n != 2 {
			t.Fatalf("expected 2 json rows, got %d", n)
		}
	})

	t.Run("date range is inclusive", func(t *testing.T) {
		n, err := s.Count(Filter{StartTime: 2000, EndTime: 3000})
		if err != nil {
			t.Fatal(err)
		}
		if n != 3 {
			t.Fatalf("expected inclusive bounds to match 3 rows, got %d", n)
		}
	})
}

func TestUniqueValues(t *testing.T) {
	s := openTestStore(t)
	seedForFilters(t, s)

	hosts, err := s.UniqueHosts()
	if err != nil {
		t.Fatal(err)
	}
	if len(hosts) != 3 {
		t.Fatalf("expected 3 unique hosts, got %v", hosts)
	}

	// empty content types are dropped
	types, err := s.UniqueContentTypes()
	if err != nil {
		t.Fatal(err)
	}
	for _, ct := range types {
		if ct == "" {
			t.Fatal("expected empty content type to be filtered out")
		}
	}
}

func TestDeleteAndClear(t *testing.T) {
	s := openTestStore(t)
	seedForFilters(t, s)

	all, _ := s.List(Filter{})
	if err := s.Delete(all[0].ID); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.Count(Filter{}); n != 4 {
		t.Fatalf("expected 4 rows after delete, got %d", n)
	}

	if err := s.ClearAll(); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.Count(Filter{}); n != 0 {
		t.Fatalf("expected empty store, got %d", n)
	}
}

func TestDeleteOlderThan(t *testing.T) {
	s := openTestStore(t)

	old := time.Now().Add(-48 * time.Hour).UnixMilli()
	saveExchange(t, s, &Exchange{Timestamp: old, Method: "GET", URL: "http://a.test/", Host: "a.test", Path: "/"})
	saveExchange(t, s, &Exchange{Method: "GET", URL: "http://a.test/new", Host: "a.test", Path: "/new"})

	deleted, err := s.DeleteOlderThan(24)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted, got %d", deleted)
	}
	if n, _ := s.Count(Filter{}); n != 1 {
		t.Fatalf("expected 1 row left, got %d", n)
	}
}

func TestMockRulePersistence(t *testing.T) {
	s := openTestStore(t)

	first := &MockRule{ID: "r1", Name: "teapot", Enabled: true, URLPattern: `.*\.test/api.*`, ResponseStatus: 418, ResponseBody: "teapot", CreatedAt: 100}
	second := &MockRule{ID: "r2", Name: "later", Enabled: false, URLPattern: `.*`, ResponseStatus: 200, CreatedAt: 200}
	if err := s.SaveMockRule(first); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveMockRule(second); err != nil {
		t.Fatal(err)
	}

	rules, err := s.ListMockRules()
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 2 || rules[0].ID != "r2" {
		t.Fatal("expected descending creation order")
	}

	first.Enabled = false
	if err := s.UpdateMockRule(first); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetMockRule("r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Enabled {
		t.Fatal("expected rule to be disabled")
	}

	if err := s.DeleteMockRule("r1"); err != nil {
		t.Fatal(err)
	}
	if rules, _ = s.ListMockRules(); len(rules) != 1 {
		t.Fatal("expected one rule left")
	}
}

func TestSettings(t *testing.T) {
	s := openTestStore(t)

	if err := s.SetSetting("breakpoints", `{"enabled":false}`); err != nil {
		t.Fatal(err)
	}
	if err := s.SetSetting("breakpoints", `{"enabled":true}`); err != nil {
		t.Fatal(err)
	}
	v, err := s.GetSetting("breakpoints")
	if err != nil {
		t.Fatal(err)
	}
	if v != `{"enabled":true}` {
		t.Fatalf("expected upserted value, got %q", v)
	}
}
