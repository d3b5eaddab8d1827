package helper

import "testing"

func TestMatchHost(t *testing.T) {
	hosts := []string{
		"*.internal.test",
		"api.example.test:443",
		"api.example.test",
		"static.example.test",
	}

	cases := []struct {
		address string
		want    bool
	}{
		{"api.example.test:443", true},
		{"api.example.test:80", true},
		{"static.example.test:80", true},
		{"sub.internal.test:443", true},
		{"internal.test:443", true},
		{"other.test:80", false},
	}

	for _, c := range cases {
		if got := MatchHost(c.address, hosts); got != c.want {
			t.Errorf("MatchHost(%q) = %v, want %v", c.address, got, c.want)
		}
	}

	withPort := []string{"*.internal.test:443"}
	if !MatchHost("a.internal.test:443", withPort) {
		t.Error("expected port-qualified wildcard to match")
	}
	if MatchHost("a.internal.test:80", withPort) {
		t.Error("expected port mismatch to fail")
	}
	if !MatchHost("anything:1234", []string{"*"}) {
		t.Error("expected bare wildcard to match everything")
	}
}
