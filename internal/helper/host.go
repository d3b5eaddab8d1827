package helper

import (
	"strings"

	"github.com/tidwall/match"
)

// MatchHost reports whether address matches any entry in hosts.
// Entries may carry a port ("example.com:443") and may use wildcards
// ("*.example.com", "*"). An entry without a port matches any port.
func MatchHost(address string, hosts []string) bool {
	hostname, port := SplitHostPort(address)
	for _, host := range hosts {
		h, p := SplitHostPort(host)
		if p != "" && p != port {
			continue
		}
		if matchHostname(hostname, h) {
			return true
		}
	}
	return false
}

func matchHostname(hostname string, pattern string) bool {
	if pattern == "*" {
		return true
	}
	// "*.example.com" also covers the bare apex
	if strings.HasPrefix(pattern, "*.") && hostname == pattern[2:] {
		return true
	}
	return match.Match(hostname, pattern)
}

// SplitHostPort splits "host:port" on the last colon. Unlike
// net.SplitHostPort it does not error on a missing port.
func SplitHostPort(address string) (string, string) {
	index := strings.LastIndex(address, ":")
	if index == -1 {
		return address, ""
	}
	return address[:index], address[index+1:]
}
