package helper

import (
	"net"
	"net/url"
	"strings"
)

// IsTLSHandshake reports whether buf starts a TLS record: handshake type,
// TLS major version 3.
func IsTLSHandshake(buf []byte) bool {
	if len(buf) < 3 {
		return false
	}
	return buf[0] == 0x16 && buf[1] == 0x03 && buf[2] <= 0x09
}

var portMap = map[string]string{
	"http":  "80",
	"https": "443",
	"ws":    "80",
	"wss":   "443",
}

// CanonicalAddr returns url.Host with the scheme default port made
// explicit.
func CanonicalAddr(u *url.URL) string {
	port := u.Port()
	if port == "" {
		port = portMap[strings.ToLower(u.Scheme)]
	}
	return net.JoinHostPort(u.Hostname(), port)
}
