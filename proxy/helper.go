package proxy

import (
	"net/http"
	"strings"

	_log "github.com/sirupsen/logrus"
)

// Noise from resets, half-closed keep-alives and cert-pinning clients; not
// worth more than a debug line.
var suppressedErrs = []string{
	"read: connection reset by peer",
	"write: broken pipe",
	"i/o timeout",
	"use of closed network connection",
	"unsupported protocol",
	"inappropriate fallback",
	"unexpected message",
	"decryption failed",
	"bad record MAC",
	"unknown certificate",
	"certificate required",
	"EOF",
}

func ignoreErr(log *_log.Entry, err error) bool {
	errs := err.Error()
	for _, str := range suppressedErrs {
		if strings.Contains(errs, str) {
			log.Debug(errs)
			return true
		}
	}
	return false
}

func logErr(log *_log.Entry, err error) {
	if !ignoreErr(log, err) {
		log.Error(err)
	}
}

// contentTypeOf returns the first ";"-separated token of a Content-Type
// value.
func contentTypeOf(value string) string {
	if value == "" {
		return ""
	}
	if i := strings.Index(value, ";"); i != -1 {
		value = value[:i]
	}
	return strings.TrimSpace(value)
}

// statusReason covers the non-standard codes the proxy synthesizes.
func statusReason(code int) string {
	if code == 499 {
		return "Client Closed Request"
	}
	if text := http.StatusText(code); text != "" {
		return text
	}
	return "Unknown"
}

// cloneHeader copies h without hop-by-hop proxy headers.
func cloneHeader(h http.Header) http.Header {
	out := h.Clone()
	out.Del("Proxy-Connection")
	return out
}
