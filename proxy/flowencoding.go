package proxy

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

var errEncodingNotSupport = errors.New("content-encoding not support")

const binaryDataPlaceholder = "[Binary data]"

func tooLargePlaceholder(n int64) string {
	return fmt.Sprintf("[Body too large: %d bytes]", n)
}

// truncatedPlaceholder marks a request body that was streamed past the
// buffering cap; the exact length is unknown at store time.
func truncatedPlaceholder(limit int64) string {
	return fmt.Sprintf("[Body too large: exceeds %d bytes]", limit)
}

// decodeBody undoes the Content-Encoding of body. The caller keeps the
// original bytes on error.
func decodeBody(enc string, body []byte) ([]byte, error) {
	switch enc {
	case "gzip":
		dreader, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		buf := bytes.NewBuffer(make([]byte, 0))
		if _, err := io.Copy(buf, dreader); err != nil {
			return nil, err
		}
		if err := dreader.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case "br":
		dreader := brotli.NewReader(bytes.NewReader(body))
		buf := bytes.NewBuffer(make([]byte, 0))
		if _, err := io.Copy(buf, dreader); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case "deflate":
		dreader := flate.NewReader(bytes.NewReader(body))
		buf := bytes.NewBuffer(make([]byte, 0))
		if _, err := io.Copy(buf, dreader); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case "zstd":
		dreader, err := zstd.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer dreader.Close()
		buf := bytes.NewBuffer(make([]byte, 0))
		if _, err := io.Copy(buf, dreader); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return nil, errEncodingNotSupport
}

// storedBody converts on-wire bytes into the stored string form:
// decompress per encoding (keeping the compressed bytes when that fails),
// replace with a placeholder when the decompressed length exceeds the cap,
// and coerce to UTF-8 with the binary sentinel.
func storedBody(raw []byte, encoding string, limit int64) *string {
	if raw == nil {
		return nil
	}
	if len(raw) == 0 {
		s := ""
		return &s
	}

	decoded := raw
	if encoding != "" && encoding != "identity" {
		if d, err := decodeBody(encoding, raw); err == nil {
			decoded = d
		}
	}

	var s string
	switch {
	case int64(len(decoded)) > limit:
		s = tooLargePlaceholder(int64(len(decoded)))
	case !utf8.Valid(decoded):
		s = binaryDataPlaceholder
	default:
		s = string(decoded)
	}
	return &s
}

// captureWriter accumulates a bounded copy of a streamed body while
// counting every byte that passes through.
type captureWriter struct {
	buf   bytes.Buffer
	limit int64
	total int64
}

func newCaptureWriter(limit int64) *captureWriter {
	return &captureWriter{limit: limit}
}

func (w *captureWriter) Write(p []byte) (int, error) {
	w.total += int64(len(p))
	if room := w.limit - int64(w.buf.Len()); room > 0 {
		if int64(len(p)) > room {
			p = p[:room]
		}
		w.buf.Write(p)
	}
	return len(p), nil
}

// Total is the on-wire byte count seen so far.
func (w *captureWriter) Total() int64 { return w.total }

// Captured returns the buffered copy and whether it is complete.
func (w *captureWriter) Captured() ([]byte, bool) {
	return w.buf.Bytes(), w.total <= w.limit
}
