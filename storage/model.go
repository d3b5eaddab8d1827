package storage

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// Headers is the stored form of an HTTP header block: lowercased names,
// multi-valued headers collapsed by ", ". Persisted as a JSON object
// column; a malformed stored value degrades to an empty map on read.
type Headers map[string]string

// NewHeaders converts an http.Header into the stored form.
func NewHeaders(h http.Header) Headers {
	out := make(Headers, len(h))
	for name, values := range h {
		out[strings.ToLower(name)] = strings.Join(values, ", ")
	}
	return out
}

func (h Headers) Value() (driver.Value, error) {
	if h == nil {
		h = Headers{}
	}
	data, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (h *Headers) Scan(value interface{}) error {
	var raw string
	switch v := value.(type) {
	case nil:
		*h = Headers{}
		return nil
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return errors.New("headers: unsupported scan type")
	}

	out := Headers{}
	if parsed := gjson.Parse(raw); parsed.IsObject() {
		parsed.ForEach(func(key, value gjson.Result) bool {
			out[key.String()] = value.String()
			return true
		})
	}
	*h = out
	return nil
}

// Exchange is one captured request/response pair. Status stays 0 while the
// response is outstanding; a row with a non-zero status is final.
type Exchange struct {
	ID              int64   `gorm:"primaryKey;autoIncrement" json:"id"`
	Timestamp       int64   `gorm:"index:idx_requests_timestamp,sort:desc" json:"timestamp"`
	Method          string  `gorm:"index" json:"method"`
	URL             string  `json:"url"`
	Host            string  `gorm:"index" json:"host"`
	Path            string  `json:"path"`
	Status          int     `gorm:"index" json:"status"`
	RequestHeaders  Headers `gorm:"type:text" json:"request_headers"`
	RequestBody     *string `json:"request_body"`
	ResponseHeaders Headers `gorm:"type:text" json:"response_headers"`
	ResponseBody    *string `json:"response_body"`
	ContentType     string  `gorm:"index" json:"content_type"`
	Duration        int64   `json:"duration"`
	Size            int64   `json:"size"`
}

func (Exchange) TableName() string { return "requests" }

// ResponseUpdate finalizes a pending Exchange row.
type ResponseUpdate struct {
	Status          int
	ResponseHeaders Headers
	ResponseBody    *string
	ContentType     string
	Duration        int64
	Size            int64
}

// MockRule substitutes a synthetic response for requests whose URL matches
// URLPattern (case-insensitive regex). Rules are evaluated newest first
// (descending CreatedAt); the first enabled match wins.
type MockRule struct {
	ID              string  `gorm:"primaryKey" json:"id"`
	Name            string  `json:"name"`
	Enabled         bool    `gorm:"index" json:"enabled"`
	Method          string  `json:"method"`
	URLPattern      string  `gorm:"column:url_pattern" json:"url_pattern"`
	ResponseStatus  int     `json:"response_status"`
	ResponseHeaders Headers `gorm:"type:text" json:"response_headers"`
	ResponseBody    string  `json:"response_body"`
	Delay           int64   `json:"delay"`
	CreatedAt       int64   `gorm:"autoCreateTime:milli" json:"created_at"`
}

func (MockRule) TableName() string { return "mock_rules" }

// Setting is an opaque string blob keyed by a known setting name.
type Setting struct {
	Key   string `gorm:"primaryKey" json:"key"`
	Value string `json:"value"`
}

func (Setting) TableName() string { return "settings" }
