package web

import (
	"encoding/json"
	"net/http"

	"github.com/hellresistor/trafexia/proxy"
	"github.com/hellresistor/trafexia/storage"
)

// Event envelope pushed to UI clients. The event names are stable
// contracts.
type eventMessage struct {
	On   string      `json:"on"`
	Data interface{} `json:"data"`
}

func newExchangeMessage(ex *storage.Exchange) *eventMessage {
	return &eventMessage{On: "request:complete", Data: ex}
}

type interceptionPayload struct {
	ID        string            `json:"id"`
	Direction string            `json:"direction"`
	Method    string            `json:"method"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers"`
	Body      string            `json:"body"`
	Status    int               `json:"status,omitempty"`
}

func newInterceptionMessage(i *proxy.Interception) *eventMessage {
	return &eventMessage{
		On: "breakpoint:hit",
		Data: &interceptionPayload{
			ID:        i.ID,
			Direction: i.Direction.String(),
			Method:    i.Method,
			URL:       i.URL,
			Headers:   storage.NewHeaders(i.Headers),
			Body:      string(i.Body),
			Status:    i.Status,
		},
	}
}

func newErrorMessage(err error) *eventMessage {
	return &eventMessage{On: "proxy:error", Data: err.Error()}
}

// Controller message sent by a UI client. Continue with a nil Modified is
// an identity resume.
type controlMessage struct {
	Action   string           `json:"action"` // breakpoint:continue | breakpoint:drop
	ID       string           `json:"id"`
	Modified *modifiedMessage `json:"modified,omitempty"`
}

type modifiedMessage struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
	Status  int               `json:"status"`
}

func (m *modifiedMessage) toIntercepted() *proxy.InterceptedMessage {
	headers := make(http.Header, len(m.Headers))
	for k, v := range m.Headers {
		headers.Set(k, v)
	}
	return &proxy.InterceptedMessage{
		Method:  m.Method,
		URL:     m.URL,
		Headers: headers,
		Body:    []byte(m.Body),
		Status:  m.Status,
	}
}

func parseControlMessage(data []byte) (*controlMessage, error) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
