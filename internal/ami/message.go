package ami

import (
	"strconv"
	"strings"
)

// Message is one AMI block (a response or an event) as an ordered set of
// key-value pairs. Raw holds the block text as received.
type Message struct {
	headers []Header
	raw     string

	// Events holds follow-up list events for responses that opened an
	// event list ("EventList: start"), in arrival order.
	Events []Message
}

// Header is a single "Key: Value" line.
type Header struct {
	Key   string
	Value string
}

// NewMessage creates a Message from a slice of key-value pairs.
func NewMessage(kvs ...string) Message {
	m := Message{}
	var b strings.Builder
	for i := 0; i+1 < len(kvs); i += 2 {
		m.headers = append(m.headers, Header{Key: kvs[i], Value: kvs[i+1]})
		b.WriteString(kvs[i] + ": " + kvs[i+1] + "\r\n")
	}
	m.raw = b.String()
	return m
}

// Get returns the value for the given key, or empty string if not found.
// Keys compare case-insensitively, as Asterisk is not consistent about case.
func (m Message) Get(key string) string {
	for _, h := range m.headers {
		if strings.EqualFold(h.Key, key) {
			return h.Value
		}
	}
	return ""
}

// GetInt returns the integer value for the given key, or 0 if not found/parseable.
func (m Message) GetInt(key string) int {
	v, _ := strconv.Atoi(m.Get(key))
	return v
}

// Type returns the Event header value (the AMI event type).
func (m Message) Type() string {
	return m.Get("Event")
}

// ActionID returns the correlation token echoed by the switch.
func (m Message) ActionID() string {
	return m.Get("ActionID")
}

// Headers returns all headers in arrival order.
func (m Message) Headers() []Header {
	return m.headers
}

// Raw returns the block text, including any list events.
func (m Message) Raw() string {
	if len(m.Events) == 0 {
		return m.raw
	}
	var b strings.Builder
	b.WriteString(m.raw)
	for _, e := range m.Events {
		b.WriteString("\r\n")
		b.WriteString(e.raw)
	}
	return b.String()
}

// IsResponse returns true if this is an AMI response rather than an event.
// Events such as OriginateResponse carry a Response header too and are not
// responses.
func (m Message) IsResponse() bool {
	return m.Get("Response") != "" && m.Get("Event") == ""
}

// IsSuccess reports whether the response carries the success marker.
func (m Message) IsSuccess() bool {
	return strings.EqualFold(m.Get("Response"), "Success")
}

// IsError reports whether the response is an explicit Error.
func (m Message) IsError() bool {
	return strings.EqualFold(m.Get("Response"), "Error")
}
