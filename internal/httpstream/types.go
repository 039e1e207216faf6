// Package httpstream parses the plaintext HTTP/1.x traffic of a MITM session
// and pairs each response with the request it answers.
package httpstream

import (
	"net/http"
	"time"
)

// Direction indicates the data flow direction.
type Direction int

const (
	ClientToServer Direction = iota
	ServerToClient
)

func (d Direction) String() string {
	if d == ClientToServer {
		return "C2S"
	}
	return "S2C"
}

// HTTPMessage represents a parsed HTTP message. ID is shared by a request
// and the response that answers it.
type HTTPMessage struct {
	ID        string
	Direction Direction
	Request   *http.Request
	Response  *http.Response
	Body      *BodyReader
	Host      string
	Timestamp time.Time
}

// URL returns the absolute request URL of the message.
func (m *HTTPMessage) URL() string {
	if m.Request == nil || m.Request.URL == nil {
		return ""
	}
	if m.Request.URL.IsAbs() {
		return m.Request.URL.String()
	}
	host := m.Request.Host
	if host == "" {
		host = m.Host
	}
	return "https://" + host + m.Request.URL.RequestURI()
}

// Exchange is a completed request/response pair with its decoded response
// body.
type Exchange struct {
	ID          string
	Method      string
	URL         string
	Host        string
	Status      int
	ContentType string
	Body        []byte
	Truncated   bool
	Started     time.Time
	Completed   time.Time
}

// SSEEvent represents a Server-Sent Event.
type SSEEvent struct {
	ID    string
	Event string
	Data  string
	Retry int
	Raw   []byte // Original data for non-standard formats
}

// LogLevel controls logging verbosity.
type LogLevel int

const (
	LogLevelNone LogLevel = iota
	LogLevelBasic
	LogLevelHeaders
	LogLevelBody
	LogLevelDebug
)

// Logger interface for HTTP stream logging.
type Logger interface {
	// LogRequest logs an HTTP request.
	LogRequest(msg *HTTPMessage)
	// LogResponse logs an HTTP response.
	LogResponse(msg *HTTPMessage)
	// LogSSE logs an SSE event.
	LogSSE(host string, event *SSEEvent)
	// LogBody logs body data chunk.
	LogBody(direction Direction, host string, data []byte)
	// LogExchange logs a captured exchange.
	LogExchange(ex *Exchange)
	// Debug logs debug information.
	Debug(format string, args ...interface{})
}

// NopLogger is a no-op logger.
type NopLogger struct{}

func (NopLogger) LogRequest(msg *HTTPMessage)                  {}
func (NopLogger) LogResponse(msg *HTTPMessage)                 {}
func (NopLogger) LogSSE(host string, event *SSEEvent)          {}
func (NopLogger) LogBody(dir Direction, host string, _ []byte) {}
func (NopLogger) LogExchange(ex *Exchange)                     {}
func (NopLogger) Debug(format string, args ...interface{})     {}

// MultiLogger fans every call out to each of its loggers.
type MultiLogger []Logger

func (m MultiLogger) LogRequest(msg *HTTPMessage) {
	for _, l := range m {
		l.LogRequest(msg)
	}
}

func (m MultiLogger) LogResponse(msg *HTTPMessage) {
	for _, l := range m {
		l.LogResponse(msg)
	}
}

func (m MultiLogger) LogSSE(host string, event *SSEEvent) {
	for _, l := range m {
		l.LogSSE(host, event)
	}
}

func (m MultiLogger) LogBody(dir Direction, host string, data []byte) {
	for _, l := range m {
		l.LogBody(dir, host, data)
	}
}

func (m MultiLogger) LogExchange(ex *Exchange) {
	for _, l := range m {
		l.LogExchange(ex)
	}
}

func (m MultiLogger) Debug(format string, args ...interface{}) {
	for _, l := range m {
		l.Debug(format, args...)
	}
}
