package httpstream

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultLogger implements Logger on top of zerolog with configurable
// verbosity.
type DefaultLogger struct {
	logger zerolog.Logger
	level  LogLevel
}

// LoggerOption configures a DefaultLogger.
type LoggerOption func(*DefaultLogger)

// WithZerolog sets the destination logger.
func WithZerolog(l zerolog.Logger) LoggerOption {
	return func(d *DefaultLogger) { d.logger = l }
}

// WithLevel sets the log level.
func WithLevel(level LogLevel) LoggerOption {
	return func(d *DefaultLogger) { d.level = level }
}

// NewDefaultLogger creates a new DefaultLogger writing to the global logger.
func NewDefaultLogger(opts ...LoggerOption) *DefaultLogger {
	l := &DefaultLogger{
		logger: log.With().Str("component", "http").Logger(),
		level:  LogLevelBasic,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func headerDict(h map[string][]string) *zerolog.Event {
	d := zerolog.Dict()
	for name, values := range h {
		d.Str(name, strings.Join(values, ", "))
	}
	return d
}

// LogRequest logs an HTTP request.
func (l *DefaultLogger) LogRequest(msg *HTTPMessage) {
	if l.level < LogLevelBasic || msg.Request == nil {
		return
	}
	ev := l.logger.Info().Str("id", msg.ID).Str("method", msg.Request.Method).Str("url", msg.URL())
	if l.level >= LogLevelHeaders {
		ev = ev.Dict("headers", headerDict(msg.Request.Header))
	}
	ev.Msg("→ request")
}

// LogResponse logs an HTTP response.
func (l *DefaultLogger) LogResponse(msg *HTTPMessage) {
	if l.level < LogLevelBasic || msg.Response == nil {
		return
	}
	resp := msg.Response

	contentType := resp.Header.Get("Content-Type")
	if idx := strings.Index(contentType, ";"); idx > 0 {
		contentType = contentType[:idx]
	}

	ev := l.logger.Info()
	if resp.StatusCode >= 400 {
		ev = l.logger.Warn()
	}
	ev = ev.Str("id", msg.ID).Int("status", resp.StatusCode).Str("host", msg.Host).Str("content_type", contentType)
	if l.level >= LogLevelHeaders {
		ev = ev.Dict("headers", headerDict(resp.Header))
	}
	ev.Msg("← response")
}

// LogSSE logs an SSE event.
func (l *DefaultLogger) LogSSE(host string, event *SSEEvent) {
	if l.level < LogLevelDebug {
		return
	}
	eventType := event.Event
	if eventType == "" {
		eventType = "message"
	}
	l.logger.Debug().Str("host", host).Str("event", eventType).
		Str("data", strings.ReplaceAll(clip(event.Data, 200), "\n", "\\n")).Msg("sse")
}

// LogBody logs body data chunk.
func (l *DefaultLogger) LogBody(dir Direction, host string, data []byte) {
	if l.level < LogLevelBody {
		return
	}

	preview := data
	if len(preview) > 100 {
		preview = preview[:100]
	}
	ev := l.logger.Debug().Str("dir", dir.String()).Str("host", host).Int("size", len(data))
	if printable(preview) {
		ev = ev.Str("preview", strings.ReplaceAll(string(preview), "\n", "\\n"))
	} else {
		ev = ev.Bool("binary", true)
	}
	ev.Msg("body")
}

// LogExchange logs a captured exchange.
func (l *DefaultLogger) LogExchange(ex *Exchange) {
	if l.level < LogLevelBasic {
		return
	}
	l.logger.Info().Str("id", ex.ID).Str("method", ex.Method).Str("url", ex.URL).
		Int("status", ex.Status).Int("size", len(ex.Body)).Bool("truncated", ex.Truncated).
		Dur("took", ex.Completed.Sub(ex.Started)).Msg("exchange captured")
}

// Debug logs debug information.
func (l *DefaultLogger) Debug(format string, args ...interface{}) {
	if l.level < LogLevelDebug {
		return
	}
	l.logger.Debug().Msg(fmt.Sprintf(format, args...))
}
