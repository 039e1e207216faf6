package httpstream

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// Record kinds.
const (
	RecordRequest  = "request"
	RecordResponse = "response"
	RecordSSE      = "sse"
	RecordBody     = "body"
	RecordExchange = "exchange"
	RecordAnalysis = "analysis"
	RecordDebug    = "debug"
	RecordError    = "error"
)

// maxEventData caps the SSE data kept per record.
const maxEventData = 1000

// Record is one line of the JSONL traffic file.
type Record struct {
	Timestamp   string `json:"ts"`
	SessionID   string `json:"session,omitempty"`
	SessionSeq  int64  `json:"seq,omitempty"`
	RecordIndex int64  `json:"index,omitempty"`
	Type        string `json:"type"`
	RequestID   string `json:"request_id,omitempty"`

	Method string `json:"method,omitempty"`
	URL    string `json:"url,omitempty"`
	Host   string `json:"host,omitempty"`

	Status     int    `json:"status,omitempty"`
	StatusText string `json:"status_text,omitempty"`

	EventType string `json:"event_type,omitempty"`
	EventID   string `json:"event_id,omitempty"`
	EventData string `json:"event_data,omitempty"`

	Headers map[string][]string `json:"headers,omitempty"`

	Direction    string `json:"direction,omitempty"`
	Size         int    `json:"size,omitempty"`
	Body         string `json:"body,omitempty"`
	BodyBase64   string `json:"body_base64,omitempty"`
	BodyEncoding string `json:"body_encoding,omitempty"` // text or base64
	ContentType  string `json:"content_type,omitempty"`
	Truncated    bool   `json:"truncated,omitempty"`

	TabID          string          `json:"tab,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Origin         string          `json:"origin,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`

	Error string `json:"error,omitempty"`
}

// RecordCallback is called after a record is written.
type RecordCallback func(Record)

// Recorder appends traffic, captured exchanges and analyses to a JSONL file
// and keeps the most recent records in memory for the live feed.
type Recorder struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
	level   LogLevel
	// recent is a ring of the last records written.
	recent []Record
	next   int
	full   bool

	records    atomic.Int64
	sessionSeq atomic.Int64
	onRecord   RecordCallback
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithRecorderLogLevel sets the level debug records need.
func WithRecorderLogLevel(level LogLevel) RecorderOption {
	return func(r *Recorder) { r.level = level }
}

// WithOnRecord sets a callback for each record written.
func WithOnRecord(cb RecordCallback) RecorderOption {
	return func(r *Recorder) { r.onRecord = cb }
}

// WithCacheSize sets how many recent records are kept in memory.
func WithCacheSize(size int) RecorderOption {
	return func(r *Recorder) {
		if size > 0 {
			r.recent = make([]Record, size)
		}
	}
}

// NewRecorder opens path for appending.
func NewRecorder(path string, opts ...RecorderOption) (*Recorder, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY|os.O_SYNC, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "open recorder file")
	}
	r := &Recorder{
		file:    file,
		encoder: json.NewEncoder(file),
		level:   LogLevelBasic,
		recent:  make([]Record, 1000),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Close closes the file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Close()
}

func (r *Recorder) write(rec Record) error {
	if rec.Timestamp == "" {
		rec.Timestamp = time.Now().Format(time.RFC3339Nano)
	}
	r.mu.Lock()
	if err := r.encoder.Encode(rec); err != nil {
		r.mu.Unlock()
		return errors.Wrap(err, "write record")
	}
	r.recent[r.next] = rec
	r.next = (r.next + 1) % len(r.recent)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()

	r.records.Add(1)
	if r.onRecord != nil {
		r.onRecord(rec)
	}
	return nil
}

// RecordCount returns the number of records written.
func (r *Recorder) RecordCount() int64 {
	return r.records.Load()
}

// GetRecentRecords returns up to limit of the latest records, oldest
// first. A limit of zero or less returns everything kept.
func (r *Recorder) GetRecentRecords(limit int) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	var all []Record
	if r.full {
		all = append(append(all, r.recent[r.next:]...), r.recent[:r.next]...)
	} else {
		all = append(all, r.recent[:r.next]...)
	}
	if limit > 0 && limit < len(all) {
		all = all[len(all)-limit:]
	}
	return all
}

// RecordAnalysis writes an analysis presented for a tab.
func (r *Recorder) RecordAnalysis(tabID, convID, origin string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encode analysis")
	}
	return r.write(Record{
		Type:           RecordAnalysis,
		TabID:          tabID,
		ConversationID: convID,
		Origin:         origin,
		Data:           data,
	})
}

// Session records the traffic of one intercepted connection. It implements
// Logger and records at every level; only Debug honours the recorder level.
type Session struct {
	ID   string
	Seq  int64
	Host string

	recorder *Recorder
	index    atomic.Int64
}

var _ Logger = (*Session)(nil)

// NewSession starts recording a connection to host.
func (r *Recorder) NewSession(host string) *Session {
	return &Session{
		ID:       generateSessionID(),
		Seq:      r.sessionSeq.Add(1),
		Host:     host,
		recorder: r,
	}
}

func (s *Session) record(rec Record) {
	rec.SessionID = s.ID
	rec.SessionSeq = s.Seq
	rec.RecordIndex = s.index.Add(1)
	if rec.Host == "" {
		rec.Host = s.Host
	}
	s.recorder.write(rec)
}

// LogRequest implements Logger.
func (s *Session) LogRequest(msg *HTTPMessage) {
	if req := msg.Request; req != nil {
		s.record(Record{
			Type:        RecordRequest,
			RequestID:   msg.ID,
			Method:      req.Method,
			URL:         msg.URL(),
			Headers:     cloneHeaders(req.Header),
			ContentType: req.Header.Get("Content-Type"),
		})
	}
}

// LogResponse implements Logger.
func (s *Session) LogResponse(msg *HTTPMessage) {
	if resp := msg.Response; resp != nil {
		s.record(Record{
			Type:        RecordResponse,
			RequestID:   msg.ID,
			Status:      resp.StatusCode,
			StatusText:  resp.Status,
			Headers:     cloneHeaders(resp.Header),
			ContentType: resp.Header.Get("Content-Type"),
		})
	}
}

// LogSSE implements Logger.
func (s *Session) LogSSE(host string, event *SSEEvent) {
	kind := event.Event
	if kind == "" {
		kind = "message"
	}
	s.record(Record{Type: RecordSSE, Host: host, EventType: kind, EventID: event.ID, EventData: clip(event.Data, maxEventData)})
}

// LogBody implements Logger.
func (s *Session) LogBody(dir Direction, host string, data []byte) {
	if len(data) == 0 {
		return
	}
	rec := Record{Type: RecordBody, Direction: dir.String(), Host: host, Size: len(data)}
	encodeBody(&rec, data)
	s.record(rec)
}

// LogExchange implements Logger. The captured body is kept whole.
func (s *Session) LogExchange(ex *Exchange) {
	rec := Record{
		Type:        RecordExchange,
		RequestID:   ex.ID,
		Method:      ex.Method,
		URL:         ex.URL,
		Status:      ex.Status,
		Size:        len(ex.Body),
		ContentType: ex.ContentType,
		Truncated:   ex.Truncated,
	}
	encodeBody(&rec, ex.Body)
	s.record(rec)
}

// Debug implements Logger.
func (s *Session) Debug(format string, args ...interface{}) {
	if s.recorder.level >= LogLevelDebug {
		s.record(Record{Type: RecordDebug, Error: fmt.Sprintf(format, args...)})
	}
}

// LogError records a connection error.
func (s *Session) LogError(err error) {
	s.record(Record{Type: RecordError, Error: err.Error()})
}

// encodeBody stores data as text when it is printable UTF-8, base64
// otherwise.
func encodeBody(rec *Record, data []byte) {
	if utf8.Valid(data) && printable(data) {
		rec.Body = string(data)
		rec.BodyEncoding = "text"
		return
	}
	rec.BodyBase64 = base64.StdEncoding.EncodeToString(data)
	rec.BodyEncoding = "base64"
}

func printable(data []byte) bool {
	for _, b := range data {
		if b == 127 || (b < 32 && b != '\n' && b != '\r' && b != '\t') {
			return false
		}
	}
	return true
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func cloneHeaders(h http.Header) map[string][]string {
	if h == nil {
		return nil
	}
	return h.Clone()
}
