// Package types defines the configuration and session types shared by the
// daemon, the proxy and the CLI.
package types

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Session is one proxied client connection. The proxy front-end treats each
// session as a tab.
type Session struct {
	ID        string    `json:"id"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Client    string    `json:"client"`
	StartTime time.Time `json:"start_time"`

	BytesSent     uint64 `json:"bytes_sent"`
	BytesReceived uint64 `json:"bytes_received"`

	ClientConn net.Conn `json:"-"`
	closed     atomic.Bool

	mu      sync.Mutex
	endTime time.Time
	lastURL string
}

// AddBytesSent atomically adds to bytes sent counter.
func (s *Session) AddBytesSent(n uint64) {
	atomic.AddUint64(&s.BytesSent, n)
}

// AddBytesReceived atomically adds to bytes received counter.
func (s *Session) AddBytesReceived(n uint64) {
	atomic.AddUint64(&s.BytesReceived, n)
}

// IsClosed returns whether the session is closed.
func (s *Session) IsClosed() bool {
	return s.closed.Load()
}

// MarkClosed marks the session as closed. It reports false if it already was.
func (s *Session) MarkClosed() bool {
	if !s.closed.CompareAndSwap(false, true) {
		return false
	}
	s.mu.Lock()
	s.endTime = time.Now()
	s.mu.Unlock()
	return true
}

// Duration returns the session duration.
func (s *Session) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.endTime.Sub(s.StartTime)
}

// SetLastURL records the last request URL seen on the session.
func (s *Session) SetLastURL(u string) {
	s.mu.Lock()
	s.lastURL = u
	s.mu.Unlock()
}

// LastURL returns the last request URL seen on the session.
func (s *Session) LastURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastURL
}

// SessionInfo is the JSON view of a Session.
type SessionInfo struct {
	ID            string  `json:"id"`
	Host          string  `json:"host"`
	Port          int     `json:"port"`
	Client        string  `json:"client"`
	StartTime     string  `json:"start_time"`
	DurationSec   float64 `json:"duration_sec"`
	BytesSent     uint64  `json:"bytes_sent"`
	BytesReceived uint64  `json:"bytes_received"`
	LastURL       string  `json:"last_url,omitempty"`
	Closed        bool    `json:"closed"`
}

// Info snapshots the session.
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		ID:            s.ID,
		Host:          s.Host,
		Port:          s.Port,
		Client:        s.Client,
		StartTime:     s.StartTime.Format(time.RFC3339),
		DurationSec:   s.Duration().Seconds(),
		BytesSent:     atomic.LoadUint64(&s.BytesSent),
		BytesReceived: atomic.LoadUint64(&s.BytesReceived),
		LastURL:       s.LastURL(),
		Closed:        s.IsClosed(),
	}
}

// LogLevel for HTTP stream logging.
type LogLevel int

const (
	LogLevelNone LogLevel = iota
	LogLevelBasic
	LogLevelHeaders
	LogLevelBody
	LogLevelDebug
)
