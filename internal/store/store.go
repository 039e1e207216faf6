// Package store keeps the last analysis per conversation.
//
// Each conversation id maps to exactly one Entry; saving overwrites. Entries
// older than the freshness bound are treated as absent by Load and removed by
// Prune.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/burpheart/gpt-tap/internal/extractor"
)

// DefaultMaxAge is how long a snapshot stays fresh.
const DefaultMaxAge = 24 * time.Hour

var errEmptyID = errors.New("store: conversation id is empty")

// Entry is one persisted snapshot.
type Entry struct {
	ConversationID string                   `json:"conversationId"`
	Timestamp      string                   `json:"timestamp"`
	Data           extractor.AnalysisResult `json:"data"`
}

// SavedAt parses Timestamp.
func (e Entry) SavedAt() (time.Time, error) {
	return extractor.ParseTimestamp(e.Timestamp)
}

// Store persists snapshots.
type Store interface {
	// Save overwrites the snapshot for result's conversation id.
	Save(ctx context.Context, convID string, result extractor.AnalysisResult) error
	// Load returns the snapshot if present and fresh.
	Load(ctx context.Context, convID string) (Entry, bool, error)
	Delete(ctx context.Context, convID string) error
	// List returns every stored entry, newest first, stale ones included.
	List(ctx context.Context) ([]Entry, error)
	// Prune drops stale entries and returns how many were removed.
	Prune(ctx context.Context) (int, error)
	Close() error
}

// Option configures a store.
type Option func(*options)

type options struct {
	maxAge time.Duration
	now    func() time.Time
}

func newOptions(opts []Option) options {
	o := options{maxAge: DefaultMaxAge, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithMaxAge sets the freshness bound.
func WithMaxAge(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.maxAge = d
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func (o options) fresh(savedAt time.Time) bool {
	return o.now().Sub(savedAt) <= o.maxAge
}

func normalizeID(convID string) (string, error) {
	convID = strings.TrimSpace(convID)
	if convID == "" {
		return "", errEmptyID
	}
	return convID, nil
}

// Settings selects and configures a store.
type Settings struct {
	Driver string        `yaml:"driver"`
	Path   string        `yaml:"path"`
	MaxAge time.Duration `yaml:"-"`
}

// Open builds the store described by s.
func Open(s Settings, opts ...Option) (Store, error) {
	if s.MaxAge > 0 {
		opts = append(opts, WithMaxAge(s.MaxAge))
	}
	switch s.Driver {
	case "", "memory":
		return NewMemory(opts...), nil
	case "sqlite", "sqlite3":
		dsn, err := DSNForFile(s.Path)
		if err != nil {
			return nil, err
		}
		return NewSQLite(dsn, opts...)
	}
	return nil, errors.Errorf("store: unknown driver %q", s.Driver)
}
