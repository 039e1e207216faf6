package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/burpheart/gpt-tap/internal/extractor"
)

type memEntry struct {
	entry   Entry
	savedAt time.Time
}

// Memory is an in-process Store.
type Memory struct {
	opts options

	mu      sync.Mutex
	entries map[string]memEntry
}

var _ Store = &Memory{}

// NewMemory creates an empty Memory store.
func NewMemory(opts ...Option) *Memory {
	return &Memory{opts: newOptions(opts), entries: map[string]memEntry{}}
}

func (m *Memory) Save(_ context.Context, convID string, result extractor.AnalysisResult) error {
	convID, err := normalizeID(convID)
	if err != nil {
		return err
	}
	now := m.opts.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[convID] = memEntry{
		entry:   Entry{ConversationID: convID, Timestamp: extractor.FormatTimestamp(now), Data: result},
		savedAt: now,
	}
	return nil
}

func (m *Memory) Load(_ context.Context, convID string) (Entry, bool, error) {
	convID, err := normalizeID(convID)
	if err != nil {
		return Entry{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[convID]
	if !ok || !m.opts.fresh(e.savedAt) {
		return Entry{}, false, nil
	}
	return e.entry, true, nil
}

func (m *Memory) Delete(_ context.Context, convID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, convID)
	return nil
}

func (m *Memory) List(_ context.Context) ([]Entry, error) {
	m.mu.Lock()
	all := make([]memEntry, 0, len(m.entries))
	for _, e := range m.entries {
		all = append(all, e)
	}
	m.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].savedAt.Equal(all[j].savedAt) {
			return all[i].entry.ConversationID < all[j].entry.ConversationID
		}
		return all[i].savedAt.After(all[j].savedAt)
	})
	out := make([]Entry, len(all))
	for i, e := range all {
		out[i] = e.entry
	}
	return out, nil
}

func (m *Memory) Prune(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, e := range m.entries {
		if !m.opts.fresh(e.savedAt) {
			delete(m.entries, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Close() error { return nil }
