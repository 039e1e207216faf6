package correlator

import (
	"context"

	"github.com/pkg/errors"
)

var (
	// ErrUnknownTab is returned by a Tabs provider that does not own a tab.
	ErrUnknownTab = errors.New("unknown tab")
	// ErrReloadUnsupported is returned for tabs that cannot be reloaded from
	// here (proxied sessions).
	ErrReloadUnsupported = errors.New("tab reload not supported")
	// ErrNoConversationID is returned when a tab is not on a conversation page.
	ErrNoConversationID = errors.New("no conversation id in tab URL")
)

// Tabs gives access to browser tabs.
type Tabs interface {
	URL(ctx context.Context, tabID string) (string, error)
	Reload(ctx context.Context, tabID string) error
}

// TabsChain asks each provider in turn, skipping those that report
// ErrUnknownTab.
type TabsChain []Tabs

// URL implements Tabs.
func (c TabsChain) URL(ctx context.Context, tabID string) (string, error) {
	for _, t := range c {
		u, err := t.URL(ctx, tabID)
		if errors.Is(err, ErrUnknownTab) {
			continue
		}
		return u, err
	}
	return "", errors.Wrap(ErrUnknownTab, tabID)
}

// Reload implements Tabs.
func (c TabsChain) Reload(ctx context.Context, tabID string) error {
	for _, t := range c {
		err := t.Reload(ctx, tabID)
		if errors.Is(err, ErrUnknownTab) {
			continue
		}
		return err
	}
	return errors.Wrap(ErrUnknownTab, tabID)
}
