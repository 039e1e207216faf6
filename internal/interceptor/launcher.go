package interceptor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/burpheart/gpt-tap/internal/hook"
	"github.com/burpheart/gpt-tap/internal/matcher"
)

// Timeouts are the capture windows per variant.
type Timeouts struct {
	ExactURL     time.Duration
	Conversation time.Duration
}

// Stats counts interceptor outcomes.
type Stats struct {
	Active    int   `json:"active"`
	Captured  int64 `json:"captured"`
	TimedOut  int64 `json:"timed_out"`
	Cancelled int64 `json:"cancelled"`
}

// Launcher arms interceptors on a hook and keeps track of the live ones.
type Launcher struct {
	hook     hook.Hookable
	pub      Publisher
	matcher  *matcher.Matcher
	timeouts Timeouts

	mu     sync.Mutex
	active map[*Interceptor]struct{}

	captured  atomic.Int64
	timedOut  atomic.Int64
	cancelled atomic.Int64
}

// NewLauncher creates a Launcher.
func NewLauncher(h hook.Hookable, pub Publisher, m *matcher.Matcher, t Timeouts) *Launcher {
	if m == nil {
		m = matcher.Default
	}
	return &Launcher{
		hook:     h,
		pub:      pub,
		matcher:  m,
		timeouts: t,
		active:   make(map[*Interceptor]struct{}),
	}
}

// Inject arms an interceptor for target.
func (l *Launcher) Inject(ctx context.Context, target Target) (*Interceptor, error) {
	if target.TabID == "" {
		return nil, errors.New("inject: missing tab")
	}
	timeout := l.timeouts.ExactURL
	switch target.Variant {
	case ExactURL:
		if target.URL == "" {
			return nil, errors.New("inject: exact-url variant needs a URL")
		}
	case ConversationScope:
		if len(target.ConversationID) != matcher.IDLength {
			return nil, errors.Errorf("inject: invalid conversation id %q", target.ConversationID)
		}
		timeout = l.timeouts.Conversation
	}

	ic := New(target, l.pub,
		WithTimeout(timeout),
		WithMatcher(l.matcher),
		WithOnDone(l.release),
	)
	l.mu.Lock()
	l.active[ic] = struct{}{}
	l.mu.Unlock()

	if err := ic.Arm(context.WithoutCancel(ctx), l.hook); err != nil {
		l.mu.Lock()
		delete(l.active, ic)
		l.mu.Unlock()
		return nil, err
	}
	return ic, nil
}

func (l *Launcher) release(ic *Interceptor, s State) {
	l.mu.Lock()
	delete(l.active, ic)
	l.mu.Unlock()
	switch s {
	case StateCaptured:
		l.captured.Add(1)
	case StateTimedOut:
		l.timedOut.Add(1)
	case StateCancelled:
		l.cancelled.Add(1)
	}
}

// CancelTab cancels every live interceptor on tabID.
func (l *Launcher) CancelTab(tabID string) {
	for _, ic := range l.snapshot() {
		if ic.target.TabID == tabID {
			ic.Cancel()
		}
	}
}

// Close cancels every live interceptor.
func (l *Launcher) Close() {
	for _, ic := range l.snapshot() {
		ic.Cancel()
	}
}

func (l *Launcher) snapshot() []*Interceptor {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Interceptor, 0, len(l.active))
	for ic := range l.active {
		out = append(out, ic)
	}
	return out
}

// Stats returns outcome counters.
func (l *Launcher) Stats() Stats {
	l.mu.Lock()
	n := len(l.active)
	l.mu.Unlock()
	return Stats{
		Active:    n,
		Captured:  l.captured.Load(),
		TimedOut:  l.timedOut.Load(),
		Cancelled: l.cancelled.Load(),
	}
}
