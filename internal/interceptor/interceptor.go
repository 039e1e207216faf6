// Package interceptor captures a single conversation payload from a tab's
// network traffic and posts it on the page channel.
//
// An interceptor installs itself on a hook for a bounded time. The first
// matching response wins: it is published once, and the hook is restored
// immediately. On timeout or cancellation the hook is restored without
// publishing.
package interceptor

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/burpheart/gpt-tap/internal/hook"
	"github.com/burpheart/gpt-tap/internal/matcher"
	"github.com/burpheart/gpt-tap/internal/relay"
)

// Variant selects what an interceptor triggers on.
type Variant int

const (
	// ExactURL triggers on one specific request URL.
	ExactURL Variant = iota
	// ConversationScope triggers on any URL containing the conversation id.
	ConversationScope
)

func (v Variant) String() string {
	if v == ConversationScope {
		return "conversation"
	}
	return "exact-url"
}

// Default timeouts per variant.
const (
	DefaultExactURLTimeout     = 10 * time.Second
	DefaultConversationTimeout = 15 * time.Second
)

// State is the lifecycle state of an interceptor.
type State int32

const (
	StateIdle State = iota
	StateArmed
	StateCaptured
	StateTimedOut
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateCaptured:
		return "captured"
	case StateTimedOut:
		return "timed-out"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Target describes what to capture and where.
type Target struct {
	TabID          string
	Origin         string
	URL            string
	ConversationID string
	Variant        Variant
}

// Publisher posts page messages.
type Publisher interface {
	Post(ctx context.Context, w relay.Window, msg relay.PageMessage) error
}

// Interceptor is a one-shot capture of a conversation payload.
type Interceptor struct {
	target  Target
	pub     Publisher
	matcher *matcher.Matcher
	timeout time.Duration
	now     func() time.Time
	onDone  func(*Interceptor, State)

	state   atomic.Int32
	mu      sync.Mutex
	restore func()
	timer   *time.Timer
	stopCtx func() bool
	done    chan struct{}
}

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithTimeout overrides the variant's default timeout.
func WithTimeout(d time.Duration) Option {
	return func(i *Interceptor) {
		if d > 0 {
			i.timeout = d
		}
	}
}

// WithMatcher sets the URL matcher used for sub-resource exclusion.
func WithMatcher(m *matcher.Matcher) Option {
	return func(i *Interceptor) { i.matcher = m }
}

// WithClock sets the time source for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(i *Interceptor) { i.now = now }
}

// WithOnDone registers a callback run once the interceptor leaves Armed.
func WithOnDone(fn func(*Interceptor, State)) Option {
	return func(i *Interceptor) { i.onDone = fn }
}

// New creates an idle interceptor for target.
func New(target Target, pub Publisher, opts ...Option) *Interceptor {
	if target.Origin == "" {
		target.Origin = relay.OriginOf(target.URL)
	}
	i := &Interceptor{
		target:  target,
		pub:     pub,
		matcher: matcher.Default,
		timeout: DefaultExactURLTimeout,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	if target.Variant == ConversationScope {
		i.timeout = DefaultConversationTimeout
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Target returns what the interceptor captures.
func (i *Interceptor) Target() Target { return i.target }

// State returns the current state.
func (i *Interceptor) State() State { return State(i.state.Load()) }

// Done is closed once the interceptor left Armed.
func (i *Interceptor) Done() <-chan struct{} { return i.done }

// Arm installs the interceptor on h and starts its timeout. Cancelling ctx
// restores the hook.
func (i *Interceptor) Arm(ctx context.Context, h hook.Hookable) error {
	if !i.state.CompareAndSwap(int32(StateIdle), int32(StateArmed)) {
		return errors.Errorf("interceptor already %s", i.State())
	}
	i.mu.Lock()
	i.restore = h.Install(i.target.TabID, i)
	i.timer = time.AfterFunc(i.timeout, func() {
		if i.finish(StateTimedOut) {
			log.Debug().Str("component", "interceptor").Str("tab", i.target.TabID).
				Str("variant", i.target.Variant.String()).Dur("timeout", i.timeout).
				Msg("capture window elapsed, hook restored")
		}
	})
	i.stopCtx = context.AfterFunc(ctx, func() { i.finish(StateCancelled) })
	i.mu.Unlock()
	return nil
}

// Cancel restores the hook without publishing.
func (i *Interceptor) Cancel() {
	i.finish(StateCancelled)
}

// Observe implements hook.Observer.
func (i *Interceptor) Observe(ex hook.Exchange) {
	if i.State() != StateArmed || !i.triggers(ex) {
		return
	}
	if !acceptedStatus(ex.Status) {
		return
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(ex.Body, &top); err != nil {
		log.Debug().Str("component", "interceptor").Str("url", ex.URL).Err(err).Msg("response is not JSON, still waiting")
		return
	}
	if !recognizable(ex.Status, top) {
		return
	}

	if !i.finish(StateCaptured) {
		return
	}

	msg := relay.PageMessage{
		Type:           relay.MessageType,
		Data:           json.RawMessage(ex.Body),
		ConversationID: i.conversationID(ex.URL),
		URL:            ex.URL,
		Timestamp:      i.now().UnixMilli(),
		Source:         relay.SourceFor(ex.Primitive),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := i.pub.Post(ctx, relay.Window{TabID: i.target.TabID, Origin: i.target.Origin}, msg); err != nil {
		log.Warn().Str("component", "interceptor").Str("tab", i.target.TabID).Err(err).Msg("post captured payload")
		return
	}
	log.Info().Str("component", "interceptor").Str("tab", i.target.TabID).Str("conv_id", msg.ConversationID).
		Str("source", string(msg.Source)).Int("bytes", len(ex.Body)).Msg("conversation payload captured")
}

func (i *Interceptor) triggers(ex hook.Exchange) bool {
	switch i.target.Variant {
	case ExactURL:
		if ex.Primitive == hook.PrimitiveXHR {
			return false
		}
		return ex.URL == i.target.URL
	case ConversationScope:
		if !matcher.ContainsConversationID(ex.URL, i.target.ConversationID) {
			return false
		}
		return !i.matcher.IsExcludedSubresource(pathOf(ex.URL))
	}
	return false
}

func (i *Interceptor) conversationID(rawURL string) string {
	if i.target.ConversationID != "" {
		return i.target.ConversationID
	}
	return matcher.ExtractConversationID(rawURL)
}

// finish moves Armed to a terminal state exactly once and restores the hook.
func (i *Interceptor) finish(to State) bool {
	if !i.state.CompareAndSwap(int32(StateArmed), int32(to)) {
		return false
	}
	i.mu.Lock()
	if i.timer != nil {
		i.timer.Stop()
	}
	if i.stopCtx != nil {
		i.stopCtx()
	}
	if i.restore != nil {
		i.restore()
	}
	i.mu.Unlock()
	close(i.done)
	if i.onDone != nil {
		i.onDone(i, to)
	}
	return true
}

// acceptedStatus admits 2xx responses and 404, which carries the
// conversation not-found error document.
func acceptedStatus(status int) bool {
	return (status >= 200 && status < 300) || status == http.StatusNotFound
}

// recognizable reports whether a decoded body looks like a conversation
// document. A top-level detail is accepted only on 404 so a deleted
// conversation still reaches the extractor and ends in its not-found result
// instead of leaving the interceptor armed until timeout.
func recognizable(status int, doc map[string]json.RawMessage) bool {
	if status == http.StatusNotFound {
		_, ok := doc["detail"]
		return ok
	}
	for _, key := range []string{"mapping", "conversation_id", "id"} {
		if _, ok := doc[key]; ok {
			return true
		}
	}
	return false
}

func pathOf(rawURL string) string {
	for i := 0; i < len(rawURL); i++ {
		if rawURL[i] == '?' || rawURL[i] == '#' {
			return rawURL[:i]
		}
	}
	return rawURL
}
