// Package correlator tracks conversation fetches per tab, arms interceptors
// when they complete, and drives refresh-and-capture.
//
// All state lives in a Correlator value: the pending request table keyed by
// request id and one tab record per tab. Pending entries expire after
// Config.PendingTimeout; refresh flags clear after Config.RefreshTimeout.
package correlator

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/burpheart/gpt-tap/internal/interceptor"
	"github.com/burpheart/gpt-tap/internal/matcher"
	"github.com/burpheart/gpt-tap/internal/relay"
)

// RequestState is the lifecycle of a tracked request.
type RequestState int

const (
	StateNone RequestState = iota
	StatePending
	StateCompleted
	StateExpired
)

func (s RequestState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateCompleted:
		return "completed"
	case StateExpired:
		return "expired"
	}
	return "none"
}

// TabState tells whether a tab is being force-refreshed for a capture.
type TabState int

const (
	TabIdle TabState = iota
	TabRefreshing
)

func (s TabState) String() string {
	if s == TabRefreshing {
		return "refreshing"
	}
	return "idle"
}

// Defaults for Config.
const (
	DefaultPendingTimeout  = 30 * time.Second
	DefaultRefreshTimeout  = 30 * time.Second
	DefaultNavigationDelay = 500 * time.Millisecond
	DefaultSweepInterval   = 5 * time.Second
)

// Request is an outgoing request seen by a front-end.
type Request struct {
	ID     string
	TabID  string
	Method string
	URL    string
}

// PendingRequest is a conversation fetch waiting for its response.
type PendingRequest struct {
	RequestID      string    `json:"requestId"`
	URL            string    `json:"url"`
	ConversationID string    `json:"conversationId"`
	TabID          string    `json:"tabId"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Injector arms interceptors in tabs.
type Injector interface {
	Inject(ctx context.Context, target interceptor.Target) (*interceptor.Interceptor, error)
	CancelTab(tabID string)
}

// Sender delivers commands to a tab's content context.
type Sender interface {
	Send(ctx context.Context, cmd relay.Command) (relay.Reply, error)
}

// Config holds the correlator timing.
type Config struct {
	PendingTimeout  time.Duration
	RefreshTimeout  time.Duration
	NavigationDelay time.Duration
	SweepInterval   time.Duration
	Matcher         *matcher.Matcher
}

func (c *Config) setDefaults() {
	if c.PendingTimeout <= 0 {
		c.PendingTimeout = DefaultPendingTimeout
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = DefaultRefreshTimeout
	}
	if c.NavigationDelay <= 0 {
		c.NavigationDelay = DefaultNavigationDelay
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.Matcher == nil {
		c.Matcher = matcher.Default
	}
}

type tabRecord struct {
	state      TabState
	since      time.Time
	url        string
	clearTimer *time.Timer
	navTimer   *time.Timer
}

// Stats is a point-in-time view of the correlator.
type Stats struct {
	Pending    int   `json:"pending"`
	Tabs       int   `json:"tabs"`
	Refreshing int   `json:"refreshing"`
	Injected   int64 `json:"injected"`
	Expired    int64 `json:"expired"`
	Dropped    int64 `json:"dropped"`
}

// Correlator owns the pending table and per-tab state.
type Correlator struct {
	cfg      Config
	injector Injector
	tabs     Tabs
	content  Sender
	now      func() time.Time

	mu       sync.Mutex
	pending  map[string]PendingRequest
	tabState map[string]*tabRecord
	injected int64
	expired  int64
	dropped  int64
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Correlator) { c.now = now }
}

// WithContent sets where checkDataReceived and debuggerError are sent.
func WithContent(s Sender) Option {
	return func(c *Correlator) { c.content = s }
}

// New creates a Correlator.
func New(cfg Config, injector Injector, tabs Tabs, opts ...Option) *Correlator {
	cfg.setDefaults()
	c := &Correlator{
		cfg:      cfg,
		injector: injector,
		tabs:     tabs,
		now:      time.Now,
		pending:  make(map[string]PendingRequest),
		tabState: make(map[string]*tabRecord),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ObserveRequest records a conversation fetch as pending. Anything else is
// ignored.
func (c *Correlator) ObserveRequest(req Request) {
	if req.ID == "" || req.TabID == "" {
		return
	}
	if !c.cfg.Matcher.IsConversationFetch(req.URL, req.Method) {
		return
	}
	id := matcher.ExtractConversationID(req.URL)
	if id == "" {
		return
	}
	c.mu.Lock()
	c.pending[req.ID] = PendingRequest{
		RequestID:      req.ID,
		URL:            req.URL,
		ConversationID: id,
		TabID:          req.TabID,
		CreatedAt:      c.now(),
	}
	c.mu.Unlock()
	log.Debug().Str("component", "correlator").Str("request", req.ID).Str("tab", req.TabID).
		Str("conv_id", id).Msg("conversation fetch pending")
}

// ObserveCompletion resolves a pending request. A 200 arms an exact-URL
// interceptor in the request's tab; any other status just drops the entry.
func (c *Correlator) ObserveCompletion(ctx context.Context, requestID string, status int) RequestState {
	c.mu.Lock()
	p, ok := c.pending[requestID]
	if !ok {
		c.mu.Unlock()
		return StateNone
	}
	delete(c.pending, requestID)
	if c.expiredAt(p, c.now()) {
		c.expired++
		c.mu.Unlock()
		return StateExpired
	}
	if status != 200 {
		c.dropped++
		c.mu.Unlock()
		return StateCompleted
	}
	c.injected++
	c.mu.Unlock()

	c.inject(ctx, interceptor.Target{
		TabID:          p.TabID,
		URL:            p.URL,
		ConversationID: p.ConversationID,
		Variant:        interceptor.ExactURL,
	})
	return StateCompleted
}

// inject arms an interceptor; failures are logged and swallowed.
func (c *Correlator) inject(ctx context.Context, target interceptor.Target) {
	if c.injector == nil {
		return
	}
	if _, err := c.injector.Inject(ctx, target); err != nil {
		log.Warn().Str("component", "correlator").Str("tab", target.TabID).
			Str("variant", target.Variant.String()).Err(err).Msg("inject interceptor")
	}
}

// Lookup returns the pending entry for requestID.
func (c *Correlator) Lookup(requestID string) (PendingRequest, bool) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeExpired(now)
	p, ok := c.pending[requestID]
	return p, ok
}

// Pending returns a copy of the pending table.
func (c *Correlator) Pending() []PendingRequest {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeExpired(now)
	out := make([]PendingRequest, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, p)
	}
	return out
}

// TabRemoved forgets everything about tabID.
func (c *Correlator) TabRemoved(tabID string) {
	c.mu.Lock()
	for id, p := range c.pending {
		if p.TabID == tabID {
			delete(c.pending, id)
		}
	}
	if ts, ok := c.tabState[tabID]; ok {
		stopTimer(ts.clearTimer)
		stopTimer(ts.navTimer)
		delete(c.tabState, tabID)
	}
	c.mu.Unlock()

	if c.injector != nil {
		c.injector.CancelTab(tabID)
	}
	log.Debug().Str("component", "correlator").Str("tab", tabID).Msg("tab removed")
}

// TabState returns the refresh state of tabID.
func (c *Correlator) TabState(tabID string) TabState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.tabState[tabID]; ok {
		return ts.state
	}
	return TabIdle
}

// IsRefreshing reports whether tabID is being refreshed for a capture.
func (c *Correlator) IsRefreshing(tabID string) bool {
	return c.TabState(tabID) == TabRefreshing
}

// RefreshAndCapture force-reloads a tab that shows a conversation so the
// next conversation fetch can be captured. It returns the conversation id.
func (c *Correlator) RefreshAndCapture(ctx context.Context, tabID string) (string, error) {
	if c.tabs == nil {
		return "", ErrReloadUnsupported
	}
	rawURL, err := c.tabs.URL(ctx, tabID)
	if err != nil {
		return "", errors.Wrap(err, "refresh: tab URL")
	}
	convID := matcher.ExtractConversationID(rawURL)
	if convID == "" {
		return "", errors.Wrap(ErrNoConversationID, rawURL)
	}

	c.mu.Lock()
	ts := c.tab(tabID)
	stopTimer(ts.clearTimer)
	since := c.now()
	ts.state = TabRefreshing
	ts.since = since
	ts.url = rawURL
	ts.clearTimer = time.AfterFunc(c.cfg.RefreshTimeout, func() { c.refreshElapsed(tabID, since) })
	c.mu.Unlock()

	if err := c.tabs.Reload(ctx, tabID); err != nil {
		c.ClearRefreshFlag(tabID)
		return "", errors.Wrap(err, "refresh: reload tab")
	}
	log.Info().Str("component", "correlator").Str("tab", tabID).Str("conv_id", convID).Msg("tab reloading for capture")
	return convID, nil
}

// ClearRefreshFlag returns tabID to idle.
func (c *Correlator) ClearRefreshFlag(tabID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.tabState[tabID]; ok {
		stopTimer(ts.clearTimer)
		stopTimer(ts.navTimer)
		ts.clearTimer, ts.navTimer = nil, nil
		ts.state = TabIdle
	}
}

// refreshElapsed runs when the refresh window closes. It tells the content
// context when nothing arrived, then clears the flag.
func (c *Correlator) refreshElapsed(tabID string, since time.Time) {
	c.mu.Lock()
	ts, ok := c.tabState[tabID]
	current := ok && ts.state == TabRefreshing && ts.since.Equal(since)
	c.mu.Unlock()
	if !current {
		return
	}

	if c.content != nil {
		ctx := context.Background()
		reply, err := c.content.Send(ctx, relay.Command{Action: relay.ActionCheckDataReceived, TabID: tabID})
		if err == nil && (reply.Received == nil || !*reply.Received) {
			cmd, _ := relay.NewCommand(relay.ActionDebuggerError, tabID, map[string]string{
				"error": "no conversation data captured after refresh",
			})
			if _, err := c.content.Send(ctx, cmd); err != nil {
				log.Debug().Str("component", "correlator").Str("tab", tabID).Err(err).Msg("report capture failure")
			}
		}
	}

	c.mu.Lock()
	if ts, ok := c.tabState[tabID]; ok && ts.since.Equal(since) {
		ts.state = TabIdle
		ts.clearTimer = nil
	}
	c.mu.Unlock()
	log.Debug().Str("component", "correlator").Str("tab", tabID).Msg("refresh flag cleared")
}

// ObserveNavigation records that tabID started loading rawURL. When the tab
// is being refreshed onto a conversation page, a conversation-scoped
// interceptor is armed after the navigation delay.
func (c *Correlator) ObserveNavigation(ctx context.Context, tabID, rawURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := c.tab(tabID)
	ts.url = rawURL
	if ts.state != TabRefreshing || !c.cfg.Matcher.IsConversationPage(rawURL) {
		return
	}
	convID := matcher.ExtractConversationID(rawURL)
	target := interceptor.Target{
		TabID:          tabID,
		Origin:         relay.OriginOf(rawURL),
		URL:            rawURL,
		ConversationID: convID,
		Variant:        interceptor.ConversationScope,
	}
	stopTimer(ts.navTimer)
	ctx = context.WithoutCancel(ctx)
	ts.navTimer = time.AfterFunc(c.cfg.NavigationDelay, func() { c.inject(ctx, target) })
}

// LastURL returns the last URL a tab navigated to.
func (c *Correlator) LastURL(tabID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.tabState[tabID]; ok {
		return ts.url
	}
	return ""
}

// Sweep expires pending requests and refresh flags past their timeout.
// It returns the number of expired pending requests.
func (c *Correlator) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.purgeExpired(now)
	for _, ts := range c.tabState {
		if ts.state == TabRefreshing && !now.Before(ts.since.Add(c.cfg.RefreshTimeout)) {
			stopTimer(ts.clearTimer)
			ts.clearTimer = nil
			ts.state = TabIdle
		}
	}
	return n
}

// Run sweeps on a ticker until ctx is done.
func (c *Correlator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				log.Debug().Str("component", "correlator").Int("expired", n).Msg("swept stale pending requests")
			}
		}
	}
}

// Close stops every timer.
func (c *Correlator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ts := range c.tabState {
		stopTimer(ts.clearTimer)
		stopTimer(ts.navTimer)
	}
}

// Stats returns counters and table sizes.
func (c *Correlator) Stats() Stats {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeExpired(now)
	st := Stats{
		Pending:  len(c.pending),
		Tabs:     len(c.tabState),
		Injected: c.injected,
		Expired:  c.expired,
		Dropped:  c.dropped,
	}
	for _, ts := range c.tabState {
		if ts.state == TabRefreshing {
			st.Refreshing++
		}
	}
	return st
}

// RegisterHandlers serves the background commands on r.
func (c *Correlator) RegisterHandlers(r *relay.Router) {
	r.Handle(relay.ActionRefreshAndCapture, func(ctx context.Context, cmd relay.Command) relay.Reply {
		convID, err := c.RefreshAndCapture(ctx, cmd.TabID)
		if err != nil {
			return relay.Fail(err)
		}
		return relay.Reply{Status: relay.StatusOK, ConversationID: convID}
	})
	r.Handle(relay.ActionClearRefreshFlag, func(ctx context.Context, cmd relay.Command) relay.Reply {
		c.ClearRefreshFlag(cmd.TabID)
		return relay.OK()
	})
}

func (c *Correlator) expiredAt(p PendingRequest, now time.Time) bool {
	return !now.Before(p.CreatedAt.Add(c.cfg.PendingTimeout))
}

// purgeExpired drops pending entries past the pending timeout, so reads
// never see an expired entry between sweeps. Callers hold c.mu.
func (c *Correlator) purgeExpired(now time.Time) int {
	n := 0
	for id, p := range c.pending {
		if c.expiredAt(p, now) {
			delete(c.pending, id)
			n++
		}
	}
	c.expired += int64(n)
	return n
}

// tab returns the record for tabID, creating it. Callers hold c.mu.
func (c *Correlator) tab(tabID string) *tabRecord {
	ts, ok := c.tabState[tabID]
	if !ok {
		ts = &tabRecord{}
		c.tabState[tabID] = ts
	}
	return ts
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
