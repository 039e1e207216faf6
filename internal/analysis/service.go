// Package analysis is the content side of the pipeline: it receives captured
// payloads for a tab, runs the extractor, keeps the tab's current result,
// persists it and hands it to presenters.
package analysis

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/burpheart/gpt-tap/internal/extractor"
	"github.com/burpheart/gpt-tap/internal/matcher"
	"github.com/burpheart/gpt-tap/internal/relay"
	"github.com/burpheart/gpt-tap/internal/store"
	"github.com/burpheart/gpt-tap/pkg/types"
)

// Origin of a presented result.
const (
	OriginCapture = "capture"
	OriginCache   = "cache"
)

// Event is a result being shown for a tab.
type Event struct {
	Type           string                    `json:"type"`
	TabID          string                    `json:"tabId"`
	ConversationID string                    `json:"conversationId,omitempty"`
	Origin         string                    `json:"origin"`
	Result         *extractor.AnalysisResult `json:"result"`
	At             time.Time                 `json:"at"`
}

// Presenter shows results to a viewer.
type Presenter interface {
	Present(ev Event)
}

// PresenterFunc adapts a function to Presenter.
type PresenterFunc func(ev Event)

func (f PresenterFunc) Present(ev Event) { f(ev) }

// Background is where background-only commands go.
type Background interface {
	Send(ctx context.Context, cmd relay.Command) (relay.Reply, error)
}

// Reloader reloads a tab unconditionally.
type Reloader interface {
	Reload(ctx context.Context, tabID string) error
}

// TabContext is everything the content side knows about one tab.
type TabContext struct {
	TabID          string                    `json:"tabId"`
	Origin         string                    `json:"origin,omitempty"`
	URL            string                    `json:"url,omitempty"`
	ConversationID string                    `json:"conversationId,omitempty"`
	OverlayVisible bool                      `json:"overlayVisible"`
	Received       bool                      `json:"received"`
	Current        *extractor.AnalysisResult `json:"current,omitempty"`
	LastError      string                    `json:"lastError,omitempty"`
	Settings       types.Settings            `json:"settings"`
	UpdatedAt      time.Time                 `json:"updatedAt"`
}

// Service holds one TabContext per tab.
type Service struct {
	full       *extractor.Extractor
	structural *extractor.Extractor
	store      store.Store
	background Background
	reloader   Reloader
	presenters []Presenter
	matcher    *matcher.Matcher
	now        func() time.Time

	mu       sync.Mutex
	defaults types.Settings
	tabs     map[string]*TabContext
}

// Option configures a Service.
type Option func(*Service)

// WithStore persists results with data.
func WithStore(s store.Store) Option {
	return func(svc *Service) { svc.store = s }
}

// WithBackground sets where refreshAndCapture is sent.
func WithBackground(b Background) Option {
	return func(svc *Service) { svc.background = b }
}

// WithReloader sets the fallback used when the background cannot refresh.
func WithReloader(r Reloader) Option {
	return func(svc *Service) { svc.reloader = r }
}

// WithPresenter adds a presenter.
func WithPresenter(p Presenter) Option {
	return func(svc *Service) { svc.presenters = append(svc.presenters, p) }
}

// WithSettings sets the settings new tabs start with.
func WithSettings(s types.Settings) Option {
	return func(svc *Service) { svc.defaults = s }
}

// WithMatcher sets the URL matcher.
func WithMatcher(m *matcher.Matcher) Option {
	return func(svc *Service) { svc.matcher = m }
}

// WithClock sets the time source used for extraction and events.
func WithClock(now func() time.Time) Option {
	return func(svc *Service) { svc.now = now }
}

// WithExtractorOptions passes options to both extractors.
func WithExtractorOptions(opts ...extractor.Option) Option {
	return func(svc *Service) {
		structural := append(append([]extractor.Option(nil), opts...), extractor.WithoutPatternFallback())
		svc.full = extractor.New(opts...)
		svc.structural = extractor.New(structural...)
	}
}

// New creates a Service.
func New(opts ...Option) *Service {
	s := &Service{
		matcher:  matcher.Default,
		now:      time.Now,
		defaults: types.DefaultSettings(),
		tabs:     make(map[string]*TabContext),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.full == nil {
		s.full = extractor.New(extractor.WithClock(s.now))
		s.structural = extractor.New(extractor.WithClock(s.now), extractor.WithoutPatternFallback())
	}
	return s
}

// tab returns the context for tabID, creating it. Callers hold s.mu.
func (s *Service) tab(tabID string) *TabContext {
	tc, ok := s.tabs[tabID]
	if !ok {
		tc = &TabContext{TabID: tabID, Settings: s.defaults, UpdatedAt: s.now()}
		s.tabs[tabID] = tc
	}
	return tc
}

// Tab returns a copy of the context for tabID.
func (s *Service) Tab(tabID string) (TabContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tc, ok := s.tabs[tabID]
	if !ok {
		return TabContext{}, false
	}
	return *tc, true
}

// Tabs returns the ids of every known tab, sorted.
func (s *Service) Tabs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.tabs))
	for id := range s.tabs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// TabRemoved drops the context for tabID.
func (s *Service) TabRemoved(tabID string) {
	s.mu.Lock()
	delete(s.tabs, tabID)
	s.mu.Unlock()
}

// Listen feeds page messages from b into the service until ctx is done.
func (s *Service) Listen(ctx context.Context, b *relay.Bridge) error {
	return b.Listen(ctx, func(w relay.Window, msg relay.PageMessage) {
		s.HandlePageMessage(ctx, w, msg)
	})
}

// HandlePageMessage ingests a message posted by an interceptor.
func (s *Service) HandlePageMessage(ctx context.Context, w relay.Window, msg relay.PageMessage) *extractor.AnalysisResult {
	s.mu.Lock()
	tc := s.tab(w.TabID)
	if tc.Origin == "" {
		tc.Origin = w.Origin
	}
	s.mu.Unlock()
	return s.Ingest(ctx, w.TabID, msg.Payload())
}

// Ingest runs the extractor over a captured payload for tabID, stores the
// result as the tab's current result, persists it when it has data and
// presents it.
func (s *Service) Ingest(ctx context.Context, tabID string, p relay.CapturedPayload) *extractor.AnalysisResult {
	s.mu.Lock()
	settings := s.tab(tabID).Settings
	s.mu.Unlock()

	ex := s.full
	if !settings.PatternFallback {
		ex = s.structural
	}
	result := ex.ExtractWithProvenance(p.Data, p.Provenance())
	convID := p.ConversationID
	if convID == "" {
		convID = result.ConversationID()
	}

	s.mu.Lock()
	tc := s.tab(tabID)
	tc.Received = true
	tc.Current = result
	tc.UpdatedAt = s.now()
	if convID != "" {
		tc.ConversationID = convID
	}
	if result.Error != "" {
		tc.LastError = result.Error
	}
	if settings.AutoShowOverlay {
		tc.OverlayVisible = true
	}
	s.mu.Unlock()

	logger := log.With().Str("component", "analysis").Str("tab", tabID).Str("conv_id", convID).Logger()
	switch {
	case result.IsConversationNotFound:
		logger.Info().Msg("conversation not found upstream")
	case result.HasData:
		logger.Info().Int("queries", len(result.SearchQueries)).Int("thoughts", len(result.Thoughts)).
			Int("reasoning", len(result.Reasoning)).Str("source", string(p.Source)).Msg("conversation analysed")
	default:
		logger.Debug().Str("source", string(p.Source)).Msg("payload had nothing to extract")
	}

	if result.HasData && settings.PersistResults && s.store != nil && convID != "" {
		if err := s.store.Save(ctx, convID, *result); err != nil {
			logger.Warn().Err(err).Msg("persist snapshot")
		}
	}
	s.present(tabID, convID, OriginCapture, result)
	return result
}

// PageVisited records a page load in tabID. On a conversation page the
// persisted snapshot, if still fresh, becomes the current result.
func (s *Service) PageVisited(ctx context.Context, tabID, rawURL string) (*extractor.AnalysisResult, bool) {
	convID := ""
	if s.matcher.IsConversationPage(rawURL) {
		convID = matcher.ExtractConversationID(rawURL)
	}

	s.mu.Lock()
	tc := s.tab(tabID)
	tc.URL = rawURL
	if origin := relay.OriginOf(rawURL); origin != "" {
		tc.Origin = origin
	}
	if tc.ConversationID != convID {
		tc.ConversationID = convID
		tc.Current = nil
		tc.Received = false
		tc.LastError = ""
	}
	current := tc.Current
	s.mu.Unlock()

	if convID == "" || s.store == nil {
		return nil, false
	}
	if current != nil {
		return current, true
	}
	entry, ok, err := s.store.Load(ctx, convID)
	if err != nil {
		log.Warn().Str("component", "analysis").Str("tab", tabID).Str("conv_id", convID).Err(err).Msg("load snapshot")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	result := &entry.Data

	s.mu.Lock()
	tc = s.tab(tabID)
	if tc.ConversationID == convID && tc.Current == nil {
		tc.Current = result
		tc.UpdatedAt = s.now()
	}
	s.mu.Unlock()

	s.present(tabID, convID, OriginCache, result)
	return result, true
}

// SetDefaults sets the settings tabs created from now on start with.
func (s *Service) SetDefaults(settings types.Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaults = settings
}

func (s *Service) present(tabID, convID, origin string, result *extractor.AnalysisResult) {
	ev := Event{
		Type:           "analysis",
		TabID:          tabID,
		ConversationID: convID,
		Origin:         origin,
		Result:         result,
		At:             s.now(),
	}
	for _, p := range s.presenters {
		p.Present(ev)
	}
}
