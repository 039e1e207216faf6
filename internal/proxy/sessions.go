package proxy

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/burpheart/gpt-tap/internal/correlator"
	"github.com/burpheart/gpt-tap/internal/extractor"
	"github.com/burpheart/gpt-tap/internal/hook"
	"github.com/burpheart/gpt-tap/internal/httpstream"
	"github.com/burpheart/gpt-tap/internal/matcher"
	"github.com/burpheart/gpt-tap/pkg/types"
)

// Correlator is the part of the correlator proxied traffic feeds.
type Correlator interface {
	ObserveRequest(req correlator.Request)
	ObserveCompletion(ctx context.Context, requestID string, status int) correlator.RequestState
	ObserveNavigation(ctx context.Context, tabID, rawURL string)
	TabRemoved(tabID string)
}

// Pages is told about conversation page loads and closed sessions.
type Pages interface {
	PageVisited(ctx context.Context, tabID, rawURL string) (*extractor.AnalysisResult, bool)
	TabRemoved(tabID string)
}

// Sessions tracks live proxied connections. Each one is a tab.
type Sessions struct {
	corr    Correlator
	pages   Pages
	hooks   *hook.Hub
	matcher *matcher.Matcher

	seq   atomic.Int64
	total atomic.Int64

	mu   sync.RWMutex
	live map[string]*types.Session
}

// NewSessions creates a session table. pages may be nil.
func NewSessions(corr Correlator, pages Pages, hooks *hook.Hub, m *matcher.Matcher) *Sessions {
	if m == nil {
		m = matcher.Default
	}
	return &Sessions{
		corr:    corr,
		pages:   pages,
		hooks:   hooks,
		matcher: m,
		live:    make(map[string]*types.Session),
	}
}

// Open registers a new session for a client connection to host:port.
func (s *Sessions) Open(client, host string, port int) *types.Session {
	sess := &types.Session{
		ID:        "proxy-" + strconv.FormatInt(s.seq.Add(1), 10),
		Host:      host,
		Port:      port,
		Client:    client,
		StartTime: time.Now(),
	}
	s.mu.Lock()
	s.live[sess.ID] = sess
	s.mu.Unlock()
	s.total.Add(1)
	return sess
}

// Close ends a session and removes its tab everywhere.
func (s *Sessions) Close(sess *types.Session) {
	if !sess.MarkClosed() {
		return
	}
	s.mu.Lock()
	delete(s.live, sess.ID)
	s.mu.Unlock()

	if s.corr != nil {
		s.corr.TabRemoved(sess.ID)
	}
	if s.pages != nil {
		s.pages.TabRemoved(sess.ID)
	}
	log.Debug().Str("component", "proxy").Str("tab", sess.ID).Str("host", sess.Host).
		Dur("duration", sess.Duration()).Msg("session closed")
}

func (s *Sessions) get(tabID string) (*types.Session, error) {
	s.mu.RLock()
	sess, ok := s.live[tabID]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.Wrap(correlator.ErrUnknownTab, tabID)
	}
	return sess, nil
}

// URL implements correlator.Tabs: the last conversation URL seen on the
// session.
func (s *Sessions) URL(_ context.Context, tabID string) (string, error) {
	sess, err := s.get(tabID)
	if err != nil {
		return "", err
	}
	return sess.LastURL(), nil
}

// Reload implements correlator.Tabs. A proxy cannot reload the client.
func (s *Sessions) Reload(_ context.Context, tabID string) error {
	if _, err := s.get(tabID); err != nil {
		return err
	}
	return errors.Wrap(correlator.ErrReloadUnsupported, tabID)
}

// Tabs returns the ids of the live sessions.
func (s *Sessions) Tabs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.live))
	for id := range s.live {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// List returns a snapshot of the live sessions.
func (s *Sessions) List() []types.SessionInfo {
	s.mu.RLock()
	out := make([]types.SessionInfo, 0, len(s.live))
	for _, sess := range s.live {
		out = append(out, sess.Info())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Active returns the number of live sessions.
func (s *Sessions) Active() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.live)
}

// Total returns the number of sessions ever opened.
func (s *Sessions) Total() int64 {
	return s.total.Load()
}

func requestURL(req *http.Request) string {
	if req.URL.IsAbs() {
		return req.URL.String()
	}
	return "https://" + req.Host + req.URL.RequestURI()
}

func isDocument(req *http.Request) bool {
	if dest := req.Header.Get("Sec-Fetch-Dest"); dest != "" {
		return dest == "document"
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

// ParserOptions hooks the stream parser of sess up to the capture pipeline:
// requests and completions go to the correlator, page loads count as
// navigation, and response bodies are read only while an interceptor is
// armed for the session.
func (s *Sessions) ParserOptions(ctx context.Context, sess *types.Session) []httpstream.ParserOption {
	return []httpstream.ParserOption{
		httpstream.WithOnRequest(func(msg *httpstream.HTTPMessage) {
			s.onRequest(ctx, sess, msg)
		}),
		httpstream.WithOnResponse(func(msg *httpstream.HTTPMessage) {
			if msg.ID == "" || msg.Response == nil || s.corr == nil {
				return
			}
			s.corr.ObserveCompletion(ctx, msg.ID, msg.Response.StatusCode)
		}),
		httpstream.WithCapture(func(req *http.Request) bool {
			return s.hooks != nil && s.hooks.Armed(sess.ID) && s.matcher.IsTargetHost(req.Host)
		}),
		httpstream.WithOnExchange(func(ex *httpstream.Exchange) {
			s.onExchange(sess, ex)
		}),
	}
}

func (s *Sessions) onRequest(ctx context.Context, sess *types.Session, msg *httpstream.HTTPMessage) {
	req := msg.Request
	if req == nil {
		return
	}
	rawURL := requestURL(req)
	if matcher.ExtractConversationID(rawURL) != "" && s.matcher.IsTargetHost(req.Host) {
		sess.SetLastURL(rawURL)
	}

	if req.Method == http.MethodGet && isDocument(req) && s.matcher.IsConversationPage(rawURL) {
		if s.corr != nil {
			s.corr.ObserveNavigation(ctx, sess.ID, rawURL)
		}
		if s.pages != nil {
			s.pages.PageVisited(ctx, sess.ID, rawURL)
		}
	}

	if s.corr != nil {
		s.corr.ObserveRequest(correlator.Request{
			ID:     msg.ID,
			TabID:  sess.ID,
			Method: req.Method,
			URL:    rawURL,
		})
	}
}

func (s *Sessions) onExchange(sess *types.Session, ex *httpstream.Exchange) {
	if s.hooks == nil {
		return
	}
	if ex.Truncated {
		log.Debug().Str("component", "proxy").Str("tab", sess.ID).Str("url", ex.URL).
			Int("bytes", len(ex.Body)).Msg("captured body truncated, not published")
		return
	}
	s.hooks.Publish(hook.Exchange{
		TabID:      sess.ID,
		RequestID:  ex.ID,
		Method:     ex.Method,
		URL:        ex.URL,
		Status:     ex.Status,
		Primitive:  hook.PrimitiveNetwork,
		Body:       ex.Body,
		ObservedAt: ex.Completed,
	})
}
