package correlator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/burpheart/gpt-tap/internal/interceptor"
	"github.com/burpheart/gpt-tap/internal/relay"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	convID  = "6745a1b2-0c3d-4e5f-8a9b-0123456789ab"
	convURL = "https://chatgpt.com/backend-api/conversation/" + convID
	pageURL = "https://chatgpt.com/c/" + convID
)

type fakeInjector struct {
	mu        sync.Mutex
	targets   []interceptor.Target
	cancelled []string
	err       error
}

func (f *fakeInjector) Inject(_ context.Context, t interceptor.Target) (*interceptor.Interceptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, t)
	return nil, f.err
}

func (f *fakeInjector) CancelTab(tabID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, tabID)
}

func (f *fakeInjector) injected() []interceptor.Target {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]interceptor.Target(nil), f.targets...)
}

type fakeTabs struct {
	urls      map[string]string
	reloadErr error
	reloaded  []string
}

func (f *fakeTabs) URL(_ context.Context, tabID string) (string, error) {
	u, ok := f.urls[tabID]
	if !ok {
		return "", ErrUnknownTab
	}
	return u, nil
}

func (f *fakeTabs) Reload(_ context.Context, tabID string) error {
	if _, ok := f.urls[tabID]; !ok {
		return ErrUnknownTab
	}
	f.reloaded = append(f.reloaded, tabID)
	return f.reloadErr
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestCorrelator(cfg Config, inj Injector, tabs Tabs, opts ...Option) (*Correlator, *clock) {
	clk := &clock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(cfg, inj, tabs, append([]Option{WithClock(clk.now)}, opts...)...)
	return c, clk
}

func TestCompletionInjectsExactURL(t *testing.T) {
	inj := &fakeInjector{}
	c, _ := newTestCorrelator(Config{}, inj, nil)
	defer c.Close()

	c.ObserveRequest(Request{ID: "r1", TabID: "tab-1", Method: "GET", URL: convURL})
	p, ok := c.Lookup("r1")
	require.True(t, ok)
	assert.Equal(t, convID, p.ConversationID)

	assert.Equal(t, StateCompleted, c.ObserveCompletion(context.Background(), "r1", 200))
	_, ok = c.Lookup("r1")
	assert.False(t, ok)

	got := inj.injected()
	require.Len(t, got, 1)
	assert.Equal(t, interceptor.Target{TabID: "tab-1", URL: convURL, ConversationID: convID, Variant: interceptor.ExactURL}, got[0])
	assert.Equal(t, int64(1), c.Stats().Injected)
}

func TestIgnoresNonConversationRequests(t *testing.T) {
	c, _ := newTestCorrelator(Config{}, &fakeInjector{}, nil)
	c.ObserveRequest(Request{ID: "r1", TabID: "tab-1", Method: "POST", URL: convURL})
	c.ObserveRequest(Request{ID: "r2", TabID: "tab-1", Method: "GET", URL: convURL + "/textdocs"})
	c.ObserveRequest(Request{ID: "r3", TabID: "tab-1", Method: "GET", URL: "https://chatgpt.com/backend-api/conversation/short"})
	c.ObserveRequest(Request{ID: "r4", Method: "GET", URL: convURL})
	assert.Empty(t, c.Pending())
	assert.Equal(t, StateNone, c.ObserveCompletion(context.Background(), "r1", 200))
}

func TestNon200DropsWithoutInjection(t *testing.T) {
	inj := &fakeInjector{}
	c, _ := newTestCorrelator(Config{}, inj, nil)
	c.ObserveRequest(Request{ID: "r1", TabID: "tab-1", Method: "GET", URL: convURL})
	assert.Equal(t, StateCompleted, c.ObserveCompletion(context.Background(), "r1", 404))
	assert.Empty(t, inj.injected())
	assert.Empty(t, c.Pending())
}

func TestInjectionFailureIsSwallowed(t *testing.T) {
	inj := &fakeInjector{err: errors.New("tab gone")}
	c, _ := newTestCorrelator(Config{}, inj, nil)
	c.ObserveRequest(Request{ID: "r1", TabID: "tab-1", Method: "GET", URL: convURL})
	assert.Equal(t, StateCompleted, c.ObserveCompletion(context.Background(), "r1", 200))
	assert.Len(t, inj.injected(), 1)
}

func TestPendingExpiry(t *testing.T) {
	inj := &fakeInjector{}
	c, clk := newTestCorrelator(Config{PendingTimeout: 30 * time.Second}, inj, nil)

	c.ObserveRequest(Request{ID: "r1", TabID: "tab-1", Method: "GET", URL: convURL})
	clk.advance(29 * time.Second)
	assert.Equal(t, 0, c.Sweep())
	_, ok := c.Lookup("r1")
	assert.True(t, ok)

	clk.advance(time.Second)
	assert.Equal(t, 1, c.Sweep())
	_, ok = c.Lookup("r1")
	assert.False(t, ok)

	assert.Equal(t, StateNone, c.ObserveCompletion(context.Background(), "r1", 200))
	assert.Empty(t, inj.injected())
}

func TestExpiredEntryInvisibleBeforeSweep(t *testing.T) {
	c, clk := newTestCorrelator(Config{PendingTimeout: 30 * time.Second}, &fakeInjector{}, nil)

	c.ObserveRequest(Request{ID: "r1", TabID: "tab-1", Method: "GET", URL: convURL})
	clk.advance(30*time.Second + time.Millisecond)

	_, ok := c.Lookup("r1")
	assert.False(t, ok)
	assert.Empty(t, c.Pending())
	st := c.Stats()
	assert.Equal(t, 0, st.Pending)
	assert.Equal(t, int64(1), st.Expired)
	assert.Equal(t, 0, c.Sweep())
}

func TestExpiryWithSlowSweepTicker(t *testing.T) {
	c := New(Config{PendingTimeout: 50 * time.Millisecond, SweepInterval: time.Hour}, &fakeInjector{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	c.ObserveRequest(Request{ID: "r1", TabID: "tab-1", Method: "GET", URL: convURL})
	_, ok := c.Lookup("r1")
	require.True(t, ok)

	time.Sleep(200 * time.Millisecond)
	_, ok = c.Lookup("r1")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Stats().Pending)
}

func TestLateCompletionBeforeSweepIsExpired(t *testing.T) {
	inj := &fakeInjector{}
	c, clk := newTestCorrelator(Config{PendingTimeout: time.Second}, inj, nil)
	c.ObserveRequest(Request{ID: "r1", TabID: "tab-1", Method: "GET", URL: convURL})
	clk.advance(2 * time.Second)
	assert.Equal(t, StateExpired, c.ObserveCompletion(context.Background(), "r1", 200))
	assert.Empty(t, inj.injected())
	assert.Equal(t, int64(1), c.Stats().Expired)
}

func TestTabRemovedPurgesState(t *testing.T) {
	inj := &fakeInjector{}
	tabs := &fakeTabs{urls: map[string]string{"tab-1": pageURL}}
	c, _ := newTestCorrelator(Config{}, inj, tabs)
	defer c.Close()

	c.ObserveRequest(Request{ID: "r1", TabID: "tab-1", Method: "GET", URL: convURL})
	c.ObserveRequest(Request{ID: "r2", TabID: "tab-2", Method: "GET", URL: convURL})
	_, err := c.RefreshAndCapture(context.Background(), "tab-1")
	require.NoError(t, err)
	require.True(t, c.IsRefreshing("tab-1"))

	c.TabRemoved("tab-1")
	_, ok := c.Lookup("r1")
	assert.False(t, ok)
	_, ok = c.Lookup("r2")
	assert.True(t, ok)
	assert.False(t, c.IsRefreshing("tab-1"))
	assert.Equal(t, []string{"tab-1"}, inj.cancelled)
}

func TestRefreshAndCapture(t *testing.T) {
	tabs := &fakeTabs{urls: map[string]string{"tab-1": pageURL, "tab-2": "https://chatgpt.com/"}}
	c, _ := newTestCorrelator(Config{}, &fakeInjector{}, tabs)
	defer c.Close()

	id, err := c.RefreshAndCapture(context.Background(), "tab-1")
	require.NoError(t, err)
	assert.Equal(t, convID, id)
	assert.Equal(t, TabRefreshing, c.TabState("tab-1"))
	assert.Equal(t, []string{"tab-1"}, tabs.reloaded)

	_, err = c.RefreshAndCapture(context.Background(), "tab-2")
	assert.True(t, errors.Is(err, ErrNoConversationID))
	assert.False(t, c.IsRefreshing("tab-2"))

	_, err = c.RefreshAndCapture(context.Background(), "tab-9")
	assert.True(t, errors.Is(err, ErrUnknownTab))

	c.ClearRefreshFlag("tab-1")
	assert.Equal(t, TabIdle, c.TabState("tab-1"))
}

func TestRefreshReloadFailureClearsFlag(t *testing.T) {
	tabs := &fakeTabs{urls: map[string]string{"tab-1": pageURL}, reloadErr: errors.New("detached")}
	c, _ := newTestCorrelator(Config{}, &fakeInjector{}, tabs)
	_, err := c.RefreshAndCapture(context.Background(), "tab-1")
	assert.Error(t, err)
	assert.False(t, c.IsRefreshing("tab-1"))
}

func TestRefreshFlagAutoClears(t *testing.T) {
	tabs := &fakeTabs{urls: map[string]string{"tab-1": pageURL}}
	c := New(Config{RefreshTimeout: 20 * time.Millisecond}, &fakeInjector{}, tabs)
	defer c.Close()

	_, err := c.RefreshAndCapture(context.Background(), "tab-1")
	require.NoError(t, err)
	assert.True(t, c.IsRefreshing("tab-1"))
	assert.Eventually(t, func() bool { return !c.IsRefreshing("tab-1") }, time.Second, 5*time.Millisecond)
}

func TestRefreshElapsedReportsMissingData(t *testing.T) {
	tabs := &fakeTabs{urls: map[string]string{"tab-1": pageURL}}
	router := relay.NewRouter(time.Second)
	errs := make(chan string, 1)
	router.Handle(relay.ActionCheckDataReceived, func(context.Context, relay.Command) relay.Reply {
		return relay.Reply{Status: relay.StatusOK, Received: relay.Bool(false)}
	})
	router.Handle(relay.ActionDebuggerError, func(_ context.Context, cmd relay.Command) relay.Reply {
		var p struct{ Error string }
		_ = cmd.Decode(&p)
		errs <- p.Error
		return relay.OK()
	})

	c := New(Config{RefreshTimeout: 10 * time.Millisecond}, &fakeInjector{}, tabs, WithContent(router))
	defer c.Close()
	_, err := c.RefreshAndCapture(context.Background(), "tab-1")
	require.NoError(t, err)

	select {
	case msg := <-errs:
		assert.Contains(t, msg, "no conversation data")
	case <-time.After(time.Second):
		t.Fatal("debuggerError not sent")
	}
	assert.Eventually(t, func() bool { return !c.IsRefreshing("tab-1") }, time.Second, 5*time.Millisecond)
}

func TestNavigationDuringRefreshInjectsConversationScope(t *testing.T) {
	inj := &fakeInjector{}
	tabs := &fakeTabs{urls: map[string]string{"tab-1": pageURL}}
	c := New(Config{NavigationDelay: time.Millisecond}, inj, tabs)
	defer c.Close()

	c.ObserveNavigation(context.Background(), "tab-1", pageURL)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, inj.injected(), "idle tabs do not get the broad interceptor")

	_, err := c.RefreshAndCapture(context.Background(), "tab-1")
	require.NoError(t, err)
	c.ObserveNavigation(context.Background(), "tab-1", "https://chatgpt.com/")
	c.ObserveNavigation(context.Background(), "tab-1", pageURL)

	require.Eventually(t, func() bool { return len(inj.injected()) == 1 }, time.Second, 5*time.Millisecond)
	got := inj.injected()[0]
	assert.Equal(t, interceptor.ConversationScope, got.Variant)
	assert.Equal(t, convID, got.ConversationID)
	assert.Equal(t, "https://chatgpt.com", got.Origin)
	assert.Equal(t, pageURL, c.LastURL("tab-1"))
}

func TestSweepClearsStaleRefreshFlag(t *testing.T) {
	tabs := &fakeTabs{urls: map[string]string{"tab-1": pageURL}}
	c, clk := newTestCorrelator(Config{RefreshTimeout: time.Minute}, &fakeInjector{}, tabs)
	defer c.Close()
	_, err := c.RefreshAndCapture(context.Background(), "tab-1")
	require.NoError(t, err)
	clk.advance(time.Minute)
	c.Sweep()
	assert.False(t, c.IsRefreshing("tab-1"))
}

func TestBackgroundHandlers(t *testing.T) {
	tabs := &fakeTabs{urls: map[string]string{"tab-1": pageURL}}
	c, _ := newTestCorrelator(Config{}, &fakeInjector{}, tabs)
	defer c.Close()
	r := relay.NewRouter(time.Second)
	c.RegisterHandlers(r)

	reply, err := r.Send(context.Background(), relay.Command{Action: relay.ActionRefreshAndCapture, TabID: "tab-1"})
	require.NoError(t, err)
	assert.Equal(t, relay.StatusOK, reply.Status)
	assert.Equal(t, convID, reply.ConversationID)

	reply, err = r.Send(context.Background(), relay.Command{Action: relay.ActionClearRefreshFlag, TabID: "tab-1"})
	require.NoError(t, err)
	assert.Equal(t, relay.StatusOK, reply.Status)
	assert.False(t, c.IsRefreshing("tab-1"))

	reply, err = r.Send(context.Background(), relay.Command{Action: relay.ActionRefreshAndCapture, TabID: "nope"})
	require.NoError(t, err)
	assert.Equal(t, relay.StatusError, reply.Status)
}

func TestRunStopsOnCancel(t *testing.T) {
	c := New(Config{SweepInterval: time.Millisecond}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	<-done
}

func TestTabsChain(t *testing.T) {
	a := &fakeTabs{urls: map[string]string{"a": "https://chatgpt.com/"}}
	b := &fakeTabs{urls: map[string]string{"b": pageURL}}
	chain := TabsChain{a, b}
	u, err := chain.URL(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, pageURL, u)
	require.NoError(t, chain.Reload(context.Background(), "a"))
	_, err = chain.URL(context.Background(), "c")
	assert.True(t, errors.Is(err, ErrUnknownTab))
}
