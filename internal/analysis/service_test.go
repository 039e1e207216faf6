package analysis

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burpheart/gpt-tap/internal/relay"
	"github.com/burpheart/gpt-tap/internal/store"
	"github.com/burpheart/gpt-tap/pkg/types"
)

const (
	convID  = "6745a1b2-0c3d-4e5f-8a9b-0123456789ab"
	pageURL = "https://chatgpt.com/c/" + convID
	apiURL  = "https://chatgpt.com/backend-api/conversation/" + convID
)

var now = time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

const withSearch = `{"title":"Trip","mapping":{"n1":{"message":{"author":{"role":"assistant"},"create_time":0,` +
	`"tool_calls":[{"type":"browser","browser":{"type":"search","query":"foo"}}]}}}}`

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Present(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

type fakeReloader struct {
	mu       sync.Mutex
	reloaded []string
	err      error
}

func (f *fakeReloader) Reload(_ context.Context, tabID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloaded = append(f.reloaded, tabID)
	return f.err
}

func pageMessage(body string) relay.PageMessage {
	return relay.PageMessage{
		Type:           relay.MessageType,
		Data:           json.RawMessage(body),
		ConversationID: convID,
		URL:            apiURL,
		Timestamp:      now.UnixMilli(),
		Source:         relay.SourceFetch,
	}
}

func send(t *testing.T, r *relay.Router, action relay.Action, tab string, payload any) relay.Reply {
	t.Helper()
	cmd, err := relay.NewCommand(action, tab, payload)
	require.NoError(t, err)
	reply, err := r.Send(context.Background(), cmd)
	require.NoError(t, err)
	return reply
}

func TestIngestPersistsAndPresents(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(store.WithClock(clock))
	rec := &recorder{}
	svc := New(WithStore(st), WithPresenter(rec), WithClock(clock))

	w := relay.Window{TabID: "tab-1", Origin: "https://chatgpt.com"}
	result := svc.HandlePageMessage(ctx, w, pageMessage(withSearch))
	require.True(t, result.HasData)
	assert.Equal(t, "fetch_capture", result.Metadata.CaptureMethod)
	assert.Equal(t, apiURL, result.Metadata.CaptureURL)

	tc, ok := svc.Tab("tab-1")
	require.True(t, ok)
	assert.True(t, tc.Received)
	assert.True(t, tc.OverlayVisible)
	assert.Equal(t, convID, tc.ConversationID)
	assert.Equal(t, "https://chatgpt.com", tc.Origin)

	entry, ok, err := st.Load(ctx, convID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, *result, entry.Data)

	events := rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, OriginCapture, events[0].Origin)
	assert.Equal(t, "tab-1", events[0].TabID)
}

func TestIngestWithoutDataIsNotPersisted(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(store.WithClock(clock))
	svc := New(WithStore(st), WithClock(clock))

	result := svc.HandlePageMessage(ctx, relay.Window{TabID: "tab-1"}, pageMessage(`{"detail":"conversation_not_found"}`))
	assert.True(t, result.IsConversationNotFound)
	_, ok, err := st.Load(ctx, convID)
	require.NoError(t, err)
	assert.False(t, ok)

	tc, _ := svc.Tab("tab-1")
	assert.NotEmpty(t, tc.LastError)
}

func TestPersistDisabled(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(store.WithClock(clock))
	settings := types.DefaultSettings()
	settings.PersistResults = false
	svc := New(WithStore(st), WithClock(clock), WithSettings(settings))

	svc.HandlePageMessage(ctx, relay.Window{TabID: "tab-1"}, pageMessage(withSearch))
	_, ok, err := st.Load(ctx, convID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPageVisitedLoadsFreshSnapshot(t *testing.T) {
	ctx := context.Background()
	saved := now.Add(-23 * time.Hour)
	st := store.NewMemory(store.WithClock(func() time.Time { return saved }))
	writer := New(WithStore(st), WithClock(clock))
	want := writer.HandlePageMessage(ctx, relay.Window{TabID: "tab-0"}, pageMessage(withSearch))

	rec := &recorder{}
	reader := New(WithStore(st), WithPresenter(rec), WithClock(clock))
	got, ok := reader.PageVisited(ctx, "tab-1", pageURL)
	require.True(t, ok)
	assert.Equal(t, *want, *got)
	require.Len(t, rec.all(), 1)
	assert.Equal(t, OriginCache, rec.all()[0].Origin)

	_, ok = reader.PageVisited(ctx, "tab-2", "https://chatgpt.com/")
	assert.False(t, ok)
}

func TestPageVisitedSkipsStaleSnapshot(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	storeNow := now.Add(-25 * time.Hour)
	st := store.NewMemory(store.WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return storeNow
	}))
	New(WithStore(st), WithClock(clock)).HandlePageMessage(ctx, relay.Window{TabID: "tab-0"}, pageMessage(withSearch))
	mu.Lock()
	storeNow = now
	mu.Unlock()

	svc := New(WithStore(st), WithClock(clock))
	_, ok := svc.PageVisited(ctx, "tab-1", pageURL)
	assert.False(t, ok)
}

func TestPageVisitedResetsOnConversationChange(t *testing.T) {
	ctx := context.Background()
	svc := New(WithClock(clock))
	svc.HandlePageMessage(ctx, relay.Window{TabID: "tab-1"}, pageMessage(withSearch))
	svc.PageVisited(ctx, "tab-1", "https://chatgpt.com/c/00000000-0000-0000-0000-000000000000")
	tc, _ := svc.Tab("tab-1")
	assert.Nil(t, tc.Current)
	assert.False(t, tc.Received)
}

func TestAnalyzeReturnsCurrent(t *testing.T) {
	svc := New(WithClock(clock))
	r := relay.NewRouter(time.Second)
	svc.RegisterHandlers(r)
	svc.HandlePageMessage(context.Background(), relay.Window{TabID: "tab-1"}, pageMessage(withSearch))

	reply := send(t, r, relay.ActionAnalyzeConversation, "tab-1", nil)
	assert.Equal(t, relay.StatusOK, reply.Status)
	require.NotNil(t, reply.Data)
	assert.Equal(t, "foo", reply.Data.SearchQueries[0].Query)
}

func TestAnalyzeLoadsFromCache(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(store.WithClock(clock))
	New(WithStore(st), WithClock(clock)).HandlePageMessage(ctx, relay.Window{TabID: "tab-0"}, pageMessage(withSearch))

	svc := New(WithStore(st), WithClock(clock))
	r := relay.NewRouter(time.Second)
	svc.RegisterHandlers(r)
	svc.PageVisited(ctx, "tab-1", "https://chatgpt.com/")
	svc.mu.Lock()
	svc.tab("tab-1").ConversationID = convID
	svc.mu.Unlock()

	reply := send(t, r, relay.ActionAnalyzeConversation, "tab-1", nil)
	assert.Equal(t, relay.StatusCached, reply.Status)
	assert.True(t, reply.Data.HasData)
}

func TestAnalyzeAsksBackgroundToRefresh(t *testing.T) {
	bg := relay.NewRouter(time.Second)
	bg.Handle(relay.ActionRefreshAndCapture, func(_ context.Context, cmd relay.Command) relay.Reply {
		return relay.Reply{Status: relay.StatusOK, ConversationID: convID}
	})
	reloader := &fakeReloader{}
	svc := New(WithBackground(bg), WithReloader(reloader), WithClock(clock))

	reply := svc.Analyze(context.Background(), "tab-1")
	assert.Equal(t, relay.StatusRefreshing, reply.Status)
	assert.Equal(t, convID, reply.ConversationID)
	assert.Empty(t, reloader.reloaded)
}

func TestAnalyzeFallsBackToReload(t *testing.T) {
	bg := relay.NewRouter(20 * time.Millisecond)
	bg.Handle(relay.ActionRefreshAndCapture, func(ctx context.Context, cmd relay.Command) relay.Reply {
		<-ctx.Done()
		return relay.Fail(ctx.Err())
	})
	reloader := &fakeReloader{}
	svc := New(WithBackground(bg), WithReloader(reloader), WithClock(clock))

	reply := svc.Analyze(context.Background(), "tab-1")
	assert.Equal(t, relay.StatusReloading, reply.Status)
	assert.Equal(t, []string{"tab-1"}, reloader.reloaded)

	failing := relay.NewRouter(time.Second)
	failing.Handle(relay.ActionRefreshAndCapture, func(context.Context, relay.Command) relay.Reply {
		return relay.Fail(errors.New("not on a conversation page"))
	})
	svc = New(WithBackground(failing), WithReloader(reloader), WithClock(clock))
	assert.Equal(t, relay.StatusReloading, svc.Analyze(context.Background(), "tab-2").Status)

	reloader.err = errors.New("tab closed")
	assert.Equal(t, relay.StatusError, svc.Analyze(context.Background(), "tab-3").Status)
	assert.Equal(t, relay.StatusError, New().Analyze(context.Background(), "tab-4").Status)
}

func TestOverlayCommands(t *testing.T) {
	settings := types.DefaultSettings()
	settings.AutoShowOverlay = false
	svc := New(WithClock(clock), WithSettings(settings))
	r := relay.NewRouter(time.Second)
	svc.RegisterHandlers(r)

	reply := send(t, r, relay.ActionGetOverlayStatus, "tab-1", nil)
	assert.False(t, *reply.Visible)
	assert.False(t, *reply.HasData)

	reply = send(t, r, relay.ActionToggleOverlay, "tab-1", nil)
	assert.True(t, *reply.Visible)
	reply = send(t, r, relay.ActionToggleOverlay, "tab-1", nil)
	assert.False(t, *reply.Visible)
}

func TestNetworkDataAndCheckReceived(t *testing.T) {
	svc := New(WithClock(clock))
	r := relay.NewRouter(time.Second)
	svc.RegisterHandlers(r)

	reply := send(t, r, relay.ActionCheckDataReceived, "tab-1", nil)
	assert.False(t, *reply.Received)

	reply = send(t, r, relay.ActionNetworkData, "tab-1", relay.CapturedPayload{
		ConversationID: convID,
		URL:            apiURL,
		Data:           json.RawMessage(withSearch),
	})
	assert.Equal(t, relay.StatusOK, reply.Status)
	assert.True(t, *reply.HasData)
	assert.Equal(t, convID, reply.ConversationID)

	reply = send(t, r, relay.ActionCheckDataReceived, "tab-1", nil)
	assert.True(t, *reply.Received)

	tc, _ := svc.Tab("tab-1")
	assert.Equal(t, "network_capture", tc.Current.Metadata.CaptureMethod)

	reply = send(t, r, relay.ActionNetworkData, "tab-1", map[string]string{"url": apiURL})
	assert.Equal(t, relay.StatusError, reply.Status)
}

func TestUpdateSettingsDisablesPatternFallback(t *testing.T) {
	svc := New(WithClock(clock))
	r := relay.NewRouter(time.Second)
	svc.RegisterHandlers(r)

	reply := send(t, r, relay.ActionUpdateSettings, "tab-1", map[string]bool{"patternFallback": false})
	require.Equal(t, relay.StatusOK, reply.Status)
	tc, _ := svc.Tab("tab-1")
	assert.False(t, tc.Settings.PatternFallback)
	assert.True(t, tc.Settings.AutoShowOverlay)

	body := `{"mapping":{},"blob":"{\"search_query\":\"hidden\"}","search_query":"loose"}`
	result := svc.HandlePageMessage(context.Background(), relay.Window{TabID: "tab-1"}, pageMessage(body))
	assert.False(t, result.HasData)

	send(t, r, relay.ActionUpdateSettings, "tab-1", types.DefaultSettings())
	result = svc.HandlePageMessage(context.Background(), relay.Window{TabID: "tab-1"}, pageMessage(body))
	assert.True(t, result.HasData)
}

func TestClearDataAndDebuggerError(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(store.WithClock(clock))
	svc := New(WithStore(st), WithClock(clock))
	r := relay.NewRouter(time.Second)
	svc.RegisterHandlers(r)
	svc.HandlePageMessage(ctx, relay.Window{TabID: "tab-1"}, pageMessage(withSearch))

	reply := send(t, r, relay.ActionDebuggerError, "tab-1", map[string]string{"error": "no data"})
	assert.Equal(t, relay.StatusOK, reply.Status)
	tc, _ := svc.Tab("tab-1")
	assert.Equal(t, "no data", tc.LastError)

	reply = send(t, r, relay.ActionClearData, "tab-1", nil)
	assert.Equal(t, relay.StatusOK, reply.Status)
	tc, _ = svc.Tab("tab-1")
	assert.Nil(t, tc.Current)
	assert.Empty(t, tc.LastError)
	_, ok, err := st.Load(ctx, convID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTabRemoved(t *testing.T) {
	svc := New(WithClock(clock))
	svc.PageVisited(context.Background(), "tab-1", pageURL)
	svc.PageVisited(context.Background(), "tab-2", pageURL)
	assert.Equal(t, []string{"tab-1", "tab-2"}, svc.Tabs())
	svc.TabRemoved("tab-1")
	assert.Equal(t, []string{"tab-2"}, svc.Tabs())
}
