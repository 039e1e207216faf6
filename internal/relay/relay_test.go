package relay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burpheart/gpt-tap/internal/hook"
)

func newMemoryBridge(t *testing.T) (*Bridge, *Transport) {
	t.Helper()
	tr, err := NewTransport(context.Background(), RedisSettings{}, NewWatermillLogger(zerolog.Nop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	assert.Equal(t, "memory", tr.Kind)
	return NewBridge(tr.Publisher, tr.Subscriber), tr
}

func TestBridgeDeliversSameOriginOnly(t *testing.T) {
	b, _ := newMemoryBridge(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []PageMessage
	listening := make(chan error, 1)
	go func() {
		listening <- b.Listen(ctx, func(w Window, m PageMessage) {
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, "tab-1", w.TabID)
			got = append(got, m)
		})
	}()

	// gochannel only delivers to subscribers present at publish time.
	time.Sleep(50 * time.Millisecond)

	foreign := PageMessage{Type: MessageType, Data: json.RawMessage(`{}`)}
	require.NoError(t, b.Post(ctx, Window{TabID: "tab-1", Origin: "https://evil.example"}, foreign))
	require.NoError(t, b.Post(ctx, Window{TabID: "tab-1", Origin: "https://chatgpt.com"}, PageMessage{Type: "OTHER"}))
	require.NoError(t, b.Post(ctx, Window{TabID: "tab-1", Origin: "https://chatgpt.com"}, PageMessage{
		Data:           json.RawMessage(`{"mapping":{}}`),
		ConversationID: "c1",
		URL:            "https://chatgpt.com/backend-api/conversation/c1",
		Timestamp:      1000,
		Source:         SourceFetch,
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	msg := got[0]
	mu.Unlock()
	assert.Equal(t, MessageType, msg.Type)
	p := msg.Payload()
	assert.Equal(t, "c1", p.ConversationID)
	assert.Equal(t, int64(1000), p.CapturedAt.UnixMilli())
	assert.Equal(t, "fetch_capture", p.Provenance().CaptureMethod)

	cancel()
	require.NoError(t, <-listening)
}

func TestBridgeAccept(t *testing.T) {
	b := NewBridge(nil, nil, WithOrigins("https://chat.example.org"))
	ok := PageMessage{Type: MessageType}
	assert.True(t, b.Accept(Window{TabID: "t", Origin: "https://chat.example.org"}, ok))
	assert.False(t, b.Accept(Window{TabID: "", Origin: "https://chat.example.org"}, ok))
	assert.False(t, b.Accept(Window{TabID: "t", Origin: "https://chatgpt.com"}, ok))
}

func TestOriginOf(t *testing.T) {
	assert.Equal(t, "https://chatgpt.com", OriginOf("https://ChatGPT.com/c/abc"))
	assert.Equal(t, "", OriginOf("/c/abc"))
}

func TestSourceFor(t *testing.T) {
	assert.Equal(t, SourceFetch, SourceFor(hook.PrimitiveFetch))
	assert.Equal(t, SourceXHR, SourceFor(hook.PrimitiveXHR))
	assert.Equal(t, SourceNetwork, SourceFor(hook.PrimitiveNetwork))
}

func TestRouterSend(t *testing.T) {
	r := NewRouter(time.Second)
	r.Handle(ActionGetOverlayStatus, func(ctx context.Context, cmd Command) Reply {
		assert.NotEmpty(t, cmd.ID)
		return Reply{Status: StatusOK, Visible: Bool(true)}
	})

	reply, err := r.Send(context.Background(), Command{Action: ActionGetOverlayStatus, TabID: "t"})
	require.NoError(t, err)
	assert.Equal(t, StatusOK, reply.Status)
	require.NotNil(t, reply.Visible)
	assert.True(t, *reply.Visible)

	_, err = r.Send(context.Background(), Command{Action: ActionClearData})
	assert.True(t, errors.Is(err, ErrNoHandler))
}

func TestRoutersFallThrough(t *testing.T) {
	content := NewRouter(time.Second)
	background := NewRouter(time.Second)
	background.Handle(ActionRefreshAndCapture, func(context.Context, Command) Reply {
		return Reply{Status: StatusOK, ConversationID: "abc"}
	})
	rs := Routers{content, background}

	reply, err := rs.Send(context.Background(), Command{Action: ActionRefreshAndCapture, TabID: "t"})
	require.NoError(t, err)
	assert.Equal(t, "abc", reply.ConversationID)

	_, err = rs.Send(context.Background(), Command{Action: ActionClearData})
	assert.True(t, errors.Is(err, ErrNoHandler))
}

func TestRouterTimeout(t *testing.T) {
	r := NewRouter(20 * time.Millisecond)
	release := make(chan struct{})
	r.Handle(ActionAnalyzeConversation, func(ctx context.Context, cmd Command) Reply {
		<-release
		return OK()
	})
	_, err := r.Send(context.Background(), Command{Action: ActionAnalyzeConversation})
	assert.True(t, errors.Is(err, ErrTimeout))
	close(release)
}

func TestRouterRecoversPanic(t *testing.T) {
	r := NewRouter(time.Second)
	r.Handle(ActionClearData, func(context.Context, Command) Reply { panic("boom") })
	reply, err := r.Send(context.Background(), Command{Action: ActionClearData})
	require.NoError(t, err)
	assert.Equal(t, StatusError, reply.Status)
	assert.Contains(t, reply.Error, "boom")
}

func TestCommandPayload(t *testing.T) {
	cmd, err := NewCommand(ActionDebuggerError, "t", map[string]string{"error": "x"})
	require.NoError(t, err)
	var p struct{ Error string }
	require.NoError(t, cmd.Decode(&p))
	assert.Equal(t, "x", p.Error)

	assert.Error(t, Command{Action: ActionDebuggerError}.Decode(&p))
}

func TestWatermillLoggerWith(t *testing.T) {
	var l watermill.LoggerAdapter = NewWatermillLogger(zerolog.Nop())
	l = l.With(watermill.LogFields{"k": "v"})
	l.Info("hello", nil)
	l.Error("bad", errors.New("x"), watermill.LogFields{"a": 1})
}

func TestRedisSettingsDefaults(t *testing.T) {
	s := RedisSettings{Enabled: true, Addr: "127.0.0.1:6379"}.withDefaults()
	assert.Equal(t, DefaultGroup, s.Group)
	assert.Equal(t, DefaultConsumer, s.Consumer)
	assert.Equal(t, PageTopic, s.Topic)

	s = RedisSettings{Group: "g", Consumer: "c", Topic: "t"}.withDefaults()
	assert.Equal(t, RedisSettings{Group: "g", Consumer: "c", Topic: "t"}, s)
}

func TestTransportCarriesTopic(t *testing.T) {
	tr, err := NewTransport(context.Background(), RedisSettings{Topic: "custom.page"}, NewWatermillLogger(zerolog.Nop()))
	require.NoError(t, err)
	defer tr.Close()
	assert.Equal(t, "custom.page", tr.Topic)

	b := NewBridge(tr.Publisher, tr.Subscriber, WithTopic(tr.Topic))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan PageMessage, 1)
	listening := make(chan error, 1)
	go func() {
		listening <- b.Listen(ctx, func(_ Window, m PageMessage) { got <- m })
	}()
	time.Sleep(50 * time.Millisecond)

	msg := PageMessage{Type: MessageType, URL: "https://chatgpt.com/backend-api/conversation/x", Data: json.RawMessage(`{}`)}
	require.NoError(t, b.Post(ctx, Window{TabID: "t", Origin: "https://chatgpt.com"}, msg))
	select {
	case m := <-got:
		assert.Equal(t, msg.URL, m.URL)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered on custom topic")
	}
	cancel()
	require.NoError(t, <-listening)
}
