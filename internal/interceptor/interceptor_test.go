package interceptor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/burpheart/gpt-tap/internal/hook"
	"github.com/burpheart/gpt-tap/internal/relay"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	convID  = "6745a1b2-0c3d-4e5f-8a9b-0123456789ab"
	convURL = "https://chatgpt.com/backend-api/conversation/" + convID
)

type posted struct {
	w   relay.Window
	msg relay.PageMessage
}

type fakePublisher struct {
	mu  sync.Mutex
	got []posted
}

func (p *fakePublisher) Post(_ context.Context, w relay.Window, msg relay.PageMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, posted{w, msg})
	return nil
}

func (p *fakePublisher) messages() []posted {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]posted(nil), p.got...)
}

func exchange(url string, body string) hook.Exchange {
	return hook.Exchange{TabID: "tab-1", Method: "GET", URL: url, Status: 200, Primitive: hook.PrimitiveFetch, Body: []byte(body)}
}

func TestExactURLPublishesOnce(t *testing.T) {
	hub := hook.NewHub()
	pub := &fakePublisher{}
	ic := New(Target{TabID: "tab-1", URL: convURL, ConversationID: convID}, pub,
		WithClock(func() time.Time { return time.UnixMilli(42) }))
	require.NoError(t, ic.Arm(context.Background(), hub))
	assert.Equal(t, StateArmed, ic.State())

	hub.Publish(exchange(convURL, `{"mapping":{}}`))
	hub.Publish(exchange(convURL, `{"mapping":{"second":{}}}`))

	got := pub.messages()
	require.Len(t, got, 1)
	assert.Equal(t, relay.Window{TabID: "tab-1", Origin: "https://chatgpt.com"}, got[0].w)
	assert.Equal(t, relay.MessageType, got[0].msg.Type)
	assert.Equal(t, convID, got[0].msg.ConversationID)
	assert.Equal(t, convURL, got[0].msg.URL)
	assert.Equal(t, relay.SourceFetch, got[0].msg.Source)
	assert.Equal(t, int64(42), got[0].msg.Timestamp)
	assert.JSONEq(t, `{"mapping":{}}`, string(got[0].msg.Data))

	assert.Equal(t, StateCaptured, ic.State())
	assert.False(t, hub.Armed("tab-1"))
	<-ic.Done()
}

func TestExactURLIgnoresOtherTraffic(t *testing.T) {
	hub := hook.NewHub()
	pub := &fakePublisher{}
	ic := New(Target{TabID: "tab-1", URL: convURL}, pub)
	require.NoError(t, ic.Arm(context.Background(), hub))
	defer ic.Cancel()

	hub.Publish(exchange(convURL+"/textdocs", `{"mapping":{}}`))
	hub.Publish(exchange(convURL, `not json`))
	hub.Publish(exchange(convURL, `{"unrelated":true}`))
	xhr := exchange(convURL, `{"mapping":{}}`)
	xhr.Primitive = hook.PrimitiveXHR
	hub.Publish(xhr)

	assert.Empty(t, pub.messages())
	assert.Equal(t, StateArmed, ic.State())
}

func TestStatusAndShapeGate(t *testing.T) {
	hub := hook.NewHub()
	pub := &fakePublisher{}
	ic := New(Target{TabID: "tab-1", URL: convURL}, pub)
	require.NoError(t, ic.Arm(context.Background(), hub))

	withStatus := func(status int, body string) hook.Exchange {
		ex := exchange(convURL, body)
		ex.Status = status
		return ex
	}
	hub.Publish(withStatus(302, `{"mapping":{}}`))
	hub.Publish(withStatus(401, `{"detail":"Unauthorized"}`))
	hub.Publish(withStatus(500, `{"detail":"boom"}`))
	hub.Publish(withStatus(200, `{"detail":"not a conversation"}`))
	assert.Empty(t, pub.messages())
	assert.Equal(t, StateArmed, ic.State())

	hub.Publish(withStatus(404, `{"detail":{"code":"conversation_not_found"}}`))
	got := pub.messages()
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"detail":{"code":"conversation_not_found"}}`, string(got[0].msg.Data))
	assert.Equal(t, StateCaptured, ic.State())
}

func TestRecognizable(t *testing.T) {
	for _, tc := range []struct {
		status int
		body   map[string]json.RawMessage
		want   bool
	}{
		{200, map[string]json.RawMessage{"mapping": nil}, true},
		{200, map[string]json.RawMessage{"conversation_id": nil}, true},
		{201, map[string]json.RawMessage{"id": nil}, true},
		{200, map[string]json.RawMessage{"detail": nil}, false},
		{404, map[string]json.RawMessage{"detail": nil}, true},
		{404, map[string]json.RawMessage{"mapping": nil}, false},
	} {
		assert.Equal(t, tc.want, recognizable(tc.status, tc.body), "%d %v", tc.status, tc.body)
	}
	assert.False(t, acceptedStatus(0))
	assert.False(t, acceptedStatus(304))
	assert.True(t, acceptedStatus(204))
}

func TestTimeoutRestoresWithoutPublishing(t *testing.T) {
	hub := hook.NewHub()
	pub := &fakePublisher{}
	ic := New(Target{TabID: "tab-1", URL: convURL}, pub, WithTimeout(20*time.Millisecond))
	require.NoError(t, ic.Arm(context.Background(), hub))

	select {
	case <-ic.Done():
	case <-time.After(time.Second):
		t.Fatal("interceptor did not time out")
	}
	assert.Equal(t, StateTimedOut, ic.State())
	assert.False(t, hub.Armed("tab-1"))

	hub.Publish(exchange(convURL, `{"mapping":{}}`))
	assert.Empty(t, pub.messages())
}

func TestConversationScope(t *testing.T) {
	hub := hook.NewHub()
	pub := &fakePublisher{}
	ic := New(Target{TabID: "tab-1", Origin: "https://chatgpt.com", ConversationID: convID, Variant: ConversationScope}, pub)
	assert.Equal(t, DefaultConversationTimeout, ic.timeout)
	require.NoError(t, ic.Arm(context.Background(), hub))

	hub.Publish(exchange(convURL+"/attachment/x", `{"mapping":{}}`))
	assert.Empty(t, pub.messages())

	ex := exchange(convURL+"?stream=false", `{"conversation_id":"`+convID+`"}`)
	ex.Primitive = hook.PrimitiveXHR
	hub.Publish(ex)

	got := pub.messages()
	require.Len(t, got, 1)
	assert.Equal(t, relay.SourceXHR, got[0].msg.Source)
	assert.Equal(t, StateCaptured, ic.State())
}

func TestArmTwiceFails(t *testing.T) {
	hub := hook.NewHub()
	ic := New(Target{TabID: "tab-1", URL: convURL}, &fakePublisher{})
	require.NoError(t, ic.Arm(context.Background(), hub))
	assert.Error(t, ic.Arm(context.Background(), hub))
	ic.Cancel()
	assert.Equal(t, StateCancelled, ic.State())
}

func TestContextCancelRestores(t *testing.T) {
	hub := hook.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	ic := New(Target{TabID: "tab-1", URL: convURL}, &fakePublisher{})
	require.NoError(t, ic.Arm(ctx, hub))
	cancel()
	select {
	case <-ic.Done():
	case <-time.After(time.Second):
		t.Fatal("interceptor not cancelled")
	}
	assert.Equal(t, StateCancelled, ic.State())
	assert.False(t, hub.Armed("tab-1"))
}

func TestLauncher(t *testing.T) {
	hub := hook.NewHub()
	pub := &fakePublisher{}
	l := NewLauncher(hub, pub, nil, Timeouts{ExactURL: time.Second, Conversation: time.Second})
	defer l.Close()

	_, err := l.Inject(context.Background(), Target{URL: convURL})
	assert.Error(t, err)
	_, err = l.Inject(context.Background(), Target{TabID: "tab-1", Variant: ConversationScope, ConversationID: "short"})
	assert.Error(t, err)

	ic, err := l.Inject(context.Background(), Target{TabID: "tab-1", URL: convURL, ConversationID: convID})
	require.NoError(t, err)
	_, err = l.Inject(context.Background(), Target{TabID: "tab-2", URL: convURL, ConversationID: convID})
	require.NoError(t, err)
	assert.Equal(t, 2, l.Stats().Active)

	hub.Publish(exchange(convURL, `{"mapping":{}}`))
	<-ic.Done()

	l.CancelTab("tab-2")
	st := l.Stats()
	assert.Equal(t, 0, st.Active)
	assert.Equal(t, int64(1), st.Captured)
	assert.Equal(t, int64(1), st.Cancelled)
	assert.Len(t, pub.messages(), 1)
}
