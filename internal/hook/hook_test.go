package hook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubScopedInstall(t *testing.T) {
	h := NewHub()
	var got []Exchange
	restore := h.Install("tab-1", ObserverFunc(func(ex Exchange) { got = append(got, ex) }))

	assert.True(t, h.Armed("tab-1"))
	assert.False(t, h.Armed("tab-2"))

	h.Publish(Exchange{TabID: "tab-2", URL: "ignored"})
	h.Publish(Exchange{TabID: "tab-1", URL: "seen", Body: []byte("{}")})
	require.Len(t, got, 1)
	assert.Equal(t, "seen", got[0].URL)
	assert.False(t, got[0].ObservedAt.IsZero())

	restore()
	restore()
	assert.False(t, h.Armed("tab-1"))
	assert.Equal(t, 0, h.Count())

	h.Publish(Exchange{TabID: "tab-1"})
	assert.Len(t, got, 1)
}

func TestHubBodyCopies(t *testing.T) {
	h := NewHub()
	var a, b []byte
	defer h.Install("t", ObserverFunc(func(ex Exchange) { a = ex.Body; ex.Body[0] = 'X' }))()
	defer h.Install("t", ObserverFunc(func(ex Exchange) { b = ex.Body }))()

	body := []byte("{}")
	h.Publish(Exchange{TabID: "t", Body: body})
	assert.Equal(t, "X}", string(a))
	assert.Equal(t, "{}", string(b))
	assert.Equal(t, "{}", string(body))
}

func TestHubRestoreFromObserver(t *testing.T) {
	h := NewHub()
	calls := 0
	var restore func()
	restore = h.Install("t", ObserverFunc(func(Exchange) {
		calls++
		restore()
	}))
	h.Publish(Exchange{TabID: "t"})
	h.Publish(Exchange{TabID: "t"})
	assert.Equal(t, 1, calls)
}
