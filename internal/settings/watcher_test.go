package settings

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burpheart/gpt-tap/internal/relay"
	"github.com/burpheart/gpt-tap/pkg/types"
)

func TestWatcherAppliesChangedSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("settings:\n  auto_show_overlay: true\n"), 0644))

	var mu sync.Mutex
	var got []types.Settings
	w, err := NewWatcher(path, func(_ context.Context, s types.Settings) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	}, WithDebounce(10*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.NoError(t, os.WriteFile(path, []byte("settings:\n  auto_show_overlay: false\n"), 0644))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.False(t, got[0].AutoShowOverlay)
	assert.True(t, got[0].PersistResults)
	mu.Unlock()
	assert.Equal(t, 1, w.Reloads())

	cancel()
	require.NoError(t, <-done)
}

func TestDispatch(t *testing.T) {
	r := relay.NewRouter(time.Second)
	var mu sync.Mutex
	seen := map[string]types.Settings{}
	r.Handle(relay.ActionUpdateSettings, func(_ context.Context, cmd relay.Command) relay.Reply {
		var s types.Settings
		if err := cmd.Decode(&s); err != nil {
			return relay.Fail(err)
		}
		mu.Lock()
		seen[cmd.TabID] = s
		mu.Unlock()
		return relay.OK()
	})

	s := types.Settings{PatternFallback: true}
	require.NoError(t, Dispatch(context.Background(), r, []string{"a", "b"}, s))
	assert.Equal(t, map[string]types.Settings{"a": s, "b": s}, seen)

	assert.Error(t, Dispatch(context.Background(), relay.NewRouter(time.Second), []string{"a"}, s))
}
