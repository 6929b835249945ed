package registry

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mcpconnect/mcpconnect-go/internal/config"
	"github.com/mcpconnect/mcpconnect-go/internal/oauth"
	"github.com/mcpconnect/mcpconnect-go/internal/storage"
	"github.com/mcpconnect/mcpconnect-go/internal/supervisor"
)

func newTestRegistry(t *testing.T, servers ...*config.ServerConfig) (*Registry, *storage.BoltDB) {
	t.Helper()
	store, err := storage.NewBoltDB(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.DefaultConfig()
	cfg.Servers = servers

	tokens := oauth.NewTokenManager(&http.Client{}, store, nil, zap.NewNop())
	flow := oauth.NewFlow(&http.Client{}, store, zap.NewNop(), nil)

	r := New(cfg, store, tokens, flow, &http.Client{}, zap.NewNop())
	t.Cleanup(r.Stop)
	return r, store
}

func testServer(name string, enabled bool) *config.ServerConfig {
	return &config.ServerConfig{
		Name:         name,
		URL:          "https://" + name + ".example.com/mcp",
		RequiresAuth: true,
		Enabled:      enabled,
	}
}

func TestListAndGet(t *testing.T) {
	r, _ := newTestRegistry(t, testServer("github", true), testServer("linear", false))

	views := r.List()
	require.Len(t, views, 2)
	assert.Equal(t, "github", views[0].Name)
	assert.True(t, views[0].Enabled)
	assert.Equal(t, supervisor.StateDisconnected, views[0].Status.State)
	assert.False(t, views[1].Enabled)

	view, err := r.Get("github")
	require.NoError(t, err)
	assert.Equal(t, "https://github.example.com/mcp", view.URL)

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, ErrUnknownServer)
}

func TestEnablementPersistsAcrossRestart(t *testing.T) {
	store, err := storage.NewBoltDB(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	cfg := config.DefaultConfig()
	cfg.Servers = []*config.ServerConfig{testServer("github", false)}
	tokens := oauth.NewTokenManager(&http.Client{}, store, nil, zap.NewNop())
	flow := oauth.NewFlow(&http.Client{}, store, zap.NewNop(), nil)

	r := New(cfg, store, tokens, flow, &http.Client{}, zap.NewNop())
	require.NoError(t, r.Enable(context.Background(), "github"))
	assert.True(t, r.AnyEnabled())
	r.Stop()

	// fresh registry, same store: the persisted flag beats the config default
	r2 := New(cfg, store, tokens, flow, &http.Client{}, zap.NewNop())
	defer r2.Stop()
	view, err := r2.Get("github")
	require.NoError(t, err)
	assert.True(t, view.Enabled)
}

func TestDisableRecomputesAnyEnabled(t *testing.T) {
	r, _ := newTestRegistry(t, testServer("github", true))

	assert.True(t, r.AnyEnabled())
	require.NoError(t, r.Disable("github"))
	assert.False(t, r.AnyEnabled())

	assert.ErrorIs(t, r.Enable(context.Background(), "missing"), ErrUnknownServer)
	assert.ErrorIs(t, r.Disable("missing"), ErrUnknownServer)
}

func TestDisconnectDoesNotPersist(t *testing.T) {
	r, store := newTestRegistry(t, testServer("github", true))

	require.NoError(t, r.Disconnect("github"))
	assert.False(t, r.AnyEnabled())

	// Unlike Disable, the stored enablement is untouched.
	state, err := store.GetServerState("github")
	if err == nil && state != nil {
		assert.True(t, state.Enabled)
	}

	require.NoError(t, r.Disconnect("github")) // idempotent
	assert.ErrorIs(t, r.Disconnect("missing"), ErrUnknownServer)
}

func TestEventBus(t *testing.T) {
	r, _ := newTestRegistry(t, testServer("github", false))

	ch := r.SubscribeEvents()
	defer r.UnsubscribeEvents(ch)

	require.NoError(t, r.Enable(context.Background(), "github"))

	select {
	case evt := <-ch:
		assert.Equal(t, EventTypeServersChanged, evt.Type)
		assert.Equal(t, "github", evt.Payload["server_name"])
		assert.Equal(t, "enabled", evt.Payload["reason"])
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	r, _ := newTestRegistry(t, testServer("github", false))

	ch := r.SubscribeEvents()
	r.UnsubscribeEvents(ch)
	_, open := <-ch
	assert.False(t, open)

	// double unsubscribe is harmless
	r.UnsubscribeEvents(ch)
}

func TestHandleWakeIgnoresUnknownTimers(t *testing.T) {
	r, _ := newTestRegistry(t, testServer("github", false))

	r.HandleWake("unrelated-timer", "")
	r.HandleWake(oauth.RefreshTimerName("not-configured"), "")
}

func TestHandleWakeConcurrentWithToggle(t *testing.T) {
	r, _ := newTestRegistry(t, testServer("github", false))

	// Timer fires read the enablement flag while Enable/Disable rewrite it;
	// both must go through the registry lock.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			r.HandleWake(oauth.RefreshTimerName("github"), "")
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_ = r.Enable(context.Background(), "github")
			_ = r.Disable("github")
		}
	}()
	wg.Wait()
}

func TestToolCallsOnUnknownServer(t *testing.T) {
	r, _ := newTestRegistry(t, testServer("github", false))

	_, err := r.CallTool(context.Background(), "missing", "echo", nil)
	assert.ErrorIs(t, err, ErrUnknownServer)
	_, err = r.ListTools(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownServer)

	// configured but not connected
	_, err = r.CallTool(context.Background(), "github", "echo", nil)
	assert.ErrorIs(t, err, supervisor.ErrNotReady)
}
