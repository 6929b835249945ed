// Package registry is the explicit home of all known servers. It owns one
// supervisor per server, persists enablement across restarts, broadcasts
// state changes, and routes proactive-refresh wakes to the token manager.
package registry

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mcpconnect/mcpconnect-go/internal/config"
	"github.com/mcpconnect/mcpconnect-go/internal/oauth"
	"github.com/mcpconnect/mcpconnect-go/internal/protocol"
	"github.com/mcpconnect/mcpconnect-go/internal/storage"
	"github.com/mcpconnect/mcpconnect-go/internal/supervisor"
)

// heartbeatInterval paces the keep-alive loop that nudges enabled servers
// back toward connected.
const heartbeatInterval = 30 * time.Second

// ErrUnknownServer is returned for operations naming a server that is not
// configured.
var ErrUnknownServer = fmt.Errorf("unknown server")

// ServerView is the externally visible snapshot of one server.
type ServerView struct {
	Name    string            `json:"name"`
	URL     string            `json:"url"`
	Enabled bool              `json:"enabled"`
	Status  supervisor.Status `json:"status"`
}

type entry struct {
	server  *config.ServerConfig
	sup     *supervisor.Supervisor
	enabled bool
}

// Registry tracks every configured server and its connection supervisor.
type Registry struct {
	cfg        *config.Config
	store      *storage.BoltDB
	tokens     *oauth.TokenManager
	flow       *oauth.Flow
	httpClient *http.Client
	logger     *zap.Logger

	mu      sync.RWMutex
	entries map[string]*entry

	eventMu   sync.RWMutex
	eventSubs map[chan Event]struct{}

	anyEnabled atomic.Bool

	lifecycleCtx    context.Context
	lifecycleCancel context.CancelFunc
}

// New builds the registry from configuration. Persisted enablement state
// overrides the config file's enabled flags.
func New(cfg *config.Config, store *storage.BoltDB, tokens *oauth.TokenManager, flow *oauth.Flow, httpClient *http.Client, logger *zap.Logger) *Registry {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = zap.L()
	}
	lifecycleCtx, cancel := context.WithCancel(context.Background())

	r := &Registry{
		cfg:             cfg,
		store:           store,
		tokens:          tokens,
		flow:            flow,
		httpClient:      httpClient,
		logger:          logger.Named("registry"),
		entries:         make(map[string]*entry),
		eventSubs:       make(map[chan Event]struct{}),
		lifecycleCtx:    lifecycleCtx,
		lifecycleCancel: cancel,
	}

	for _, server := range cfg.Servers {
		enabled := server.Enabled
		if rec, err := store.GetServerState(server.Name); err == nil {
			enabled = rec.Enabled
		}
		r.entries[server.Name] = &entry{server: server, enabled: enabled}
	}
	r.recomputeAnyEnabled()
	return r
}

// supervisorFor lazily builds the supervisor for an entry. Caller holds r.mu.
func (r *Registry) supervisorFor(e *entry) *supervisor.Supervisor {
	if e.sup != nil {
		return e.sup
	}
	e.sup = supervisor.New(e.server, r.tokens, r.flow, r.dialFactory(), r.cfg.Reconnect, supervisor.Callbacks{
		OnStateChange: func(serverName string, from, to supervisor.State, status supervisor.Status) {
			r.emitServersChanged(serverName, "state", map[string]any{
				"from":  string(from),
				"state": string(to),
			})
		},
		OnTokenExpired: func(serverName string) {
			r.publishEvent(newEvent(EventTypeRefreshFailed, map[string]any{
				"server_name": serverName,
				"error":       "token rejected, re-authentication required",
			}))
		},
		OnInvalidToken: func(serverName string) {
			r.publishEvent(newEvent(EventTypeRefreshFailed, map[string]any{
				"server_name": serverName,
				"error":       "token invalid, credentials wiped",
			}))
		},
	}, r.logger)
	return e.sup
}

func (r *Registry) dialFactory() supervisor.ConnFactory {
	return func(server *config.ServerConfig, tokens protocol.TokenProvider, onLost func(error)) supervisor.Conn {
		return protocol.NewClient(server.URL, protocol.Options{
			HTTPClient:       r.httpClient,
			Logger:           r.logger,
			Headers:          server.Headers,
			Tokens:           tokens,
			OnConnectionLost: onLost,
		})
	}
}

// Start connects all enabled servers concurrently and launches the heartbeat.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.RLock()
	var enabled []*entry
	for _, e := range r.entries {
		if e.enabled {
			enabled = append(enabled, e)
		}
	}
	r.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, e := range enabled {
		r.mu.Lock()
		sup := r.supervisorFor(e)
		r.mu.Unlock()
		g.Go(func() error {
			if err := sup.Connect(gctx); err != nil {
				r.logger.Warn("Initial connect failed",
					zap.String("server", e.server.Name), zap.Error(err))
			}
			return nil // one bad server must not stop the others
		})
	}
	_ = g.Wait()

	go r.heartbeat()

	r.logger.Info("Registry started",
		zap.Int("servers", len(r.entries)),
		zap.Int("enabled", len(enabled)))
	return nil
}

// Stop disconnects everything and halts background work.
func (r *Registry) Stop() {
	r.lifecycleCancel()

	r.mu.RLock()
	var sups []*supervisor.Supervisor
	for _, e := range r.entries {
		if e.sup != nil {
			sups = append(sups, e.sup)
		}
	}
	r.mu.RUnlock()

	for _, sup := range sups {
		sup.Disable()
	}
}

// heartbeat periodically nudges enabled servers that fell back to
// disconnected (e.g. after a network blip exhausted its retries was resolved
// by the user) without touching needs_auth or error states, which require
// explicit user action.
func (r *Registry) heartbeat() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !r.anyEnabled.Load() {
				continue
			}
			r.mu.RLock()
			var stale []*supervisor.Supervisor
			for _, e := range r.entries {
				if e.enabled && e.sup != nil && e.sup.State() == supervisor.StateDisconnected {
					stale = append(stale, e.sup)
				}
			}
			r.mu.RUnlock()

			for _, sup := range stale {
				go func() {
					if err := sup.Connect(r.lifecycleCtx); err != nil {
						r.logger.Debug("Heartbeat reconnect failed", zap.Error(err))
					}
				}()
			}
		case <-r.lifecycleCtx.Done():
			return
		}
	}
}

// List returns a snapshot of every server, sorted by the config order.
func (r *Registry) List() []ServerView {
	r.mu.RLock()
	defer r.mu.RUnlock()

	views := make([]ServerView, 0, len(r.entries))
	for _, server := range r.cfg.Servers {
		e, ok := r.entries[server.Name]
		if !ok {
			continue
		}
		views = append(views, r.viewLocked(e))
	}
	return views
}

func (r *Registry) viewLocked(e *entry) ServerView {
	view := ServerView{
		Name:    e.server.Name,
		URL:     e.server.URL,
		Enabled: e.enabled,
	}
	if e.sup != nil {
		view.Status = e.sup.Status()
	} else {
		view.Status = supervisor.Status{ServerName: e.server.Name, State: supervisor.StateDisconnected}
	}
	return view
}

// Get returns the view of one server.
func (r *Registry) Get(name string) (ServerView, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return ServerView{}, fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	return r.viewLocked(e), nil
}

// Enable marks a server enabled, persists the flag, and starts connecting.
func (r *Registry) Enable(ctx context.Context, name string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	e.enabled = true
	sup := r.supervisorFor(e)
	r.mu.Unlock()

	if err := r.persistEnabled(name, true); err != nil {
		return err
	}
	r.recomputeAnyEnabled()
	r.emitServersChanged(name, "enabled", nil)

	go func() {
		if err := sup.Connect(r.lifecycleCtx); err != nil {
			r.logger.Warn("Connect after enable failed",
				zap.String("server", name), zap.Error(err))
		}
	}()
	return nil
}

// Disable disconnects a server and persists the flag. Tokens are kept.
func (r *Registry) Disable(name string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	e.enabled = false
	sup := e.sup
	r.mu.Unlock()

	if sup != nil {
		sup.Disable()
	}
	if err := r.persistEnabled(name, false); err != nil {
		return err
	}
	r.recomputeAnyEnabled()
	r.emitServersChanged(name, "disabled", nil)
	return nil
}

// Disconnect tears down a server's connection and pauses reconnection for the
// rest of the process lifetime. Unlike Disable, nothing is persisted: on
// restart the stored enablement applies again.
func (r *Registry) Disconnect(name string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	e.enabled = false
	sup := e.sup
	r.mu.Unlock()

	if sup != nil {
		sup.Disable()
	}
	r.recomputeAnyEnabled()
	r.emitServersChanged(name, "disconnected", nil)
	return nil
}

// StartAuth launches the interactive authorization flow for a server in the
// background. Progress surfaces through state-change events.
func (r *Registry) StartAuth(name string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	sup := r.supervisorFor(e)
	r.mu.Unlock()

	go func() {
		if err := sup.BeginAuth(r.lifecycleCtx); err != nil {
			r.logger.Warn("Authorization failed",
				zap.String("server", name), zap.Error(err))
		}
	}()
	return nil
}

// Authorize runs the interactive authorization flow synchronously. Used by
// the CLI where the caller wants the outcome.
func (r *Registry) Authorize(ctx context.Context, name string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	sup := r.supervisorFor(e)
	r.mu.Unlock()

	return sup.BeginAuth(ctx)
}

// Logout disconnects a server and wipes its stored tokens, credentials and
// endpoints.
func (r *Registry) Logout(name string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	sup := r.supervisorFor(e)
	r.mu.Unlock()

	if err := sup.Logout(); err != nil {
		return err
	}
	r.emitServersChanged(name, "logout", nil)
	return nil
}

// CallTool invokes a tool on a connected server.
func (r *Registry) CallTool(ctx context.Context, name, tool string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	sup, err := r.supervisorOf(name)
	if err != nil {
		return nil, err
	}
	return sup.CallTool(ctx, tool, args)
}

// ListTools lists the tools of a connected server.
func (r *Registry) ListTools(ctx context.Context, name string) ([]mcp.Tool, error) {
	sup, err := r.supervisorOf(name)
	if err != nil {
		return nil, err
	}
	return sup.ListTools(ctx)
}

func (r *Registry) supervisorOf(name string) (*supervisor.Supervisor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	return r.supervisorFor(e), nil
}

// HandleWake routes a fired wake timer. Proactive-refresh timers are handed
// to the token manager with the server's current enablement.
func (r *Registry) HandleWake(name, payload string) {
	if !strings.HasPrefix(name, oauth.RefreshTimerPrefix) {
		r.logger.Debug("Ignoring unknown wake timer", zap.String("name", name))
		return
	}
	serverName := strings.TrimPrefix(name, oauth.RefreshTimerPrefix)

	// Snapshot the entry under the lock: Enable/Disable mutate enabled
	// concurrently with timer fires.
	r.mu.RLock()
	e, ok := r.entries[serverName]
	var (
		sup     *supervisor.Supervisor
		server  *config.ServerConfig
		enabled bool
	)
	if ok {
		sup = e.sup
		server = e.server
		enabled = e.enabled
	}
	r.mu.RUnlock()
	if !ok {
		r.logger.Debug("Wake timer for unconfigured server", zap.String("server", serverName))
		return
	}

	refreshDone := func(bool) {}
	if sup != nil {
		refreshDone = sup.BeginTokenRefresh()
	}

	ctx, cancel := context.WithTimeout(r.lifecycleCtx, time.Minute)
	defer cancel()
	r.tokens.HandleTimerFire(ctx, server, enabled)

	refreshed := false
	if rec, err := r.tokens.Get(serverName); err == nil && !r.tokens.IsExpired(rec) {
		refreshed = true
		r.publishEvent(newEvent(EventTypeTokenRefreshed, map[string]any{
			"server_name": serverName,
			"expires_at":  rec.ExpiresAt.Format(time.RFC3339),
		}))
	}
	refreshDone(refreshed)
}

// AnyEnabled reports whether at least one server is enabled.
func (r *Registry) AnyEnabled() bool { return r.anyEnabled.Load() }

func (r *Registry) recomputeAnyEnabled() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.enabled {
			r.anyEnabled.Store(true)
			return
		}
	}
	r.anyEnabled.Store(false)
}

func (r *Registry) persistEnabled(name string, enabled bool) error {
	return r.store.SaveServerState(&storage.ServerStateRecord{
		ServerName: name,
		Enabled:    enabled,
		Updated:    time.Now(),
	})
}
