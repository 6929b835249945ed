package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mcpconnect/mcpconnect-go/internal/config"
	"github.com/mcpconnect/mcpconnect-go/internal/scheduler"
	"github.com/mcpconnect/mcpconnect-go/internal/storage"
)

// RefreshBuffer is how long before expiry a token counts as expired and a
// proactive refresh is scheduled.
const RefreshBuffer = 2 * time.Minute

// RefreshTimerPrefix namespaces token-refresh wake timers.
const RefreshTimerPrefix = "oauth-refresh:"

// RefreshTimerName returns the wake-timer name used for a server's proactive
// refresh. One timer per server: rescheduling replaces the previous one.
func RefreshTimerName(serverName string) string {
	return RefreshTimerPrefix + serverName
}

// TokenManager owns the token lifecycle for all servers: expiry checks,
// proactive timer-driven refresh, and the in-memory token cache in front of
// the durable store.
type TokenManager struct {
	httpClient *http.Client
	store      *storage.BoltDB
	sched      *scheduler.Scheduler
	discoverer *Discoverer
	logger     *zap.Logger

	mu    sync.RWMutex
	cache map[string]*storage.TokenRecord
}

// NewTokenManager creates a TokenManager. The scheduler may be nil, in which
// case refreshes still work on demand but are never scheduled proactively.
func NewTokenManager(httpClient *http.Client, store *storage.BoltDB, sched *scheduler.Scheduler, logger *zap.Logger) *TokenManager {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.L()
	}
	return &TokenManager{
		httpClient: httpClient,
		store:      store,
		sched:      sched,
		discoverer: NewDiscoverer(httpClient, logger),
		logger:     logger.Named("oauth.tokens"),
		cache:      make(map[string]*storage.TokenRecord),
	}
}

// IsExpired reports whether the token is within the refresh buffer of its
// expiry. Tokens with no recorded expiry never expire here; the server tells
// us with a 401 instead.
func (m *TokenManager) IsExpired(rec *storage.TokenRecord) bool {
	if rec == nil {
		return true
	}
	if rec.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().After(rec.ExpiresAt.Add(-RefreshBuffer))
}

// Get returns the token for a server from cache or store, without checking
// expiry. Returns storage.ErrNotFound when the server has no token.
func (m *TokenManager) Get(serverName string) (*storage.TokenRecord, error) {
	m.mu.RLock()
	if rec, ok := m.cache[serverName]; ok {
		m.mu.RUnlock()
		return rec, nil
	}
	m.mu.RUnlock()

	rec, err := m.store.GetToken(serverName)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.cache[serverName] = rec
	m.mu.Unlock()
	return rec, nil
}

// EnsureValid returns a token that is not within the expiry buffer,
// refreshing if necessary. A nil record with nil error means the server has
// no usable token and needs interactive authorization.
func (m *TokenManager) EnsureValid(ctx context.Context, server *config.ServerConfig) (*storage.TokenRecord, error) {
	rec, err := m.Get(server.Name)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !m.IsExpired(rec) {
		return rec, nil
	}

	refreshed, err := m.Refresh(ctx, server)
	if err != nil {
		if errors.Is(err, ErrNoRefreshToken) || errors.Is(err, ErrRefreshFailed) {
			return nil, nil
		}
		return nil, err
	}
	return refreshed, nil
}

// Refresh exchanges the stored refresh token for fresh tokens. All
// prerequisites (refresh token, client credentials, token endpoint) are
// checked before any network call; a missing one fails terminally so the
// caller can route the server to interactive re-authorization. On success the
// new tokens are persisted and the next proactive refresh is scheduled. A
// rejected refresh clears the stored tokens.
func (m *TokenManager) Refresh(ctx context.Context, server *config.ServerConfig) (*storage.TokenRecord, error) {
	rec, err := m.Get(server.Name)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoRefreshToken
	}
	if err != nil {
		return nil, err
	}
	if rec.RefreshToken == "" {
		m.logger.Info("No refresh token stored, re-authorization required",
			zap.String("server", server.Name))
		return nil, ErrNoRefreshToken
	}

	creds, err := m.store.GetCredentials(server.Name)
	if errors.Is(err, storage.ErrNotFound) {
		m.logger.Info("No client credentials stored, re-authorization required",
			zap.String("server", server.Name))
		return nil, fmt.Errorf("%w: client credentials missing", ErrRefreshFailed)
	}
	if err != nil {
		return nil, err
	}

	tokenEndpoint, err := m.tokenEndpoint(ctx, server)
	if err != nil {
		return nil, err
	}

	resource := ""
	if server.OAuth != nil {
		resource = server.OAuth.Resource
	}

	resp, err := refreshTokens(ctx, m.httpClient, tokenEndpoint, creds, rec.RefreshToken, resource, server.Headers)
	if err != nil {
		var cerr *Error
		if errors.As(err, &cerr) && cerr.Retryable() {
			// transient; keep the stored tokens so the retry has something
			// to work with
			return nil, err
		}
		m.logger.Warn("Token refresh rejected, clearing stored tokens",
			zap.String("server", server.Name),
			zap.Error(err))
		m.ClearTokens(server.Name)
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	fresh := resp.toRecord(server.Name)
	fresh.Created = rec.Created
	if fresh.RefreshToken == "" {
		// providers may omit the refresh token on rotation; keep the old one
		fresh.RefreshToken = rec.RefreshToken
	}
	if err := m.store.SaveToken(fresh); err != nil {
		return nil, fmt.Errorf("failed to persist refreshed tokens: %w", err)
	}

	m.mu.Lock()
	m.cache[server.Name] = fresh
	m.mu.Unlock()

	m.logger.Info("Tokens refreshed",
		zap.String("server", server.Name),
		zap.String("access_token", maskSecret(fresh.AccessToken)),
		zap.Time("expires_at", fresh.ExpiresAt))

	m.ScheduleRefresh(server.Name, fresh.ExpiresAt)
	return fresh, nil
}

// ScheduleRefresh arms the durable wake timer for a server's next proactive
// refresh, replacing any previous one. An expiry already inside the buffer is
// logged and left to on-demand refresh.
func (m *TokenManager) ScheduleRefresh(serverName string, expiresAt time.Time) {
	if m.sched == nil || expiresAt.IsZero() {
		return
	}
	fireAt := expiresAt.Add(-RefreshBuffer)
	if time.Now().After(fireAt) {
		m.logger.Debug("Token already inside refresh buffer, skipping timer",
			zap.String("server", serverName),
			zap.Time("expires_at", expiresAt))
		return
	}
	if err := m.sched.Schedule(RefreshTimerName(serverName), fireAt, serverName); err != nil {
		m.logger.Warn("Failed to schedule token refresh",
			zap.String("server", serverName), zap.Error(err))
		return
	}
	m.logger.Debug("Scheduled proactive token refresh",
		zap.String("server", serverName),
		zap.Time("fire_at", fireAt))
}

// CancelRefresh removes the server's refresh timer.
func (m *TokenManager) CancelRefresh(serverName string) {
	if m.sched == nil {
		return
	}
	if err := m.sched.Cancel(RefreshTimerName(serverName)); err != nil {
		m.logger.Warn("Failed to cancel refresh timer",
			zap.String("server", serverName), zap.Error(err))
	}
}

// HandleTimerFire processes a proactive-refresh wake. Fires are idempotent:
// a token that is not actually near expiry (the timer was stale) is left
// alone, and disabled servers are skipped entirely.
func (m *TokenManager) HandleTimerFire(ctx context.Context, server *config.ServerConfig, enabled bool) {
	if !enabled {
		m.logger.Debug("Skipping refresh for disabled server",
			zap.String("server", server.Name))
		return
	}

	rec, err := m.Get(server.Name)
	if err != nil {
		m.logger.Debug("No token at refresh wake",
			zap.String("server", server.Name), zap.Error(err))
		return
	}
	if !m.IsExpired(rec) {
		m.ScheduleRefresh(server.Name, rec.ExpiresAt)
		return
	}

	if _, err := m.Refresh(ctx, server); err != nil {
		m.logger.Warn("Proactive token refresh failed",
			zap.String("server", server.Name), zap.Error(err))
	}
}

// ClearTokens drops the token for a server from cache and store. Client
// credentials and endpoints are kept so re-authorization skips discovery.
func (m *TokenManager) ClearTokens(serverName string) {
	m.mu.Lock()
	delete(m.cache, serverName)
	m.mu.Unlock()

	if err := m.store.DeleteToken(serverName); err != nil && !errors.Is(err, storage.ErrNotFound) {
		m.logger.Warn("Failed to delete tokens",
			zap.String("server", serverName), zap.Error(err))
	}
	m.CancelRefresh(serverName)
}

// Forget wipes everything stored for a server: tokens, client credentials,
// endpoints and the refresh timer. Used for logout and for tokens rejected as
// structurally invalid.
func (m *TokenManager) Forget(serverName string) error {
	m.mu.Lock()
	delete(m.cache, serverName)
	m.mu.Unlock()

	m.CancelRefresh(serverName)
	return m.store.WipeServer(serverName)
}

// Invalidate drops the cached copy of a server's token so the next Get hits
// the store.
func (m *TokenManager) Invalidate(serverName string) {
	m.mu.Lock()
	delete(m.cache, serverName)
	m.mu.Unlock()
}

// tokenEndpoint resolves the token endpoint from the store, falling back to
// fresh discovery (persisted for next time).
func (m *TokenManager) tokenEndpoint(ctx context.Context, server *config.ServerConfig) (string, error) {
	if rec, err := m.store.GetEndpoints(server.Name); err == nil && rec.TokenEndpoint != "" {
		return rec.TokenEndpoint, nil
	}

	endpoints, err := m.discoverer.Discover(ctx, server.URL)
	if err != nil {
		return "", err
	}
	if err := m.store.SaveEndpoints(&storage.EndpointsRecord{
		ServerName:            server.Name,
		AuthorizationEndpoint: endpoints.AuthorizationEndpoint,
		TokenEndpoint:         endpoints.TokenEndpoint,
		RegistrationEndpoint:  endpoints.RegistrationEndpoint,
		RevocationEndpoint:    endpoints.RevocationEndpoint,
		ScopesSupported:       endpoints.ScopesSupported,
		Resource:              endpoints.Resource,
		Updated:               time.Now(),
	}); err != nil {
		m.logger.Warn("Failed to persist rediscovered endpoints",
			zap.String("server", server.Name), zap.Error(err))
	}
	return endpoints.TokenEndpoint, nil
}
