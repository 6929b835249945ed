package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mcpconnect/mcpconnect-go/internal/config"
	"github.com/mcpconnect/mcpconnect-go/internal/oauth"
	"github.com/mcpconnect/mcpconnect-go/internal/protocol"
	"github.com/mcpconnect/mcpconnect-go/internal/storage"
)

type fakeConn struct {
	mu         sync.Mutex
	connectErr []error // popped per attempt; empty means success
	connected  bool
	tools      []mcp.Tool
	callCount  int
}

func (f *fakeConn) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callCount++
	if len(f.connectErr) > 0 {
		err := f.connectErr[0]
		f.connectErr = f.connectErr[1:]
		if err != nil {
			return err
		}
	}
	f.connected = true
	return nil
}

func (f *fakeConn) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *fakeConn) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConn) Transport() protocol.TransportKind { return protocol.TransportStreamable }
func (f *fakeConn) Tools() []mcp.Tool                 { return f.tools }
func (f *fakeConn) ListTools(context.Context) ([]mcp.Tool, error) {
	return f.tools, nil
}
func (f *fakeConn) CallTool(context.Context, string, map[string]interface{}) (*mcp.CallToolResult, error) {
	return &mcp.CallToolResult{}, nil
}

type fakeTokens struct {
	mu         sync.Mutex
	token      *storage.TokenRecord
	refreshErr error
	refreshed  int
	cleared    bool
	forgotten  bool
}

func (f *fakeTokens) EnsureValid(context.Context, *config.ServerConfig) (*storage.TokenRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token, nil
}

func (f *fakeTokens) Refresh(context.Context, *config.ServerConfig) (*storage.TokenRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed++
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return f.token, nil
}

func (f *fakeTokens) ClearTokens(string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = true
	f.token = nil
}

func (f *fakeTokens) Forget(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten = true
	f.token = nil
	return nil
}

type fakeAuth struct {
	token *storage.TokenRecord
	err   error
}

func (f *fakeAuth) Authorize(context.Context, *config.ServerConfig) (*storage.TokenRecord, error) {
	return f.token, f.err
}

func fastReconnect(maxAttempts int) *config.ReconnectConfig {
	return &config.ReconnectConfig{
		BaseDelay:   time.Millisecond,
		Multiplier:  2.0,
		MaxDelay:    10 * time.Millisecond,
		MaxAttempts: maxAttempts,
	}
}

func newTestSupervisor(t *testing.T, server *config.ServerConfig, tokens *fakeTokens, auth *fakeAuth, conn *fakeConn, callbacks Callbacks) *Supervisor {
	t.Helper()
	dial := func(*config.ServerConfig, protocol.TokenProvider, func(error)) Conn { return conn }
	return New(server, tokens, auth, dial, fastReconnect(3), callbacks, zap.NewNop())
}

func validToken() *storage.TokenRecord {
	return &storage.TokenRecord{
		ServerName:  "github",
		AccessToken: "at-valid-123456789",
		ExpiresAt:   time.Now().Add(time.Hour),
	}
}

func authServer() *config.ServerConfig {
	return &config.ServerConfig{Name: "github", URL: "https://mcp.example.com/mcp", RequiresAuth: true, Enabled: true}
}

func TestConnectWithoutTokenParksInNeedsAuth(t *testing.T) {
	conn := &fakeConn{}
	s := newTestSupervisor(t, authServer(), &fakeTokens{}, &fakeAuth{}, conn, Callbacks{})

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, StateNeedsAuth, s.State())
	assert.Zero(t, conn.callCount, "no handshake without a token")
}

func TestConnectWithTokenSucceeds(t *testing.T) {
	var transitions []State
	var mu sync.Mutex
	callbacks := Callbacks{
		OnStateChange: func(_ string, _, to State, _ Status) {
			mu.Lock()
			transitions = append(transitions, to)
			mu.Unlock()
		},
	}
	conn := &fakeConn{tools: []mcp.Tool{{Name: "echo"}}}
	s := newTestSupervisor(t, authServer(), &fakeTokens{token: validToken()}, &fakeAuth{}, conn, callbacks)

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, StateConnected, s.State())

	mu.Lock()
	assert.Equal(t, []State{StateAuthenticated, StateConnecting, StateConnected}, transitions)
	mu.Unlock()

	status := s.Status()
	assert.Equal(t, 1, status.ToolCount)
	assert.Empty(t, status.LastError)
}

func TestConnectSkipsAuthForOpenServers(t *testing.T) {
	server := &config.ServerConfig{Name: "local", URL: "http://localhost:9000/mcp", Enabled: true}
	conn := &fakeConn{}
	s := newTestSupervisor(t, server, &fakeTokens{}, &fakeAuth{}, conn, Callbacks{})

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, StateConnected, s.State())
}

func TestConnectRetriesTransientFailures(t *testing.T) {
	conn := &fakeConn{connectErr: []error{
		oauth.NewError(oauth.CategoryNetwork, "connection refused", nil),
		oauth.NewError(oauth.CategoryServerError, "server error (HTTP 503)", nil),
		nil,
	}}
	s := newTestSupervisor(t, authServer(), &fakeTokens{token: validToken()}, &fakeAuth{}, conn, Callbacks{})

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, StateConnected, s.State())
	assert.Equal(t, 3, conn.callCount)
}

func TestConnectExhaustsAttempts(t *testing.T) {
	conn := &fakeConn{connectErr: []error{
		oauth.NewError(oauth.CategoryNetwork, "connection refused", nil),
		oauth.NewError(oauth.CategoryNetwork, "connection refused", nil),
		oauth.NewError(oauth.CategoryNetwork, "connection refused", nil),
	}}
	s := newTestSupervisor(t, authServer(), &fakeTokens{token: validToken()}, &fakeAuth{}, conn, Callbacks{})

	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateError, s.State())
	assert.Equal(t, 3, conn.callCount)
	assert.NotEmpty(t, s.Status().LastError)
}

func TestConnectNonRetryableFailsImmediately(t *testing.T) {
	conn := &fakeConn{connectErr: []error{
		oauth.NewError(oauth.CategoryHTTP, "HTTP 403: forbidden", nil),
	}}
	s := newTestSupervisor(t, authServer(), &fakeTokens{token: validToken()}, &fakeAuth{}, conn, Callbacks{})

	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateError, s.State())
	assert.Equal(t, 1, conn.callCount)
}

func TestInvalidTokenWipesCredentials(t *testing.T) {
	var invalidated string
	tokens := &fakeTokens{token: validToken()}
	conn := &fakeConn{connectErr: []error{
		oauth.NewError(oauth.CategoryInvalidToken, "token format is invalid", nil),
	}}
	s := newTestSupervisor(t, authServer(), tokens, &fakeAuth{}, conn, Callbacks{
		OnInvalidToken: func(name string) { invalidated = name },
	})

	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateInvalidToken, s.State())
	assert.True(t, tokens.forgotten, "invalid token wipes everything")
	assert.Equal(t, "github", invalidated)
	assert.Equal(t, 1, conn.callCount, "a malformed token is never retried")
}

func TestExpiredTokenRefreshesAndReconnects(t *testing.T) {
	var expired string
	tokens := &fakeTokens{token: validToken()}
	conn := &fakeConn{connectErr: []error{
		oauth.NewError(oauth.CategoryTokenExchange, "authentication required", nil),
		nil, // second attempt, with the refreshed token, succeeds
	}}
	s := newTestSupervisor(t, authServer(), tokens, &fakeAuth{}, conn, Callbacks{
		OnTokenExpired: func(name string) { expired = name },
	})

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, StateConnected, s.State())
	assert.Equal(t, 1, tokens.refreshed, "a server-side expiry signal forces a refresh")
	assert.False(t, tokens.cleared, "tokens survive when the refresh succeeds")
	assert.Equal(t, 2, conn.callCount)
	assert.Equal(t, "github", expired)
}

func TestExpiredTokenRoutesToNeedsAuthWhenRefreshFails(t *testing.T) {
	tokens := &fakeTokens{
		token:      validToken(),
		refreshErr: oauth.ErrRefreshFailed,
	}
	conn := &fakeConn{connectErr: []error{
		oauth.NewError(oauth.CategoryTokenExchange, "authentication required", nil),
	}}
	s := newTestSupervisor(t, authServer(), tokens, &fakeAuth{}, conn, Callbacks{})

	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateNeedsAuth, s.State())
	assert.Equal(t, 1, tokens.refreshed)
	assert.True(t, tokens.cleared)
	assert.False(t, tokens.forgotten, "rejected auth clears tokens but keeps credentials")
	assert.Equal(t, 1, conn.callCount)
}

func TestExpiredTokenRefreshForcedOnlyOnce(t *testing.T) {
	// the server keeps rejecting even freshly refreshed tokens: a second
	// expiry signal must not loop through another refresh
	tokens := &fakeTokens{token: validToken()}
	conn := &fakeConn{connectErr: []error{
		oauth.NewError(oauth.CategoryTokenExchange, "authentication required", nil),
		oauth.NewError(oauth.CategoryTokenExchange, "authentication required", nil),
	}}
	s := newTestSupervisor(t, authServer(), tokens, &fakeAuth{}, conn, Callbacks{})

	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateNeedsAuth, s.State())
	assert.Equal(t, 1, tokens.refreshed)
	assert.True(t, tokens.cleared)
	assert.Equal(t, 2, conn.callCount)
}

func TestBeginTokenRefresh(t *testing.T) {
	tokens := &fakeTokens{token: validToken()}
	s := newTestSupervisor(t, authServer(), tokens, &fakeAuth{}, &fakeConn{}, Callbacks{})
	require.NoError(t, s.Connect(context.Background()))
	require.Equal(t, StateConnected, s.State())

	done := s.BeginTokenRefresh()
	assert.Equal(t, StateTokenRefresh, s.State())
	done(true)
	assert.Equal(t, StateConnected, s.State())

	done = s.BeginTokenRefresh()
	done(false)
	assert.Equal(t, StateNeedsAuth, s.State())
}

func TestBeginTokenRefreshNoopWhenNotConnected(t *testing.T) {
	s := newTestSupervisor(t, authServer(), &fakeTokens{}, &fakeAuth{}, &fakeConn{}, Callbacks{})

	done := s.BeginTokenRefresh()
	assert.Equal(t, StateDisconnected, s.State())
	done(true)
	assert.Equal(t, StateDisconnected, s.State())
}

func TestBeginTokenRefreshSupersededByDisable(t *testing.T) {
	tokens := &fakeTokens{token: validToken()}
	s := newTestSupervisor(t, authServer(), tokens, &fakeAuth{}, &fakeConn{}, Callbacks{})
	require.NoError(t, s.Connect(context.Background()))

	done := s.BeginTokenRefresh()
	s.Disable()
	done(true) // outcome arriving after teardown must not resurrect the state
	assert.Equal(t, StateDisconnected, s.State())
}

func TestBeginAuthCancelledIsNotAnError(t *testing.T) {
	auth := &fakeAuth{err: oauth.NewError(oauth.CategoryCancelled, "authorization cancelled", nil)}
	s := newTestSupervisor(t, authServer(), &fakeTokens{}, auth, &fakeConn{}, Callbacks{})

	require.NoError(t, s.BeginAuth(context.Background()))
	assert.Equal(t, StateDisconnected, s.State())
	assert.Empty(t, s.Status().LastError)
}

func TestBeginAuthSuccessConnects(t *testing.T) {
	tokens := &fakeTokens{}
	auth := &fakeAuth{token: validToken()}
	conn := &fakeConn{}
	s := newTestSupervisor(t, authServer(), tokens, auth, conn, Callbacks{})

	require.NoError(t, s.BeginAuth(context.Background()))
	assert.Equal(t, StateConnected, s.State())
}

func TestBeginAuthFailureIsTerminal(t *testing.T) {
	auth := &fakeAuth{err: oauth.NewError(oauth.CategoryCSRF, "state mismatch", nil)}
	s := newTestSupervisor(t, authServer(), &fakeTokens{}, auth, &fakeConn{}, Callbacks{})

	err := s.BeginAuth(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateError, s.State())
}

func TestDisableKeepsTokens(t *testing.T) {
	tokens := &fakeTokens{token: validToken()}
	conn := &fakeConn{}
	s := newTestSupervisor(t, authServer(), tokens, &fakeAuth{}, conn, Callbacks{})

	require.NoError(t, s.Connect(context.Background()))
	require.Equal(t, StateConnected, s.State())

	s.Disable()
	assert.Equal(t, StateDisconnected, s.State())
	assert.False(t, conn.IsConnected())
	assert.False(t, tokens.forgotten, "disable must not wipe credentials")
	assert.False(t, tokens.cleared)
}

func TestLogoutWipesTokens(t *testing.T) {
	tokens := &fakeTokens{token: validToken()}
	conn := &fakeConn{}
	s := newTestSupervisor(t, authServer(), tokens, &fakeAuth{}, conn, Callbacks{})

	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Logout())

	assert.Equal(t, StateDisconnected, s.State())
	assert.True(t, tokens.forgotten)
}

func TestToolCallsRequireConnection(t *testing.T) {
	s := newTestSupervisor(t, authServer(), &fakeTokens{}, &fakeAuth{}, &fakeConn{}, Callbacks{})

	_, err := s.CallTool(context.Background(), "echo", nil)
	assert.ErrorIs(t, err, ErrNotReady)
	_, err = s.ListTools(context.Background())
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestValidateTransition(t *testing.T) {
	assert.NoError(t, validateTransition(StateDisconnected, StateNeedsAuth))
	assert.NoError(t, validateTransition(StateConnecting, StateConnected))
	assert.Error(t, validateTransition(StateDisconnected, StateConnected))
	assert.Error(t, validateTransition(StateNeedsAuth, StateConnecting))
	assert.Error(t, validateTransition(State("bogus"), StateConnected))
}

func TestConnectIdempotentWhenConnected(t *testing.T) {
	conn := &fakeConn{}
	s := newTestSupervisor(t, authServer(), &fakeTokens{token: validToken()}, &fakeAuth{}, conn, Callbacks{})

	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, 1, conn.callCount)
}

func TestRateLimitedRetryAfterExtendsBackoff(t *testing.T) {
	conn := &fakeConn{connectErr: []error{
		&oauth.Error{Category: oauth.CategoryRateLimited, Message: "rate limited", RetryAfter: 20 * time.Millisecond},
		nil,
	}}
	s := newTestSupervisor(t, authServer(), &fakeTokens{token: validToken()}, &fakeAuth{}, conn, Callbacks{})

	start := time.Now()
	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, StateConnected, s.State())
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond,
		"Retry-After must override a shorter backoff delay")
}
