package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/mcpconnect/mcpconnect-go/internal/config"
	"github.com/mcpconnect/mcpconnect-go/internal/oauth"
	"github.com/mcpconnect/mcpconnect-go/internal/protocol"
	"github.com/mcpconnect/mcpconnect-go/internal/storage"
)

// ErrNotReady is returned for tool operations on a server that is not connected.
var ErrNotReady = errors.New("server not connected")

// Conn is the protocol connection the supervisor drives. Satisfied by
// *protocol.Client.
type Conn interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
	Transport() protocol.TransportKind
	Tools() []mcp.Tool
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error)
}

// ConnFactory builds a connection for a server. onLost is invoked when an
// established connection's stream dies.
type ConnFactory func(server *config.ServerConfig, tokens protocol.TokenProvider, onLost func(error)) Conn

// TokenSource is the token lifecycle surface the supervisor needs. Satisfied
// by *oauth.TokenManager.
type TokenSource interface {
	EnsureValid(ctx context.Context, server *config.ServerConfig) (*storage.TokenRecord, error)
	Refresh(ctx context.Context, server *config.ServerConfig) (*storage.TokenRecord, error)
	ClearTokens(serverName string)
	Forget(serverName string) error
}

// Authorizer runs an interactive authorization attempt. Satisfied by *oauth.Flow.
type Authorizer interface {
	Authorize(ctx context.Context, server *config.ServerConfig) (*storage.TokenRecord, error)
}

// Callbacks are injected notification hooks. All are optional and invoked
// outside the supervisor lock.
type Callbacks struct {
	// OnStateChange fires on every state transition.
	OnStateChange func(serverName string, from, to State, status Status)
	// OnTokenExpired fires when a live connection was rejected for an
	// expired token and a refresh is about to be tried.
	OnTokenExpired func(serverName string)
	// OnInvalidToken fires when the server rejected the token as malformed;
	// all stored credentials for the server have been wiped.
	OnInvalidToken func(serverName string)
}

// Supervisor drives the connection lifecycle of a single server.
type Supervisor struct {
	server    *config.ServerConfig
	tokens    TokenSource
	auth      Authorizer
	dial      ConnFactory
	reconnect *config.ReconnectConfig
	callbacks Callbacks
	logger    *zap.Logger

	mu          sync.Mutex
	state       State
	lastError   error
	attempts    int
	conn        Conn
	connectedAt time.Time
	cancel      context.CancelFunc
	generation  int // invalidates stale retry loops after disable/logout
}

// New creates a supervisor in the disconnected state.
func New(server *config.ServerConfig, tokens TokenSource, auth Authorizer, dial ConnFactory, reconnect *config.ReconnectConfig, callbacks Callbacks, logger *zap.Logger) *Supervisor {
	if reconnect == nil {
		reconnect = config.DefaultReconnectConfig()
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Supervisor{
		server:    server,
		tokens:    tokens,
		auth:      auth,
		dial:      dial,
		reconnect: reconnect,
		callbacks: callbacks,
		logger:    logger.Named("supervisor").With(zap.String("server", server.Name)),
		state:     StateDisconnected,
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a snapshot of the connection.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Supervisor) statusLocked() Status {
	status := Status{
		ServerName:  s.server.Name,
		State:       s.state,
		Attempts:    s.attempts,
		ConnectedAt: s.connectedAt,
	}
	if s.lastError != nil {
		status.LastError = s.lastError.Error()
	}
	if s.conn != nil && s.conn.IsConnected() {
		status.Transport = string(s.conn.Transport())
		status.ToolCount = len(s.conn.Tools())
	}
	return status
}

// transition moves to a new state, logging (but honoring) edges outside the
// declared machine so a bug shows up in logs rather than as a wedged server.
func (s *Supervisor) transition(to State) {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return
	}
	if err := validateTransition(from, to); err != nil {
		s.logger.Warn("Unexpected state transition", zap.Error(err))
	}
	s.state = to
	if to == StateConnected {
		s.lastError = nil
		s.attempts = 0
		if from != StateTokenRefresh {
			s.connectedAt = time.Now()
		}
	}
	status := s.statusLocked()
	s.mu.Unlock()

	s.logger.Info("State changed",
		zap.String("from", string(from)),
		zap.String("to", string(to)))

	if s.callbacks.OnStateChange != nil {
		s.callbacks.OnStateChange(s.server.Name, from, to, status)
	}
}

// Connect evaluates credentials and starts the connect sequence. If the
// server requires authorization and has no usable token, it parks in
// needs_auth and returns nil; interactive auth is never started implicitly.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateConnecting || s.state == StateConnected {
		s.mu.Unlock()
		return nil
	}
	runCtx, gen := s.beginRunLocked()
	s.mu.Unlock()

	if s.server.RequiresAuth {
		token, err := s.tokens.EnsureValid(ctx, s.server)
		if err != nil {
			s.setError(err)
			return err
		}
		if token == nil {
			s.transition(StateNeedsAuth)
			return nil
		}
		s.transition(StateAuthenticated)
	}

	return s.connectWithRetry(runCtx, gen)
}

// BeginAuth runs the interactive authorization flow and, on success, proceeds
// to connect. User cancellation returns the server to disconnected with no
// error recorded.
func (s *Supervisor) BeginAuth(ctx context.Context) error {
	s.mu.Lock()
	runCtx, gen := s.beginRunLocked()
	s.mu.Unlock()

	_, err := s.auth.Authorize(ctx, s.server)
	if err != nil {
		if oauth.CategoryOf(err) == oauth.CategoryCancelled {
			s.transition(StateDisconnected)
			return nil
		}
		s.setError(err)
		return err
	}

	s.transition(StateAuthenticated)
	return s.connectWithRetry(runCtx, gen)
}

// beginRunLocked issues a fresh run context, cancelling any previous run.
func (s *Supervisor) beginRunLocked() (context.Context, int) {
	if s.cancel != nil {
		s.cancel()
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.generation++
	return runCtx, s.generation
}

func (s *Supervisor) currentGeneration() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// connectWithRetry attempts the protocol handshake with exponential backoff.
// Retryable failures back off and retry up to the configured attempt cap;
// auth failures route to needs_auth; everything else is terminal error state.
func (s *Supervisor) connectWithRetry(ctx context.Context, gen int) error {
	delay := s.reconnect.BaseDelay
	refreshTried := false

	for attempt := 1; ; attempt++ {
		if s.currentGeneration() != gen {
			return nil // superseded by disable/logout/another run
		}

		s.mu.Lock()
		s.attempts = attempt
		s.mu.Unlock()
		s.transition(StateConnecting)

		conn := s.dial(s.server, s.tokenProvider(), s.onConnectionLost(gen))
		err := conn.Connect(ctx)
		if err == nil {
			s.mu.Lock()
			s.conn = conn
			s.mu.Unlock()
			s.transition(StateConnected)
			return nil
		}

		conn.Disconnect()

		switch oauth.CategoryOf(err) {
		case oauth.CategoryInvalidToken:
			// structurally bad token: wipe everything, never retry it
			s.logger.Warn("Server rejected token as invalid, wiping credentials", zap.Error(err))
			if wipeErr := s.tokens.Forget(s.server.Name); wipeErr != nil {
				s.logger.Error("Failed to wipe credentials", zap.Error(wipeErr))
			}
			if s.callbacks.OnInvalidToken != nil {
				s.callbacks.OnInvalidToken(s.server.Name)
			}
			s.recordError(err)
			s.transition(StateInvalidToken)
			return err
		case oauth.CategoryTokenExchange:
			if s.callbacks.OnTokenExpired != nil {
				s.callbacks.OnTokenExpired(s.server.Name)
			}
			// the server deems the token expired even when the clock does
			// not: force one refresh and reconnect before giving it up
			if !refreshTried {
				refreshTried = true
				_, rerr := s.tokens.Refresh(ctx, s.server)
				if rerr == nil {
					s.logger.Info("Token rejected as expired, refreshed and reconnecting", zap.Error(err))
					s.recordError(err)
					continue
				}
				s.logger.Warn("Forced token refresh failed", zap.Error(rerr))
			}
			s.logger.Info("Authentication rejected, re-authorization required", zap.Error(err))
			s.tokens.ClearTokens(s.server.Name)
			s.recordError(err)
			s.transition(StateNeedsAuth)
			return err
		}

		var cerr *oauth.Error
		retryable := errors.As(err, &cerr) && cerr.Retryable()
		if !retryable || attempt >= s.reconnect.MaxAttempts {
			s.setError(err)
			return err
		}

		wait := delay
		if cerr != nil && cerr.RetryAfter > wait {
			wait = cerr.RetryAfter
		}
		s.recordError(err)
		s.logger.Warn("Connect failed, backing off",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			s.transition(StateDisconnected)
			return ctx.Err()
		}

		delay = time.Duration(float64(delay) * s.reconnect.Multiplier)
		if delay > s.reconnect.MaxDelay {
			delay = s.reconnect.MaxDelay
		}
	}
}

func (s *Supervisor) tokenProvider() protocol.TokenProvider {
	if !s.server.RequiresAuth {
		return nil
	}
	return func(ctx context.Context) (string, error) {
		rec, err := s.tokens.EnsureValid(ctx, s.server)
		if err != nil {
			return "", err
		}
		if rec == nil {
			return "", nil
		}
		return rec.AccessToken, nil
	}
}

// onConnectionLost reconnects in the background when an established stream
// dies, unless this run has been superseded.
func (s *Supervisor) onConnectionLost(gen int) func(error) {
	return func(err error) {
		if s.currentGeneration() != gen {
			return
		}
		s.logger.Warn("Connection lost, reconnecting", zap.Error(err))
		s.recordError(err)

		s.mu.Lock()
		runCtx, newGen := s.beginRunLocked()
		s.mu.Unlock()

		if cerr := s.connectWithRetry(runCtx, newGen); cerr != nil {
			s.logger.Warn("Reconnect failed", zap.Error(cerr))
		}
	}
}

// BeginTokenRefresh marks a proactive token refresh in progress on a live
// connection. The returned func must be called with the outcome; it restores
// connected on success and parks in needs_auth on failure. On a server that
// is not connected it is a no-op.
func (s *Supervisor) BeginTokenRefresh() func(ok bool) {
	s.mu.Lock()
	live := s.state == StateConnected
	s.mu.Unlock()
	if !live {
		return func(bool) {}
	}

	s.transition(StateTokenRefresh)
	return func(ok bool) {
		s.mu.Lock()
		superseded := s.state != StateTokenRefresh
		s.mu.Unlock()
		if superseded { // disabled or torn down mid-refresh
			return
		}
		if ok {
			s.transition(StateConnected)
			return
		}
		s.transition(StateNeedsAuth)
	}
}

// Disable tears down the connection and stops all retry activity. Tokens and
// credentials are kept: re-enabling must not require re-authorization.
func (s *Supervisor) Disable() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.generation++
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		conn.Disconnect()
	}
	s.transition(StateDisconnected)
}

// Logout disables the server and wipes its tokens, credentials and endpoints.
func (s *Supervisor) Logout() error {
	s.Disable()
	return s.tokens.Forget(s.server.Name)
}

// CallTool proxies a tool call to the live connection.
func (s *Supervisor) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	conn := s.liveConn()
	if conn == nil {
		return nil, ErrNotReady
	}
	return conn.CallTool(ctx, name, args)
}

// ListTools proxies a tools listing to the live connection.
func (s *Supervisor) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	conn := s.liveConn()
	if conn == nil {
		return nil, ErrNotReady
	}
	return conn.ListTools(ctx)
}

func (s *Supervisor) liveConn() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected || s.conn == nil {
		return nil
	}
	return s.conn
}

func (s *Supervisor) recordError(err error) {
	s.mu.Lock()
	s.lastError = err
	s.mu.Unlock()
}

func (s *Supervisor) setError(err error) {
	s.recordError(err)
	s.transition(StateError)
}
