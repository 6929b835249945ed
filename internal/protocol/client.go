package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/mcpconnect/mcpconnect-go/internal/oauth"
)

const (
	// DefaultCallTimeout bounds a single request/response exchange. A timeout
	// abandons only that call; the connection and other in-flight calls are
	// untouched.
	DefaultCallTimeout = 30 * time.Second
	// DefaultEndpointWait bounds how long the legacy transport waits for the
	// stream to announce its POST endpoint.
	DefaultEndpointWait = 10 * time.Second

	sessionIDHeader       = "Mcp-Session-Id"
	protocolVersionHeader = "MCP-Protocol-Version"
)

// ErrNotConnected is returned by operations on a client with no live connection.
var ErrNotConnected = errors.New("not connected")

// ErrConnectionClosed rejects calls that were in flight when the connection
// went away.
var ErrConnectionClosed = errors.New("connection closed")

// TokenProvider supplies the bearer token for outgoing requests. Returning an
// empty token means the request goes out unauthenticated.
type TokenProvider func(ctx context.Context) (string, error)

// Options configures a Client.
type Options struct {
	HTTPClient *http.Client
	Logger     *zap.Logger
	// Headers are server-specific extra headers applied to every request.
	Headers map[string]string
	// Tokens supplies bearer tokens. Optional.
	Tokens TokenProvider
	// OnConnectionLost is invoked (on its own goroutine) when a live
	// connection's stream terminates unexpectedly. Optional.
	OnConnectionLost func(error)

	CallTimeout  time.Duration
	EndpointWait time.Duration
}

// Client is an MCP protocol client for one server. It detects the server's
// transport generation at connect time: a streamable-HTTP handshake that the
// server rejects with 405 falls back to the legacy GET-SSE transport.
type Client struct {
	serverURL string
	opts      Options
	logger    *zap.Logger

	nextID atomic.Int64

	mu              sync.Mutex
	connected       bool
	transport       TransportKind
	protocolVersion string
	sessionID       string
	postTarget      string
	serverInfo      *mcp.InitializeResult
	tools           []mcp.Tool
	toolsStale      bool
	pending         map[int64]chan *message
	cancel          context.CancelFunc
	connCtx         context.Context
}

// NewClient creates a client for the MCP server at serverURL.
func NewClient(serverURL string, opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.EndpointWait <= 0 {
		opts.EndpointWait = DefaultEndpointWait
	}
	return &Client{
		serverURL: serverURL,
		opts:      opts,
		logger:    opts.Logger.Named("protocol"),
	}
}

// errUseLegacy signals that the streamable handshake was rejected and the
// legacy transport should be tried.
var errUseLegacy = errors.New("server rejected streamable transport")

// Connect performs the initialize handshake, auto-detecting the transport,
// then fetches and caches the server's tool list. Connecting an already
// connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	connCtx, cancel := context.WithCancel(context.Background())
	c.connCtx = connCtx
	c.cancel = cancel
	c.pending = make(map[int64]chan *message)
	c.mu.Unlock()

	err := c.connectStreamable(ctx)
	if errors.Is(err, errUseLegacy) {
		c.logger.Debug("Falling back to legacy SSE transport",
			zap.String("url", c.serverURL))
		err = c.connectLegacySSE(ctx)
	}
	if err != nil {
		cancel()
		return err
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	if err := c.refreshTools(ctx); err != nil {
		c.logger.Warn("Initial tools/list failed", zap.Error(err))
	}

	c.logger.Info("Connected",
		zap.String("url", c.serverURL),
		zap.String("transport", string(c.transport)),
		zap.String("protocol_version", c.protocolVersion),
		zap.Int("tools", len(c.Tools())))
	return nil
}

type initializeParams struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    map[string]interface{} `json:"capabilities"`
	ClientInfo      mcp.Implementation     `json:"clientInfo"`
}

func (c *Client) initParams(version string) initializeParams {
	return initializeParams{
		ProtocolVersion: version,
		Capabilities:    map[string]interface{}{},
		ClientInfo:      mcp.Implementation{Name: "mcpconnect", Version: "1.0.0"},
	}
}

// connectStreamable attempts the modern transport: the initialize request is
// POSTed to the server URL and the response arrives in the POST body, either
// as plain JSON or as an event stream.
func (c *Client) connectStreamable(ctx context.Context) error {
	id := c.nextID.Add(1)
	resp, err := c.post(ctx, c.serverURL, ProtocolVersionStreamable, request{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Method:  "initialize",
		Params:  c.initParams(ProtocolVersionStreamable),
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusMethodNotAllowed {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck
		return errUseLegacy
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return oauth.CategorizeHTTP(resp, body)
	}

	if session := resp.Header.Get(sessionIDHeader); session != "" {
		c.mu.Lock()
		c.sessionID = session
		c.mu.Unlock()
	}

	msg, err := c.readResponseBody(resp, id)
	if err != nil {
		return err
	}
	if err := c.finishInitialize(msg, TransportStreamable, c.serverURL, ProtocolVersionStreamable); err != nil {
		return err
	}
	return c.notify(ctx, "notifications/initialized", nil)
}

// connectLegacySSE performs the legacy handshake: a long-lived GET stream
// carries all server-to-client messages and must announce the POST endpoint
// before anything else can happen.
func (c *Client) connectLegacySSE(ctx context.Context) error {
	req, err := http.NewRequestWithContext(c.connCtx, http.MethodGet, c.serverURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(protocolVersionHeader, ProtocolVersionLegacySSE)
	if err := c.applyAuth(ctx, req); err != nil {
		return err
	}

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return oauth.CategorizeTransport(err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		return oauth.CategorizeHTTP(resp, body)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		return oauth.NewError(oauth.CategoryHTTP,
			fmt.Sprintf("expected event stream, got %s", ct), nil)
	}

	endpointCh := make(chan string, 1)
	go c.readStream(resp.Body, endpointCh)

	select {
	case announced := <-endpointCh:
		target, err := c.resolveEndpoint(announced)
		if err != nil {
			resp.Body.Close()
			return err
		}
		c.mu.Lock()
		c.postTarget = target
		c.transport = TransportSSE
		c.protocolVersion = ProtocolVersionLegacySSE
		c.mu.Unlock()
	case <-time.After(c.opts.EndpointWait):
		resp.Body.Close()
		return oauth.NewError(oauth.CategoryHTTP,
			"stream did not announce an endpoint in time", nil)
	case <-ctx.Done():
		resp.Body.Close()
		return ctx.Err()
	}

	raw, err := c.call(ctx, "initialize", c.initParams(ProtocolVersionLegacySSE))
	if err != nil {
		return err
	}
	msg := &message{Result: raw}
	if err := c.finishInitialize(msg, TransportSSE, c.postTarget, ProtocolVersionLegacySSE); err != nil {
		return err
	}
	return c.notify(ctx, "notifications/initialized", nil)
}

// resolveEndpoint interprets the announced endpoint relative to the server URL.
func (c *Client) resolveEndpoint(announced string) (string, error) {
	base, err := url.Parse(c.serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	ref, err := url.Parse(strings.TrimSpace(announced))
	if err != nil {
		return "", oauth.NewError(oauth.CategoryHTTP,
			fmt.Sprintf("stream announced malformed endpoint %q", announced), err)
	}
	return base.ResolveReference(ref).String(), nil
}

func (c *Client) finishInitialize(msg *message, transport TransportKind, postTarget, version string) error {
	if msg.Error != nil {
		return fmt.Errorf("initialize rejected: %w", msg.Error)
	}
	var result mcp.InitializeResult
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		return fmt.Errorf("malformed initialize result: %w", err)
	}

	c.mu.Lock()
	c.transport = transport
	c.postTarget = postTarget
	c.protocolVersion = version
	if result.ProtocolVersion != "" {
		c.protocolVersion = result.ProtocolVersion
	}
	c.serverInfo = &result
	c.mu.Unlock()
	return nil
}

// readStream consumes the legacy GET stream for the connection's lifetime.
// The first endpoint event is delivered on endpointCh; message events are
// dispatched to their waiting calls.
func (c *Client) readStream(body io.ReadCloser, endpointCh chan<- string) {
	defer body.Close()

	scanner := newSSEScanner(body)
	for scanner.Next() {
		event := scanner.Event()
		switch event.Type {
		case "endpoint":
			select {
			case endpointCh <- event.Data:
			default:
			}
		case "message", "":
			msg, err := parseMessage([]byte(event.Data))
			if err != nil {
				c.logger.Warn("Dropping malformed stream message", zap.Error(err))
				continue
			}
			c.dispatch(msg)
		default:
			c.logger.Debug("Ignoring stream event", zap.String("event", event.Type))
		}
	}

	err := scanner.Err()
	select {
	case <-c.connCtx.Done():
		return // deliberate disconnect; Disconnect already rejected pending calls
	default:
	}

	if err == nil {
		err = ErrConnectionClosed
	}
	c.mu.Lock()
	wasConnected := c.connected
	c.mu.Unlock()
	if !wasConnected {
		// The handshake closed the body before the connection was
		// established; Connect reports that failure itself.
		return
	}
	c.logger.Warn("Stream terminated", zap.String("url", c.serverURL), zap.Error(err))
	c.teardown(err)
	if c.opts.OnConnectionLost != nil {
		go c.opts.OnConnectionLost(err)
	}
}

// dispatch routes an incoming message: responses complete their waiting call,
// notifications update client state.
func (c *Client) dispatch(msg *message) {
	if msg.isResponse() {
		c.mu.Lock()
		ch, ok := c.pending[*msg.ID]
		if ok {
			delete(c.pending, *msg.ID)
		}
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("Response for unknown request", zap.Int64("id", *msg.ID))
			return
		}
		ch <- msg
		return
	}

	switch msg.Method {
	case "notifications/tools/list_changed":
		c.mu.Lock()
		c.toolsStale = true
		c.mu.Unlock()
	default:
		c.logger.Debug("Ignoring server message", zap.String("method", msg.Method))
	}
}

// call performs one correlated request/response exchange on whichever
// transport the connection settled on.
func (c *Client) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()

	id := c.nextID.Add(1)

	c.mu.Lock()
	transport := c.transport
	target := c.postTarget
	version := c.protocolVersion
	ch := make(chan *message, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	// a failed call must leave no correlation entry behind
	cleanup := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	resp, err := c.post(ctx, target, version, request{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		cleanup()
		return nil, err
	}

	if transport == TransportStreamable {
		defer resp.Body.Close()
		cleanup() // streamable correlates within the POST response itself
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			return nil, oauth.CategorizeHTTP(resp, body)
		}
		msg, err := c.readResponseBody(resp, id)
		if err != nil {
			return nil, err
		}
		if msg.Error != nil {
			return nil, msg.Error
		}
		return msg.Result, nil
	}

	// legacy: the POST is only an ack; the response arrives on the stream
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		cleanup()
		return nil, oauth.CategorizeHTTP(resp, body)
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20)) //nolint:errcheck
	resp.Body.Close()

	select {
	case msg := <-ch:
		if msg.Error != nil {
			return nil, msg.Error
		}
		return msg.Result, nil
	case <-ctx.Done():
		cleanup()
		return nil, fmt.Errorf("%s: %w", method, ctx.Err())
	case <-c.connCtx.Done():
		return nil, ErrConnectionClosed
	}
}

// readResponseBody extracts the response with the given id from a streamable
// POST response, which is either a single JSON message or an event stream.
func (c *Client) readResponseBody(resp *http.Response, id int64) (*message, error) {
	contentType := resp.Header.Get("Content-Type")

	if strings.HasPrefix(contentType, "text/event-stream") {
		scanner := newSSEScanner(resp.Body)
		for scanner.Next() {
			event := scanner.Event()
			if event.Type != "message" && event.Type != "" {
				continue
			}
			msg, err := parseMessage([]byte(event.Data))
			if err != nil {
				return nil, err
			}
			if msg.isResponse() && *msg.ID == id {
				return msg, nil
			}
			c.dispatch(msg)
		}
		if err := scanner.Err(); err != nil {
			return nil, oauth.CategorizeTransport(err)
		}
		return nil, fmt.Errorf("stream ended without response to request %d", id)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, oauth.CategorizeTransport(err)
	}
	return parseMessage(body)
}

// notify sends a JSON-RPC notification.
func (c *Client) notify(ctx context.Context, method string, params interface{}) error {
	c.mu.Lock()
	target := c.postTarget
	version := c.protocolVersion
	c.mu.Unlock()

	resp, err := c.post(ctx, target, version, notification{
		JSONRPC: jsonrpcVersion,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20)) //nolint:errcheck

	if resp.StatusCode >= 400 {
		return oauth.CategorizeHTTP(resp, nil)
	}
	return nil
}

func (c *Client) post(ctx context.Context, target, version string, payload interface{}) (*http.Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set(protocolVersionHeader, version)

	c.mu.Lock()
	if c.sessionID != "" {
		req.Header.Set(sessionIDHeader, c.sessionID)
	}
	c.mu.Unlock()

	if err := c.applyAuth(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, oauth.CategorizeTransport(err)
	}
	return resp, nil
}

func (c *Client) applyAuth(ctx context.Context, req *http.Request) error {
	for key, value := range c.opts.Headers {
		req.Header.Set(key, value)
	}
	if c.opts.Tokens == nil {
		return nil
	}
	token, err := c.opts.Tokens(ctx)
	if err != nil {
		return fmt.Errorf("failed to obtain token: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}

// refreshTools fetches and caches the server's tool list.
func (c *Client) refreshTools(ctx context.Context) error {
	raw, err := c.call(ctx, "tools/list", struct{}{})
	if err != nil {
		return err
	}
	var result mcp.ListToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("malformed tools/list result: %w", err)
	}

	c.mu.Lock()
	c.tools = result.Tools
	c.toolsStale = false
	c.mu.Unlock()
	return nil
}

// Tools returns the cached tool list.
func (c *Client) Tools() []mcp.Tool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]mcp.Tool(nil), c.tools...)
}

// ListTools returns the server's tools, refetching if the server signalled a
// change since the last fetch.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	stale := c.toolsStale || c.tools == nil
	c.mu.Unlock()

	if stale {
		if err := c.refreshTools(ctx); err != nil {
			return nil, err
		}
	}
	return c.Tools(), nil
}

// CallTool invokes a tool on the server.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.mu.Unlock()

	raw, err := c.call(ctx, "tools/call", map[string]interface{}{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}
	var result mcp.CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("malformed tools/call result: %w", err)
	}
	return &result, nil
}

// ServerInfo returns the initialize result, nil before a successful handshake.
func (c *Client) ServerInfo() *mcp.InitializeResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// Transport reports which transport the connection settled on.
func (c *Client) Transport() TransportKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport
}

// IsConnected reports whether the client has a live connection.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Disconnect tears the connection down and rejects all in-flight calls.
// Safe to call multiple times and on a never-connected client.
func (c *Client) Disconnect() {
	c.teardown(ErrConnectionClosed)
}

func (c *Client) teardown(reason error) {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	wasConnected := c.connected
	c.connected = false
	c.sessionID = ""
	pending := c.pending
	c.pending = make(map[int64]chan *message)
	c.mu.Unlock()

	for id, ch := range pending {
		errID := id
		ch <- &message{ID: &errID, Error: &rpcError{Code: -32000, Message: reason.Error()}}
	}

	if wasConnected {
		c.logger.Info("Disconnected", zap.String("url", c.serverURL))
	}
}
