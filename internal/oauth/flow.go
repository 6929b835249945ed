package oauth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/mcpconnect/mcpconnect-go/internal/browserauth"
	"github.com/mcpconnect/mcpconnect-go/internal/config"
	"github.com/mcpconnect/mcpconnect-go/internal/storage"
)

// Phase is the state of one interactive authorization attempt.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseDiscovering   Phase = "discovering"
	PhaseRegistering   Phase = "registering"
	PhaseAuthorizing   Phase = "authorizing"
	PhaseExchanging    Phase = "exchanging"
	PhaseAuthenticated Phase = "authenticated"
	PhaseError         Phase = "error"
	PhaseCancelled     Phase = "cancelled"
)

// validPhaseTransitions defines the allowed attempt state machine.
// Error and cancelled are reachable from every in-flight phase.
var validPhaseTransitions = map[Phase][]Phase{
	PhaseIdle:        {PhaseDiscovering},
	PhaseDiscovering: {PhaseRegistering, PhaseError, PhaseCancelled},
	PhaseRegistering: {PhaseAuthorizing, PhaseError, PhaseCancelled},
	PhaseAuthorizing: {PhaseExchanging, PhaseError, PhaseCancelled},
	PhaseExchanging:  {PhaseAuthenticated, PhaseError, PhaseCancelled},
}

// attempt carries the transient state of one authorization attempt. Nothing
// here touches durable storage until the attempt reaches PhaseAuthenticated.
type attempt struct {
	serverName string
	phase      Phase
	state      string // CSRF state parameter
	verifier   string // PKCE code verifier
	endpoints  *Endpoints
	creds      *storage.CredentialsRecord
	started    time.Time
}

func (a *attempt) transition(to Phase, logger *zap.Logger) error {
	for _, allowed := range validPhaseTransitions[a.phase] {
		if allowed == to {
			logger.Debug("Authorization attempt transition",
				zap.String("server", a.serverName),
				zap.String("from", string(a.phase)),
				zap.String("to", string(to)))
			a.phase = to
			return nil
		}
	}
	return fmt.Errorf("invalid attempt transition from %s to %s", a.phase, to)
}

// AuthorizerFactory produces a fresh consent authorizer per attempt. The
// redirect URI differs between attempts because the callback port is
// allocated dynamically.
type AuthorizerFactory func() (browserauth.Authorizer, error)

// Flow runs the end-to-end interactive authorization sequence for a server:
// endpoint discovery, dynamic client registration, browser consent with CSRF
// and PKCE protection, code exchange, and persistence of the result.
type Flow struct {
	httpClient    *http.Client
	store         *storage.BoltDB
	discoverer    *Discoverer
	newAuthorizer AuthorizerFactory
	logger        *zap.Logger

	mu       sync.Mutex
	attempts map[string]*attempt
}

// NewFlow creates a Flow. A nil authorizer factory defaults to the loopback
// browser authorizer.
func NewFlow(httpClient *http.Client, store *storage.BoltDB, logger *zap.Logger, newAuthorizer AuthorizerFactory) *Flow {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.L()
	}
	if newAuthorizer == nil {
		newAuthorizer = func() (browserauth.Authorizer, error) {
			return browserauth.NewLoopbackAuthorizer()
		}
	}
	return &Flow{
		httpClient:    httpClient,
		store:         store,
		discoverer:    NewDiscoverer(httpClient, logger),
		newAuthorizer: newAuthorizer,
		logger:        logger.Named("oauth.flow"),
	}
}

// AttemptPhase reports the phase of the in-flight attempt for a server, or
// PhaseIdle when none is running.
func (f *Flow) AttemptPhase(serverName string) Phase {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.attempts[serverName]; ok {
		return a.phase
	}
	return PhaseIdle
}

// Authorize runs one interactive authorization attempt for the server and
// returns the resulting tokens. Cancellation (user denied or closed the
// consent step) returns a CategoryCancelled error and leaves no trace: no
// credentials, endpoints or tokens are persisted, and the attempt state is
// discarded. Durable writes happen only after the code exchange succeeds.
func (f *Flow) Authorize(ctx context.Context, server *config.ServerConfig) (*storage.TokenRecord, error) {
	a := &attempt{serverName: server.Name, phase: PhaseIdle, started: time.Now()}

	f.mu.Lock()
	if f.attempts == nil {
		f.attempts = make(map[string]*attempt)
	}
	if existing, ok := f.attempts[server.Name]; ok {
		f.mu.Unlock()
		return nil, fmt.Errorf("authorization already in progress for %s (phase %s)", server.Name, existing.phase)
	}
	f.attempts[server.Name] = a
	f.mu.Unlock()

	// The attempt record never outlives the attempt, whatever the outcome.
	defer func() {
		f.mu.Lock()
		delete(f.attempts, server.Name)
		f.mu.Unlock()
	}()

	token, err := f.run(ctx, server, a)
	if err != nil {
		if IsCancellation(err) {
			_ = a.transition(PhaseCancelled, f.logger)
			f.logger.Info("Authorization cancelled by user",
				zap.String("server", server.Name),
				zap.Duration("elapsed", time.Since(a.started)))
			return nil, NewError(CategoryCancelled, "authorization cancelled", err)
		}
		_ = a.transition(PhaseError, f.logger)
		return nil, err
	}
	return token, nil
}

func (f *Flow) run(ctx context.Context, server *config.ServerConfig, a *attempt) (*storage.TokenRecord, error) {
	if err := a.transition(PhaseDiscovering, f.logger); err != nil {
		return nil, err
	}
	endpoints, err := f.resolveEndpoints(ctx, server)
	if err != nil {
		return nil, err
	}
	a.endpoints = endpoints

	// Registration is mandatory: without it there is no client identity, so
	// the flow fails before anything interactive happens.
	if endpoints.RegistrationEndpoint == "" {
		return nil, NewError(CategoryRegistration,
			fmt.Sprintf("no registration endpoint for %s", server.Name), ErrNoRegistrationEndpoint)
	}

	authorizer, err := f.newAuthorizer()
	if err != nil {
		return nil, fmt.Errorf("failed to start authorization callback: %w", err)
	}
	defer authorizer.Close()

	if err := a.transition(PhaseRegistering, f.logger); err != nil {
		return nil, err
	}
	scope := f.scopeFor(server, endpoints)
	creds, err := registerClient(ctx, f.httpClient, f.logger, endpoints.RegistrationEndpoint, authorizer.RedirectURI(), scope)
	if err != nil {
		return nil, err
	}
	creds.ServerName = server.Name
	a.creds = creds

	if err := a.transition(PhaseAuthorizing, f.logger); err != nil {
		return nil, err
	}
	a.state = uuid.NewString()
	a.verifier = oauth2.GenerateVerifier()

	authURL, err := f.buildAuthorizeURL(endpoints, creds, authorizer.RedirectURI(), a, scope, f.resourceFor(server, endpoints))
	if err != nil {
		return nil, err
	}

	f.logger.Info("Opening browser for authorization",
		zap.String("server", server.Name),
		zap.String("authorization_endpoint", endpoints.AuthorizationEndpoint))

	redirect, err := authorizer.Authorize(ctx, authURL)
	if err != nil {
		return nil, err
	}

	query := redirect.Query()
	// State is compared before the code is even looked at. A mismatch means
	// the redirect was not produced by this attempt.
	if query.Get("state") != a.state {
		f.logger.Warn("Authorization state mismatch, aborting",
			zap.String("server", server.Name))
		return nil, NewError(CategoryCSRF, "authorization response state does not match request", ErrStateMismatch)
	}
	code := query.Get("code")
	if code == "" {
		return nil, NewError(CategoryTokenExchange, "authorization response missing code", nil)
	}

	if err := a.transition(PhaseExchanging, f.logger); err != nil {
		return nil, err
	}
	tokens, err := exchangeCode(ctx, f.httpClient, endpoints.TokenEndpoint, creds,
		code, authorizer.RedirectURI(), a.verifier, f.resourceFor(server, endpoints), server.Headers)
	if err != nil {
		return nil, err
	}
	record := tokens.toRecord(server.Name)

	// Only now does anything become durable.
	if err := f.persist(server.Name, endpoints, creds, record); err != nil {
		return nil, err
	}
	if err := a.transition(PhaseAuthenticated, f.logger); err != nil {
		return nil, err
	}

	f.logger.Info("Authorization complete",
		zap.String("server", server.Name),
		zap.String("access_token", maskSecret(record.AccessToken)),
		zap.Time("expires_at", record.ExpiresAt),
		zap.Duration("elapsed", time.Since(a.started)))
	return record, nil
}

// resolveEndpoints reuses persisted endpoints when available and runs
// discovery otherwise. Discovery results are not persisted here; they become
// durable together with the tokens.
func (f *Flow) resolveEndpoints(ctx context.Context, server *config.ServerConfig) (*Endpoints, error) {
	if rec, err := f.store.GetEndpoints(server.Name); err == nil {
		f.logger.Debug("Reusing stored OAuth endpoints", zap.String("server", server.Name))
		return &Endpoints{
			AuthorizationEndpoint: rec.AuthorizationEndpoint,
			TokenEndpoint:         rec.TokenEndpoint,
			RegistrationEndpoint:  rec.RegistrationEndpoint,
			RevocationEndpoint:    rec.RevocationEndpoint,
			ScopesSupported:       rec.ScopesSupported,
			Resource:              rec.Resource,
		}, nil
	}
	return f.discoverer.Discover(ctx, server.URL)
}

func (f *Flow) scopeFor(server *config.ServerConfig, endpoints *Endpoints) string {
	if server.OAuth != nil && len(server.OAuth.Scopes) > 0 {
		return strings.Join(server.OAuth.Scopes, " ")
	}
	return strings.Join(endpoints.ScopesSupported, " ")
}

// resourceFor picks the RFC 8707 resource indicator: an explicit config hint
// wins, then the resource named by protected-resource metadata, then the
// server URL itself.
func (f *Flow) resourceFor(server *config.ServerConfig, endpoints *Endpoints) string {
	if server.OAuth != nil && server.OAuth.Resource != "" {
		return server.OAuth.Resource
	}
	if endpoints.Resource != "" {
		return endpoints.Resource
	}
	return server.URL
}

func (f *Flow) buildAuthorizeURL(endpoints *Endpoints, creds *storage.CredentialsRecord, redirectURI string, a *attempt, scope, resource string) (string, error) {
	u, err := url.Parse(endpoints.AuthorizationEndpoint)
	if err != nil {
		return "", NewError(CategoryDiscovery,
			fmt.Sprintf("invalid authorization endpoint %q", endpoints.AuthorizationEndpoint), err)
	}

	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", creds.ClientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("state", a.state)
	q.Set("code_challenge", oauth2.S256ChallengeFromVerifier(a.verifier))
	q.Set("code_challenge_method", "S256")
	if scope != "" {
		q.Set("scope", scope)
	}
	if resource != "" {
		q.Set("resource", resource)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// persist writes endpoints, client credentials and tokens in that order.
// Called only after a successful exchange.
func (f *Flow) persist(serverName string, endpoints *Endpoints, creds *storage.CredentialsRecord, token *storage.TokenRecord) error {
	now := time.Now()
	if err := f.store.SaveEndpoints(&storage.EndpointsRecord{
		ServerName:            serverName,
		AuthorizationEndpoint: endpoints.AuthorizationEndpoint,
		TokenEndpoint:         endpoints.TokenEndpoint,
		RegistrationEndpoint:  endpoints.RegistrationEndpoint,
		RevocationEndpoint:    endpoints.RevocationEndpoint,
		ScopesSupported:       endpoints.ScopesSupported,
		Resource:              endpoints.Resource,
		Updated:               now,
	}); err != nil {
		return fmt.Errorf("failed to persist endpoints: %w", err)
	}
	if err := f.store.SaveCredentials(creds); err != nil {
		return fmt.Errorf("failed to persist client credentials: %w", err)
	}
	if err := f.store.SaveToken(token); err != nil {
		return fmt.Errorf("failed to persist tokens: %w", err)
	}
	return nil
}
