package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Discovery timeouts. Individual probes are soft failures; only the overall
// algorithm running dry yields a discovery error.
const (
	DefaultDiscoveryTimeout  = 10 * time.Second
	DefaultValidationTimeout = 5 * time.Second
)

// wellKnownProtectedResource and wellKnownAuthServer are the RFC 9728 / RFC 8414
// discovery document paths.
const (
	wellKnownProtectedResource = "/.well-known/oauth-protected-resource"
	wellKnownAuthServer        = "/.well-known/oauth-authorization-server"
)

// protocolSuffixes are path segments stripped when synthesizing fallback
// endpoints from a server base URL (step 5).
var protocolSuffixes = []string{"mcp", "sse", "messages", "message"}

// Endpoints is the set of OAuth endpoints discovered for a server.
type Endpoints struct {
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	RegistrationEndpoint  string   `json:"registration_endpoint,omitempty"`
	RevocationEndpoint    string   `json:"revocation_endpoint,omitempty"`
	ScopesSupported       []string `json:"scopes_supported,omitempty"`
	Resource              string   `json:"resource,omitempty"`
}

// ProtectedResourceMetadata represents RFC 9728 Protected Resource Metadata.
type ProtectedResourceMetadata struct {
	Resource             string   `json:"resource"`
	ResourceName         string   `json:"resource_name,omitempty"`
	AuthorizationServers []string `json:"authorization_servers"`
	ScopesSupported      []string `json:"scopes_supported,omitempty"`
}

// AuthServerMetadata represents RFC 8414 OAuth Authorization Server Metadata.
type AuthServerMetadata struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	RegistrationEndpoint          string   `json:"registration_endpoint,omitempty"`
	RevocationEndpoint            string   `json:"revocation_endpoint,omitempty"`
	ScopesSupported               []string `json:"scopes_supported,omitempty"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}

// supportsPKCE reports whether the server advertises the S256 challenge method.
func (m *AuthServerMetadata) supportsPKCE() bool {
	for _, method := range m.CodeChallengeMethodsSupported {
		if method == "S256" {
			return true
		}
	}
	return false
}

func (m *AuthServerMetadata) endpoints(resource string) *Endpoints {
	return &Endpoints{
		AuthorizationEndpoint: m.AuthorizationEndpoint,
		TokenEndpoint:         m.TokenEndpoint,
		RegistrationEndpoint:  m.RegistrationEndpoint,
		RevocationEndpoint:    m.RevocationEndpoint,
		ScopesSupported:       m.ScopesSupported,
		Resource:              resource,
	}
}

// Discoverer resolves the OAuth endpoints of an arbitrary MCP server with no
// hardcoded knowledge, using layered discovery with fallbacks.
type Discoverer struct {
	httpClient        *http.Client
	discoveryTimeout  time.Duration
	validationTimeout time.Duration
	logger            *zap.Logger
}

// NewDiscoverer creates a Discoverer with default timeouts.
func NewDiscoverer(httpClient *http.Client, logger *zap.Logger) *Discoverer {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Discoverer{
		httpClient:        httpClient,
		discoveryTimeout:  DefaultDiscoveryTimeout,
		validationTimeout: DefaultValidationTimeout,
		logger:            logger.Named("oauth.discovery"),
	}
}

// Discover produces the OAuth endpoints for the server at baseURL.
// Steps, each short-circuiting on success:
//  1. unauthenticated probe of the base URL for a WWW-Authenticate
//     resource_metadata pointer
//  2. well-known protected-resource metadata at the path and at the origin root
//  3. direct authorization-server metadata at the origin (servers that are
//     their own authorization server)
//  4. authorization-server metadata for every candidate named by the
//     protected-resource metadata, first PKCE-capable responder wins
//  5. synthesized default endpoints validated by existence probes
//
// Returns a CategoryDiscovery error only when every step fails.
func (d *Discoverer) Discover(ctx context.Context, baseURL string) (*Endpoints, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, NewError(CategoryDiscovery, fmt.Sprintf("invalid server URL %q", baseURL), err)
	}
	origin := &url.URL{Scheme: base.Scheme, Host: base.Host}

	// Step 1: the challenge probe may point us straight at the resource metadata.
	prm := d.probeChallenge(ctx, baseURL)

	// Steps 2 and 3 run concurrently: well-known protected-resource metadata
	// (path-aware and origin root) and direct authorization-server metadata.
	var (
		prmPath, prmRoot *ProtectedResourceMetadata
		directMeta       *AuthServerMetadata
	)
	if prm == nil {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			prmPath = d.fetchProtectedResourceMetadata(gctx, origin.String()+wellKnownProtectedResource+base.Path)
			return nil
		})
		g.Go(func() error {
			prmRoot = d.fetchProtectedResourceMetadata(gctx, origin.String()+wellKnownProtectedResource)
			return nil
		})
		g.Go(func() error {
			directMeta = d.fetchAuthServerMetadata(gctx, origin.String()+wellKnownAuthServer)
			return nil
		})
		_ = g.Wait() // probes report soft failures as nil results

		if prmPath != nil {
			prm = prmPath
		} else {
			prm = prmRoot
		}
	} else {
		directMeta = d.fetchAuthServerMetadata(ctx, origin.String()+wellKnownAuthServer)
	}

	// Step 4: protected-resource metadata naming external authorization servers
	// takes precedence over direct metadata at the resource origin.
	if prm != nil && len(prm.AuthorizationServers) > 0 {
		if eps := d.resolveAuthServers(ctx, prm); eps != nil {
			return eps, nil
		}
	}

	if directMeta != nil && directMeta.supportsPKCE() {
		d.logger.Debug("using direct authorization-server metadata at origin",
			zap.String("issuer", directMeta.Issuer))
		return directMeta.endpoints(baseURL), nil
	}

	// Step 5: synthesize and validate default endpoints.
	if eps := d.synthesizeFallback(ctx, base); eps != nil {
		return eps, nil
	}

	return nil, NewError(CategoryDiscovery,
		fmt.Sprintf("no OAuth endpoints discoverable for %s", baseURL), nil)
}

// probeChallenge issues an unauthenticated request to the base URL and, when
// the response carries a resource-metadata pointer in its authentication
// challenge, fetches that document.
func (d *Discoverer) probeChallenge(ctx context.Context, baseURL string) *ProtectedResourceMetadata {
	ctx, cancel := context.WithTimeout(ctx, d.discoveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.logger.Debug("challenge probe failed", zap.String("url", baseURL), zap.Error(err))
		return nil
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	metadataURL := ExtractResourceMetadataURL(resp.Header.Get("WWW-Authenticate"))
	if metadataURL == "" {
		return nil
	}
	return d.fetchProtectedResourceMetadata(ctx, metadataURL)
}

// ExtractResourceMetadataURL parses a WWW-Authenticate header to extract the
// resource_metadata URL.
// Format: Bearer error="invalid_request", resource_metadata="https://..."
func ExtractResourceMetadataURL(wwwAuthHeader string) string {
	parts := strings.Split(wwwAuthHeader, `resource_metadata="`)
	if len(parts) < 2 {
		return ""
	}
	endIdx := strings.Index(parts[1], `"`)
	if endIdx == -1 {
		return ""
	}
	return parts[1][:endIdx]
}

// resolveAuthServers queries authorization-server metadata for every candidate
// concurrently and returns the first PKCE-capable one in candidate order.
// Servers without S256 support are rejected and the next candidate is tried.
func (d *Discoverer) resolveAuthServers(ctx context.Context, prm *ProtectedResourceMetadata) *Endpoints {
	results := make([]*AuthServerMetadata, len(prm.AuthorizationServers))

	g, gctx := errgroup.WithContext(ctx)
	for i, issuer := range prm.AuthorizationServers {
		g.Go(func() error {
			metadataURL := strings.TrimSuffix(issuer, "/") + wellKnownAuthServer
			results[i] = d.fetchAuthServerMetadata(gctx, metadataURL)
			return nil
		})
	}
	_ = g.Wait()

	for i, meta := range results {
		if meta == nil {
			continue
		}
		if !meta.supportsPKCE() {
			d.logger.Debug("rejecting authorization server without PKCE support",
				zap.String("issuer", prm.AuthorizationServers[i]))
			continue
		}
		eps := meta.endpoints(prm.Resource)
		if len(eps.ScopesSupported) == 0 {
			eps.ScopesSupported = prm.ScopesSupported
		}
		return eps
	}
	return nil
}

// synthesizeFallback guesses conventional endpoints by stripping known
// protocol suffixes from the base URL path and validates the guess with
// lightweight existence probes.
func (d *Discoverer) synthesizeFallback(ctx context.Context, base *url.URL) *Endpoints {
	trimmed := strings.TrimSuffix(base.Path, "/")
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 {
		last := trimmed[idx+1:]
		for _, suffix := range protocolSuffixes {
			if last == suffix {
				trimmed = trimmed[:idx]
				break
			}
		}
	}

	root := &url.URL{Scheme: base.Scheme, Host: base.Host, Path: trimmed}
	eps := &Endpoints{
		AuthorizationEndpoint: root.String() + "/authorize",
		TokenEndpoint:         root.String() + "/token",
		RegistrationEndpoint:  root.String() + "/register",
	}

	// A guess stands when at least one of the authorization and token
	// endpoints looks like it exists: 404 and 500 invalidate, any other
	// status (auth-required ones included) counts as evidence of existence.
	authOK := d.probeExists(ctx, eps.AuthorizationEndpoint)
	tokenOK := d.probeExists(ctx, eps.TokenEndpoint)
	if !authOK && !tokenOK {
		d.logger.Debug("fallback endpoint synthesis failed validation",
			zap.String("authorization_endpoint", eps.AuthorizationEndpoint),
			zap.String("token_endpoint", eps.TokenEndpoint))
		return nil
	}

	d.logger.Info("synthesized fallback OAuth endpoints",
		zap.String("authorization_endpoint", eps.AuthorizationEndpoint),
		zap.String("token_endpoint", eps.TokenEndpoint),
		zap.Bool("authorize_probe", authOK),
		zap.Bool("token_probe", tokenOK))
	return eps
}

func (d *Discoverer) probeExists(ctx context.Context, probeURL string) bool {
	ctx, cancel := context.WithTimeout(ctx, d.validationTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		return false
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return resp.StatusCode != http.StatusNotFound && resp.StatusCode != http.StatusInternalServerError
}

func (d *Discoverer) fetchProtectedResourceMetadata(ctx context.Context, metadataURL string) *ProtectedResourceMetadata {
	var metadata ProtectedResourceMetadata
	if err := d.fetchJSON(ctx, metadataURL, &metadata); err != nil {
		d.logger.Debug("protected resource metadata fetch failed",
			zap.String("url", metadataURL), zap.Error(err))
		return nil
	}
	return &metadata
}

func (d *Discoverer) fetchAuthServerMetadata(ctx context.Context, metadataURL string) *AuthServerMetadata {
	var metadata AuthServerMetadata
	if err := d.fetchJSON(ctx, metadataURL, &metadata); err != nil {
		d.logger.Debug("authorization server metadata fetch failed",
			zap.String("url", metadataURL), zap.Error(err))
		return nil
	}
	if metadata.AuthorizationEndpoint == "" || metadata.TokenEndpoint == "" {
		d.logger.Debug("authorization server metadata incomplete",
			zap.String("url", metadataURL))
		return nil
	}
	return &metadata
}

func (d *Discoverer) fetchJSON(ctx context.Context, fetchURL string, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, d.discoveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch metadata: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("metadata endpoint returned %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse metadata: %w", err)
	}
	return nil
}
