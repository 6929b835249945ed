package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeJSON(t *testing.T, w http.ResponseWriter, v interface{}) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func newTestDiscoverer(t *testing.T) *Discoverer {
	t.Helper()
	return NewDiscoverer(&http.Client{}, zap.NewNop())
}

func TestDiscoverDirectAuthServerMetadata(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/.well-known/oauth-authorization-server":
			writeJSON(t, w, AuthServerMetadata{
				Issuer:                        srv.URL,
				AuthorizationEndpoint:         srv.URL + "/authorize",
				TokenEndpoint:                 srv.URL + "/token",
				RegistrationEndpoint:          srv.URL + "/register",
				CodeChallengeMethodsSupported: []string{"S256"},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	eps, err := newTestDiscoverer(t).Discover(context.Background(), srv.URL+"/mcp")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/authorize", eps.AuthorizationEndpoint)
	assert.Equal(t, srv.URL+"/token", eps.TokenEndpoint)
	assert.Equal(t, srv.URL+"/register", eps.RegistrationEndpoint)
}

func TestDiscoverPRMNamedServerWinsOverDirect(t *testing.T) {
	// external authorization server named by protected-resource metadata
	var authSrv *httptest.Server
	authSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/oauth-authorization-server" {
			http.NotFound(w, r)
			return
		}
		writeJSON(t, w, AuthServerMetadata{
			Issuer:                        authSrv.URL,
			AuthorizationEndpoint:         authSrv.URL + "/authorize",
			TokenEndpoint:                 authSrv.URL + "/token",
			CodeChallengeMethodsSupported: []string{"S256"},
		})
	}))
	defer authSrv.Close()

	var resSrv *httptest.Server
	resSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/.well-known/oauth-protected-resource":
			writeJSON(t, w, ProtectedResourceMetadata{
				Resource:             resSrv.URL + "/mcp",
				AuthorizationServers: []string{authSrv.URL},
				ScopesSupported:      []string{"mcp.read"},
			})
		case "/.well-known/oauth-authorization-server":
			// the resource origin also serves its own metadata; the PRM-named
			// external server must still win
			writeJSON(t, w, AuthServerMetadata{
				Issuer:                        resSrv.URL,
				AuthorizationEndpoint:         resSrv.URL + "/authorize",
				TokenEndpoint:                 resSrv.URL + "/token",
				CodeChallengeMethodsSupported: []string{"S256"},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer resSrv.Close()

	eps, err := newTestDiscoverer(t).Discover(context.Background(), resSrv.URL+"/mcp")
	require.NoError(t, err)
	assert.Equal(t, authSrv.URL+"/authorize", eps.AuthorizationEndpoint)
	assert.Equal(t, resSrv.URL+"/mcp", eps.Resource)
	assert.Equal(t, []string{"mcp.read"}, eps.ScopesSupported)
}

func TestDiscoverChallengePointer(t *testing.T) {
	var authSrv *httptest.Server
	authSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/oauth-authorization-server" {
			http.NotFound(w, r)
			return
		}
		writeJSON(t, w, AuthServerMetadata{
			Issuer:                        authSrv.URL,
			AuthorizationEndpoint:         authSrv.URL + "/authorize",
			TokenEndpoint:                 authSrv.URL + "/token",
			CodeChallengeMethodsSupported: []string{"S256"},
		})
	}))
	defer authSrv.Close()

	var resSrv *httptest.Server
	resSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/mcp":
			w.Header().Set("WWW-Authenticate",
				`Bearer error="invalid_request", resource_metadata="`+resSrv.URL+`/prm"`)
			w.WriteHeader(http.StatusUnauthorized)
		case "/prm":
			writeJSON(t, w, ProtectedResourceMetadata{
				Resource:             resSrv.URL + "/mcp",
				AuthorizationServers: []string{authSrv.URL},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer resSrv.Close()

	eps, err := newTestDiscoverer(t).Discover(context.Background(), resSrv.URL+"/mcp")
	require.NoError(t, err)
	assert.Equal(t, authSrv.URL+"/token", eps.TokenEndpoint)
}

func TestDiscoverRejectsAuthServerWithoutPKCE(t *testing.T) {
	var noPKCE *httptest.Server
	noPKCE = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/oauth-authorization-server" {
			http.NotFound(w, r)
			return
		}
		writeJSON(t, w, AuthServerMetadata{
			Issuer:                noPKCE.URL,
			AuthorizationEndpoint: noPKCE.URL + "/authorize",
			TokenEndpoint:         noPKCE.URL + "/token",
			// no code_challenge_methods_supported
		})
	}))
	defer noPKCE.Close()

	var withPKCE *httptest.Server
	withPKCE = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/oauth-authorization-server" {
			http.NotFound(w, r)
			return
		}
		writeJSON(t, w, AuthServerMetadata{
			Issuer:                        withPKCE.URL,
			AuthorizationEndpoint:         withPKCE.URL + "/authorize",
			TokenEndpoint:                 withPKCE.URL + "/token",
			CodeChallengeMethodsSupported: []string{"S256"},
		})
	}))
	defer withPKCE.Close()

	var resSrv *httptest.Server
	resSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/.well-known/oauth-protected-resource" {
			writeJSON(t, w, ProtectedResourceMetadata{
				Resource:             resSrv.URL,
				AuthorizationServers: []string{noPKCE.URL, withPKCE.URL},
			})
			return
		}
		http.NotFound(w, r)
	}))
	defer resSrv.Close()

	eps, err := newTestDiscoverer(t).Discover(context.Background(), resSrv.URL+"/mcp")
	require.NoError(t, err)
	assert.Equal(t, withPKCE.URL+"/token", eps.TokenEndpoint,
		"first PKCE-capable candidate should win, skipping non-PKCE servers")
}

func TestDiscoverFallbackSynthesis(t *testing.T) {
	// no metadata anywhere; /v1/authorize answers 401 which counts as existing
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/authorize":
			w.WriteHeader(http.StatusUnauthorized)
		case "/v1/token":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	eps, err := newTestDiscoverer(t).Discover(context.Background(), srv.URL+"/v1/mcp")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/v1/authorize", eps.AuthorizationEndpoint)
	assert.Equal(t, srv.URL+"/v1/token", eps.TokenEndpoint)
	assert.Equal(t, srv.URL+"/v1/register", eps.RegistrationEndpoint)
}

func TestDiscoverAllStepsFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := newTestDiscoverer(t).Discover(context.Background(), srv.URL+"/mcp")
	require.Error(t, err)
	assert.Equal(t, CategoryDiscovery, CategoryOf(err))
}

func TestExtractResourceMetadataURL(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{
			name:   "standard challenge",
			header: `Bearer error="invalid_request", resource_metadata="https://api.example.com/.well-known/oauth-protected-resource"`,
			want:   "https://api.example.com/.well-known/oauth-protected-resource",
		},
		{
			name:   "no pointer",
			header: `Bearer realm="mcp"`,
			want:   "",
		},
		{
			name:   "empty header",
			header: "",
			want:   "",
		},
		{
			name:   "unterminated value",
			header: `Bearer resource_metadata="https://api.example.com`,
			want:   "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractResourceMetadataURL(tt.header))
		})
	}
}
