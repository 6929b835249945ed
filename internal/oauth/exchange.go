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

	"github.com/mcpconnect/mcpconnect-go/internal/storage"
)

// tokenResponse is the RFC 6749 token endpoint response shape.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

func (t *tokenResponse) toRecord(serverName string) *storage.TokenRecord {
	tokenType := t.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	var scopes []string
	if t.Scope != "" {
		scopes = strings.Fields(t.Scope)
	}
	expiresAt := time.Now().Add(time.Hour) // providers that omit expires_in get a conservative default
	if t.ExpiresIn > 0 {
		expiresAt = time.Now().Add(time.Duration(t.ExpiresIn) * time.Second)
	}
	return &storage.TokenRecord{
		ServerName:   serverName,
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    tokenType,
		ExpiresAt:    expiresAt,
		Scopes:       scopes,
	}
}

// postTokenEndpoint sends a form-encoded request to the token endpoint with
// HTTP Basic client authentication (falling back to form credentials when no
// secret was issued) plus any server-specific custom headers.
func postTokenEndpoint(ctx context.Context, httpClient *http.Client, tokenEndpoint string, creds *storage.CredentialsRecord, form url.Values, extraHeaders map[string]string) (*tokenResponse, error) {
	if creds.ClientSecret == "" {
		form.Set("client_id", creds.ClientID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if creds.ClientSecret != "" {
		req.SetBasicAuth(url.QueryEscape(creds.ClientID), url.QueryEscape(creds.ClientSecret))
	}
	for key, value := range extraHeaders {
		req.Header.Set(key, value)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, CategorizeTransport(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		categorized := CategorizeHTTP(resp, body)
		if categorized.Category == CategoryHTTP || categorized.Category == CategoryTokenExchange {
			categorized.Category = CategoryTokenExchange
		}
		return nil, categorized
	}

	var tokResp tokenResponse
	if err := json.Unmarshal(body, &tokResp); err != nil {
		return nil, NewError(CategoryTokenExchange, "failed to parse token response", err)
	}
	if tokResp.AccessToken == "" {
		return nil, NewError(CategoryTokenExchange, "token response missing access_token", nil)
	}
	return &tokResp, nil
}

// exchangeCode swaps an authorization code (plus PKCE verifier) for tokens.
func exchangeCode(ctx context.Context, httpClient *http.Client, tokenEndpoint string, creds *storage.CredentialsRecord, code, redirectURI, verifier, resource string, extraHeaders map[string]string) (*tokenResponse, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"code_verifier": {verifier},
	}
	if resource != "" {
		form.Set("resource", resource)
	}
	return postTokenEndpoint(ctx, httpClient, tokenEndpoint, creds, form, extraHeaders)
}

// refreshTokens swaps a refresh token for a new token pair.
func refreshTokens(ctx context.Context, httpClient *http.Client, tokenEndpoint string, creds *storage.CredentialsRecord, refreshToken, resource string, extraHeaders map[string]string) (*tokenResponse, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	if resource != "" {
		form.Set("resource", resource)
	}
	return postTokenEndpoint(ctx, httpClient, tokenEndpoint, creds, form, extraHeaders)
}
