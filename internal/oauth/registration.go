package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mcpconnect/mcpconnect-go/internal/storage"
)

// clientName is sent as the human-readable client identifier during
// dynamic client registration (RFC 7591).
const clientName = "mcpconnect"

// registrationRequest is the RFC 7591 dynamic client registration request body.
type registrationRequest struct {
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	Scope                   string   `json:"scope,omitempty"`
}

// registrationResponse is the RFC 7591 registration response body.
type registrationResponse struct {
	ClientID      string   `json:"client_id"`
	ClientSecret  string   `json:"client_secret,omitempty"`
	RedirectURIs  []string `json:"redirect_uris,omitempty"`
	GrantTypes    []string `json:"grant_types,omitempty"`
	ResponseTypes []string `json:"response_types,omitempty"`
}

// registerClient performs dynamic client registration at the discovered
// registration endpoint. The returned credentials are held in memory only;
// the flow engine persists them after the user completes consent.
func registerClient(ctx context.Context, httpClient *http.Client, logger *zap.Logger, registrationEndpoint, redirectURI, scope string) (*storage.CredentialsRecord, error) {
	reqBody := registrationRequest{
		ClientName:              clientName,
		RedirectURIs:            []string{redirectURI},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "client_secret_basic",
		Scope:                   scope,
	}

	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal registration request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, registrationEndpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, NewError(CategoryRegistration, "registration request failed", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, NewError(CategoryRegistration,
			fmt.Sprintf("registration endpoint returned %d: %s", resp.StatusCode, string(body)), nil)
	}

	var regResp registrationResponse
	if err := json.Unmarshal(body, &regResp); err != nil {
		return nil, NewError(CategoryRegistration, "failed to parse registration response", err)
	}
	if regResp.ClientID == "" {
		return nil, NewError(CategoryRegistration, "registration response missing client_id", nil)
	}

	logger.Info("dynamic client registered",
		zap.String("client_id", maskSecret(regResp.ClientID)),
		zap.String("registration_endpoint", registrationEndpoint))

	redirectURIs := regResp.RedirectURIs
	if len(redirectURIs) == 0 {
		redirectURIs = []string{redirectURI}
	}
	return &storage.CredentialsRecord{
		ClientID:      regResp.ClientID,
		ClientSecret:  regResp.ClientSecret,
		RedirectURIs:  redirectURIs,
		GrantTypes:    regResp.GrantTypes,
		ResponseTypes: regResp.ResponseTypes,
		RegisteredAt:  time.Now(),
	}, nil
}
