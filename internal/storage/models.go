package storage

import (
	"encoding/json"
	"time"
)

// Bucket names for the bbolt database
const (
	TokensBucket      = "oauth_tokens" //nolint:gosec // bucket name, not a credential
	CredentialsBucket = "oauth_credentials"
	EndpointsBucket   = "oauth_endpoints"
	ServerStateBucket = "server_state"
	WakeTimersBucket  = "wake_timers"
	MetaBucket        = "meta"
)

// Meta keys
const SchemaVersionKey = "schema"

// CurrentSchemaVersion is bumped when record layouts change.
const CurrentSchemaVersion = 1

// TokenRecord represents stored OAuth tokens for a server
type TokenRecord struct {
	ServerName   string    `json:"server_name"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scopes       []string  `json:"scopes,omitempty"`
	Created      time.Time `json:"created"`
	Updated      time.Time `json:"updated"`
}

// CredentialsRecord represents dynamically registered client credentials
type CredentialsRecord struct {
	ServerName    string    `json:"server_name"`
	ClientID      string    `json:"client_id"`
	ClientSecret  string    `json:"client_secret,omitempty"`
	RedirectURIs  []string  `json:"redirect_uris"`
	GrantTypes    []string  `json:"grant_types,omitempty"`
	ResponseTypes []string  `json:"response_types,omitempty"`
	RegisteredAt  time.Time `json:"registered_at"`
}

// EndpointsRecord represents discovered OAuth endpoints for a server
type EndpointsRecord struct {
	ServerName            string    `json:"server_name"`
	AuthorizationEndpoint string    `json:"authorization_endpoint"`
	TokenEndpoint         string    `json:"token_endpoint"`
	RegistrationEndpoint  string    `json:"registration_endpoint,omitempty"`
	RevocationEndpoint    string    `json:"revocation_endpoint,omitempty"`
	ScopesSupported       []string  `json:"scopes_supported,omitempty"`
	Resource              string    `json:"resource,omitempty"`
	Updated               time.Time `json:"updated"`
}

// ServerStateRecord persists the minimal per-server state that must survive restarts.
type ServerStateRecord struct {
	ServerName string    `json:"server_name"`
	Enabled    bool      `json:"enabled"`
	Updated    time.Time `json:"updated"`
}

// WakeTimerRecord represents a durable named wake-up registration.
type WakeTimerRecord struct {
	Name    string    `json:"name"`
	FireAt  time.Time `json:"fire_at"`
	Payload string    `json:"payload,omitempty"`
	Created time.Time `json:"created"`
}

// MarshalBinary implements encoding.BinaryMarshaler
func (t *TokenRecord) MarshalBinary() ([]byte, error) { return json.Marshal(t) }

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (t *TokenRecord) UnmarshalBinary(data []byte) error { return json.Unmarshal(data, t) }

// MarshalBinary implements encoding.BinaryMarshaler
func (c *CredentialsRecord) MarshalBinary() ([]byte, error) { return json.Marshal(c) }

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (c *CredentialsRecord) UnmarshalBinary(data []byte) error { return json.Unmarshal(data, c) }

// MarshalBinary implements encoding.BinaryMarshaler
func (e *EndpointsRecord) MarshalBinary() ([]byte, error) { return json.Marshal(e) }

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (e *EndpointsRecord) UnmarshalBinary(data []byte) error { return json.Unmarshal(data, e) }

// MarshalBinary implements encoding.BinaryMarshaler
func (s *ServerStateRecord) MarshalBinary() ([]byte, error) { return json.Marshal(s) }

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (s *ServerStateRecord) UnmarshalBinary(data []byte) error { return json.Unmarshal(data, s) }

// MarshalBinary implements encoding.BinaryMarshaler
func (w *WakeTimerRecord) MarshalBinary() ([]byte, error) { return json.Marshal(w) }

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (w *WakeTimerRecord) UnmarshalBinary(data []byte) error { return json.Unmarshal(data, w) }
