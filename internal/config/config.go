package config

import (
	"fmt"
	"net/url"
	"time"
)

// Config represents the main configuration structure
type Config struct {
	Listen  string          `json:"listen" mapstructure:"listen"`
	DataDir string          `json:"data_dir" mapstructure:"data-dir"`
	Servers []*ServerConfig `json:"mcpServers" mapstructure:"servers"`

	// Logging configuration
	Logging *LogConfig `json:"logging,omitempty" mapstructure:"logging"`

	// Reconnection policy applied by the connection supervisor
	Reconnect *ReconnectConfig `json:"reconnect,omitempty" mapstructure:"reconnect"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level         string `json:"level" mapstructure:"level"`
	EnableFile    bool   `json:"enable_file" mapstructure:"enable-file"`
	EnableConsole bool   `json:"enable_console" mapstructure:"enable-console"`
	Filename      string `json:"filename" mapstructure:"filename"`
	LogDir        string `json:"log_dir,omitempty" mapstructure:"log-dir"`
	MaxSize       int    `json:"max_size" mapstructure:"max-size"`       // MB
	MaxBackups    int    `json:"max_backups" mapstructure:"max-backups"` // number of backup files
	MaxAge        int    `json:"max_age" mapstructure:"max-age"`         // days
	Compress      bool   `json:"compress" mapstructure:"compress"`
	JSONFormat    bool   `json:"json_format" mapstructure:"json-format"`
}

// ReconnectConfig controls exponential backoff for reconnection attempts.
type ReconnectConfig struct {
	BaseDelay   time.Duration `json:"base_delay" mapstructure:"base-delay"`
	Multiplier  float64       `json:"multiplier" mapstructure:"multiplier"`
	MaxDelay    time.Duration `json:"max_delay" mapstructure:"max-delay"`
	MaxAttempts int           `json:"max_attempts" mapstructure:"max-attempts"`
}

// ServerConfig represents a remote MCP server configuration.
// Immutable after load; mutable per-server state lives in the registry.
type ServerConfig struct {
	Name         string            `json:"name" mapstructure:"name"`
	URL          string            `json:"url" mapstructure:"url"`
	RequiresAuth bool              `json:"requires_auth" mapstructure:"requires-auth"`
	Headers      map[string]string `json:"headers,omitempty" mapstructure:"headers"` // extra headers on token requests
	Enabled      bool              `json:"enabled" mapstructure:"enabled"`

	// OAuth hints (all optional, discovery fills the gaps)
	OAuth *OAuthConfig `json:"oauth,omitempty" mapstructure:"oauth"`
}

// OAuthConfig represents optional OAuth hints for a server
type OAuthConfig struct {
	Scopes   []string `json:"scopes,omitempty" mapstructure:"scopes"`
	Resource string   `json:"resource,omitempty" mapstructure:"resource"` // RFC 8707 resource indicator
	Audience string   `json:"audience,omitempty" mapstructure:"audience"`
}

// DefaultConfig returns configuration defaults
func DefaultConfig() *Config {
	return &Config{
		Listen: "127.0.0.1:8181",
		Logging: &LogConfig{
			Level:         "info",
			EnableConsole: true,
			Filename:      "main.log",
			MaxSize:       10,
			MaxBackups:    5,
			MaxAge:        30,
			Compress:      true,
		},
		Reconnect: DefaultReconnectConfig(),
	}
}

// DefaultReconnectConfig returns the default reconnection backoff policy.
func DefaultReconnectConfig() *ReconnectConfig {
	return &ReconnectConfig{
		BaseDelay:   time.Second,
		Multiplier:  2.0,
		MaxDelay:    2 * time.Minute,
		MaxAttempts: 10,
	}
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Servers))
	for _, srv := range c.Servers {
		if srv.Name == "" {
			return fmt.Errorf("server with URL %q has no name", srv.URL)
		}
		if _, dup := seen[srv.Name]; dup {
			return fmt.Errorf("duplicate server name %q", srv.Name)
		}
		seen[srv.Name] = struct{}{}

		if srv.URL == "" {
			return fmt.Errorf("server %q has no URL", srv.Name)
		}
		u, err := url.Parse(srv.URL)
		if err != nil {
			return fmt.Errorf("server %q has invalid URL: %w", srv.Name, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("server %q URL must be http or https, got %q", srv.Name, u.Scheme)
		}
	}

	if c.Reconnect != nil {
		if c.Reconnect.Multiplier < 1 {
			return fmt.Errorf("reconnect multiplier must be >= 1, got %v", c.Reconnect.Multiplier)
		}
		if c.Reconnect.BaseDelay <= 0 {
			return fmt.Errorf("reconnect base delay must be positive, got %v", c.Reconnect.BaseDelay)
		}
	}

	return nil
}

// GetServer returns the server config with the given name, or nil.
func (c *Config) GetServer(name string) *ServerConfig {
	for _, srv := range c.Servers {
		if srv.Name == name {
			return srv
		}
	}
	return nil
}
