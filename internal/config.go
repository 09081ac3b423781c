package internal

import (
	"fmt"
	"log/slog"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/laguz/internal/vault"
)

// Transport modes.
const (
	TransportStdio = "stdio"
	TransportSSE   = "sse"
	TransportHTTP  = "http"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App       ApplicationConfig `yaml:"app"`
	CouchDB   CouchDBConfig     `yaml:"couchdb"`
	Vault     VaultConfig       `yaml:"vault"`
	RateLimit RateLimitConfig   `yaml:"rate_limit"`
	Auth      AuthConfig        `yaml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.CouchDB.Validate(); err != nil {
		return err
	}
	if err := c.Vault.Validate(); err != nil {
		return err
	}
	if err := c.RateLimit.Validate(); err != nil {
		return err
	}
	return c.Auth.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel  slog.Level `yaml:"log_level"`
	Transport string     `yaml:"transport"`
	HTTP      HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Transport, validation.Required,
			validation.In(TransportStdio, TransportSSE, TransportHTTP)),
	); err != nil {
		return err
	}
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// CouchDBConfig holds the connection settings for the replicated vault
// database.
type CouchDBConfig struct {
	BaseURL  string `yaml:"base_url"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// Validate validates the CouchDB configuration. Credentials are optional:
// an admin-party local instance needs none.
func (c *CouchDBConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.BaseURL, validation.Required),
		validation.Field(&c.Database, validation.Required),
	)
}

// VaultConfig holds vault decryption and identification settings.
//
// Passphrase unlocks end-to-end encrypted content; leave it empty for
// plaintext vaults. PathObfuscation must match the sync client's setting,
// otherwise path resolution degrades to scanning.
type VaultConfig struct {
	ID              string `yaml:"id"`
	Passphrase      string `yaml:"passphrase"`
	PathObfuscation bool   `yaml:"path_obfuscation"`
	ResolveScanCap  int    `yaml:"resolve_scan_cap"`
	SearchScanCap   int    `yaml:"search_scan_cap"`
}

// Validate validates the vault configuration.
func (c *VaultConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.ID, validation.Required),
		validation.Field(&c.ResolveScanCap, validation.Min(1)),
		validation.Field(&c.SearchScanCap, validation.Min(1)),
	)
}

// RateLimitConfig holds token-bucket admission settings.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	BurstSize         int `yaml:"burst_size"`
}

// Validate validates the rate limit configuration.
func (c *RateLimitConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.RequestsPerMinute, validation.Required, validation.Min(1)),
		validation.Field(&c.BurstSize, validation.Required, validation.Min(1)),
	)
}

// AuthConfig holds authentication configuration for the HTTP transports.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, for local use.
//   - "token": Bearer token authentication; Token must be non-empty.
//
// The stdio transport is process-local and never authenticates.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// Enabled returns true when authentication is active.
func (c *AuthConfig) Enabled() bool {
	return c.Mode == AuthModeToken
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel:  slog.LevelInfo,
			Transport: TransportStdio,
			HTTP: HTTPConfig{
				Port: 8000,
			},
		},
		CouchDB: CouchDBConfig{
			BaseURL:  "http://localhost:5984",
			Database: "obsidian",
		},
		Vault: VaultConfig{
			ID:             "default",
			ResolveScanCap: vault.DefaultResolveScanCap,
			SearchScanCap:  vault.DefaultSearchScanCap,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 60,
			BurstSize:         10,
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
