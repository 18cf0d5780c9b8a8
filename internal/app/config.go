package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/hllvc/skydesk-auth/internal/skydesk"
	"github.com/hllvc/skydesk-auth/internal/tokenstore"
)

// LogFormat represents the logging output format.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// StoreBackend represents the different storage backends supported for tokens.
type StoreBackend string

const (
	StoreBackendMemory  StoreBackend = "memory"
	StoreBackendFile    StoreBackend = "file"
	StoreBackendKeyring StoreBackend = "keyring"
	StoreBackendEnv     StoreBackend = "env"
)

// Mode represents the OAuth flow variant.
type Mode string

const (
	ModeOffline Mode = "offline" // request a refresh token
	ModeOnline  Mode = "online"  // access token only
)

// Default configuration values
const (
	DefaultConfigLogFormat       = LogFormatText
	DefaultConfigRegion          = string(skydesk.RegionUS)
	DefaultConfigMode            = ModeOffline
	DefaultConfigRedirectURL     = "http://127.0.0.1:8649/callback"
	DefaultConfigListenAddress   = "127.0.0.1:8649"
	DefaultConfigStoreBackend    = StoreBackendFile
	DefaultConfigKeyringService  = "skydesk-auth"
	DefaultConfigEnvPrefix       = "SKYDESK_TOKEN_"
	DefaultConfigShutdownTimeout = 5 * time.Second
)

// ProviderConfig holds the OAuth client registration and flow settings.
type ProviderConfig struct {
	Region       string `json:"region"`
	ClientID     string `json:"client_id" validate:"required"`
	ClientSecret string `json:"client_secret"`
	// Scopes is a comma-separated scope list, matching the provider's wire format.
	Scopes      string `json:"scopes" validate:"required"`
	RedirectURL string `json:"redirect_url" validate:"required,url"`
	Mode        Mode   `json:"mode" validate:"oneof=offline online"`
	// DiscoveryURL overrides the region-discovery endpoint (internal mirrors, tests).
	DiscoveryURL string `json:"discovery_url" validate:"omitempty,url"`
}

// StoreConfig describes how to construct the token store.
type StoreConfig struct {
	Backend StoreBackend `json:"backend" validate:"required,oneof=memory file keyring env"`

	// Backend-specific settings (mutually exclusive based on Backend)
	File           string `json:"file,omitempty"`            // For file storage: path to token file
	KeyringService string `json:"keyring_service,omitempty"` // For keyring storage: service identifier
	EnvPrefix      string `json:"env_prefix,omitempty"`      // For env storage: variable name prefix
}

// NewStore creates a token store from the storage configuration.
func (s *StoreConfig) NewStore() (tokenstore.Store, error) {
	switch s.Backend {
	case StoreBackendMemory:
		return tokenstore.NewMemoryStore(), nil
	case StoreBackendFile:
		return tokenstore.NewFileStore(s.File)
	case StoreBackendKeyring:
		return tokenstore.NewKeyringStore(s.KeyringService)
	case StoreBackendEnv:
		return tokenstore.NewEnvStore(s.EnvPrefix)
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", s.Backend)
	}
}

// LoginConfig holds settings for the interactive login flow.
type LoginConfig struct {
	// ListenAddress for the local consent-redirect catcher. Must agree with
	// the host and port of the registered redirect URL.
	ListenAddress string `json:"listen_address" validate:"required,hostname_port"`
}

// ShutdownConfig holds shutdown behavior configuration.
type ShutdownConfig struct {
	// Timeout for graceful shutdown of the callback server.
	Timeout time.Duration `json:"timeout"`
}

// Config holds the application's configuration.
type Config struct {
	// LogLevel for logging output (defaults to Info if unset).
	LogLevel  slog.Level     `json:"log_level"`
	LogFormat LogFormat      `json:"log_format" validate:"oneof=text json"`
	Provider  ProviderConfig `json:"provider"`
	Store     StoreConfig    `json:"store"`
	Login     LoginConfig    `json:"login"`
	Shutdown  ShutdownConfig `json:"shutdown"`
}

// Default creates a new Config with default values applied.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset config fields with sensible defaults.
func (c *Config) ApplyDefaults() error {
	if c.LogFormat == "" {
		c.LogFormat = DefaultConfigLogFormat
	}
	if c.Provider.Region == "" {
		c.Provider.Region = DefaultConfigRegion
	}
	if c.Provider.Mode == "" {
		c.Provider.Mode = DefaultConfigMode
	}
	if c.Provider.RedirectURL == "" {
		c.Provider.RedirectURL = DefaultConfigRedirectURL
	}
	if c.Login.ListenAddress == "" {
		c.Login.ListenAddress = DefaultConfigListenAddress
	}
	if c.Shutdown.Timeout == 0 {
		c.Shutdown.Timeout = DefaultConfigShutdownTimeout
	}
	if c.Store.Backend == "" {
		c.Store.Backend = DefaultConfigStoreBackend
	}

	// Dynamic defaults based on storage backend
	switch c.Store.Backend {
	case StoreBackendFile:
		if c.Store.File == "" {
			configDir, err := os.UserConfigDir()
			if err != nil {
				return fmt.Errorf("store.file required (auto-detect failed: %w)", err)
			}
			c.Store.File = filepath.Join(configDir, "skydesk-auth", "tokens.json")
		}
	case StoreBackendKeyring:
		if c.Store.KeyringService == "" {
			c.Store.KeyringService = DefaultConfigKeyringService
		}
	case StoreBackendEnv:
		if c.Store.EnvPrefix == "" {
			c.Store.EnvPrefix = DefaultConfigEnvPrefix
		}
	}

	return nil
}

// Validate validates the configuration using struct tags and enum values.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	switch c.Store.Backend {
	case StoreBackendFile:
		if c.Store.File == "" {
			return errors.New("file path required for file storage")
		}
	case StoreBackendKeyring:
		if c.Store.KeyringService == "" {
			return errors.New("keyring_service required for keyring storage")
		}
	case StoreBackendEnv:
		if c.Store.EnvPrefix == "" {
			return errors.New("env_prefix required for env storage")
		}
	}

	return nil
}

// NewTokenManager constructs the token manager described by the configuration.
func (c *Config) NewTokenManager() (*skydesk.TokenManager, error) {
	store, err := c.Store.NewStore()
	if err != nil {
		return nil, fmt.Errorf("failed to create token store: %w", err)
	}

	opts := []skydesk.Option{
		skydesk.WithRegion(skydesk.Region(c.Provider.Region)),
		skydesk.WithScopes(splitScopes(c.Provider.Scopes)...),
		skydesk.WithRedirectURL(c.Provider.RedirectURL),
		skydesk.WithOfflineMode(c.Provider.Mode == ModeOffline),
		skydesk.WithStore(store),
	}
	if c.Provider.DiscoveryURL != "" {
		opts = append(opts, skydesk.WithDiscoveryURL(c.Provider.DiscoveryURL))
	}

	creds := skydesk.Credentials{
		ClientID:     c.Provider.ClientID,
		ClientSecret: c.Provider.ClientSecret,
	}
	return skydesk.New(creds, opts...), nil
}

// splitScopes splits the comma-separated scope list, dropping empty segments.
func splitScopes(scopes string) []string {
	parts := strings.Split(scopes, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
