// Package config loads and validates the bridge's TOML configuration,
// with environment-variable overrides and hot-reload support
// (internal/config.Watcher). The load/override/validate shape is
// carried from itsjustintv's internal/config.Config; the domain fields
// are rebuilt for the EventSub bridge's service/bot-account model
// instead of itsjustintv's single-streamer-map model.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rmoriz/eventsubbridge/internal/subscription"
)

// Config is the root configuration record.
type Config struct {
	Server       ServerConfig             `toml:"server"`
	Twitch       TwitchConfig             `toml:"twitch"`
	Services     map[string]ServiceConfig `toml:"services"`
	Bots         map[string]BotConfig     `toml:"bots"`
	Store        StoreConfig              `toml:"store"`
	Registry     RegistryConfig           `toml:"registry"`
	Subscription SubscriptionConfig       `toml:"subscription"`
	Dedupe       DedupeConfig             `toml:"dedupe"`
	Token        TokenConfig              `toml:"token"`
	Fanout       FanoutConfig             `toml:"fanout"`
	Telemetry    TelemetryConfig          `toml:"telemetry"`

	configPath           string
	defaultSigningSecret string
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	ListenAddr string `toml:"listen_addr"`
	Port       int    `toml:"port"`
	TLS        struct {
		Enabled bool     `toml:"enabled"`
		Domains []string `toml:"domains"`
		CertDir string   `toml:"cert_dir"`
	} `toml:"tls"`
}

// TwitchConfig holds the app registration and EventSub upstream
// settings named in spec.md §6's environment table.
type TwitchConfig struct {
	ClientID                string `toml:"client_id"`
	ClientSecret            string `toml:"client_secret"`
	TokenFile               string `toml:"token_file"`
	EventSubWSURL           string `toml:"eventsub_ws_url"`
	EventSubWebhookCallback string `toml:"eventsub_webhook_callback_url"`
	EventSubWebhookSecret   string `toml:"eventsub_webhook_secret"`
}

// ServiceConfig is one downstream ServiceAccount's static registration:
// the HMAC secret used to sign outgoing webhook deliveries to it and to
// verify its own requests. Admin CRUD of service accounts is out of
// scope (spec.md §1); this is the static, operator-maintained registry
// a single-deployment bridge uses instead.
type ServiceConfig struct {
	SigningSecret string `toml:"signing_secret"`
}

// ResolveSigningSecret implements fanout.SigningSecretResolver.
func (c *Config) ResolveSigningSecret(serviceID string) (string, error) {
	if svc, ok := c.Services[serviceID]; ok && svc.SigningSecret != "" {
		return svc.SigningSecret, nil
	}
	if c.defaultSigningSecret != "" {
		return c.defaultSigningSecret, nil
	}
	return "", fmt.Errorf("no signing secret configured for service %q", serviceID)
}

// BotConfig is one BotAccount's static registration: the Twitch user id
// subscriptions are created under, its user access token (required for
// websocket-upstream subscriptions), and whether it may serve new
// subscriptions.
type BotConfig struct {
	TwitchUserID    string `toml:"twitch_user_id"`
	UserAccessToken string `toml:"user_access_token"`
	Enabled         bool   `toml:"enabled"`
}

// ResolveBotAccount implements subscription.BotAccountResolver.
func (c *Config) ResolveBotAccount(_ context.Context, botAccountID string) (subscription.BotAccount, error) {
	bot, ok := c.Bots[botAccountID]
	if !ok {
		return subscription.BotAccount{}, fmt.Errorf("unknown bot account %q", botAccountID)
	}
	return subscription.BotAccount{
		ID:              botAccountID,
		TwitchUserID:    bot.TwitchUserID,
		UserAccessToken: bot.UserAccessToken,
		Enabled:         bot.Enabled,
	}, nil
}

// StoreConfig points at the persisted JSON mirror (internal/store).
type StoreConfig struct {
	Path string `toml:"path"`
}

// RegistryConfig tunes InterestRegistry staleness.
type RegistryConfig struct {
	StaleTTL      time.Duration `toml:"stale_ttl"`
	PruneInterval time.Duration `toml:"prune_interval"`
}

// SubscriptionConfig tunes SubscriptionManager event versions and error
// cooldown. MaxRetryAttempts is validated and handed to the manager but
// not read by it; subscription creation retries use twitchclient's fixed
// limit of 3 attempts.
type SubscriptionConfig struct {
	MaxRetryAttempts int               `toml:"max_retry_attempts"`
	ErrorCooldown    time.Duration     `toml:"error_cooldown"`
	EventVersions    map[string]string `toml:"event_versions"`
}

// DedupeConfig tunes the SeenMessageId window. ErrorWindow is loaded but
// not read; subscription.error throttling uses
// SubscriptionConfig.ErrorCooldown.
type DedupeConfig struct {
	MessageWindow time.Duration `toml:"message_window"`
	ErrorWindow   time.Duration `toml:"error_window"`
}

// TokenConfig tunes WsAuthToken lifetime.
type TokenConfig struct {
	TTL time.Duration `toml:"ttl"`
}

// FanoutConfig tunes the FanoutHub's outgoing webhook worker pool.
type FanoutConfig struct {
	WebhookWorkers int `toml:"webhook_workers"`
}

// TelemetryConfig holds OpenTelemetry exporter configuration.
type TelemetryConfig struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	ServiceName    string `toml:"service_name"`
	ServiceVersion string `toml:"service_version"`
}

// withDefaultSigningSecret sets the fallback signing secret applied to
// any service without its own explicit signing_secret entry, sourced
// from SERVICE_SIGNING_SECRET — an environment-only override for
// single-service deployments that don't want a services table at all.
func (c *Config) withDefaultSigningSecret(secret string) {
	c.defaultSigningSecret = secret
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: "0.0.0.0",
			Port:       8080,
			TLS: struct {
				Enabled bool     `toml:"enabled"`
				Domains []string `toml:"domains"`
				CertDir string   `toml:"cert_dir"`
			}{
				Enabled: false,
				Domains: []string{},
				CertDir: "data/acme_certs",
			},
		},
		Twitch: TwitchConfig{
			TokenFile:     "data/tokens.json",
			EventSubWSURL: "wss://eventsub.wss.twitch.tv/ws",
		},
		Services: make(map[string]ServiceConfig),
		Bots:     make(map[string]BotConfig),
		Store: StoreConfig{
			Path: "data/store.json",
		},
		Registry: RegistryConfig{
			StaleTTL:      60 * time.Minute,
			PruneInterval: 5 * time.Minute,
		},
		Subscription: SubscriptionConfig{
			MaxRetryAttempts: 3,
			ErrorCooldown:    60 * time.Second,
			EventVersions:    make(map[string]string),
		},
		Dedupe: DedupeConfig{
			MessageWindow: 10 * time.Minute,
			ErrorWindow:   60 * time.Second,
		},
		Token: TokenConfig{
			TTL: 60 * time.Second,
		},
		Fanout: FanoutConfig{
			WebhookWorkers: 32,
		},
		Telemetry: TelemetryConfig{
			Enabled:        false,
			ServiceName:    "eventsubbridge",
			ServiceVersion: "0.1.0",
		},
	}
}

// LoadConfig loads configuration from a TOML file, applies environment
// overrides, and validates the result.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if _, err := toml.DecodeFile(configPath, cfg); err != nil {
				return nil, fmt.Errorf("failed to decode config file %s: %w", configPath, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to check config file %s: %w", configPath, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	cfg.configPath = configPath
	return cfg, nil
}

// GetConfigPath returns the path the configuration was loaded from.
func (c *Config) GetConfigPath() string {
	return c.configPath
}

// applyEnvOverrides applies the environment variables spec.md §6 names
// literally (TWITCH_*, SERVICE_SIGNING_SECRET), plus EVENTSUBBRIDGE_*
// overrides for the ambient server/TLS settings the teacher's own
// ITSJUSTINTV_* prefix covered.
func applyEnvOverrides(cfg *Config) error {
	if val := os.Getenv("TWITCH_CLIENT_ID"); val != "" {
		cfg.Twitch.ClientID = val
	}
	if val := os.Getenv("TWITCH_CLIENT_SECRET"); val != "" {
		cfg.Twitch.ClientSecret = val
	}
	if val := os.Getenv("TWITCH_EVENTSUB_WS_URL"); val != "" {
		cfg.Twitch.EventSubWSURL = val
	}
	if val := os.Getenv("TWITCH_EVENTSUB_WEBHOOK_CALLBACK_URL"); val != "" {
		cfg.Twitch.EventSubWebhookCallback = val
	}
	if val := os.Getenv("TWITCH_EVENTSUB_WEBHOOK_SECRET"); val != "" {
		cfg.Twitch.EventSubWebhookSecret = val
	}
	if val := os.Getenv("SERVICE_SIGNING_SECRET"); val != "" {
		cfg.withDefaultSigningSecret(val)
	}

	if val := os.Getenv("EVENTSUBBRIDGE_SERVER_LISTEN_ADDR"); val != "" {
		cfg.Server.ListenAddr = val
	}
	if val := os.Getenv("EVENTSUBBRIDGE_SERVER_PORT"); val != "" {
		var port int
		if _, err := fmt.Sscanf(val, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if val := os.Getenv("EVENTSUBBRIDGE_TLS_ENABLED"); val == "true" {
		cfg.Server.TLS.Enabled = true
	}

	return nil
}

// Validate checks required fields and logical consistency, mirroring
// the teacher's validateConfig but against this bridge's domain model.
func (c *Config) Validate() error {
	if c.Twitch.ClientID == "" {
		return fmt.Errorf("twitch.client_id is required")
	}
	if c.Twitch.ClientSecret == "" {
		return fmt.Errorf("twitch.client_secret is required")
	}

	if c.Twitch.EventSubWebhookCallback != "" {
		n := len(c.Twitch.EventSubWebhookSecret)
		if n < 10 || n > 100 {
			return fmt.Errorf("twitch.eventsub_webhook_secret must be 10-100 characters when a webhook callback url is configured")
		}
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.TLS.Enabled && len(c.Server.TLS.Domains) == 0 {
		return fmt.Errorf("server.tls.domains is required when TLS is enabled")
	}

	if c.Subscription.MaxRetryAttempts <= 0 {
		return fmt.Errorf("subscription.max_retry_attempts must be greater than 0")
	}

	for id, bot := range c.Bots {
		if bot.TwitchUserID == "" {
			return fmt.Errorf("bots.%s.twitch_user_id is required", id)
		}
	}

	dataDirs := []string{
		filepath.Dir(c.Twitch.TokenFile),
		filepath.Dir(c.Store.Path),
	}
	if c.Server.TLS.Enabled {
		dataDirs = append(dataDirs, c.Server.TLS.CertDir)
	}
	for _, dir := range dataDirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory %s: %w", dir, err)
		}
	}

	return nil
}
