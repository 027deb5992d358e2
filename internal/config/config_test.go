package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "0.0.0.0", cfg.Server.ListenAddr)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.False(t, cfg.Server.TLS.Enabled)
	assert.Equal(t, "data/acme_certs", cfg.Server.TLS.CertDir)

	assert.Equal(t, "data/tokens.json", cfg.Twitch.TokenFile)
	assert.Equal(t, "wss://eventsub.wss.twitch.tv/ws", cfg.Twitch.EventSubWSURL)

	assert.Equal(t, 3, cfg.Subscription.MaxRetryAttempts)
	assert.Equal(t, 60*time.Second, cfg.Subscription.ErrorCooldown)
	assert.Equal(t, 60*time.Minute, cfg.Registry.StaleTTL)
	assert.Equal(t, 10*time.Minute, cfg.Dedupe.MessageWindow)
	assert.Equal(t, 60*time.Second, cfg.Token.TTL)
	assert.Equal(t, 32, cfg.Fanout.WebhookWorkers)

	assert.False(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "eventsubbridge", cfg.Telemetry.ServiceName)

	assert.NotNil(t, cfg.Services)
	assert.NotNil(t, cfg.Bots)
}

func TestLoadConfigFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test_config.toml")

	configContent := `
[server]
listen_addr = "127.0.0.1"
port = 9090

[server.tls]
enabled = true
domains = ["test.example.com"]

[twitch]
client_id = "test_client_id"
client_secret = "test_client_secret"
eventsub_webhook_callback_url = "https://bridge.example.com/webhooks/twitch/eventsub"
eventsub_webhook_secret = "a-long-enough-webhook-secret"

[bots.bot-1]
twitch_user_id = "555"
user_access_token = "user-token"
enabled = true

[services.svc-1]
signing_secret = "svc-1-secret"
`

	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.ListenAddr)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.True(t, cfg.Server.TLS.Enabled)
	assert.Equal(t, []string{"test.example.com"}, cfg.Server.TLS.Domains)

	assert.Equal(t, "test_client_id", cfg.Twitch.ClientID)
	assert.Equal(t, "https://bridge.example.com/webhooks/twitch/eventsub", cfg.Twitch.EventSubWebhookCallback)

	require.Contains(t, cfg.Bots, "bot-1")
	assert.Equal(t, "555", cfg.Bots["bot-1"].TwitchUserID)

	bot, err := cfg.ResolveBotAccount(context.Background(), "bot-1")
	require.NoError(t, err)
	assert.Equal(t, "555", bot.TwitchUserID)
	assert.True(t, bot.Enabled)

	secret, err := cfg.ResolveSigningSecret("svc-1")
	require.NoError(t, err)
	assert.Equal(t, "svc-1-secret", secret)
}

func TestLoadConfigNonExistentFile(t *testing.T) {
	_, err := LoadConfig("non_existent_file.toml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client_id is required")
}

func TestEnvironmentOverrides(t *testing.T) {
	os.Setenv("TWITCH_CLIENT_ID", "env_client_id")
	os.Setenv("SERVICE_SIGNING_SECRET", "fallback-secret")
	os.Setenv("EVENTSUBBRIDGE_SERVER_PORT", "3000")
	defer func() {
		os.Unsetenv("TWITCH_CLIENT_ID")
		os.Unsetenv("SERVICE_SIGNING_SECRET")
		os.Unsetenv("EVENTSUBBRIDGE_SERVER_PORT")
	}()

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test_config.toml")
	configContent := `
[twitch]
client_secret = "test_secret"
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, "env_client_id", cfg.Twitch.ClientID)
	assert.Equal(t, 3000, cfg.Server.Port)

	secret, err := cfg.ResolveSigningSecret("any-unconfigured-service")
	require.NoError(t, err)
	assert.Equal(t, "fallback-secret", secret)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name          string
		modifyConfig  func(*Config)
		expectError   bool
		errorContains string
	}{
		{
			name: "valid config",
			modifyConfig: func(cfg *Config) {
				cfg.Twitch.ClientID = "test_id"
				cfg.Twitch.ClientSecret = "test_secret"
			},
			expectError: false,
		},
		{
			name: "missing client_id",
			modifyConfig: func(cfg *Config) {
				cfg.Twitch.ClientSecret = "test_secret"
			},
			expectError:   true,
			errorContains: "client_id is required",
		},
		{
			name: "missing client_secret",
			modifyConfig: func(cfg *Config) {
				cfg.Twitch.ClientID = "test_id"
			},
			expectError:   true,
			errorContains: "client_secret is required",
		},
		{
			name: "webhook callback without a valid secret",
			modifyConfig: func(cfg *Config) {
				cfg.Twitch.ClientID = "test_id"
				cfg.Twitch.ClientSecret = "test_secret"
				cfg.Twitch.EventSubWebhookCallback = "https://example.com/hook"
				cfg.Twitch.EventSubWebhookSecret = "short"
			},
			expectError:   true,
			errorContains: "10-100 characters",
		},
		{
			name: "invalid port",
			modifyConfig: func(cfg *Config) {
				cfg.Twitch.ClientID = "test_id"
				cfg.Twitch.ClientSecret = "test_secret"
				cfg.Server.Port = 0
			},
			expectError:   true,
			errorContains: "port must be between 1 and 65535",
		},
		{
			name: "TLS enabled without domains",
			modifyConfig: func(cfg *Config) {
				cfg.Twitch.ClientID = "test_id"
				cfg.Twitch.ClientSecret = "test_secret"
				cfg.Server.TLS.Enabled = true
			},
			expectError:   true,
			errorContains: "domains is required when TLS is enabled",
		},
		{
			name: "invalid retry attempts",
			modifyConfig: func(cfg *Config) {
				cfg.Twitch.ClientID = "test_id"
				cfg.Twitch.ClientSecret = "test_secret"
				cfg.Subscription.MaxRetryAttempts = 0
			},
			expectError:   true,
			errorContains: "max_retry_attempts must be greater than 0",
		},
		{
			name: "bot missing twitch user id",
			modifyConfig: func(cfg *Config) {
				cfg.Twitch.ClientID = "test_id"
				cfg.Twitch.ClientSecret = "test_secret"
				cfg.Bots["bot-1"] = BotConfig{Enabled: true}
			},
			expectError:   true,
			errorContains: "twitch_user_id is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modifyConfig(cfg)

			err := cfg.Validate()

			if tt.expectError {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorContains)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestResolveBotAccountUnknown(t *testing.T) {
	cfg := DefaultConfig()
	_, err := cfg.ResolveBotAccount(context.Background(), "missing")
	require.Error(t, err)
}

func TestResolveSigningSecretMissing(t *testing.T) {
	cfg := DefaultConfig()
	_, err := cfg.ResolveSigningSecret("missing")
	require.Error(t, err)
}
