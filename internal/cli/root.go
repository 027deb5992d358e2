// Package cli implements the eventsubbridge command tree: running the
// bridge service, validating/scaffolding its configuration, inspecting
// upstream EventSub subscriptions, and operator inspection of the
// InterestRegistry. The cobra wiring and config-path resolution are
// carried from itsjustintv's internal/cli; the subcommands operate on
// this bridge's Service/Bot/InterestRegistry model instead of
// itsjustintv's per-streamer config.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/rmoriz/eventsubbridge/internal/config"
	"github.com/rmoriz/eventsubbridge/internal/server"
	"github.com/spf13/cobra"
)

var (
	// Version information, overwritten by main via ldflags.
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"

	configFile string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "eventsubbridge",
	Short: "A Twitch EventSub bridge service",
	Long: `eventsubbridge is a Go microservice that sits between Twitch's
EventSub delivery (webhook and WebSocket) and a fleet of downstream
services. Downstream services register interest in (bot account, event
type, broadcaster) tuples; the bridge maintains the minimal set of
upstream EventSub subscriptions that covers every registered interest
and fans each notification out over webhook or a persistent WebSocket
connection.`,
	RunE:          runServer,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "config.toml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
}

// determineConfigPath resolves the config file using the same priority
// order as the teacher: explicit flag, then EVENTSUBBRIDGE_CONFIG, then
// the working-directory default.
func determineConfigPath(flagValue string) string {
	if flagValue != "config.toml" {
		return flagValue
	}
	if envConfig := os.Getenv("EVENTSUBBRIDGE_CONFIG"); envConfig != "" {
		return envConfig
	}
	return "config.toml"
}

func runServer(cmd *cobra.Command, args []string) error {
	configPath := determineConfigPath(configFile)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return fmt.Errorf("configuration file not found: %s\n\nConfiguration file loading priority:\n1. Use value from --config flag\n2. Use EVENTSUBBRIDGE_CONFIG environment variable\n3. Try to load config.toml from working directory", configPath)
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	fmt.Printf("Loaded configuration from: %s\n", configPath)
	if verbose {
		fmt.Printf("Server will listen on: %s:%d\n", cfg.Server.ListenAddr, cfg.Server.Port)
		fmt.Printf("TLS enabled: %t\n", cfg.Server.TLS.Enabled)
		fmt.Printf("Bot accounts configured: %d\n", len(cfg.Bots))
		fmt.Printf("Services configured: %d\n", len(cfg.Services))
	}

	logger := setupLogger(verbose)
	srv := server.New(cfg, logger)

	ctx := cmd.Context()
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("eventsubbridge %s\n", Version)
		fmt.Printf("Git commit: %s\n", GitCommit)
		fmt.Printf("Build date: %s\n", BuildDate)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

func init() {
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configExampleCmd)
}

var configValidateCmd = &cobra.Command{
	Use:           "validate",
	Short:         "Validate configuration file",
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := determineConfigPath(configFile)

		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return fmt.Errorf("configuration file not found: %s\n\nConfiguration file loading priority:\n1. Use value from --config flag\n2. Use EVENTSUBBRIDGE_CONFIG environment variable\n3. Try to load config.toml from working directory", configPath)
		}

		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}

		fmt.Printf("Configuration file '%s' is valid\n", configPath)
		fmt.Printf("Found %d configured bot accounts\n", len(cfg.Bots))
		fmt.Printf("Found %d configured services\n", len(cfg.Services))
		return nil
	},
}

var configExampleCmd = &cobra.Command{
	Use:   "example",
	Short: "Generate example configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		examplePath := "config.example.toml"
		if len(args) > 0 {
			examplePath = args[0]
		}

		if err := generateExampleConfig(examplePath); err != nil {
			return fmt.Errorf("failed to generate example config: %w", err)
		}

		fmt.Printf("Example configuration written to: %s\n", examplePath)
		return nil
	},
}

func generateExampleConfig(path string) error {
	example := `# eventsubbridge configuration file
# This is an example configuration with all available options documented

[server]
listen_addr = "0.0.0.0"
port = 8080

# TLS/HTTPS configuration (optional, via ACME autocert)
[server.tls]
enabled = false
domains = ["bridge.example.com"]  # Required if TLS is enabled
cert_dir = "data/acme_certs"

[twitch]
# Twitch application credentials (required)
client_id = "your_twitch_client_id"
client_secret = "your_twitch_client_secret"
token_file = "data/tokens.json"

# Upstream EventSub WebSocket endpoint
eventsub_ws_url = "wss://eventsub.wss.twitch.tv/ws"

# Set these two to also accept webhook-delivered subscriptions
eventsub_webhook_callback_url = "https://bridge.example.com/webhooks/twitch/eventsub"
eventsub_webhook_secret = "a-long-enough-webhook-secret"

[store]
path = "data/store.json"

[registry]
stale_ttl = "60m"
prune_interval = "5m"

[subscription]
max_retry_attempts = 3
error_cooldown = "60s"

[subscription.event_versions]
"stream.online" = "1"
"stream.offline" = "1"

[dedupe]
message_window = "10m"
error_window = "60s"

[token]
ttl = "60s"

[fanout]
webhook_workers = 32

[telemetry]
enabled = false
endpoint = "http://localhost:4318"
service_name = "eventsubbridge"
service_version = "0.1.0"

# Bot accounts eligible to back an interest. The websocket transport
# requires user_access_token; the webhook transport does not.
[bots.my-bot]
twitch_user_id = "123456789"
user_access_token = "bot-user-access-token"
enabled = true

# Downstream services allowed to call the HTTP API, identified by the
# X-Service-Id/X-Service-Secret headers.
[services.my-service]
signing_secret = "a-per-service-hmac-signing-secret"
`
	return os.WriteFile(path, []byte(example), 0644)
}

func setupLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}
