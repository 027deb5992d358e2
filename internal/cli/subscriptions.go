package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/rmoriz/eventsubbridge/internal/config"
	"github.com/rmoriz/eventsubbridge/internal/server"
	"github.com/rmoriz/eventsubbridge/internal/twitchclient"
	"github.com/spf13/cobra"
)

var subscriptionsCmd = &cobra.Command{
	Use:   "subscriptions",
	Short: "Inspect upstream Twitch EventSub subscriptions",
	Long:  `Commands to list the app's current EventSub subscriptions and reconcile them against the registered interests.`,
}

var listSubscriptionsCmd = &cobra.Command{
	Use:   "list",
	Short: "List current Twitch EventSub subscriptions",
	RunE:  runListSubscriptions,
}

var syncSubscriptionsCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile upstream subscriptions against stored interests",
	Long:  `Reconciles upstream EventSub subscriptions against the persisted interest registry: reuses matching ones, deletes orphaned ones and creates missing ones, the same reconciliation the server runs at startup.`,
	RunE:  runSyncSubscriptions,
}

func init() {
	rootCmd.AddCommand(subscriptionsCmd)
	subscriptionsCmd.AddCommand(listSubscriptionsCmd)
	subscriptionsCmd.AddCommand(syncSubscriptionsCmd)
}

func runListSubscriptions(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(determineConfigPath(configFile))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := setupLogger(verbose)
	client := twitchclient.New(logger, cfg.Twitch.ClientID, cfg.Twitch.ClientSecret, cfg.Twitch.TokenFile)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("failed to start twitch client: %w", err)
	}
	defer client.Stop()

	subs, err := client.ListSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list subscriptions: %w", err)
	}

	if len(subs) == 0 {
		fmt.Println("No subscriptions found.")
		return nil
	}

	fmt.Printf("%-38s %-20s %-12s %-15s %-20s\n", "ID", "Type", "Status", "Broadcaster ID", "Created At")
	fmt.Println("--------------------------------------------------------------------------------------------------------")
	for _, sub := range subs {
		broadcasterID := sub.Condition["broadcaster_user_id"]
		if broadcasterID == "" {
			broadcasterID = "N/A"
		}
		fmt.Printf("%-38s %-20s %-12s %-15s %-20s\n",
			sub.ID, sub.Type, sub.Status, broadcasterID, sub.CreatedAt.Format("2006-01-02 15:04"))
	}
	return nil
}

func runSyncSubscriptions(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(determineConfigPath(configFile))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := setupLogger(verbose)
	srv := server.New(cfg, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := srv.SyncSubscriptions(ctx); err != nil {
		return fmt.Errorf("failed to sync subscriptions: %w", err)
	}

	fmt.Println("Subscription sync completed successfully!")
	return nil
}
