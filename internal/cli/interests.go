package cli

import (
	"fmt"
	"time"

	"github.com/rmoriz/eventsubbridge/internal/config"
	"github.com/rmoriz/eventsubbridge/internal/registry"
	"github.com/rmoriz/eventsubbridge/internal/store"
	"github.com/rmoriz/eventsubbridge/internal/twitchclient"
	"github.com/spf13/cobra"
)

var interestsCmd = &cobra.Command{
	Use:   "interests",
	Short: "Inspect and maintain the persisted interest registry",
	Long:  `Commands to list the service interests the registry has on file and prune stale ones that missed a heartbeat.`,
}

var listInterestsCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted interests",
	RunE:  runListInterests,
}

var pruneInterestsCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove interests that haven't heartbeat within the stale TTL",
	Long:  `Runs the same staleness sweep the server's background pruner runs, and reports what was removed.`,
	RunE:  runPruneInterests,
}

func init() {
	rootCmd.AddCommand(interestsCmd)
	interestsCmd.AddCommand(listInterestsCmd)
	interestsCmd.AddCommand(pruneInterestsCmd)
}

func runListInterests(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(determineConfigPath(configFile))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := setupLogger(verbose)
	st := store.New(logger, cfg.Store.Path)
	if err := st.Load(); err != nil {
		return fmt.Errorf("failed to load store: %w", err)
	}

	interests, err := st.LoadInterests()
	if err != nil {
		return fmt.Errorf("failed to load interests: %w", err)
	}

	if len(interests) == 0 {
		fmt.Println("No interests found.")
		return nil
	}

	fmt.Printf("%-38s %-20s %-20s %-15s %-9s %-8s %-20s\n", "ID", "Service", "Event Type", "Broadcaster ID", "Bot", "Transport", "Updated At")
	fmt.Println("------------------------------------------------------------------------------------------------------------------------------")
	for _, in := range interests {
		fmt.Printf("%-38s %-20s %-20s %-15s %-9s %-8s %-20s\n",
			in.ID, in.ServiceID, in.Key.EventType, in.Key.BroadcasterUserID, in.Key.BotAccountID, in.Transport, in.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return nil
}

func runPruneInterests(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(determineConfigPath(configFile))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := setupLogger(verbose)
	st := store.New(logger, cfg.Store.Path)
	if err := st.Load(); err != nil {
		return fmt.Errorf("failed to load store: %w", err)
	}

	client := twitchclient.New(logger, cfg.Twitch.ClientID, cfg.Twitch.ClientSecret, cfg.Twitch.TokenFile)
	reg := registry.New(logger, client, st)
	if err := reg.LoadFromStore(); err != nil {
		return fmt.Errorf("failed to hydrate registry: %w", err)
	}

	removed := reg.PruneStale(time.Now().UTC(), cfg.Registry.StaleTTL)
	if len(removed) == 0 {
		fmt.Println("No stale interests found.")
		return nil
	}

	fmt.Printf("Pruned %d stale interest(s):\n", len(removed))
	for _, in := range removed {
		fmt.Printf("  %s  service=%s  event=%s  broadcaster=%s  last updated %s\n",
			in.ID, in.ServiceID, in.Key.EventType, in.Key.BroadcasterUserID, in.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return nil
}
