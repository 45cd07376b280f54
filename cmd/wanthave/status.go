package main

import (
	"fmt"

	"github.com/spf13/cobra"
	wanthave "github.com/wanthave/wanthave/sdk/golang"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the effective configuration and fetch the live unread count.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:      %s\n", valueOrDefault(cfg.Default.BaseURL, wanthave.DefaultBaseURL+" (default)"))
		fmt.Printf("  Poll schedule: %s\n", valueOrDefault(cfg.Default.PollSchedule, wanthave.DefaultPollSchedule+" (default)"))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Token == "" {
			fmt.Println("  Token:         (not set)")
			return nil
		}
		fmt.Printf("  Token:         %s\n", maskKey(cfg.Auth.Token))
		userID := cfg.Auth.UserID
		if userID == 0 {
			if id, err := wanthave.IdentityFromToken(cfg.Auth.Token); err == nil {
				userID = id
			}
		}
		if userID != 0 {
			fmt.Printf("  User ID:       %d\n", userID)
		} else {
			fmt.Println("  User ID:       (unknown)")
		}

		fmt.Println()
		fmt.Println("Live status:")
		client := newClient(cfg)
		ctx, cancel := requestContext()
		defer cancel()

		sum, err := client.Conversations.UnreadCount(ctx)
		if err != nil {
			fmt.Printf("  Error fetching unread count: %v\n", err)
			return nil
		}
		fmt.Printf("  Unread:        %d\n", sum.Count)
		return nil
	},
}
