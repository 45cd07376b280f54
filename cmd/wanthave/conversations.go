package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	wanthave "github.com/wanthave/wanthave/sdk/golang"
)

var (
	conversationsJSON bool
	historyJSON       bool
)

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(historyCmd)
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List your conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		ctx, cancel := requestContext()
		defer cancel()

		convs, err := client.Conversations.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if conversationsJSON {
			return printJSON(convs)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}

		self := currentUser(cfg)
		for _, c := range convs {
			with := "(unknown)"
			if other, ok := c.Counterparty(self); ok {
				with = valueOrDefault(other.Username, fmt.Sprintf("user %d", other.ID))
			}
			listing := "-"
			if c.Listing != nil {
				listing = fmt.Sprintf("%s (%s)", c.Listing.Title, c.Listing.Price.StringFixed(2))
			}
			preview := ""
			if c.LastMessage != nil {
				preview = truncate(c.LastMessage.Content, 40)
			}
			fmt.Printf("%-6d %-16s %-30s %s\n", c.ID, with, truncate(listing, 30), preview)
		}
		return nil
	},
}

// ============================================================================
// history <conversation-id>
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Print a conversation's message history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID, err := parseID(args[0], "conversation id")
		if err != nil {
			return err
		}
		client, cfg := getClient()
		ctx, cancel := requestContext()
		defer cancel()

		msgs, err := client.Conversations.Messages(ctx, convID)
		if err != nil {
			if wanthave.IsNotFound(err) {
				return fmt.Errorf("conversation %d not found", convID)
			}
			return fmt.Errorf("request failed: %w", err)
		}
		if historyJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages yet.")
			return nil
		}

		var conv *wanthave.Conversation
		if convs, err := client.Conversations.List(ctx); err == nil {
			conv, _ = findConversation(convs, convID)
		}
		self := currentUser(cfg)
		for _, m := range msgs {
			fmt.Println(formatMessage(conv, m, self))
		}
		return nil
	},
}

func currentUser(cfg *Config) int64 {
	if cfg.Auth.UserID != 0 {
		return cfg.Auth.UserID
	}
	id, _ := wanthave.IdentityFromToken(cfg.Auth.Token)
	return id
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
