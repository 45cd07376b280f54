package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	wanthave "github.com/wanthave/wanthave/sdk/golang"
)

func init() {
	rootCmd.AddCommand(unreadCmd)
	rootCmd.AddCommand(watchCmd)
}

var unreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "Print the unread message count",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()
		ctx, cancel := requestContext()
		defer cancel()

		sum, err := client.Conversations.UnreadCount(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Println(sum.Count)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Poll the unread count until interrupted",
	Long:  "Poll the unread count on the configured schedule (default \"@every 30s\") and print it whenever it changes.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		schedule, err := wanthave.ParsePollSchedule(cfg.Default.PollSchedule)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		last := -1
		poller := wanthave.NewUnreadPoller(client.Conversations, schedule, func(n int) {
			if n != last {
				fmt.Printf("[%s] unread: %d\n", time.Now().Format("15:04:05"), n)
				last = n
			}
		}, logger)

		poller.Start(ctx)
		<-ctx.Done()

		stats := poller.Stats()
		poller.Stop()
		logger.Debug().Int("polls", stats.Polls).Int("skipped", stats.Skipped).Msg("watch stopped")
		return nil
	},
}
