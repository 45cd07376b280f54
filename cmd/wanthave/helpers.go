package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	wanthave "github.com/wanthave/wanthave/sdk/golang"
)

const requestTimeout = 10 * time.Second

// logger is set up by the root command before any subcommand runs.
var logger = zerolog.Nop()

// getClient creates a client authenticated with the configured token.
func getClient() (*wanthave.Client, *Config) {
	cfg, err := resolveConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'wanthave init <token>' first.")
		os.Exit(1)
	}
	return newClient(cfg), cfg
}

func newClient(cfg *Config) *wanthave.Client {
	opts := []wanthave.ClientOption{
		wanthave.WithToken(cfg.Auth.Token),
		wanthave.WithLogger(logger),
	}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, wanthave.WithBaseURL(cfg.Default.BaseURL))
	}
	return wanthave.NewClient(opts...)
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

func parseID(arg, what string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q", what, arg)
	}
	return id, nil
}

// maskKey shows the first 8 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func senderLabel(conv *wanthave.Conversation, senderID, self int64) string {
	if senderID == self {
		return "you"
	}
	if conv != nil {
		for _, p := range conv.Participants {
			if p.ID == senderID && p.Username != "" {
				return p.Username
			}
		}
	}
	return fmt.Sprintf("user %d", senderID)
}

func formatMessage(conv *wanthave.Conversation, m wanthave.Message, self int64) string {
	ts := "--:--"
	if !m.Timestamp.IsZero() {
		ts = m.Timestamp.Local().Format("Jan 02 15:04")
	}
	line := fmt.Sprintf("[%s] %s: %s", ts, senderLabel(conv, m.SenderID, self), m.Content)
	if m.Status == wanthave.MessagePending {
		line += " (sending)"
	}
	return line
}

func formatOffer(o wanthave.Offer) string {
	return fmt.Sprintf("#%-5d %-9s %10s  buyer %d  seller %d", o.ID, o.Status, o.Amount.StringFixed(2), o.BuyerID, o.SellerID)
}
