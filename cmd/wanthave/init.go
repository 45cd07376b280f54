package main

import (
	"fmt"

	"github.com/spf13/cobra"
	wanthave "github.com/wanthave/wanthave/sdk/golang"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store access token in ~/.wanthave/config.toml",
	Long:  "Initialize the wantHave CLI by storing your access token in the local configuration file.\nThe user id is read from the token when it carries one.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = token
		cfg.Auth.UserID = 0
		if id, err := wanthave.IdentityFromToken(token); err == nil {
			cfg.Auth.UserID = id
		} else {
			logger.Warn().Err(err).Msg("token carries no user id; set auth.user_id manually")
		}
		if cfg.Default.BaseURL == "" {
			cfg.Default.BaseURL = wanthave.DefaultBaseURL
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		if cfg.Auth.UserID != 0 {
			fmt.Printf("Signed in as user %d\n", cfg.Auth.UserID)
		}
		return nil
	},
}
