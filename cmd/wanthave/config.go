package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage wanthave configuration",
	Long:  "Inspect the effective configuration or change values in ~/.wanthave/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print the configuration commands run with: the file merged with WANTHAVE_* overrides.\nThe token is masked.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, fromEnv, err := resolveConfigSources()
		if err != nil {
			return err
		}
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			path = ""
		}
		renderConfig(cmd.OutOrStdout(), path, cfg, fromEnv)
		return nil
	},
}

// configEntry is one rendered key. Secret values are masked.
type configEntry struct {
	key    string
	value  string
	secret bool
}

// renderConfig writes cfg in TOML layout. Keys listed in fromEnv are annotated
// with the variable they came from; path is empty when there is no file.
func renderConfig(w io.Writer, path string, cfg *Config, fromEnv map[string]string) {
	if path == "" {
		fmt.Fprintln(w, "# no config file, run 'wanthave init <token>' to create one")
	} else {
		fmt.Fprintf(w, "# %s\n", path)
	}

	userID := ""
	if cfg.Auth.UserID != 0 {
		userID = strconv.FormatInt(cfg.Auth.UserID, 10)
	}
	sections := []struct {
		name    string
		entries []configEntry
	}{
		{"default", []configEntry{
			{key: "base_url", value: cfg.Default.BaseURL},
			{key: "poll_schedule", value: cfg.Default.PollSchedule},
		}},
		{"auth", []configEntry{
			{key: "token", value: cfg.Auth.Token, secret: true},
			{key: "user_id", value: userID},
		}},
	}

	for i, s := range sections {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "[%s]\n", s.name)
		for _, e := range s.entries {
			if e.value == "" {
				fmt.Fprintf(w, "# %s is not set\n", e.key)
				continue
			}
			v := e.value
			if e.secret {
				v = maskKey(v)
			}
			line := fmt.Sprintf("%s = %q", e.key, v)
			if e.key == "user_id" {
				line = fmt.Sprintf("%s = %s", e.key, v)
			}
			if src, ok := fromEnv[s.name+"."+e.key]; ok {
				line += "  # from " + src
			}
			fmt.Fprintln(w, line)
		}
	}
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a value in ~/.wanthave/config.toml using section.field keys.\n" +
		"Keys: default.base_url, default.poll_schedule, auth.token, auth.user_id.\n" +
		"Example: wanthave config set default.poll_schedule \"@every 30s\"",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		// Edit the file as stored; env overrides must not leak into it.
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return err
		}

		shown := value
		if key == "auth.token" {
			shown = maskKey(value)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s = %s\n", key, shown)
		if key == "auth.token" && cfg.Auth.UserID != 0 {
			fmt.Fprintf(out, "auth.user_id = %d\n", cfg.Auth.UserID)
		}
		return nil
	},
}
