package main

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v10"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	wanthave "github.com/wanthave/wanthave/sdk/golang"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.wanthave/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

// ConfigDefault holds general client settings.
type ConfigDefault struct {
	BaseURL      string `toml:"base_url"`
	PollSchedule string `toml:"poll_schedule"`
}

// ConfigAuth holds the access token and the user it belongs to.
type ConfigAuth struct {
	Token  string `toml:"token"`
	UserID int64  `toml:"user_id,omitempty"`
}

// envOverrides are applied over the file by resolveConfig.
type envOverrides struct {
	BaseURL      string `env:"WANTHAVE_BASE_URL"`
	Token        string `env:"WANTHAVE_TOKEN"`
	PollSchedule string `env:"WANTHAVE_POLL_SCHEDULE"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.wanthave, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".wanthave")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// resolveConfig loads the file and applies WANTHAVE_* environment overrides.
// The result is for running commands, never for saving.
func resolveConfig() (*Config, error) {
	cfg, _, err := resolveConfigSources()
	return cfg, err
}

// resolveConfigSources is resolveConfig that also reports which keys, in
// section.field form, were taken from the environment and from which variable.
func resolveConfigSources() (*Config, map[string]string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return nil, nil, fmt.Errorf("cannot parse environment: %w", err)
	}
	fromEnv := map[string]string{}
	if o.BaseURL != "" {
		cfg.Default.BaseURL = o.BaseURL
		fromEnv["default.base_url"] = "WANTHAVE_BASE_URL"
	}
	if o.PollSchedule != "" {
		cfg.Default.PollSchedule = o.PollSchedule
		fromEnv["default.poll_schedule"] = "WANTHAVE_POLL_SCHEDULE"
	}
	if o.Token != "" && o.Token != cfg.Auth.Token {
		// The stored user id belongs to the stored token.
		cfg.Auth.Token = o.Token
		cfg.Auth.UserID = 0
		fromEnv["auth.token"] = "WANTHAVE_TOKEN"
	}
	return cfg, fromEnv, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			u, err := url.Parse(value)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return fmt.Errorf("base_url must be an http or https origin, got %q", value)
			}
			cfg.Default.BaseURL = strings.TrimRight(value, "/")
		case "poll_schedule":
			if _, err := wanthave.ParsePollSchedule(value); err != nil {
				return err
			}
			cfg.Default.PollSchedule = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
			cfg.Auth.UserID = 0
			if id, err := wanthave.IdentityFromToken(value); err == nil {
				cfg.Auth.UserID = id
			}
		case "user_id":
			id, err := strconv.ParseInt(value, 10, 64)
			if err != nil || id < 0 {
				return fmt.Errorf("user_id must be a non-negative integer, got %q", value)
			}
			cfg.Auth.UserID = id
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "wanthave",
	Short: "wantHave marketplace chat CLI",
	Long:  "Command-line interface for wantHave conversations and offers.\nList conversations, chat live, negotiate offers, and watch unread counts.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := zerolog.WarnLevel
		if verbose {
			level = zerolog.DebugLevel
		}
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
