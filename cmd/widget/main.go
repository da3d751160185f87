package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/supportline/widget-go/internal/logger"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.supportline/config.toml.
type Config struct {
	Default   ConfigDefault   `toml:"default"`
	Endpoints ConfigEndpoints `toml:"endpoints"`
	Session   ConfigSession   `toml:"session"`
	Log       logger.Config   `toml:"log"`
}

// ConfigDefault holds the organization and backend settings.
type ConfigDefault struct {
	APIKey         string `toml:"api_key" env:"SUPPORTLINE_API_KEY"`
	BaseURL        string `toml:"base_url" env:"SUPPORTLINE_BASE_URL"`
	OrganizationID string `toml:"organization_id" env:"SUPPORTLINE_ORG"`
	VisitorName    string `toml:"visitor_name" env:"SUPPORTLINE_VISITOR_NAME"`
}

// ConfigEndpoints overrides the URLs derived from base_url.
type ConfigEndpoints struct {
	APIURL      string `toml:"api_url" env:"SUPPORTLINE_API_URL"`
	AuthURL     string `toml:"auth_url" env:"SUPPORTLINE_AUTH_URL"`
	RealtimeURL string `toml:"realtime_url" env:"SUPPORTLINE_REALTIME_URL"`
}

// ConfigSession holds where the visitor session lives.
type ConfigSession struct {
	ConversationID string `toml:"conversation_id"`
	RedisAddr      string `toml:"redis_addr" env:"SUPPORTLINE_REDIS_ADDR"`
	RedisPassword  string `toml:"redis_password" env:"SUPPORTLINE_REDIS_PASSWORD"`
	RedisDB        int    `toml:"redis_db" env:"SUPPORTLINE_REDIS_DB"`
}

func (c *Config) apiURL() string {
	return valueOrDefault(c.Endpoints.APIURL, strings.TrimRight(c.Default.BaseURL, "/")+"/rest/v1")
}

func (c *Config) authURL() string {
	return valueOrDefault(c.Endpoints.AuthURL, strings.TrimRight(c.Default.BaseURL, "/")+"/auth/v1")
}

func (c *Config) realtimeURL() string {
	return valueOrDefault(c.Endpoints.RealtimeURL, strings.TrimRight(c.Default.BaseURL, "/")+"/realtime/v1")
}

// ============================================================================
// Config helpers
// ============================================================================

var configFile string

// configDir returns the path to ~/.supportline, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".supportline")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	if configFile != "" {
		return configFile, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads the config file and applies environment overrides.
// A missing file yields a zero-value Config.
func loadConfig() (*Config, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, err
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("cannot parse environment: %w", err)
	}
	return cfg, nil
}

func readConfigFile() (*Config, error) {
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

// saveConfig writes cfg back to disk as TOML.
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

// setConfigValue sets a config field using dot notation (e.g. "default.api_key").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.api_key)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "api_key":
			cfg.Default.APIKey = value
		case "base_url":
			cfg.Default.BaseURL = value
		case "organization_id":
			cfg.Default.OrganizationID = value
		case "visitor_name":
			cfg.Default.VisitorName = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "endpoints":
		switch field {
		case "api_url":
			cfg.Endpoints.APIURL = value
		case "auth_url":
			cfg.Endpoints.AuthURL = value
		case "realtime_url":
			cfg.Endpoints.RealtimeURL = value
		default:
			return fmt.Errorf("unknown field %q in section [endpoints]", field)
		}
	case "session":
		switch field {
		case "conversation_id":
			cfg.Session.ConversationID = value
		case "redis_addr":
			cfg.Session.RedisAddr = value
		case "redis_password":
			cfg.Session.RedisPassword = value
		case "redis_db":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("redis_db must be an integer: %w", err)
			}
			cfg.Session.RedisDB = n
		default:
			return fmt.Errorf("unknown field %q in section [session]", field)
		}
	case "log":
		switch field {
		case "level":
			cfg.Log.Level = value
		case "format":
			cfg.Log.Format = value
		case "output":
			cfg.Log.Output = value
		case "file_path":
			cfg.Log.FilePath = value
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, endpoints, session, log)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "widget",
	Short: "Supportline chat widget CLI",
	Long:  "Command-line visitor for the Supportline chat widget.\nManage configuration, check connectivity, and chat with support.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ~/.supportline/config.toml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
