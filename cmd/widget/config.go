package main

import (
	"fmt"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

var flagShowFileOnly bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configShowCmd.Flags().BoolVar(&flagShowFileOnly, "file", false, "show the file as stored, without environment overrides")
}

// secretKeys are masked whenever the CLI prints configuration.
var secretKeys = map[string]bool{
	"default.api_key":        true,
	"session.redis_password": true,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage widget configuration",
	Long:  "View or modify the widget CLI configuration stored in ~/.supportline/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Println("No configuration file found. Run 'widget init <api-key> --org <id>' to create one.")
			return nil
		}

		load := loadConfig
		if flagShowFileOnly {
			load = readConfigFile
		}
		cfg, err := load()
		if err != nil {
			return err
		}
		out, err := renderConfig(cfg)
		if err != nil {
			return err
		}
		fmt.Printf("# %s\n%s", path, out)
		return nil
	},
}

// renderConfig prints cfg as TOML with secrets masked, followed by the
// endpoints the widget will actually use.
func renderConfig(cfg *Config) (string, error) {
	masked := *cfg
	masked.Default.APIKey = maskSecret(cfg.Default.APIKey)
	masked.Session.RedisPassword = maskSecret(cfg.Session.RedisPassword)

	data, err := toml.Marshal(&masked)
	if err != nil {
		return "", fmt.Errorf("cannot marshal config: %w", err)
	}

	var b strings.Builder
	b.Write(data)
	if cfg.Default.BaseURL != "" || cfg.Endpoints != (ConfigEndpoints{}) {
		fmt.Fprintf(&b, "\n# resolved\n# api      %s\n# auth     %s\n# realtime %s\n",
			cfg.apiURL(), cfg.authURL(), cfg.realtimeURL())
	}
	return b.String(), nil
}

func maskSecret(v string) string {
	if v == "" {
		return ""
	}
	return maskKey(v)
}

// conversationScoped keys point the CLI at a different organization or
// backend, where the remembered conversation does not exist.
var conversationScoped = map[string]bool{
	"default.organization_id": true,
	"default.base_url":        true,
	"endpoints.api_url":       true,
}

func applyConfigSet(cfg *Config, key, value string) error {
	prev := *cfg
	if err := setConfigValue(cfg, key, value); err != nil {
		return err
	}
	if conversationScoped[key] && prev != *cfg {
		cfg.Session.ConversationID = ""
	}
	return nil
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: widget config set default.organization_id org_123",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := applyConfigSet(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if secretKeys[key] {
			value = maskSecret(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
