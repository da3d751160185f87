package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initOrg     string
	initBaseURL string
	initName    string
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initOrg, "org", "", "organization ID (required)")
	initCmd.Flags().StringVar(&initBaseURL, "url", "http://localhost:54321", "backend base URL")
	initCmd.Flags().StringVar(&initName, "name", "", "visitor display name")
	_ = initCmd.MarkFlagRequired("org")
}

var initCmd = &cobra.Command{
	Use:   "init <api-key>",
	Short: "Store API key and organization in ~/.supportline/config.toml",
	Long:  "Initialize the widget CLI by storing the public API key, organization and backend URL.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.APIKey = args[0]
		cfg.Default.OrganizationID = initOrg
		cfg.Default.BaseURL = initBaseURL
		if initName != "" {
			cfg.Default.VisitorName = initName
		}
		// A new organization starts a new conversation.
		cfg.Session.ConversationID = ""

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Configuration saved to %s\n", path)
		return nil
	},
}
