package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	widget "github.com/supportline/widget-go"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and backend reachability",
	Long:  "Display the current configuration and check that the realtime service and session store respond.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Organization: %s\n", valueOrDefault(cfg.Default.OrganizationID, "(not set)"))
		fmt.Printf("  Base URL:     %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		if cfg.Default.APIKey != "" {
			fmt.Printf("  API Key:      %s\n", maskKey(cfg.Default.APIKey))
		} else {
			fmt.Println("  API Key:      (not set)")
		}
		fmt.Printf("  Conversation: %s\n", valueOrDefault(cfg.Session.ConversationID, "(none)"))
		if cfg.Default.BaseURL == "" && cfg.Endpoints.RealtimeURL == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Reachability:")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		start := time.Now()
		probe := widget.NewHTTPProbe(cfg.realtimeURL(), cfg.Default.APIKey, nil)
		if err := probe.Probe(ctx); err != nil {
			fmt.Printf("  Realtime:     unreachable (%v)\n", err)
		} else {
			fmt.Printf("  Realtime:     ok (%s)\n", time.Since(start).Round(time.Millisecond))
		}

		if cfg.Session.RedisAddr != "" {
			store, err := widget.NewRedisSessionStore(ctx, widget.RedisSessionConfig{
				Addr:     cfg.Session.RedisAddr,
				Password: cfg.Session.RedisPassword,
				DB:       cfg.Session.RedisDB,
			})
			if err != nil {
				fmt.Printf("  Redis:        unreachable (%v)\n", err)
			} else {
				fmt.Println("  Redis:        ok")
				_ = store.Close()
			}
		}
		return nil
	},
}
