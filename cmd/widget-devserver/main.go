package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/supportline/widget-go/internal/devserver"
	"github.com/supportline/widget-go/internal/logger"
)

var (
	flagAddr  string
	flagDSN   string
	flagLevel string
)

var rootCmd = &cobra.Command{
	Use:   "widget-devserver",
	Short: "Local backend for the Supportline chat widget",
	Long: `Serves anonymous auth, the persistence API, the realtime websocket and a
signed agent-reply webhook from a single process backed by SQLite.

Configuration is read from the environment (and a .env file):
  WIDGET_DEV_ADDR, WIDGET_DEV_API_KEY, WIDGET_DEV_JWT_SECRET,
  WIDGET_DEV_WEBHOOK_SECRET, WIDGET_DEV_DSN, WIDGET_DEV_TOKEN_TTL`,
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()

		var cfg devserver.Config
		if err := env.Parse(&cfg); err != nil {
			return fmt.Errorf("failed to parse environment: %w", err)
		}
		if flagAddr != "" {
			cfg.Addr = flagAddr
		}
		if flagDSN != "" {
			cfg.DSN = flagDSN
		}

		logCfg := logger.Config{Level: flagLevel}
		if err := env.Parse(&logCfg); err != nil {
			return fmt.Errorf("failed to parse environment: %w", err)
		}
		lg, err := logger.New(&logCfg)
		if err != nil {
			return err
		}
		defer lg.Sync()

		srv, err := devserver.New(cfg, lg)
		if err != nil {
			return err
		}
		defer srv.Close()

		if cfg.WebhookSecret == "" {
			lg.Warn("WIDGET_DEV_WEBHOOK_SECRET not set, agent-reply webhook disabled")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := srv.Run(ctx); err != nil {
			lg.Error("dev server failed", zap.Error(err))
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVar(&flagAddr, "addr", "", "listen address (overrides WIDGET_DEV_ADDR)")
	rootCmd.Flags().StringVar(&flagDSN, "db", "", "SQLite path or :memory: (overrides WIDGET_DEV_DSN)")
	rootCmd.Flags().StringVar(&flagLevel, "log-level", "info", "log level")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
