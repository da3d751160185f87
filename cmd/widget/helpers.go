package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	widget "github.com/supportline/widget-go"
	"github.com/supportline/widget-go/internal/logger"
	"github.com/supportline/widget-go/internal/metrics"
)

// session bundles a configured widget with what must be released after use.
type session struct {
	cfg     *Config
	logger  *zap.Logger
	widget  *widget.Widget
	closers []func()
}

// newSession builds a widget from the config file and environment. When
// metricsAddr is set, Prometheus metrics are served there.
func newSession(metricsAddr string) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Default.APIKey == "" || cfg.Default.OrganizationID == "" {
		return nil, errors.New("no API key or organization. Run 'widget init <api-key> --org <id>' first")
	}

	lg, err := logger.New(&cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	s := &session{cfg: cfg, logger: lg}
	s.closers = append(s.closers, func() { _ = lg.Sync() })

	opts := []widget.Option{widget.WithLogger(lg)}
	if cfg.Session.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		store, err := widget.NewRedisSessionStore(ctx, widget.RedisSessionConfig{
			Addr:     cfg.Session.RedisAddr,
			Password: cfg.Session.RedisPassword,
			DB:       cfg.Session.RedisDB,
			Prefix:   "supportline",
		})
		cancel()
		if err != nil {
			s.close()
			return nil, err
		}
		s.closers = append(s.closers, func() { _ = store.Close() })
		opts = append(opts, widget.WithStore(store))
	}
	if metricsAddr != "" {
		m := metrics.New("widget")
		srv := &http.Server{Addr: metricsAddr, Handler: m.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				lg.Warn("metrics server stopped", zap.Error(err))
			}
		}()
		s.closers = append(s.closers, func() { _ = srv.Close() })
		opts = append(opts, widget.WithMetrics(m))
	}

	w, err := widget.New(widget.Config{
		OrganizationID: cfg.Default.OrganizationID,
		APIURL:         cfg.apiURL(),
		AuthURL:        cfg.authURL(),
		RealtimeURL:    cfg.realtimeURL(),
		APIKey:         cfg.Default.APIKey,
		VisitorName:    cfg.Default.VisitorName,
		CustomerName:   cfg.Default.VisitorName,
		ConversationID: cfg.Session.ConversationID,
	}, opts...)
	if err != nil {
		s.close()
		return nil, err
	}
	s.widget = w
	return s, nil
}

// rememberConversation stores the active conversation so the next run resumes it.
func (s *session) rememberConversation() {
	id := s.widget.ConversationID()
	if id == "" || id == s.cfg.Session.ConversationID {
		return
	}
	cfg, err := readConfigFile()
	if err != nil {
		s.logger.Warn("cannot reload config", zap.Error(err))
		return
	}
	cfg.Session.ConversationID = id
	if err := saveConfig(cfg); err != nil {
		s.logger.Warn("cannot save conversation", zap.Error(err))
	}
}

func (s *session) close() {
	if s.widget != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.widget.Close(ctx)
		cancel()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func printMessage(m widget.Message) {
	name := valueOrDefault(m.SenderName, string(m.SenderType))
	fmt.Fprintf(os.Stdout, "[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04:05"), name, m.Content)
}

// maskKey shows the first 4 and last 4 characters of a key.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
