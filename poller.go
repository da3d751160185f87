package widget

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultPollInterval is how often the fallback poller fetches messages.
const DefaultPollInterval = 5 * time.Second

// poller periodically pulls messages while realtime delivery is unavailable.
type poller struct {
	interval time.Duration
	sync     func(ctx context.Context) (int, error)
	logger   *zap.Logger

	mu     sync.Mutex
	stopCh chan struct{}
	done   chan struct{}
}

func newPoller(interval time.Duration, sync func(ctx context.Context) (int, error), logger *zap.Logger) *poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &poller{interval: interval, sync: sync, logger: logger}
}

// start begins polling. It is a no-op while already running.
func (p *poller) start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopCh != nil {
		return
	}
	p.stopCh = make(chan struct{})
	p.done = make(chan struct{})
	go p.loop(p.stopCh, p.done)
	p.logger.Info("fallback polling started", zap.Duration("interval", p.interval))
}

// stop ends polling and waits for an in-progress fetch to finish.
func (p *poller) stop() {
	p.mu.Lock()
	stopCh, done := p.stopCh, p.done
	p.stopCh, p.done = nil, nil
	p.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	<-done
	p.logger.Info("fallback polling stopped")
}

func (p *poller) running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopCh != nil
}

func (p *poller) loop(stopCh, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.poll(stopCh)
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			p.poll(stopCh)
		}
	}
}

func (p *poller) poll(stopCh chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), p.interval)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	n, err := p.sync(ctx)
	if err != nil {
		p.logger.Warn("fallback poll failed", zap.Error(err))
		return
	}
	if n > 0 {
		p.logger.Debug("fallback poll", zap.Int("messages", n))
	}
}
