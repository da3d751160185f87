package widget

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Prober checks that the realtime endpoint is reachable before a connect
// attempt.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProbeFunc adapts a function to Prober.
type ProbeFunc func(ctx context.Context) error

func (f ProbeFunc) Probe(ctx context.Context) error { return f(ctx) }

// HTTPProbe issues GET <endpoint>/health. Any transport error or non-2xx
// status is a failure.
type HTTPProbe struct {
	url    string
	apiKey string
	client *http.Client
}

// NewHTTPProbe creates a probe for the realtime endpoint. A nil client uses
// http.DefaultClient; callers bound the probe with the context.
func NewHTTPProbe(endpoint, apiKey string, client *http.Client) *HTTPProbe {
	if client == nil {
		client = http.DefaultClient
	}
	u := strings.Replace(strings.TrimRight(endpoint, "/"), "wss://", "https://", 1)
	u = strings.Replace(u, "ws://", "http://", 1)
	return &HTTPProbe{url: u + "/health", apiKey: apiKey, client: client}
}

func (p *HTTPProbe) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransportUnreachable, err)
	}
	if p.apiKey != "" {
		req.Header.Set("apikey", p.apiKey)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransportUnreachable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: http %d", ErrTransportUnreachable, resp.StatusCode)
	}
	return nil
}
