package widget

import (
	"errors"
	"time"
)

// ConnectionMetrics counts connect outcomes for one manager.
type ConnectionMetrics struct {
	Attempts          int           `json:"attempts"`
	Successes         int           `json:"successes"`
	Failures          int           `json:"failures"`
	LastLatency       time.Duration `json:"lastLatency"`
	RetryCount        int           `json:"retryCount"`
	FallbackActivated bool          `json:"fallbackActivated"`
}

// MetricsRecorder receives connection events, typically to export them.
// internal/metrics provides a Prometheus implementation.
type MetricsRecorder interface {
	ConnectAttempt(channel string)
	ConnectSuccess(channel string, latency time.Duration)
	ConnectFailure(channel, reason string)
	StateChange(channel string, from, to ConnectionState)
	Fallback(channel string)
}

type nopRecorder struct{}

func (nopRecorder) ConnectAttempt(string) {}
func (nopRecorder) ConnectSuccess(string, time.Duration) {}
func (nopRecorder) ConnectFailure(string, string) {}
func (nopRecorder) StateChange(string, ConnectionState, ConnectionState) {}
func (nopRecorder) Fallback(string) {}

// failureReason maps a connect error to a low-cardinality label.
func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrTransportUnreachable):
		return "unreachable"
	case errors.Is(err, ErrAuthUnavailable):
		return "auth"
	case errors.Is(err, ErrSubscribeTimeout):
		return "timeout"
	case errors.Is(err, ErrSubscribeClosed):
		return "closed"
	default:
		return "other"
	}
}
