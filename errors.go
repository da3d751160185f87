package widget

import "errors"

var (
	// ErrTransportUnreachable is returned when the realtime endpoint fails the
	// pre-flight probe.
	ErrTransportUnreachable = errors.New("realtime transport unreachable")
	// ErrAuthUnavailable is returned when no usable bearer token could be obtained.
	ErrAuthUnavailable = errors.New("auth token unavailable")
	// ErrSubscribeTimeout is returned when a channel does not confirm the
	// subscription within the subscribe timeout.
	ErrSubscribeTimeout = errors.New("channel subscribe timed out")
	// ErrSubscribeClosed is returned when the channel is closed or errors
	// before the subscription is confirmed.
	ErrSubscribeClosed = errors.New("channel closed before subscribe")
	// ErrRetriesExhausted is returned by Connect once the retry budget is spent
	// and the manager has entered fallback mode.
	ErrRetriesExhausted = errors.New("connect retries exhausted")
	// ErrDisconnected is returned by Connect when Disconnect interrupts it.
	ErrDisconnected = errors.New("disconnected")
	// ErrNotConnected is returned by realtime sends while no channel is joined.
	ErrNotConnected = errors.New("not connected")
	// ErrIllegalTransition is returned when a state change is not allowed from
	// the current state.
	ErrIllegalTransition = errors.New("illegal connection state transition")
	// ErrNoConversation is returned when an operation needs a conversation id
	// and none exists yet.
	ErrNoConversation = errors.New("no conversation")
	// ErrEmptyContent is returned when sending a blank message.
	ErrEmptyContent = errors.New("message content is empty")
)
