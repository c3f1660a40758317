package fieldlink

import "errors"

var (
	// ErrAlreadyConnected is returned by Connect when the session is not in
	// the disconnected state.
	ErrAlreadyConnected = errors.New("session already connected")

	// ErrSessionClosed is returned by operations on a session after Close.
	ErrSessionClosed = errors.New("session closed")

	// ErrAuthFailed is returned when the server rejects the credential
	// token. The session never retries the same token; supply a fresh one.
	ErrAuthFailed = errors.New("authentication rejected")

	// ErrReconnectExhausted is returned when the configured reconnect
	// attempt limit is reached without re-establishing the session.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	// ErrQueueFull is returned when an outbound message is dropped because
	// the queue holds only priority entries that cannot be evicted.
	ErrQueueFull = errors.New("outbound queue full")

	// ErrNoPositionSource is returned by StartLocationStream when the
	// session was built without a position source.
	ErrNoPositionSource = errors.New("no position source configured")
)
