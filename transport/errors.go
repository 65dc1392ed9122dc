package transport

import "errors"

var (
	// ErrNoTransportsConfigured indicates the configuration produced an
	// empty transport set
	ErrNoTransportsConfigured = errors.New("no transports configured")
	// ErrNoActiveTransport indicates no owned transport is in Active state
	ErrNoActiveTransport = errors.New("no active transport available")
	// ErrPeerNotConnected indicates the target peer is not connected on
	// this transport
	ErrPeerNotConnected = errors.New("peer not connected")
	// ErrTransportNotActive indicates an operation was attempted on a
	// transport that is not running
	ErrTransportNotActive = errors.New("transport not active")
	// ErrInvalidMessage indicates a framing or envelope violation
	ErrInvalidMessage = errors.New("invalid message")
	// ErrNotSupported indicates the backend is unavailable in this build
	// or deployment
	ErrNotSupported = errors.New("transport not supported")
	// ErrMessageTooLarge indicates a payload exceeds the frame size limit
	ErrMessageTooLarge = errors.New("message exceeds maximum frame size")
)
