package denon

import "errors"

// Domain errors for the Denon receiver package.
var (
	// ErrNotConnected is returned when an operation requires a live
	// receiver connection but none is established.
	ErrNotConnected = errors.New("denon: not connected to receiver")

	// ErrConnectionFailed is returned when the TCP connection to the
	// receiver cannot be established.
	ErrConnectionFailed = errors.New("denon: connection to receiver failed")

	// ErrConnectionClosedLocally is the single error kind the transport
	// reports once this process has shut the socket down itself. The sync
	// loop treats it as a clean exit.
	ErrConnectionClosedLocally = errors.New("denon: connection closed locally")

	// ErrInvalidStateKey is returned when a state key name cannot be parsed.
	ErrInvalidStateKey = errors.New("denon: invalid state key")

	// ErrInvalidValue is returned when a value does not belong to the
	// variant required by its state key, or cannot be parsed.
	ErrInvalidValue = errors.New("denon: invalid state value")

	// ErrWriteFailed is returned when a command cannot be written to the socket.
	ErrWriteFailed = errors.New("denon: command write failed")

	// ErrCircuitOpen is returned by the supervisor while repeated connect
	// failures keep the circuit breaker open.
	ErrCircuitOpen = errors.New("denon: reconnect circuit open")
)
