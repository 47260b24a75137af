package av

import "errors"

// Sentinel errors for av package operations.
// These errors enable reliable error classification using errors.Is().

// Call outcome errors. A call that ends for one of these reasons records
// it as LastError.
var (
	// ErrSignalingFailure indicates the coordination server could not be
	// reached or rejected a request.
	ErrSignalingFailure = errors.New("signaling failure")

	// ErrTransportFailure indicates the audio transport failed to open or
	// broke during the call.
	ErrTransportFailure = errors.New("transport failure")

	// ErrTimedOut indicates a setup phase exceeded its deadline.
	ErrTimedOut = errors.New("call setup timed out")

	// ErrDeclined indicates the remote party refused the call.
	ErrDeclined = errors.New("call declined")
)

// Call control errors.
var (
	// ErrAlreadyInCall indicates a call already exists.
	ErrAlreadyInCall = errors.New("already in a call")

	// ErrNoActiveCall indicates no call exists.
	ErrNoActiveCall = errors.New("no active call")

	// ErrInvalidTransition indicates an event the current state does not
	// accept.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrUnknownCall indicates a host callback for a call id that is not
	// the current call.
	ErrUnknownCall = errors.New("unknown call id")
)

// Manager state errors.
var (
	// ErrEngineNotRunning indicates the manager has not been started or has
	// been stopped.
	ErrEngineNotRunning = errors.New("call engine is not running")

	// ErrEngineAlreadyRunning indicates Start was called twice.
	ErrEngineAlreadyRunning = errors.New("call engine is already running")
)
