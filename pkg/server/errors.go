package server

import (
	"errors"
	"fmt"
)

// Registration errors. RegisterTracker returns them wrapped in a
// *RegistrationError.
var (
	// ErrInvalidTrackerClass is returned when a tracker class is nil, has no
	// factory, or its factory does not produce a usable tracker.
	ErrInvalidTrackerClass = errors.New("server: invalid tracker class")

	// ErrDuplicateTrackerName is returned when a name is already registered.
	ErrDuplicateTrackerName = errors.New("server: duplicate tracker name")

	// ErrEmptyAPISurface is returned when a tracker class declares no APIs.
	ErrEmptyAPISurface = errors.New("server: tracker declares no apis")
)

// Runtime errors for tracker creation and invocation.
var (
	// ErrUnknownTracker is returned when no tracker is registered under a name.
	ErrUnknownTracker = errors.New("server: unknown tracker")

	// ErrMissingChannel is returned when a creation hook yields no channel.
	ErrMissingChannel = errors.New("server: creation hook returned no channel")

	// ErrUnknownAPI is returned when an API is not declared by the tracker.
	ErrUnknownAPI = errors.New("server: unknown api")

	// ErrBadArgument is returned when an API argument cannot be decoded.
	ErrBadArgument = errors.New("server: bad api argument")

	// ErrUnknownGroup is returned for messages naming no tracker in the session.
	ErrUnknownGroup = errors.New("server: unknown tracker group")

	// ErrGroupActive is returned when a group already has a tracker.
	ErrGroupActive = errors.New("server: tracker group already active")

	// ErrSerialReused is returned when a create request reuses a serial that
	// is active or was retired in the same session.
	ErrSerialReused = errors.New("server: serial reused")

	// ErrTooManyTrackers is returned when a session reaches MaxTrackers.
	ErrTooManyTrackers = errors.New("server: too many trackers")

	// ErrTrackerActive is returned by SetState after the initial sync.
	ErrTrackerActive = errors.New("server: tracker already active")

	// ErrTrackerClosed is returned when operating on a closed tracker.
	ErrTrackerClosed = errors.New("server: tracker closed")

	// ErrQueueFull is returned when a bounded inbox or send queue is full.
	ErrQueueFull = errors.New("server: queue full")

	// ErrSessionClosed is returned when an operation is attempted on a closed session.
	ErrSessionClosed = errors.New("server: session closed")

	// ErrServiceClosed is returned when starting a session on a closed service.
	ErrServiceClosed = errors.New("server: service closed")

	// ErrDriverConfigured is returned by SetChannelDriver once a driver is in use.
	ErrDriverConfigured = errors.New("server: channel driver already configured")
)

// RegistrationError wraps a registration failure with the tracker name.
type RegistrationError struct {
	Tracker string
	Err     error
}

// Error returns the error message with the tracker name.
func (e *RegistrationError) Error() string {
	if e.Tracker == "" {
		return fmt.Sprintf("server: register tracker: %v", e.Err)
	}
	return fmt.Sprintf("server: register tracker %q: %v", e.Tracker, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *RegistrationError) Unwrap() error {
	return e.Err
}

// TrackerError wraps a runtime failure with session and tracker context.
type TrackerError struct {
	SessionID string
	Tracker   string
	Group     string
	Op        string // Operation that failed
	Err       error  // Underlying error
}

// Error returns the error message with tracker context.
func (e *TrackerError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("server: tracker %s (group %q): %s: %v", e.Tracker, e.Group, e.Op, e.Err)
	}
	return fmt.Sprintf("server: session %s: tracker %s (group %q): %s: %v",
		e.SessionID, e.Tracker, e.Group, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *TrackerError) Unwrap() error {
	return e.Err
}

// diagnostic returns the short, client-facing description of err. Wrapper
// context such as session IDs is never sent over the wire.
func diagnostic(err error) string {
	var pe *panicError
	if errors.As(err, &pe) {
		return "internal error"
	}
	var te *TrackerError
	if errors.As(err, &te) {
		return te.Err.Error()
	}
	return err.Error()
}

// panicError is a value recovered from a tracker hook or API.
type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}
