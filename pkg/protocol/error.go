package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Decode and dispatch errors. They are contained at the parser boundary:
// Parse routes them to the error hook and never returns them to the caller.
var (
	// ErrMalformedMessage is returned when a payload does not decode into a
	// tagged sequence, or a field has the wrong shape for its kind.
	ErrMalformedMessage = errors.New("protocol: malformed message")

	// ErrUnknownMessageKind is matched by *UnknownKindError.
	ErrUnknownMessageKind = errors.New("protocol: unknown message kind")

	// ErrUnboundHandler is matched by *UnboundHandlerError.
	ErrUnboundHandler = errors.New("protocol: unbound handler")

	// ErrHandlerExecution is matched by *HandlerExecutionError.
	ErrHandlerExecution = errors.New("protocol: handler execution failed")
)

// malformed wraps a detail message as ErrMalformedMessage.
func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedMessage, fmt.Sprintf(format, args...))
}

// APICallError reports a TRACKER_API message whose group and call id are
// readable but whose remaining fields have the wrong shape. Receivers answer
// it with a failed TRACKER_API_RESPONSE so the caller is not left waiting.
type APICallError struct {
	Group string
	APIID any
	Err   error
}

func (e *APICallError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the shape error, which matches ErrMalformedMessage.
func (e *APICallError) Unwrap() error {
	return e.Err
}

// UnknownKindError reports a well-formed message whose kind is not defined.
type UnknownKindError struct {
	Kind Kind
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("protocol: unknown message kind %d", int(e.Kind))
}

// Is reports whether target is ErrUnknownMessageKind.
func (e *UnknownKindError) Is(target error) bool {
	return target == ErrUnknownMessageKind
}

// UnboundHandlerError reports a known kind for which the handler set has no
// function, typically a message sent in the wrong direction.
type UnboundHandlerError struct {
	Kind    Kind
	Handler string
}

func (e *UnboundHandlerError) Error() string {
	return fmt.Sprintf("protocol: no handler bound for %s (%s)", e.Kind, e.Handler)
}

// Is reports whether target is ErrUnboundHandler.
func (e *UnboundHandlerError) Is(target error) bool {
	return target == ErrUnboundHandler
}

// Tracer is implemented by errors that carry a diagnostic trace.
type Tracer interface {
	Trace() string
}

// PanicError wraps a value recovered from a panicking handler.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Trace returns the panic message followed by the goroutine stack captured
// at recovery.
func (e *PanicError) Trace() string {
	if len(e.Stack) == 0 {
		return e.Error()
	}
	return e.Error() + "\n" + strings.TrimRight(string(e.Stack), "\n")
}

// HandlerExecutionError wraps a failure raised by a message handler.
type HandlerExecutionError struct {
	// Handler is the handler name, e.g. "OnTrackerAPI".
	Handler string

	// Cause is the error returned by the handler, or a *PanicError.
	Cause error

	trace string
}

// NewHandlerExecutionError wraps cause for the named handler.
//
// The trace keeps exactly one line of new context per line of the new
// message and appends the cause's full trace beneath it, so chains of
// wrapped failures stay short while the root cause remains visible.
func NewHandlerExecutionError(handler string, cause error) *HandlerExecutionError {
	e := &HandlerExecutionError{Handler: handler, Cause: cause}

	causeTrace := ""
	var t Tracer
	if errors.As(cause, &t) {
		causeTrace = t.Trace()
	} else if cause != nil {
		causeTrace = cause.Error()
	}
	e.trace = e.Error() + "\n" + causeTrace
	return e
}

func (e *HandlerExecutionError) Error() string {
	return fmt.Sprintf("protocol: error executing handler %s: %v", e.Handler, e.Cause)
}

// Unwrap returns the handler's original error.
func (e *HandlerExecutionError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is ErrHandlerExecution.
func (e *HandlerExecutionError) Is(target error) bool {
	return target == ErrHandlerExecution
}

// Trace returns the truncated wrapper trace followed by the cause's trace.
func (e *HandlerExecutionError) Trace() string {
	return e.trace
}
