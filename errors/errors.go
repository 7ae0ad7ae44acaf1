// Package errors provides standardized error handling for acqstreams
// components. It classifies errors along the axes the acquisition core
// cares about (caller fault, transport fault, device protocol fault,
// resource exhaustion, internal invariant violation) and provides helper
// functions for consistent wrapping across the system.
package errors

import (
	"errors"
	"fmt"
)

// Class represents the classification of an error for handling purposes.
type Class int

const (
	// ClassArgument marks invalid caller input. Fatal to the call, never
	// to the session.
	ClassArgument Class = iota
	// ClassTransport marks an I/O failure talking to a device. Surfaced
	// to whichever state-machine step triggered it; the core never
	// retries these itself.
	ClassTransport
	// ClassProtocol marks malformed or out-of-range data received from a
	// device. Decoding stops for the current buffer; packets already
	// emitted stand.
	ClassProtocol
	// ClassResource marks an allocation or capacity failure. Aborts the
	// current operation without corrupting session bookkeeping.
	ClassResource
	// ClassBug marks an internal invariant violation, e.g. a missing
	// driver-private context. Logged loudly, non-recoverable for the
	// affected device only.
	ClassBug
)

// String returns the string representation of the Class.
func (c Class) String() string {
	switch c {
	case ClassArgument:
		return "argument"
	case ClassTransport:
		return "transport"
	case ClassProtocol:
		return "protocol"
	case ClassResource:
		return "resource"
	case ClassBug:
		return "bug"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions.
var (
	// Session and lifecycle errors
	ErrAlreadyRunning   = errors.New("session already running")
	ErrNotRunning       = errors.New("session not running")
	ErrRunActive        = errors.New("blocking run already active")
	ErrDevicesAttached  = errors.New("devices still attached")
	ErrDeviceInSession  = errors.New("device already belongs to a session")
	ErrSourceRegistered = errors.New("event source already registered")
	ErrSourceUnknown    = errors.New("event source not registered")

	// Device and acquisition errors
	ErrDeviceClosed    = errors.New("device not open")
	ErrNoEnabledChans  = errors.New("no enabled channels")
	ErrConfigKey       = errors.New("unsupported configuration key")
	ErrAcquisitionDone = errors.New("acquisition has ended")

	// Transport errors
	ErrTimeout       = errors.New("transport timeout")
	ErrDeviceGone    = errors.New("device disappeared")
	ErrShortTransfer = errors.New("short transfer")

	// Data errors
	ErrMalformedData = errors.New("malformed device data")
	ErrOutOfRange    = errors.New("value out of range")

	// Resource errors
	ErrPoolExhausted = errors.New("transfer pool exhausted")
	ErrBufferFull    = errors.New("buffer full")
)

// ClassifiedError wraps an error with its classification and the
// component/operation context it was raised from.
type ClassifiedError struct {
	Class     Class
	Err       error
	Component string
	Operation string
}

// Error implements the error interface.
func (ce *ClassifiedError) Error() string {
	return ce.Err.Error()
}

// Unwrap returns the underlying error.
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Classify returns the class of err. Unclassified errors default to
// ClassTransport so callers err on the side of device-granular recovery.
func Classify(err error) Class {
	if err == nil {
		return ClassTransport
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	switch {
	case errors.Is(err, ErrDeviceInSession),
		errors.Is(err, ErrDevicesAttached),
		errors.Is(err, ErrSourceUnknown),
		errors.Is(err, ErrNoEnabledChans),
		errors.Is(err, ErrConfigKey):
		return ClassArgument
	case errors.Is(err, ErrTimeout),
		errors.Is(err, ErrDeviceGone),
		errors.Is(err, ErrShortTransfer):
		return ClassTransport
	case errors.Is(err, ErrMalformedData), errors.Is(err, ErrOutOfRange):
		return ClassProtocol
	case errors.Is(err, ErrPoolExhausted), errors.Is(err, ErrBufferFull):
		return ClassResource
	}
	return ClassTransport
}

// IsArgument reports whether err is caller fault.
func IsArgument(err error) bool {
	return err != nil && Classify(err) == ClassArgument
}

// IsTransport reports whether err is a device I/O failure.
func IsTransport(err error) bool {
	return err != nil && Classify(err) == ClassTransport
}

// IsProtocol reports whether err marks malformed device data.
func IsProtocol(err error) bool {
	return err != nil && Classify(err) == ClassProtocol
}

// IsResource reports whether err marks resource exhaustion.
func IsResource(err error) bool {
	return err != nil && Classify(err) == ClassResource
}

// IsBug reports whether err marks an internal invariant violation.
func IsBug(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ClassBug
	}
	return false
}

// newClassified creates a classified error. Use the Wrap* helpers.
func newClassified(class Class, err error, component, operation string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern
// "component.method: action failed: %w".
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapArgument wraps an error as caller fault with context.
func WrapArgument(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return newClassified(ClassArgument, Wrap(err, component, method, action), component, method)
}

// WrapTransport wraps an error as a transport failure with context.
func WrapTransport(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return newClassified(ClassTransport, Wrap(err, component, method, action), component, method)
}

// WrapProtocol wraps an error as malformed device data with context.
func WrapProtocol(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return newClassified(ClassProtocol, Wrap(err, component, method, action), component, method)
}

// WrapResource wraps an error as resource exhaustion with context.
func WrapResource(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return newClassified(ClassResource, Wrap(err, component, method, action), component, method)
}

// WrapBug wraps an error as an invariant violation with context.
func WrapBug(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return newClassified(ClassBug, Wrap(err, component, method, action), component, method)
}

// Is, As and New are re-exported so callers do not need to import both
// this package and the standard library one.
var (
	Is  = errors.Is
	As  = errors.As
	New = errors.New
)
