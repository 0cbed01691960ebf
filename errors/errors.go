// Package errors provides the UMN bus error taxonomy. It defines the
// sentinel errors callers branch on (acknowledged-channel timeout and
// rejection above all), an error classification scheme used by receive
// loops to decide between retrying, dropping, and stopping, and helpers
// for consistent error wrapping across the module.
//
// Propagation policy: only the acknowledged ("reflex") channel surfaces
// errors to calling code. Every other failure mode is logged and absorbed
// at the component that observed it, so the bus never becomes a cascading
// failure point for its clients.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of errors for handling purposes.
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried.
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to malformed input or configuration.
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that should stop processing.
	ErrorFatal
)

// String returns the string representation of ErrorClass.
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables for bus conditions.
var (
	// Acknowledged-channel outcomes. These are the only errors the bus
	// intentionally returns to calling code.
	ErrAckTimeout = errors.New("acknowledged channel timed out waiting for reply")

	// Lifecycle errors.
	ErrAlreadyStarted = errors.New("already started")
	ErrNotStarted     = errors.New("not started")
	ErrClosed         = errors.New("closed")
	ErrKilled         = errors.New("kill switch engaged")

	// Transport errors.
	ErrTransportUnavailable = errors.New("transport library unavailable")
	ErrChannelDisabled      = errors.New("channel adapter not enabled")
	ErrContextTerminated    = errors.New("shared transport context terminated")

	// Wire errors.
	ErrMalformedPayload = errors.New("malformed payload")
	ErrMissingSignal    = errors.New("envelope signal is required")
	ErrMissingEcosystem = errors.New("envelope ecosystem is required")

	// Configuration errors.
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")
)

// NackError is returned when the acknowledged-channel responder explicitly
// rejects a request. It carries the remote's reason string.
type NackError struct {
	Reason string
}

// Error implements the error interface.
func (e *NackError) Error() string {
	if e.Reason == "" {
		return "request rejected by responder"
	}
	return "request rejected by responder: " + e.Reason
}

// Nack creates a NackError with the remote-supplied reason.
func Nack(reason string) error {
	return &NackError{Reason: reason}
}

// IsNack reports whether err is (or wraps) an explicit responder rejection.
func IsNack(err error) bool {
	var ne *NackError
	return errors.As(err, &ne)
}

// IsAckTimeout reports whether err is (or wraps) an acknowledged-channel
// timeout.
func IsAckTimeout(err error) bool {
	return errors.Is(err, ErrAckTimeout)
}

// ClassifiedError wraps an error with its classification.
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface.
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error.
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsTransient checks if an error is transient and may be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	if errors.Is(err, ErrAckTimeout) ||
		errors.Is(err, ErrContextTerminated) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return true
	}

	// Socket-level errors come back from the transport library as plain
	// errno strings, so fall back to pattern matching.
	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"temporarily unavailable",
		"connection",
		"interrupted",
		"try again",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsFatal checks if an error is fatal and should stop processing.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}

	return errors.Is(err, ErrTransportUnavailable) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingConfig) ||
		errors.Is(err, ErrClosed)
}

// IsInvalid checks if an error is due to malformed input.
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	return errors.Is(err, ErrMalformedPayload) ||
		errors.Is(err, ErrMissingSignal) ||
		errors.Is(err, ErrMissingEcosystem) ||
		IsNack(err)
}

// Classify returns the error class for an error.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}
	if IsFatal(err) {
		return ErrorFatal
	}
	if IsInvalid(err) {
		return ErrorInvalid
	}
	// Default to transient so unknown socket errors keep the loops alive.
	return ErrorTransient
}

// newClassified creates a new classified error.
// Internal helper - use WrapTransient, WrapFatal, or WrapInvalid instead.
func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context.
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorTransient, wrappedErr, component, method, wrappedErr.Error())
}

// WrapFatal wraps an error as fatal with context.
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, wrappedErr, component, method, wrappedErr.Error())
}

// WrapInvalid wraps an error as invalid with context.
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorInvalid, wrappedErr, component, method, wrappedErr.Error())
}
