// Package errors provides the error taxonomy of the frame broker: sentinel
// errors for every failure the shared-memory core can report, a
// classification (transient, invalid, fatal) that tells callers whether to
// retry, fix their call sequence, or abort, and helpers for consistent
// wrapping.
package errors

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary conditions the caller may retry
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents protocol violations by the caller
	ErrorInvalid
	// ErrorFatal represents structural errors that abort the attach
	ErrorFatal
)

// String returns the string representation of ErrorClass
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

// Segment errors
var (
	// ErrSegmentNotFound means no producer has created (or finished
	// initialising) the topic's segment yet. Consumers retry.
	ErrSegmentNotFound = errors.New("segment not found")
	// ErrSchemaMismatch means an existing segment has a different magic,
	// version, slot count, slot capacity or registry size than expected.
	ErrSchemaMismatch = errors.New("segment schema mismatch")
	// ErrInvalidTopic rejects topic names that cannot name a shared object.
	ErrInvalidTopic = errors.New("invalid topic name")
	// ErrInvalidGeometry rejects slot counts, capacities or registry sizes
	// outside the supported range.
	ErrInvalidGeometry = errors.New("invalid segment geometry")
	// ErrProducerBusy means another process already holds the producer role.
	ErrProducerBusy = errors.New("topic already has an attached producer")
)

// Registry errors
var (
	ErrConsumerIDOutOfRange = errors.New("consumer id out of range")
	ErrConsumerInUse        = errors.New("consumer id held by a live consumer")
	ErrConsumerKicked       = errors.New("consumer was disconnected by the broker")
)

// Handle errors
var (
	// ErrInvalidSequence is a caller protocol violation: release without an
	// outstanding frame, poll while a frame is held, commit without reserve.
	ErrInvalidSequence = errors.New("invalid call sequence")
	ErrDetached        = errors.New("broker handle is detached")
	ErrWrongRole       = errors.New("operation not permitted for this role")
	ErrInvalidFrame    = errors.New("invalid frame")
	// ErrFrameOverwritten reports that a held view was overwritten by the
	// producer under drop-on-overlap while it was being read.
	ErrFrameOverwritten = errors.New("frame overwritten while held")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return fmt.Sprintf("%s.%s: %s: %v", ce.Component, ce.Operation, ce.Message, ce.Err)
	}
	return fmt.Sprintf("%s.%s: %v", ce.Component, ce.Operation, ce.Err)
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsTransient checks if an error is transient and should be retried
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	return errors.Is(err, ErrSegmentNotFound) ||
		errors.Is(err, ErrProducerBusy) ||
		errors.Is(err, ErrConsumerInUse) ||
		errors.Is(err, ErrFrameOverwritten)
}

// IsFatal checks if an error is fatal and should abort the attachment
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}

	return errors.Is(err, ErrSchemaMismatch) ||
		errors.Is(err, ErrConsumerIDOutOfRange) ||
		errors.Is(err, ErrConsumerKicked)
}

// IsInvalid checks if an error is due to invalid input or call order
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	return errors.Is(err, ErrInvalidSequence) ||
		errors.Is(err, ErrDetached) ||
		errors.Is(err, ErrWrongRole) ||
		errors.Is(err, ErrInvalidFrame) ||
		errors.Is(err, ErrInvalidTopic) ||
		errors.Is(err, ErrInvalidGeometry)
}

// Classify returns the error class for an error. Unknown errors (for example
// raw syscall failures) are fatal: the core never retries them itself.
func Classify(err error) ErrorClass {
	switch {
	case IsTransient(err):
		return ErrorTransient
	case IsInvalid(err):
		return ErrorInvalid
	default:
		return ErrorFatal
	}
}

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

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, message string) error {
	if err == nil {
		return nil
	}
	return newClassified(ErrorTransient, err, component, method, message)
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, message string) error {
	if err == nil {
		return nil
	}
	return newClassified(ErrorInvalid, err, component, method, message)
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, message string) error {
	if err == nil {
		return nil
	}
	return newClassified(ErrorFatal, err, component, method, message)
}

// Is, As and New re-export the standard helpers so callers importing this
// package under the name errors keep them.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }

func New(text string) error { return errors.New(text) }
