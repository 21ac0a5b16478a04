// Package apperrors defines the error taxonomy shared by the ingestion pipeline.
//
// Every failure the pipeline can produce falls into one Class:
//   - ClassInvalid: malformed input or a feature schema mismatch. Never retried.
//   - ClassNotFound: a legitimate negative lookup result (unknown machine).
//   - ClassTransient: reference store, outbox store or broker trouble, including timeouts.
//   - ClassFatal: missing or corrupt artifacts. Startup refuses to continue.
//
// Only ClassFatal is allowed to escape the ingestion loop.
package apperrors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Class classifies an error for handling purposes.
type Class int

const (
	ClassUnknown Class = iota
	ClassInvalid
	ClassNotFound
	ClassTransient
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassInvalid:
		return "invalid"
	case ClassNotFound:
		return "not_found"
	case ClassTransient:
		return "transient"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

var (
	// ErrNotFound is returned when the reference store has no row for a machine.
	ErrNotFound = errors.New("not found")

	// ErrModelNotLoaded is wrapped into a FatalConfigurationError by the classifier adapter.
	ErrModelNotLoaded = errors.New("model not loaded")
)

// ValidationError reports malformed, missing or non-finite input.
type ValidationError struct {
	Fields []string
	Reason string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s [%s]", e.Reason, strings.Join(e.Fields, ", "))
}

// Validation builds a ValidationError naming the offending fields.
func Validation(reason string, fields ...string) error {
	return &ValidationError{Fields: fields, Reason: reason}
}

// SchemaError reports a divergence between the computed features and the frozen feature order.
type SchemaError struct {
	Expected []string
	Actual   []string
	Reason   string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("feature schema mismatch: %s (expected %d features, got %d)",
		e.Reason, len(e.Expected), len(e.Actual))
}

// RepositoryError wraps a reference store failure.
type RepositoryError struct {
	Op  string
	Err error
}

func (e *RepositoryError) Error() string {
	return fmt.Sprintf("repository %s: %v", e.Op, e.Err)
}

func (e *RepositoryError) Unwrap() error { return e.Err }

// StorageError wraps an outbox store failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// FatalConfigurationError reports a deployment defect: an artifact is missing or unusable.
type FatalConfigurationError struct {
	Artifact string
	Err      error
}

func (e *FatalConfigurationError) Error() string {
	return fmt.Sprintf("fatal configuration (%s): %v", e.Artifact, e.Err)
}

func (e *FatalConfigurationError) Unwrap() error { return e.Err }

// Repository wraps err as a RepositoryError. nil stays nil.
func Repository(op string, err error) error {
	if err == nil {
		return nil
	}
	return &RepositoryError{Op: op, Err: err}
}

// Storage wraps err as a StorageError. nil stays nil.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// Fatal wraps err as a FatalConfigurationError. nil stays nil.
func Fatal(artifact string, err error) error {
	if err == nil {
		return nil
	}
	return &FatalConfigurationError{Artifact: artifact, Err: err}
}

// ClassOf returns the handling class of err.
func ClassOf(err error) Class {
	if err == nil {
		return ClassUnknown
	}

	var (
		fatal  *FatalConfigurationError
		valErr *ValidationError
		schErr *SchemaError
		repErr *RepositoryError
		stoErr *StorageError
	)

	switch {
	case errors.As(err, &fatal):
		return ClassFatal
	case errors.As(err, &valErr), errors.As(err, &schErr):
		return ClassInvalid
	case errors.Is(err, ErrNotFound):
		return ClassNotFound
	case errors.As(err, &repErr), errors.As(err, &stoErr),
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ClassTransient
	default:
		return ClassUnknown
	}
}

func IsValidation(err error) bool {
	var valErr *ValidationError
	return errors.As(err, &valErr)
}

func IsSchema(err error) bool {
	var schErr *SchemaError
	return errors.As(err, &schErr)
}

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func IsTransient(err error) bool { return ClassOf(err) == ClassTransient }

func IsFatal(err error) bool { return ClassOf(err) == ClassFatal }
