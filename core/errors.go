package core

import (
	"errors"
	"fmt"
)

// Codec and storage errors.
var (
	// ErrShortBuffer is returned when a buffer is smaller than the fixed record size.
	ErrShortBuffer = errors.New("buffer shorter than record size")
	// ErrCorruptSnapshot is returned when snapshot.bin ends inside a record.
	ErrCorruptSnapshot = errors.New("corrupt snapshot")
	// ErrWriterLocked is returned when another writer already owns the data directory.
	ErrWriterLocked = errors.New("data directory is locked by another writer")
	// ErrClosed is returned by operations on a closed component.
	ErrClosed = errors.New("closed")
)

// Writer queue errors.
var (
	// ErrQueueFull means the record was not handed to the disk writer. The
	// in-memory effect has already been applied and will not be persisted.
	ErrQueueFull = errors.New("persist queue full: record not queued")
	// ErrQueueClosed means the queue no longer accepts records.
	ErrQueueClosed = errors.New("persist queue closed")
)

// Business outcomes. These are results, not failures of the engine.
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrUsernameTaken      = errors.New("username taken")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// ValidationError is a custom error type for validation failures.
type ValidationError struct {
	Message string
	Field   string // e.g., "username", "amount", "symbol_id"
	Value   string // The invalid value
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for %s '%s': %s", e.Field, e.Value, e.Message)
}

// IsValidationError checks if an error is a ValidationError.
func IsValidationError(err error) bool {
	var validationError *ValidationError
	return errors.As(err, &validationError)
}

// CorruptionError describes persisted data that cannot be recovered from.
type CorruptionError struct {
	File   string
	Offset int64
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corruption in %s at offset %d: %s", e.File, e.Offset, e.Reason)
}

// IsCorruptionError checks if an error is a CorruptionError.
func IsCorruptionError(err error) bool {
	var corruptionError *CorruptionError
	return errors.As(err, &corruptionError)
}
