package repository

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a requested file, directory or entity doesn't exist
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument is returned when a caller passes an unknown id, slug or malformed value
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrDataCorrupted is returned when persisted data is structurally unusable or a
	// required in-memory precondition does not hold
	ErrDataCorrupted = errors.New("data corrupted")

	// ErrDataStale is returned when a persisted envelope has an unexpected version or serial
	ErrDataStale = errors.New("data stale")
)

// BatchError collects the individual failures of a bulk operation.
type BatchError struct {
	Op     string
	Errors []error
}

func (e *BatchError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("%s: %d failures: %s", e.Op, len(e.Errors), strings.Join(msgs, "; "))
}

func (e *BatchError) Unwrap() []error {
	return e.Errors
}
