package session

import "errors"

var (
	// ErrInvalidInput indicates invalid login input.
	ErrInvalidInput = errors.New("invalid session input")
	// ErrNotAuthenticated indicates no user is logged in.
	ErrNotAuthenticated = errors.New("not authenticated")
)
