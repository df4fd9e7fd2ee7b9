package project

import (
	"errors"
	"fmt"

	"github.com/rpggio/fieldsync/internal/repository"
)

var (
	// ErrProjectNotFound indicates the project is not in the org index.
	ErrProjectNotFound = fmt.Errorf("project not found: %w", repository.ErrInvalidArgument)
	// ErrNoActiveProject indicates an operation needs an active project.
	ErrNoActiveProject = fmt.Errorf("no active project: %w", repository.ErrDataCorrupted)
	// ErrUnknownDelta indicates a delta kind the overlay does not know.
	ErrUnknownDelta = fmt.Errorf("unknown delta kind: %w", repository.ErrInvalidArgument)
	// ErrNoRemote indicates the service was built without a remote source.
	ErrNoRemote = errors.New("no remote source configured")
)
