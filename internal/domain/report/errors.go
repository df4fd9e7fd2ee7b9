package report

import (
	"errors"
	"fmt"

	"github.com/rpggio/fieldsync/internal/repository"
)

var (
	// ErrDuplicateKey indicates a report with the same key is already cached.
	ErrDuplicateKey = fmt.Errorf("duplicate report key: %w", repository.ErrInvalidArgument)
	// ErrReportNotFound indicates the report key is unknown.
	ErrReportNotFound = fmt.Errorf("report not found: %w", repository.ErrNotFound)
	// ErrMalformedReport indicates a payload that cannot be parsed.
	ErrMalformedReport = fmt.Errorf("malformed report: %w", repository.ErrInvalidArgument)
	// ErrNoCloud indicates the service was built without a cloud client.
	ErrNoCloud = errors.New("no cloud client configured")
)
