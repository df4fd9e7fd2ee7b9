package mcp

import (
	"errors"
	"fmt"

	"github.com/rpggio/fieldsync/internal/cloud"
	"github.com/rpggio/fieldsync/internal/domain/project"
	"github.com/rpggio/fieldsync/internal/domain/report"
	"github.com/rpggio/fieldsync/internal/domain/session"
	"github.com/rpggio/fieldsync/internal/repository"
)

// APIError represents an MCP error response.
type APIError struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	Details      any    `json:"details,omitempty"`
	RecoveryHint string `json:"recovery_hint,omitempty"`

	cause error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.cause
}

// MapError maps domain errors to MCP error codes. Unknown errors map to nil.
func MapError(err error) *APIError {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	apiErr = mapDomainError(err)
	if apiErr != nil {
		apiErr.cause = err
	}
	return apiErr
}

func mapDomainError(err error) *APIError {
	var batch *repository.BatchError
	if errors.As(err, &batch) {
		return &APIError{Code: "PARTIAL_FAILURE", Message: batch.Op, Details: batchMessages(batch)}
	}
	switch {
	case errors.Is(err, project.ErrNoActiveProject):
		return &APIError{Code: "NO_ACTIVE_PROJECT", Message: "no active project", RecoveryHint: "Call set_active_project first"}
	case errors.Is(err, project.ErrProjectNotFound):
		return &APIError{Code: "PROJECT_NOT_FOUND", Message: err.Error(), RecoveryHint: "Call sync_cache, then list_projects"}
	case errors.Is(err, project.ErrNoRemote), errors.Is(err, report.ErrNoCloud):
		return &APIError{Code: "OFFLINE_MODE", Message: "no cloud connection configured"}
	case errors.Is(err, session.ErrNotAuthenticated), cloud.IsUnauthorized(err):
		return &APIError{Code: "NOT_AUTHENTICATED", Message: "not logged in to the cloud", RecoveryHint: "Call login with a valid token"}
	case errors.Is(err, report.ErrReportNotFound):
		return &APIError{Code: "REPORT_NOT_FOUND", Message: err.Error()}
	case errors.Is(err, repository.ErrDataStale), errors.Is(err, repository.ErrDataCorrupted):
		return &APIError{Code: "CACHE_INVALID", Message: err.Error(), RecoveryHint: "Call sync_cache to rebuild the cache"}
	case errors.Is(err, repository.ErrInvalidArgument), errors.Is(err, session.ErrInvalidInput):
		return &APIError{Code: "INVALID_ARGUMENT", Message: err.Error()}
	case errors.Is(err, repository.ErrNotFound):
		return &APIError{Code: "NOT_FOUND", Message: err.Error()}
	default:
		return nil
	}
}

func batchMessages(batch *repository.BatchError) []string {
	msgs := make([]string, 0, len(batch.Errors))
	for _, err := range batch.Errors {
		msgs = append(msgs, err.Error())
	}
	return msgs
}
