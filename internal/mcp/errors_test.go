package mcp_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/rpggio/fieldsync/internal/cloud"
	"github.com/rpggio/fieldsync/internal/domain/project"
	"github.com/rpggio/fieldsync/internal/domain/report"
	"github.com/rpggio/fieldsync/internal/domain/session"
	"github.com/rpggio/fieldsync/internal/mcp"
	"github.com/rpggio/fieldsync/internal/repository"
	"github.com/stretchr/testify/require"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"no active project", project.ErrNoActiveProject, "NO_ACTIVE_PROJECT"},
		{"project not found", fmt.Errorf("%w: %q", project.ErrProjectNotFound, "proj-9"), "PROJECT_NOT_FOUND"},
		{"no remote", project.ErrNoRemote, "OFFLINE_MODE"},
		{"no cloud", report.ErrNoCloud, "OFFLINE_MODE"},
		{"logged out", session.ErrNotAuthenticated, "NOT_AUTHENTICATED"},
		{"cloud 401", fmt.Errorf("fetching orgs: %w", &cloud.HTTPError{StatusCode: http.StatusUnauthorized}), "NOT_AUTHENTICATED"},
		{"report not found", report.ErrReportNotFound, "REPORT_NOT_FOUND"},
		{"stale", repository.ErrDataStale, "CACHE_INVALID"},
		{"corrupted", repository.ErrDataCorrupted, "CACHE_INVALID"},
		{"malformed report", report.ErrMalformedReport, "INVALID_ARGUMENT"},
		{"empty token", session.ErrInvalidInput, "INVALID_ARGUMENT"},
		{"not found", repository.ErrNotFound, "NOT_FOUND"},
		{"batch", &repository.BatchError{Op: "pushing edits", Errors: []error{repository.ErrNotFound}}, "PARTIAL_FAILURE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apiErr := mcp.MapError(tt.err)
			require.NotNil(t, apiErr)
			require.Equal(t, tt.code, apiErr.Code)
			require.ErrorIs(t, apiErr, tt.err)
		})
	}
}

func TestMapError_Passthrough(t *testing.T) {
	require.Nil(t, mcp.MapError(nil))
	require.Nil(t, mcp.MapError(errors.New("boom")))

	apiErr := &mcp.APIError{Code: "INVALID_ARGUMENT", Message: "bad"}
	require.Same(t, apiErr, mcp.MapError(fmt.Errorf("wrapped: %w", apiErr)))
}

func TestMapError_BatchDetails(t *testing.T) {
	err := &repository.BatchError{Op: "checking acknowledgements", Errors: []error{
		errors.New("device a"),
		errors.New("device b"),
	}}
	apiErr := mcp.MapError(err)
	require.Equal(t, "checking acknowledgements", apiErr.Message)
	require.Equal(t, []string{"device a", "device b"}, apiErr.Details)
}
