package mcp

import (
	"time"

	"github.com/rpggio/fieldsync/internal/domain/activity"
	"github.com/rpggio/fieldsync/internal/domain/project"
	"github.com/rpggio/fieldsync/internal/domain/report"
	"github.com/rpggio/fieldsync/internal/progress"
)

type LoginParams struct {
	Username string `json:"username,omitempty"`
	Token    string `json:"token"`
}

type SyncProjectParams struct {
	ProjectID string `json:"project_id"`
}

type SetActiveProjectParams struct {
	ProjectID string `json:"project_id"`
}

type GetActiveProjectParams struct {
	IncludeDevices bool `json:"include_devices,omitempty"`
}

type SetDeviceLabelParams struct {
	DeviceSlug string `json:"device_slug"`
	Label      string `json:"label"`
}

type ListReportsParams struct {
	DeviceSlug string `json:"device_slug,omitempty"`
	OnlyErrors bool   `json:"only_errors,omitempty"`
}

type ImportReportParams struct {
	Format  report.Format `json:"format,omitempty"`
	Payload string        `json:"payload"`
}

type UploadReportsParams struct {
	DeviceSlug  string `json:"device_slug,omitempty"`
	RetryErrors bool   `json:"retry_errors,omitempty"`
}

type RefreshAcknowledgementsParams struct {
	DeviceSlug string `json:"device_slug,omitempty"`
}

type ClearFinishedReportsParams struct {
	IncludeErrored bool `json:"include_errored,omitempty"`
}

type RecentActivityParams struct {
	ProjectID  string                 `json:"project_id,omitempty"`
	DeviceSlug string                 `json:"device_slug,omitempty"`
	Type       *activity.ActivityType `json:"type,omitempty"`
	Limit      int                    `json:"limit,omitempty"`
	Offset     int                    `json:"offset,omitempty"`
}

type SessionResponse struct {
	Username      string    `json:"username,omitempty"`
	Authenticated bool      `json:"authenticated"`
	Online        bool      `json:"online"`
	LoggedInAt    time.Time `json:"logged_in_at,omitzero"`
}

type SyncResponse struct {
	Summary  *project.SyncSummary `json:"summary,omitempty"`
	Progress progress.Snapshot    `json:"progress"`
}

type ProjectResponse struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	Slug           string           `json:"slug"`
	Org            string           `json:"org"`
	Template       string           `json:"project_template,omitempty"`
	DeviceCount    int              `json:"device_count"`
	StreamCount    int              `json:"stream_count"`
	PendingEdits   int              `json:"pending_edits"`
	Devices        []project.Device `json:"devices,omitempty"`
	PendingChanges []project.Delta  `json:"pending_changes,omitempty"`
}

type ActiveProjectResponse struct {
	Active  bool             `json:"active"`
	Project *ProjectResponse `json:"project,omitempty"`
}

type ReportStatusResponse struct {
	report.State
	Online        bool `json:"online"`
	Authenticated bool `json:"authenticated"`
}

type UploadResponse struct {
	report.UploadResult
	Progress progress.Snapshot `json:"progress"`
}

type CountResponse struct {
	Count int `json:"count"`
}

type ActivityEntryResponse struct {
	Timestamp  time.Time             `json:"timestamp"`
	Type       activity.ActivityType `json:"type"`
	ProjectID  string                `json:"project_id,omitempty"`
	DeviceSlug string                `json:"device_slug,omitempty"`
	Summary    string                `json:"summary"`
	Details    string                `json:"details,omitempty"`
}
