package activity

import "time"

// ActivityType represents the type of activity event
type ActivityType string

const (
	TypeCacheSynced          ActivityType = "cache_synced"
	TypeProjectSynced        ActivityType = "project_synced"
	TypeCacheCleared         ActivityType = "cache_cleared"
	TypeActiveProjectChanged ActivityType = "active_project_changed"
	TypeOverlayUpdated       ActivityType = "overlay_updated"
	TypeOverlayPushed        ActivityType = "overlay_pushed"
	TypeReportReceived       ActivityType = "report_received"
	TypeReportDropped        ActivityType = "report_dropped"
	TypeReportsUploaded      ActivityType = "reports_uploaded"
	TypeAcksUpdated          ActivityType = "acks_updated"
	TypeReportsCleared       ActivityType = "reports_cleared"
)

// ActivityEntry represents an event in the activity log
type ActivityEntry struct {
	ID           int64        `json:"id"`
	ProjectID    string       `json:"project_id,omitempty"`
	DeviceSlug   string       `json:"device_slug,omitempty"`
	ActivityType ActivityType `json:"type"`
	Summary      string       `json:"summary"`
	Details      string       `json:"details,omitempty"` // JSON string
	CreatedAt    time.Time    `json:"created_at"`
}
