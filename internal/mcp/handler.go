package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/rpggio/fieldsync/internal/domain/activity"
	"github.com/rpggio/fieldsync/internal/domain/project"
	"github.com/rpggio/fieldsync/internal/domain/report"
	"github.com/rpggio/fieldsync/internal/domain/session"
	"github.com/rpggio/fieldsync/internal/progress"
	"github.com/rpggio/fieldsync/internal/repository"
)

// CacheService defines cloud cache operations needed by MCP.
type CacheService interface {
	SyncCache(ctx context.Context, rep progress.Reporter) (*project.SyncSummary, error)
	SyncProject(ctx context.Context, projectID string, rep progress.Reporter) (*project.SyncSummary, error)
	ProjectList(ctx context.Context) ([]project.OrgMetaData, error)
	SetActiveProject(ctx context.Context, id string) (*project.Project, error)
	GetActiveProject(ctx context.Context) (*project.Project, error)
	UpdateActiveProject(ctx context.Context, overlay *project.Overlay, writeThrough bool) error
	PushActiveOverlay(ctx context.Context) (*project.PushResult, error)
}

// ReportService defines report operations needed by MCP.
type ReportService interface {
	State(ctx context.Context) (report.State, error)
	Reports(ctx context.Context) ([]report.Entry, error)
	UploadAllReports(ctx context.Context, retryErrors bool, rep progress.Reporter) (report.UploadResult, error)
	UploadReportsForDevice(ctx context.Context, deviceSlug string, retryErrors bool, rep progress.Reporter) (report.UploadResult, error)
	RefreshAcknowledgements(ctx context.Context, deviceSlug string) (int, error)
	ClearFinishedReports(ctx context.Context) (int, error)
	ClearErroredReports(ctx context.Context) (int, error)
	ImportReport(ctx context.Context, format report.Format, data []byte) (report.IngestResult, error)
}

// SessionService defines login state operations needed by MCP.
type SessionService interface {
	Login(ctx context.Context, username, token string) (*session.Session, error)
	Logout(ctx context.Context) error
	Current() (session.Session, error)
	IsOnline() bool
}

// ActivityService defines activity operations needed by MCP.
type ActivityService interface {
	GetRecentActivity(ctx context.Context, opts activity.ListActivityOptions) ([]activity.ActivityEntry, error)
}

// Handler dispatches MCP tool calls.
type Handler struct {
	cache    CacheService
	reports  ReportService
	sessions SessionService
	activity ActivityService
}

// NewHandler creates a new MCP handler.
func NewHandler(cache CacheService, reports ReportService, sessions SessionService, activitySvc ActivityService) *Handler {
	return &Handler{
		cache:    cache,
		reports:  reports,
		sessions: sessions,
		activity: activitySvc,
	}
}

// Handle dispatches a tool call to the domain services.
func (h *Handler) Handle(ctx context.Context, method string, params json.RawMessage) (any, error) {
	result, err := h.handle(ctx, method, params)
	if err != nil {
		return nil, mapError(err)
	}
	return result, nil
}

func (h *Handler) handle(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "login":
		var req LoginParams
		if err := decodeParams(params, &req); err != nil {
			return nil, err
		}
		// hook failures are logged by the registry and leave the session open
		if sess, err := h.sessions.Login(ctx, req.Username, req.Token); sess == nil {
			return nil, err
		}
		return h.sessionResponse(), nil
	case "logout":
		if err := h.sessions.Logout(ctx); err != nil {
			return nil, err
		}
		return h.sessionResponse(), nil
	case "sync_cache":
		notifier := progress.NewNotifier(nil)
		summary, err := h.cache.SyncCache(ctx, notifier)
		if err != nil {
			return nil, err
		}
		return SyncResponse{Summary: summary, Progress: notifier.Snapshot()}, nil
	case "sync_project":
		var req SyncProjectParams
		if err := decodeParams(params, &req); err != nil {
			return nil, err
		}
		if req.ProjectID == "" {
			return nil, fmt.Errorf("%w: project_id is required", repository.ErrInvalidArgument)
		}
		notifier := progress.NewNotifier(nil)
		summary, err := h.cache.SyncProject(ctx, req.ProjectID, notifier)
		if err != nil {
			return nil, err
		}
		return SyncResponse{Summary: summary, Progress: notifier.Snapshot()}, nil
	case "list_projects":
		return h.cache.ProjectList(ctx)
	case "set_active_project":
		var req SetActiveProjectParams
		if err := decodeParams(params, &req); err != nil {
			return nil, err
		}
		proj, err := h.cache.SetActiveProject(ctx, req.ProjectID)
		if err != nil {
			return nil, err
		}
		return projectResponse(proj, false), nil
	case "get_active_project":
		var req GetActiveProjectParams
		if err := decodeParams(params, &req); err != nil {
			return nil, err
		}
		proj, err := h.cache.GetActiveProject(ctx)
		if err != nil {
			return nil, err
		}
		if proj == nil {
			return ActiveProjectResponse{}, nil
		}
		return ActiveProjectResponse{Active: true, Project: projectResponse(proj, req.IncludeDevices)}, nil
	case "set_device_label":
		var req SetDeviceLabelParams
		if err := decodeParams(params, &req); err != nil {
			return nil, err
		}
		return h.setDeviceLabel(ctx, req)
	case "push_project_edits":
		return h.cache.PushActiveOverlay(ctx)
	case "report_status":
		state, err := h.reports.State(ctx)
		if err != nil {
			return nil, err
		}
		resp := ReportStatusResponse{State: state, Online: h.sessions.IsOnline()}
		_, err = h.sessions.Current()
		resp.Authenticated = err == nil
		return resp, nil
	case "list_reports":
		var req ListReportsParams
		if err := decodeParams(params, &req); err != nil {
			return nil, err
		}
		entries, err := h.reports.Reports(ctx)
		if err != nil {
			return nil, err
		}
		resp := make([]report.Entry, 0, len(entries))
		for _, e := range entries {
			if req.DeviceSlug != "" && e.DeviceSlug != req.DeviceSlug {
				continue
			}
			if req.OnlyErrors && e.Error == "" {
				continue
			}
			resp = append(resp, e)
		}
		return resp, nil
	case "import_report":
		var req ImportReportParams
		if err := decodeParams(params, &req); err != nil {
			return nil, err
		}
		data, err := base64.StdEncoding.DecodeString(req.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: payload is not base64: %v", repository.ErrInvalidArgument, err)
		}
		if req.Format == "" {
			req.Format = report.FormatSignedList
		}
		return h.reports.ImportReport(ctx, req.Format, data)
	case "upload_reports":
		var req UploadReportsParams
		if err := decodeParams(params, &req); err != nil {
			return nil, err
		}
		notifier := progress.NewNotifier(nil)
		var result report.UploadResult
		var err error
		if req.DeviceSlug != "" {
			result, err = h.reports.UploadReportsForDevice(ctx, req.DeviceSlug, req.RetryErrors, notifier)
		} else {
			result, err = h.reports.UploadAllReports(ctx, req.RetryErrors, notifier)
		}
		if err != nil {
			return nil, err
		}
		return UploadResponse{UploadResult: result, Progress: notifier.Snapshot()}, nil
	case "refresh_acknowledgements":
		var req RefreshAcknowledgementsParams
		if err := decodeParams(params, &req); err != nil {
			return nil, err
		}
		changed, err := h.reports.RefreshAcknowledgements(ctx, req.DeviceSlug)
		if err != nil {
			return nil, err
		}
		return CountResponse{Count: changed}, nil
	case "clear_finished_reports":
		var req ClearFinishedReportsParams
		if err := decodeParams(params, &req); err != nil {
			return nil, err
		}
		removed, err := h.reports.ClearFinishedReports(ctx)
		if err != nil {
			return nil, err
		}
		if req.IncludeErrored {
			errored, err := h.reports.ClearErroredReports(ctx)
			removed += errored
			if err != nil {
				return nil, err
			}
		}
		return CountResponse{Count: removed}, nil
	case "recent_activity":
		if h.activity == nil {
			return nil, fmt.Errorf("%w: activity log is disabled", repository.ErrNotFound)
		}
		var req RecentActivityParams
		if err := decodeParams(params, &req); err != nil {
			return nil, err
		}
		entries, err := h.activity.GetRecentActivity(ctx, activity.ListActivityOptions{
			ProjectID:    req.ProjectID,
			DeviceSlug:   req.DeviceSlug,
			ActivityType: req.Type,
			Limit:        req.Limit,
			Offset:       req.Offset,
		})
		if err != nil {
			return nil, err
		}
		resp := make([]ActivityEntryResponse, 0, len(entries))
		for _, entry := range entries {
			resp = append(resp, ActivityEntryResponse{
				Timestamp:  entry.CreatedAt,
				Type:       entry.ActivityType,
				ProjectID:  entry.ProjectID,
				DeviceSlug: entry.DeviceSlug,
				Summary:    entry.Summary,
				Details:    entry.Details,
			})
		}
		return resp, nil
	default:
		return nil, fmt.Errorf("%w: unknown method %s", repository.ErrInvalidArgument, method)
	}
}

func (h *Handler) setDeviceLabel(ctx context.Context, req SetDeviceLabelParams) (*ProjectResponse, error) {
	proj, err := h.cache.GetActiveProject(ctx)
	if err != nil {
		return nil, err
	}
	if proj == nil {
		return nil, project.ErrNoActiveProject
	}
	device, ok := proj.Devices[req.DeviceSlug]
	if !ok {
		return nil, fmt.Errorf("%w: device %q is not in project %s", repository.ErrInvalidArgument, req.DeviceSlug, proj.ID)
	}
	overlay := project.NewOverlay(project.DeviceLabelDelta(device.Slug, device.Label, req.Label))
	if err := h.cache.UpdateActiveProject(ctx, overlay, false); err != nil {
		return nil, err
	}
	proj, err = h.cache.GetActiveProject(ctx)
	if err != nil {
		return nil, err
	}
	return projectResponse(proj, false), nil
}

func (h *Handler) sessionResponse() SessionResponse {
	resp := SessionResponse{Online: h.sessions.IsOnline()}
	if sess, err := h.sessions.Current(); err == nil {
		resp.Username = sess.Username
		resp.Authenticated = true
		resp.LoggedInAt = sess.LoggedInAt
	}
	return resp
}

// projectResponse summarizes proj as seen with its pending edits applied.
func projectResponse(proj *project.Project, includeDevices bool) *ProjectResponse {
	view := proj.View()
	resp := &ProjectResponse{
		ID:           view.ID,
		Name:         view.Name,
		Slug:         view.Slug,
		Org:          view.Org,
		Template:     view.Template,
		DeviceCount:  view.DeviceCount(),
		StreamCount:  len(view.Streams),
		PendingEdits: proj.Overlay.Len(),
	}
	if proj.Overlay != nil {
		resp.PendingChanges = append(resp.PendingChanges, proj.Overlay.Deltas...)
	}
	if includeDevices {
		for _, d := range view.Devices {
			resp.Devices = append(resp.Devices, d)
		}
		sort.Slice(resp.Devices, func(i, j int) bool { return resp.Devices[i].Slug < resp.Devices[j].Slug })
	}
	return resp
}

func decodeParams(params json.RawMessage, out any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, out); err != nil {
		return fmt.Errorf("%w: %v", repository.ErrInvalidArgument, err)
	}
	return nil
}

func mapError(err error) error {
	if apiErr := MapError(err); apiErr != nil {
		return apiErr
	}
	return err
}
