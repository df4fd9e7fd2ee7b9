package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rpggio/fieldsync/internal/domain/activity"
	"github.com/rpggio/fieldsync/internal/domain/project"
	"github.com/rpggio/fieldsync/internal/domain/report"
	"github.com/rpggio/fieldsync/internal/domain/session"
	"github.com/rpggio/fieldsync/internal/progress"
	"github.com/rpggio/fieldsync/internal/repository"
	"github.com/stretchr/testify/require"
)

type cacheStub struct {
	active  *project.Project
	updated *project.Overlay
	syncErr error
}

func (c *cacheStub) SyncCache(_ context.Context, rep progress.Reporter) (*project.SyncSummary, error) {
	rep.AddWarning("device d--0000-0000-0000-0002 skipped")
	if c.syncErr != nil {
		return nil, c.syncErr
	}
	return &project.SyncSummary{Serial: "serial-1", Orgs: 1, Projects: 1}, nil
}

func (c *cacheStub) SyncProject(_ context.Context, id string, _ progress.Reporter) (*project.SyncSummary, error) {
	return &project.SyncSummary{Serial: "serial-1", ActiveProjectID: id}, nil
}

func (c *cacheStub) ProjectList(context.Context) ([]project.OrgMetaData, error) {
	return []project.OrgMetaData{{Slug: "arch", Projects: []project.ProjectRef{{ID: "proj-1", Name: "Water Meters"}}}}, nil
}

func (c *cacheStub) SetActiveProject(_ context.Context, id string) (*project.Project, error) {
	if id != "proj-1" {
		return nil, project.ErrProjectNotFound
	}
	c.active = &project.Project{ID: id, Name: "Water Meters", Devices: map[string]project.Device{
		"d--0000-0000-0000-0001": {Slug: "d--0000-0000-0000-0001", Label: "Meter 1"},
	}}
	return c.active.Clone(), nil
}

func (c *cacheStub) GetActiveProject(context.Context) (*project.Project, error) {
	return c.active.Clone(), nil
}

func (c *cacheStub) UpdateActiveProject(_ context.Context, overlay *project.Overlay, _ bool) error {
	if c.active == nil {
		return project.ErrNoActiveProject
	}
	c.updated = overlay
	if c.active.Overlay == nil {
		c.active.Overlay = project.NewOverlay()
	}
	c.active.Overlay.Merge(overlay)
	return nil
}

func (c *cacheStub) PushActiveOverlay(context.Context) (*project.PushResult, error) {
	return nil, &repository.BatchError{Op: "pushing overlay", Errors: []error{errors.New("label rejected")}}
}

type reportStub struct {
	entries  []report.Entry
	imported []byte
	cleared  []string
}

func (r *reportStub) State(context.Context) (report.State, error) {
	return report.State{Total: len(r.entries), ToUpload: 1}, nil
}

func (r *reportStub) Reports(context.Context) ([]report.Entry, error) {
	return r.entries, nil
}

func (r *reportStub) UploadAllReports(_ context.Context, retryErrors bool, _ progress.Reporter) (report.UploadResult, error) {
	if retryErrors {
		return report.UploadResult{NumberSuccessful: 2}, nil
	}
	return report.UploadResult{NumberSuccessful: 1}, nil
}

func (r *reportStub) UploadReportsForDevice(_ context.Context, slug string, _ bool, _ progress.Reporter) (report.UploadResult, error) {
	return report.UploadResult{NumberFailed: 1}, nil
}

func (r *reportStub) RefreshAcknowledgements(_ context.Context, slug string) (int, error) {
	return 3, nil
}

func (r *reportStub) ClearFinishedReports(context.Context) (int, error) {
	r.cleared = append(r.cleared, "finished")
	return 2, nil
}

func (r *reportStub) ClearErroredReports(context.Context) (int, error) {
	r.cleared = append(r.cleared, "errored")
	return 1, nil
}

func (r *reportStub) ImportReport(_ context.Context, format report.Format, data []byte) (report.IngestResult, error) {
	if format != report.FormatSignedList {
		return report.IngestResult{}, report.ErrMalformedReport
	}
	r.imported = data
	return report.IngestResult{Key: "key-1"}, nil
}

type sessionStub struct {
	current *session.Session
}

func (s *sessionStub) Login(_ context.Context, username, token string) (*session.Session, error) {
	if token == "" {
		return nil, session.ErrInvalidInput
	}
	s.current = &session.Session{Username: username, Token: token, LoggedInAt: time.Now()}
	// a failing hook still leaves the user logged in
	return s.current, errors.New("reports.reset_acknowledgements: boom")
}

func (s *sessionStub) Logout(context.Context) error {
	s.current = nil
	return nil
}

func (s *sessionStub) Current() (session.Session, error) {
	if s.current == nil {
		return session.Session{}, session.ErrNotAuthenticated
	}
	return *s.current, nil
}

func (s *sessionStub) IsOnline() bool { return true }

type activityStub struct {
	listFn func(context.Context, activity.ListActivityOptions) ([]activity.ActivityEntry, error)
}

func (a activityStub) GetRecentActivity(ctx context.Context, opts activity.ListActivityOptions) ([]activity.ActivityEntry, error) {
	return a.listFn(ctx, opts)
}

func newTestHandler() (*Handler, *cacheStub, *reportStub, *sessionStub) {
	cache := &cacheStub{}
	reports := &reportStub{entries: []report.Entry{
		{Key: "a", DeviceSlug: "d--0000-0000-0000-0001"},
		{Key: "b", DeviceSlug: "d--0000-0000-0000-0002", Error: "refused"},
	}}
	sessions := &sessionStub{}
	activitySvc := activityStub{listFn: func(_ context.Context, opts activity.ListActivityOptions) ([]activity.ActivityEntry, error) {
		return []activity.ActivityEntry{{ProjectID: opts.ProjectID, ActivityType: activity.TypeCacheSynced, Summary: "synced"}}, nil
	}}
	return NewHandler(cache, reports, sessions, activitySvc), cache, reports, sessions
}

func TestHandler_SessionCommands(t *testing.T) {
	ctx := context.Background()
	handler, _, _, sessions := newTestHandler()

	result, err := handler.Handle(ctx, "login", mustJSON(t, LoginParams{Username: "tech", Token: "t"}))
	require.NoError(t, err)
	resp := result.(SessionResponse)
	require.True(t, resp.Authenticated)
	require.Equal(t, "tech", resp.Username)
	require.NotNil(t, sessions.current)

	_, err = handler.Handle(ctx, "login", mustJSON(t, LoginParams{}))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "INVALID_ARGUMENT", apiErr.Code)

	result, err = handler.Handle(ctx, "logout", nil)
	require.NoError(t, err)
	require.False(t, result.(SessionResponse).Authenticated)
}

func TestHandler_CacheCommands(t *testing.T) {
	ctx := context.Background()
	handler, cache, _, _ := newTestHandler()

	result, err := handler.Handle(ctx, "sync_cache", nil)
	require.NoError(t, err)
	sync := result.(SyncResponse)
	require.Equal(t, "serial-1", sync.Summary.Serial)
	require.Equal(t, []string{"device d--0000-0000-0000-0002 skipped"}, sync.Progress.Warnings)

	_, err = handler.Handle(ctx, "sync_project", mustJSON(t, SyncProjectParams{}))
	require.Error(t, err)

	_, err = handler.Handle(ctx, "list_projects", nil)
	require.NoError(t, err)

	result, err = handler.Handle(ctx, "get_active_project", nil)
	require.NoError(t, err)
	require.False(t, result.(ActiveProjectResponse).Active)

	_, err = handler.Handle(ctx, "set_device_label", mustJSON(t, SetDeviceLabelParams{DeviceSlug: "d--0000-0000-0000-0001", Label: "Kitchen"}))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "NO_ACTIVE_PROJECT", apiErr.Code)

	_, err = handler.Handle(ctx, "set_active_project", mustJSON(t, SetActiveProjectParams{ProjectID: "proj-1"}))
	require.NoError(t, err)

	result, err = handler.Handle(ctx, "set_device_label", mustJSON(t, SetDeviceLabelParams{DeviceSlug: "d--0000-0000-0000-0001", Label: "Kitchen"}))
	require.NoError(t, err)
	require.Equal(t, 1, result.(*ProjectResponse).PendingEdits)
	require.Equal(t, 1, cache.updated.Len())

	result, err = handler.Handle(ctx, "get_active_project", mustJSON(t, GetActiveProjectParams{IncludeDevices: true}))
	require.NoError(t, err)
	active := result.(ActiveProjectResponse)
	require.True(t, active.Active)
	require.Len(t, active.Project.Devices, 1)
	require.Equal(t, "Kitchen", active.Project.Devices[0].Label)

	_, err = handler.Handle(ctx, "set_device_label", mustJSON(t, SetDeviceLabelParams{DeviceSlug: "d--ffff-0000-0000-0001", Label: "x"}))
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "INVALID_ARGUMENT", apiErr.Code)

	_, err = handler.Handle(ctx, "push_project_edits", nil)
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "PARTIAL_FAILURE", apiErr.Code)
	require.Equal(t, []string{"label rejected"}, apiErr.Details)
}

func TestHandler_ReportCommands(t *testing.T) {
	ctx := context.Background()
	handler, _, reports, _ := newTestHandler()

	result, err := handler.Handle(ctx, "report_status", nil)
	require.NoError(t, err)
	status := result.(ReportStatusResponse)
	require.Equal(t, 2, status.Total)
	require.True(t, status.Online)
	require.False(t, status.Authenticated)

	result, err = handler.Handle(ctx, "list_reports", mustJSON(t, ListReportsParams{OnlyErrors: true}))
	require.NoError(t, err)
	require.Len(t, result.([]report.Entry), 1)

	result, err = handler.Handle(ctx, "list_reports", mustJSON(t, ListReportsParams{DeviceSlug: "d--0000-0000-0000-0001"}))
	require.NoError(t, err)
	require.Equal(t, "a", result.([]report.Entry)[0].Key)

	result, err = handler.Handle(ctx, "upload_reports", mustJSON(t, UploadReportsParams{RetryErrors: true}))
	require.NoError(t, err)
	require.Equal(t, 2, result.(UploadResponse).NumberSuccessful)

	result, err = handler.Handle(ctx, "upload_reports", mustJSON(t, UploadReportsParams{DeviceSlug: "d--0000-0000-0000-0001"}))
	require.NoError(t, err)
	require.Equal(t, 1, result.(UploadResponse).NumberFailed)

	result, err = handler.Handle(ctx, "refresh_acknowledgements", nil)
	require.NoError(t, err)
	require.Equal(t, CountResponse{Count: 3}, result)

	result, err = handler.Handle(ctx, "clear_finished_reports", mustJSON(t, ClearFinishedReportsParams{IncludeErrored: true}))
	require.NoError(t, err)
	require.Equal(t, CountResponse{Count: 3}, result)
	require.Equal(t, []string{"finished", "errored"}, reports.cleared)

	payload := []byte{0x02, 0x01}
	result, err = handler.Handle(ctx, "import_report", mustJSON(t, ImportReportParams{Payload: base64.StdEncoding.EncodeToString(payload)}))
	require.NoError(t, err)
	require.Equal(t, "key-1", result.(report.IngestResult).Key)
	require.Equal(t, payload, reports.imported)

	_, err = handler.Handle(ctx, "import_report", mustJSON(t, ImportReportParams{Payload: "%%%"}))
	require.ErrorIs(t, err, repository.ErrInvalidArgument)
}

func TestHandler_RecentActivity(t *testing.T) {
	ctx := context.Background()
	handler, _, _, _ := newTestHandler()

	result, err := handler.Handle(ctx, "recent_activity", mustJSON(t, RecentActivityParams{ProjectID: "proj-1"}))
	require.NoError(t, err)
	entries := result.([]ActivityEntryResponse)
	require.Len(t, entries, 1)
	require.Equal(t, "proj-1", entries[0].ProjectID)

	noLog := NewHandler(&cacheStub{}, &reportStub{}, &sessionStub{}, nil)
	_, err = noLog.Handle(ctx, "recent_activity", nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "NOT_FOUND", apiErr.Code)
}

func TestHandler_UnknownMethod(t *testing.T) {
	handler, _, _, _ := newTestHandler()
	_, err := handler.Handle(context.Background(), "create_record", nil)
	require.ErrorIs(t, err, repository.ErrInvalidArgument)

	_, err = handler.Handle(context.Background(), "sync_project", json.RawMessage(`{"project_id": 5}`))
	require.ErrorIs(t, err, repository.ErrInvalidArgument)
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
