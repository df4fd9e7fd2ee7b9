package mocks

import (
	"context"

	"github.com/rpggio/fieldsync/internal/domain/activity"
	"github.com/rpggio/fieldsync/internal/domain/project"
	"github.com/rpggio/fieldsync/internal/domain/report"
	"github.com/stretchr/testify/mock"
)

// ActivityRepository is a mock for activity.Repository.
type ActivityRepository struct {
	mock.Mock
}

func (m *ActivityRepository) Log(ctx context.Context, entry *activity.ActivityEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *ActivityRepository) List(ctx context.Context, opts activity.ListActivityOptions) ([]activity.ActivityEntry, error) {
	args := m.Called(ctx, opts)
	if list, ok := args.Get(0).([]activity.ActivityEntry); ok {
		return list, args.Error(1)
	}
	return nil, args.Error(1)
}

// RemoteSource is a mock for project.RemoteSource.
type RemoteSource struct {
	mock.Mock
}

func (m *RemoteSource) FetchOrgs(ctx context.Context) ([]project.Org, error) {
	args := m.Called(ctx)
	if list, ok := args.Get(0).([]project.Org); ok {
		return list, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *RemoteSource) FetchMembership(ctx context.Context, orgSlug string) (*project.Membership, error) {
	args := m.Called(ctx, orgSlug)
	if mem, ok := args.Get(0).(*project.Membership); ok {
		return mem, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *RemoteSource) FetchProjects(ctx context.Context) ([]project.RawProject, error) {
	args := m.Called(ctx)
	if list, ok := args.Get(0).([]project.RawProject); ok {
		return list, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *RemoteSource) FetchProjectTemplates(ctx context.Context) ([]project.ProjectTemplate, error) {
	args := m.Called(ctx)
	if list, ok := args.Get(0).([]project.ProjectTemplate); ok {
		return list, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *RemoteSource) FetchDevices(ctx context.Context, projectID string) ([]project.Device, error) {
	args := m.Called(ctx, projectID)
	if list, ok := args.Get(0).([]project.Device); ok {
		return list, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *RemoteSource) FetchStreams(ctx context.Context, projectID string) ([]project.Stream, error) {
	args := m.Called(ctx, projectID)
	if list, ok := args.Get(0).([]project.Stream); ok {
		return list, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *RemoteSource) FetchVariables(ctx context.Context, projectID string) ([]project.Variable, error) {
	args := m.Called(ctx, projectID)
	if list, ok := args.Get(0).([]project.Variable); ok {
		return list, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *RemoteSource) FetchVariableTypes(ctx context.Context) ([]project.VarType, error) {
	args := m.Called(ctx)
	if list, ok := args.Get(0).([]project.VarType); ok {
		return list, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *RemoteSource) FetchSensorGraphs(ctx context.Context) ([]project.SensorGraph, error) {
	args := m.Called(ctx)
	if list, ok := args.Get(0).([]project.SensorGraph); ok {
		return list, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *RemoteSource) PatchModel(ctx context.Context, model, slug string, fields map[string]any) error {
	args := m.Called(ctx, model, slug, fields)
	return args.Error(0)
}

// Cloud is a mock for report.Cloud.
type Cloud struct {
	mock.Mock
}

func (m *Cloud) UploadReport(ctx context.Context, upload report.Upload) error {
	args := m.Called(ctx, upload)
	return args.Error(0)
}

func (m *Cloud) FetchAcknowledgements(ctx context.Context, deviceSlug string) ([]report.RemoteAck, error) {
	args := m.Called(ctx, deviceSlug)
	if list, ok := args.Get(0).([]report.RemoteAck); ok {
		return list, args.Error(1)
	}
	return nil, args.Error(1)
}

// DeviceLink is a mock for report.DeviceLink.
type DeviceLink struct {
	mock.Mock
}

func (m *DeviceLink) Slug() string {
	return m.Called().String(0)
}

func (m *DeviceLink) FirmwareVersion() string {
	return m.Called().String(0)
}

func (m *DeviceLink) StreamerStatus(ctx context.Context, index int) (report.StreamerStatus, error) {
	args := m.Called(ctx, index)
	return args.Get(0).(report.StreamerStatus), args.Error(1)
}

func (m *DeviceLink) AcknowledgeStreamer(ctx context.Context, index int, value uint32, force bool) error {
	args := m.Called(ctx, index, value, force)
	return args.Error(0)
}

var (
	_ activity.Repository  = (*ActivityRepository)(nil)
	_ project.RemoteSource = (*RemoteSource)(nil)
	_ report.Cloud         = (*Cloud)(nil)
	_ report.DeviceLink    = (*DeviceLink)(nil)
)
