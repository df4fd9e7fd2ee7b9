package project

import (
	"context"

	"github.com/rpggio/fieldsync/internal/domain/activity"
)

// RemoteSource fetches the cloud dataset. Collection fetches taking a
// projectID return everything when it is empty.
type RemoteSource interface {
	FetchOrgs(ctx context.Context) ([]Org, error)
	FetchMembership(ctx context.Context, orgSlug string) (*Membership, error)
	FetchProjects(ctx context.Context) ([]RawProject, error)
	FetchProjectTemplates(ctx context.Context) ([]ProjectTemplate, error)
	FetchDevices(ctx context.Context, projectID string) ([]Device, error)
	FetchStreams(ctx context.Context, projectID string) ([]Stream, error)
	FetchVariables(ctx context.Context, projectID string) ([]Variable, error)
	FetchVariableTypes(ctx context.Context) ([]VarType, error)
	FetchSensorGraphs(ctx context.Context) ([]SensorGraph, error)
	PatchModel(ctx context.Context, model, slug string, fields map[string]any) error
}

// ActivityRepository records cache events.
type ActivityRepository interface {
	Log(ctx context.Context, entry *activity.ActivityEntry) error
}
