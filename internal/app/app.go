// Package app assembles the services and the hooks that tie them together.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rpggio/fieldsync/internal/clock"
	"github.com/rpggio/fieldsync/internal/domain/activity"
	"github.com/rpggio/fieldsync/internal/domain/project"
	"github.com/rpggio/fieldsync/internal/domain/report"
	"github.com/rpggio/fieldsync/internal/domain/session"
	"github.com/rpggio/fieldsync/internal/mcp"
	"github.com/rpggio/fieldsync/internal/storage"
)

// Remote is the cloud as seen by the services.
type Remote interface {
	project.RemoteSource
	report.Cloud
}

// Options configures App. Remote and Activities are optional: without a
// remote the app works offline, without a repository nothing is logged.
type Options struct {
	Store          storage.FileSystem
	Remote         Remote
	Activities     activity.Repository
	Sessions       *session.Registry
	Keys           report.KeyProvider
	Clock          clock.Clock
	Logger         *slog.Logger
	PollInterval   time.Duration
	GlobalRefresh  time.Duration
	IgnoredDevices []string
}

// App holds the wired services.
type App struct {
	Sessions *session.Registry
	Cache    *project.CacheService
	Reports  *report.Service
	Activity *activity.Service

	logger *slog.Logger
}

// New builds the services, restores saved reports and registers the
// session hooks. The report queue lives as long as ctx.
func New(ctx context.Context, opts Options) (*App, error) {
	if opts.Store == nil {
		return nil, errors.New("app: store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	sessions := opts.Sessions
	if sessions == nil {
		sessions = session.NewRegistry(nil, logger)
	}

	a := &App{Sessions: sessions, logger: logger}

	// typed nils must not reach the services' interface fields
	var cacheActs project.ActivityRepository
	var reportActs report.ActivityRepository
	if opts.Activities != nil {
		a.Activity = activity.NewService(opts.Activities, logger.With("service", "activity"))
		cacheActs = a.Activity
		reportActs = a.Activity
	}
	var remote project.RemoteSource
	var cloud report.Cloud
	if opts.Remote != nil {
		remote = opts.Remote
		cloud = opts.Remote
	}

	a.Cache = project.NewCacheService(project.CacheOptions{
		Store:      opts.Store,
		Remote:     remote,
		Activities: cacheActs,
		Logger:     logger.With("service", "cache"),
	})
	a.Reports = report.NewService(ctx, report.Options{
		Store:         opts.Store,
		Cloud:         cloud,
		Status:        sessions,
		Keys:          opts.Keys,
		Clock:         opts.Clock,
		Activities:    reportActs,
		Logger:        logger.With("service", "reports"),
		PollInterval:  opts.PollInterval,
		GlobalRefresh: opts.GlobalRefresh,
	})
	for _, slug := range opts.IgnoredDevices {
		a.Reports.IgnoreDevice(slug)
	}

	loaded, err := a.Reports.LoadSavedReports(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading saved reports: %w", err)
	}
	logger.Info("reports restored", "count", loaded)

	a.registerHooks()
	return a, nil
}

func (a *App) registerHooks() {
	a.Sessions.OnLogin("reports.reset_acknowledgements", func(_ context.Context, _ session.Session) error {
		a.Reports.ResetGlobalAcknowledgements()
		return nil
	})
	a.Sessions.OnLogout("cache.clear", func(ctx context.Context) error {
		return a.Cache.ClearCache(ctx)
	})
	a.Sessions.OnLogout("reports.delete_all", func(ctx context.Context) error {
		return a.Reports.DeleteAllReports(ctx)
	})
	a.Sessions.OnDeviceConnect("reports.acknowledge", func(ctx context.Context, link report.DeviceLink) error {
		return a.Reports.AcknowledgeReportsToDevice(ctx, link)
	})
}

// Run runs the acknowledgement loop until ctx is done.
func (a *App) Run(ctx context.Context) error {
	return a.Reports.Run(ctx)
}

// MCPServices exposes the services to the MCP tool handler.
func (a *App) MCPServices() mcp.Services {
	services := mcp.Services{
		Cache:    a.Cache,
		Reports:  a.Reports,
		Sessions: a.Sessions,
	}
	if a.Activity != nil {
		services.Activity = a.Activity
	}
	return services
}
