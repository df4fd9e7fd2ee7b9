package project

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rpggio/fieldsync/internal/domain/activity"
	"github.com/rpggio/fieldsync/internal/progress"
	"github.com/rpggio/fieldsync/internal/repository"
)

// remoteData is one fetch of the cloud dataset.
type remoteData struct {
	orgs        []Org
	memberships map[string]*Membership
	projects    []RawProject
	templates   []ProjectTemplate
	devices     []Device
	streams     []Stream
	variables   []Variable
	varTypes    []VarType
	graphs      []SensorGraph
}

// fetch loads everything in parallel. projectID narrows devices, streams
// and variables to one project. The first failure cancels the rest and is
// the only error returned.
func (s *CacheService) fetch(ctx context.Context, projectID string, rep progress.Reporter) (*remoteData, error) {
	if s.remote == nil {
		return nil, ErrNoRemote
	}
	step := rep.StartOne("Fetching cloud data", 8)
	data := &remoteData{memberships: map[string]*Membership{}}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		orgs, err := s.remote.FetchOrgs(gctx)
		if err != nil {
			return fmt.Errorf("fetching orgs: %w", err)
		}
		data.orgs = orgs
		step.FinishOne()
		for _, org := range orgs {
			g.Go(func() error {
				m, err := s.remote.FetchMembership(gctx, org.Slug)
				if err != nil {
					return fmt.Errorf("fetching membership in %s: %w", org.Slug, err)
				}
				mu.Lock()
				data.memberships[org.Slug] = m
				mu.Unlock()
				return nil
			})
		}
		return nil
	})
	g.Go(func() (err error) {
		data.projects, err = s.remote.FetchProjects(gctx)
		return finish(step, "projects", err)
	})
	g.Go(func() (err error) {
		data.templates, err = s.remote.FetchProjectTemplates(gctx)
		return finish(step, "project templates", err)
	})
	g.Go(func() (err error) {
		data.devices, err = s.remote.FetchDevices(gctx, projectID)
		return finish(step, "devices", err)
	})
	g.Go(func() (err error) {
		data.streams, err = s.remote.FetchStreams(gctx, projectID)
		return finish(step, "streams", err)
	})
	g.Go(func() (err error) {
		data.variables, err = s.remote.FetchVariables(gctx, projectID)
		return finish(step, "variables", err)
	})
	g.Go(func() (err error) {
		data.varTypes, err = s.remote.FetchVariableTypes(gctx)
		return finish(step, "variable types", err)
	})
	g.Go(func() (err error) {
		data.graphs, err = s.remote.FetchSensorGraphs(gctx)
		return finish(step, "sensor graphs", err)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return data, nil
}

func finish(step progress.Reporter, what string, err error) error {
	if err != nil {
		return fmt.Errorf("fetching %s: %w", what, err)
	}
	step.FinishOne()
	return nil
}

func (d *remoteData) referenceMaps() (map[string]*VarType, map[string]*ProjectTemplate, map[string]SensorGraph) {
	varTypes := make(map[string]*VarType, len(d.varTypes))
	for i := range d.varTypes {
		varTypes[d.varTypes[i].Slug] = &d.varTypes[i]
	}
	templates := make(map[string]*ProjectTemplate, len(d.templates))
	for i := range d.templates {
		templates[d.templates[i].Slug] = &d.templates[i]
	}
	graphs := indexBySlug(d.graphs, func(g SensorGraph) string { return g.Slug })
	return varTypes, templates, graphs
}

// SyncCache replaces the whole local cache with a fresh copy of the cloud
// dataset under a new serial. Saved overlays are dropped. Devices whose
// sensor graph is missing are left out and reported as warnings.
func (s *CacheService) SyncCache(ctx context.Context, rep progress.Reporter) (*SyncSummary, error) {
	rep = progress.OrDiscard(rep)
	rep.SetTotal(3)

	var summary *SyncSummary
	err := s.withLock(ctx, func(tx *cacheTx) error {
		data, err := s.fetch(ctx, "", rep)
		if err != nil {
			return err
		}
		rep.FinishOne()

		serial := uuid.NewString()
		if err := tx.clearSavedData(ctx); err != nil {
			return fmt.Errorf("clearing old cache: %w", err)
		}

		varTypes, templates, graphs := data.referenceMaps()
		orgs := BuildProjectList(data.orgs, data.memberships, data.projects)

		step := rep.StartOne("Saving projects", len(data.projects))
		projects := make(map[string]*Project, len(data.projects))
		var rejected []RejectedDevice
		for _, raw := range data.projects {
			proj, bad := Assemble(raw, data.devices, data.streams, data.variables, graphs)
			for _, r := range bad {
				msg := fmt.Sprintf("Device %s in project %s skipped: sensor graph %q not found", r.Slug, raw.Name, r.SensorGraph)
				step.AddWarning(msg)
				s.logger.Warn("rejected device", "project", raw.ID, "device", r.Slug, "sensor_graph", r.SensorGraph)
			}
			rejected = append(rejected, bad...)
			if err := s.store.SaveChecked(ctx, projectFile(proj.ID), proj, ProjectVersion, serial); err != nil {
				return fmt.Errorf("saving project %s: %w", proj.ID, err)
			}
			projects[proj.ID] = proj
			step.FinishOne()
		}

		if err := tx.saveMeta(ctx, serial, orgs, varTypes, templates); err != nil {
			return err
		}

		state := CacheState{Serial: serial, HasDevices: len(data.devices) > 0}
		var active *Project
		if s.active != nil {
			if proj, ok := projects[s.active.ID]; ok {
				active = proj.Clone()
				active.Overlay = &Overlay{}
				state.ActiveProjectID = active.ID
			}
		}
		if err := tx.saveState(ctx, state); err != nil {
			return err
		}
		rep.FinishOne()

		s.serial = serial
		s.hasDevices = state.HasDevices
		s.orgs = orgs
		s.varTypes = varTypes
		s.templates = templates
		s.active = active
		rep.FinishOne()

		summary = &SyncSummary{
			Serial:          serial,
			Orgs:            len(orgs),
			Projects:        len(projects),
			Devices:         len(data.devices),
			HasDevices:      state.HasDevices,
			ActiveProjectID: state.ActiveProjectID,
			RejectedDevices: rejected,
		}
		return nil
	})
	if err != nil {
		rep.FatalError(err.Error())
		return nil, err
	}

	s.logActivity(ctx, &activity.ActivityEntry{
		ActivityType: activity.TypeCacheSynced,
		Summary:      fmt.Sprintf("Synced %d orgs, %d projects, %d devices", summary.Orgs, summary.Projects, summary.Devices),
		Details:      activity.Details(summary),
	})
	return summary, nil
}

// SyncProject refreshes one project together with the org index and the
// shared variable types and templates. The project's pending overlay is
// kept and pruned against the fresh data. HasDevices is only ever raised.
func (s *CacheService) SyncProject(ctx context.Context, projectID string, rep progress.Reporter) (*SyncSummary, error) {
	rep = progress.OrDiscard(rep)
	rep.SetTotal(3)
	if projectID == "" {
		return nil, fmt.Errorf("%w: empty project id", repository.ErrInvalidArgument)
	}

	var summary *SyncSummary
	err := s.withLock(ctx, func(tx *cacheTx) error {
		data, err := s.fetch(ctx, projectID, rep)
		if err != nil {
			return err
		}
		rep.FinishOne()

		var raw *RawProject
		for i := range data.projects {
			if data.projects[i].ID == projectID {
				raw = &data.projects[i]
				break
			}
		}
		if raw == nil {
			return fmt.Errorf("%w: %q", ErrProjectNotFound, projectID)
		}

		serial := s.serial
		if serial == "" {
			serial = uuid.NewString()
			if err := tx.clearSavedData(ctx); err != nil {
				return fmt.Errorf("clearing old cache: %w", err)
			}
		}

		varTypes, templates, graphs := data.referenceMaps()
		orgs := BuildProjectList(data.orgs, data.memberships, data.projects)
		proj, rejected := Assemble(*raw, data.devices, data.streams, data.variables, graphs)
		for _, r := range rejected {
			rep.AddWarning(fmt.Sprintf("Device %s skipped: sensor graph %q not found", r.Slug, r.SensorGraph))
			s.logger.Warn("rejected device", "project", projectID, "device", r.Slug, "sensor_graph", r.SensorGraph)
		}

		prevSerial := s.serial
		s.serial = serial
		overlay, err := tx.loadOverlay(ctx, projectID)
		if err != nil {
			s.logger.Warn("dropping unreadable overlay", "project", projectID, "error", err)
			overlay = &Overlay{}
		}
		overlay.Prune(proj)
		proj.Overlay = overlay

		if err := tx.saveProject(ctx, proj); err != nil {
			s.serial = prevSerial
			return err
		}
		if err := tx.saveOverlay(ctx, proj); err != nil {
			s.serial = prevSerial
			return err
		}
		if err := tx.saveMeta(ctx, serial, orgs, varTypes, templates); err != nil {
			s.serial = prevSerial
			return err
		}

		state := tx.state()
		state.Serial = serial
		state.HasDevices = s.hasDevices || len(data.devices) > 0
		if err := tx.saveState(ctx, state); err != nil {
			s.serial = prevSerial
			return err
		}
		rep.FinishOne()

		s.hasDevices = state.HasDevices
		s.orgs = orgs
		s.varTypes = varTypes
		s.templates = templates
		if s.active != nil && s.active.ID == projectID {
			s.active = proj.Clone()
		}
		rep.FinishOne()

		summary = &SyncSummary{
			Serial:          serial,
			Orgs:            len(orgs),
			Projects:        1,
			Devices:         proj.DeviceCount(),
			HasDevices:      state.HasDevices,
			ActiveProjectID: state.ActiveProjectID,
			RejectedDevices: rejected,
		}
		return nil
	})
	if err != nil {
		rep.FatalError(err.Error())
		return nil, err
	}

	s.logActivity(ctx, &activity.ActivityEntry{
		ProjectID:    projectID,
		ActivityType: activity.TypeProjectSynced,
		Summary:      fmt.Sprintf("Synced project with %d devices", summary.Devices),
		Details:      activity.Details(summary),
	})
	return summary, nil
}

// PushResult reports the outcome of PushActiveOverlay.
type PushResult struct {
	Pushed  int `json:"pushed"`
	Failed  int `json:"failed"`
	Pending int `json:"pending"`
}

// PushActiveOverlay sends the pending edits of the active project to the
// cloud, one patch per record. Accepted patches are written through into
// the project; rejected ones stay pending and their errors are returned
// together.
func (s *CacheService) PushActiveOverlay(ctx context.Context) (*PushResult, error) {
	if s.remote == nil {
		return nil, ErrNoRemote
	}
	result := &PushResult{}
	var projectID string
	var failures []error
	err := s.withLock(ctx, func(tx *cacheTx) error {
		if s.active == nil {
			return ErrNoActiveProject
		}
		proj := s.active.Clone()
		projectID = proj.ID
		patches, err := proj.Overlay.Patches()
		if err != nil {
			return err
		}

		accepted := &Overlay{}
		for _, patch := range patches {
			if err := s.remote.PatchModel(ctx, patch.Model, patch.Slug, patch.Fields); err != nil {
				failures = append(failures, fmt.Errorf("patching %s %s: %w", patch.Model, patch.Slug, err))
				result.Failed++
				continue
			}
			for _, d := range patch.Deltas {
				accepted.Add(d)
			}
			result.Pushed++
		}
		if accepted.IsEmpty() {
			result.Pending = proj.Overlay.Len()
			return nil
		}

		accepted.ApplyTo(proj)
		if proj.Overlay == nil {
			proj.Overlay = &Overlay{}
		}
		proj.Overlay.Prune(proj)
		if err := tx.saveProject(ctx, proj); err != nil {
			return err
		}
		if err := tx.saveOverlay(ctx, proj); err != nil {
			return err
		}
		s.active = proj
		result.Pending = proj.Overlay.Len()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.Pushed > 0 {
		s.logActivity(ctx, &activity.ActivityEntry{
			ProjectID:    projectID,
			ActivityType: activity.TypeOverlayPushed,
			Summary:      fmt.Sprintf("Pushed %d record updates", result.Pushed),
			Details:      activity.Details(result),
		})
	}
	if len(failures) > 0 {
		return result, &repository.BatchError{Op: "pushing overlay", Errors: failures}
	}
	return result, nil
}
