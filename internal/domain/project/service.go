package project

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rpggio/fieldsync/internal/domain/activity"
	"github.com/rpggio/fieldsync/internal/lock"
	"github.com/rpggio/fieldsync/internal/repository"
	"github.com/rpggio/fieldsync/internal/storage"
)

// CacheOptions configures a CacheService.
type CacheOptions struct {
	Store      storage.FileSystem
	Remote     RemoteSource
	Activities ActivityRepository
	Logger     *slog.Logger
}

// CacheService keeps a local, serial-stamped mirror of the cloud dataset and
// the active project. Every method that touches cached state runs under one
// FIFO lock, and the initial load from disk holds that lock until done.
type CacheService struct {
	lock       *lock.Mutex
	store      *storage.Versioned
	fs         storage.FileSystem
	remote     RemoteSource
	activities ActivityRepository
	logger     *slog.Logger
	loaded     chan struct{}

	// guarded by lock
	serial     string
	hasDevices bool
	active     *Project
	orgs       []OrgMetaData
	varTypes   map[string]*VarType
	templates  map[string]*ProjectTemplate
}

// NewCacheService creates the service and starts loading the saved cache.
// Calls made before the load finishes wait for it.
func NewCacheService(opts CacheOptions) *CacheService {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &CacheService{
		lock:       lock.New(),
		store:      storage.NewVersioned(opts.Store),
		fs:         opts.Store,
		remote:     opts.Remote,
		activities: opts.Activities,
		logger:     logger,
		loaded:     make(chan struct{}),
		varTypes:   map[string]*VarType{},
		templates:  map[string]*ProjectTemplate{},
	}

	release, _ := s.lock.TryAcquire()
	go func() {
		defer close(s.loaded)
		defer release()
		(&cacheTx{s: s}).loadFromDisk(context.Background())
	}()
	return s
}

// Loaded is closed once the initial load from disk has finished.
func (s *CacheService) Loaded() <-chan struct{} {
	return s.loaded
}

// withLock runs fn holding the cache lock. cacheTx values exist only inside fn.
func (s *CacheService) withLock(ctx context.Context, fn func(tx *cacheTx) error) error {
	release, err := s.lock.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(&cacheTx{s: s})
}

// GetActiveProject returns a copy of the active project, with its pending
// overlay attached but not applied, or nil when no project is active.
func (s *CacheService) GetActiveProject(ctx context.Context) (*Project, error) {
	var out *Project
	err := s.withLock(ctx, func(tx *cacheTx) error {
		out = s.active.Clone()
		return nil
	})
	return out, err
}

// SetActiveProject loads project id from disk, with its saved overlay, and
// makes it the active project.
func (s *CacheService) SetActiveProject(ctx context.Context, id string) (*Project, error) {
	var out *Project
	err := s.withLock(ctx, func(tx *cacheTx) error {
		if _, ok := findProjectRef(s.orgs, id); !ok {
			return fmt.Errorf("%w: %q", ErrProjectNotFound, id)
		}
		proj, err := tx.loadProject(ctx, id)
		if err != nil {
			return fmt.Errorf("loading project %s: %w", id, err)
		}
		state := tx.state()
		state.ActiveProjectID = id
		if err := tx.saveState(ctx, state); err != nil {
			return err
		}
		s.active = proj
		out = proj.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logActivity(ctx, &activity.ActivityEntry{
		ProjectID:    id,
		ActivityType: activity.TypeActiveProjectChanged,
		Summary:      fmt.Sprintf("Active project set to %s", out.Name),
	})
	return out, nil
}

// GetProject loads a project of the index from disk without activating it.
func (s *CacheService) GetProject(ctx context.Context, id string) (*Project, error) {
	var out *Project
	err := s.withLock(ctx, func(tx *cacheTx) error {
		if _, ok := findProjectRef(s.orgs, id); !ok {
			return fmt.Errorf("%w: %q", ErrProjectNotFound, id)
		}
		if s.active != nil && s.active.ID == id {
			out = s.active.Clone()
			return nil
		}
		proj, err := tx.loadProject(ctx, id)
		if err != nil {
			return fmt.Errorf("loading project %s: %w", id, err)
		}
		out = proj
		return nil
	})
	return out, err
}

// UpdateActiveProject records local edits of the active project. With
// writeThrough the overlay's values are written into the project itself,
// which is how accepted remote patches land; otherwise they are merged into
// the pending overlay. Either way deltas that no longer change anything are
// pruned before saving.
func (s *CacheService) UpdateActiveProject(ctx context.Context, overlay *Overlay, writeThrough bool) error {
	var projectID string
	var pending int
	err := s.withLock(ctx, func(tx *cacheTx) error {
		if s.active == nil {
			return ErrNoActiveProject
		}
		proj := s.active.Clone()
		if proj.Overlay == nil {
			proj.Overlay = &Overlay{}
		}
		if writeThrough {
			overlay.ApplyTo(proj)
		} else {
			proj.Overlay.Merge(overlay)
		}
		proj.Overlay.Prune(proj)

		if writeThrough {
			if err := tx.saveProject(ctx, proj); err != nil {
				return err
			}
		}
		if err := tx.saveOverlay(ctx, proj); err != nil {
			return err
		}
		s.active = proj
		projectID = proj.ID
		pending = proj.Overlay.Len()
		return nil
	})
	if err != nil {
		return err
	}
	s.logActivity(ctx, &activity.ActivityEntry{
		ProjectID:    projectID,
		ActivityType: activity.TypeOverlayUpdated,
		Summary:      fmt.Sprintf("Active project updated, %d pending edits", pending),
		Details:      activity.Details(map[string]any{"write_through": writeThrough, "pending": pending}),
	})
	return nil
}

// GetVariableType looks up a variable type by slug.
func (s *CacheService) GetVariableType(ctx context.Context, slug string) (*VarType, error) {
	var out *VarType
	err := s.withLock(ctx, func(tx *cacheTx) error {
		vt := s.varTypes[slug]
		if vt == nil {
			return fmt.Errorf("%w: unknown variable type %q", repository.ErrInvalidArgument, slug)
		}
		c := *vt
		out = &c
		return nil
	})
	return out, err
}

// GetProjectTemplate looks up a project template by slug.
func (s *CacheService) GetProjectTemplate(ctx context.Context, slug string) (*ProjectTemplate, error) {
	var out *ProjectTemplate
	err := s.withLock(ctx, func(tx *cacheTx) error {
		pt := s.templates[slug]
		if pt == nil {
			return fmt.Errorf("%w: unknown project template %q", repository.ErrInvalidArgument, slug)
		}
		c := *pt
		out = &c
		return nil
	})
	return out, err
}

// ProjectList returns the org navigation index.
func (s *CacheService) ProjectList(ctx context.Context) ([]OrgMetaData, error) {
	var out []OrgMetaData
	err := s.withLock(ctx, func(tx *cacheTx) error {
		out = make([]OrgMetaData, len(s.orgs))
		for i, org := range s.orgs {
			org.Projects = append([]ProjectRef(nil), org.Projects...)
			out[i] = org
		}
		return nil
	})
	return out, err
}

// HasDevices reports whether any synced project has ever had devices.
func (s *CacheService) HasDevices(ctx context.Context) (bool, error) {
	var out bool
	err := s.withLock(ctx, func(tx *cacheTx) error {
		out = s.hasDevices
		return nil
	})
	return out, err
}

// Serial returns the serial of the current cache epoch, empty when nothing
// has been synced.
func (s *CacheService) Serial(ctx context.Context) (string, error) {
	var out string
	err := s.withLock(ctx, func(tx *cacheTx) error {
		out = s.serial
		return nil
	})
	return out, err
}

// ClearCache removes every saved file and forgets all cached state. It is
// the only operation that resets HasDevices.
func (s *CacheService) ClearCache(ctx context.Context) error {
	err := s.withLock(ctx, func(tx *cacheTx) error {
		err := tx.clearSavedData(ctx)
		tx.reset()
		return err
	})
	if err != nil {
		return err
	}
	s.logActivity(ctx, &activity.ActivityEntry{
		ActivityType: activity.TypeCacheCleared,
		Summary:      "Local cache cleared",
	})
	return nil
}

func (s *CacheService) logActivity(ctx context.Context, entry *activity.ActivityEntry) {
	if s.activities == nil {
		return
	}
	if err := s.activities.Log(ctx, entry); err != nil {
		s.logger.Warn("recording activity failed", "type", entry.ActivityType, "error", err)
	}
}

// cacheTx carries the operations that require the cache lock to be held.
type cacheTx struct {
	s *CacheService
}

const (
	metaDir       = "meta"
	projectsDir   = "projects"
	projectList   = "meta/project_list.json"
	varTypesFile  = "meta/variable_types.json"
	templatesFile = "meta/project_templates.json"
	stateFile     = "meta/cache_state.json"
)

func projectFile(id string) string { return projectsDir + "/" + id + ".json" }

func overlayFile(id string) string { return projectsDir + "/" + id + "-overlay.json" }

func (tx *cacheTx) state() CacheState {
	s := tx.s
	state := CacheState{Serial: s.serial, HasDevices: s.hasDevices}
	if s.active != nil {
		state.ActiveProjectID = s.active.ID
	}
	return state
}

func (tx *cacheTx) reset() {
	s := tx.s
	s.serial = ""
	s.hasDevices = false
	s.active = nil
	s.orgs = nil
	s.varTypes = map[string]*VarType{}
	s.templates = map[string]*ProjectTemplate{}
}

// loadFromDisk restores the cache saved by an earlier run. Any failure
// wipes the saved data so the service starts from an empty cache.
func (tx *cacheTx) loadFromDisk(ctx context.Context) {
	err := tx.load(ctx)
	if err == nil {
		return
	}
	if !storage.IsNotFound(err) {
		tx.s.logger.Warn("discarding unreadable local cache", "error", err)
	}
	tx.reset()
	if err := tx.clearSavedData(ctx); err != nil {
		tx.s.logger.Error("clearing local cache failed", "error", err)
	}
}

func (tx *cacheTx) load(ctx context.Context) error {
	s := tx.s
	var state CacheState
	if err := s.store.LoadChecked(ctx, stateFile, CacheStateVersion, "", &state); err != nil {
		return err
	}
	if state.Serial == "" {
		return fmt.Errorf("%w: cache state without serial", repository.ErrDataCorrupted)
	}

	var orgs []OrgMetaData
	if err := s.store.LoadChecked(ctx, projectList, ProjectListVersion, state.Serial, &orgs); err != nil {
		return err
	}
	varTypes := map[string]*VarType{}
	if err := s.store.LoadChecked(ctx, varTypesFile, VariableTypesVersion, state.Serial, &varTypes); err != nil {
		return err
	}
	templates := map[string]*ProjectTemplate{}
	if err := s.store.LoadChecked(ctx, templatesFile, ProjectTemplatesVersion, state.Serial, &templates); err != nil {
		return err
	}

	s.serial = state.Serial
	s.hasDevices = state.HasDevices
	s.orgs = orgs
	s.varTypes = varTypes
	s.templates = templates

	if state.ActiveProjectID != "" {
		proj, err := tx.loadProject(ctx, state.ActiveProjectID)
		if err != nil {
			return fmt.Errorf("loading active project: %w", err)
		}
		s.active = proj
	}
	return nil
}

// loadProject reads a project and, when present, its overlay.
func (tx *cacheTx) loadProject(ctx context.Context, id string) (*Project, error) {
	s := tx.s
	var proj Project
	if err := s.store.LoadChecked(ctx, projectFile(id), ProjectVersion, s.serial, &proj); err != nil {
		return nil, err
	}
	overlay, err := tx.loadOverlay(ctx, id)
	if err != nil {
		return nil, err
	}
	proj.Overlay = overlay
	return &proj, nil
}

// loadOverlay returns the saved overlay of a project, or an empty one.
func (tx *cacheTx) loadOverlay(ctx context.Context, id string) (*Overlay, error) {
	var overlay Overlay
	err := tx.s.store.LoadChecked(ctx, overlayFile(id), OverlayVersion, tx.s.serial, &overlay)
	if storage.IsNotFound(err) {
		return &Overlay{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &overlay, nil
}

func (tx *cacheTx) saveProject(ctx context.Context, p *Project) error {
	if err := tx.s.store.SaveChecked(ctx, projectFile(p.ID), p, ProjectVersion, tx.s.serial); err != nil {
		return fmt.Errorf("saving project %s: %w", p.ID, err)
	}
	return nil
}

// saveOverlay writes the project's overlay, or removes the file when the
// overlay is empty. The file exists exactly when edits are pending.
func (tx *cacheTx) saveOverlay(ctx context.Context, p *Project) error {
	name := overlayFile(p.ID)
	if p.Overlay.IsEmpty() {
		if err := storage.RemoveIfExists(ctx, tx.s.fs, name); err != nil {
			return fmt.Errorf("removing overlay of %s: %w", p.ID, err)
		}
		return nil
	}
	if err := tx.s.store.SaveChecked(ctx, name, p.Overlay, OverlayVersion, tx.s.serial); err != nil {
		return fmt.Errorf("saving overlay of %s: %w", p.ID, err)
	}
	return nil
}

func (tx *cacheTx) saveState(ctx context.Context, state CacheState) error {
	if err := tx.s.store.SaveChecked(ctx, stateFile, state, CacheStateVersion, state.Serial); err != nil {
		return fmt.Errorf("saving cache state: %w", err)
	}
	return nil
}

func (tx *cacheTx) saveMeta(ctx context.Context, serial string, orgs []OrgMetaData, varTypes map[string]*VarType, templates map[string]*ProjectTemplate) error {
	if err := tx.s.store.SaveChecked(ctx, projectList, orgs, ProjectListVersion, serial); err != nil {
		return fmt.Errorf("saving project list: %w", err)
	}
	if err := tx.s.store.SaveChecked(ctx, varTypesFile, varTypes, VariableTypesVersion, serial); err != nil {
		return fmt.Errorf("saving variable types: %w", err)
	}
	if err := tx.s.store.SaveChecked(ctx, templatesFile, templates, ProjectTemplatesVersion, serial); err != nil {
		return fmt.Errorf("saving project templates: %w", err)
	}
	return nil
}

// clearSavedData removes all meta and project files, overlays included.
func (tx *cacheTx) clearSavedData(ctx context.Context) error {
	var errs []error
	for _, dir := range []string{metaDir, projectsDir} {
		if err := storage.ClearDir(ctx, tx.s.fs, dir); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
