package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rpggio/fieldsync/internal/clock"
	"github.com/rpggio/fieldsync/internal/domain/activity"
	"github.com/rpggio/fieldsync/internal/lock"
	"github.com/rpggio/fieldsync/internal/progress"
	"github.com/rpggio/fieldsync/internal/repository"
	"github.com/rpggio/fieldsync/internal/storage"
	"github.com/rpggio/fieldsync/internal/workqueue"
)

const (
	reportsDir = "reports"
	ackFile    = "reports/report_acks.json"

	defaultUploadError = "Could not upload the report. Please try again later."
)

// Options configures a Service.
type Options struct {
	Store      storage.FileSystem
	Cloud      Cloud
	Status     Status
	Keys       KeyProvider
	Clock      clock.Clock
	Activities ActivityRepository
	Logger     *slog.Logger
	// PollInterval is the acknowledgement loop period, 5s when zero.
	PollInterval time.Duration
	// GlobalRefresh is the maximum age of the last full acknowledgement
	// refresh, one hour when zero.
	GlobalRefresh time.Duration
	// CheckSchedule overrides DefaultCheckSchedule.
	CheckSchedule []time.Duration
}

// Service stores reports received from devices, uploads them and tracks
// their acknowledgement by the cloud. Files and the in-memory cache are
// only changed together while holding the service lock.
type Service struct {
	lock          *lock.Mutex
	fs            storage.FileSystem
	cloud         Cloud
	status        Status
	keys          KeyProvider
	clock         clock.Clock
	activities    ActivityRepository
	logger        *slog.Logger
	pollInterval  time.Duration
	globalRefresh time.Duration
	queue         *workqueue.Queue[*Report, IngestResult]

	// guarded by lock
	cache         *Cache
	lastGlobalAck time.Time

	globalAcksLoaded atomic.Bool

	ignoreMu sync.Mutex
	ignored  map[string]bool

	subMu   sync.Mutex
	subs    map[int]func(State)
	nextSub int
}

// NewService creates the service. Incoming reports are processed on a
// queue that lives as long as ctx.
func NewService(ctx context.Context, opts Options) *Service {
	s := &Service{
		lock:          lock.New(),
		fs:            opts.Store,
		cloud:         opts.Cloud,
		status:        opts.Status,
		keys:          opts.Keys,
		clock:         opts.Clock,
		activities:    opts.Activities,
		logger:        opts.Logger,
		pollInterval:  opts.PollInterval,
		globalRefresh: opts.GlobalRefresh,
		ignored:       map[string]bool{},
		subs:          map[int]func(State){},
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	if s.pollInterval <= 0 {
		s.pollInterval = 5 * time.Second
	}
	if s.globalRefresh <= 0 {
		s.globalRefresh = time.Hour
	}
	if opts.CheckSchedule != nil {
		s.cache = NewCacheWithSchedule(opts.CheckSchedule)
	} else {
		s.cache = NewCache()
	}
	s.queue = workqueue.New(ctx, s.processReport)
	return s
}

func payloadFile(key string, f Format) string { return reportsDir + "/" + key + f.Extension() }

func metaFile(key string) string { return reportsDir + "/" + key + ".json" }

// PushReport queues a received report for processing.
func (s *Service) PushReport(r *Report) <-chan workqueue.Result[IngestResult] {
	return s.queue.Enqueue(string(r.Format), r)
}

// SubmitReport queues a report and waits until it has been processed.
func (s *Service) SubmitReport(ctx context.Context, r *Report) (IngestResult, error) {
	return s.queue.Submit(ctx, string(r.Format), r)
}

// ImportReport parses a raw payload received now and submits it.
func (s *Service) ImportReport(ctx context.Context, format Format, data []byte) (IngestResult, error) {
	r, err := Parse(format, data, s.clock.Now(), s.keys)
	if err != nil {
		return IngestResult{}, err
	}
	return s.SubmitReport(ctx, r)
}

// WaitIdle blocks until every queued report has been processed.
func (s *Service) WaitIdle(ctx context.Context) error {
	return s.queue.WaitIdle(ctx)
}

func (s *Service) processReport(ctx context.Context, _ string, r *Report) (IngestResult, error) {
	if r == nil {
		return IngestResult{}, fmt.Errorf("%w: nil report", repository.ErrInvalidArgument)
	}
	slug := r.DeviceSlug()
	entry := Entry{
		Device:           r.DeviceID,
		DeviceSlug:       slug,
		Timestamp:        r.ReceivedAt,
		NumReadings:      r.NumReadings,
		LowestReadingID:  r.LowestID,
		HighestReadingID: r.HighestID,
		Streamer:         r.Streamer,
		Length:           len(r.Raw),
		IsFlexibleDict:   r.Format == FormatFlexibleDict,
		Fingerprint:      Fingerprint(r.Raw),
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.clock.Now()
	}

	var result IngestResult
	err := s.withLock(ctx, func() error {
		if dup, ok := s.cache.FindDuplicate(entry); ok {
			s.logger.Warn("dropping duplicate report", "device", slug, "streamer", r.Streamer, "existing", dup.Key)
			result = IngestResult{Dropped: true, Reason: DropDuplicate}
			return nil
		}
		if s.IsIgnored(slug) {
			s.logger.Debug("dropping report of ignored device", "device", slug)
			result = IngestResult{Dropped: true, Reason: DropIgnoredDevice}
			return nil
		}
		if r.Signature == SignatureInvalid {
			s.logger.Warn("dropping report with invalid signature", "device", slug, "report_id", r.ReportID)
			result = IngestResult{Dropped: true, Reason: DropInvalidSignature}
			return nil
		}

		entry.Key = uuid.NewString()
		if err := s.fs.MkdirAll(ctx, reportsDir); err != nil {
			return err
		}
		if err := s.fs.WriteFile(ctx, payloadFile(entry.Key, r.Format), r.Raw); err != nil {
			return fmt.Errorf("saving report payload: %w", err)
		}
		if err := storage.WriteJSON(ctx, s.fs, metaFile(entry.Key), entry); err != nil {
			_ = storage.RemoveIfExists(ctx, s.fs, payloadFile(entry.Key, r.Format))
			return fmt.Errorf("saving report metadata: %w", err)
		}
		if err := s.cache.AddReport(entry); err != nil {
			return err
		}
		result = IngestResult{Key: entry.Key}
		return nil
	})
	if err != nil {
		return IngestResult{}, err
	}

	if result.Dropped {
		s.logActivity(ctx, &activity.ActivityEntry{
			DeviceSlug:   slug,
			ActivityType: activity.TypeReportDropped,
			Summary:      fmt.Sprintf("Dropped report from %s: %s", slug, result.Reason),
		})
		return result, nil
	}
	s.logActivity(ctx, &activity.ActivityEntry{
		DeviceSlug:   slug,
		ActivityType: activity.TypeReportReceived,
		Summary:      fmt.Sprintf("Stored report of %d readings from %s", r.NumReadings, slug),
		Details:      activity.Details(map[string]any{"key": entry.Key, "streamer": r.Streamer, "highest": r.HighestID}),
	})
	s.notify(ctx)
	return result, nil
}

// IgnoreDevice stops storing reports from a device, as for devices that
// only stream realtime data.
func (s *Service) IgnoreDevice(slug string) {
	s.ignoreMu.Lock()
	defer s.ignoreMu.Unlock()
	s.ignored[slug] = true
}

// UnignoreDevice resumes storing reports from a device.
func (s *Service) UnignoreDevice(slug string) {
	s.ignoreMu.Lock()
	defer s.ignoreMu.Unlock()
	delete(s.ignored, slug)
}

// IsIgnored reports whether reports from the device are dropped.
func (s *Service) IsIgnored(slug string) bool {
	s.ignoreMu.Lock()
	defer s.ignoreMu.Unlock()
	return s.ignored[slug]
}

// UploadAllReports uploads every report waiting for upload.
func (s *Service) UploadAllReports(ctx context.Context, retryErrors bool, rep progress.Reporter) (UploadResult, error) {
	return s.upload(ctx, "", retryErrors, rep)
}

// UploadReportsForDevice uploads the waiting reports of one device, oldest
// readings first.
func (s *Service) UploadReportsForDevice(ctx context.Context, deviceSlug string, retryErrors bool, rep progress.Reporter) (UploadResult, error) {
	if deviceSlug == "" {
		return UploadResult{}, fmt.Errorf("%w: empty device slug", repository.ErrInvalidArgument)
	}
	return s.upload(ctx, deviceSlug, retryErrors, rep)
}

// upload sends candidates one by one. A failed upload is recorded on its
// report and counted; it never stops the run.
func (s *Service) upload(ctx context.Context, deviceSlug string, retryErrors bool, rep progress.Reporter) (UploadResult, error) {
	if s.cloud == nil {
		return UploadResult{}, ErrNoCloud
	}
	rep = progress.OrDiscard(rep)

	var result UploadResult
	err := s.withLock(ctx, func() error {
		var candidates []Entry
		if deviceSlug == "" {
			candidates = s.cache.WaitingReports()
		} else {
			candidates = s.cache.WaitingReportsForDevice(deviceSlug)
		}
		candidates = filterUploadable(candidates, retryErrors)
		rep.SetTotal(len(candidates))

		for _, e := range candidates {
			if err := ctx.Err(); err != nil {
				return err
			}
			step := rep.StartOne(fmt.Sprintf("Uploading report from %s", e.DeviceSlug), 1)
			updated, uploadErr := s.uploadOne(ctx, e)
			if uploadErr != nil {
				result.NumberFailed++
				step.AddWarning(updated.Error)
				s.logger.Warn("report upload failed", "key", e.Key, "device", e.DeviceSlug, "error", uploadErr)
			} else {
				result.NumberSuccessful++
			}
			if err := storage.WriteJSON(ctx, s.fs, metaFile(e.Key), updated); err != nil {
				s.logger.Error("saving report metadata failed", "key", e.Key, "error", err)
			}
			step.FinishOne()
			rep.FinishOne()
		}
		return nil
	})
	if err != nil {
		return result, err
	}

	if result.NumberSuccessful+result.NumberFailed > 0 {
		s.logActivity(ctx, &activity.ActivityEntry{
			DeviceSlug:   deviceSlug,
			ActivityType: activity.TypeReportsUploaded,
			Summary:      fmt.Sprintf("Uploaded %d reports, %d failed", result.NumberSuccessful, result.NumberFailed),
			Details:      activity.Details(result),
		})
		s.notify(ctx)
	}
	return result, nil
}

func filterUploadable(entries []Entry, retryErrors bool) []Entry {
	out := entries[:0]
	for _, e := range entries {
		if e.Uploaded || e.Acknowledged {
			continue
		}
		if e.Error != "" && !retryErrors {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (s *Service) uploadOne(ctx context.Context, e Entry) (Entry, error) {
	format := e.Format()
	payload, err := s.fs.ReadFile(ctx, payloadFile(e.Key, format))
	if err == nil {
		err = s.cloud.UploadReport(ctx, Upload{
			Key:        e.Key,
			DeviceSlug: e.DeviceSlug,
			Timestamp:  e.Timestamp,
			Format:     format,
			Payload:    payload,
		})
	}
	if err != nil {
		updated, markErr := s.cache.MarkError(e.Key, userMessage(err))
		if markErr != nil {
			return e, markErr
		}
		return updated, err
	}
	return s.cache.MarkUploaded(e.Key, s.clock.Now())
}

func userMessage(err error) string {
	var um interface{ UserMessage() string }
	if errors.As(err, &um) {
		if msg := strings.TrimSpace(um.UserMessage()); msg != "" {
			return msg
		}
	}
	return defaultUploadError
}

// LoadSavedReports restores reports saved by an earlier run. Reports whose
// metadata or payload file is missing or unreadable are deleted. It returns
// the number of reports loaded.
func (s *Service) LoadSavedReports(ctx context.Context) (int, error) {
	loaded := 0
	err := s.withLock(ctx, func() error {
		names, err := s.fs.List(ctx, reportsDir)
		if storage.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("listing reports: %w", err)
		}

		type pair struct {
			meta    bool
			payload []string
		}
		pairs := map[string]*pair{}
		var keys []string
		for _, name := range names {
			if reportsDir+"/"+name == ackFile {
				continue
			}
			ext := path.Ext(name)
			key := strings.TrimSuffix(name, ext)
			p, ok := pairs[key]
			if !ok {
				p = &pair{}
				pairs[key] = p
				keys = append(keys, key)
			}
			switch ext {
			case ".json":
				p.meta = true
			default:
				p.payload = append(p.payload, name)
			}
		}

		for _, key := range keys {
			p := pairs[key]
			var entry Entry
			ok := p.meta && len(p.payload) == 1
			if ok {
				if err := storage.ReadJSON(ctx, s.fs, metaFile(key), &entry); err != nil {
					s.logger.Warn("unreadable report metadata", "key", key, "error", err)
					ok = false
				}
			}
			if ok && (entry.Key != key || p.payload[0] != key+entry.Format().Extension()) {
				ok = false
			}
			if ok {
				if err := s.cache.AddReport(entry); err == nil {
					loaded++
					continue
				}
			}

			s.logger.Info("purging incomplete report", "key", key)
			_ = storage.RemoveIfExists(ctx, s.fs, metaFile(key))
			for _, name := range p.payload {
				_ = storage.RemoveIfExists(ctx, s.fs, reportsDir+"/"+name)
			}
		}

		var acks AckTable
		err = storage.ReadJSON(ctx, s.fs, ackFile, &acks)
		switch {
		case err == nil:
			for slug, streamers := range acks {
				for _, ack := range streamers {
					s.cache.AddAcknowledgement(slug, ack.StreamerID, ack.AckValue)
				}
			}
		case storage.IsNotFound(err):
		default:
			s.logger.Warn("discarding unreadable acknowledgements", "error", err)
			_ = storage.RemoveIfExists(ctx, s.fs, ackFile)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.notify(ctx)
	return loaded, nil
}

// DeleteReport removes one report and its files.
func (s *Service) DeleteReport(ctx context.Context, key string) error {
	err := s.withLock(ctx, func() error {
		e, ok := s.cache.Get(key)
		if !ok {
			return fmt.Errorf("%w: %s", ErrReportNotFound, key)
		}
		return s.removeLocked(ctx, e)
	})
	if err != nil {
		return err
	}
	s.notify(ctx)
	return nil
}

// ClearFinishedReports deletes every acknowledged report.
func (s *Service) ClearFinishedReports(ctx context.Context) (int, error) {
	return s.clearWhere(ctx, "finished", func(e Entry) bool { return e.Acknowledged })
}

// ClearErroredReports deletes every report whose upload failed.
func (s *Service) ClearErroredReports(ctx context.Context) (int, error) {
	return s.clearWhere(ctx, "errored", func(e Entry) bool { return !e.Uploaded && e.Error != "" })
}

func (s *Service) clearWhere(ctx context.Context, what string, match func(Entry) bool) (int, error) {
	removed := 0
	err := s.withLock(ctx, func() error {
		var errs []error
		for _, e := range s.cache.Reports() {
			if !match(e) {
				continue
			}
			if err := s.removeLocked(ctx, e); err != nil {
				errs = append(errs, err)
				continue
			}
			removed++
		}
		if len(errs) > 0 {
			return &repository.BatchError{Op: "clearing " + what + " reports", Errors: errs}
		}
		return nil
	})
	if removed > 0 {
		s.logActivity(ctx, &activity.ActivityEntry{
			ActivityType: activity.TypeReportsCleared,
			Summary:      fmt.Sprintf("Cleared %d %s reports", removed, what),
		})
		s.notify(ctx)
	}
	return removed, err
}

func (s *Service) removeLocked(ctx context.Context, e Entry) error {
	if err := storage.RemoveIfExists(ctx, s.fs, payloadFile(e.Key, e.Format())); err != nil {
		return fmt.Errorf("removing report %s: %w", e.Key, err)
	}
	if err := storage.RemoveIfExists(ctx, s.fs, metaFile(e.Key)); err != nil {
		return fmt.Errorf("removing report %s: %w", e.Key, err)
	}
	s.cache.RemoveReport(e.Key)
	return nil
}

// DeleteAllReports removes every report and acknowledgement, as on logout.
func (s *Service) DeleteAllReports(ctx context.Context) error {
	err := s.withLock(ctx, func() error {
		s.cache.Clear()
		s.lastGlobalAck = time.Time{}
		s.globalAcksLoaded.Store(false)
		return storage.ClearDir(ctx, s.fs, reportsDir)
	})
	s.logActivity(ctx, &activity.ActivityEntry{
		ActivityType: activity.TypeReportsCleared,
		Summary:      "Deleted all reports",
	})
	s.notify(ctx)
	return err
}

// State summarizes the stored reports.
func (s *Service) State(ctx context.Context) (State, error) {
	var out State
	err := s.withLock(ctx, func() error {
		out = s.cache.State()
		return nil
	})
	return out, err
}

// Reports lists the stored reports by arrival.
func (s *Service) Reports(ctx context.Context) ([]Entry, error) {
	var out []Entry
	err := s.withLock(ctx, func() error {
		out = s.cache.Reports()
		return nil
	})
	return out, err
}

// Subscribe registers fn to receive the report state after every change.
// The returned function unregisters it.
func (s *Service) Subscribe(fn func(State)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Service) notify(ctx context.Context) {
	s.subMu.Lock()
	if len(s.subs) == 0 {
		s.subMu.Unlock()
		return
	}
	fns := make([]func(State), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	state, err := s.State(ctx)
	if err != nil {
		return
	}
	for _, fn := range fns {
		fn(state)
	}
}

func (s *Service) withLock(ctx context.Context, fn func() error) error {
	release, err := s.lock.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

func (s *Service) logActivity(ctx context.Context, entry *activity.ActivityEntry) {
	if s.activities == nil {
		return
	}
	if err := s.activities.Log(ctx, entry); err != nil {
		s.logger.Warn("recording activity failed", "type", entry.ActivityType, "error", err)
	}
}
