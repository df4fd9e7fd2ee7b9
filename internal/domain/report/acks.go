package report

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/rpggio/fieldsync/internal/domain/activity"
	"github.com/rpggio/fieldsync/internal/repository"
	"github.com/rpggio/fieldsync/internal/storage"
)

// MisattributingFirmware lists firmware versions known to report the
// acknowledgement of one streamer on another streamer index.
var MisattributingFirmware = []string{"2.11.0", "2.11.1"}

// Run polls for acknowledgements every poll interval until ctx is done.
// Errors of one iteration are logged and the loop continues.
func (s *Service) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(s.pollInterval):
		}
		if err := s.safeCheck(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("acknowledgement check failed", "error", err)
		}
	}
}

func (s *Service) safeCheck(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("acknowledgement check panicked: %v", r)
		}
	}()
	return s.CheckAcknowledgements(ctx)
}

// ResetGlobalAcknowledgements makes the next check do a full refresh. It is
// called after login.
func (s *Service) ResetGlobalAcknowledgements() {
	s.globalAcksLoaded.Store(false)
}

// CheckAcknowledgements runs one iteration of the acknowledgement loop. It
// does nothing while offline or logged out. A full refresh runs when none
// has been done since login or the last one is older than the global
// refresh interval; otherwise only devices due on their check schedule are
// queried.
func (s *Service) CheckAcknowledgements(ctx context.Context) error {
	if s.cloud == nil || s.status == nil || !s.status.IsOnline() || !s.status.IsAuthenticated() {
		return nil
	}
	now := s.clock.Now()

	var global bool
	var devices []string
	err := s.withLock(ctx, func() error {
		global = !s.globalAcksLoaded.Load() || now.Sub(s.lastGlobalAck) >= s.globalRefresh
		if global {
			return nil
		}
		devices = s.cache.DevicesToCheck(now)
		for _, slug := range devices {
			s.cache.MarkChecked(slug, now)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if global {
		acks, err := s.cloud.FetchAcknowledgements(ctx, "")
		if err != nil {
			return fmt.Errorf("fetching acknowledgements: %w", err)
		}
		if _, err := s.mergeAcks(ctx, acks); err != nil {
			return err
		}
		if err := s.withLock(ctx, func() error {
			s.lastGlobalAck = now
			return nil
		}); err != nil {
			return err
		}
		s.globalAcksLoaded.Store(true)
		return nil
	}

	var errs []error
	for _, slug := range devices {
		acks, err := s.cloud.FetchAcknowledgements(ctx, slug)
		if err != nil {
			errs = append(errs, fmt.Errorf("fetching acknowledgements of %s: %w", slug, err))
			continue
		}
		if _, err := s.mergeAcks(ctx, acks); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return &repository.BatchError{Op: "checking acknowledgements", Errors: errs}
	}
	return nil
}

// RefreshAcknowledgements fetches acknowledgements of one device, or of all
// devices when deviceSlug is empty, and returns how many moved forward.
func (s *Service) RefreshAcknowledgements(ctx context.Context, deviceSlug string) (int, error) {
	if s.cloud == nil {
		return 0, ErrNoCloud
	}
	acks, err := s.cloud.FetchAcknowledgements(ctx, deviceSlug)
	if err != nil {
		return 0, fmt.Errorf("fetching acknowledgements: %w", err)
	}
	changed, err := s.mergeAcks(ctx, acks)
	if err != nil {
		return changed, err
	}
	if deviceSlug == "" {
		_ = s.withLock(ctx, func() error {
			s.lastGlobalAck = s.clock.Now()
			return nil
		})
		s.globalAcksLoaded.Store(true)
	}
	return changed, nil
}

// AddAcknowledgement merges one acknowledgement and saves the table.
func (s *Service) AddAcknowledgement(ctx context.Context, deviceSlug string, streamer int, value uint32) error {
	_, err := s.mergeAcks(ctx, []RemoteAck{{DeviceSlug: deviceSlug, StreamerIndex: streamer, LastID: value}})
	return err
}

// mergeAcks adds acks to the cache and saves the table when anything moved.
func (s *Service) mergeAcks(ctx context.Context, acks []RemoteAck) (int, error) {
	changed := 0
	err := s.withLock(ctx, func() error {
		for _, ack := range acks {
			if s.cache.AddAcknowledgement(ack.DeviceSlug, ack.StreamerIndex, ack.LastID) {
				changed++
			}
		}
		if changed == 0 {
			return nil
		}
		if err := storage.WriteJSON(ctx, s.fs, ackFile, s.cache.Acknowledgements()); err != nil {
			return fmt.Errorf("saving acknowledgements: %w", err)
		}
		return nil
	})
	if err != nil || changed == 0 {
		return changed, err
	}
	s.logActivity(ctx, &activity.ActivityEntry{
		ActivityType: activity.TypeAcksUpdated,
		Summary:      fmt.Sprintf("%d acknowledgements updated", changed),
	})
	s.notify(ctx)
	return changed, nil
}

// AcknowledgeReportsToDevice pushes the cloud acknowledgements of a
// connected device down to it so it stops resending confirmed readings.
//
// Two firmware defects are corrected with a forced acknowledgement. A
// device whose acknowledgement is ahead of the cloud by a multiple of 256
// has wrapped its counter. On MisattributingFirmware, a streamer holding
// another streamer's cloud acknowledgement received it by mistake.
func (s *Service) AcknowledgeReportsToDevice(ctx context.Context, link DeviceLink) error {
	slug := link.Slug()
	var acks map[int]Acknowledgement
	if err := s.withLock(ctx, func() error {
		acks = s.cache.AcknowledgementsFor(slug)
		return nil
	}); err != nil {
		return err
	}
	if len(acks) == 0 {
		return nil
	}

	misattributes := slices.Contains(MisattributingFirmware, link.FirmwareVersion())
	var errs []error
	for _, idx := range slices.Sorted(maps.Keys(acks)) {
		cloudValue := acks[idx].AckValue
		status, err := link.StreamerStatus(ctx, idx)
		if err != nil {
			errs = append(errs, fmt.Errorf("reading streamer %d of %s: %w", idx, slug, err))
			continue
		}

		force := false
		switch {
		case status.LastAck > cloudValue && (status.LastAck-cloudValue)%256 == 0:
			s.logger.Warn("correcting wrapped streamer acknowledgement", "device", slug, "streamer", idx,
				"device_ack", status.LastAck, "cloud_ack", cloudValue)
			force = true
		case misattributes && status.LastAck != cloudValue && heldByOther(acks, idx, status.LastAck):
			s.logger.Warn("correcting misattributed streamer acknowledgement", "device", slug, "streamer", idx,
				"device_ack", status.LastAck, "cloud_ack", cloudValue)
			force = true
		case status.LastAck >= cloudValue:
			continue
		}

		if err := link.AcknowledgeStreamer(ctx, idx, cloudValue, force); err != nil {
			errs = append(errs, fmt.Errorf("acknowledging streamer %d of %s: %w", idx, slug, err))
		}
	}
	if len(errs) > 0 {
		return &repository.BatchError{Op: "acknowledging reports to " + slug, Errors: errs}
	}
	return nil
}

func heldByOther(acks map[int]Acknowledgement, idx int, value uint32) bool {
	for other, ack := range acks {
		if other != idx && ack.AckValue == value {
			return true
		}
	}
	return false
}
