package report

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"time"
)

// DefaultCheckSchedule is the delay before each targeted acknowledgement
// check of a device that has uploaded reports waiting for acknowledgement.
// Once it is exhausted the device is only covered by global refreshes.
var DefaultCheckSchedule = []time.Duration{
	0,
	5 * time.Second,
	5 * time.Second,
	15 * time.Second,
	15 * time.Second,
	60 * time.Second,
	300 * time.Second,
	600 * time.Second,
}

type backoffState struct {
	lastCheck  time.Time
	checkCount int
}

// Cache indexes report metadata and acknowledgements in memory. It is not
// safe for concurrent use; the report service serializes access.
type Cache struct {
	reports  map[string]*Entry
	acks     AckTable
	backoff  map[string]*backoffState
	schedule []time.Duration
}

// NewCache creates an empty cache using DefaultCheckSchedule.
func NewCache() *Cache {
	return NewCacheWithSchedule(DefaultCheckSchedule)
}

// NewCacheWithSchedule creates an empty cache with a custom check schedule.
func NewCacheWithSchedule(schedule []time.Duration) *Cache {
	return &Cache{
		reports:  map[string]*Entry{},
		acks:     AckTable{},
		backoff:  map[string]*backoffState{},
		schedule: slices.Clone(schedule),
	}
}

// AddReport indexes e. Its Acknowledged flag is recomputed.
func (c *Cache) AddReport(e Entry) error {
	if _, ok := c.reports[e.Key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, e.Key)
	}
	e.Acknowledged = c.isAcked(&e)
	c.reports[e.Key] = &e
	return nil
}

// Get returns a copy of the entry for key.
func (c *Cache) Get(key string) (Entry, bool) {
	e, ok := c.reports[key]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// MarkUploaded flags a report as accepted by the cloud, clears its error
// and schedules acknowledgement checks for its device.
func (c *Cache) MarkUploaded(key string, now time.Time) (Entry, error) {
	e, ok := c.reports[key]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrReportNotFound, key)
	}
	e.Uploaded = true
	e.Error = ""
	if !e.Acknowledged {
		if _, ok := c.backoff[e.DeviceSlug]; !ok {
			c.backoff[e.DeviceSlug] = &backoffState{lastCheck: now}
		}
	}
	return *e, nil
}

// MarkError records a failed upload.
func (c *Cache) MarkError(key, msg string) (Entry, error) {
	e, ok := c.reports[key]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrReportNotFound, key)
	}
	e.Error = msg
	return *e, nil
}

// RemoveReport drops a report from the index.
func (c *Cache) RemoveReport(key string) (Entry, bool) {
	e, ok := c.reports[key]
	if !ok {
		return Entry{}, false
	}
	delete(c.reports, key)
	c.pruneBackoff()
	return *e, true
}

// AddAcknowledgement records that the cloud has every reading up to value
// for a streamer. Only the highest value seen per streamer is kept. Reports
// it covers become acknowledged, and devices with nothing left to
// acknowledge stop being checked. It reports whether the stored value moved.
func (c *Cache) AddAcknowledgement(deviceSlug string, streamer int, value uint32) bool {
	streamers := c.acks[deviceSlug]
	if streamers == nil {
		streamers = map[int]Acknowledgement{}
		c.acks[deviceSlug] = streamers
	}
	if current, ok := streamers[streamer]; ok && current.AckValue >= value {
		return false
	}
	streamers[streamer] = Acknowledgement{StreamerID: streamer, AckValue: value}

	for _, e := range c.reports {
		if !e.Acknowledged && c.isAcked(e) {
			e.Acknowledged = true
		}
	}
	c.pruneBackoff()
	return true
}

// WaitingReportsForDevice returns the reports of a device that have not
// been uploaded, lowest highestReadingId first.
func (c *Cache) WaitingReportsForDevice(deviceSlug string) []Entry {
	var out []Entry
	for _, e := range c.reports {
		if e.DeviceSlug == deviceSlug && !e.Uploaded {
			out = append(out, *e)
		}
	}
	sortByReadings(out)
	return out
}

// WaitingReports returns every report that has not been uploaded, grouped
// by device and ordered like WaitingReportsForDevice within a device.
func (c *Cache) WaitingReports() []Entry {
	var out []Entry
	for _, e := range c.reports {
		if !e.Uploaded {
			out = append(out, *e)
		}
	}
	slices.SortFunc(out, func(a, b Entry) int {
		return cmp.Or(
			cmp.Compare(a.DeviceSlug, b.DeviceSlug),
			cmp.Compare(a.HighestReadingID, b.HighestReadingID),
			cmp.Compare(a.Key, b.Key),
		)
	})
	return out
}

// DevicesToCheck returns the devices whose check schedule is due at now.
func (c *Cache) DevicesToCheck(now time.Time) []string {
	var out []string
	for slug, b := range c.backoff {
		if b.checkCount >= len(c.schedule) {
			continue
		}
		if now.Sub(b.lastCheck) >= c.schedule[b.checkCount] {
			out = append(out, slug)
		}
	}
	slices.Sort(out)
	return out
}

// MarkChecked advances the check schedule of a device.
func (c *Cache) MarkChecked(deviceSlug string, now time.Time) {
	if b, ok := c.backoff[deviceSlug]; ok {
		b.lastCheck = now
		b.checkCount++
	}
}

// PendingDevices returns how many devices are on the check schedule.
func (c *Cache) PendingDevices() int {
	return len(c.backoff)
}

// CountReportsToUpload counts reports not yet uploaded. Reports whose last
// upload failed are only counted when includeErrors is set.
func (c *Cache) CountReportsToUpload(includeErrors bool) int {
	n := 0
	for _, e := range c.reports {
		if e.Uploaded {
			continue
		}
		if e.Error != "" && !includeErrors {
			continue
		}
		n++
	}
	return n
}

// Reports returns all entries ordered by arrival.
func (c *Cache) Reports() []Entry {
	out := make([]Entry, 0, len(c.reports))
	for _, e := range c.reports {
		out = append(out, *e)
	}
	slices.SortFunc(out, func(a, b Entry) int {
		return cmp.Or(a.Timestamp.Compare(b.Timestamp), cmp.Compare(a.Key, b.Key))
	})
	return out
}

// AcknowledgementsFor returns the acknowledgements of one device.
func (c *Cache) AcknowledgementsFor(deviceSlug string) map[int]Acknowledgement {
	return maps.Clone(c.acks[deviceSlug])
}

// Acknowledgements returns a copy of the whole acknowledgement table.
func (c *Cache) Acknowledgements() AckTable {
	out := make(AckTable, len(c.acks))
	for slug, streamers := range c.acks {
		out[slug] = maps.Clone(streamers)
	}
	return out
}

// FindDuplicate returns a stored report carrying the same readings as e:
// same device, streamer, reading id range and payload fingerprint.
func (c *Cache) FindDuplicate(e Entry) (Entry, bool) {
	for _, existing := range c.reports {
		if existing.Device == e.Device &&
			existing.Streamer == e.Streamer &&
			existing.LowestReadingID == e.LowestReadingID &&
			existing.HighestReadingID == e.HighestReadingID &&
			existing.Fingerprint == e.Fingerprint {
			return *existing, true
		}
	}
	return Entry{}, false
}

// State summarizes the cache.
func (c *Cache) State() State {
	s := State{Total: len(c.reports), DevicesPending: len(c.backoff)}
	for _, e := range c.reports {
		switch {
		case e.Acknowledged:
			s.Acknowledged++
		case e.Uploaded:
			s.Uploaded++
		case e.Error != "":
			s.Errored++
		default:
			s.ToUpload++
		}
	}
	return s
}

// Clear forgets all reports, acknowledgements and schedules.
func (c *Cache) Clear() {
	c.reports = map[string]*Entry{}
	c.acks = AckTable{}
	c.backoff = map[string]*backoffState{}
}

func (c *Cache) isAcked(e *Entry) bool {
	ack, ok := c.acks[e.DeviceSlug][e.Streamer]
	return ok && ack.AckValue >= e.HighestReadingID
}

// pruneBackoff stops checking devices with no unacknowledged reports.
func (c *Cache) pruneBackoff() {
	waiting := make(map[string]bool)
	for _, e := range c.reports {
		if !e.Acknowledged {
			waiting[e.DeviceSlug] = true
		}
	}
	for slug := range c.backoff {
		if !waiting[slug] {
			delete(c.backoff, slug)
		}
	}
}

func sortByReadings(entries []Entry) {
	slices.SortFunc(entries, func(a, b Entry) int {
		return cmp.Or(cmp.Compare(a.HighestReadingID, b.HighestReadingID), cmp.Compare(a.Key, b.Key))
	})
}
