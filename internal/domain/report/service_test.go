package report_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rpggio/fieldsync/internal/clock"
	"github.com/rpggio/fieldsync/internal/domain/report"
	"github.com/rpggio/fieldsync/internal/repository"
	"github.com/rpggio/fieldsync/internal/repository/mocks"
	"github.com/rpggio/fieldsync/internal/storage"
	"github.com/rpggio/fieldsync/internal/testserver"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const device1 = "d--0000-0000-0000-0001"

type status struct {
	mu            sync.Mutex
	online        bool
	authenticated bool
}

func (s *status) IsOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *status) IsAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

func (s *status) set(online, authenticated bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online, s.authenticated = online, authenticated
}

type rejection struct{}

func (rejection) Error() string       { return "400 bad request" }
func (rejection) UserMessage() string { return "Report belongs to another project." }

type fixture struct {
	svc    *report.Service
	disk   *storage.Disk
	remote *testserver.Remote
	clock  *clock.FakeClock
	status *status
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	disk, err := storage.NewDisk(t.TempDir())
	require.NoError(t, err)
	return newFixtureOn(t, disk, testserver.NewRemote())
}

func newFixtureOn(t *testing.T, disk *storage.Disk, remote *testserver.Remote) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	f := &fixture{
		disk:   disk,
		remote: remote,
		clock:  clock.Fake(t0),
		status: &status{online: true, authenticated: true},
	}
	f.svc = report.NewService(ctx, report.Options{
		Store:  disk,
		Cloud:  remote,
		Status: f.status,
		Clock:  f.clock,
	})
	return f
}

func (f *fixture) submit(t *testing.T, data []byte) report.IngestResult {
	t.Helper()
	r, err := report.ParseSignedList(data, f.clock.Now(), nil)
	require.NoError(t, err)
	result, err := f.svc.SubmitReport(context.Background(), r)
	require.NoError(t, err)
	return result
}

func (f *fixture) submitRange(t *testing.T, lowest, highest uint32) report.IngestResult {
	t.Helper()
	return f.submit(t, signedList(1, 0, lowest, highest).Encode())
}

func TestService_UploadAndAcknowledge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for _, r := range [][2]uint32{{1, 10}, {11, 20}, {21, 30}} {
		result := f.submitRange(t, r[0], r[1])
		require.False(t, result.Dropped)
		require.NotEmpty(t, result.Key)
	}

	result, err := f.svc.UploadAllReports(ctx, false, nil)
	require.NoError(t, err)
	require.Equal(t, report.UploadResult{NumberSuccessful: 3}, result)
	uploads := f.remote.Uploads()
	require.Len(t, uploads, 3)
	require.Equal(t, device1, uploads[0].DeviceSlug)
	require.Equal(t, report.FormatSignedList, uploads[0].Format)

	f.remote.SetAck(device1, 0, 25)
	changed, err := f.svc.RefreshAcknowledgements(ctx, device1)
	require.NoError(t, err)
	require.Equal(t, 1, changed)

	reports, err := f.svc.Reports(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 3)
	for _, e := range reports {
		require.Equal(t, e.HighestReadingID <= 25, e.Acknowledged, e.Key)
	}

	state, err := f.svc.State(ctx)
	require.NoError(t, err)
	require.Equal(t, report.State{Total: 3, Uploaded: 1, Acknowledged: 2, DevicesPending: 1}, state)

	removed, err := f.svc.ClearFinishedReports(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, removed)
	names, err := f.disk.List(ctx, "reports")
	require.NoError(t, err)
	require.Len(t, names, 3)
}

func TestService_DropsUnwantedReports(t *testing.T) {
	f := newFixture(t)
	data := signedList(1, 0, 1, 10).Encode()

	require.False(t, f.submit(t, data).Dropped)

	dup := f.submit(t, data)
	require.True(t, dup.Dropped)
	require.Equal(t, report.DropDuplicate, dup.Reason)

	f.svc.IgnoreDevice("d--0000-0000-0000-0002")
	require.True(t, f.svc.IsIgnored("d--0000-0000-0000-0002"))
	ignored := f.submit(t, signedList(2, 0, 1, 10).Encode())
	require.True(t, ignored.Dropped)
	require.Equal(t, report.DropIgnoredDevice, ignored.Reason)
	f.svc.UnignoreDevice("d--0000-0000-0000-0002")
	require.False(t, f.submit(t, signedList(2, 0, 1, 10).Encode()).Dropped)

	tampered := signedList(1, 0, 11, 20).Encode()
	tampered[24]++
	bad := f.submit(t, tampered)
	require.True(t, bad.Dropped)
	require.Equal(t, report.DropInvalidSignature, bad.Reason)

	state, err := f.svc.State(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, state.Total)
}

func TestService_StoresFlexibleDictReports(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	data, err := report.FlexibleDict{Device: 1, StreamerIndex: 256, LowestID: 1, HighestID: 4,
		Data: []map[string]any{{"value": 1}}}.Encode()
	require.NoError(t, err)
	r, err := report.ParseFlexibleDict(data, t0)
	require.NoError(t, err)

	result, err := f.svc.SubmitReport(ctx, r)
	require.NoError(t, err)
	exists, err := f.disk.FileExists(ctx, "reports/"+result.Key+".mp")
	require.NoError(t, err)
	require.True(t, exists)

	_, err = f.svc.UploadReportsForDevice(ctx, device1, false, nil)
	require.NoError(t, err)
	uploads := f.remote.Uploads()
	require.Len(t, uploads, 1)
	require.Equal(t, report.FormatFlexibleDict, uploads[0].Format)
	require.Equal(t, data, uploads[0].Payload)

	_, err = f.svc.UploadReportsForDevice(ctx, "", false, nil)
	require.ErrorIs(t, err, repository.ErrInvalidArgument)
}

func TestService_UploadFailuresAreRecorded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.submitRange(t, 1, 10)
	f.submitRange(t, 11, 20)

	f.remote.FailOn("UploadReport", rejection{})
	result, err := f.svc.UploadAllReports(ctx, false, nil)
	require.NoError(t, err)
	require.Equal(t, report.UploadResult{NumberFailed: 2}, result)

	reports, err := f.svc.Reports(ctx)
	require.NoError(t, err)
	for _, e := range reports {
		require.False(t, e.Uploaded)
		require.Equal(t, "Report belongs to another project.", e.Error)
	}

	f.remote.FailOn("UploadReport", errors.New("connection reset"))
	result, err = f.svc.UploadAllReports(ctx, false, nil)
	require.NoError(t, err)
	require.Equal(t, report.UploadResult{}, result)

	result, err = f.svc.UploadAllReports(ctx, true, nil)
	require.NoError(t, err)
	require.Equal(t, 2, result.NumberFailed)
	reports, err = f.svc.Reports(ctx)
	require.NoError(t, err)
	require.Equal(t, "Could not upload the report. Please try again later.", reports[0].Error)

	f.remote.FailOn("UploadReport", nil)
	result, err = f.svc.UploadAllReports(ctx, true, nil)
	require.NoError(t, err)
	require.Equal(t, 2, result.NumberSuccessful)
	reports, err = f.svc.Reports(ctx)
	require.NoError(t, err)
	require.Empty(t, reports[0].Error)
}

func TestService_ClearErroredReports(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.submitRange(t, 1, 10)
	f.remote.FailOn("UploadReport", rejection{})
	_, err := f.svc.UploadAllReports(ctx, false, nil)
	require.NoError(t, err)
	f.submitRange(t, 11, 20)

	removed, err := f.svc.ClearErroredReports(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	state, err := f.svc.State(ctx)
	require.NoError(t, err)
	require.Equal(t, report.State{Total: 1, ToUpload: 1}, state)
}

func TestService_LoadSavedReports(t *testing.T) {
	ctx := context.Background()
	disk, err := storage.NewDisk(t.TempDir())
	require.NoError(t, err)
	remote := testserver.NewRemote()

	first := newFixtureOn(t, disk, remote)
	kept := first.submitRange(t, 1, 10)
	orphan := first.submitRange(t, 11, 20)
	require.NoError(t, first.svc.AddAcknowledgement(ctx, device1, 0, 10))
	require.NoError(t, disk.Remove(ctx, "reports/"+orphan.Key+".json"))
	require.NoError(t, disk.WriteFile(ctx, "reports/stray.bin", []byte{1, 2, 3}))

	second := newFixtureOn(t, disk, remote)
	loaded, err := second.svc.LoadSavedReports(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, loaded)

	reports, err := second.svc.Reports(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.Equal(t, kept.Key, reports[0].Key)
	require.True(t, reports[0].Acknowledged)

	names, err := disk.List(ctx, "reports")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{kept.Key + ".bin", kept.Key + ".json", "report_acks.json"}, names)
}

func TestService_LoadSavedReportsWithoutDirectory(t *testing.T) {
	f := newFixture(t)
	loaded, err := f.svc.LoadSavedReports(context.Background())
	require.NoError(t, err)
	require.Zero(t, loaded)
}

func TestService_CheckAcknowledgementsSchedule(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.submitRange(t, 1, 10)
	_, err := f.svc.UploadAllReports(ctx, false, nil)
	require.NoError(t, err)
	calls := func() int { return f.remote.Calls("FetchAcknowledgements") }

	require.NoError(t, f.svc.CheckAcknowledgements(ctx))
	require.Equal(t, 1, calls(), "first check refreshes everything")

	require.NoError(t, f.svc.CheckAcknowledgements(ctx))
	require.Equal(t, 2, calls(), "device is due immediately after upload")

	require.NoError(t, f.svc.CheckAcknowledgements(ctx))
	require.Equal(t, 2, calls(), "second targeted check waits")

	f.clock.Advance(5 * time.Second)
	require.NoError(t, f.svc.CheckAcknowledgements(ctx))
	require.Equal(t, 3, calls())

	f.clock.Advance(time.Hour)
	require.NoError(t, f.svc.CheckAcknowledgements(ctx))
	require.Equal(t, 4, calls(), "stale global refresh runs again")

	f.status.set(false, true)
	f.clock.Advance(time.Hour)
	require.NoError(t, f.svc.CheckAcknowledgements(ctx))
	require.Equal(t, 4, calls(), "offline skips the check")

	f.status.set(true, true)
	f.remote.SetAck(device1, 0, 10)
	f.svc.ResetGlobalAcknowledgements()
	require.NoError(t, f.svc.CheckAcknowledgements(ctx))
	require.Equal(t, 5, calls())

	state, err := f.svc.State(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, state.Acknowledged)
	require.Zero(t, state.DevicesPending)
}

func TestService_CheckAcknowledgementsCollectsFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.submitRange(t, 1, 10)
	_, err := f.svc.UploadAllReports(ctx, false, nil)
	require.NoError(t, err)
	require.NoError(t, f.svc.CheckAcknowledgements(ctx))

	f.remote.FailOn("FetchAcknowledgements", errors.New("timeout"))
	err = f.svc.CheckAcknowledgements(ctx)
	var batch *repository.BatchError
	require.ErrorAs(t, err, &batch)
	require.Len(t, batch.Errors, 1)
}

func TestService_RunStopsWithContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.svc.Run(ctx) }()

	require.Eventually(t, func() bool { return f.clock.Pending() == 1 }, time.Second, time.Millisecond)
	f.clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool { return f.remote.Calls("FetchAcknowledgements") == 1 }, time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestService_AcknowledgeReportsToDevice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for streamer, value := range map[int]uint32{0: 100, 1: 50, 2: 300, 3: 40} {
		require.NoError(t, f.svc.AddAcknowledgement(ctx, device1, streamer, value))
	}

	link := &mocks.DeviceLink{}
	link.On("Slug").Return(device1)
	link.On("FirmwareVersion").Return("2.11.0")
	link.On("StreamerStatus", mock.Anything, 0).Return(report.StreamerStatus{Index: 0, LastAck: 356}, nil)
	link.On("StreamerStatus", mock.Anything, 1).Return(report.StreamerStatus{Index: 1, LastAck: 100}, nil)
	link.On("StreamerStatus", mock.Anything, 2).Return(report.StreamerStatus{Index: 2, LastAck: 300}, nil)
	link.On("StreamerStatus", mock.Anything, 3).Return(report.StreamerStatus{Index: 3, LastAck: 10}, nil)
	link.On("AcknowledgeStreamer", mock.Anything, 0, uint32(100), true).Return(nil)
	link.On("AcknowledgeStreamer", mock.Anything, 1, uint32(50), true).Return(nil)
	link.On("AcknowledgeStreamer", mock.Anything, 3, uint32(40), false).Return(nil)

	require.NoError(t, f.svc.AcknowledgeReportsToDevice(ctx, link))
	link.AssertExpectations(t)
	link.AssertNotCalled(t, "AcknowledgeStreamer", mock.Anything, 2, mock.Anything, mock.Anything)
}

func TestService_AcknowledgeReportsToDeviceTrustsOtherFirmware(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.svc.AddAcknowledgement(ctx, device1, 0, 100))
	require.NoError(t, f.svc.AddAcknowledgement(ctx, device1, 1, 50))

	link := &mocks.DeviceLink{}
	link.On("Slug").Return(device1)
	link.On("FirmwareVersion").Return("2.12.0")
	link.On("StreamerStatus", mock.Anything, 0).Return(report.StreamerStatus{Index: 0, LastAck: 100}, nil)
	link.On("StreamerStatus", mock.Anything, 1).Return(report.StreamerStatus{Index: 1, LastAck: 100}, nil)

	require.NoError(t, f.svc.AcknowledgeReportsToDevice(ctx, link))
	link.AssertNotCalled(t, "AcknowledgeStreamer", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestService_AcknowledgeReportsToDeviceCollectsErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.svc.AddAcknowledgement(ctx, device1, 0, 100))

	link := &mocks.DeviceLink{}
	link.On("Slug").Return(device1)
	link.On("FirmwareVersion").Return("2.12.0")
	link.On("StreamerStatus", mock.Anything, 0).Return(report.StreamerStatus{}, errors.New("link lost"))

	err := f.svc.AcknowledgeReportsToDevice(ctx, link)
	var batch *repository.BatchError
	require.ErrorAs(t, err, &batch)
	require.Len(t, batch.Errors, 1)
}

func TestService_DeleteAllReports(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first := f.submitRange(t, 1, 10)
	f.submitRange(t, 11, 20)
	require.NoError(t, f.svc.AddAcknowledgement(ctx, device1, 0, 10))

	require.NoError(t, f.svc.DeleteReport(ctx, first.Key))
	require.ErrorIs(t, f.svc.DeleteReport(ctx, first.Key), repository.ErrNotFound)

	require.NoError(t, f.svc.DeleteAllReports(ctx))
	state, err := f.svc.State(ctx)
	require.NoError(t, err)
	require.Equal(t, report.State{}, state)

	names, err := f.disk.List(ctx, "reports")
	require.NoError(t, err)
	require.Empty(t, names)
}

func TestService_SubscribersSeeChanges(t *testing.T) {
	f := newFixture(t)
	var mu sync.Mutex
	var seen []report.State
	unsubscribe := f.svc.Subscribe(func(s report.State) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s)
	})

	f.submitRange(t, 1, 10)
	unsubscribe()
	f.submitRange(t, 11, 20)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	require.Equal(t, 1, seen[0].Total)
}

func TestService_RecordsActivity(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	disk, err := storage.NewDisk(t.TempDir())
	require.NoError(t, err)
	activities := &mocks.ActivityRepository{}
	activities.On("Log", mock.Anything, mock.Anything).Return(nil)

	svc := report.NewService(ctx, report.Options{Store: disk, Activities: activities, Clock: clock.Fake(t0)})
	r, err := report.ParseSignedList(signedList(1, 0, 1, 10).Encode(), t0, nil)
	require.NoError(t, err)
	_, err = svc.SubmitReport(ctx, r)
	require.NoError(t, err)

	_, err = svc.UploadAllReports(ctx, false, nil)
	require.ErrorIs(t, err, report.ErrNoCloud)
	activities.AssertNumberOfCalls(t, "Log", 1)
}

func TestService_ImportReport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.svc.ImportReport(ctx, report.FormatSignedList, signedList(1, 0, 1, 10).Encode())
	require.NoError(t, err)
	require.False(t, result.Dropped)
	require.NotEmpty(t, result.Key)

	_, err = f.svc.ImportReport(ctx, report.Format("csv"), []byte{1})
	require.ErrorIs(t, err, report.ErrMalformedReport)

	_, err = f.svc.ImportReport(ctx, report.FormatSignedList, []byte{0x02, 0x00})
	require.ErrorIs(t, err, report.ErrMalformedReport)
}
