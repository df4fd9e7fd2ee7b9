package testserver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rpggio/fieldsync/internal/domain/project"
	"github.com/rpggio/fieldsync/internal/domain/report"
	"github.com/rpggio/fieldsync/internal/repository"
)

// Remote is an in-memory cloud. Tests fill its collections directly and can
// make any operation fail with FailOn.
type Remote struct {
	mu sync.Mutex

	Orgs         []project.Org
	Memberships  map[string]*project.Membership
	Projects     []project.RawProject
	Templates    []project.ProjectTemplate
	Devices      []project.Device
	Streams      []project.Stream
	Variables    []project.Variable
	VarTypes     []project.VarType
	SensorGraphs []project.SensorGraph
	Acks         []report.RemoteAck

	uploads  []report.Upload
	patches  []Patch
	failures map[string]error
	calls    map[string]int
}

// Patch is a PatchModel call received by the remote.
type Patch struct {
	Model  string
	Slug   string
	Fields map[string]any
}

// NewRemote returns an empty remote.
func NewRemote() *Remote {
	return &Remote{
		Memberships: map[string]*project.Membership{},
		failures:    map[string]error{},
		calls:       map[string]int{},
	}
}

// NewFixtureRemote returns a remote with two orgs, three projects, the
// shared reference data and two devices in proj-1, one of which runs a
// sensor graph the cloud does not list.
func NewFixtureRemote() *Remote {
	r := NewRemote()
	created := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	r.Orgs = []project.Org{
		{ID: "org-1", Name: "Arch Systems", Slug: "arch"},
		{ID: "org-2", Name: "Field Labs", Slug: "field-labs"},
	}
	r.Memberships["arch"] = &project.Membership{Org: "arch", Role: "admin"}
	r.Memberships["field-labs"] = &project.Membership{Org: "field-labs", Role: "member"}
	r.Projects = []project.RawProject{
		{ID: "proj-1", Name: "Water Meters", Slug: "p--0000-0001", Org: "arch", ProjectTemplate: "water-meter-v1", CreatedOn: created},
		{ID: "proj-2", Name: "Shipping", Slug: "p--0000-0002", Org: "arch", ProjectTemplate: "shipping-v1", CreatedOn: created},
		{ID: "proj-3", Name: "Soil Probes", Slug: "p--0000-0003", Org: "field-labs", CreatedOn: created},
	}
	r.Templates = []project.ProjectTemplate{
		{Slug: "water-meter-v1", Name: "Water Meter", Version: "1.0.0"},
		{Slug: "shipping-v1", Name: "Shipping", Version: "1.2.0"},
	}
	r.SensorGraphs = []project.SensorGraph{
		{ID: "sg-1", Slug: "water-meter-v1-1-0", Name: "Water Meter", Version: "1.0.0"},
	}
	r.VarTypes = []project.VarType{
		{
			Slug:                "water-volume",
			Name:                "Water Volume",
			StreamDataType:      "D0",
			AvailableInputUnits: []project.Unit{{Slug: "in--water-volume--gallons", Name: "Gallons", Multiplier: 1, Divider: 1}},
			AvailableOutputUnits: []project.Unit{
				{Slug: "out--water-volume--gallons", Name: "Gallons", Multiplier: 1, Divider: 1},
				{Slug: "out--water-volume--liters", Name: "Liters", Multiplier: 3785, Divider: 1000},
			},
		},
	}
	r.Devices = []project.Device{
		{ID: 1, Slug: "d--0000-0000-0000-0001", Label: "Meter 1", Project: "proj-1", SensorGraph: "water-meter-v1-1-0"},
		{ID: 2, Slug: "d--0000-0000-0000-0002", Label: "Meter 2", Project: "proj-1", SensorGraph: "retired-graph-0-9"},
	}
	r.Variables = []project.Variable{
		{ID: "var-1", Slug: "v--0000-0001--5001", Name: "Volume", LID: 0x5001, Project: "proj-1", VarType: "water-volume"},
	}
	r.Streams = []project.Stream{
		{ID: "s-1", Slug: "s--0000-0001--0000-0000-0000-0001--5001", Device: "d--0000-0000-0000-0001", Variable: "v--0000-0001--5001",
			Project: "proj-1", MDO: project.MDO{Multiplier: 1, Divider: 1}, InputUnit: "in--water-volume--gallons",
			OutputUnit: "out--water-volume--gallons", Enabled: true},
		{ID: "s-2", Slug: "s--0000-0001--0000-0000-0000-0002--5001", Device: "d--0000-0000-0000-0002", Variable: "v--0000-0001--5001",
			Project: "proj-1", MDO: project.MDO{Multiplier: 1, Divider: 1}, Enabled: true},
	}
	return r
}

// FailOn makes op (a method name such as "FetchDevices") return err until
// cleared with a nil err.
func (r *Remote) FailOn(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.failures, op)
		return
	}
	r.failures[op] = err
}

// Calls returns how many times op was called.
func (r *Remote) Calls(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[op]
}

// Uploads returns the reports received so far.
func (r *Remote) Uploads() []report.Upload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]report.Upload(nil), r.uploads...)
}

// Patches returns the patches received so far.
func (r *Remote) Patches() []Patch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Patch(nil), r.patches...)
}

// SetAck sets the cloud acknowledgement of a streamer.
func (r *Remote) SetAck(deviceSlug string, streamer int, lastID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, ack := range r.Acks {
		if ack.DeviceSlug == deviceSlug && ack.StreamerIndex == streamer {
			r.Acks[i].LastID = lastID
			return
		}
	}
	r.Acks = append(r.Acks, report.RemoteAck{DeviceSlug: deviceSlug, StreamerIndex: streamer, LastID: lastID})
}

func (r *Remote) enter(op string) (func(), error) {
	r.mu.Lock()
	r.calls[op]++
	if err := r.failures[op]; err != nil {
		r.mu.Unlock()
		return nil, err
	}
	return r.mu.Unlock, nil
}

func (r *Remote) FetchOrgs(ctx context.Context) ([]project.Org, error) {
	done, err := r.enter("FetchOrgs")
	if err != nil {
		return nil, err
	}
	defer done()
	return append([]project.Org(nil), r.Orgs...), nil
}

func (r *Remote) FetchMembership(ctx context.Context, orgSlug string) (*project.Membership, error) {
	done, err := r.enter("FetchMembership")
	if err != nil {
		return nil, err
	}
	defer done()
	m, ok := r.Memberships[orgSlug]
	if !ok {
		return &project.Membership{Org: orgSlug}, nil
	}
	c := *m
	return &c, nil
}

func (r *Remote) FetchProjects(ctx context.Context) ([]project.RawProject, error) {
	done, err := r.enter("FetchProjects")
	if err != nil {
		return nil, err
	}
	defer done()
	return append([]project.RawProject(nil), r.Projects...), nil
}

func (r *Remote) FetchProjectTemplates(ctx context.Context) ([]project.ProjectTemplate, error) {
	done, err := r.enter("FetchProjectTemplates")
	if err != nil {
		return nil, err
	}
	defer done()
	return append([]project.ProjectTemplate(nil), r.Templates...), nil
}

func (r *Remote) FetchDevices(ctx context.Context, projectID string) ([]project.Device, error) {
	done, err := r.enter("FetchDevices")
	if err != nil {
		return nil, err
	}
	defer done()
	return filter(r.Devices, projectID, func(d project.Device) string { return d.Project }), nil
}

func (r *Remote) FetchStreams(ctx context.Context, projectID string) ([]project.Stream, error) {
	done, err := r.enter("FetchStreams")
	if err != nil {
		return nil, err
	}
	defer done()
	return filter(r.Streams, projectID, func(s project.Stream) string { return s.Project }), nil
}

func (r *Remote) FetchVariables(ctx context.Context, projectID string) ([]project.Variable, error) {
	done, err := r.enter("FetchVariables")
	if err != nil {
		return nil, err
	}
	defer done()
	return filter(r.Variables, projectID, func(v project.Variable) string { return v.Project }), nil
}

func (r *Remote) FetchVariableTypes(ctx context.Context) ([]project.VarType, error) {
	done, err := r.enter("FetchVariableTypes")
	if err != nil {
		return nil, err
	}
	defer done()
	return append([]project.VarType(nil), r.VarTypes...), nil
}

func (r *Remote) FetchSensorGraphs(ctx context.Context) ([]project.SensorGraph, error) {
	done, err := r.enter("FetchSensorGraphs")
	if err != nil {
		return nil, err
	}
	defer done()
	return append([]project.SensorGraph(nil), r.SensorGraphs...), nil
}

// PatchModel records the patch and applies the fields it understands.
func (r *Remote) PatchModel(ctx context.Context, model, slug string, fields map[string]any) error {
	done, err := r.enter("PatchModel")
	if err != nil {
		return err
	}
	defer done()
	r.patches = append(r.patches, Patch{Model: model, Slug: slug, Fields: fields})

	switch model {
	case "device":
		for i := range r.Devices {
			if r.Devices[i].Slug != slug {
				continue
			}
			if v, ok := fields["label"].(string); ok {
				r.Devices[i].Label = v
			}
			if v, ok := fields["drifter_mode"].(bool); ok {
				r.Devices[i].DrifterMode = v
			}
			return nil
		}
	case "stream":
		for i := range r.Streams {
			if r.Streams[i].Slug != slug {
				continue
			}
			if v, ok := fields["input_unit"].(string); ok {
				r.Streams[i].InputUnit = v
			}
			if v, ok := fields["output_unit"].(string); ok {
				r.Streams[i].OutputUnit = v
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s %s", repository.ErrNotFound, model, slug)
}

func (r *Remote) UploadReport(ctx context.Context, upload report.Upload) error {
	done, err := r.enter("UploadReport")
	if err != nil {
		return err
	}
	defer done()
	r.uploads = append(r.uploads, upload)
	return nil
}

func (r *Remote) FetchAcknowledgements(ctx context.Context, deviceSlug string) ([]report.RemoteAck, error) {
	done, err := r.enter("FetchAcknowledgements")
	if err != nil {
		return nil, err
	}
	defer done()
	return filter(r.Acks, deviceSlug, func(a report.RemoteAck) string { return a.DeviceSlug }), nil
}

func filter[T any](items []T, key string, keyOf func(T) string) []T {
	var out []T
	for _, item := range items {
		if key == "" || keyOf(item) == key {
			out = append(out, item)
		}
	}
	return out
}

var (
	_ project.RemoteSource = (*Remote)(nil)
	_ report.Cloud         = (*Remote)(nil)
)
