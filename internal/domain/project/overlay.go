package project

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DeltaKind names the record field a Delta changes.
type DeltaKind string

const (
	KindDeviceLabel      DeltaKind = "device_label"
	KindDeviceLocation   DeltaKind = "device_location"
	KindDeviceDriftMode  DeltaKind = "device_drift_mode"
	KindStreamMDO        DeltaKind = "stream_mdo"
	KindStreamInputUnit  DeltaKind = "stream_input_unit"
	KindStreamOutputUnit DeltaKind = "stream_output_unit"
)

// Delta is a pending change of one field of one device or stream. Old is
// the cloud value the edit was based on and New the value the user wants.
type Delta struct {
	Kind DeltaKind       `json:"kind"`
	Slug string          `json:"slug"`
	Old  json.RawMessage `json:"old"`
	New  json.RawMessage `json:"new"`
}

func DeviceLabelDelta(slug, from, to string) Delta {
	return newDelta(KindDeviceLabel, slug, from, to)
}

func DeviceLocationDelta(slug string, from, to Location) Delta {
	return newDelta(KindDeviceLocation, slug, from, to)
}

func DeviceDriftModeDelta(slug string, from, to bool) Delta {
	return newDelta(KindDeviceDriftMode, slug, from, to)
}

func StreamMDODelta(slug string, from, to MDO) Delta {
	return newDelta(KindStreamMDO, slug, from, to)
}

func StreamInputUnitDelta(slug, from, to string) Delta {
	return newDelta(KindStreamInputUnit, slug, from, to)
}

func StreamOutputUnitDelta(slug, from, to string) Delta {
	return newDelta(KindStreamOutputUnit, slug, from, to)
}

func newDelta(kind DeltaKind, slug string, from, to any) Delta {
	return Delta{Kind: kind, Slug: slug, Old: mustJSON(from), New: mustJSON(to)}
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("encoding delta value: %v", err))
	}
	return data
}

// Patch is the remote update generated for one record.
type Patch struct {
	Model  string         `json:"model"`
	Slug   string         `json:"slug"`
	Fields map[string]any `json:"fields"`
	Deltas []Delta        `json:"-"`
}

// Overlay is the set of pending local edits of a project, at most one delta
// per (kind, slug).
type Overlay struct {
	Deltas []Delta `json:"deltas"`
}

// NewOverlay builds an overlay by adding each delta in order.
func NewOverlay(deltas ...Delta) *Overlay {
	o := &Overlay{}
	for _, d := range deltas {
		o.Add(d)
	}
	return o
}

// IsEmpty reports whether the overlay holds no deltas. A nil overlay is empty.
func (o *Overlay) IsEmpty() bool {
	return o == nil || len(o.Deltas) == 0
}

// Len returns the number of deltas.
func (o *Overlay) Len() int {
	if o == nil {
		return 0
	}
	return len(o.Deltas)
}

// Clone copies the overlay.
func (o *Overlay) Clone() *Overlay {
	if o == nil {
		return nil
	}
	return &Overlay{Deltas: append([]Delta(nil), o.Deltas...)}
}

// Find returns the delta for kind and slug.
func (o *Overlay) Find(kind DeltaKind, slug string) (Delta, bool) {
	if i := o.index(kind, slug); i >= 0 {
		return o.Deltas[i], true
	}
	return Delta{}, false
}

// Add merges d into the overlay. An existing delta for the same field keeps
// its Old value and takes the new New value; a result that changes nothing
// is dropped.
func (o *Overlay) Add(d Delta) {
	i := o.index(d.Kind, d.Slug)
	if i < 0 {
		if !valuesEqual(d.Kind, d.Old, d.New) {
			o.Deltas = append(o.Deltas, d)
		}
		return
	}
	merged := Delta{Kind: d.Kind, Slug: d.Slug, Old: o.Deltas[i].Old, New: d.New}
	if valuesEqual(merged.Kind, merged.Old, merged.New) {
		o.Deltas = append(o.Deltas[:i], o.Deltas[i+1:]...)
		return
	}
	o.Deltas[i] = merged
}

// Merge adds every delta of other.
func (o *Overlay) Merge(other *Overlay) {
	if other == nil {
		return
	}
	for _, d := range other.Deltas {
		o.Add(d)
	}
}

// Prune drops deltas that would not change p: the target record is gone,
// the kind is unknown or p already holds the new value. It returns the
// number of deltas removed.
func (o *Overlay) Prune(p *Project) int {
	if o == nil {
		return 0
	}
	kept := o.Deltas[:0]
	for _, d := range o.Deltas {
		spec, ok := fields[d.Kind]
		if !ok {
			continue
		}
		found, same := spec.matches(p, d.Slug, d.New)
		if !found || same {
			continue
		}
		kept = append(kept, d)
	}
	removed := len(o.Deltas) - len(kept)
	o.Deltas = kept
	return removed
}

// ApplyTo writes each delta's new value into p and returns how many applied.
func (o *Overlay) ApplyTo(p *Project) int {
	if o == nil {
		return 0
	}
	applied := 0
	for _, d := range o.Deltas {
		spec, ok := fields[d.Kind]
		if ok && spec.apply(p, d.Slug, d.New) {
			applied++
		}
	}
	return applied
}

// Patches groups the deltas into one remote update per record, in the
// order the records first appear.
func (o *Overlay) Patches() ([]Patch, error) {
	if o == nil {
		return nil, nil
	}
	var patches []Patch
	index := make(map[string]int)
	for _, d := range o.Deltas {
		spec, ok := fields[d.Kind]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownDelta, d.Kind)
		}
		values, err := spec.patch(d.New)
		if err != nil {
			return nil, fmt.Errorf("patching %s of %s: %w", d.Kind, d.Slug, err)
		}
		key := spec.model() + "/" + d.Slug
		i, ok := index[key]
		if !ok {
			i = len(patches)
			index[key] = i
			patches = append(patches, Patch{Model: spec.model(), Slug: d.Slug, Fields: map[string]any{}})
		}
		for k, v := range values {
			patches[i].Fields[k] = v
		}
		patches[i].Deltas = append(patches[i].Deltas, d)
	}
	return patches, nil
}

func (o *Overlay) index(kind DeltaKind, slug string) int {
	if o == nil {
		return -1
	}
	for i, d := range o.Deltas {
		if d.Kind == kind && d.Slug == slug {
			return i
		}
	}
	return -1
}

func valuesEqual(kind DeltaKind, a, b json.RawMessage) bool {
	if spec, ok := fields[kind]; ok {
		return spec.equal(a, b)
	}
	return bytes.Equal(a, b)
}

type fieldSpec interface {
	model() string
	equal(a, b json.RawMessage) bool
	matches(p *Project, slug string, value json.RawMessage) (found, same bool)
	apply(p *Project, slug string, value json.RawMessage) bool
	patch(value json.RawMessage) (map[string]any, error)
}

type field[T comparable] struct {
	modelName string
	get       func(p *Project, slug string) (T, bool)
	set       func(p *Project, slug string, v T) bool
	patchOf   func(v T) map[string]any
}

func (f field[T]) model() string { return f.modelName }

func (f field[T]) decode(raw json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(raw, &v)
	return v, err
}

func (f field[T]) equal(a, b json.RawMessage) bool {
	va, errA := f.decode(a)
	vb, errB := f.decode(b)
	if errA != nil || errB != nil {
		return bytes.Equal(a, b)
	}
	return va == vb
}

func (f field[T]) matches(p *Project, slug string, value json.RawMessage) (bool, bool) {
	current, ok := f.get(p, slug)
	if !ok {
		return false, false
	}
	v, err := f.decode(value)
	if err != nil {
		return true, false
	}
	return true, current == v
}

func (f field[T]) apply(p *Project, slug string, value json.RawMessage) bool {
	v, err := f.decode(value)
	if err != nil {
		return false
	}
	return f.set(p, slug, v)
}

func (f field[T]) patch(value json.RawMessage) (map[string]any, error) {
	v, err := f.decode(value)
	if err != nil {
		return nil, err
	}
	return f.patchOf(v), nil
}

func deviceField[T comparable](get func(Device) T, set func(*Device, T), patchOf func(T) map[string]any) field[T] {
	return field[T]{
		modelName: "device",
		get: func(p *Project, slug string) (T, bool) {
			d, ok := p.Devices[slug]
			if !ok {
				var zero T
				return zero, false
			}
			return get(d), true
		},
		set: func(p *Project, slug string, v T) bool {
			d, ok := p.Devices[slug]
			if !ok {
				return false
			}
			set(&d, v)
			p.Devices[slug] = d
			return true
		},
		patchOf: patchOf,
	}
}

func streamField[T comparable](get func(Stream) T, set func(*Stream, T), patchOf func(T) map[string]any) field[T] {
	return field[T]{
		modelName: "stream",
		get: func(p *Project, slug string) (T, bool) {
			s, ok := p.Streams[slug]
			if !ok {
				var zero T
				return zero, false
			}
			return get(s), true
		},
		set: func(p *Project, slug string, v T) bool {
			s, ok := p.Streams[slug]
			if !ok {
				return false
			}
			set(&s, v)
			p.Streams[slug] = s
			return true
		},
		patchOf: patchOf,
	}
}

// A device without a location compares equal to the zero Location.
var fields = map[DeltaKind]fieldSpec{
	KindDeviceLabel: deviceField(
		func(d Device) string { return d.Label },
		func(d *Device, v string) { d.Label = v },
		func(v string) map[string]any { return map[string]any{"label": v} },
	),
	KindDeviceLocation: deviceField(
		func(d Device) Location {
			if d.Location == nil {
				return Location{}
			}
			return *d.Location
		},
		func(d *Device, v Location) { d.Location = &v },
		func(v Location) map[string]any { return map[string]any{"lat": v.Lat, "lon": v.Lon} },
	),
	KindDeviceDriftMode: deviceField(
		func(d Device) bool { return d.DrifterMode },
		func(d *Device, v bool) { d.DrifterMode = v },
		func(v bool) map[string]any { return map[string]any{"drifter_mode": v} },
	),
	KindStreamMDO: streamField(
		func(s Stream) MDO { return s.MDO },
		func(s *Stream, v MDO) { s.MDO = v },
		func(v MDO) map[string]any {
			return map[string]any{"multiplication_factor": v.Multiplier, "division_factor": v.Divider, "offset": v.Offset}
		},
	),
	KindStreamInputUnit: streamField(
		func(s Stream) string { return s.InputUnit },
		func(s *Stream, v string) { s.InputUnit = v },
		func(v string) map[string]any { return map[string]any{"input_unit": v} },
	),
	KindStreamOutputUnit: streamField(
		func(s Stream) string { return s.OutputUnit },
		func(s *Stream, v string) { s.OutputUnit = v },
		func(v string) map[string]any { return map[string]any{"output_unit": v} },
	),
}
