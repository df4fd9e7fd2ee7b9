package project

import (
	"maps"
	"time"
)

// Schema versions of the persisted cache files. Bump the matching constant
// whenever the shape of the stored data changes.
const (
	ProjectListVersion      = "1.0.0"
	VariableTypesVersion    = "1.0.0"
	ProjectTemplatesVersion = "1.0.0"
	CacheStateVersion       = "1.0.0"
	ProjectVersion          = "1.1.0"
	OverlayVersion          = "1.0.0"
)

// Org is an organization as returned by the cloud.
type Org struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// Membership describes the caller's role in an org.
type Membership struct {
	Org  string `json:"org"`
	Role string `json:"role"`
}

// RawProject is the flat project record the cloud returns.
type RawProject struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Slug            string    `json:"slug"`
	Org             string    `json:"org"`
	ProjectTemplate string    `json:"project_template,omitempty"`
	CreatedOn       time.Time `json:"created_on"`
}

// Location is a device position.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Device is a physical device registered in a project.
type Device struct {
	ID          int       `json:"id"`
	Slug        string    `json:"slug"`
	Label       string    `json:"label"`
	Project     string    `json:"project"`
	SensorGraph string    `json:"sg"`
	Template    string    `json:"template,omitempty"`
	Location    *Location `json:"location,omitempty"`
	DrifterMode bool      `json:"drifter_mode"`
}

// MDO is the multiply/divide/offset transform applied to raw stream values.
type MDO struct {
	Multiplier int     `json:"m"`
	Divider    int     `json:"d"`
	Offset     float64 `json:"o"`
}

// Stream is the data stream of one variable on one device.
type Stream struct {
	ID         string `json:"id"`
	Slug       string `json:"slug"`
	Device     string `json:"device"`
	Variable   string `json:"variable"`
	Project    string `json:"project"`
	MDO        MDO    `json:"mdo"`
	InputUnit  string `json:"input_unit,omitempty"`
	OutputUnit string `json:"output_unit,omitempty"`
	DataLabel  string `json:"data_label,omitempty"`
	Enabled    bool   `json:"enabled"`
}

// Variable is a project variable that streams report into.
type Variable struct {
	ID      string `json:"id"`
	Slug    string `json:"slug"`
	Name    string `json:"name"`
	LID     int    `json:"lid"`
	Project string `json:"project"`
	VarType string `json:"var_type"`
	Units   string `json:"units,omitempty"`
}

// Unit is one convertible unit of a VarType.
type Unit struct {
	Slug       string  `json:"slug"`
	Name       string  `json:"unit_full"`
	Multiplier float64 `json:"m"`
	Divider    float64 `json:"d"`
}

// VarType describes a variable type and its available units.
type VarType struct {
	Slug                 string `json:"slug"`
	Name                 string `json:"name"`
	StreamDataType       string `json:"stream_data_type,omitempty"`
	AvailableInputUnits  []Unit `json:"available_input_units"`
	AvailableOutputUnits []Unit `json:"available_output_units"`
}

// SensorGraph is the firmware configuration a device runs.
type SensorGraph struct {
	ID      string `json:"id"`
	Slug    string `json:"slug"`
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// ProjectTemplate describes how a project was set up.
type ProjectTemplate struct {
	Slug    string `json:"slug"`
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// ProjectRef is a lightweight project entry in the navigation index.
type ProjectRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// OrgMetaData is the navigation index entry for one org. It is rebuilt in
// full on every sync and never mutated independently.
type OrgMetaData struct {
	Name     string       `json:"name"`
	Slug     string       `json:"slug"`
	Role     string       `json:"role,omitempty"`
	Projects []ProjectRef `json:"projects"`
}

// CacheState is the persisted pointer state of the cache.
type CacheState struct {
	Serial          string `json:"serial"`
	ActiveProjectID string `json:"active_project_id,omitempty"`
	HasDevices      bool   `json:"has_devices"`
}

// Project is a project aggregate assembled from the cloud collections. All
// maps are keyed by slug. Overlay holds pending local edits and is stored
// in its own file.
type Project struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Slug         string                 `json:"slug"`
	Org          string                 `json:"org"`
	Template     string                 `json:"project_template,omitempty"`
	CreatedOn    time.Time              `json:"created_on"`
	Devices      map[string]Device      `json:"devices"`
	Streams      map[string]Stream      `json:"streams"`
	Variables    map[string]Variable    `json:"variables"`
	SensorGraphs map[string]SensorGraph `json:"sensor_graphs"`
	Overlay      *Overlay               `json:"-"`
}

// Clone returns a copy of p that shares no mutable state with it.
func (p *Project) Clone() *Project {
	if p == nil {
		return nil
	}
	c := *p
	c.Devices = maps.Clone(p.Devices)
	for slug, d := range c.Devices {
		if d.Location != nil {
			loc := *d.Location
			d.Location = &loc
			c.Devices[slug] = d
		}
	}
	c.Streams = maps.Clone(p.Streams)
	c.Variables = maps.Clone(p.Variables)
	c.SensorGraphs = maps.Clone(p.SensorGraphs)
	c.Overlay = p.Overlay.Clone()
	return &c
}

// View returns a copy of p with its pending overlay applied, which is what
// the user should see while edits are waiting to be pushed.
func (p *Project) View() *Project {
	view := p.Clone()
	if view.Overlay != nil {
		view.Overlay.ApplyTo(view)
	}
	return view
}

// DeviceCount returns the number of devices in the project.
func (p *Project) DeviceCount() int {
	return len(p.Devices)
}

// RejectedDevice is a device excluded while assembling a project.
type RejectedDevice struct {
	ProjectID   string `json:"project_id"`
	Slug        string `json:"slug"`
	SensorGraph string `json:"sensor_graph"`
	Reason      string `json:"reason"`
}

// SyncSummary describes the outcome of SyncCache or SyncProject.
type SyncSummary struct {
	Serial          string           `json:"serial"`
	Orgs            int              `json:"orgs"`
	Projects        int              `json:"projects"`
	Devices         int              `json:"devices"`
	HasDevices      bool             `json:"has_devices"`
	ActiveProjectID string           `json:"active_project_id,omitempty"`
	RejectedDevices []RejectedDevice `json:"rejected_devices,omitempty"`
}
