package project

import (
	"cmp"
	"slices"
)

// Assemble builds the project aggregate for raw from the flat cloud
// collections. Records of other projects are ignored. A device whose sensor
// graph is not in graphs is left out, together with its streams, and
// returned in the rejected list.
func Assemble(raw RawProject, devices []Device, streams []Stream, variables []Variable, graphs map[string]SensorGraph) (*Project, []RejectedDevice) {
	p := &Project{
		ID:           raw.ID,
		Name:         raw.Name,
		Slug:         raw.Slug,
		Org:          raw.Org,
		Template:     raw.ProjectTemplate,
		CreatedOn:    raw.CreatedOn,
		Devices:      make(map[string]Device),
		Streams:      make(map[string]Stream),
		Variables:    make(map[string]Variable),
		SensorGraphs: make(map[string]SensorGraph),
	}

	var rejected []RejectedDevice
	dropped := make(map[string]bool)
	for _, d := range devices {
		if d.Project != raw.ID {
			continue
		}
		sg, ok := graphs[d.SensorGraph]
		if !ok {
			rejected = append(rejected, RejectedDevice{
				ProjectID:   raw.ID,
				Slug:        d.Slug,
				SensorGraph: d.SensorGraph,
				Reason:      "sensor graph not found",
			})
			dropped[d.Slug] = true
			continue
		}
		p.Devices[d.Slug] = d
		p.SensorGraphs[sg.Slug] = sg
	}

	for _, s := range streams {
		if s.Project != raw.ID || dropped[s.Device] {
			continue
		}
		p.Streams[s.Slug] = s
	}
	for _, v := range variables {
		if v.Project != raw.ID {
			continue
		}
		p.Variables[v.Slug] = v
	}
	return p, rejected
}

// BuildProjectList builds the org navigation index. Projects whose org is
// unknown are left out. Orgs and their projects are sorted by name.
func BuildProjectList(orgs []Org, memberships map[string]*Membership, projects []RawProject) []OrgMetaData {
	byOrg := make(map[string][]ProjectRef, len(orgs))
	for _, p := range projects {
		byOrg[p.Org] = append(byOrg[p.Org], ProjectRef{ID: p.ID, Name: p.Name})
	}

	list := make([]OrgMetaData, 0, len(orgs))
	for _, org := range orgs {
		refs := byOrg[org.Slug]
		slices.SortFunc(refs, func(a, b ProjectRef) int {
			return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID, b.ID))
		})
		if refs == nil {
			refs = []ProjectRef{}
		}
		meta := OrgMetaData{Name: org.Name, Slug: org.Slug, Projects: refs}
		if m := memberships[org.Slug]; m != nil {
			meta.Role = m.Role
		}
		list = append(list, meta)
	}
	slices.SortFunc(list, func(a, b OrgMetaData) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.Slug, b.Slug))
	})
	return list
}

func findProjectRef(list []OrgMetaData, id string) (ProjectRef, bool) {
	for _, org := range list {
		for _, ref := range org.Projects {
			if ref.ID == id {
				return ref, true
			}
		}
	}
	return ProjectRef{}, false
}

func indexBySlug[T any](items []T, slug func(T) string) map[string]T {
	out := make(map[string]T, len(items))
	for _, item := range items {
		out[slug(item)] = item
	}
	return out
}
