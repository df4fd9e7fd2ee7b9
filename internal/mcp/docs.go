package mcp

import (
	"context"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

const serverInstructions = `fieldsync keeps an offline copy of the cloud (orgs, projects, devices, streams) and a
durable queue of reports received from devices.

Core concepts:
- Cache: everything under the current serial. A serial mismatch on disk means the cache is wiped and must be synced again.
- Active project: the one project loaded in memory. Local edits are kept as a pending overlay until pushed.
- Report: readings a device sent. It stays on disk until it is uploaded and the cloud acknowledges its highest reading id.

Default workflow:
1) login with a cloud token, then sync_cache.
2) list_projects and set_active_project.
3) report_status to see what is waiting; upload_reports to send it.
4) refresh_acknowledgements, then clear_finished_reports.

Docs:
- fieldsync://docs/reports (report lifecycle and acknowledgement rules)
`

type docResource struct {
	URI         string
	Name        string
	Title       string
	Description string
	Content     string
}

var docResources = []docResource{
	{
		URI:         "fieldsync://docs/reports",
		Name:        "docs_reports",
		Title:       "Report lifecycle",
		Description: "How reports move from received to uploaded to acknowledged, and when they are dropped.",
		Content: `# Report lifecycle

1. **Received.** The payload and its metadata are written to disk. Reports are dropped when
   the device is ignored, when the signature does not verify, or when the same readings with the
   same payload are already stored.
2. **Uploaded.** Upload errors are kept on the report; ` + "`upload_reports`" + ` with
   ` + "`retry_errors`" + ` sends them again.
3. **Acknowledged.** The cloud confirms the highest reading id it holds per device streamer.
   A report whose highest reading id is at or below that value is acknowledged, uploaded or not.

Acknowledgements are checked every few seconds for devices with uploaded but unacknowledged
reports, backing off to one check every 10 minutes. All devices are refreshed at least hourly.

` + "`clear_finished_reports`" + ` deletes acknowledged reports. Logging out deletes
every stored report.
`,
	},
}

func registerDocResources(server *sdkmcp.Server) {
	for _, doc := range docResources {
		server.AddResource(&sdkmcp.Resource{
			URI:         doc.URI,
			Name:        doc.Name,
			Title:       doc.Title,
			Description: doc.Description,
			MIMEType:    "text/markdown",
			Size:        int64(len(doc.Content)),
		}, func(_ context.Context, req *sdkmcp.ReadResourceRequest) (*sdkmcp.ReadResourceResult, error) {
			uri := doc.URI
			if req != nil && req.Params != nil && req.Params.URI != "" {
				uri = req.Params.URI
			}
			return &sdkmcp.ReadResourceResult{
				Contents: []*sdkmcp.ResourceContents{{
					URI:      uri,
					MIMEType: "text/markdown",
					Text:     doc.Content,
				}},
			}, nil
		})
	}
}
