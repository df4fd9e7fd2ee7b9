package mcp

// ToolDefinition describes a callable tool.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

func emptySchema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
}

// buildToolCatalog returns all available MCP tools
func buildToolCatalog() []ToolDefinition {
	return []ToolDefinition{
		// Session
		{
			Name:        "login",
			Description: "Log in to the cloud with an API token. Clears the global acknowledgement flag so the next loop iteration refreshes all devices.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"username": map[string]any{
						"type":        "string",
						"description": "Display name of the user",
					},
					"token": map[string]any{
						"type":        "string",
						"description": "Cloud API token",
					},
				},
				"required": []string{"token"},
			},
		},
		{
			Name:        "logout",
			Description: "Log out of the cloud. Clears the cloud cache and deletes all stored reports.",
			InputSchema: emptySchema(),
		},

		// Cloud cache
		{
			Name:        "sync_cache",
			Description: "Download orgs, projects, reference data and the active project from the cloud and rebuild the offline cache",
			InputSchema: emptySchema(),
		},
		{
			Name:        "sync_project",
			Description: "Download one project from the cloud into the offline cache, keeping its pending local edits",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"project_id": map[string]any{
						"type":        "string",
						"description": "Project ID as listed by list_projects",
					},
				},
				"required": []string{"project_id"},
			},
		},
		{
			Name:        "list_projects",
			Description: "List the cached orgs and their projects",
			InputSchema: emptySchema(),
		},
		{
			Name:        "set_active_project",
			Description: "Make a cached project the active project",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"project_id": map[string]any{
						"type":        "string",
						"description": "Project ID as listed by list_projects",
					},
				},
				"required": []string{"project_id"},
			},
		},
		{
			Name:        "get_active_project",
			Description: "Get the active project as seen with its pending local edits applied",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"include_devices": map[string]any{
						"type":        "boolean",
						"description": "Include the device list",
					},
				},
			},
		},
		{
			Name:        "set_device_label",
			Description: "Record a pending label change for a device of the active project",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"device_slug": map[string]any{
						"type":        "string",
						"description": "Device slug, e.g. d--0000-0000-0000-0001",
					},
					"label": map[string]any{
						"type":        "string",
						"description": "New device label",
					},
				},
				"required": []string{"device_slug", "label"},
			},
		},
		{
			Name:        "push_project_edits",
			Description: "Send the pending local edits of the active project to the cloud",
			InputSchema: emptySchema(),
		},

		// Reports
		{
			Name:        "report_status",
			Description: "Summarize stored reports: waiting, errored, uploaded and acknowledged",
			InputSchema: emptySchema(),
		},
		{
			Name:        "list_reports",
			Description: "List stored reports, optionally for one device or only those whose upload failed",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"device_slug": map[string]any{
						"type":        "string",
						"description": "Only reports of this device",
					},
					"only_errors": map[string]any{
						"type":        "boolean",
						"description": "Only reports whose last upload failed",
					},
				},
			},
		},
		{
			Name:        "import_report",
			Description: "Store a report payload captured from a device, as if the device had just sent it",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"format": map[string]any{
						"type":        "string",
						"description": "Payload format (default signed_list)",
						"enum":        []string{"signed_list", "flexible_dict"},
					},
					"payload": map[string]any{
						"type":        "string",
						"description": "Base64 encoded report payload",
					},
				},
				"required": []string{"payload"},
			},
		},
		{
			Name:        "upload_reports",
			Description: "Upload waiting reports to the cloud",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"device_slug": map[string]any{
						"type":        "string",
						"description": "Only upload reports of this device",
					},
					"retry_errors": map[string]any{
						"type":        "boolean",
						"description": "Also retry reports whose last upload failed",
					},
				},
			},
		},
		{
			Name:        "refresh_acknowledgements",
			Description: "Fetch acknowledgements from the cloud for one device, or for all devices when no slug is given",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"device_slug": map[string]any{
						"type":        "string",
						"description": "Device slug (omit for all devices)",
					},
				},
			},
		},
		{
			Name:        "clear_finished_reports",
			Description: "Delete reports that were uploaded or acknowledged",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"include_errored": map[string]any{
						"type":        "boolean",
						"description": "Also delete reports whose upload failed",
					},
				},
			},
		},

		// Activity
		{
			Name:        "recent_activity",
			Description: "List recent sync and report activity",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"project_id": map[string]any{
						"type":        "string",
						"description": "Filter by project",
					},
					"device_slug": map[string]any{
						"type":        "string",
						"description": "Filter by device",
					},
					"type": map[string]any{
						"type":        "string",
						"description": "Filter by activity type",
						"enum": []string{
							"cache_synced", "project_synced", "cache_cleared", "active_project_changed",
							"overlay_updated", "overlay_pushed", "report_received", "report_dropped",
							"reports_uploaded", "acks_updated", "reports_cleared",
						},
					},
					"limit": map[string]any{
						"type":        "integer",
						"description": "Maximum number of entries (default 50)",
					},
					"offset": map[string]any{
						"type":        "integer",
						"description": "Offset for pagination",
					},
				},
			},
		},
	}
}
