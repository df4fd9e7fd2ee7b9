package transport

import (
	"encoding/json"
	"net/http"
)

// HealthFunc reports extra health details, such as network status.
type HealthFunc func() map[string]any

// NewRouter serves mcpHandler on /mcp and a health check on /health. auth,
// when non-nil, guards /mcp only.
func NewRouter(mcpHandler http.Handler, auth func(http.Handler) http.Handler, health HealthFunc) *http.ServeMux {
	if auth != nil {
		mcpHandler = auth(mcpHandler)
	}

	router := http.NewServeMux()
	router.Handle("/mcp", mcpHandler)
	router.Handle("/mcp/", mcpHandler)
	router.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		body := map[string]any{"status": "ok"}
		if health != nil {
			for k, v := range health() {
				body[k] = v
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(body)
	})
	return router
}
