package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rpggio/fieldsync/internal/config"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("FIELDSYNC_CONFIG_PATH", "")

	cfg, err := config.Load("")
	require.NoError(t, err)
	require.Equal(t, config.Default(), cfg)
}

func TestLoad_FileThenEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fieldsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data:
  backend: sqlite
  db_path: /var/lib/fieldsync/cache.db
cloud:
  url: https://cloud.example.com
  timeout: 10s
reports:
  poll_interval: 2s
  ignored_devices: [d--0000-0000-0000-0009]
transport:
  mode: http
server:
  port: 9000
`), 0o644))
	t.Setenv("FIELDSYNC_SERVER_PORT", "9100")
	t.Setenv("FIELDSYNC_REPORTS_GLOBAL_REFRESH", "30m")
	t.Setenv("FIELDSYNC_LOG_LEVEL", "debug")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "sqlite", cfg.Data.Backend)
	require.Equal(t, "/var/lib/fieldsync/cache.db", cfg.Data.DBPath)
	require.Equal(t, "https://cloud.example.com", cfg.Cloud.URL)
	require.Equal(t, 10*time.Second, cfg.Cloud.Timeout)
	require.Equal(t, 2*time.Second, cfg.Reports.PollInterval)
	require.Equal(t, 30*time.Minute, cfg.Reports.GlobalRefresh)
	require.Equal(t, []string{"d--0000-0000-0000-0009"}, cfg.Reports.IgnoredDevices)
	require.Equal(t, "http", cfg.Transport.Mode)
	require.Equal(t, 9100, cfg.Server.Port)
	require.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_ConfigPathFromEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fieldsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data:\n  root: /tmp/fs\n"), 0o644))
	t.Setenv("FIELDSYNC_CONFIG_PATH", path)
	t.Setenv("FIELDSYNC_IGNORED_DEVICES", "a, b,,c")

	cfg, err := config.Load("")
	require.NoError(t, err)
	require.Equal(t, "/tmp/fs", cfg.Data.Root)
	require.Equal(t, []string{"a", "b", "c"}, cfg.Reports.IgnoredDevices)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "bad port", env: map[string]string{"FIELDSYNC_SERVER_PORT": "http"}},
		{name: "port out of range", env: map[string]string{"FIELDSYNC_SERVER_PORT": "70000"}},
		{name: "bad duration", env: map[string]string{"FIELDSYNC_REPORTS_POLL_INTERVAL": "soon"}},
		{name: "unknown backend", env: map[string]string{"FIELDSYNC_STORAGE_BACKEND": "s3"}},
		{name: "unknown transport", env: map[string]string{"FIELDSYNC_TRANSPORT_MODE": "grpc"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("FIELDSYNC_CONFIG_PATH", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := config.Load("")
			require.Error(t, err)
		})
	}

	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
