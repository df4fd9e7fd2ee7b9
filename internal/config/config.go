package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config defines the process configuration.
type Config struct {
	Data      DataConfig      `yaml:"data"`
	Cloud     CloudConfig     `yaml:"cloud"`
	Reports   ReportsConfig   `yaml:"reports"`
	Server    ServerConfig    `yaml:"server"`
	Transport TransportConfig `yaml:"transport"`
	Auth      AuthConfig      `yaml:"auth"`
	Log       LogConfig       `yaml:"log"`
}

// DataConfig selects where the cache and reports are persisted.
type DataConfig struct {
	// Backend is "disk" (files under Root) or "sqlite" (tables in DBPath).
	Backend string `yaml:"backend"`
	Root    string `yaml:"root"`
	// DBPath also holds the activity log when Backend is "disk".
	DBPath string `yaml:"db_path"`
}

type CloudConfig struct {
	URL      string        `yaml:"url"`
	Username string        `yaml:"username"`
	Token    string        `yaml:"token"`
	Timeout  time.Duration `yaml:"timeout"`
}

type ReportsConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	GlobalRefresh  time.Duration `yaml:"global_refresh"`
	IgnoredDevices []string      `yaml:"ignored_devices"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type TransportConfig struct {
	// Mode is "stdio" or "http".
	Mode string `yaml:"mode"`
}

type AuthConfig struct {
	// Token, when set, is required as a bearer token by the HTTP transport.
	Token string `yaml:"token"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	Path  string `yaml:"path"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Data: DataConfig{
			Backend: "disk",
			Root:    "fieldsync-data",
			DBPath:  "fieldsync.db",
		},
		Cloud: CloudConfig{
			URL:     "https://iotile.cloud",
			Timeout: 30 * time.Second,
		},
		Reports: ReportsConfig{
			PollInterval:  5 * time.Second,
			GlobalRefresh: time.Hour,
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Transport: TransportConfig{
			Mode: "stdio",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration: a .env file in the working directory is
// read into the environment first, then defaults are overlaid with the YAML
// file at path (FIELDSYNC_CONFIG_PATH when path is empty) and finally with
// FIELDSYNC_* environment variables.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path == "" {
		path = os.Getenv("FIELDSYNC_CONFIG_PATH")
	}
	if path != "" {
		if err := loadFromFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	setString := map[string]*string{
		"FIELDSYNC_STORAGE_BACKEND": &cfg.Data.Backend,
		"FIELDSYNC_DATA_ROOT":       &cfg.Data.Root,
		"FIELDSYNC_DB_PATH":         &cfg.Data.DBPath,
		"FIELDSYNC_CLOUD_URL":       &cfg.Cloud.URL,
		"FIELDSYNC_CLOUD_USERNAME":  &cfg.Cloud.Username,
		"FIELDSYNC_CLOUD_TOKEN":     &cfg.Cloud.Token,
		"FIELDSYNC_SERVER_HOST":     &cfg.Server.Host,
		"FIELDSYNC_TRANSPORT_MODE":  &cfg.Transport.Mode,
		"FIELDSYNC_AUTH_TOKEN":      &cfg.Auth.Token,
		"FIELDSYNC_LOG_LEVEL":       &cfg.Log.Level,
		"FIELDSYNC_LOG_PATH":        &cfg.Log.Path,
	}
	for key, field := range setString {
		if v := os.Getenv(key); v != "" {
			*field = v
		}
	}

	if portStr := os.Getenv("FIELDSYNC_SERVER_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("invalid FIELDSYNC_SERVER_PORT: %w", err)
		}
		cfg.Server.Port = port
	}

	setDuration := map[string]*time.Duration{
		"FIELDSYNC_CLOUD_TIMEOUT":          &cfg.Cloud.Timeout,
		"FIELDSYNC_REPORTS_POLL_INTERVAL":  &cfg.Reports.PollInterval,
		"FIELDSYNC_REPORTS_GLOBAL_REFRESH": &cfg.Reports.GlobalRefresh,
	}
	for key, field := range setDuration {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*field = d
	}

	if ignored := os.Getenv("FIELDSYNC_IGNORED_DEVICES"); ignored != "" {
		cfg.Reports.IgnoredDevices = nil
		for _, slug := range strings.Split(ignored, ",") {
			if slug = strings.TrimSpace(slug); slug != "" {
				cfg.Reports.IgnoredDevices = append(cfg.Reports.IgnoredDevices, slug)
			}
		}
	}
	return nil
}

// Validate checks enumerations and ranges.
func (c Config) Validate() error {
	switch c.Data.Backend {
	case "disk":
		if c.Data.Root == "" {
			return fmt.Errorf("data.root is required for the disk backend")
		}
	case "sqlite":
		if c.Data.DBPath == "" {
			return fmt.Errorf("data.db_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown data.backend %q", c.Data.Backend)
	}
	switch c.Transport.Mode {
	case "stdio", "http":
	default:
		return fmt.Errorf("unknown transport.mode %q", c.Transport.Mode)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Reports.PollInterval <= 0 {
		return fmt.Errorf("reports.poll_interval must be positive")
	}
	return nil
}

// EnsureDir creates the parent directory of a file path.
func EnsureDir(path string) error {
	if path == ":memory:" || path == "" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}
