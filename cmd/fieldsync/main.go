package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rpggio/fieldsync/internal/app"
	"github.com/rpggio/fieldsync/internal/clock"
	"github.com/rpggio/fieldsync/internal/cloud"
	"github.com/rpggio/fieldsync/internal/config"
	"github.com/rpggio/fieldsync/internal/domain/session"
	"github.com/rpggio/fieldsync/internal/mcp"
	"github.com/rpggio/fieldsync/internal/sqlite"
	"github.com/rpggio/fieldsync/internal/storage"
	"github.com/rpggio/fieldsync/internal/transport"
	"github.com/spf13/pflag"
)

var version = "dev"

func main() {
	configPath := pflag.String("config", "", "path to a YAML config file")
	logLevel := pflag.String("log-level", "", "override the configured log level")
	offline := pflag.Bool("offline", false, "run without a cloud connection")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	// Use stderr for logs in stdio mode to keep stdout clean for JSON-RPC.
	logWriter := io.Writer(os.Stdout)
	if cfg.Transport.Mode == "stdio" {
		logWriter = os.Stderr
	}
	if cfg.Log.Path != "" {
		fileWriter, file, err := newLogFileWriter(cfg.Log.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "log file error: %v\n", err)
		} else {
			defer file.Close()
			logWriter = fileWriter
		}
	}
	logger := slog.New(slog.NewTextHandler(logWriter, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Log.Level),
	}))

	if err := run(&cfg, *offline, logger); err != nil {
		logger.Error("fieldsync failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, offline bool, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := config.EnsureDir(cfg.Data.DBPath); err != nil {
		return fmt.Errorf("prepare database path: %w", err)
	}
	db, err := sqlite.Open(cfg.Data.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := openStore(cfg, db)
	if err != nil {
		return err
	}

	connectivity := session.NewConnectivity(!offline)
	sessions := session.NewRegistry(connectivity, logger.With("service", "session"))

	opts := app.Options{
		Store:          store,
		Activities:     sqlite.NewActivityRepository(db),
		Sessions:       sessions,
		Clock:          clock.Real(),
		Logger:         logger,
		PollInterval:   cfg.Reports.PollInterval,
		GlobalRefresh:  cfg.Reports.GlobalRefresh,
		IgnoredDevices: cfg.Reports.IgnoredDevices,
	}
	if !offline {
		opts.Remote = cloud.NewClient(cfg.Cloud.URL, sessions,
			cloud.WithLogger(logger.With("component", "cloud")),
			cloud.WithHTTPClient(&http.Client{Timeout: cfg.Cloud.Timeout}),
		)
	}

	application, err := app.New(ctx, opts)
	if err != nil {
		return err
	}
	if cfg.Cloud.Token != "" {
		if _, err := sessions.Login(ctx, cfg.Cloud.Username, cfg.Cloud.Token); err != nil {
			logger.Warn("login from configuration incomplete", "error", err)
		}
	}

	go func() {
		if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("acknowledgement loop stopped", "error", err)
		}
	}()

	mcpServer, err := mcp.NewServer(mcp.Config{
		Services: application.MCPServices(),
		Version:  version,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	if cfg.Transport.Mode == "stdio" {
		return runStdioMode(ctx, logger, mcpServer)
	}
	return runHTTPMode(ctx, logger, mcpServer, cfg)
}

// openStore returns the file store for the configured backend. The sqlite
// backend shares the database that holds the activity log.
func openStore(cfg *config.Config, db *sqlite.DB) (storage.FileSystem, error) {
	switch cfg.Data.Backend {
	case "sqlite":
		return sqlite.NewFileStore(db), nil
	default:
		disk, err := storage.NewDisk(cfg.Data.Root)
		if err != nil {
			return nil, fmt.Errorf("open data root: %w", err)
		}
		return disk, nil
	}
}

func runStdioMode(ctx context.Context, logger *slog.Logger, mcpServer *sdkmcp.Server) error {
	logger.Info("starting stdio transport", "auth", "disabled")

	// Run blocks until stdin closes or context is canceled
	if err := mcpServer.Run(ctx, &sdkmcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		return fmt.Errorf("stdio server: %w", err)
	}
	logger.Info("shutting down")
	return nil
}

func runHTTPMode(ctx context.Context, logger *slog.Logger, mcpServer *sdkmcp.Server, cfg *config.Config) error {
	mcpHandler := sdkmcp.NewStreamableHTTPHandler(
		func(r *http.Request) *sdkmcp.Server { return mcpServer },
		&sdkmcp.StreamableHTTPOptions{
			Stateless:      false,
			SessionTimeout: 30 * time.Minute,
		},
	)

	var auth func(http.Handler) http.Handler
	if cfg.Auth.Token != "" {
		auth = transport.AuthMiddleware(transport.StaticToken{Token: cfg.Auth.Token})
	} else {
		logger.Warn("http transport has no auth token configured")
	}
	router := transport.NewRouter(mcpHandler, auth, func() map[string]any {
		return map[string]any{"version": version, "backend": cfg.Data.Backend}
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	return shutdown(logger, httpServer)
}

func shutdown(logger *slog.Logger, server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logger.Info("shutting down")
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const (
	maxLogSizeBytes  = 6 * 1024 * 1024
	keepLogSizeBytes = 5 * 1024 * 1024
)

// logFileWriter appends to a log file and cuts it back to its last
// keepLogSizeBytes once it grows past maxLogSizeBytes.
type logFileWriter struct {
	file *os.File
	mu   sync.Mutex
}

func newLogFileWriter(path string) (*logFileWriter, *os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	writer := &logFileWriter{file: file}
	if err := writer.truncateIfNeeded(); err != nil {
		file.Close()
		return nil, nil, err
	}
	return writer, file, nil
}

func (w *logFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n, err := w.file.Write(p)
	if err != nil {
		return n, err
	}
	return n, w.truncateIfNeeded()
}

func (w *logFileWriter) truncateIfNeeded() error {
	info, err := w.file.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	if size <= maxLogSizeBytes {
		return nil
	}

	buf := make([]byte, keepLogSizeBytes)
	n, err := w.file.ReadAt(buf, size-keepLogSizeBytes)
	if err != nil && err != io.EOF {
		return err
	}
	if err := w.file.Truncate(0); err != nil {
		return err
	}
	// O_APPEND writes land at the new end of file
	_, err = w.file.Write(buf[:n])
	return err
}
