// Package storage defines the durable file store the cache and report
// services persist into, and the versioned JSON envelope layered on it.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"

	"github.com/rpggio/fieldsync/internal/repository"
)

// FileSystem is an app-private file store addressed by slash-separated
// paths relative to its root. Every method returns an error wrapping
// repository.ErrNotFound when the target does not exist. Writes are not
// assumed to be atomic.
type FileSystem interface {
	MkdirAll(ctx context.Context, dir string) error
	DirExists(ctx context.Context, dir string) (bool, error)
	FileExists(ctx context.Context, name string) (bool, error)
	ReadFile(ctx context.Context, name string) ([]byte, error)
	WriteFile(ctx context.Context, name string, data []byte) error
	Remove(ctx context.Context, name string) error
	// List returns the names (not paths) of the files directly inside dir.
	List(ctx context.Context, dir string) ([]string, error)
	RemoveAll(ctx context.Context, dir string) error
}

// IsNotFound reports whether err means a missing file or directory.
func IsNotFound(err error) bool {
	return errors.Is(err, repository.ErrNotFound)
}

// ReadJSON decodes the file at name into out.
func ReadJSON(ctx context.Context, fs FileSystem, name string, out any) error {
	data, err := fs.ReadFile(ctx, name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decoding %s: %v", repository.ErrDataCorrupted, name, err)
	}
	return nil
}

// WriteJSON encodes value and writes it to name, creating the parent directory.
func WriteJSON(ctx context.Context, fs FileSystem, name string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", name, err)
	}
	if dir := path.Dir(name); dir != "." {
		if err := fs.MkdirAll(ctx, dir); err != nil {
			return err
		}
	}
	return fs.WriteFile(ctx, name, data)
}

// RemoveIfExists deletes name, treating a missing file as success.
func RemoveIfExists(ctx context.Context, fs FileSystem, name string) error {
	if err := fs.Remove(ctx, name); err != nil && !IsNotFound(err) {
		return err
	}
	return nil
}

// ClearDir removes every file directly inside dir, attempting all of them.
// Failures are returned together as a *repository.BatchError.
func ClearDir(ctx context.Context, fs FileSystem, dir string) error {
	names, err := fs.List(ctx, dir)
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return err
	}

	var failures []error
	for _, name := range names {
		if err := RemoveIfExists(ctx, fs, path.Join(dir, name)); err != nil {
			failures = append(failures, err)
		}
	}
	if len(failures) > 0 {
		return &repository.BatchError{Op: "clearing " + dir, Errors: failures}
	}
	return nil
}
