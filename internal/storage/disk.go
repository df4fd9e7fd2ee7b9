package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rpggio/fieldsync/internal/repository"
)

// Disk is a FileSystem rooted at a directory on the local disk.
type Disk struct {
	root string
}

// NewDisk creates the root directory if needed and returns a Disk store.
func NewDisk(root string) (*Disk, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("%w: empty storage root", repository.ErrInvalidArgument)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root: %w", err)
	}
	return &Disk{root: filepath.Clean(root)}, nil
}

// Root returns the directory the store is rooted at.
func (d *Disk) Root() string {
	return d.root
}

func (d *Disk) MkdirAll(_ context.Context, dir string) error {
	full, err := d.resolve(dir)
	if err != nil {
		return err
	}
	return os.MkdirAll(full, 0o755)
}

func (d *Disk) DirExists(_ context.Context, dir string) (bool, error) {
	full, err := d.resolve(dir)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

func (d *Disk) FileExists(_ context.Context, name string) (bool, error) {
	full, err := d.resolve(name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !info.IsDir(), nil
}

func (d *Disk) ReadFile(_ context.Context, name string) ([]byte, error) {
	full, err := d.resolve(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, mapErr(name, err)
	}
	return data, nil
}

func (d *Disk) WriteFile(_ context.Context, name string, data []byte) error {
	full, err := d.resolve(name)
	if err != nil {
		return err
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return mapErr(name, err)
	}
	return nil
}

func (d *Disk) Remove(_ context.Context, name string) error {
	full, err := d.resolve(name)
	if err != nil {
		return err
	}
	return mapErr(name, os.Remove(full))
}

func (d *Disk) List(_ context.Context, dir string) ([]string, error) {
	full, err := d.resolve(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, mapErr(dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (d *Disk) RemoveAll(_ context.Context, dir string) error {
	full, err := d.resolve(dir)
	if err != nil {
		return err
	}
	if full == d.root {
		return fmt.Errorf("%w: refusing to remove storage root", repository.ErrInvalidArgument)
	}
	return os.RemoveAll(full)
}

func (d *Disk) resolve(name string) (string, error) {
	clean := path.Clean("/" + strings.TrimSpace(name))
	if strings.Contains(name, "..") {
		return "", fmt.Errorf("%w: path %q escapes storage root", repository.ErrInvalidArgument, name)
	}
	return filepath.Join(d.root, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}

func mapErr(name string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", repository.ErrNotFound, name)
	}
	return err
}
