package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/rpggio/fieldsync/internal/repository"
	"github.com/rpggio/fieldsync/internal/storage"
)

// FileStore implements storage.FileSystem on the dirs and files tables.
// Directories must exist before files are written into them, as on disk.
type FileStore struct {
	db *DB
}

// NewFileStore creates a new FileStore
func NewFileStore(db *DB) *FileStore {
	return &FileStore{db: db}
}

// cleanPath normalizes a store path. The root is "".
func cleanPath(name string) (string, error) {
	if strings.Contains(name, "..") {
		return "", fmt.Errorf("%w: path %q escapes storage root", repository.ErrInvalidArgument, name)
	}
	clean := strings.TrimPrefix(path.Clean("/"+strings.TrimSpace(name)), "/")
	return clean, nil
}

func parentOf(p string) string {
	dir := path.Dir(p)
	if dir == "." || dir == "/" {
		return ""
	}
	return dir
}

func (s *FileStore) MkdirAll(ctx context.Context, dir string) error {
	p, err := cleanPath(dir)
	if err != nil {
		return err
	}
	var chain []string
	for cur := p; cur != ""; cur = parentOf(cur) {
		chain = append(chain, cur)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i := len(chain) - 1; i >= 0; i-- {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO dirs (path, parent) VALUES (?, ?)`,
			chain[i], parentOf(chain[i])); err != nil {
			if isForeignKeyViolation(err) {
				return fmt.Errorf("%w: %s", repository.ErrNotFound, chain[i])
			}
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	return tx.Commit()
}

func (s *FileStore) DirExists(ctx context.Context, dir string) (bool, error) {
	p, err := cleanPath(dir)
	if err != nil {
		return false, err
	}
	return s.exists(ctx, `SELECT COUNT(*) FROM dirs WHERE path = ?`, p)
}

func (s *FileStore) FileExists(ctx context.Context, name string) (bool, error) {
	p, err := cleanPath(name)
	if err != nil {
		return false, err
	}
	return s.exists(ctx, `SELECT COUNT(*) FROM files WHERE path = ?`, p)
}

func (s *FileStore) exists(ctx context.Context, query, p string) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, query, p).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check path: %w", err)
	}
	return count > 0, nil
}

func (s *FileStore) ReadFile(ctx context.Context, name string) ([]byte, error) {
	p, err := cleanPath(name)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = s.db.QueryRowContext(ctx, `SELECT data FROM files WHERE path = ?`, p).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", repository.ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

func (s *FileStore) WriteFile(ctx context.Context, name string, data []byte) error {
	p, err := cleanPath(name)
	if err != nil {
		return err
	}
	if p == "" {
		return fmt.Errorf("%w: cannot write the storage root", repository.ErrInvalidArgument)
	}
	if data == nil {
		data = []byte{}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO files (path, dir, data, modified_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET data = excluded.data, modified_at = excluded.modified_at
	`, p, parentOf(p), data, time.Now())
	if isForeignKeyViolation(err) {
		return fmt.Errorf("%w: directory of %s", repository.ErrNotFound, name)
	}
	if err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

func (s *FileStore) Remove(ctx context.Context, name string) error {
	p, err := cleanPath(name)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE path = ?`, p)
	if err != nil {
		return fmt.Errorf("failed to remove file: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", repository.ErrNotFound, name)
	}
	return nil
}

func (s *FileStore) List(ctx context.Context, dir string) ([]string, error) {
	p, err := cleanPath(dir)
	if err != nil {
		return nil, err
	}
	ok, err := s.exists(ctx, `SELECT COUNT(*) FROM dirs WHERE path = ?`, p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", repository.ErrNotFound, dir)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT path FROM files WHERE dir = ? ORDER BY path`, p)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var full string
		if err := rows.Scan(&full); err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		names = append(names, path.Base(full))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating file rows: %w", err)
	}
	return names, nil
}

// RemoveAll deletes dir with everything below it. Subdirectories and their
// files go through the ON DELETE CASCADE of the schema.
func (s *FileStore) RemoveAll(ctx context.Context, dir string) error {
	p, err := cleanPath(dir)
	if err != nil {
		return err
	}
	if p == "" {
		return fmt.Errorf("%w: refusing to remove storage root", repository.ErrInvalidArgument)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM dirs WHERE path = ?`, p); err != nil {
		return fmt.Errorf("failed to remove directory: %w", err)
	}
	return nil
}

var _ storage.FileSystem = (*FileStore)(nil)
