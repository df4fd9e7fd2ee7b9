package storage_test

import (
	"context"
	"testing"

	"github.com/rpggio/fieldsync/internal/repository"
	"github.com/rpggio/fieldsync/internal/storage"
	"github.com/stretchr/testify/require"
)

func TestDisk_FileLifecycle(t *testing.T) {
	ctx := context.Background()
	disk, err := storage.NewDisk(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, disk.MkdirAll(ctx, "reports"))
	exists, err := disk.DirExists(ctx, "reports")
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, disk.WriteFile(ctx, "reports/a.bin", []byte{1, 2, 3}))
	require.NoError(t, disk.WriteFile(ctx, "reports/b.json", []byte(`{}`)))

	names, err := disk.List(ctx, "reports")
	require.NoError(t, err)
	require.Equal(t, []string{"a.bin", "b.json"}, names)

	data, err := disk.ReadFile(ctx, "reports/a.bin")
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, data)

	require.NoError(t, disk.Remove(ctx, "reports/a.bin"))
	_, err = disk.ReadFile(ctx, "reports/a.bin")
	require.ErrorIs(t, err, repository.ErrNotFound)
	require.ErrorIs(t, disk.Remove(ctx, "reports/a.bin"), repository.ErrNotFound)

	require.NoError(t, disk.RemoveAll(ctx, "reports"))
	_, err = disk.List(ctx, "reports")
	require.True(t, storage.IsNotFound(err))
}

func TestDisk_RejectsEscapingPaths(t *testing.T) {
	ctx := context.Background()
	disk, err := storage.NewDisk(t.TempDir())
	require.NoError(t, err)

	_, err = disk.ReadFile(ctx, "../outside.json")
	require.ErrorIs(t, err, repository.ErrInvalidArgument)
}

func TestClearDir_RemovesFilesAndToleratesMissingDir(t *testing.T) {
	ctx := context.Background()
	disk, err := storage.NewDisk(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, storage.ClearDir(ctx, disk, "projects"))

	require.NoError(t, storage.WriteJSON(ctx, disk, "projects/1.json", map[string]int{"a": 1}))
	require.NoError(t, storage.WriteJSON(ctx, disk, "projects/2.json", map[string]int{"a": 2}))
	require.NoError(t, storage.ClearDir(ctx, disk, "projects"))

	names, err := disk.List(ctx, "projects")
	require.NoError(t, err)
	require.Empty(t, names)
}
