package storage_test

import (
	"context"
	"testing"

	"github.com/rpggio/fieldsync/internal/repository"
	"github.com/rpggio/fieldsync/internal/storage"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func newVersioned(t *testing.T) (*storage.Versioned, *storage.Disk) {
	t.Helper()
	disk, err := storage.NewDisk(t.TempDir())
	require.NoError(t, err)
	return storage.NewVersioned(disk), disk
}

func TestVersioned_RoundTrip(t *testing.T) {
	ctx := context.Background()
	v, _ := newVersioned(t)

	require.NoError(t, v.SaveChecked(ctx, "meta/sample.json", sample{Name: "a", Count: 2}, "1.0.0", "serial-1"))

	var out sample
	require.NoError(t, v.LoadChecked(ctx, "meta/sample.json", "1.0.0", "serial-1", &out))
	require.Equal(t, sample{Name: "a", Count: 2}, out)

	var unchecked sample
	require.NoError(t, v.LoadChecked(ctx, "meta/sample.json", "1.0.0", "", &unchecked))
	require.Equal(t, out, unchecked)
}

func TestVersioned_SerialMismatchIsStale(t *testing.T) {
	ctx := context.Background()
	v, _ := newVersioned(t)
	require.NoError(t, v.SaveChecked(ctx, "meta/sample.json", sample{Name: "a"}, "1.0.0", "serial-1"))

	var out sample
	err := v.LoadChecked(ctx, "meta/sample.json", "1.0.0", "serial-2", &out)
	require.ErrorIs(t, err, repository.ErrDataStale)
}

func TestVersioned_VersionMismatchIsStale(t *testing.T) {
	ctx := context.Background()
	v, _ := newVersioned(t)
	require.NoError(t, v.SaveChecked(ctx, "meta/sample.json", sample{Name: "a"}, "1.0.0", "serial-1"))

	var out sample
	err := v.LoadChecked(ctx, "meta/sample.json", "2.0.0", "serial-1", &out)
	require.ErrorIs(t, err, repository.ErrDataStale)
}

func TestVersioned_MissingKeysAreCorrupted(t *testing.T) {
	ctx := context.Background()
	v, disk := newVersioned(t)

	cases := map[string]string{
		"no-serial.json":  `{"version":"1.0.0","data":{}}`,
		"no-version.json": `{"serial":"s","data":{}}`,
		"no-data.json":    `{"version":"1.0.0","serial":"s"}`,
		"garbage.json":    `not json`,
		"bad-type.json":   `{"version":1,"serial":"s","data":{}}`,
	}
	for name, body := range cases {
		require.NoError(t, disk.WriteFile(ctx, name, []byte(body)))
		var out sample
		err := v.LoadChecked(ctx, name, "1.0.0", "s", &out)
		require.ErrorIs(t, err, repository.ErrDataCorrupted, name)
	}
}

func TestVersioned_MissingFileIsNotFound(t *testing.T) {
	ctx := context.Background()
	v, _ := newVersioned(t)

	var out sample
	err := v.LoadChecked(ctx, "meta/absent.json", "1.0.0", "", &out)
	require.True(t, storage.IsNotFound(err))
}
