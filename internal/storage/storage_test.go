package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zot/sandbox/internal/config"
)

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	sqlite, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "snapshots.db"))
	require.NoError(t, err)
	out := map[string]Backend{
		"memory": NewMemoryStorage(),
		"sqlite": sqlite,
	}
	if url := os.Getenv("SANDBOX_TEST_POSTGRES_URL"); url != "" {
		pg, err := NewPostgresStorage(url)
		require.NoError(t, err)
		out["postgres"] = pg
	}
	for _, b := range out {
		t.Cleanup(func() { b.Close() })
	}
	return out
}

func TestSaveLoadListDelete(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, n := range []string{"beta", "alpha"} {
				require.NoError(t, b.Delete(n))
			}
			at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			require.NoError(t, b.Save(&Snapshot{Name: "beta", Data: []byte(`{"services":[]}`), SavedAt: at}))
			require.NoError(t, b.Save(&Snapshot{Name: "alpha", Data: []byte(`{"services":[{"name":"wordpress"}]}`), Services: 1}))

			got, err := b.Load("beta")
			require.NoError(t, err)
			assert.JSONEq(t, `{"services":[]}`, string(got.Data))
			assert.True(t, at.Equal(got.SavedAt))

			infos, err := b.List()
			require.NoError(t, err)
			var names []string
			for _, info := range infos {
				if info.Name == "alpha" || info.Name == "beta" {
					names = append(names, info.Name)
				}
				if info.Name == "alpha" {
					assert.Equal(t, 1, info.Services)
					assert.NotZero(t, info.Size)
					assert.False(t, info.SavedAt.IsZero())
				}
			}
			assert.Equal(t, []string{"alpha", "beta"}, names)

			require.NoError(t, b.Save(&Snapshot{Name: "beta", Data: []byte(`{"services":[{"name":"mysql"}]}`), Services: 1}))
			got, err = b.Load("beta")
			require.NoError(t, err)
			assert.Equal(t, 1, got.Services)

			require.NoError(t, b.Delete("beta"))
			_, err = b.Load("beta")
			assert.ErrorIs(t, err, ErrNotFound)
			require.NoError(t, b.Delete("beta"))
		})
	}
}

func TestSaveRejectsBadNames(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, bad := range []string{"", "../etc", "has space", "-lead"} {
				assert.Error(t, b.Save(&Snapshot{Name: bad, Data: []byte(`{}`)}), bad)
			}
		})
	}
}

func TestMemoryStorageCopies(t *testing.T) {
	m := NewMemoryStorage()
	data := []byte(`{"a":1}`)
	require.NoError(t, m.Save(&Snapshot{Name: "x", Data: data}))
	data[2] = 'b'

	got, err := m.Load("x")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(got.Data))
}

func TestOpen(t *testing.T) {
	b, err := Open(config.StorageConfig{Type: config.StorageMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStorage{}, b)

	b, err = Open(config.StorageConfig{Type: config.StorageSQLite, Path: filepath.Join(t.TempDir(), "s.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStorage{}, b)
	require.NoError(t, b.Close())

	_, err = Open(config.StorageConfig{Type: "etcd"})
	assert.Error(t, err)
}
