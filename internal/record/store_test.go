package record

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreRoundTrip(t *testing.T) {
	store, err := NewStoreAt(filepath.Join(t.TempDir(), "runs"))
	require.NoError(t, err)

	rec := &Record{
		ID:           "a1b2c3",
		Status:       StatusHeld,
		PID:          99,
		DebugAddress: "localhost:1234",
		SymbolFile:   "/work/target/kernel",
		StartedAt:    time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.Save(rec))

	loaded, err := store.Load("a1b2c3")
	require.NoError(t, err)
	assert.Equal(t, rec, loaded)

	// saving again replaces the file
	rec.Finish(StatusKilled, rec.StartedAt.Add(time.Minute))
	require.NoError(t, store.Save(rec))
	loaded, err = store.Load("a1b2c3")
	require.NoError(t, err)
	assert.Equal(t, StatusKilled, loaded.Status)

	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestStoreLoadMissing(t *testing.T) {
	store, err := NewStoreAt(t.TempDir())
	require.NoError(t, err)

	_, err = store.Load("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Error(t, store.Save(&Record{}))
}

func TestStoreListNewestFirst(t *testing.T) {
	store, err := NewStoreAt(t.TempDir())
	require.NoError(t, err)

	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "newest", "middle"} {
		offset := []time.Duration{0, 2 * time.Hour, time.Hour}[i]
		require.NoError(t, store.Save(&Record{ID: id, StartedAt: base.Add(offset)}))
	}
	// unreadable and unrelated files are skipped
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "broken.json"), []byte("{"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "notes.txt"), []byte("x"), 0644))

	records, err := store.List()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "newest", records[0].ID)
	assert.Equal(t, "middle", records[1].ID)
	assert.Equal(t, "old", records[2].ID)
}

func TestStoreFind(t *testing.T) {
	store, err := NewStoreAt(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Save(&Record{ID: "abc123"}))
	require.NoError(t, store.Save(&Record{ID: "abd456"}))

	rec, err := store.Find("abc")
	require.NoError(t, err)
	assert.Equal(t, "abc123", rec.ID)

	rec, err = store.Find("abd456")
	require.NoError(t, err)
	assert.Equal(t, "abd456", rec.ID)

	_, err = store.Find("ab")
	assert.ErrorContains(t, err, "ambiguous")

	_, err = store.Find("zzz")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreDelete(t *testing.T) {
	store, err := NewStoreAt(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Save(&Record{ID: "gone"}))
	require.NoError(t, store.Delete("gone"))
	require.NoError(t, store.Delete("gone"))

	_, err = store.Load("gone")
	assert.ErrorIs(t, err, ErrNotFound)
}
