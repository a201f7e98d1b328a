package index

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/annel0/scene-engine/internal/content/element"
	"github.com/annel0/scene-engine/internal/content/pkgstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoad_RoundTrip(t *testing.T) {
	file := filepath.Join(t.TempDir(), "content.mdb")

	snap := Snapshot{
		Packages: []Package{
			{Name: "P", Paths: []string{"", "props\\crates"}, Free: pkgstore.FreeSpaces{{Offset: 10, Length: 20}}},
			{Name: "Empty"},
		},
		Headers: []element.Header{
			{Version: element.Version, Kind: element.KindMesh, ID: 11, Name: "m1", Package: "P", PackageOffset: 0, SavedSize: 120},
			{Version: element.Version, Kind: element.KindTexture, ID: 12, Name: "t", Package: "P", Path: "props\\crates", PackageOffset: -1},
		},
	}
	require.NoError(t, Save(file, snap))

	_, err := os.Stat(file + ".tmp")
	assert.True(t, errors.Is(err, os.ErrNotExist), "временный файл должен быть переименован")

	loaded, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, snap.Packages, loaded.Packages)
	require.Len(t, loaded.Headers, 2)
	for i, h := range loaded.Headers {
		assert.False(t, h.Loaded, "индекс содержит только заглушки")
		assert.Equal(t, snap.Headers[i], h)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.mdb"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestLoad_CorruptFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "content.mdb")
	require.NoError(t, Save(file, Snapshot{Headers: []element.Header{{Version: 1, Kind: element.KindSound, ID: 5, Name: "s", Package: "P"}}}))

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(file, data[:len(data)-6], 0o644))

	snap, err := Load(file)
	assert.ErrorIs(t, err, element.ErrCorrupt)
	assert.Empty(t, snap.Headers)
}

func TestSave_OverwritesPrevious(t *testing.T) {
	file := filepath.Join(t.TempDir(), "content.mdb")
	require.NoError(t, Save(file, Snapshot{Packages: []Package{{Name: "A"}}}))
	require.NoError(t, Save(file, Snapshot{Packages: []Package{{Name: "B"}}}))

	snap, err := Load(file)
	require.NoError(t, err)
	require.Len(t, snap.Packages, 1)
	assert.Equal(t, "B", snap.Packages[0].Name)
}
