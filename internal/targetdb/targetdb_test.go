package targetdb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileStartsEmptyAndDirty(t *testing.T) {
	dir := t.TempDir()
	db, err := Load(filepath.Join(dir, "absent.json"), "bundle", "generic")
	require.NoError(t, err)
	assert.True(t, db.Dirty())
	assert.Empty(t, db.Entries())
}

func TestCreateQuerySaveLoadRoundTrip(t *testing.T) {
	db := New("foo", "generic")
	entry := db.Create(CreateArgs{
		RelativePath:    "a1b2c3",
		ResourceName:    "bar",
		ResourceType:    "txt",
		Platform:        "generic",
		SourcePath:      "bar.txt",
		CompilerName:    "copy-compiler",
		CompilerVersion: 1,
		Outputs:         []string{"/out/a1b2c3.txt"},
	})
	assert.Equal(t, "bar.txt", entry.SourcePath)

	found, ok := db.Query("a1b2c3")
	require.True(t, ok)
	assert.Equal(t, []string{"/out/a1b2c3.txt"}, found.Outputs)

	path := filepath.Join(t.TempDir(), "db.json")
	require.NoError(t, db.Save(path))
	assert.False(t, db.Dirty())

	reloaded, err := Load(path, "foo", "generic")
	require.NoError(t, err)
	got, ok := reloaded.Query("a1b2c3")
	require.True(t, ok)
	assert.Equal(t, "copy-compiler", got.CompilerName)
}

func TestCreateOverwritesRatherThanDuplicates(t *testing.T) {
	db := New("foo", "generic")
	db.Create(CreateArgs{RelativePath: "x", Outputs: []string{"/out/x.txt"}})
	db.Create(CreateArgs{RelativePath: "x", Outputs: []string{"/out/x.txt", "/out/x.meta"}})
	assert.Len(t, db.Entries(), 1)
	found, _ := db.Query("x")
	assert.Len(t, found.Outputs, 2)
}

func TestRemoveActuallyRemoves(t *testing.T) {
	db := New("foo", "generic")
	db.Create(CreateArgs{RelativePath: "x"})
	require.Len(t, db.Entries(), 1)
	db.Remove("x")
	assert.Empty(t, db.Entries())
}

func TestLoadMalformedJSONIsFormatError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))
	_, err := Load(path, "foo", "generic")
	require.Error(t, err)
	var fe *FormatError
	assert.ErrorAs(t, err, &fe)
}
