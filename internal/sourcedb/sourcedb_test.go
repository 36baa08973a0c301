package sourcedb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ninjabirdstudios/contentjs/internal/respath"
)

func genericPlatform(md respath.Metadata) string { return "generic" }

func TestLoadMissingFileStartsEmptyAndDirty(t *testing.T) {
	dir := t.TempDir()
	db, err := Load(filepath.Join(dir, "absent.json"), "bundle")
	require.NoError(t, err)
	assert.True(t, db.Dirty())
	assert.Empty(t, db.Entries())
}

func TestCreateQuerySaveLoadRoundTrip(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "bar.ios.txt"), []byte("hi"), 0644))

	db := New("foo")
	abs := filepath.Join(root, "bar.ios.txt")
	entry, err := db.Create(root, abs, genericPlatform)
	require.NoError(t, err)
	assert.Equal(t, "bar", entry.ResourceName)
	assert.Equal(t, "txt", entry.ResourceType)
	assert.Equal(t, []string{"ios"}, entry.Properties)

	found, ok := db.Query(root, abs)
	require.True(t, ok)
	assert.Equal(t, "bar.ios.txt", found.RelativePath)

	dbPath := filepath.Join(t.TempDir(), "db.json")
	require.NoError(t, db.Save(dbPath))
	assert.False(t, db.Dirty())

	reloaded, err := Load(dbPath, "foo")
	require.NoError(t, err)
	assert.Equal(t, "foo", reloaded.BundleName)
	got, ok := reloaded.QueryRelative("bar.ios.txt")
	require.True(t, ok)
	assert.Equal(t, entry.ResourceName, got.ResourceName)
}

func TestCreateOverwritesRatherThanDuplicates(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "bar.txt")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0644))

	db := New("foo")
	_, err := db.Create(root, path, genericPlatform)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("v2 longer"), 0644))
	_, err = db.Create(root, path, genericPlatform)
	require.NoError(t, err)

	assert.Len(t, db.Entries(), 1)
}

func TestRemoveActuallyRemoves(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "bar.txt")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0644))

	db := New("foo")
	_, err := db.Create(root, path, genericPlatform)
	require.NoError(t, err)
	require.Len(t, db.Entries(), 1)

	db.Remove(root, path)
	assert.Empty(t, db.Entries())
	_, ok := db.Query(root, path)
	assert.False(t, ok)
}

func TestLoadMalformedJSONIsFormatError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))
	_, err := Load(path, "foo")
	require.Error(t, err)
	var fe *FormatError
	assert.ErrorAs(t, err, &fe)
}
