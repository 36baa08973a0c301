package content

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTargetPathHashIsDeterministic(t *testing.T) {
	a := targetPathHash("hello")
	b := targetPathHash("hello")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, targetPathHash("goodbye"))
}

func TestTargetPathHashKnownValue(t *testing.T) {
	// h starts at 0; for "a" (single UTF-16 unit 0x61) the loop runs once:
	// h = (0<<7) + (0>>25) + 0x61 = 0x61.
	assert.Equal(t, "61", targetPathHash("a"))
}

func TestNewProjectCreatesLayout(t *testing.T) {
	dir := t.TempDir()
	proj, err := NewProject(dir, "demo")
	require.NoError(t, err)
	assert.DirExists(t, proj.ProcessorRoot)
	assert.DirExists(t, proj.PackageRoot)
	assert.DirExists(t, proj.DatabaseRoot)
	assert.Empty(t, proj.Pipeline)
}

func TestNewProjectLoadsPipeline(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "demo")
	require.NoError(t, os.MkdirAll(root, 0775))
	require.NoError(t, os.WriteFile(filepath.Join(root, "pipeline.json"),
		[]byte(`{"txt": {"executable": "copy-compiler"}}`), 0644))

	proj, err := NewProject(dir, "demo")
	require.NoError(t, err)
	require.Contains(t, proj.Pipeline, "txt")
	assert.Equal(t, "copy-compiler", proj.Pipeline["txt"].Executable)
}

func TestContentPackageGetOrInsert(t *testing.T) {
	dir := t.TempDir()
	proj, err := NewProject(dir, "demo")
	require.NoError(t, err)

	p1, err := proj.ContentPackage("foo")
	require.NoError(t, err)
	p2, err := proj.ContentPackage("foo")
	require.NoError(t, err)
	assert.Same(t, p1, p2)
	assert.DirExists(t, p1.SourcePath)
}

func TestTargetPlatformLazyCreation(t *testing.T) {
	dir := t.TempDir()
	proj, err := NewProject(dir, "demo")
	require.NoError(t, err)
	pkg, err := proj.ContentPackage("foo")
	require.NoError(t, err)

	target, err := pkg.TargetPlatform("android")
	require.NoError(t, err)
	assert.Equal(t, "android", target.PlatformName)
	assert.DirExists(t, target.TargetPath)

	again, err := pkg.TargetPlatform("android")
	require.NoError(t, err)
	assert.Same(t, target, again)
}

func TestTargetPlatformEmptyMapsToGeneric(t *testing.T) {
	dir := t.TempDir()
	proj, err := NewProject(dir, "demo")
	require.NoError(t, err)
	pkg, err := proj.ContentPackage("foo")
	require.NoError(t, err)

	target, err := pkg.TargetPlatform("")
	require.NoError(t, err)
	assert.Equal(t, GenericPlatform, target.PlatformName)
}

func TestCachePackagesAndTargetsFromDisk(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "demo")
	pkgRoot := filepath.Join(root, "packages")
	require.NoError(t, os.MkdirAll(filepath.Join(pkgRoot, "foo.source"), 0775))
	require.NoError(t, os.MkdirAll(filepath.Join(pkgRoot, "foo.android.target"), 0775))
	require.NoError(t, os.MkdirAll(filepath.Join(pkgRoot, "foo.target"), 0775)) // generic, no middle segment

	proj, err := NewProject(dir, "demo")
	require.NoError(t, err)
	require.NoError(t, proj.CachePackages())

	pkgs := proj.Packages()
	require.Len(t, pkgs, 1)
	assert.Equal(t, "foo", pkgs[0].PackageName)

	targets := pkgs[0].Targets()
	var platforms []string
	for _, tt := range targets {
		platforms = append(platforms, tt.PlatformName)
	}
	assert.Contains(t, platforms, "android")
	assert.Contains(t, platforms, GenericPlatform)
}

func TestKnownPlatformsExcludesGeneric(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "demo")
	pkgRoot := filepath.Join(root, "packages")
	require.NoError(t, os.MkdirAll(filepath.Join(pkgRoot, "foo.source"), 0775))
	require.NoError(t, os.MkdirAll(filepath.Join(pkgRoot, "foo.android.target"), 0775))
	require.NoError(t, os.MkdirAll(filepath.Join(pkgRoot, "foo.ios.target"), 0775))
	require.NoError(t, os.MkdirAll(filepath.Join(pkgRoot, "foo.target"), 0775)) // generic

	proj, err := NewProject(dir, "demo")
	require.NoError(t, err)
	require.NoError(t, proj.CachePackages())

	platforms := proj.KnownPlatforms()
	assert.ElementsMatch(t, []string{"android", "ios"}, platforms)
	assert.NotContains(t, platforms, GenericPlatform)
}

func TestTargetPathForIsStableAcrossRuns(t *testing.T) {
	dir := t.TempDir()
	proj, err := NewProject(dir, "demo")
	require.NoError(t, err)
	pkg, err := proj.ContentPackage("foo")
	require.NoError(t, err)
	target, err := pkg.TargetPlatform("generic")
	require.NoError(t, err)

	p1 := target.TargetPathFor("bar")
	p2 := target.TargetPathFor("bar")
	assert.Equal(t, p1, p2)
	assert.True(t, strings.HasPrefix(p1, target.TargetPath))
}
