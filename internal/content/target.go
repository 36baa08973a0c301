// Package content implements the project/package/target ownership model: a
// Project owns Packages, a Package owns a Source Database and a set of
// per-platform Targets, and a Target owns a Target Database.
//
// Field layout is grounded on thought-machine/please's src/core/package.go
// (lazy child creation, mutex-guarded maps) generalized to
// internal/cmap's sharded registry, per DESIGN.md.
package content

import (
	"os"
	"path/filepath"

	"gopkg.in/op/go-logging.v1"

	"github.com/ninjabirdstudios/contentjs/internal/targetdb"
)

var log = logging.MustGetLogger("content")

// GenericPlatform is the reserved platform name used when a Target or a
// resource carries no explicit platform tag.
const GenericPlatform = "generic"

// Target is the per-package, per-platform output descriptor.
type Target struct {
	RootPath     string // package source root, for computing SourcePath on outputs
	TargetPath   string // directory this Target's outputs are written under
	PackageName  string
	PlatformName string

	Database     *targetdb.Database
	DatabasePath string
}

// NewTarget ensures targetPath exists on disk and loads or initializes its
// Target Database. An empty platformName maps to GenericPlatform.
func NewTarget(rootPath, targetPath, databasePath, packageName, platformName string, bundleName string) (*Target, error) {
	if platformName == "" {
		platformName = GenericPlatform
	}
	if err := os.MkdirAll(targetPath, 0775); err != nil {
		return nil, err
	}
	db, err := targetdb.Load(databasePath, bundleName, platformName)
	if err != nil {
		return nil, err
	}
	return &Target{
		RootPath:     rootPath,
		TargetPath:   targetPath,
		PackageName:  packageName,
		PlatformName: platformName,
		Database:     db,
		DatabasePath: databasePath,
	}, nil
}

// TargetPathFor computes the deterministic target-path stem for
// resourceName: hash(resourceName) joined under TargetPath. The caller's
// compiler appends ".resourceType" to the result to form the final output
// path; TargetPathFor itself never touches the filesystem.
func (t *Target) TargetPathFor(resourceName string) string {
	return filepath.Join(t.TargetPath, targetPathHash(resourceName))
}

// Save persists the Target Database if dirty, then clears Dirty. The
// Builder reaches it through Package.SaveIfDirty, which calls it for every
// cached Target when a package completes.
func (t *Target) Save() error {
	if !t.Database.Dirty() {
		return nil
	}
	if err := t.Database.Save(t.DatabasePath); err != nil {
		return err
	}
	t.Database.MarkClean()
	return nil
}
