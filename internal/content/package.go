package content

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ninjabirdstudios/contentjs/internal/cmap"
	"github.com/ninjabirdstudios/contentjs/internal/sourcedb"
)

// Package is a logical group of sources, owning a Source Database and a
// set of Targets keyed by platform name.
//
// Directory layout under the packages root:
// "{packageName}.source/" for sources, "{packageName}.{platform}.target/"
// for outputs, with databases at "{packageName}.source.json" and
// "{packageName}.{platform}.target.json" under the database root.
type Package struct {
	ProjectName string
	PackageName string

	SourcePath   string
	DatabasePath string
	Database     *sourcedb.Database

	packageRoot  string
	targetRoot   string
	databaseRoot string

	targets *cmap.Map[*Target]
}

func sourceDirName(pkg string) string          { return pkg + ".source" }
func targetDirName(pkg, platform string) string { return pkg + "." + platform + ".target" }
func sourceDBName(pkg string) string           { return pkg + ".source.json" }
func targetDBName(pkg, platform string) string { return pkg + "." + platform + ".target.json" }

// NewPackage ensures the source directory exists and loads or initializes
// its Source Database.
func NewPackage(projectName, packageName, packageRoot, databaseRoot string) (*Package, error) {
	sourcePath := filepath.Join(packageRoot, sourceDirName(packageName))
	if err := os.MkdirAll(sourcePath, 0775); err != nil {
		return nil, err
	}
	dbPath := filepath.Join(databaseRoot, sourceDBName(packageName))
	db, err := sourcedb.Load(dbPath, packageName)
	if err != nil {
		return nil, err
	}
	return &Package{
		ProjectName:  projectName,
		PackageName:  packageName,
		SourcePath:   sourcePath,
		DatabasePath: dbPath,
		Database:     db,
		packageRoot:  packageRoot,
		targetRoot:   packageRoot,
		databaseRoot: databaseRoot,
		targets:      cmap.New[*Target](cmap.DefaultShardCount),
	}, nil
}

// TargetPlatform is the get-or-insert accessor for a Package's Targets,
// creating one lazily on first mention of platformName. An empty
// platformName maps to GenericPlatform.
func (p *Package) TargetPlatform(platformName string) (*Target, error) {
	if platformName == "" {
		platformName = GenericPlatform
	}
	if existing, ok := p.targets.Get(platformName); ok {
		return existing, nil
	}
	targetPath := filepath.Join(p.targetRoot, targetDirName(p.PackageName, platformName))
	dbPath := filepath.Join(p.databaseRoot, targetDBName(p.PackageName, platformName))
	t, err := NewTarget(p.SourcePath, targetPath, dbPath, p.PackageName, platformName, p.PackageName)
	if err != nil {
		return nil, err
	}
	return p.targets.GetOrInsert(platformName, func() *Target { return t }), nil
}

// Targets returns a snapshot of every currently cached Target.
func (p *Package) Targets() []*Target {
	return p.targets.Values()
}

// CacheTargets enumerates directory entries under the package root at
// depth 1, interpreting any directory named "{packageName}.{platform}.target"
// as a Target to instantiate (platform GenericPlatform if the middle
// segment is absent).
func (p *Package) CacheTargets() error {
	entries, err := os.ReadDir(p.packageRoot)
	if err != nil {
		return err
	}
	const suffix = ".target"
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if len(name) <= len(p.PackageName) || name[len(p.PackageName)] != '.' {
			continue
		}
		if !strings.HasPrefix(name, p.PackageName) || !strings.HasSuffix(name, suffix) {
			continue
		}
		// Strip "{packageName}" and ".target", leaving either "" (generic,
		// directory named "{packageName}.target") or ".{platform}".
		middle := strings.TrimSuffix(strings.TrimPrefix(name, p.PackageName), suffix)
		middle = strings.TrimPrefix(middle, ".")
		if middle == "" {
			middle = GenericPlatform
		}
		if _, err := p.TargetPlatform(middle); err != nil {
			return fmt.Errorf("caching target %s: %w", name, err)
		}
	}
	return nil
}

// SaveIfDirty persists the Package's own Source Database, and every cached
// Target's Database, wherever they are dirty.
func (p *Package) SaveIfDirty() error {
	if p.Database.Dirty() {
		if err := p.Database.Save(p.DatabasePath); err != nil {
			return err
		}
		p.Database.MarkClean()
	}
	for _, t := range p.targets.Values() {
		if err := t.Save(); err != nil {
			return err
		}
	}
	return nil
}
