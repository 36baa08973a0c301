package content

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ninjabirdstudios/contentjs/internal/cmap"
)

// CompilerDef is a pipeline entry: the executable (and optional args) to
// spawn for one resource type. The engine requires only that each
// resource type maps to something spawnable; the exact schema beyond
// Executable/Args is supplied externally.
type CompilerDef struct {
	Executable string   `json:"executable"`
	Args       []string `json:"args,omitempty"`
}

// Pipeline is the project-level mapping from resource type string to
// CompilerDef.
type Pipeline map[string]CompilerDef

// Project is a container of Packages plus a Pipeline mapping resource
// types to compilers.
type Project struct {
	ProjectName string
	RootPath    string

	PackageRoot   string
	DatabaseRoot  string
	ProcessorRoot string
	PipelinePath  string

	Pipeline Pipeline

	packages *cmap.Map[*Package]
}

// NewProject computes RootPath = join(projectRoot, projectName), creates
// processors/, packages/, database/ if missing, and loads pipeline.json
// (an empty mapping if absent).
func NewProject(projectRoot, projectName string) (*Project, error) {
	root := filepath.Join(projectRoot, projectName)
	processorRoot := filepath.Join(root, "processors")
	packageRoot := filepath.Join(root, "packages")
	databaseRoot := filepath.Join(root, "database")
	for _, dir := range []string{processorRoot, packageRoot, databaseRoot} {
		if err := os.MkdirAll(dir, 0775); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	pipelinePath := filepath.Join(root, "pipeline.json")
	pipeline, err := loadPipeline(pipelinePath)
	if err != nil {
		return nil, err
	}
	return &Project{
		ProjectName:   projectName,
		RootPath:      root,
		PackageRoot:   packageRoot,
		DatabaseRoot:  databaseRoot,
		ProcessorRoot: processorRoot,
		PipelinePath:  pipelinePath,
		Pipeline:      pipeline,
		packages:      cmap.New[*Package](cmap.DefaultShardCount),
	}, nil
}

func loadPipeline(path string) (Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Pipeline{}, nil
		}
		return nil, fmt.Errorf("reading pipeline definition %s: %w", path, err)
	}
	var p Pipeline
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing pipeline definition %s: %w", path, err)
	}
	return p, nil
}

// ContentPackage is the get-or-insert accessor for a Project's Packages.
func (proj *Project) ContentPackage(name string) (*Package, error) {
	if existing, ok := proj.packages.Get(name); ok {
		return existing, nil
	}
	pkg, err := NewPackage(proj.ProjectName, name, proj.PackageRoot, proj.DatabaseRoot)
	if err != nil {
		return nil, err
	}
	return proj.packages.GetOrInsert(name, func() *Package { return pkg }), nil
}

// Packages returns a snapshot of every currently cached Package.
func (proj *Project) Packages() []*Package {
	return proj.packages.Values()
}

// KnownPlatforms returns the distinct non-generic platform names already
// observed across every cached Package's Targets, derived from the
// "{packageName}.{platform}.target" directories CachePackages discovers.
// The Builder uses this set to decide whether a resource's property tag
// names a platform at all, as opposed to an arbitrary property.
func (proj *Project) KnownPlatforms() []string {
	seen := map[string]bool{}
	var platforms []string
	for _, pkg := range proj.packages.Values() {
		for _, t := range pkg.Targets() {
			if t.PlatformName == GenericPlatform || seen[t.PlatformName] {
				continue
			}
			seen[t.PlatformName] = true
			platforms = append(platforms, t.PlatformName)
		}
	}
	return platforms
}

// CachePackages enumerates directory entries under PackageRoot at depth 1,
// interpreting any directory "{name}.source" as a Package to instantiate,
// and then invokes CacheTargets on each.
func (proj *Project) CachePackages() error {
	entries, err := os.ReadDir(proj.PackageRoot)
	if err != nil {
		return err
	}
	const suffix = ".source"
	for _, e := range entries {
		if !e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		name := strings.TrimSuffix(e.Name(), suffix)
		pkg, err := proj.ContentPackage(name)
		if err != nil {
			return fmt.Errorf("caching package %s: %w", name, err)
		}
		if err := pkg.CacheTargets(); err != nil {
			return err
		}
	}
	return nil
}
