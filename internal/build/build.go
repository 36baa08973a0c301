// Package build implements change detection and the top-level Builder that
// drives a project build: walk each package, consult its databases, submit
// changed files to the Compiler Cache, apply results, and emit progress
// events.
//
// Orchestration is grounded on thought-machine/please's src/build package
// (state.AddPendingBuild / the per-target pending counters in
// core.BuildState), generalized from "one pending count per build graph"
// to "one pending-files counter per package plus one pending-packages
// counter per project", since this engine's unit of completion is a
// package rather than a single build target.
package build

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/op/go-logging.v1"

	"github.com/ninjabirdstudios/contentjs/internal/compilercache"
	"github.com/ninjabirdstudios/contentjs/internal/content"
	"github.com/ninjabirdstudios/contentjs/internal/events"
	"github.com/ninjabirdstudios/contentjs/internal/fstree"
	"github.com/ninjabirdstudios/contentjs/internal/metrics"
	"github.com/ninjabirdstudios/contentjs/internal/respath"
	"github.com/ninjabirdstudios/contentjs/internal/sourcedb"
	"github.com/ninjabirdstudios/contentjs/internal/targetdb"
)

var log = logging.MustGetLogger("build")

// sourceFileModified reports whether entry's recorded write time or size
// diverges from info, the file's current stat.
func sourceFileModified(entry *sourcedb.Entry, info os.FileInfo) bool {
	return !entry.WriteTime.Equal(info.ModTime()) || entry.FileSize != info.Size()
}

// dependenciesModified walks entry's dependency edges depth-first,
// returning true the moment any reachable file's stat has changed or a
// dependency's Source DB entry is missing. visited guards against
// revisiting the same absolute path twice in one call, so a dependency
// cycle terminates instead of recursing forever; a revisited node is
// treated as "not modified by this path", per the traversal's own
// termination requirement.
func dependenciesModified(db *sourcedb.Database, rootPath string, entry *sourcedb.Entry, visited map[string]bool) bool {
	abs := filepath.Join(rootPath, entry.RelativePath)
	if visited[abs] {
		return false
	}
	visited[abs] = true

	info, err := os.Stat(abs)
	if err != nil {
		return true
	}
	if sourceFileModified(entry, info) {
		return true
	}
	for _, depAbs := range entry.Dependencies {
		depEntry, ok := db.Query(rootPath, depAbs)
		if !ok {
			return true
		}
		if dependenciesModified(db, rootPath, depEntry, visited) {
			return true
		}
	}
	return false
}

// buildOutputsExist reports whether every output path recorded for relPath
// in tdb still exists on disk. An absent Target DB entry means there is
// nothing to verify, so it reports true (no rebuild forced on this basis).
func buildOutputsExist(tdb *targetdb.Database, relPath string) bool {
	entry, ok := tdb.Query(relPath)
	if !ok {
		return true
	}
	for _, out := range entry.Outputs {
		if _, err := os.Stat(out); err != nil {
			return false
		}
	}
	return true
}

// requiresRebuild combines dependenciesModified and buildOutputsExist: a
// file rebuilds if anything it transitively depends on changed, or if any
// of its previously recorded outputs are gone.
func requiresRebuild(sdb *sourcedb.Database, rootPath string, entry *sourcedb.Entry, tdb *targetdb.Database, targetRelPath string) bool {
	if dependenciesModified(sdb, rootPath, entry, map[string]bool{}) {
		return true
	}
	return !buildOutputsExist(tdb, targetRelPath)
}

// Builder is the top-level driver for one Project. It is safe to reuse
// across successive calls to Build, but not to call Build concurrently
// with itself.
type Builder struct {
	project *content.Project
	bus     *events.Bus
	fs      fstree.FileSystem
	metrics *metrics.Metrics

	mu     sync.Mutex
	active *run // the in-flight run, if any; used by Shutdown
}

// NewBuilder constructs a Builder over project, emitting events onto bus.
// A nil fs defaults to fstree.Default.
func NewBuilder(project *content.Project, bus *events.Bus, fs fstree.FileSystem) *Builder {
	if fs == nil {
		fs = fstree.Default
	}
	return &Builder{project: project, bus: bus, fs: fs}
}

// SetMetrics installs m, forwarded to the Compiler Cache on every Build
// call and used directly for the pending-files gauge and skip counts this
// package is responsible for. A nil m (the default) disables metrics.
func (b *Builder) SetMetrics(m *metrics.Metrics) {
	b.metrics = m
}

// packageState tracks one package's in-flight submission counters. Its
// mutex is the only synchronization between the filesystem-walk goroutine
// that submits files and the Compiler Cache's worker goroutines that
// report results back, since different resource types dispatch on
// different goroutines concurrently.
type packageState struct {
	mu             sync.Mutex
	pkg            *content.Package
	target         *content.Target
	platform       string
	pendingFiles   int
	submitComplete bool
	errorCount     int
	bytesBuilt     int64
}

// run holds the state of one Build invocation.
type run struct {
	builder  *Builder
	cache    *compilercache.Cache
	runID    string
	platform string
	metrics  *metrics.Metrics

	pendingPackages int32

	statesMu sync.Mutex
	states   map[string]*packageState // keyed by package name

	errsMu sync.Mutex
	errs   *multierror.Error

	done chan struct{}
}

// Build runs one full incremental build of the project for platform (empty
// means generic). It blocks until project:complete has been emitted, then
// returns an aggregate of any fatal (project- or package-level load)
// errors encountered; per-file compiler failures are reported as events,
// not returned here.
func (b *Builder) Build(platform string) error {
	runID := uuid.New().String()

	if err := b.project.CachePackages(); err != nil {
		return fmt.Errorf("caching packages: %w", err)
	}

	cache := compilercache.New(b.project.ProcessorRoot, b.project.Pipeline, b.bus)
	cache.SetMetrics(b.metrics)
	r := &run{
		builder:  b,
		cache:    cache,
		runID:    runID,
		platform: platform,
		metrics:  b.metrics,
		states:   map[string]*packageState{},
		done:     make(chan struct{}),
	}
	cache.SetResultHandler(r.handleResult)

	b.mu.Lock()
	b.active = r
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		if b.active == r {
			b.active = nil
		}
		b.mu.Unlock()
	}()

	if err := cache.Start(runID); err != nil {
		return fmt.Errorf("starting compiler cache: %w", err)
	}

	packages := b.project.Packages()
	atomic.StoreInt32(&r.pendingPackages, int32(len(packages)))
	if len(packages) == 0 {
		b.bus.Emit(events.Event{Kind: events.ProjectComplete, RunID: runID})
		cache.Shutdown(runID)
		return nil
	}

	for _, pkg := range packages {
		if err := r.buildPackage(pkg); err != nil {
			r.addErr(fmt.Errorf("package %s: %w", pkg.PackageName, err))
			if r.finishPackage(pkg.PackageName) {
				break
			}
		}
	}

	<-r.done
	return r.errs.ErrorOrNil()
}

// Shutdown requests early termination of whatever build is currently in
// flight, if any, by forwarding to the Compiler Cache it owns. Safe to
// call from a signal handler; a no-op if no build is running.
func (b *Builder) Shutdown() {
	b.mu.Lock()
	r := b.active
	b.mu.Unlock()
	if r != nil {
		r.cache.Shutdown(r.runID)
	}
}

func (r *run) addErr(err error) {
	r.errsMu.Lock()
	r.errs = multierror.Append(r.errs, err)
	r.errsMu.Unlock()
}

// buildPackage get-or-creates pkg's Target for the run's platform, walks
// its source tree, and submits every file requiring a rebuild to the
// Compiler Cache.
func (r *run) buildPackage(pkg *content.Package) error {
	target, err := pkg.TargetPlatform(r.platform)
	if err != nil {
		return fmt.Errorf("resolving target: %w", err)
	}

	st := &packageState{pkg: pkg, target: target, platform: target.PlatformName}
	r.statesMu.Lock()
	r.states[pkg.PackageName] = st
	r.statesMu.Unlock()

	r.builder.bus.Emit(events.Event{Kind: events.PackageStarted, RunID: r.runID, Package: pkg.PackageName})

	knownPlatforms := r.builder.project.KnownPlatforms()

	// pkg.Database and target.Database are not safe for concurrent access
	// (sourcedb/targetdb are explicitly single-writer); results can start
	// arriving on a worker goroutine while later files are still being
	// walked, so every touch of either database for this package goes
	// through st.mu, not just the pending-file counters.
	walkErr := r.builder.fs.Walk(pkg.SourcePath, true, true, func(e fstree.Entry) error {
		st.mu.Lock()

		// Capture whatever was recorded for this file at the start of the
		// walk before Create overwrites it: requiresRebuild must compare
		// the file's live stat and dependency edges against the entry as
		// it was BEFORE this pass, not the copy Create is about to refresh
		// to match the current stat (which would always compare equal to
		// itself).
		rel := relOrAbs(pkg.SourcePath, e.Path)
		var oldEntry sourcedb.Entry
		prior, hadPrior := pkg.Database.QueryRelative(rel)
		if hadPrior {
			oldEntry = *prior
		}

		entry, err := pkg.Database.Create(pkg.SourcePath, e.Path, func(md respath.Metadata) string {
			if plat, ok := md.Platform(knownPlatforms); ok {
				return plat
			}
			return content.GenericPlatform
		})
		if err != nil {
			st.mu.Unlock()
			return err
		}

		if entry.Platform != target.PlatformName {
			st.mu.Unlock()
			r.builder.bus.Emit(events.Event{
				Kind: events.FileSkipped, RunID: r.runID, Package: pkg.PackageName,
				Path: entry.RelativePath, Reason: "platform mismatch",
			})
			r.metrics.FileSkipped()
			return nil
		}

		targetPath := target.TargetPathFor(entry.ResourceName)
		targetRel, relErr := filepath.Rel(target.TargetPath, targetPath)
		if relErr != nil {
			targetRel = targetPath
		}

		rebuild := !hadPrior || requiresRebuild(pkg.Database, pkg.SourcePath, &oldEntry, target.Database, targetRel)
		_, hasCompiler := r.builder.project.Pipeline[entry.ResourceType]
		if rebuild {
			// The Compiler Cache skips a file with no registered compiler
			// without ever reporting a result, so it is not counted pending.
			if hasCompiler {
				st.pendingFiles++
				r.metrics.PendingFilesInc()
			}
		} else {
			// Nothing changed: Create just wiped Dependencies/References
			// to build a fresh baseline entry, so restore the previously
			// recorded edges or a later build would lose the dependency
			// graph it never got a chance to re-derive.
			entry.Dependencies = oldEntry.Dependencies
			entry.References = oldEntry.References
			pkg.Database.Upsert(*entry)
		}
		st.mu.Unlock()

		if rebuild {
			if hasCompiler {
				r.builder.bus.Emit(events.Event{
					Kind: events.FileStarted, RunID: r.runID, Package: pkg.PackageName,
					Path: entry.RelativePath,
				})
			}
			r.cache.Build(r.runID, compilercache.Input{
				Bundle:       pkg.PackageName,
				Target:       target,
				SourcePath:   e.Path,
				TargetPath:   targetPath,
				ResourceName: entry.ResourceName,
				ResourceType: entry.ResourceType,
				Platform:     target.PlatformName,
			})
		} else {
			r.builder.bus.Emit(events.Event{
				Kind: events.FileSkipped, RunID: r.runID, Package: pkg.PackageName,
				Path: entry.RelativePath, Reason: "up to date",
			})
			r.metrics.FileSkipped()
		}
		return nil
	})
	if walkErr != nil {
		return fmt.Errorf("walking sources: %w", walkErr)
	}

	st.mu.Lock()
	st.submitComplete = true
	done := st.pendingFiles == 0
	st.mu.Unlock()
	if done {
		r.finishPackage(pkg.PackageName)
	}
	return nil
}

// handleResult is the compilercache.ResultHandler: it applies a completed
// build result to the package's databases and decrements its pending-file
// counter, finalizing the package once every submitted file has reported.
func (r *run) handleResult(runID string, result compilercache.Result) {
	pkgName := result.Input.Bundle
	r.statesMu.Lock()
	st := r.states[pkgName]
	r.statesMu.Unlock()
	if st == nil {
		log.Error("build result for unknown package %q", pkgName)
		return
	}

	if result.Success {
		r.applySuccess(st, result)
	} else {
		st.mu.Lock()
		st.errorCount++
		st.mu.Unlock()
	}

	st.mu.Lock()
	st.pendingFiles--
	done := st.submitComplete && st.pendingFiles == 0
	st.mu.Unlock()
	r.metrics.PendingFilesDec()
	if done {
		r.finishPackage(pkgName)
	}
}

// applySuccess records references/dependencies on the Source DB and the
// output entry on the Target DB for one successful build. Holds st.mu for
// the duration, since it mutates the same databases the walk goroutine in
// buildPackage touches for other files in this package.
func (r *run) applySuccess(st *packageState, result compilercache.Result) {
	st.mu.Lock()
	defer st.mu.Unlock()

	pkg := st.pkg
	in := result.Input

	sourceEntry, ok := pkg.Database.QueryRelative(relOrAbs(pkg.SourcePath, in.SourcePath))
	if ok {
		sourceEntry.Dependencies = append(sourceEntry.Dependencies, result.References...)
		pkg.Database.Upsert(*sourceEntry)
	}

	for _, refAbs := range result.References {
		refRel := relOrAbs(pkg.SourcePath, refAbs)
		var oldRef sourcedb.Entry
		priorRef, hadPriorRef := pkg.Database.QueryRelative(refRel)
		if hadPriorRef {
			oldRef = *priorRef
		}

		// Create wipes Dependencies/References to build a fresh baseline
		// entry (see buildPackage's walk callback for the same contract);
		// refAbs may be an ordinary walked source file with its own
		// already-recorded dependency edges, so those must be restored
		// rather than left wiped just because this build named it a
		// reference.
		refEntry, err := pkg.Database.Create(pkg.SourcePath, refAbs, func(respath.Metadata) string { return st.target.PlatformName })
		if err != nil {
			continue
		}
		if hadPriorRef {
			refEntry.Dependencies = oldRef.Dependencies
			refEntry.References = oldRef.References
		}
		refEntry.References = append(refEntry.References, in.SourcePath)
		pkg.Database.Upsert(*refEntry)
	}

	targetRel, relErr := filepath.Rel(st.target.TargetPath, in.TargetPath)
	if relErr != nil {
		targetRel = in.TargetPath
	}
	st.target.Database.Create(targetdbCreateArgs(in, targetRel, result))

	var size int64
	for _, out := range result.Outputs {
		if fi, err := os.Stat(out); err == nil {
			size += fi.Size()
		}
	}
	st.bytesBuilt += size
}

func relOrAbs(root, abs string) string {
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return abs
	}
	return rel
}

func targetdbCreateArgs(in compilercache.Input, targetRel string, result compilercache.Result) targetdb.CreateArgs {
	return targetdb.CreateArgs{
		RelativePath:    targetRel,
		ResourceName:    in.ResourceName,
		ResourceType:    in.ResourceType,
		Platform:        in.Platform,
		SourcePath:      relOrAbs(in.Target.RootPath, in.SourcePath),
		Outputs:         result.Outputs,
		CompilerName:    result.CompilerName,
		CompilerVersion: result.CompilerVersion,
	}
}

// finishPackage persists a package's databases once every submitted file
// has reported, emits package:complete, and decrements the project's
// pending-package counter, completing the project once it reaches zero.
// Returns true if the project itself is now complete.
func (r *run) finishPackage(pkgName string) bool {
	r.statesMu.Lock()
	st := r.states[pkgName]
	r.statesMu.Unlock()

	// A package that failed before its state was registered (e.g. its
	// Target could not be resolved) has nothing to persist or report, but
	// still counts toward project completion.
	if st != nil {
		if err := st.pkg.SaveIfDirty(); err != nil {
			r.addErr(fmt.Errorf("persisting package %s: %w", pkgName, err))
		}

		r.builder.bus.Emit(events.Event{
			Kind: events.PackageComplete, RunID: r.runID, Package: pkgName,
			ErrorCount: st.errorCount, BytesBuilt: st.bytesBuilt,
		})
	}

	if atomic.AddInt32(&r.pendingPackages, -1) == 0 {
		r.cache.Shutdown(r.runID)
		r.builder.bus.Emit(events.Event{Kind: events.ProjectComplete, RunID: r.runID})
		close(r.done)
		return true
	}
	return false
}
