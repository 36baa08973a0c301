// Package compilercache implements the Compiler Cache: it owns one
// Compiler Worker per resource type, routes build requests to them, keeps
// a single-outstanding-request FIFO per worker, and emits lifecycle
// events.
//
// The worker registry and getOrStart pattern are grounded on
// thought-machine/please's src/worker/worker.go workerMap/getOrStartWorker;
// generalized from "keyed by executable path" to "keyed by resource type"
// and from "map of response channels keyed by rule" down to one pending
// queue per worker, since only one outstanding build request is ever
// allowed per worker.
package compilercache

import (
	"fmt"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"
	"gopkg.in/op/go-logging.v1"

	"github.com/ninjabirdstudios/contentjs/internal/content"
	"github.com/ninjabirdstudios/contentjs/internal/events"
	"github.com/ninjabirdstudios/contentjs/internal/metrics"
	"github.com/ninjabirdstudios/contentjs/internal/worker"
)

var log = logging.MustGetLogger("compilercache")

// Input is one build request submitted to the Cache.
type Input struct {
	Bundle       string
	Target       *content.Target
	SourcePath   string
	TargetPath   string
	ResourceName string
	ResourceType string
	Platform     string
}

// Result is what the Cache reports back once a request completes, whether
// it succeeded, failed, or crashed the worker.
type Result struct {
	Input      Input
	Success    bool
	Errors     []string
	Outputs    []string
	References []string

	// CompilerName/CompilerVersion identify the worker that produced this
	// result: the executable configured for Input.ResourceType and the
	// version it reported on its VERSION_QUERY/VERSION_DATA handshake.
	CompilerName    string
	CompilerVersion int
}

// ResultHandler receives every completed Result as it is produced.
type ResultHandler func(runID string, result Result)

// workerState is the per-worker lifecycle: Spawning -> Idle -> Busy ->
// Idle ... -> Terminating -> Dead, with a crash mid-Busy looping back to
// Spawning.
type workerState int

const (
	stateSpawning workerState = iota
	stateIdle
	stateBusy
	stateTerminating
	stateDead
)

type pendingRequest struct {
	input Input
}

type workerEntry struct {
	resourceType string
	def          content.CompilerDef
	proc         *worker.Process
	version      int

	mu    sync.Mutex
	state workerState
	queue []pendingRequest
}

// Cache owns and dispatches to the Compiler Workers for one project build.
type Cache struct {
	bus           *events.Bus
	processorRoot string

	workers map[string]*workerEntry // resourceType -> worker

	resultMu      sync.RWMutex
	resultHandler ResultHandler

	metrics *metrics.Metrics
}

// New constructs a Cache that will spawn one Worker per entry in pipeline,
// rooted at processorRoot — relative compiler executables are resolved
// there.
func New(processorRoot string, pipeline content.Pipeline, bus *events.Bus) *Cache {
	c := &Cache{bus: bus, processorRoot: processorRoot, workers: map[string]*workerEntry{}}
	for resourceType, def := range pipeline {
		c.workers[resourceType] = &workerEntry{resourceType: resourceType, def: def, state: stateSpawning}
	}
	return c
}

// SetResultHandler installs the callback invoked for every completed build
// request. Must be called before the first Build call to avoid missing
// results; a Cache with no handler still runs builds, it just drops them.
func (c *Cache) SetResultHandler(h ResultHandler) {
	c.resultMu.Lock()
	c.resultHandler = h
	c.resultMu.Unlock()
}

// SetMetrics installs m, which receives FileBuilt/FileSkipped/WorkerRestarted
// counts as the Cache dispatches builds. A nil m (the default) disables
// metrics entirely; safe to call at most once before the first Build call.
func (c *Cache) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

// Start spawns every worker and blocks until each has completed the
// VERSION_QUERY/VERSION_DATA handshake, then emits CacheReady. A spawn
// failure for any compiler aborts the whole project build.
func (c *Cache) Start(runID string) error {
	var g errgroup.Group
	for _, w := range c.workers {
		w := w
		g.Go(func() error { return c.startWorker(w) })
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("compiler cache: %w", err)
	}
	c.bus.Emit(events.Event{Kind: events.CacheReady, RunID: runID})
	return nil
}

func (c *Cache) startWorker(w *workerEntry) error {
	executable := w.def.Executable
	if !filepath.IsAbs(executable) {
		executable = filepath.Join(c.processorRoot, executable)
	}
	proc, err := worker.Spawn(w.resourceType, executable, w.def.Args)
	if err != nil {
		return fmt.Errorf("spawning worker for %q: %w", w.resourceType, err)
	}
	version, err := proc.QueryVersion()
	if err != nil {
		proc.Terminate()
		return fmt.Errorf("handshake with worker for %q: %w", w.resourceType, err)
	}
	w.mu.Lock()
	w.proc = proc
	w.version = version
	w.state = stateIdle
	w.mu.Unlock()
	log.Debug("worker for %q ready, version %d", w.resourceType, version)
	return nil
}

// Build submits input. If no Worker exists for input.ResourceType, it
// emits FileSkipped synchronously and returns without enqueuing.
// Otherwise the request is appended to the worker's FIFO and dispatched
// immediately if the worker is idle.
func (c *Cache) Build(runID string, input Input) {
	w, ok := c.workers[input.ResourceType]
	if !ok {
		c.bus.Emit(events.Event{
			Kind:   events.FileSkipped,
			RunID:  runID,
			Path:   input.SourcePath,
			Reason: "no compiler for resource type",
		})
		c.metrics.FileSkipped()
		return
	}
	w.mu.Lock()
	w.queue = append(w.queue, pendingRequest{input: input})
	idle := w.state == stateIdle
	w.mu.Unlock()
	if idle {
		go c.dispatchNext(runID, w)
	}
}

// dispatchNext pops the head of w's FIFO and runs it; only one call to
// dispatchNext is ever active per worker at a time, guarded by the
// transition to stateBusy, so at most one BUILD_REQUEST is outstanding
// per worker and results arrive in the order they were queued.
func (c *Cache) dispatchNext(runID string, w *workerEntry) {
	w.mu.Lock()
	if w.state != stateIdle || len(w.queue) == 0 {
		w.mu.Unlock()
		return
	}
	req := w.queue[0]
	w.queue = w.queue[1:]
	w.state = stateBusy
	w.mu.Unlock()

	c.bus.Emit(events.Event{Kind: events.WorkerStarted, RunID: runID, Path: req.input.SourcePath})

	resp, err := w.proc.Build(worker.BuildRequestPayload{
		SourcePath: req.input.SourcePath,
		TargetPath: req.input.TargetPath,
		Platform:   req.input.Platform,
	})

	w.mu.Lock()
	compilerVersion := w.version
	w.mu.Unlock()

	var result Result
	if err != nil {
		// The worker died or produced unparsable output: surfaced as a
		// failed build result with a synthetic error, and the worker is
		// relaunched. A worker that died because Shutdown called Terminate
		// on it concurrently is not a crash, so it's logged quietly instead.
		if w.proc.Closing() {
			log.Debug("worker for %q stopped during shutdown: %s", w.resourceType, err)
		} else {
			log.Error("worker for %q crashed: %s", w.resourceType, err)
		}
		result = Result{Input: req.input, Success: false, Errors: []string{fmt.Sprintf("worker crashed: %s", err)}}
		c.respawn(w)
	} else {
		result = Result{
			Input:           req.input,
			Success:         resp.Success,
			Errors:          resp.Errors,
			Outputs:         resp.Outputs,
			References:      resp.References,
			CompilerName:    w.def.Executable,
			CompilerVersion: compilerVersion,
		}
	}

	kind := events.FileSuccess
	if !result.Success {
		kind = events.FileError
	} else {
		c.metrics.FileBuilt()
	}
	c.bus.Emit(events.Event{
		Kind:   kind,
		RunID:  runID,
		Path:   req.input.SourcePath,
		Errors: result.Errors,
	})
	c.deliver(runID, result)

	w.mu.Lock()
	w.state = stateIdle
	hasMore := len(w.queue) > 0
	w.mu.Unlock()
	if hasMore {
		c.dispatchNext(runID, w)
	}
}

func (c *Cache) deliver(runID string, result Result) {
	c.resultMu.RLock()
	handler := c.resultHandler
	c.resultMu.RUnlock()
	if handler != nil {
		handler(runID, result)
	}
}

// respawn relaunches a crashed worker, returning it to Spawning and then
// Idle once the handshake completes again. Failures here are logged but
// not fatal: dispatchNext returns the worker to Idle afterwards either way,
// so each later request is sent to the dead process, fails, and triggers
// another respawn attempt. A persistently failing compiler therefore
// surfaces as repeated crash results rather than aborting the project.
func (c *Cache) respawn(w *workerEntry) {
	c.metrics.WorkerRestarted()
	w.mu.Lock()
	w.state = stateSpawning
	w.mu.Unlock()
	if err := c.startWorker(w); err != nil {
		log.Error("failed to respawn worker for %q: %s", w.resourceType, err)
		w.mu.Lock()
		w.state = stateDead
		w.mu.Unlock()
	}
}

// Shutdown kills every worker (see worker.Process.Terminate; there is no
// grace period), waits for each to exit, and emits CacheTerminated.
func (c *Cache) Shutdown(runID string) {
	var g errgroup.Group
	for _, w := range c.workers {
		w := w
		g.Go(func() error {
			w.mu.Lock()
			w.state = stateTerminating
			proc := w.proc
			w.mu.Unlock()
			if proc == nil {
				return nil
			}
			if err := proc.Terminate(); err != nil {
				log.Warning("worker for %q did not terminate cleanly: %s", w.resourceType, err)
			}
			w.mu.Lock()
			w.state = stateDead
			w.mu.Unlock()
			return nil
		})
	}
	g.Wait()
	c.bus.Emit(events.Event{Kind: events.CacheTerminated, RunID: runID})
}
