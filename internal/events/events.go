// Package events implements the typed event stream emitted by the Compiler
// Cache and the Builder. It follows thought-machine/please's own choice
// (src/core/state.go's BuildState.Results channel) of a single channel of
// tagged values, with a small synchronous Subscriber interface layered on
// top for in-process consumers that don't want to drain a channel.
package events

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("events")

// Kind identifies what an Event represents.
type Kind int

// The full set of events this module emits.
const (
	CacheReady Kind = iota
	WorkerStarted
	FileSkipped
	FileStarted
	FileSuccess
	FileError
	CacheTerminated
	PackageStarted
	PackageComplete
	ProjectComplete
)

func (k Kind) String() string {
	switch k {
	case CacheReady:
		return "ready"
	case WorkerStarted:
		return "started"
	case FileSkipped:
		return "file:skipped"
	case FileStarted:
		return "file:started"
	case FileSuccess:
		return "file:success"
	case FileError:
		return "file:error"
	case CacheTerminated:
		return "terminated"
	case PackageStarted:
		return "package:started"
	case PackageComplete:
		return "package:complete"
	case ProjectComplete:
		return "project:complete"
	default:
		return "unknown"
	}
}

// Event is a single tagged notification. Only the fields relevant to Kind
// are populated; the rest are left at their zero value.
type Event struct {
	Kind Kind
	// RunID correlates every event emitted by one Builder.Build invocation,
	// so a driver watching events from concurrently-running builds (e.g. in
	// a test suite) can tell them apart.
	RunID string

	Project string
	Package string
	// Path of the file the event concerns, if any: relative to the package
	// source root on events the Builder emits, the absolute source path on
	// events the Compiler Cache emits.
	Path string

	Reason string   // for FileSkipped: "up to date", "platform mismatch", "no compiler for resource type"
	Errors []string // for FileError

	ErrorCount int   // for PackageComplete
	BytesBuilt int64 // for PackageComplete: total size of outputs written this run
}

// Summary renders a short human-readable line for PackageComplete events,
// e.g. "package foo: complete, wrote 1.2 MB", or
// "package foo: complete with 2 error(s)" when ErrorCount > 0. Used by the CLI
// driver; kept here so both the in-tree CLI and tests share one format.
func (e Event) Summary() string {
	if e.Kind != PackageComplete {
		return e.Kind.String()
	}
	if e.ErrorCount > 0 {
		return fmt.Sprintf("package %s: complete with %d error(s)", e.Package, e.ErrorCount)
	}
	return fmt.Sprintf("package %s: complete, wrote %s", e.Package, humanize.Bytes(uint64(e.BytesBuilt)))
}

// Subscriber is the explicit-observer alternative allowed alongside a
// channel. Bus.Subscribe registers one; they are invoked
// synchronously, in registration order, on the goroutine that calls
// Bus.Emit.
type Subscriber func(Event)

// Bus fans a sequence of Events out to a buffered channel and to any
// registered Subscribers. The Builder and Compiler Cache each hold one Bus
// for the duration of a build.
type Bus struct {
	ch   chan Event
	subs []Subscriber
}

// NewBus creates a Bus with the given channel buffer size. A size of 0 is
// valid but means the channel only receives an event when a reader is
// already waiting on it; otherwise Emit drops it (see Emit).
func NewBus(buffer int) *Bus {
	return &Bus{ch: make(chan Event, buffer)}
}

// Subscribe registers a Subscriber to be called synchronously on every Emit.
func (b *Bus) Subscribe(s Subscriber) {
	b.subs = append(b.subs, s)
}

// Emit sends ev to every Subscriber and onto the channel. Subscribers run
// first so they can rely on seeing events before a channel consumer does.
// The channel send never blocks: a build's own progress must never stall on
// a driver that only subscribes and never calls Events, so a full channel
// drops ev and logs instead of blocking the walk/dispatch goroutine.
func (b *Bus) Emit(ev Event) {
	for _, s := range b.subs {
		s(ev)
	}
	select {
	case b.ch <- ev:
	default:
		log.Warning("event channel full, dropping %s event", ev.Kind)
	}
}

// Events returns the channel of emitted events.
func (b *Bus) Events() <-chan Event {
	return b.ch
}

// Close closes the underlying channel. Callers must ensure no further Emit
// calls occur afterwards.
func (b *Bus) Close() {
	close(b.ch)
}
