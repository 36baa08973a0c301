// Command contentjs drives one incremental build of a content project: it
// wires together internal/content, internal/build and internal/metrics,
// prints progress as events arrive, and maps the result onto the CLI's
// exit code contract. No business logic lives here; it is argument
// parsing and wiring only.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	flags "github.com/thought-machine/go-flags"
	"gopkg.in/op/go-logging.v1"

	"github.com/ninjabirdstudios/contentjs/internal/build"
	"github.com/ninjabirdstudios/contentjs/internal/content"
	"github.com/ninjabirdstudios/contentjs/internal/events"
	"github.com/ninjabirdstudios/contentjs/internal/metrics"
)

var log = logging.MustGetLogger("contentjs")

const (
	exitSuccess         = 0
	exitGeneralFailure  = 1
	exitProjectNotFound = 2
)

var opts struct {
	Project  string `short:"p" long:"project" required:"true" description:"Path to the project root to build."`
	Platform string `long:"platform" description:"Platform to build for; empty builds the generic platform."`
	Silent   bool   `long:"silent" description:"Suppress per-file progress output."`
}

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	parser := flags.NewNamedParser(filepath.Base(args[0]), flags.HelpFlag|flags.PassDoubleDash)
	parser.AddGroup("contentjs options", "", &opts)
	if _, err := parser.ParseArgs(args[1:]); err != nil {
		if ferr, ok := err.(*flags.Error); ok && ferr.Type == flags.ErrHelp {
			return exitSuccess
		}
		fmt.Fprintln(os.Stderr, err)
		return exitGeneralFailure
	}

	info, err := os.Stat(opts.Project)
	if err != nil || !info.IsDir() {
		fmt.Fprintf(os.Stderr, "contentjs: project not found: %s\n", opts.Project)
		return exitProjectNotFound
	}

	proj, err := content.NewProject(filepath.Dir(opts.Project), filepath.Base(opts.Project))
	if err != nil {
		fmt.Fprintf(os.Stderr, "contentjs: %s\n", err)
		return exitGeneralFailure
	}

	bus := events.NewBus(256)
	builder := build.NewBuilder(proj, bus, nil)
	builder.SetMetrics(metrics.New())

	var errorCount int
	bus.Subscribe(func(ev events.Event) {
		if ev.Kind == events.PackageComplete {
			errorCount += ev.ErrorCount
		}
		if !opts.Silent {
			printEvent(ev)
		}
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		log.Warning("received %s, shutting down", s)
		builder.Shutdown()
	}()

	if err := builder.Build(opts.Platform); err != nil {
		fmt.Fprintf(os.Stderr, "contentjs: %s\n", err)
		return exitGeneralFailure
	}
	if errorCount > 0 {
		return exitGeneralFailure
	}
	return exitSuccess
}

func printEvent(ev events.Event) {
	switch ev.Kind {
	case events.FileSuccess:
		fmt.Printf("built   %s\n", ev.Path)
	case events.FileSkipped:
		fmt.Printf("skipped %s (%s)\n", ev.Path, ev.Reason)
	case events.FileError:
		fmt.Printf("failed  %s: %s\n", ev.Path, strings.Join(ev.Errors, "; "))
	case events.PackageComplete:
		fmt.Println(ev.Summary())
	}
}
