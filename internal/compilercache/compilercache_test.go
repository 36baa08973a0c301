package compilercache

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ninjabirdstudios/contentjs/internal/content"
	"github.com/ninjabirdstudios/contentjs/internal/events"
	"github.com/ninjabirdstudios/contentjs/internal/worker"
)

// TestMain re-execs this test binary as a fake compiler worker when
// GO_WANT_HELPER_PROCESS is set, following internal/worker's own self-exec
// test pattern, so the Cache's registry/dispatch logic can be exercised
// against a real subprocess without a separately built companion binary.
func TestMain(m *testing.M) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") == "1" {
		runFakeCompiler()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func runFakeCompiler() {
	in := bufio.NewScanner(os.Stdin)
	in.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	out := json.NewEncoder(os.Stdout)
	for in.Scan() {
		var msg worker.Message
		if err := json.Unmarshal(in.Bytes(), &msg); err != nil {
			continue
		}
		switch msg.Type {
		case worker.VersionQuery:
			out.Encode(worker.Message{Type: worker.VersionData, Data: marshal(worker.VersionDataPayload{Version: 3})})
		case worker.BuildRequest:
			var req worker.BuildRequestPayload
			json.Unmarshal(msg.Data, &req)
			out.Encode(worker.Message{Type: worker.BuildResult, Data: marshal(worker.BuildResultPayload{
				SourcePath: req.SourcePath,
				TargetPath: req.TargetPath,
				Platform:   req.Platform,
				Success:    true,
				Outputs:    []string{req.TargetPath + ".built"},
			})})
		}
	}
}

func marshal(v interface{}) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func selfExecDef(t *testing.T) content.CompilerDef {
	t.Helper()
	t.Setenv("GO_WANT_HELPER_PROCESS", "1")
	self, err := os.Executable()
	require.NoError(t, err)
	return content.CompilerDef{Executable: self, Args: []string{"-test.run=TestMain"}}
}

// resultCollector gathers compilercache.Result values delivered via
// SetResultHandler, since results arrive asynchronously on a dispatch
// goroutine.
type resultCollector struct {
	mu      sync.Mutex
	results []Result
}

func (c *resultCollector) handle(runID string, result Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, result)
}

func (c *resultCollector) waitFor(t *testing.T, n int) []Result {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		got := len(c.results)
		c.mu.Unlock()
		if got >= n {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Result(nil), c.results...)
}

func TestCacheBuildsSuccessfully(t *testing.T) {
	pipeline := content.Pipeline{"txt": selfExecDef(t)}
	bus := events.NewBus(64)
	cache := New(t.TempDir(), pipeline, bus)

	collector := &resultCollector{}
	cache.SetResultHandler(collector.handle)

	require.NoError(t, cache.Start("run-1"))
	defer cache.Shutdown("run-1")

	cache.Build("run-1", Input{
		Bundle: "pkg", SourcePath: "foo.txt", TargetPath: "/out/foo",
		ResourceName: "foo", ResourceType: "txt", Platform: "generic",
	})

	results := collector.waitFor(t, 1)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, []string{"/out/foo.built"}, results[0].Outputs)
}

func TestCacheBuildsAreQueuedPerWorker(t *testing.T) {
	pipeline := content.Pipeline{"txt": selfExecDef(t)}
	bus := events.NewBus(64)
	cache := New(t.TempDir(), pipeline, bus)

	collector := &resultCollector{}
	cache.SetResultHandler(collector.handle)

	require.NoError(t, cache.Start("run-1"))
	defer cache.Shutdown("run-1")

	for i := 0; i < 5; i++ {
		cache.Build("run-1", Input{
			Bundle: "pkg", SourcePath: "foo.txt", TargetPath: "/out/foo",
			ResourceType: "txt",
		})
	}

	results := collector.waitFor(t, 5)
	require.Len(t, results, 5)
	for _, r := range results {
		assert.True(t, r.Success)
	}
}

func TestCacheSkipsUnknownResourceType(t *testing.T) {
	pipeline := content.Pipeline{}
	bus := events.NewBus(64)
	cache := New(t.TempDir(), pipeline, bus)
	require.NoError(t, cache.Start("run-1"))
	defer cache.Shutdown("run-1")

	var mu sync.Mutex
	var seen []events.Event
	bus.Subscribe(func(ev events.Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev)
	})

	cache.Build("run-1", Input{SourcePath: "foo.bin", ResourceType: "bin"})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, events.FileSkipped, seen[0].Kind)
	assert.Equal(t, "no compiler for resource type", seen[0].Reason)
}
