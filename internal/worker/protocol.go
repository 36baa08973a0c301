// Package worker implements the Compiler Worker IPC contract: a long-lived
// child process speaking a four-message request/response protocol over
// newline-delimited JSON on its stdin/stdout.
//
// Structure is grounded directly on thought-machine/please's
// src/worker/worker.go (workerServer with a request channel, a response
// slot guarded by a mutex, and sendRequests/readResponses goroutines);
// generalized here to an explicit VERSION_QUERY handshake and a strict
// single-outstanding-request-per-worker constraint, where please's own
// worker protocol allows many in-flight requests per worker, keyed by
// build label.
package worker

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("worker")

// Tag identifies the kind of message on the wire.
type Tag int

const (
	VersionQuery Tag = 0
	VersionData  Tag = 1
	BuildRequest Tag = 2
	BuildResult  Tag = 3
)

// Message is the wire envelope: {"type": 0|1|2|3, "data": ...}.
type Message struct {
	Type Tag             `json:"type"`
	Data json.RawMessage `json:"data"`
}

// VersionDataPayload is the Worker -> Cache reply to VersionQuery.
type VersionDataPayload struct {
	Version int `json:"version"`
}

// BuildRequestPayload is the Cache -> Worker payload for BuildRequest.
// TargetPath is sent without the resource-type extension; the Worker
// appends it to each output path.
type BuildRequestPayload struct {
	SourcePath string `json:"sourcePath"`
	TargetPath string `json:"targetPath"`
	Platform   string `json:"platform"`
}

// BuildResultPayload is the Worker -> Cache payload for BuildResult.
type BuildResultPayload struct {
	SourcePath string   `json:"sourcePath"`
	TargetPath string   `json:"targetPath"`
	Platform   string   `json:"platform"`
	Success    bool     `json:"success"`
	Errors     []string `json:"errors"`
	Outputs    []string `json:"outputs"`
	References []string `json:"references"`
}

// Process owns one spawned compiler worker subprocess: its child handle, a
// JSON encoder on its stdin and a line scanner on its stdout. Each request
// is written and its reply read synchronously on the caller's goroutine
// (Workers are single-threaded; at most one BUILD_REQUEST is ever
// outstanding).
type Process struct {
	ResourceType string

	cmd    *exec.Cmd
	stdin  *json.Encoder
	stdout *bufio.Scanner

	mu      sync.Mutex
	pending chan BuildResultPayload

	stderr *stderrCollector

	closing bool
}

// Spawn launches executable with args and the --persistent flag, which
// puts the child into IPC mode.
func Spawn(resourceType, executable string, args []string) (*Process, error) {
	fullArgs := append(append([]string{}, args...), "--persistent")
	return spawnCmd(resourceType, exec.Command(executable, fullArgs...))
}

// spawnCmd does the actual pipe wiring and Start over a caller-constructed
// *exec.Cmd; split out from Spawn so tests can build a self-exec command
// (with its own Env) without duplicating the pipe/goroutine setup.
func spawnCmd(resourceType string, cmd *exec.Cmd) (*Process, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker %s: stdin pipe: %w", resourceType, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker %s: stdout pipe: %w", resourceType, err)
	}
	stderr := &stderrCollector{}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("worker %s: starting %s: %w", resourceType, cmd.Path, err)
	}

	p := &Process{
		ResourceType: resourceType,
		cmd:          cmd,
		stdin:        json.NewEncoder(stdin),
		stdout:       bufio.NewScanner(stdout),
		stderr:       stderr,
	}
	p.stdout.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return p, nil
}

// send encodes a Message to stdin, newline-delimited the way please's own
// sendRequests does ("Newline delimit them as a nicety.").
func (p *Process) send(tag Tag, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return p.stdin.Encode(Message{Type: tag, Data: raw})
}

// QueryVersion sends VERSION_QUERY and blocks for VERSION_DATA. This must
// be the first exchange with a fresh Process.
func (p *Process) QueryVersion() (int, error) {
	if err := p.send(VersionQuery, struct{}{}); err != nil {
		return 0, err
	}
	msg, err := p.readOne()
	if err != nil {
		return 0, err
	}
	if msg.Type != VersionData {
		return 0, fmt.Errorf("worker %s: expected VERSION_DATA, got tag %d", p.ResourceType, msg.Type)
	}
	var payload VersionDataPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		return 0, fmt.Errorf("worker %s: malformed VERSION_DATA: %w", p.ResourceType, err)
	}
	return payload.Version, nil
}

// Build sends one BUILD_REQUEST and blocks for its BUILD_RESULT. Callers
// must serialize calls to Build on one Process themselves (or rely on
// compilercache, which already enforces one outstanding request per
// worker); Build does not queue concurrent callers.
func (p *Process) Build(req BuildRequestPayload) (BuildResultPayload, error) {
	if err := p.send(BuildRequest, req); err != nil {
		return BuildResultPayload{}, err
	}
	msg, err := p.readOne()
	if err != nil {
		return BuildResultPayload{}, err
	}
	if msg.Type != BuildResult {
		return BuildResultPayload{}, fmt.Errorf("worker %s: expected BUILD_RESULT, got tag %d", p.ResourceType, msg.Type)
	}
	var payload BuildResultPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		return BuildResultPayload{}, fmt.Errorf("worker %s: malformed BUILD_RESULT: %w", p.ResourceType, err)
	}
	return payload, nil
}

// readOne reads the next newline-delimited Message from stdout.
func (p *Process) readOne() (Message, error) {
	if !p.stdout.Scan() {
		if err := p.stdout.Err(); err != nil {
			return Message{}, fmt.Errorf("worker %s: read: %w", p.ResourceType, err)
		}
		return Message{}, fmt.Errorf("worker %s: closed its output unexpectedly: %s", p.ResourceType, p.stderr.history())
	}
	var msg Message
	if err := json.Unmarshal(p.stdout.Bytes(), &msg); err != nil {
		return Message{}, fmt.Errorf("worker %s: malformed message: %w", p.ResourceType, err)
	}
	return msg, nil
}

// Terminate kills the child outright and waits for it to exit; no separate
// shutdown request is sent first and there is no grace period. The non-zero
// exit status caused by that deliberate kill is not reported as an error,
// and stderr logging is silenced beforehand, matching please's own
// StopWorkers/StopAll ("closing" flag to silence stderr noise from a
// deliberate kill).
func (p *Process) Terminate() error {
	p.mu.Lock()
	p.closing = true
	p.mu.Unlock()
	p.stderr.Suppress()
	if err := p.cmd.Process.Kill(); err != nil {
		return err
	}
	if err := p.cmd.Wait(); err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			return err
		}
	}
	return nil
}

// Alive reports whether the child process is still running.
func (p *Process) Alive() bool {
	return p.cmd.ProcessState == nil
}

// Closing reports whether Terminate has been called on p, so a caller whose
// in-flight Build just failed can tell a deliberate shutdown apart from an
// actual crash before logging it as one.
func (p *Process) Closing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closing
}

// stderrCollector buffers the worker's stderr for inclusion in the error
// readOne returns when the worker closes its output, logging complete
// lines as they arrive.
type stderrCollector struct {
	mu      sync.Mutex
	buf     []byte
	lines   []string
	suppress bool
}

func (s *stderrCollector) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, b...)
	for {
		idx := indexByte(s.buf, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimSpace(string(s.buf[:idx]))
		s.buf = s.buf[idx+1:]
		if line == "" {
			continue
		}
		s.lines = append(s.lines, line)
		if !s.suppress {
			log.Error("worker stderr: %s", line)
		}
	}
	return len(b), nil
}

// Suppress stops further stderr lines from being logged, for a deliberate
// shutdown where noise from the kill itself is expected, matching please's
// own worker.stderr.Suppress on StopWorkers/StopAll.
func (s *stderrCollector) Suppress() {
	s.mu.Lock()
	s.suppress = true
	s.mu.Unlock()
}

func (s *stderrCollector) history() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.lines, "\n")
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
