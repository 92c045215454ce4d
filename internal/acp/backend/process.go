package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kandev/acp-runtime/internal/acp/events"
	"github.com/kandev/acp-runtime/internal/common/logger"
)

// exitPollInterval is the Exit watcher's poll cadence (spec.md §4.1).
const exitPollInterval = 200 * time.Millisecond

// stderrCapture is a bounded head/tail ring of stderr lines, keeping only
// enough context to diagnose a crashed agent without unbounded memory use.
type stderrCapture struct {
	mu         sync.Mutex
	head       []string
	tail       []string
	headLimit  int
	tailLimit  int
	totalLines int
}

func newStderrCapture(headLimit, tailLimit int) *stderrCapture {
	return &stderrCapture{headLimit: headLimit, tailLimit: tailLimit}
}

func (c *stderrCapture) record(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalLines++
	if len(c.head) < c.headLimit {
		c.head = append(c.head, line)
	}
	c.tail = append(c.tail, line)
	if len(c.tail) > c.tailLimit {
		c.tail = c.tail[len(c.tail)-c.tailLimit:]
	}
}

func (c *stderrCapture) snapshot() StderrOutput {
	c.mu.Lock()
	defer c.mu.Unlock()
	truncated := c.totalLines > c.headLimit+c.tailLimit
	return StderrOutput{
		Head:       strings.Join(c.head, "\n"),
		Tail:       strings.Join(c.tail, "\n"),
		Truncated:  truncated,
		TotalLines: c.totalLines,
	}
}

// ProcessBackend owns exactly one agent child process (spec.md §4.1).
type ProcessBackend struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	stdinMu sync.Mutex

	stderrCap *stderrCapture

	terminateRequested atomic.Bool
	alive               atomic.Bool

	onLine LineHandler
	onExit ExitHandler

	log *logger.Logger

	exitOnce sync.Once
	waitCh   chan struct{}
	waitErr  error
}

// SpawnOptions configures a ProcessBackend spawn.
type SpawnOptions struct {
	Spec            events.LaunchSpec
	StderrHeadLines int
	StderrTailLines int
	OnLine          LineHandler
	OnExit          ExitHandler
	Logger          *logger.Logger
}

// Spawn starts the child with piped stdio (spec.md §4.1 `spawn`). It fails
// with a stream error if the child cannot be started or any of the three
// pipes cannot be captured.
func Spawn(opts SpawnOptions) (*ProcessBackend, error) {
	cmd := exec.Command(opts.Spec.Program, opts.Spec.Args...)
	cmd.Env = os.Environ()
	for k, v := range opts.Spec.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("capturing stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("capturing stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("capturing stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawning agent process: %w", err)
	}

	head, tail := opts.StderrHeadLines, opts.StderrTailLines
	if head <= 0 {
		head = 200
	}
	if tail <= 0 {
		tail = 200
	}

	pb := &ProcessBackend{
		cmd:       cmd,
		stdin:     stdin,
		stdout:    stdout,
		stderr:    stderr,
		stderrCap: newStderrCapture(head, tail),
		onLine:    opts.OnLine,
		onExit:    opts.OnExit,
		log:       opts.Logger,
	}
	pb.alive.Store(true)

	go pb.pumpStdout()
	go pb.pumpStderr()
	go pb.watchExit()

	return pb, nil
}

// pumpStdout reads lines, parses as JSON, and on failure synthesizes an
// `agent.unparsed` envelope instead of dropping the line (spec.md §4.1).
func (pb *ProcessBackend) pumpStdout() {
	scanner := bufio.NewScanner(pb.stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var probe map[string]any
		if err := json.Unmarshal(line, &probe); err != nil {
			synthetic := map[string]any{
				"method": "agent.unparsed",
				"params": map[string]any{
					"error": err.Error(),
					"raw":   string(line),
				},
			}
			raw, _ := json.Marshal(synthetic)
			if pb.onLine != nil {
				pb.onLine(raw)
			}
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		if pb.onLine != nil {
			pb.onLine(cp)
		}
	}
}

// pumpStderr records each line into the bounded capture (spec.md §4.1).
func (pb *ProcessBackend) pumpStderr() {
	scanner := bufio.NewScanner(pb.stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		pb.stderrCap.record(scanner.Text())
	}
}

// watchExit polls the child at exitPollInterval (spec.md §4.1) until
// cmd.Wait() (started via waitDone) completes, then reports the outcome
// exactly once.
func (pb *ProcessBackend) watchExit() {
	done := pb.waitDone()
	ticker := time.NewTicker(exitPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			pb.reportExit()
			return
		case <-ticker.C:
			continue
		}
	}
}

// waitDone lazily starts cmd.Wait() exactly once and returns a channel
// that closes when it completes; subsequent calls return the same channel.
func (pb *ProcessBackend) waitDone() <-chan struct{} {
	pb.exitOnce.Do(func() {
		pb.waitCh = make(chan struct{})
		go func() {
			pb.waitErr = pb.cmd.Wait()
			close(pb.waitCh)
		}()
	})
	return pb.waitCh
}

func (pb *ProcessBackend) reportExit() {
	pb.alive.Store(false)
	exitCode := -1
	if pb.cmd.ProcessState != nil {
		exitCode = pb.cmd.ProcessState.ExitCode()
	}

	terminatedBy := TerminatedByAgent
	reason := "error"
	if pb.terminateRequested.Load() {
		terminatedBy = TerminatedByDaemon
		reason = "terminated"
	} else if exitCode == 0 {
		reason = "completed"
	}

	info := ExitInfo{
		Reason:       reason,
		TerminatedBy: terminatedBy,
		ExitCode:     exitCode,
		Stderr:       pb.stderrCap.snapshot(),
	}
	if pb.onExit != nil {
		pb.onExit(info)
	}
}

// Send acquires the stdin lock, writes the envelope, a "\n" delimiter,
// and flushes (spec.md §4.1). Any failure marks the backend stopped.
func (pb *ProcessBackend) Send(ctx context.Context, envelope []byte) error {
	pb.stdinMu.Lock()
	defer pb.stdinMu.Unlock()

	if !pb.alive.Load() {
		return fmt.Errorf("backend not alive: stream error")
	}

	if _, err := pb.stdin.Write(envelope); err != nil {
		pb.alive.Store(false)
		return fmt.Errorf("writing to agent stdin: %w", err)
	}
	if _, err := pb.stdin.Write([]byte("\n")); err != nil {
		pb.alive.Store(false)
		return fmt.Errorf("writing newline to agent stdin: %w", err)
	}
	return nil
}

// IsAlive probes whether the child is still running.
func (pb *ProcessBackend) IsAlive() bool {
	return pb.alive.Load()
}

// StderrOutput snapshots captured stderr head/tail.
func (pb *ProcessBackend) StderrOutput() StderrOutput {
	return pb.stderrCap.snapshot()
}

// Shutdown sets "terminate requested", waits grace, then kills if the
// child is still running (spec.md §4.1).
func (pb *ProcessBackend) Shutdown(ctx context.Context, grace time.Duration) {
	pb.terminateRequested.Store(true)
	_ = pb.stdin.Close()

	select {
	case <-pb.waitDone():
		return
	case <-time.After(grace):
	}

	if pb.alive.Load() {
		_ = pb.cmd.Process.Kill()
		<-pb.waitDone()
	}
}
