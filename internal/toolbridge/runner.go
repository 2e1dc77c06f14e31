// Package toolbridge runs the external conversion executables (PDAL,
// PotreeConverter, GDAL) as bounded subprocesses and parses their output.
package toolbridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

var ErrTimeout = errors.New("tool timed out")
var ErrToolNotFound = errors.New("tool not found")

// maxDiagnostic caps how much stderr is kept for error messages.
const maxDiagnostic = 4096

// Command describes one tool invocation. A zero Timeout means no limit
// beyond the caller's context.
type Command struct {
	Name    string
	Args    []string
	Dir     string
	Timeout time.Duration
}

func (c Command) tool() string {
	return filepath.Base(c.Name)
}

type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// ToolError reports a tool that ran and exited non-zero. Diagnostic holds
// the tail of its stderr verbatim.
type ToolError struct {
	Tool       string
	ExitCode   int
	Diagnostic string
}

func (e *ToolError) Error() string {
	if e.Diagnostic == "" {
		return fmt.Sprintf("%s exited with status %d", e.Tool, e.ExitCode)
	}
	return fmt.Sprintf("%s exited with status %d: %s", e.Tool, e.ExitCode, e.Diagnostic)
}

// Runner executes commands. The exec-backed implementation is ExecRunner;
// tests substitute scripted fakes.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// ExecRunner runs commands with os/exec. On timeout the whole process group
// is killed so converters that fork helpers do not outlive the job.
type ExecRunner struct {
	// WaitDelay bounds how long Run waits for output pipes after a kill.
	WaitDelay time.Duration
}

var _ Runner = (*ExecRunner)(nil)

func NewExecRunner() *ExecRunner {
	return &ExecRunner{WaitDelay: 5 * time.Second}
}

func (r *ExecRunner) Run(ctx context.Context, c Command) (*Result, error) {
	runCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.WaitDelay = r.WaitDelay
	configureProcessGroup(cmd)

	var stdout bytes.Buffer
	stderr := &tailBuffer{max: maxDiagnostic}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	start := time.Now()
	slog.Debug("tool started", "tool", c.tool(), "args", len(c.Args))
	err := cmd.Run()
	res := &Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: cmd.ProcessState.ExitCode(),
		Duration: time.Since(start),
	}

	switch {
	case err == nil:
		slog.Debug("tool finished", "tool", c.tool(), "duration_ms", res.Duration.Milliseconds())
		return res, nil
	case ctx.Err() != nil:
		return res, ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return res, fmt.Errorf("%s after %s: %w", c.tool(), c.Timeout, ErrTimeout)
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, exec.ErrDot), errors.Is(err, fs.ErrNotExist):
		return res, fmt.Errorf("%s: %w", c.tool(), ErrToolNotFound)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return res, &ToolError{
			Tool:       c.tool(),
			ExitCode:   exitErr.ExitCode(),
			Diagnostic: strings.TrimSpace(string(res.Stderr)),
		}
	}
	return res, fmt.Errorf("run %s: %w", c.tool(), err)
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) Bytes() []byte {
	return t.buf
}
