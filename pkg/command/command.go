// Package command runs the external macOS utilities the DMG pipeline depends on
// such as hdiutil, codesign and plutil.
//
// Every call blocks until the process exits. A non-zero exit is reported as an
// *ExitError carrying the captured stderr so callers can surface the tool's own
// message to the user.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// ErrNotFound is returned when the requested program is not installed.
var ErrNotFound = errors.New("program not found")

// Result holds the captured output of a finished command
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes external programs
type Runner interface {
	// Run executes name with args and waits for it to exit
	Run(ctx context.Context, name string, args ...string) (*Result, error)

	// RunWithInput is Run with stdin fed from input
	RunWithInput(ctx context.Context, input []byte, name string, args ...string) (*Result, error)

	// LookPath reports whether name can be executed
	LookPath(name string) (string, error)
}

// ExitError reports a command that ran but exited non-zero
type ExitError struct {
	Name     string
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("%s exited with status %d", e.Name, e.ExitCode)
	}
	return fmt.Sprintf("%s exited with status %d: %s", e.Name, e.ExitCode, msg)
}

// Stderr extracts the trimmed stderr of a failed command from err, if any.
func Stderr(err error) string {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return strings.TrimSpace(exitErr.Stderr)
	}
	return ""
}

// ExecRunner runs programs with os/exec
type ExecRunner struct {
	// Dir is the working directory; empty means the current one
	Dir string

	// Stdout and Stderr additionally receive the live output when set
	Stdout io.Writer
	Stderr io.Writer

	Logger *slog.Logger
}

// New creates an ExecRunner logging to logger
func New(logger *slog.Logger) *ExecRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{Logger: logger}
}

// Run implements Runner
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	return r.RunWithInput(ctx, nil, name, args...)
}

// RunWithInput implements Runner
func (r *ExecRunner) RunWithInput(ctx context.Context, input []byte, name string, args ...string) (*Result, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("exec", "program", name, "args", args)

	cmd := exec.CommandContext(ctx, name, args...)
	if r.Dir != "" {
		cmd.Dir = r.Dir
	}
	if input != nil {
		cmd.Stdin = bytes.NewReader(input)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if r.Stdout != nil {
		cmd.Stdout = io.MultiWriter(&stdout, r.Stdout)
	}
	if r.Stderr != nil {
		cmd.Stderr = io.MultiWriter(&stderr, r.Stderr)
	}

	err := cmd.Run()
	result := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return result, &ExitError{
				Name:     name,
				Args:     args,
				ExitCode: exitErr.ExitCode(),
				Stderr:   result.Stderr,
			}
		}
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return result, fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return result, fmt.Errorf("failed to run %s: %w", name, err)
	}

	return result, nil
}

// LookPath implements Runner
func (r *ExecRunner) LookPath(name string) (string, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return path, nil
}
