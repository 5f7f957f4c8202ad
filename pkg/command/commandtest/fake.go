// Package commandtest provides a scripted command.Runner for tests.
package commandtest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/aluedeke/go-create-dmg/pkg/command"
)

// Call records one invocation seen by Fake
type Call struct {
	Name  string
	Args  []string
	Input []byte
}

// String renders the call like a shell command line
func (c Call) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Handler produces the outcome of a faked program invocation
type Handler func(args []string) (*command.Result, error)

// Fake is a command.Runner driven by per-program handlers.
// Programs without a handler behave as if they are not installed.
type Fake struct {
	mu       sync.Mutex
	handlers map[string]Handler
	calls    []Call
}

// NewFake creates an empty Fake
func NewFake() *Fake {
	return &Fake{handlers: make(map[string]Handler)}
}

// Handle registers h for program name
func (f *Fake) Handle(name string, h Handler) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[name] = h
	return f
}

// Succeed registers a handler that prints stdout and exits zero
func (f *Fake) Succeed(name, stdout string) *Fake {
	return f.Handle(name, func([]string) (*command.Result, error) {
		return &command.Result{Stdout: stdout}, nil
	})
}

// Fail registers a handler that exits with code and stderr
func (f *Fake) Fail(name string, code int, stderr string) *Fake {
	return f.Handle(name, func(args []string) (*command.Result, error) {
		return &command.Result{Stderr: stderr, ExitCode: code}, &command.ExitError{
			Name:     name,
			Args:     args,
			ExitCode: code,
			Stderr:   stderr,
		}
	})
}

// Calls returns every recorded invocation in order
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsTo returns the recorded invocations of program name
func (f *Fake) CallsTo(name string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// Run implements command.Runner
func (f *Fake) Run(ctx context.Context, name string, args ...string) (*command.Result, error) {
	return f.RunWithInput(ctx, nil, name, args...)
}

// RunWithInput implements command.Runner
func (f *Fake) RunWithInput(_ context.Context, input []byte, name string, args ...string) (*command.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Name: name, Args: append([]string(nil), args...), Input: input})
	h, ok := f.handlers[name]
	f.mu.Unlock()

	if !ok {
		return &command.Result{}, fmt.Errorf("%s: %w", name, command.ErrNotFound)
	}
	res, err := h(args)
	if res == nil {
		res = &command.Result{}
	}
	return res, err
}

// LookPath implements command.Runner
func (f *Fake) LookPath(name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.handlers[name]; ok {
		return "/usr/bin/" + name, nil
	}
	return "", fmt.Errorf("%s: %w", name, command.ErrNotFound)
}
