// Package status shows a single spinner line with the current step and
// persists outcome lines (info, success, warning, failure) above it.
package status

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// Status is a terminal status line. When the writer is not a terminal the
// spinner is disabled and every step is printed on its own line.
type Status struct {
	mu          sync.Mutex
	w           io.Writer
	interactive bool
	frames      []string
	interval    time.Duration
	text        string
	frame       int
	lastWidth   int

	stop chan struct{}
	done chan struct{}

	info, success, warn, fail lipgloss.Style
}

// New creates a Status writing to w
func New(w io.Writer) *Status {
	interactive := false
	if f, ok := w.(*os.File); ok {
		interactive = term.IsTerminal(int(f.Fd()))
	}

	r := lipgloss.NewRenderer(w)
	return &Status{
		w:           w,
		interactive: interactive,
		frames:      spinner.Dot.Frames,
		interval:    spinner.Dot.FPS,
		info:        r.NewStyle().Foreground(lipgloss.Color("4")).SetString("ℹ"),
		success:     r.NewStyle().Foreground(lipgloss.Color("2")).SetString("✔"),
		warn:        r.NewStyle().Foreground(lipgloss.Color("3")).SetString("⚠"),
		fail:        r.NewStyle().Foreground(lipgloss.Color("1")).SetString("✖"),
	}
}

// Start shows text and starts the spinner
func (s *Status) Start(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.text = text
	if !s.interactive {
		fmt.Fprintln(s.w, text)
		return
	}
	if s.stop != nil {
		return
	}

	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.spin(s.stop, s.done)
}

// Text replaces the spinner text
func (s *Status) Text(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if text == s.text {
		return
	}
	s.text = text
	if !s.interactive {
		fmt.Fprintln(s.w, text)
		return
	}
	s.render()
}

// Info persists msg and keeps the spinner running
func (s *Status) Info(msg string) {
	s.persist(s.info, msg, false)
}

// Warn persists msg as a warning and keeps the spinner running
func (s *Status) Warn(msg string) {
	s.persist(s.warn, msg, false)
}

// Succeed stops the spinner and persists msg as success
func (s *Status) Succeed(msg string) {
	s.persist(s.success, msg, true)
}

// Fail stops the spinner and persists msg as failure
func (s *Status) Fail(msg string) {
	s.persist(s.fail, msg, true)
}

// Stop stops the spinner and clears its line
func (s *Status) Stop() {
	s.halt()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clear()
}

func (s *Status) persist(symbol lipgloss.Style, msg string, final bool) {
	if final {
		s.halt()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.clear()
	fmt.Fprintf(s.w, "%s %s\n", symbol.String(), msg)
	if !final && s.stop != nil {
		s.render()
	}
}

// halt stops the spin goroutine and waits for it to exit
func (s *Status) halt() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

func (s *Status) spin(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.mu.Lock()
	s.render()
	s.mu.Unlock()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			s.frame = (s.frame + 1) % len(s.frames)
			s.render()
			s.mu.Unlock()
		}
	}
}

// render redraws the spinner line. Caller must hold the lock.
func (s *Status) render() {
	if !s.interactive {
		return
	}
	line := s.frames[s.frame] + s.text
	fmt.Fprintf(s.w, "\r\033[K%s", line)
	s.lastWidth = lipgloss.Width(line)
}

// clear deletes the spinner line. Caller must hold the lock.
func (s *Status) clear() {
	if !s.interactive || s.lastWidth == 0 {
		return
	}
	fmt.Fprint(s.w, "\r\033[K")
	s.lastWidth = 0
}
