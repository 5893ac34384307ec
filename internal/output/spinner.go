package output

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/briandowns/spinner"
)

// Spinner shows progress of a one-off step. In CI mode it prints one line
// per state change instead of animating.
type Spinner struct {
	mu      sync.Mutex
	spinner *spinner.Spinner
	message string
	writer  io.Writer
}

// NewSpinnerWithWriter creates a spinner writing to w
func NewSpinnerWithWriter(message string, mode OutputMode, w io.Writer) *Spinner {
	s := &Spinner{message: message, writer: w}
	if mode == OutputModeInteractive {
		s.spinner = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(w))
		s.spinner.Suffix = " " + message
		_ = s.spinner.Color("blue", "bold")
	}
	return s
}

// Start starts the spinner
func (s *Spinner) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.spinner != nil {
		s.spinner.Start()
		return
	}
	fmt.Fprintf(s.writer, "⏳ %s...\n", s.message)
}

// Update replaces the message of a running spinner
func (s *Spinner) Update(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if message == s.message {
		return
	}
	s.message = message
	if s.spinner != nil {
		s.spinner.Lock()
		s.spinner.Suffix = " " + message
		s.spinner.Unlock()
		return
	}
	fmt.Fprintf(s.writer, "⏳ %s...\n", message)
}

// Stop stops the spinner without a final message
func (s *Spinner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.spinner != nil {
		s.spinner.Stop()
	}
}

// Success stops the spinner and shows a success message
func (s *Spinner) Success(message string) {
	s.Stop()
	fmt.Fprintf(s.writer, "✓ %s\n", message)
}

// Fail stops the spinner and shows a failure message
func (s *Spinner) Fail(message string) {
	s.Stop()
	fmt.Fprintf(s.writer, "✗ %s\n", message)
}
