package host

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Commander runs external programs in a working directory
type Commander interface {
	Run(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

// ExecCommander runs programs on the local machine
type ExecCommander struct{}

// Run executes name and returns its combined output. A non-zero exit is
// returned as an error carrying the tail of the output.
func (ExecCommander) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return out.Bytes(), fmt.Errorf("%s %s: %w: %s", name, strings.Join(redact(args), " "), err, tail(out.String(), 3))
	}
	return out.Bytes(), nil
}

// redact hides the value following --token
func redact(args []string) []string {
	out := make([]string, len(args))
	copy(out, args)
	for i := 0; i < len(out)-1; i++ {
		if out[i] == "--token" {
			out[i+1] = "***"
		}
	}
	return out
}

// tail returns the last n non-empty lines of s joined by " | "
func tail(s string, n int) string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}

// lastLine returns the last non-empty line of s
func lastLine(s string) string {
	return tail(s, 1)
}
