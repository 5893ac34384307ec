package output

import (
	"os"

	"github.com/mattn/go-isatty"
)

// OutputMode represents the output style
type OutputMode int

const (
	// OutputModeInteractive shows spinners, colors and styled prefixes
	OutputModeInteractive OutputMode = iota
	// OutputModeCI shows plain text with timestamps, no spinners
	OutputModeCI
)

// IsCI detects if the autoscaler is running unattended: under a CI system,
// a service manager, or with stdout redirected
func IsCI() bool {
	ciEnvVars := []string{
		"CI",
		"CONTINUOUS_INTEGRATION",
		"AUTOSCALER_CI_MODE",
		"GITHUB_ACTIONS",
		"INVOCATION_ID", // set by systemd for units
		"JENKINS_URL",
		"BUILDKITE",
	}

	for _, envVar := range ciEnvVars {
		if os.Getenv(envVar) != "" {
			return true
		}
	}

	// Check if stdout is not a TTY (piped or redirected)
	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		return true
	}

	return false
}

// DetectMode returns the output mode for the current process
func DetectMode() OutputMode {
	if IsCI() {
		return OutputModeCI
	}
	return OutputModeInteractive
}
