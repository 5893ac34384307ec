package pterm

import (
	"os"

	"github.com/kubiyabot/gha-autoscaler/internal/output"
	"github.com/mattn/go-isatty"
	"github.com/pterm/pterm"
)

// PTermManager manages PTerm components with OutputMode awareness
type PTermManager struct {
	mode     output.OutputMode
	disabled bool
}

// NewPTermManager creates a new PTerm manager with appropriate configuration
func NewPTermManager(mode output.OutputMode) *PTermManager {
	pm := &PTermManager{
		mode:     mode,
		disabled: false,
	}

	// Check if PTerm should be disabled via environment variable
	if os.Getenv("AUTOSCALER_PTERM_ENABLED") == "false" {
		pterm.DisableStyling()
		pm.disabled = true
		return pm
	}

	// Disable PTerm features in CI/non-TTY environments
	if mode == output.OutputModeCI || !isatty.IsTerminal(os.Stdout.Fd()) {
		pterm.DisableColor()
		pterm.DisableStyling()
		pm.disabled = true
	}

	pm.applyTheme()

	return pm
}

func (pm *PTermManager) applyTheme() {
	pterm.Success = *pterm.Success.WithMessageStyle(pterm.NewStyle(pterm.FgLightGreen))
	pterm.Error = *pterm.Error.WithMessageStyle(pterm.NewStyle(pterm.FgLightRed))
	pterm.Info = *pterm.Info.WithMessageStyle(pterm.NewStyle(pterm.FgLightCyan))
	pterm.Warning = *pterm.Warning.WithMessageStyle(pterm.NewStyle(pterm.FgYellow))
}

// Table creates a configured table printer
func (pm *PTermManager) Table() *pterm.TablePrinter {
	if pm.disabled {
		// Return basic table for CI mode
		return pterm.DefaultTable.WithHasHeader(true)
	}

	return pterm.DefaultTable.
		WithHasHeader(true).
		WithHeaderStyle(pterm.NewStyle(pterm.FgCyan, pterm.Bold)).
		WithBoxed(false)
}

// IsDisabled reports whether styling is off
func (pm *PTermManager) IsDisabled() bool {
	return pm.disabled
}

// Mode returns the output mode the manager was created with
func (pm *PTermManager) Mode() output.OutputMode {
	return pm.mode
}

// Logger returns a logger matching the manager's styling
func (pm *PTermManager) Logger() *Logger {
	return NewLogger(pm.disabled)
}
