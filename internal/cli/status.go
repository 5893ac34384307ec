package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/kubiyabot/gha-autoscaler/internal/errors"
	"github.com/kubiyabot/gha-autoscaler/internal/output"
	"github.com/kubiyabot/gha-autoscaler/internal/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type StatusOptions struct {
	Output string
	root   *rootOptions
	out    io.Writer
}

// runnerStatus is one row of the status report
type runnerStatus struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Dir         string `yaml:"dir"`
	Registered  bool   `yaml:"registered"`
	Remote      string `yaml:"remote_status,omitempty"`
	Busy        bool   `yaml:"busy"`
	SafeToClose bool   `yaml:"safe_to_close"`
	LastLog     string `yaml:"last_log_line"`
}

func newStatusCommand(root *rootOptions) *cobra.Command {
	opts := &StatusOptions{root: root}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "📊 Show runners on this machine",
		Long: `List the runner directories under the runner root together with their
registration state on GitHub, the last line of their service log and whether
they could be stopped without interrupting a job.`,
		Example: `  gha-autoscaler status
  gha-autoscaler status --output yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.out = cmd.OutOrStdout()
			return opts.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "table", "Output format (table or yaml)")

	return cmd
}

func (opts *StatusOptions) Run(ctx context.Context) error {
	if opts.Output != "table" && opts.Output != "yaml" {
		return errors.ValidationError(fmt.Errorf("unknown output format %q", opts.Output), "use table or yaml")
	}

	cfg, err := opts.root.loadConfig()
	if err != nil {
		return err
	}
	logger := pterm.Discard()
	if cfg.Debug {
		logger = newLogger(opts.out, cfg)
	}

	a, err := newAutoscaler(cfg, logger)
	if err != nil {
		return err
	}
	runners, err := a.runners()
	if err != nil {
		return err
	}

	rows := make([]runnerStatus, 0, len(runners))
	for _, r := range runners {
		row := runnerStatus{
			ID:   r.ID(),
			Name: r.Name(),
			Dir:  r.Dir(),
		}
		if rec, found, err := a.client.FindRunner(ctx, r.Name()); err != nil {
			logger.Warning("runner lookup failed", "runner", r.Name(), "error", err)
		} else if found {
			row.Registered = true
			row.Remote = rec.Status
			row.Busy = rec.Busy
		}
		if line, err := a.deps.Host.ReadLastLogLine(ctx, r.Service()); err == nil {
			row.LastLog = line
		}
		row.SafeToClose = r.SafeToClose(ctx)
		rows = append(rows, row)
	}

	if opts.Output == "yaml" {
		enc := yaml.NewEncoder(opts.out)
		enc.SetIndent(2)
		if err := enc.Encode(rows); err != nil {
			return errors.RuntimeError(err)
		}
		return enc.Close()
	}

	if len(rows) == 0 {
		fmt.Fprintf(opts.out, "No runners under %s\n", cfg.RunnersDir)
		return nil
	}

	pm := pterm.NewPTermManager(output.DetectMode())
	data := [][]string{{"NAME", "REGISTERED", "SAFE TO CLOSE", "LAST LOG"}}
	for _, row := range rows {
		data = append(data, []string{
			row.Name,
			registeredCell(row),
			safeCell(row.SafeToClose),
			truncateLine(row.LastLog, 60),
		})
	}
	return pm.Table().WithData(data).WithWriter(opts.out).Render()
}

func registeredCell(row runnerStatus) string {
	switch {
	case !row.Registered:
		return color.RedString("no")
	case row.Busy:
		return color.YellowString("%s, busy", row.Remote)
	default:
		return color.GreenString("%s", row.Remote)
	}
}

func safeCell(safe bool) string {
	if safe {
		return color.GreenString("yes")
	}
	return color.YellowString("no (job running)")
}

func truncateLine(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
