package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/kubiyabot/gha-autoscaler/internal/errors"
	"github.com/kubiyabot/gha-autoscaler/internal/runner"
	conc "github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"
)

type CleanupOptions struct {
	root *rootOptions
	out  io.Writer
}

func newCleanupCommand(root *rootOptions) *cobra.Command {
	opts := &CleanupOptions{root: root}

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "🧹 Deregister and delete every runner on this machine",
		Long: `Remove runners left behind by an autoscaler that did not shut down cleanly.

Each runner directory under the runner root has its service stopped and
uninstalled, its registration removed and its directory deleted. Jobs running
on those runners are interrupted. Do not run this while 'run' is active.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.out = cmd.OutOrStdout()
			return opts.Run(cmd.Context())
		},
	}

	return cmd
}

func (opts *CleanupOptions) Run(ctx context.Context) error {
	cfg, err := opts.root.loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(opts.out, cfg)

	a, err := newAutoscaler(cfg, logger)
	if err != nil {
		return err
	}
	runners, err := a.runners()
	if err != nil {
		return err
	}
	if len(runners) == 0 {
		logger.Info("no runners to clean up", "dir", cfg.RunnersDir)
		return nil
	}

	tok, err := a.tokens.EnsureValid(ctx)
	if err != nil {
		return remoteError(err, func(err error) *errors.CLIError {
			return errors.AuthErrorWithContext(err, "registration token")
		})
	}

	workers := conc.New().WithErrors().WithMaxGoroutines(cfg.MaxParallelOps)
	for _, r := range runners {
		r := r
		workers.Go(func() error {
			// The service may still be up from a crashed run; stopping an
			// already stopped service is harmless.
			if err := a.deps.Host.StopService(ctx, r.Service()); err != nil {
				logger.Debug("stop before cleanup failed", "runner", r.Name(), "error", err)
			}
			if err := r.Deregister(ctx, tok); err != nil {
				logger.Warning("runner cleanup incomplete", "runner", r.Name(), "error", err)
				return fmt.Errorf("%s: %w", r.Name(), err)
			}
			logger.Success("runner removed", "runner", r.Name())
			return nil
		})
	}
	if err := workers.Wait(); err != nil {
		return errors.RuntimeError(fmt.Errorf("cleanup left %d runner(s) behind: %w", countJoined(err), err))
	}

	remaining, err := runner.Discover(a.fs, cfg.RunnersDir)
	if err != nil {
		return errors.RuntimeError(err)
	}
	logger.Info("cleanup finished", "removed", len(runners), "remaining_dirs", len(remaining))
	return nil
}

func countJoined(err error) int {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return len(joined.Unwrap())
	}
	return 1
}
