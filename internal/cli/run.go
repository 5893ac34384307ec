package cli

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kubiyabot/gha-autoscaler/internal/config"
	"github.com/kubiyabot/gha-autoscaler/internal/sentry"
	"github.com/kubiyabot/gha-autoscaler/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type RunOptions struct {
	root *rootOptions
	out  io.Writer
}

// runFlags maps run flags onto config keys
var runFlags = map[string]string{
	"poll-interval":    config.KeyPollInterval,
	"min-runners":      config.KeyMinRunners,
	"max-runners":      config.KeyMaxRunners,
	"runners-dir":      config.KeyRunnersDir,
	"runner-host":      config.KeyRunnerHost,
	"runner-labels":    config.KeyRunnerLabels,
	"runner-version":   config.KeyRunnerVersion,
	"shutdown-policy":  config.KeyShutdownPolicy,
	"shutdown-grace":   config.KeyShutdownGrace,
	"max-parallel-ops": config.KeyMaxParallelOps,
	"metrics-addr":     config.KeyMetricsAddr,
	"debug":            config.KeyDebug,
}

func newRunCommand(root *rootOptions) *cobra.Command {
	opts := &RunOptions{root: root}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "🚀 Run the autoscaler",
		Long: `Poll the repository's workflow runs and keep the runner pool sized to demand.

On SIGINT or SIGTERM every runner is drained and deregistered before exit.
Flags override environment variables, which override the config file.`,
		Example: `  # Keep one warm runner, never more than three
  gha-autoscaler run --min-runners 1 --max-runners 3

  # Run runners in containers and expose metrics
  gha-autoscaler run --runner-host docker --metrics-addr :9102`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.out = cmd.OutOrStdout()
			return opts.Run(cmd.Context())
		},
	}

	flags := cmd.Flags()
	flags.Int("poll-interval", 30, "Seconds between demand checks")
	flags.Int("min-runners", 0, "Runners kept active at startup")
	flags.Int("max-runners", 2, "Upper bound on active runners")
	flags.String("runners-dir", "runners", "Directory holding one subdirectory per runner")
	flags.String("runner-host", config.HostService, "How runners are hosted (service or docker)")
	flags.String("runner-labels", "", "Comma separated extra runner labels")
	flags.String("runner-version", "", "Pin the runner version instead of using the latest")
	flags.String("shutdown-policy", config.ShutdownDrainAll, "drain-all or drain-safe")
	flags.Int("shutdown-grace", 300, "Seconds drain-safe waits for busy runners")
	flags.Int("max-parallel-ops", 4, "Runner operations run concurrently per batch")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	flags.Bool("debug", false, "Enable debug logging")
	bindFlags(root.v, flags, runFlags)

	return cmd
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) {
	for name, key := range keys {
		_ = v.BindPFlag(key, flags.Lookup(name))
	}
}

func (opts *RunOptions) Run(ctx context.Context) error {
	cfg, err := opts.root.loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(opts.out, cfg)

	if err := sentry.Initialize(version.Version, cfg.RepoSlug()); err != nil {
		logger.Warning("error reporting disabled", "error", err)
	}
	defer sentry.Flush(2 * time.Second)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newAutoscaler(cfg, logger)
	if err != nil {
		return err
	}
	return a.run(ctx)
}
