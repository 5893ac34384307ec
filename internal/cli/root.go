package cli

import (
	"github.com/kubiyabot/gha-autoscaler/internal/config"
	"github.com/kubiyabot/gha-autoscaler/internal/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// rootOptions holds the state shared by every subcommand
type rootOptions struct {
	configFile string
	v          *viper.Viper
}

// loadConfig merges the optional config file into the environment and
// flag values and validates the result
func (o *rootOptions) loadConfig() (config.Config, error) {
	if err := config.ReadFile(o.v, o.configFile); err != nil {
		return config.Config{}, errors.ConfigErrorWithContext(err, "reading configuration")
	}
	cfg, err := config.Load(o.v)
	if err != nil {
		return config.Config{}, errors.ConfigErrorWithContext(err, "invalid configuration")
	}
	return cfg, nil
}

// NewRootCommand builds the command tree
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{v: config.NewViper()}

	rootCmd := &cobra.Command{
		Use:   "gha-autoscaler",
		Short: "🏃 Self-hosted GitHub Actions runner autoscaler",
		Long: `Keeps a pool of self-hosted GitHub Actions runners on this machine sized to
the repository's queued and running workflow runs.

Runners are registered against a single repository, kept on standby when idle
and deregistered when the autoscaler exits.

Quick Start:
  • Start autoscaling:  gha-autoscaler run
  • Inspect runners:    gha-autoscaler status
  • Remove leftovers:   gha-autoscaler cleanup`,
		Example: `  # Autoscale between 1 and 4 runners
  CI_TOKEN=ghp_xxx REPO_OWNER=acme REPO_NAME=api gha-autoscaler run --min-runners 1 --max-runners 4

  # Use a config file
  gha-autoscaler --config /etc/gha-autoscaler.yaml run

  # Show runners as YAML
  gha-autoscaler status -o yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "Path to a YAML config file")

	rootCmd.AddCommand(
		newRunCommand(opts),
		newStatusCommand(opts),
		newCleanupCommand(opts),
		newFetchCommand(opts),
		newVersionCommand(),
	)

	return rootCmd
}

// Execute runs the root command
func Execute() error {
	return NewRootCommand().Execute()
}
