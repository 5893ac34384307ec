package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/kubiyabot/gha-autoscaler/internal/errors"
	"github.com/kubiyabot/gha-autoscaler/internal/output"
	"github.com/kubiyabot/gha-autoscaler/internal/pterm"
	"github.com/spf13/cobra"
)

type FetchOptions struct {
	Arch string
	root *rootOptions
	out  io.Writer
}

func newFetchCommand(root *rootOptions) *cobra.Command {
	opts := &FetchOptions{root: root}

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "📦 Download the runner package",
		Long: `Resolve the runner version (RUNNER_VERSION or the latest release) and download
its package into the downloads directory so the first scale-up does not wait
on the network. Packages already present are not downloaded again.`,
		Example: `  gha-autoscaler fetch
  RUNNER_VERSION=2.321.0 gha-autoscaler fetch --arch arm64`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.out = cmd.OutOrStdout()
			return opts.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&opts.Arch, "arch", "", "Package architecture (x64, arm64, arm); defaults to this host")

	return cmd
}

func (opts *FetchOptions) Run(ctx context.Context) error {
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

	spinner := output.NewSpinnerWithWriter("Resolving runner version", output.DetectMode(), opts.out)
	spinner.Start()

	ver, err := a.source.ResolveLatestVersion(ctx)
	if err != nil {
		spinner.Fail("Could not resolve runner version")
		return remoteError(err, errors.APIError)
	}
	arch := opts.Arch
	if arch == "" {
		if arch, err = a.source.ResolveHostArch(); err != nil {
			spinner.Fail("Unsupported host")
			return errors.ProvisionError(err)
		}
	}

	spinner.Update(fmt.Sprintf("Fetching runner %s (%s)", ver, arch))
	path, err := a.source.FetchPackage(ctx, ver, arch)
	if err != nil {
		spinner.Fail(fmt.Sprintf("Download of runner %s failed", ver))
		return remoteError(err, errors.ProvisionError)
	}
	spinner.Success(fmt.Sprintf("Runner %s (%s) ready", ver, arch))
	fmt.Fprintln(opts.out, path)
	return nil
}
