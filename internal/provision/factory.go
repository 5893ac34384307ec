package provision

import (
	"context"
	"fmt"

	"github.com/kubiyabot/gha-autoscaler/internal/pterm"
	"github.com/kubiyabot/gha-autoscaler/internal/runner"
	"github.com/kubiyabot/gha-autoscaler/internal/token"
)

// PackageFetcher yields the path of a runner package ready for extraction
type PackageFetcher interface {
	FetchLatest(ctx context.Context) (string, error)
}

// TokenSource hands out a registration token that is valid right now
type TokenSource interface {
	EnsureValid(ctx context.Context) (token.Token, error)
}

// Factory builds brand-new standby runners
type Factory struct {
	packages PackageFetcher
	tokens   TokenSource
	deps     runner.Deps
	repoURL  string
	labels   []string
	logger   *pterm.Logger
}

// NewFactory creates a Factory
func NewFactory(packages PackageFetcher, tokens TokenSource, deps runner.Deps, repoURL string, labels []string, logger *pterm.Logger) *Factory {
	if logger == nil {
		logger = pterm.Discard()
	}
	return &Factory{
		packages: packages,
		tokens:   tokens,
		deps:     deps,
		repoURL:  repoURL,
		labels:   labels,
		logger:   logger.With("component", "provision"),
	}
}

// Provision fetches the latest package and registers a new runner from it.
// The token is validated after the download so that a slow fetch cannot
// leave it stale.
func (f *Factory) Provision(ctx context.Context) (*runner.Runner, error) {
	archive, err := f.packages.FetchLatest(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch runner package: %w", err)
	}

	tok, err := f.tokens.EnsureValid(ctx)
	if err != nil {
		return nil, err
	}

	r, err := runner.ProvisionNewRunner(ctx, f.deps, runner.ProvisionRequest{
		ArchivePath: archive,
		Token:       tok,
		RepoURL:     f.repoURL,
		Labels:      f.labels,
	})
	if err != nil {
		return nil, err
	}
	f.logger.Info("runner provisioned", "runner", r.Name())
	return r, nil
}
