package cli

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/url"

	"github.com/kubiyabot/gha-autoscaler/internal/config"
	"github.com/kubiyabot/gha-autoscaler/internal/controller"
	"github.com/kubiyabot/gha-autoscaler/internal/demand"
	"github.com/kubiyabot/gha-autoscaler/internal/errors"
	"github.com/kubiyabot/gha-autoscaler/internal/github"
	"github.com/kubiyabot/gha-autoscaler/internal/host"
	"github.com/kubiyabot/gha-autoscaler/internal/metrics"
	"github.com/kubiyabot/gha-autoscaler/internal/output"
	"github.com/kubiyabot/gha-autoscaler/internal/pool"
	"github.com/kubiyabot/gha-autoscaler/internal/provision"
	"github.com/kubiyabot/gha-autoscaler/internal/pterm"
	"github.com/kubiyabot/gha-autoscaler/internal/runner"
	"github.com/kubiyabot/gha-autoscaler/internal/token"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// Replaced in tests
var (
	newFs   = afero.NewOsFs
	newHost = func(cfg config.Config, fs afero.Fs, registry host.RunnerRegistry, logger *pterm.Logger) (runner.Host, error) {
		return host.New(cfg, fs, registry, logger)
	}
)

// autoscaler is the fully wired set of components behind every command
type autoscaler struct {
	cfg        config.Config
	logger     *pterm.Logger
	fs         afero.Fs
	client     *github.Client
	tokens     *token.Manager
	deps       runner.Deps
	source     *provision.Source
	pool       *pool.Pool
	metrics    *metrics.Recorder
	controller *controller.Controller
}

func newLogger(w io.Writer, cfg config.Config) *pterm.Logger {
	pm := pterm.NewPTermManager(output.DetectMode())
	return pterm.NewLoggerWithWriter(w, pm.IsDisabled(), cfg.Debug)
}

func newAutoscaler(cfg config.Config, logger *pterm.Logger) (*autoscaler, error) {
	client, err := github.New(cfg, logger)
	if err != nil {
		return nil, errors.ConfigErrorWithContext(err, "creating GitHub client")
	}

	fs := newFs()
	h, err := newHost(cfg, fs, client, logger)
	if err != nil {
		return nil, errors.ConfigErrorWithContext(err, "creating runner host")
	}

	tokens := token.NewManager(client, logger)
	rec := metrics.New()
	rec.TrackTokenMints(tokens.Mints)

	deps := runner.Deps{
		Host:   h,
		Fs:     fs,
		Root:   cfg.RunnersDir,
		Logger: logger,
	}
	source := provision.NewSource(cfg, fs, client, logger)
	factory := provision.NewFactory(source, tokens, deps, cfg.RepoURL(), cfg.RunnerLabels, logger)

	p := pool.New(pool.Options{
		Deps:        deps,
		Provisioner: factory,
		Tokens:      tokens,
		MaxParallel: cfg.MaxParallelOps,
		Logger:      logger,
		Metrics:     rec,
	})
	sampler := demand.NewSampler(client, cfg.RunPageSize, logger)

	return &autoscaler{
		cfg:        cfg,
		logger:     logger,
		fs:         fs,
		client:     client,
		tokens:     tokens,
		deps:       deps,
		source:     source,
		pool:       p,
		metrics:    rec,
		controller: controller.New(cfg, tokens, sampler, p, logger, rec),
	}, nil
}

// run drives the controller and, when configured, the metrics endpoint.
// The metrics server stops once the controller has drained and returned.
func (a *autoscaler) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return classify(a.controller.Run(gctx))
	})
	if a.cfg.MetricsAddr != "" {
		g.Go(func() error {
			if err := a.metrics.Serve(gctx, a.cfg.MetricsAddr, a.logger); err != nil {
				return errors.RuntimeError(fmt.Errorf("metrics server: %w", err))
			}
			return nil
		})
	}
	return g.Wait()
}

// runners attaches to every runner directory under the runner root
func (a *autoscaler) runners() ([]*runner.Runner, error) {
	ids, err := runner.Discover(a.fs, a.cfg.RunnersDir)
	if err != nil {
		return nil, errors.RuntimeError(err)
	}
	out := make([]*runner.Runner, 0, len(ids))
	for _, id := range ids {
		out = append(out, runner.AttachToExistingRunner(a.deps, id))
	}
	return out, nil
}

// classify maps controller failures onto exit codes
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case isNetworkError(err):
		return errors.NetworkError(err)
	case stderrors.Is(err, token.ErrCredential):
		return errors.AuthErrorWithContext(err, "registration token")
	case stderrors.Is(err, controller.ErrTickPanic):
		return errors.RuntimeError(err)
	default:
		return errors.APIError(err)
	}
}

// remoteError classifies a failed GitHub call: transport failures are
// network errors, anything else uses fallback
func remoteError(err error, fallback func(error) *errors.CLIError) *errors.CLIError {
	if isNetworkError(err) {
		return errors.NetworkError(err)
	}
	return fallback(err)
}

// isNetworkError reports whether the request never got a response
func isNetworkError(err error) bool {
	var urlErr *url.Error
	if stderrors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return stderrors.As(err, &netErr)
}
