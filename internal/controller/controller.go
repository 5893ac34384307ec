// Package controller runs the poll loop that keeps the runner pool matched
// to CI demand.
package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kubiyabot/gha-autoscaler/internal/config"
	"github.com/kubiyabot/gha-autoscaler/internal/demand"
	"github.com/kubiyabot/gha-autoscaler/internal/metrics"
	"github.com/kubiyabot/gha-autoscaler/internal/pool"
	"github.com/kubiyabot/gha-autoscaler/internal/pterm"
	"github.com/kubiyabot/gha-autoscaler/internal/sentry"
	"github.com/kubiyabot/gha-autoscaler/internal/token"
)

// drainAllTimeout bounds shutdown under the drain-all policy
const drainAllTimeout = 5 * time.Minute

// ErrTickPanic marks a tick that panicked
var ErrTickPanic = errors.New("controller tick panicked")

// Sampler reads current demand
type Sampler interface {
	Sample(ctx context.Context) demand.Demand
}

// Pool is the runner pool as the controller drives it
type Pool interface {
	Reconcile(ctx context.Context) (pool.ReconcileResult, error)
	ScaleUp(ctx context.Context, n int) (int, error)
	ScaleDown(ctx context.Context) []string
	DrainAll(ctx context.Context) error
	DrainSafe(ctx context.Context, grace time.Duration) []string
	Active() int
	Standby() int
}

// TokenSource validates the registration token
type TokenSource interface {
	EnsureValid(ctx context.Context) (token.Token, error)
}

// Controller owns the poll loop
type Controller struct {
	cfg     config.Config
	tokens  TokenSource
	sampler Sampler
	pool    Pool
	logger  *pterm.Logger
	metrics *metrics.Recorder
	now     func() time.Time
}

// New creates a Controller
func New(cfg config.Config, tokens TokenSource, sampler Sampler, p Pool, logger *pterm.Logger, rec *metrics.Recorder) *Controller {
	if logger == nil {
		logger = pterm.Discard()
	}
	return &Controller{
		cfg:     cfg,
		tokens:  tokens,
		sampler: sampler,
		pool:    p,
		logger:  logger.With("component", "controller"),
		metrics: rec,
		now:     time.Now,
	}
}

// Run mints the first token, reconciles runners left on disk, brings the
// pool up to the minimum and then ticks every poll interval. Cancelling ctx
// drains the pool and returns nil. A credential failure or a panicking tick
// drains the pool and returns the error.
func (c *Controller) Run(ctx context.Context) error {
	if _, err := c.tokens.EnsureValid(ctx); err != nil {
		return fmt.Errorf("initial registration token: %w", err)
	}

	res, err := c.pool.Reconcile(ctx)
	if err != nil {
		c.logger.Warning("reconciliation failed, starting with an empty pool", "error", err)
	} else if len(res.Adopted)+len(res.Removed) > 0 {
		c.logger.Info("reconciled runners", "adopted", len(res.Adopted), "removed", len(res.Removed))
	}

	if err := c.applyFloor(ctx); err != nil {
		return c.fail(ctx, err)
	}

	c.logger.Info("autoscaler started",
		"repo", c.cfg.RepoSlug(),
		"interval", c.cfg.PollInterval,
		"min", c.cfg.MinRunners,
		"max", c.cfg.MaxRunners,
		"shutdown_policy", c.cfg.ShutdownPolicy)

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for ctx.Err() == nil {
		if err := c.safeTick(ctx); err != nil && ctx.Err() == nil {
			return c.fail(ctx, err)
		}
		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}

	c.logger.Info("shutdown requested")
	c.shutdown(ctx)
	return nil
}

// applyFloor scales up once so at least MinRunners are active
func (c *Controller) applyFloor(ctx context.Context) error {
	missing := c.cfg.MinRunners - c.pool.Active()
	if missing <= 0 {
		return nil
	}
	c.logger.Info("bringing pool up to minimum", "min", c.cfg.MinRunners, "adding", missing)
	started, err := c.pool.ScaleUp(ctx, missing)
	if errors.Is(err, token.ErrCredential) {
		return err
	}
	if err != nil {
		c.logger.Warning("could not reach minimum runners, will retry on demand", "started", started, "error", err)
	}
	return nil
}

// safeTick runs one tick, turning a panic into an error
func (c *Controller) safeTick(ctx context.Context) (err error) {
	start := c.now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrTickPanic, r)
		}
		outcome := metrics.TickOK
		if err != nil {
			outcome = metrics.TickFatal
		}
		c.metrics.ObserveTick(outcome, c.now().Sub(start))
	}()
	return c.tick(ctx)
}

// tick samples demand and applies the decision. Only credential failures
// are returned; everything else is logged and retried next tick.
func (c *Controller) tick(ctx context.Context) error {
	d := c.sampler.Sample(ctx)
	c.metrics.SetDemand(d.Queued, d.InProgress)

	active := c.pool.Active()
	decision := Decide(d, active, c.cfg.MaxRunners)
	c.logger.Info("tick",
		"queued", d.Queued,
		"in_progress", d.InProgress,
		"active", active,
		"standby", c.pool.Standby(),
		"decision", decision.Reason)

	switch {
	case decision.ScaleUp > 0:
		sentry.AddBreadcrumb("scaling", "scale up", map[string]interface{}{"requested": decision.ScaleUp, "active": active})
		started, err := c.pool.ScaleUp(ctx, decision.ScaleUp)
		if errors.Is(err, token.ErrCredential) {
			return err
		}
		if err != nil {
			c.logger.Warning("some runners could not be activated", "requested", decision.ScaleUp, "started", started, "error", err)
		}
	case decision.ScaleDown:
		sentry.AddBreadcrumb("scaling", "scale down", map[string]interface{}{"active": active, "in_progress": d.InProgress})
		if moved := c.pool.ScaleDown(ctx); len(moved) > 0 {
			c.logger.Info("runners moved to standby", "runners", moved)
		}
	}
	return nil
}

// fail reports a fatal error, drains and returns it
func (c *Controller) fail(ctx context.Context, err error) error {
	c.logger.Error("fatal controller error, draining runners", "error", err)
	sentry.CaptureError(err, map[string]string{"component": "controller"}, map[string]interface{}{
		"active":  c.pool.Active(),
		"standby": c.pool.Standby(),
	})
	c.shutdown(ctx)
	return err
}

// shutdown drains the pool with the configured policy. It runs on a context
// detached from ctx so that cancellation does not cut teardown short.
func (c *Controller) shutdown(ctx context.Context) {
	timeout := drainAllTimeout
	if c.cfg.ShutdownPolicy == config.ShutdownDrainSafe {
		timeout = c.cfg.ShutdownGrace + drainAllTimeout
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	switch c.cfg.ShutdownPolicy {
	case config.ShutdownDrainSafe:
		if busy := c.pool.DrainSafe(sctx, c.cfg.ShutdownGrace); len(busy) > 0 {
			c.logger.Warning("left busy runners registered", "runners", busy)
		}
	default:
		if err := c.pool.DrainAll(sctx); err != nil {
			c.logger.Warning("drain finished with errors", "error", err)
		}
	}
	c.logger.Success("runners drained", "active", c.pool.Active(), "standby", c.pool.Standby())
}
