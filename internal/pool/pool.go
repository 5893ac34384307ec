// Package pool keeps the standby and active runner sets and moves runners
// between them. A Pool is owned by one goroutine; the concurrent work inside
// each call is joined before the call returns.
package pool

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/kubiyabot/gha-autoscaler/internal/metrics"
	"github.com/kubiyabot/gha-autoscaler/internal/pterm"
	"github.com/kubiyabot/gha-autoscaler/internal/runner"
	"github.com/kubiyabot/gha-autoscaler/internal/token"
	conc "github.com/sourcegraph/conc/pool"
	"golang.org/x/sync/errgroup"
)

const defaultDrainPoll = 5 * time.Second

// Provisioner builds brand-new standby runners
type Provisioner interface {
	Provision(ctx context.Context) (*runner.Runner, error)
}

// TokenSource hands out registration tokens for teardown
type TokenSource interface {
	EnsureValid(ctx context.Context) (token.Token, error)
	Current() (token.Token, bool)
}

// Options configure a Pool
type Options struct {
	Deps        runner.Deps
	Provisioner Provisioner
	Tokens      TokenSource
	MaxParallel int
	Logger      *pterm.Logger
	Metrics     *metrics.Recorder
	// DrainPoll is how often busy runners are re-checked by DrainSafe
	DrainPoll time.Duration
}

// Pool partitions runners into standby and active
type Pool struct {
	deps        runner.Deps
	provisioner Provisioner
	tokens      TokenSource
	maxParallel int
	logger      *pterm.Logger
	metrics     *metrics.Recorder
	drainPoll   time.Duration
	now         func() time.Time

	standby map[string]*runner.Runner
	active  map[string]*runner.Runner
}

// Snapshot lists runner ids per set, sorted
type Snapshot struct {
	Active  []string
	Standby []string
}

// ReconcileResult reports what startup reconciliation did
type ReconcileResult struct {
	Adopted []string
	Removed []string
}

// New creates an empty Pool
func New(opts Options) *Pool {
	logger := opts.Logger
	if logger == nil {
		logger = pterm.Discard()
	}
	maxParallel := opts.MaxParallel
	if maxParallel < 1 {
		maxParallel = 1
	}
	drainPoll := opts.DrainPoll
	if drainPoll <= 0 {
		drainPoll = defaultDrainPoll
	}
	return &Pool{
		deps:        opts.Deps,
		provisioner: opts.Provisioner,
		tokens:      opts.Tokens,
		maxParallel: maxParallel,
		logger:      logger.With("component", "pool"),
		metrics:     opts.Metrics,
		drainPoll:   drainPoll,
		now:         time.Now,
		standby:     map[string]*runner.Runner{},
		active:      map[string]*runner.Runner{},
	}
}

// Active returns the number of active runners
func (p *Pool) Active() int { return len(p.active) }

// Standby returns the number of standby runners
func (p *Pool) Standby() int { return len(p.standby) }

// Snapshot returns the ids in each set
func (p *Pool) Snapshot() Snapshot {
	return Snapshot{Active: sortedIDs(p.active), Standby: sortedIDs(p.standby)}
}

// Adopt places a runner into the set matching its state. Runners that are
// neither on standby nor active are rejected.
func (p *Pool) Adopt(r *runner.Runner) error {
	switch r.State() {
	case runner.StateStandby:
		p.standby[r.ID()] = r
	case runner.StateActive:
		p.active[r.ID()] = r
	default:
		return runner.ErrInvalidState
	}
	p.observe()
	return nil
}

// ScaleUp activates up to n runners. Standby runners are restarted first,
// in id order; the shortfall is provisioned fresh. Returns how many runners
// became active and the joined failures.
func (p *Pool) ScaleUp(ctx context.Context, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}

	reuse := p.popStandby(n)
	fresh := n - len(reuse)
	p.logger.Info("scaling up", "requested", n, "from_standby", len(reuse), "new", fresh)

	started := make([]*runner.Runner, n)
	errs := make([]error, n)

	var g errgroup.Group
	g.SetLimit(p.maxParallel)

	for i, r := range reuse {
		i, r := i, r
		g.Go(func() error {
			if err := r.Start(ctx); err != nil {
				errs[i] = err
				p.logger.Warning("standby runner failed to start, removing it", "runner_id", r.ID(), "error", err)
				p.teardown(ctx, r)
				return nil
			}
			started[i] = r
			return nil
		})
	}
	for i := len(reuse); i < n; i++ {
		i := i
		g.Go(func() error {
			r, err := p.provisioner.Provision(ctx)
			if err != nil {
				errs[i] = err
				return nil
			}
			if err := r.Start(ctx); err != nil {
				errs[i] = err
				p.logger.Warning("new runner failed to start, removing it", "runner_id", r.ID(), "error", err)
				p.teardown(ctx, r)
				return nil
			}
			started[i] = r
			return nil
		})
	}
	_ = g.Wait()

	count, reused := 0, 0
	for i, r := range started {
		if r == nil {
			continue
		}
		p.active[r.ID()] = r
		count++
		if i < len(reuse) {
			reused++
		}
	}

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}
	p.metrics.AddActivations(metrics.ProvisionReused, reused)
	p.metrics.AddActivations(metrics.ProvisionCreated, count-reused)
	p.metrics.AddActivations(metrics.ProvisionFailed, failed)
	p.observe()

	return count, errors.Join(errs...)
}

// popStandby removes and returns up to n standby runners in id order
func (p *Pool) popStandby(n int) []*runner.Runner {
	ids := sortedIDs(p.standby)
	if len(ids) > n {
		ids = ids[:n]
	}
	out := make([]*runner.Runner, 0, len(ids))
	for _, id := range ids {
		out = append(out, p.standby[id])
		delete(p.standby, id)
	}
	return out
}

type closeResult struct {
	id      string
	stopped bool
}

// ScaleDown stops every active runner that is not running a job and moves it
// to standby. Returns the ids moved.
func (p *Pool) ScaleDown(ctx context.Context) []string {
	if len(p.active) == 0 {
		return nil
	}

	workers := conc.NewWithResults[closeResult]().WithMaxGoroutines(p.maxParallel)
	for _, r := range p.activeRunners() {
		r := r
		workers.Go(func() closeResult {
			if !r.SafeToClose(ctx) {
				p.logger.Debug("runner busy, keeping it active", "runner_id", r.ID())
				return closeResult{id: r.ID()}
			}
			if err := r.Stop(ctx); err != nil {
				p.logger.Warning("failed to stop runner, keeping it active", "runner_id", r.ID(), "error", err)
				return closeResult{id: r.ID()}
			}
			return closeResult{id: r.ID(), stopped: true}
		})
	}

	var moved []string
	for _, res := range workers.Wait() {
		if !res.stopped {
			continue
		}
		p.standby[res.id] = p.active[res.id]
		delete(p.active, res.id)
		moved = append(moved, res.id)
	}
	sort.Strings(moved)

	if len(moved) > 0 {
		p.logger.Info("scaled down", "stopped", len(moved), "active", len(p.active))
	}
	p.observe()
	return moved
}

// DrainAll deregisters every active runner, busy or not, then every standby
// runner. Both sets are empty afterwards; teardown failures are returned
// joined for logging.
func (p *Pool) DrainAll(ctx context.Context) error {
	p.logger.Info("draining all runners", "active", len(p.active), "standby", len(p.standby))

	activeErr := p.teardownAll(ctx, p.activeRunners())
	p.active = map[string]*runner.Runner{}

	standbyErr := p.teardownAll(ctx, p.standbyRunners())
	p.standby = map[string]*runner.Runner{}

	p.observe()
	return errors.Join(activeErr, standbyErr)
}

// DrainSafe deregisters standby runners and every active runner not running
// a job, re-checking busy runners until grace has elapsed. Runners still
// busy afterwards stay registered and running; their ids are returned.
func (p *Pool) DrainSafe(ctx context.Context, grace time.Duration) []string {
	p.logger.Info("draining idle runners", "active", len(p.active), "standby", len(p.standby), "grace", grace)

	_ = p.teardownAll(ctx, p.standbyRunners())
	p.standby = map[string]*runner.Runner{}

	deadline := p.now().Add(grace)
	for {
		var idle []*runner.Runner
		checks := conc.NewWithResults[closeResult]().WithMaxGoroutines(p.maxParallel)
		for _, r := range p.activeRunners() {
			r := r
			checks.Go(func() closeResult {
				return closeResult{id: r.ID(), stopped: r.SafeToClose(ctx)}
			})
		}
		for _, res := range checks.Wait() {
			if res.stopped {
				idle = append(idle, p.active[res.id])
				delete(p.active, res.id)
			}
		}
		_ = p.teardownAll(ctx, idle)
		p.observe()

		if len(p.active) == 0 {
			return nil
		}
		if !p.now().Before(deadline) {
			break
		}

		p.logger.Info("waiting for busy runners", "busy", len(p.active))
		timer := time.NewTimer(p.drainPoll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return p.leftBusy()
		case <-timer.C:
		}
	}
	return p.leftBusy()
}

func (p *Pool) leftBusy() []string {
	busy := sortedIDs(p.active)
	p.logger.Warning("runners still busy after grace, leaving them registered", "runners", busy)
	return busy
}

// Reconcile adopts runners found on disk. Each is probed; healthy ones go
// to standby, failing ones are torn down once.
func (p *Pool) Reconcile(ctx context.Context) (ReconcileResult, error) {
	ids, err := runner.Discover(p.deps.Fs, p.deps.Root)
	if err != nil {
		return ReconcileResult{}, err
	}

	var candidates []string
	for _, id := range ids {
		if _, ok := p.standby[id]; ok {
			continue
		}
		if _, ok := p.active[id]; ok {
			continue
		}
		candidates = append(candidates, id)
	}
	if len(candidates) == 0 {
		return ReconcileResult{}, nil
	}
	p.logger.Info("reconciling runners found on disk", "count", len(candidates))

	type probeResult struct {
		r       *runner.Runner
		healthy bool
	}
	probes := conc.NewWithResults[probeResult]().WithMaxGoroutines(p.maxParallel)
	for _, id := range candidates {
		id := id
		probes.Go(func() probeResult {
			r := runner.AttachToExistingRunner(p.deps, id)
			if err := r.Probe(ctx); err != nil {
				p.logger.Warning("runner failed health probe, removing it", "runner_id", id, "error", err)
				p.teardown(ctx, r)
				return probeResult{r: r}
			}
			return probeResult{r: r, healthy: true}
		})
	}

	var res ReconcileResult
	for _, pr := range probes.Wait() {
		if !pr.healthy {
			res.Removed = append(res.Removed, pr.r.ID())
			continue
		}
		if err := p.Adopt(pr.r); err != nil {
			p.logger.Warning("probed runner not adoptable", "runner_id", pr.r.ID(), "state", pr.r.State(), "error", err)
			continue
		}
		res.Adopted = append(res.Adopted, pr.r.ID())
	}
	sort.Strings(res.Adopted)
	sort.Strings(res.Removed)
	p.observe()

	p.logger.Info("reconciliation complete", "adopted", len(res.Adopted), "removed", len(res.Removed))
	return res, nil
}

// teardownAll deregisters runners concurrently
func (p *Pool) teardownAll(ctx context.Context, runners []*runner.Runner) error {
	if len(runners) == 0 {
		return nil
	}
	workers := conc.NewWithResults[error]().WithMaxGoroutines(p.maxParallel)
	for _, r := range runners {
		r := r
		workers.Go(func() error {
			return p.teardown(ctx, r)
		})
	}
	return errors.Join(workers.Wait()...)
}

// teardown deregisters r with a freshly validated token. Failures are
// logged and returned; they never stop the caller.
func (p *Pool) teardown(ctx context.Context, r *runner.Runner) error {
	tok := p.teardownToken(ctx)
	if err := r.Deregister(ctx, tok); err != nil {
		p.logger.Warning("runner teardown incomplete", "runner_id", r.ID(), "error", err)
		p.metrics.AddTeardownErrors(1)
		return err
	}
	p.logger.Debug("runner removed", "runner_id", r.ID())
	return nil
}

// teardownToken returns a valid token, falling back to the last known one
// when minting fails so that local cleanup still happens
func (p *Pool) teardownToken(ctx context.Context) token.Token {
	tok, err := p.tokens.EnsureValid(ctx)
	if err == nil {
		return tok
	}
	p.logger.Warning("could not refresh token for teardown, using the last one", "error", err)
	tok, _ = p.tokens.Current()
	return tok
}

func (p *Pool) activeRunners() []*runner.Runner {
	return runnersByID(p.active)
}

func (p *Pool) standbyRunners() []*runner.Runner {
	return runnersByID(p.standby)
}

func (p *Pool) observe() {
	p.metrics.SetPool(len(p.active), len(p.standby))
}

func sortedIDs(m map[string]*runner.Runner) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func runnersByID(m map[string]*runner.Runner) []*runner.Runner {
	out := make([]*runner.Runner, 0, len(m))
	for _, id := range sortedIDs(m) {
		out = append(out, m[id])
	}
	return out
}
