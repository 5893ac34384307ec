// Package runner models one self-hosted runner: its directory, its host
// service and its registration, and the transitions between them.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/kubiyabot/gha-autoscaler/internal/pterm"
	"github.com/kubiyabot/gha-autoscaler/internal/token"
	"github.com/spf13/afero"
)

// NamePrefix prefixes every runner name and directory
const NamePrefix = "runner_"

// jobRunningMarker is what the runner listener prints when it picks up a job
const jobRunningMarker = "Running job:"

// State is the lifecycle state of a runner
type State string

const (
	StateProvisioning State = "provisioning"
	StateStandby      State = "standby"
	StateActive       State = "active"
	StateRemoved      State = "removed"
)

// ErrInvalidState is returned when an operation is not allowed in the
// runner's current state
var ErrInvalidState = errors.New("invalid runner state")

// Deps are the collaborators shared by every runner
type Deps struct {
	Host   Host
	Fs     afero.Fs
	Root   string
	Logger *pterm.Logger
	// NewID generates runner ids; defaults to a random 32 char hex string
	NewID func() string
}

func (d Deps) newID() string {
	if d.NewID != nil {
		return d.NewID()
	}
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (d Deps) logger() *pterm.Logger {
	if d.Logger == nil {
		return pterm.Discard()
	}
	return d.Logger
}

// NameFor returns the runner name for id
func NameFor(id string) string {
	return NamePrefix + id
}

// Runner is one runner registration and the process serving it. A Runner is
// driven by one goroutine at a time.
type Runner struct {
	id    string
	dir   string
	state State
	deps  Deps
}

// ProvisionRequest carries what a new runner is built from
type ProvisionRequest struct {
	ArchivePath string
	Token       token.Token
	RepoURL     string
	Labels      []string
}

// ProvisionNewRunner extracts the runner package into a fresh directory,
// registers it and installs its service without starting it. On any failure
// the partial work is undone best-effort and no runner is returned.
func ProvisionNewRunner(ctx context.Context, deps Deps, req ProvisionRequest) (*Runner, error) {
	r := &Runner{state: StateProvisioning, deps: deps}
	r.id = deps.newID()
	r.dir = filepath.Join(deps.Root, NameFor(r.id))
	log := deps.logger().With("runner_id", r.id)

	if _, err := deps.Fs.Stat(r.dir); err == nil {
		return nil, fmt.Errorf("runner directory %s already exists", r.dir)
	}
	if err := deps.Fs.MkdirAll(r.dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create runner directory: %w", err)
	}

	if err := deps.Host.Extract(ctx, req.ArchivePath, r.dir); err != nil {
		r.abandon(ctx, log, "", false)
		return nil, fmt.Errorf("failed to extract runner package: %w", err)
	}

	reg := Registration{
		Service: r.Service(),
		RepoURL: req.RepoURL,
		Token:   req.Token.Value,
		Labels:  req.Labels,
	}
	if err := deps.Host.Register(ctx, reg); err != nil {
		r.abandon(ctx, log, "", false)
		return nil, fmt.Errorf("failed to register runner %s: %w", r.Name(), err)
	}

	if err := deps.Host.InstallService(ctx, r.Service()); err != nil {
		r.abandon(ctx, log, req.Token.Value, true)
		return nil, fmt.Errorf("failed to install service for runner %s: %w", r.Name(), err)
	}

	r.state = StateStandby
	log.Debug("runner provisioned", "dir", r.dir)
	return r, nil
}

// abandon cleans up after a failed provisioning attempt
func (r *Runner) abandon(ctx context.Context, log *pterm.Logger, tok string, registered bool) {
	if registered {
		if err := r.deps.Host.RemoveRegistration(ctx, r.Service(), tok); err != nil {
			log.Warning("failed to remove registration of abandoned runner", "error", err)
		}
	}
	if err := r.deps.Fs.RemoveAll(r.dir); err != nil {
		log.Warning("failed to remove directory of abandoned runner", "dir", r.dir, "error", err)
	}
	r.state = StateRemoved
}

// AttachToExistingRunner binds to a runner found on disk. The runner stays
// in StateProvisioning until Probe succeeds.
func AttachToExistingRunner(deps Deps, id string) *Runner {
	return &Runner{
		id:    id,
		dir:   filepath.Join(deps.Root, NameFor(id)),
		state: StateProvisioning,
		deps:  deps,
	}
}

// ID returns the runner id
func (r *Runner) ID() string { return r.id }

// Name returns the registration name
func (r *Runner) Name() string { return NameFor(r.id) }

// Dir returns the runner directory
func (r *Runner) Dir() string { return r.dir }

// State returns the current lifecycle state
func (r *Runner) State() State { return r.state }

// Service returns the host service descriptor
func (r *Runner) Service() Service {
	return Service{ID: r.id, Name: r.Name(), Dir: r.dir}
}

// Start starts the host service. The runner must be on standby.
func (r *Runner) Start(ctx context.Context) error {
	if r.state != StateStandby {
		return fmt.Errorf("%w: cannot start runner %s in state %s", ErrInvalidState, r.id, r.state)
	}
	if err := r.deps.Host.StartService(ctx, r.Service()); err != nil {
		return fmt.Errorf("failed to start runner %s: %w", r.id, err)
	}
	r.state = StateActive
	return nil
}

// Stop stops the host service, keeping the registration and directory so
// the runner can be restarted without registering again
func (r *Runner) Stop(ctx context.Context) error {
	if r.state != StateActive {
		return fmt.Errorf("%w: cannot stop runner %s in state %s", ErrInvalidState, r.id, r.state)
	}
	if err := r.deps.Host.StopService(ctx, r.Service()); err != nil {
		return fmt.Errorf("failed to stop runner %s: %w", r.id, err)
	}
	r.state = StateStandby
	return nil
}

// Probe checks that an attached runner's service works with a start/stop
// round trip. On success the runner is on standby. A runner whose service
// started but would not stop is left active, so Deregister stops it.
func (r *Runner) Probe(ctx context.Context) error {
	if r.state != StateProvisioning {
		return fmt.Errorf("%w: cannot probe runner %s in state %s", ErrInvalidState, r.id, r.state)
	}
	if _, err := r.deps.Fs.Stat(r.dir); err != nil {
		return fmt.Errorf("runner directory missing: %w", err)
	}
	if err := r.deps.Host.StartService(ctx, r.Service()); err != nil {
		return fmt.Errorf("probe start failed: %w", err)
	}
	r.state = StateActive
	if err := r.deps.Host.StopService(ctx, r.Service()); err != nil {
		return fmt.Errorf("probe stop failed: %w", err)
	}
	r.state = StateStandby
	return nil
}

// Deregister tears the runner down: stop (if active), uninstall, remove the
// registration, delete the directory. Every step runs even when an earlier
// one fails; the failures are returned joined. The runner is always removed
// afterwards.
func (r *Runner) Deregister(ctx context.Context, tok token.Token) error {
	if r.state == StateRemoved {
		return nil
	}
	var errs []error
	svc := r.Service()

	if r.state == StateActive {
		if err := r.deps.Host.StopService(ctx, svc); err != nil {
			errs = append(errs, fmt.Errorf("stop: %w", err))
		}
	}
	if err := r.deps.Host.UninstallService(ctx, svc); err != nil {
		errs = append(errs, fmt.Errorf("uninstall: %w", err))
	}
	if err := r.deps.Host.RemoveRegistration(ctx, svc, tok.Value); err != nil {
		errs = append(errs, fmt.Errorf("remove registration: %w", err))
	}
	if err := r.deps.Fs.RemoveAll(r.dir); err != nil {
		errs = append(errs, fmt.Errorf("remove directory: %w", err))
	}

	r.state = StateRemoved
	return errors.Join(errs...)
}

// SafeToClose reports whether the runner can be stopped without interrupting
// a job. Only a last log line showing a job in progress makes it unsafe; an
// unreadable or empty log counts as safe.
func (r *Runner) SafeToClose(ctx context.Context) bool {
	line, err := r.deps.Host.ReadLastLogLine(ctx, r.Service())
	if err != nil {
		r.deps.logger().Debug("service log unreadable, treating runner as idle", "runner_id", r.id, "error", err)
		return true
	}
	return !strings.Contains(line, jobRunningMarker)
}

// Discover lists the ids of runner directories under root. A missing root
// yields no ids.
func Discover(fs afero.Fs, root string) ([]string, error) {
	entries, err := afero.ReadDir(fs, root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan runner directory %s: %w", root, err)
	}

	var ids []string
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), NamePrefix) {
			continue
		}
		if id := strings.TrimPrefix(entry.Name(), NamePrefix); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
