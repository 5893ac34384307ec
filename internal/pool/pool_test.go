package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kubiyabot/gha-autoscaler/internal/runner"
	"github.com/kubiyabot/gha-autoscaler/internal/runner/runnertest"
	"github.com/kubiyabot/gha-autoscaler/internal/token"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const busyLine = "2025-01-01 00:00:00Z: Running job: build"

type fakeTokens struct {
	mu      sync.Mutex
	err     error
	ensures int
	current token.Token
}

func (f *fakeTokens) EnsureValid(context.Context) (token.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensures++
	if f.err != nil {
		return token.Token{}, f.err
	}
	return f.current, nil
}

func (f *fakeTokens) Current() (token.Token, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current, f.current.Value != ""
}

type fakeProvisioner struct {
	deps runner.Deps

	mu    sync.Mutex
	fails []error
	calls int
}

func (f *fakeProvisioner) Provision(ctx context.Context) (*runner.Runner, error) {
	f.mu.Lock()
	f.calls++
	var err error
	if len(f.fails) > 0 {
		err, f.fails = f.fails[0], f.fails[1:]
	}
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return runner.ProvisionNewRunner(ctx, f.deps, runner.ProvisionRequest{
		ArchivePath: "/srv/download/pkg.tar.gz",
		Token:       token.Token{Value: "REG", ExpiresAt: time.Now().Add(time.Hour)},
		RepoURL:     "https://github.com/acme/widgets",
	})
}

type fixture struct {
	pool   *Pool
	host   *runnertest.FakeHost
	deps   runner.Deps
	prov   *fakeProvisioner
	tokens *fakeTokens
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fs := afero.NewMemMapFs()
	host := runnertest.NewFakeHost(fs)
	deps := runner.Deps{Host: host, Fs: fs, Root: "/srv/runners", NewID: runnertest.SequentialIDs("n")}
	prov := &fakeProvisioner{deps: deps}
	tokens := &fakeTokens{current: token.Token{Value: "REG", ExpiresAt: time.Now().Add(time.Hour)}}

	p := New(Options{
		Deps:        deps,
		Provisioner: prov,
		Tokens:      tokens,
		MaxParallel: 4,
		DrainPoll:   5 * time.Millisecond,
	})
	return &fixture{pool: p, host: host, deps: deps, prov: prov, tokens: tokens}
}

// addStandby provisions k runners with ids sorting before any new ones
func (f *fixture) addStandby(t *testing.T, k int) []string {
	t.Helper()
	deps := f.deps
	deps.NewID = runnertest.SequentialIDs("a")
	var ids []string
	for i := 0; i < k; i++ {
		r, err := runner.ProvisionNewRunner(context.Background(), deps, runner.ProvisionRequest{
			ArchivePath: "/srv/download/pkg.tar.gz",
			Token:       token.Token{Value: "REG"},
		})
		require.NoError(t, err)
		require.NoError(t, f.pool.Adopt(r))
		ids = append(ids, r.ID())
	}
	return ids
}

// addActive provisions and starts n runners; call it before addStandby
func (f *fixture) addActive(t *testing.T, n int) []string {
	t.Helper()
	started, err := f.pool.ScaleUp(context.Background(), n)
	require.NoError(t, err)
	require.Equal(t, n, started)
	return f.pool.Snapshot().Active
}

func TestScaleUpReusesStandbyFirst(t *testing.T) {
	f := newFixture(t)
	standby := f.addStandby(t, 2)

	started, err := f.pool.ScaleUp(context.Background(), 5)
	require.NoError(t, err)

	assert.Equal(t, 5, started)
	assert.Equal(t, 5, f.pool.Active())
	assert.Equal(t, 0, f.pool.Standby())
	assert.Equal(t, 3, f.prov.calls, "only the shortfall is provisioned")
	for _, id := range standby {
		assert.Contains(t, f.pool.Snapshot().Active, id)
		assert.True(t, f.host.Running(id))
	}
}

func TestScaleUpPopsStandbyInIDOrder(t *testing.T) {
	f := newFixture(t)
	standby := f.addStandby(t, 3)

	started, err := f.pool.ScaleUp(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, started)
	assert.Equal(t, standby[:2], f.pool.Snapshot().Active)
	assert.Equal(t, standby[2:], f.pool.Snapshot().Standby)
	assert.Zero(t, f.prov.calls)
}

func TestScaleUpFromEmptyPool(t *testing.T) {
	f := newFixture(t)

	started, err := f.pool.ScaleUp(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, started)
	assert.Equal(t, 2, f.prov.calls)
	assert.Len(t, f.host.Calls("start"), 2)
	assert.Equal(t, 2, f.pool.Active())
}

func TestScaleUpZero(t *testing.T) {
	f := newFixture(t)
	started, err := f.pool.ScaleUp(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, started)
	assert.Zero(t, f.prov.calls)
}

func TestScaleUpProvisionFailures(t *testing.T) {
	f := newFixture(t)
	f.prov.fails = []error{fmt.Errorf("%w: 401 Bad credentials", token.ErrCredential)}

	started, err := f.pool.ScaleUp(context.Background(), 3)
	require.Error(t, err)
	assert.True(t, errors.Is(err, token.ErrCredential))
	assert.Equal(t, 2, started)
	assert.Equal(t, 2, f.pool.Active())
}

func TestScaleUpStandbyStartFailure(t *testing.T) {
	f := newFixture(t)
	ids := f.addStandby(t, 2)
	f.host.Fail("start", ids[0], errors.New("unit failed"))

	started, err := f.pool.ScaleUp(context.Background(), 2)
	require.Error(t, err)
	assert.Equal(t, 1, started)
	assert.Equal(t, []string{ids[1]}, f.pool.Snapshot().Active)
	assert.Empty(t, f.pool.Snapshot().Standby)
	assert.Equal(t, 1, f.host.Count("uninstall", ids[0]), "failed standby runner is torn down")
}

func TestScaleDownKeepsBusyRunners(t *testing.T) {
	f := newFixture(t)
	ids := f.addActive(t, 3)
	f.host.SetLastLogLine(ids[1], busyLine)

	moved := f.pool.ScaleDown(context.Background())

	assert.ElementsMatch(t, []string{ids[0], ids[2]}, moved)
	assert.Equal(t, []string{ids[1]}, f.pool.Snapshot().Active)
	assert.ElementsMatch(t, []string{ids[0], ids[2]}, f.pool.Snapshot().Standby)
	assert.Zero(t, f.host.Count("stop", ids[1]), "busy runner must never be stopped")
	assert.True(t, f.host.Running(ids[1]))
}

func TestScaleDownStopFailureStaysActive(t *testing.T) {
	f := newFixture(t)
	ids := f.addActive(t, 2)
	f.host.Fail("stop", ids[0], errors.New("timeout"))

	moved := f.pool.ScaleDown(context.Background())
	assert.Equal(t, []string{ids[1]}, moved)
	assert.Equal(t, []string{ids[0]}, f.pool.Snapshot().Active)
}

func TestScaleDownUnreadableLogIsSafe(t *testing.T) {
	f := newFixture(t)
	ids := f.addActive(t, 1)
	f.host.Fail("log", ids[0], errors.New("journal unavailable"))

	moved := f.pool.ScaleDown(context.Background())
	assert.Equal(t, ids, moved)
}

func TestDrainAll(t *testing.T) {
	f := newFixture(t)
	active := f.addActive(t, 2)
	standby := f.addStandby(t, 1)
	f.host.SetLastLogLine(active[0], busyLine)

	require.NoError(t, f.pool.DrainAll(context.Background()))

	assert.Zero(t, f.pool.Active())
	assert.Zero(t, f.pool.Standby())
	for _, id := range append(active, standby...) {
		assert.Equal(t, 1, f.host.Count("remove", id))
	}
	assert.Empty(t, f.host.Calls("log"), "drain-all does not ask whether runners are busy")
	assert.Equal(t, 3, f.tokens.ensures, "token re-validated before every deregistration")

	ids, err := runner.Discover(f.deps.Fs, f.deps.Root)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestDrainAllTeardownFailure(t *testing.T) {
	f := newFixture(t)
	ids := f.addActive(t, 2)
	f.host.Fail("uninstall", ids[0], errors.New("svc.sh missing"))

	err := f.pool.DrainAll(context.Background())
	require.Error(t, err)
	assert.Zero(t, f.pool.Active())
	assert.Equal(t, 1, f.host.Count("remove", ids[1]))
}

func TestDrainAllFallsBackToCurrentToken(t *testing.T) {
	f := newFixture(t)
	f.addActive(t, 1)
	f.tokens.err = errors.New("mint failed")

	require.NoError(t, f.pool.DrainAll(context.Background()))
	assert.Zero(t, f.pool.Active())
	assert.Len(t, f.host.Calls("remove"), 1)
}

func TestDrainSafe(t *testing.T) {
	t.Run("busy runner left registered after grace", func(t *testing.T) {
		f := newFixture(t)
		ids := f.addActive(t, 2)
		f.addStandby(t, 1)
		f.host.SetLastLogLine(ids[0], busyLine)

		left := f.pool.DrainSafe(context.Background(), 0)

		assert.Equal(t, []string{ids[0]}, left)
		assert.Equal(t, []string{ids[0]}, f.pool.Snapshot().Active)
		assert.Zero(t, f.pool.Standby())
		assert.Zero(t, f.host.Count("remove", ids[0]))
		assert.Equal(t, 1, f.host.Count("remove", ids[1]))
	})

	t.Run("busy runner drained once idle", func(t *testing.T) {
		f := newFixture(t)
		ids := f.addActive(t, 1)
		f.host.SetLastLogLine(ids[0], busyLine)
		time.AfterFunc(30*time.Millisecond, func() {
			f.host.SetLastLogLine(ids[0], "Job build completed with result: Succeeded")
		})

		left := f.pool.DrainSafe(context.Background(), 5*time.Second)

		assert.Empty(t, left)
		assert.Zero(t, f.pool.Active())
		assert.Equal(t, 1, f.host.Count("remove", ids[0]))
	})

	t.Run("cancellation stops waiting", func(t *testing.T) {
		f := newFixture(t)
		ids := f.addActive(t, 1)
		f.host.SetLastLogLine(ids[0], busyLine)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()

		left := f.pool.DrainSafe(ctx, time.Hour)
		assert.Equal(t, ids, left)
	})
}

func TestReconcile(t *testing.T) {
	f := newFixture(t)

	// Runners left behind by a previous process
	previous := runner.Deps{Host: f.host, Fs: f.deps.Fs, Root: f.deps.Root, NewID: runnertest.SequentialIDs("p")}
	var ids []string
	for i := 0; i < 3; i++ {
		r, err := runner.ProvisionNewRunner(context.Background(), previous, runner.ProvisionRequest{Token: token.Token{Value: "REG"}})
		require.NoError(t, err)
		ids = append(ids, r.ID())
	}
	f.host.Fail("start", ids[1], errors.New("unit not found"))

	res, err := f.pool.Reconcile(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{ids[0], ids[2]}, res.Adopted)
	assert.Equal(t, []string{ids[1]}, res.Removed)
	assert.Equal(t, []string{ids[0], ids[2]}, f.pool.Snapshot().Standby)
	assert.Zero(t, f.pool.Active())
	assert.NotContains(t, f.pool.Snapshot().Standby, ids[1])

	assert.Equal(t, 1, f.host.Count("uninstall", ids[1]), "teardown attempted exactly once")
	assert.Equal(t, 1, f.host.Count("remove", ids[1]))
	assert.Empty(t, f.host.Calls("log"), "reconciliation does not check safe-to-close")

	for _, id := range []string{ids[0], ids[2]} {
		assert.False(t, f.host.Running(id), "adopted runners are left stopped")
	}

	again, err := f.pool.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, again.Adopted, "known runners are not probed again")
}

func TestReconcileStopFailureTearsDown(t *testing.T) {
	f := newFixture(t)

	previous := runner.Deps{Host: f.host, Fs: f.deps.Fs, Root: f.deps.Root, NewID: runnertest.SequentialIDs("s")}
	r, err := runner.ProvisionNewRunner(context.Background(), previous, runner.ProvisionRequest{Token: token.Token{Value: "REG"}})
	require.NoError(t, err)
	f.host.Fail("stop", r.ID(), errors.New("unit busy"))

	res, err := f.pool.Reconcile(context.Background())
	require.NoError(t, err)

	assert.Empty(t, res.Adopted)
	assert.Equal(t, []string{r.ID()}, res.Removed)
	assert.Equal(t, 2, f.host.Count("stop", r.ID()), "teardown stops the service reconciliation started")
	assert.Equal(t, 1, f.host.Count("uninstall", r.ID()))
	assert.Equal(t, 1, f.host.Count("remove", r.ID()))
	assert.Zero(t, f.pool.Active())
	assert.Zero(t, f.pool.Standby())
}

func TestReconcileEmptyRoot(t *testing.T) {
	f := newFixture(t)
	res, err := f.pool.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Adopted)
	assert.Empty(t, res.Removed)
}

func TestAdoptRejectsProvisioningRunner(t *testing.T) {
	f := newFixture(t)
	r := runner.AttachToExistingRunner(f.deps, "0123")
	assert.ErrorIs(t, f.pool.Adopt(r), runner.ErrInvalidState)
}
