package cli

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kubiyabot/gha-autoscaler/internal/config"
	"github.com/kubiyabot/gha-autoscaler/internal/controller"
	"github.com/kubiyabot/gha-autoscaler/internal/errors"
	"github.com/kubiyabot/gha-autoscaler/internal/github"
	"github.com/kubiyabot/gha-autoscaler/internal/host"
	"github.com/kubiyabot/gha-autoscaler/internal/pterm"
	"github.com/kubiyabot/gha-autoscaler/internal/runner"
	"github.com/kubiyabot/gha-autoscaler/internal/runner/runnertest"
	"github.com/kubiyabot/gha-autoscaler/internal/token"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func rootExecuteCommand(root *cobra.Command, args ...string) (output string, err error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)

	err = root.Execute()
	return buf.String(), err
}

// fakeGitHub serves the handful of endpoints the commands call
type fakeGitHub struct {
	*httptest.Server
	mints   atomic.Int32
	runners []github.RunnerRecord
}

func newFakeGitHub(t *testing.T, runners ...github.RunnerRecord) *fakeGitHub {
	t.Helper()
	f := &fakeGitHub{runners: runners}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/api/actions/runners", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"total_count": len(f.runners), "runners": f.runners})
	})
	mux.HandleFunc("POST /repos/acme/api/actions/runners/registration-token", func(w http.ResponseWriter, r *http.Request) {
		f.mints.Add(1)
		writeJSON(w, http.StatusCreated, map[string]string{
			"token":      "AREGTOKEN",
			"expires_at": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		})
	})
	mux.HandleFunc("GET /repos/acme/api/actions/runs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"total_count": 0, "workflow_runs": []any{}})
	})
	mux.HandleFunc("GET /repos/actions/runner/tags", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []map[string]string{
			{"name": "v2.321.0-beta.1"},
			{"name": "v2.320.0"},
			{"name": "v2.319.1"},
		})
	})
	mux.HandleFunc("GET /actions/runner/releases/download/v2.320.0/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("runner package"))
	})

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func setTestEnv(t *testing.T, url string) {
	t.Setenv("CI_TOKEN", "ghp_test")
	t.Setenv("REPO_OWNER", "acme")
	t.Setenv("REPO_NAME", "api")
	t.Setenv("CI_API_URL", url)
	t.Setenv("CI_WEB_URL", url)
	t.Setenv("RUNNERS_DIR", "runners")
	t.Setenv("DOWNLOADS_DIR", "download")
	t.Setenv("RUNNER_HOST", config.HostService)
	t.Setenv("RUNNER_VERSION", "")
	t.Setenv("MIN_RUNNERS", "0")
	t.Setenv("MAX_RUNNERS", "2")
	t.Setenv("POLL_INTERVAL", "1")
	t.Setenv("METRICS_ADDR", "")
	t.Setenv("SENTRY_DSN", "")
	t.Setenv("AUTOSCALER_PTERM_ENABLED", "false")
}

// useFakeHost swaps the filesystem and runner host for in-memory fakes
func useFakeHost(t *testing.T) (afero.Fs, *runnertest.FakeHost) {
	t.Helper()
	fs := afero.NewMemMapFs()
	fake := runnertest.NewFakeHost(fs)

	origFs, origHost := newFs, newHost
	newFs = func() afero.Fs { return fs }
	newHost = func(config.Config, afero.Fs, host.RunnerRegistry, *pterm.Logger) (runner.Host, error) {
		return fake, nil
	}
	t.Cleanup(func() { newFs, newHost = origFs, origHost })
	return fs, fake
}

func addRunnerDir(t *testing.T, fs afero.Fs, id string) {
	t.Helper()
	require.NoError(t, fs.MkdirAll(filepath.Join("runners", runner.NameFor(id)), 0o755))
}

func TestRootCommand(t *testing.T) {
	tests := []struct {
		name        string
		args        []string
		wantErr     bool
		wantContain string
	}{
		{
			name:        "help command",
			args:        []string{"--help"},
			wantErr:     false,
			wantContain: "Available Commands:",
		},
		{
			name:        "run help lists flags",
			args:        []string{"run", "--help"},
			wantErr:     false,
			wantContain: "--max-runners",
		},
		{
			name:        "version",
			args:        []string{"version"},
			wantErr:     false,
			wantContain: "gha-autoscaler dev",
		},
		{
			name:    "invalid command",
			args:    []string{"invalid"},
			wantErr: true,
		},
		{
			name:    "run takes no arguments",
			args:    []string{"run", "extra"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := rootExecuteCommand(NewRootCommand(), tt.args...)

			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, got, tt.wantContain)
		})
	}
}

func TestInvalidConfigurationExitCode(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		args []string
	}{
		{
			name: "missing token",
			env:  map[string]string{"CI_TOKEN": ""},
			args: []string{"run"},
		},
		{
			name: "min above max",
			env:  map[string]string{"MIN_RUNNERS": "3", "MAX_RUNNERS": "2"},
			args: []string{"status"},
		},
		{
			name: "max runners flag",
			args: []string{"run", "--max-runners", "0"},
		},
		{
			name: "missing config file",
			args: []string{"--config", filepath.Join(t.TempDir(), "missing.yaml"), "cleanup"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setTestEnv(t, "http://127.0.0.1:1")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := rootExecuteCommand(NewRootCommand(), tt.args...)
			require.Error(t, err)
			assert.Equal(t, errors.ExitCodeConfig, errors.ExitCodeFromError(err))
		})
	}
}

func TestRunFlagsOverrideEnvironment(t *testing.T) {
	setTestEnv(t, "http://127.0.0.1:1")
	t.Setenv("MAX_RUNNERS", "3")
	t.Setenv("MIN_RUNNERS", "1")

	root := &rootOptions{v: config.NewViper()}
	cmd := newRunCommand(root)
	require.NoError(t, cmd.Flags().Parse([]string{
		"--max-runners", "5",
		"--runner-labels", "gpu, linux",
		"--shutdown-policy", "drain-safe",
	}))

	cfg, err := root.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MaxRunners)
	assert.Equal(t, 1, cfg.MinRunners)
	assert.Equal(t, []string{"gpu", "linux"}, cfg.RunnerLabels)
	assert.Equal(t, config.ShutdownDrainSafe, cfg.ShutdownPolicy)
	assert.Equal(t, time.Second, cfg.PollInterval)
}

func TestStatusCommand(t *testing.T) {
	gh := newFakeGitHub(t,
		github.RunnerRecord{ID: 7, Name: runner.NameFor("aaa"), Status: "online", Busy: false},
		github.RunnerRecord{ID: 8, Name: runner.NameFor("bbb"), Status: "online", Busy: true},
	)
	setTestEnv(t, gh.URL)
	fs, fake := useFakeHost(t)
	addRunnerDir(t, fs, "aaa")
	addRunnerDir(t, fs, "bbb")
	addRunnerDir(t, fs, "ccc")
	fake.SetLastLogLine("aaa", "Listening for Jobs")
	fake.SetLastLogLine("bbb", "2026-10-16 10:00:00Z: Running job: build")

	t.Run("yaml", func(t *testing.T) {
		out, err := rootExecuteCommand(NewRootCommand(), "status", "-o", "yaml")
		require.NoError(t, err)

		var rows []runnerStatus
		require.NoError(t, yaml.Unmarshal([]byte(out), &rows))
		require.Len(t, rows, 3)

		byID := map[string]runnerStatus{}
		for _, r := range rows {
			byID[r.ID] = r
		}
		assert.True(t, byID["aaa"].Registered)
		assert.True(t, byID["aaa"].SafeToClose)
		assert.Equal(t, "Listening for Jobs", byID["aaa"].LastLog)

		assert.True(t, byID["bbb"].Busy)
		assert.False(t, byID["bbb"].SafeToClose)

		assert.False(t, byID["ccc"].Registered)
		assert.True(t, byID["ccc"].SafeToClose)
		assert.Equal(t, filepath.Join("runners", "runner_ccc"), byID["ccc"].Dir)
	})

	t.Run("table", func(t *testing.T) {
		out, err := rootExecuteCommand(NewRootCommand(), "status")
		require.NoError(t, err)
		assert.Contains(t, out, "SAFE TO CLOSE")
		assert.Contains(t, out, "runner_bbb")
		assert.Contains(t, out, "job running")
	})

	t.Run("unknown format", func(t *testing.T) {
		_, err := rootExecuteCommand(NewRootCommand(), "status", "-o", "json")
		require.Error(t, err)
		assert.Equal(t, errors.ExitCodeValidation, errors.ExitCodeFromError(err))
	})
}

func TestStatusWithoutRunners(t *testing.T) {
	gh := newFakeGitHub(t)
	setTestEnv(t, gh.URL)
	useFakeHost(t)

	out, err := rootExecuteCommand(NewRootCommand(), "status")
	require.NoError(t, err)
	assert.Contains(t, out, "No runners under runners")
}

func TestCleanupCommand(t *testing.T) {
	gh := newFakeGitHub(t)
	setTestEnv(t, gh.URL)
	fs, fake := useFakeHost(t)
	addRunnerDir(t, fs, "aaa")
	addRunnerDir(t, fs, "bbb")

	t.Run("removes every runner", func(t *testing.T) {
		_, err := rootExecuteCommand(NewRootCommand(), "cleanup")
		require.NoError(t, err)

		ids, err := runner.Discover(fs, "runners")
		require.NoError(t, err)
		assert.Empty(t, ids)

		for _, id := range []string{"aaa", "bbb"} {
			assert.Equal(t, 1, fake.Count("stop", id), id)
			assert.Equal(t, 1, fake.Count("uninstall", id), id)
			assert.Equal(t, 1, fake.Count("remove", id), id)
		}
		assert.Equal(t, int32(1), gh.mints.Load())
	})

	t.Run("nothing to do skips the token", func(t *testing.T) {
		_, err := rootExecuteCommand(NewRootCommand(), "cleanup")
		require.NoError(t, err)
		assert.Equal(t, int32(1), gh.mints.Load())
	})
}

func TestCleanupReportsFailures(t *testing.T) {
	gh := newFakeGitHub(t)
	setTestEnv(t, gh.URL)
	fs, fake := useFakeHost(t)
	addRunnerDir(t, fs, "aaa")
	addRunnerDir(t, fs, "bbb")
	fake.Fail("uninstall", "bbb", assert.AnError)

	_, err := rootExecuteCommand(NewRootCommand(), "cleanup")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 runner(s)")
	assert.Equal(t, errors.ExitCodeRuntime, errors.ExitCodeFromError(err))

	// A failing step does not stop the rest of the teardown
	assert.Equal(t, 1, fake.Count("remove", "bbb"))
	exists, err := afero.DirExists(fs, filepath.Join("runners", "runner_bbb"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFetchCommand(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("runner packages exist for linux and macOS only")
	}
	gh := newFakeGitHub(t)
	setTestEnv(t, gh.URL)
	fs, _ := useFakeHost(t)

	out, err := rootExecuteCommand(NewRootCommand(), "fetch", "--arch", "x64")
	require.NoError(t, err)
	assert.Contains(t, out, "-x64-2.320.0.tar.gz")

	matches, err := afero.Glob(fs, filepath.Join("download", "actions-runner-*-x64-2.320.0.tar.gz"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	data, err := afero.ReadFile(fs, matches[0])
	require.NoError(t, err)
	assert.Equal(t, "runner package", string(data))
}

func TestRunDrainsOnShutdown(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("runner packages exist for linux and macOS only")
	}
	if runtime.GOARCH != "amd64" && runtime.GOARCH != "arm64" {
		t.Skip("no runner package for this architecture")
	}
	gh := newFakeGitHub(t)
	setTestEnv(t, gh.URL)
	t.Setenv("MIN_RUNNERS", "1")
	fs, fake := useFakeHost(t)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	root := NewRootCommand()
	root.SetOut(new(bytes.Buffer))
	root.SetArgs([]string{"run"})
	require.NoError(t, root.ExecuteContext(ctx))

	assert.Len(t, fake.Calls("install"), 1)
	assert.Len(t, fake.Calls("uninstall"), 1)
	assert.Len(t, fake.Calls("remove"), 1)

	ids, err := runner.Discover(fs, "runners")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestClassify(t *testing.T) {
	refused := &url.Error{Op: "Post", URL: "https://api.github.com/repos/acme/api/actions/runners/registration-token", Err: stderrors.New("connection refused")}

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "clean exit", err: nil, want: errors.ExitCodeSuccess},
		{name: "rejected credential", err: fmt.Errorf("%w: %w", token.ErrCredential, &github.APIError{StatusCode: http.StatusUnauthorized}), want: errors.ExitCodeAuth},
		{name: "unreachable backend", err: fmt.Errorf("initial registration token: %w", fmt.Errorf("%w: %w", token.ErrCredential, refused)), want: errors.ExitCodeNetwork},
		{name: "tick panic", err: fmt.Errorf("%w: boom", controller.ErrTickPanic), want: errors.ExitCodeRuntime},
		{name: "other backend failure", err: &github.APIError{StatusCode: http.StatusBadGateway}, want: errors.ExitCodeAPI},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errors.ExitCodeFromError(classify(tt.err)))
		})
	}
}

func TestUnreachableBackendExitCode(t *testing.T) {
	down := httptest.NewServer(http.NotFoundHandler())
	down.Close()
	setTestEnv(t, down.URL)
	fs, _ := useFakeHost(t)
	addRunnerDir(t, fs, "aaa")

	tests := []struct {
		name string
		args []string
	}{
		{name: "fetch", args: []string{"fetch", "--arch", "x64"}},
		{name: "cleanup", args: []string{"cleanup"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rootExecuteCommand(NewRootCommand(), tt.args...)
			require.Error(t, err)
			assert.Equal(t, errors.ExitCodeNetwork, errors.ExitCodeFromError(err))
		})
	}
}
