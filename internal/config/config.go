package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Host kinds
const (
	HostService = "service"
	HostDocker  = "docker"
)

// Shutdown policies
const (
	// ShutdownDrainAll deregisters every runner on exit, interrupting any
	// job in flight
	ShutdownDrainAll = "drain-all"
	// ShutdownDrainSafe waits for busy runners up to the shutdown grace and
	// leaves the ones still busy registered
	ShutdownDrainSafe = "drain-safe"
)

// Config keys. Each key is also read from the upper-cased environment
// variable of the same name (max_runners -> MAX_RUNNERS).
const (
	KeyCIToken         = "ci_token"
	KeyRepoOwner       = "repo_owner"
	KeyRepoName        = "repo_name"
	KeyPollInterval    = "poll_interval"
	KeyMinRunners      = "min_runners"
	KeyMaxRunners      = "max_runners"
	KeyRunnersDir      = "runners_dir"
	KeyDownloadsDir    = "downloads_dir"
	KeyAPIURL          = "ci_api_url"
	KeyWebURL          = "ci_web_url"
	KeyRunnerVersion   = "runner_version"
	KeyRunnerLabels    = "runner_labels"
	KeyRunnerHost      = "runner_host"
	KeyRunnerImage     = "runner_image"
	KeyRunPageSize     = "run_page_size"
	KeyMaxParallelOps  = "max_parallel_ops"
	KeyShutdownPolicy  = "shutdown_policy"
	KeyShutdownGrace   = "shutdown_grace"
	KeyMetricsAddr     = "metrics_addr"
	KeyAppID           = "ci_app_id"
	KeyAppInstallation = "ci_app_installation_id"
	KeyAppPrivateKey   = "ci_app_private_key_path"
	KeyDebug           = "autoscaler_debug"
)

// Config is the validated, immutable autoscaler configuration. It is passed
// by value into the components that need it.
type Config struct {
	CIToken   string
	RepoOwner string
	RepoName  string

	PollInterval time.Duration
	MinRunners   int
	MaxRunners   int

	RunnersDir   string
	DownloadsDir string

	APIURL string
	WebURL string

	RunnerVersion string
	RunnerLabels  []string
	RunnerHost    string
	RunnerImage   string

	RunPageSize    int
	MaxParallelOps int

	ShutdownPolicy string
	ShutdownGrace  time.Duration

	MetricsAddr string

	App AppCredentials

	Debug bool
}

// AppCredentials selects GitHub App authentication instead of a personal
// token when all fields are set
type AppCredentials struct {
	AppID          int64
	InstallationID int64
	PrivateKeyPath string
}

// Enabled reports whether app authentication is configured
func (a AppCredentials) Enabled() bool {
	return a.AppID != 0 && a.InstallationID != 0 && a.PrivateKeyPath != ""
}

// RepoURL is the repository URL runners register against
func (c Config) RepoURL() string {
	return fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(c.WebURL, "/"), c.RepoOwner, c.RepoName)
}

// RepoSlug is owner/name
func (c Config) RepoSlug() string {
	return c.RepoOwner + "/" + c.RepoName
}

// SetDefaults registers default values with v
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyPollInterval, 30)
	v.SetDefault(KeyMinRunners, 0)
	v.SetDefault(KeyMaxRunners, 2)
	v.SetDefault(KeyRunnersDir, "runners")
	v.SetDefault(KeyDownloadsDir, "download")
	v.SetDefault(KeyAPIURL, "https://api.github.com")
	v.SetDefault(KeyWebURL, "https://github.com")
	v.SetDefault(KeyRunnerHost, HostService)
	v.SetDefault(KeyRunnerImage, "ghcr.io/actions/actions-runner:latest")
	v.SetDefault(KeyRunPageSize, 10)
	v.SetDefault(KeyMaxParallelOps, 4)
	v.SetDefault(KeyShutdownPolicy, ShutdownDrainAll)
	v.SetDefault(KeyShutdownGrace, 300)
}

// NewViper returns a viper instance with defaults registered and every key
// bound to its environment variable
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	// AutomaticEnv only applies to keys viper already knows about; bind the
	// ones without defaults explicitly.
	for _, key := range []string{
		KeyCIToken, KeyRepoOwner, KeyRepoName, KeyRunnerVersion, KeyRunnerLabels,
		KeyMetricsAddr, KeyAppID, KeyAppInstallation, KeyAppPrivateKey, KeyDebug,
	} {
		_ = v.BindEnv(key)
	}
	return v
}

// ReadFile merges a YAML config file into v. An empty path is a no-op.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return nil
}

// Load builds and validates a Config from v
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		CIToken:        strings.TrimSpace(v.GetString(KeyCIToken)),
		RepoOwner:      strings.TrimSpace(v.GetString(KeyRepoOwner)),
		RepoName:       strings.TrimSpace(v.GetString(KeyRepoName)),
		PollInterval:   time.Duration(v.GetInt(KeyPollInterval)) * time.Second,
		MinRunners:     v.GetInt(KeyMinRunners),
		MaxRunners:     v.GetInt(KeyMaxRunners),
		RunnersDir:     v.GetString(KeyRunnersDir),
		DownloadsDir:   v.GetString(KeyDownloadsDir),
		APIURL:         strings.TrimSuffix(v.GetString(KeyAPIURL), "/"),
		WebURL:         strings.TrimSuffix(v.GetString(KeyWebURL), "/"),
		RunnerVersion:  strings.TrimPrefix(strings.TrimSpace(v.GetString(KeyRunnerVersion)), "v"),
		RunnerLabels:   splitList(v.GetString(KeyRunnerLabels)),
		RunnerHost:     strings.ToLower(v.GetString(KeyRunnerHost)),
		RunnerImage:    v.GetString(KeyRunnerImage),
		RunPageSize:    v.GetInt(KeyRunPageSize),
		MaxParallelOps: v.GetInt(KeyMaxParallelOps),
		ShutdownPolicy: strings.ToLower(v.GetString(KeyShutdownPolicy)),
		ShutdownGrace:  time.Duration(v.GetInt(KeyShutdownGrace)) * time.Second,
		MetricsAddr:    v.GetString(KeyMetricsAddr),
		App: AppCredentials{
			AppID:          v.GetInt64(KeyAppID),
			InstallationID: v.GetInt64(KeyAppInstallation),
			PrivateKeyPath: v.GetString(KeyAppPrivateKey),
		},
		Debug: v.GetBool(KeyDebug),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required fields and bounds
func (c Config) Validate() error {
	var errs []error

	if c.CIToken == "" && !c.App.Enabled() {
		errs = append(errs, errors.New("CI_TOKEN is required (or CI_APP_ID, CI_APP_INSTALLATION_ID and CI_APP_PRIVATE_KEY_PATH)"))
	}
	if c.RepoOwner == "" {
		errs = append(errs, errors.New("REPO_OWNER is required"))
	}
	if c.RepoName == "" {
		errs = append(errs, errors.New("REPO_NAME is required"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.PollInterval))
	}
	if c.MinRunners < 0 {
		errs = append(errs, fmt.Errorf("MIN_RUNNERS must not be negative, got %d", c.MinRunners))
	}
	if c.MaxRunners < 1 {
		errs = append(errs, fmt.Errorf("MAX_RUNNERS must be at least 1, got %d", c.MaxRunners))
	}
	if c.MinRunners > c.MaxRunners {
		errs = append(errs, fmt.Errorf("MIN_RUNNERS (%d) exceeds MAX_RUNNERS (%d)", c.MinRunners, c.MaxRunners))
	}
	if c.RunnersDir == "" || c.DownloadsDir == "" {
		errs = append(errs, errors.New("RUNNERS_DIR and DOWNLOADS_DIR must not be empty"))
	}
	if c.RunnerHost != HostService && c.RunnerHost != HostDocker {
		errs = append(errs, fmt.Errorf("RUNNER_HOST must be %q or %q, got %q", HostService, HostDocker, c.RunnerHost))
	}
	if c.RunPageSize < 1 || c.RunPageSize > 100 {
		errs = append(errs, fmt.Errorf("RUN_PAGE_SIZE must be between 1 and 100, got %d", c.RunPageSize))
	}
	if c.MaxParallelOps < 1 {
		errs = append(errs, fmt.Errorf("MAX_PARALLEL_OPS must be at least 1, got %d", c.MaxParallelOps))
	}
	if c.ShutdownPolicy != ShutdownDrainAll && c.ShutdownPolicy != ShutdownDrainSafe {
		errs = append(errs, fmt.Errorf("SHUTDOWN_POLICY must be %q or %q, got %q", ShutdownDrainAll, ShutdownDrainSafe, c.ShutdownPolicy))
	}

	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
