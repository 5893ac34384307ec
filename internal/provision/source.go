// Package provision obtains runner packages and turns them into freshly
// registered runners.
package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"runtime"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/go-resty/resty/v2"
	"github.com/kubiyabot/gha-autoscaler/internal/config"
	"github.com/kubiyabot/gha-autoscaler/internal/pterm"
	"github.com/kubiyabot/gha-autoscaler/internal/util"
	"github.com/kubiyabot/gha-autoscaler/internal/version"
	"github.com/patrickmn/go-cache"
	"github.com/spf13/afero"
)

// The runner project whose tags and release assets are used
const (
	RunnerProjectOwner = "actions"
	RunnerProjectRepo  = "runner"
)

const (
	latestVersionKey = "latest"
	versionCacheTTL  = time.Hour
	tagsPerPage      = 100
)

// ErrNoVersion is returned when no stable runner release can be found
var ErrNoVersion = errors.New("no runner release found")

// TagLister lists the tags of a repository
type TagLister interface {
	ListTags(ctx context.Context, owner, repo string, perPage int) ([]string, error)
}

// Source resolves and downloads runner packages
type Source struct {
	fs           afero.Fs
	tags         TagLister
	http         *resty.Client
	cache        *cache.Cache
	pinned       string
	downloadsDir string
	webURL       string
	goos         string
	goarch       string
	retry        *util.RetryConfig
	logger       *pterm.Logger
}

// NewSource creates a Source for the host platform
func NewSource(cfg config.Config, fs afero.Fs, tags TagLister, logger *pterm.Logger) *Source {
	if logger == nil {
		logger = pterm.Discard()
	}
	s := &Source{
		fs:           fs,
		tags:         tags,
		http:         resty.New().SetHeader("User-Agent", version.UserAgent()),
		cache:        cache.New(versionCacheTTL, 10*time.Minute),
		pinned:       cfg.RunnerVersion,
		downloadsDir: cfg.DownloadsDir,
		webURL:       cfg.WebURL,
		goos:         runtime.GOOS,
		goarch:       runtime.GOARCH,
		retry:        util.DefaultRetryConfig(),
		logger:       logger.With("component", "provision"),
	}
	s.retry.OnRetry = func(attempt int, err error, delay time.Duration) {
		s.logger.Warning("runner download failed, retrying", "attempt", attempt, "delay", delay, "error", err)
	}
	return s
}

// ResolveLatestVersion returns the pinned version, or the greatest stable
// release tag of the runner project
func (s *Source) ResolveLatestVersion(ctx context.Context) (string, error) {
	if s.pinned != "" {
		return s.pinned, nil
	}
	if v, ok := s.cache.Get(latestVersionKey); ok {
		return v.(string), nil
	}

	tags, err := s.tags.ListTags(ctx, RunnerProjectOwner, RunnerProjectRepo, tagsPerPage)
	if err != nil {
		return "", fmt.Errorf("failed to list runner tags: %w", err)
	}

	var latest *semver.Version
	for _, tag := range tags {
		v, err := semver.NewVersion(tag)
		if err != nil || v.Prerelease() != "" {
			continue
		}
		if latest == nil || v.GreaterThan(latest) {
			latest = v
		}
	}
	if latest == nil {
		return "", ErrNoVersion
	}

	s.cache.SetDefault(latestVersionKey, latest.String())
	return latest.String(), nil
}

// ResolveHostArch maps the host architecture to the runner package name
func (s *Source) ResolveHostArch() (string, error) {
	switch s.goarch {
	case "amd64":
		return "x64", nil
	case "arm64":
		return "arm64", nil
	case "arm":
		return "arm", nil
	default:
		return "", fmt.Errorf("unsupported architecture %q", s.goarch)
	}
}

// ResolveHostOS maps the host operating system to the runner package name
func (s *Source) ResolveHostOS() (string, error) {
	switch s.goos {
	case "linux":
		return "linux", nil
	case "darwin":
		return "osx", nil
	default:
		return "", fmt.Errorf("unsupported operating system %q", s.goos)
	}
}

// PackageName is the file name of a runner release asset
func PackageName(goos, arch, ver string) string {
	return fmt.Sprintf("actions-runner-%s-%s-%s.tar.gz", goos, arch, ver)
}

// FetchPackage makes sure the runner package for version and arch is in the
// downloads directory and returns its path. Downloads go to a temporary file
// that is renamed into place, so a present package is always complete.
func (s *Source) FetchPackage(ctx context.Context, ver, arch string) (string, error) {
	goos, err := s.ResolveHostOS()
	if err != nil {
		return "", err
	}
	name := PackageName(goos, arch, ver)
	path := filepath.Join(s.downloadsDir, name)

	if ok, err := afero.Exists(s.fs, path); err != nil {
		return "", err
	} else if ok {
		s.logger.Debug("runner package up to date", "package", name)
		return path, nil
	}

	if err := s.fs.MkdirAll(s.downloadsDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create downloads directory: %w", err)
	}

	url := fmt.Sprintf("%s/%s/%s/releases/download/v%s/%s", s.webURL, RunnerProjectOwner, RunnerProjectRepo, ver, name)
	s.logger.Info("downloading runner package", "version", ver, "package", name)

	err = util.RetryWithBackoff(ctx, s.retry, "runner download", func() error {
		return s.download(ctx, url, path)
	})
	if err != nil {
		return "", err
	}
	s.logger.Success("runner package downloaded", "package", name)
	return path, nil
}

func (s *Source) download(ctx context.Context, url, dest string) error {
	resp, err := s.http.R().SetContext(ctx).SetDoNotParseResponse(true).Get(url)
	if err != nil {
		return err
	}
	body := resp.RawBody()
	defer body.Close()

	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return util.Permanent(fmt.Errorf("runner package not found at %s", url))
	case resp.StatusCode() != http.StatusOK:
		return fmt.Errorf("download %s: unexpected status %d", url, resp.StatusCode())
	}

	tmp, err := afero.TempFile(s.fs, filepath.Dir(dest), filepath.Base(dest)+".*.part")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		_ = s.fs.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(tmpName)
		return err
	}
	if err := s.fs.Rename(tmpName, dest); err != nil {
		_ = s.fs.Remove(tmpName)
		return err
	}
	return nil
}

// FetchLatest resolves the latest version for the host and fetches it
func (s *Source) FetchLatest(ctx context.Context) (string, error) {
	ver, err := s.ResolveLatestVersion(ctx)
	if err != nil {
		return "", err
	}
	arch, err := s.ResolveHostArch()
	if err != nil {
		return "", err
	}
	return s.FetchPackage(ctx, ver, arch)
}
