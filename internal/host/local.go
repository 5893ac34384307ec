// Package host carries out runner lifecycle steps on the machine: unpacking
// runner packages, registering them and managing the process that serves
// each runner.
package host

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/kubiyabot/gha-autoscaler/internal/github"
	"github.com/kubiyabot/gha-autoscaler/internal/pterm"
	"github.com/kubiyabot/gha-autoscaler/internal/runner"
	"github.com/spf13/afero"
)

const (
	registerTimeout = 30 * time.Second
	serviceTimeout  = 10 * time.Second
	dockerTimeout   = 30 * time.Second
)

// RunnerRegistry removes registrations through the REST API when the
// runner's own removal script cannot
type RunnerRegistry interface {
	FindRunner(ctx context.Context, name string) (github.RunnerRecord, bool, error)
	DeleteRunner(ctx context.Context, id int64) error
}

// Local extracts runner packages and runs the runner's configuration script
type Local struct {
	fs       afero.Fs
	cmd      Commander
	registry RunnerRegistry
	logger   *pterm.Logger
}

// NewLocal creates a Local. registry may be nil, which disables the REST
// fallback on removal.
func NewLocal(fs afero.Fs, cmd Commander, registry RunnerRegistry, logger *pterm.Logger) *Local {
	if logger == nil {
		logger = pterm.Discard()
	}
	return &Local{fs: fs, cmd: cmd, registry: registry, logger: logger.With("component", "host")}
}

// Extract unpacks a .tar.gz archive into destDir. Entries that would land
// outside destDir are rejected.
func (l *Local) Extract(ctx context.Context, archivePath, destDir string) error {
	f, err := l.fs.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to read gzip stream: %w", err)
	}
	defer gz.Close()

	root := filepath.Clean(destDir)
	tr := tar.NewReader(gz)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read archive entry: %w", err)
		}

		target, err := safeJoin(root, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := l.fs.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := l.writeFile(target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if filepath.IsAbs(hdr.Linkname) {
				return fmt.Errorf("archive entry %s links to absolute path %s", hdr.Name, hdr.Linkname)
			}
			if _, err := safeJoin(root, filepath.Join(filepath.Dir(hdr.Name), hdr.Linkname)); err != nil {
				return err
			}
			linker, ok := l.fs.(afero.Linker)
			if !ok {
				l.logger.Debug("filesystem cannot create symlinks, skipping", "entry", hdr.Name)
				continue
			}
			if err := l.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := linker.SymlinkIfPossible(hdr.Linkname, target); err != nil {
				return fmt.Errorf("failed to create symlink %s: %w", hdr.Name, err)
			}
		default:
			l.logger.Debug("skipping archive entry", "entry", hdr.Name, "type", hdr.Typeflag)
		}
	}
}

func (l *Local) writeFile(target string, r io.Reader, perm os.FileMode) error {
	if err := l.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := l.fs.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", target, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("failed to write %s: %w", target, err)
	}
	return out.Close()
}

// safeJoin joins name onto root and fails if the result escapes root
func safeJoin(root, name string) (string, error) {
	target := filepath.Join(root, name)
	if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry %s escapes destination", name)
	}
	return target, nil
}

// Register runs config.sh unattended against the repository
func (l *Local) Register(ctx context.Context, reg runner.Registration) error {
	ctx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()

	script := filepath.Join(reg.Service.Dir, "config.sh")
	if info, err := l.fs.Stat(script); err == nil {
		if err := l.fs.Chmod(script, info.Mode()|0o111); err != nil {
			return fmt.Errorf("failed to make config.sh executable: %w", err)
		}
	}

	args := []string{
		"--unattended",
		"--url", reg.RepoURL,
		"--token", reg.Token,
		"--name", reg.Service.Name,
		"--work", "_work",
	}
	if len(reg.Labels) > 0 {
		args = append(args, "--labels", strings.Join(reg.Labels, ","))
	}

	if _, err := l.cmd.Run(ctx, reg.Service.Dir, "./config.sh", args...); err != nil {
		return err
	}
	l.logger.Debug("runner registered", "runner", reg.Service.Name)
	return nil
}

// RemoveRegistration runs config.sh remove. When that fails and a registry
// is available, the registration is deleted through the API instead.
func (l *Local) RemoveRegistration(ctx context.Context, svc runner.Service, token string) error {
	runCtx, cancel := context.WithTimeout(ctx, serviceTimeout)
	_, err := l.cmd.Run(runCtx, svc.Dir, "./config.sh", "remove", "--token", token)
	cancel()
	if err == nil {
		return nil
	}
	if l.registry == nil {
		return err
	}

	l.logger.Warning("config.sh remove failed, deleting registration through the API", "runner", svc.Name, "error", err)
	rec, found, ferr := l.registry.FindRunner(ctx, svc.Name)
	if ferr != nil {
		return errors.Join(err, ferr)
	}
	if !found {
		return nil
	}
	if derr := l.registry.DeleteRunner(ctx, rec.ID); derr != nil {
		return errors.Join(err, derr)
	}
	return nil
}
