package host

import (
	"context"
	"fmt"

	"github.com/kubiyabot/gha-autoscaler/internal/runner"
)

// ServiceManager controls the process serving a runner
type ServiceManager interface {
	InstallService(ctx context.Context, svc runner.Service) error
	StartService(ctx context.Context, svc runner.Service) error
	StopService(ctx context.Context, svc runner.Service) error
	UninstallService(ctx context.Context, svc runner.Service) error
	ReadLastLogLine(ctx context.Context, svc runner.Service) (string, error)
}

// Systemd manages runners as systemd units through the runner's svc.sh
type Systemd struct {
	cmd   Commander
	owner string
	repo  string
}

// NewSystemd creates a Systemd manager for runners of owner/repo
func NewSystemd(cmd Commander, owner, repo string) *Systemd {
	return &Systemd{cmd: cmd, owner: owner, repo: repo}
}

// UnitName is the unit svc.sh installs for svc
func (s *Systemd) UnitName(svc runner.Service) string {
	return fmt.Sprintf("actions.runner.%s-%s.%s.service", s.owner, s.repo, svc.Name)
}

func (s *Systemd) svc(ctx context.Context, svc runner.Service, action string) error {
	ctx, cancel := context.WithTimeout(ctx, serviceTimeout)
	defer cancel()
	_, err := s.cmd.Run(ctx, svc.Dir, "sudo", "./svc.sh", action)
	return err
}

func (s *Systemd) InstallService(ctx context.Context, svc runner.Service) error {
	return s.svc(ctx, svc, "install")
}

func (s *Systemd) StartService(ctx context.Context, svc runner.Service) error {
	return s.svc(ctx, svc, "start")
}

func (s *Systemd) StopService(ctx context.Context, svc runner.Service) error {
	return s.svc(ctx, svc, "stop")
}

func (s *Systemd) UninstallService(ctx context.Context, svc runner.Service) error {
	return s.svc(ctx, svc, "uninstall")
}

func (s *Systemd) ReadLastLogLine(ctx context.Context, svc runner.Service) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, serviceTimeout)
	defer cancel()
	out, err := s.cmd.Run(ctx, svc.Dir, "journalctl", "-u", s.UnitName(svc), "-n", "1", "--no-pager", "-o", "cat")
	if err != nil {
		return "", err
	}
	return lastLine(string(out)), nil
}
