package host

import (
	"fmt"

	"github.com/kubiyabot/gha-autoscaler/internal/config"
	"github.com/kubiyabot/gha-autoscaler/internal/pterm"
	"github.com/kubiyabot/gha-autoscaler/internal/runner"
	"github.com/spf13/afero"
)

// Host pairs runner preparation with a service manager. It satisfies
// runner.Host.
type Host struct {
	*Local
	ServiceManager
}

var _ runner.Host = (*Host)(nil)

// New builds the host configured by cfg.RunnerHost
func New(cfg config.Config, fs afero.Fs, registry RunnerRegistry, logger *pterm.Logger) (*Host, error) {
	cmd := ExecCommander{}
	local := NewLocal(fs, cmd, registry, logger)

	switch cfg.RunnerHost {
	case config.HostService:
		return &Host{Local: local, ServiceManager: NewSystemd(cmd, cfg.RepoOwner, cfg.RepoName)}, nil
	case config.HostDocker:
		d, err := NewDocker(cfg.RunnerImage)
		if err != nil {
			return nil, err
		}
		return &Host{Local: local, ServiceManager: d}, nil
	default:
		return nil, fmt.Errorf("unknown runner host %q", cfg.RunnerHost)
	}
}
