package runner

import (
	"context"
)

// Service identifies a runner to the host. Every field is derivable from the
// runner id, so runners found on disk after a restart can be addressed
// without any in-memory history.
type Service struct {
	ID   string
	Name string
	Dir  string
}

// Registration is what the host needs to register a runner with the CI
// backend
type Registration struct {
	Service Service
	RepoURL string
	Token   string
	Labels  []string
}

// Host is the capability set the runner lifecycle needs from the machine it
// runs on
type Host interface {
	// Extract unpacks the runner package archive into destDir
	Extract(ctx context.Context, archivePath, destDir string) error
	// Register configures the extracted runner against the repository
	Register(ctx context.Context, reg Registration) error
	// RemoveRegistration removes the runner's registration with the CI backend
	RemoveRegistration(ctx context.Context, svc Service, token string) error
	// InstallService installs the runner as a host service without starting it
	InstallService(ctx context.Context, svc Service) error
	StartService(ctx context.Context, svc Service) error
	StopService(ctx context.Context, svc Service) error
	UninstallService(ctx context.Context, svc Service) error
	// ReadLastLogLine returns the most recent line of the service log
	ReadLastLogLine(ctx context.Context, svc Service) (string, error)
}
