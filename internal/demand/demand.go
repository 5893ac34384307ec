// Package demand samples how much CI work is waiting for and using runners.
package demand

import (
	"context"
	"time"

	"github.com/kubiyabot/gha-autoscaler/internal/github"
	"github.com/kubiyabot/gha-autoscaler/internal/pterm"
	"golang.org/x/sync/errgroup"
)

// Demand is one sample of run counts
type Demand struct {
	Queued     int
	InProgress int
	SampledAt  time.Time
}

// RunLister lists workflow runs by status
type RunLister interface {
	ListRuns(ctx context.Context, status github.RunStatus, perPage int) ([]github.RunSummary, error)
}

// Sampler queries queued and in-progress runs
type Sampler struct {
	runs     RunLister
	pageSize int
	logger   *pterm.Logger
	now      func() time.Time
}

// NewSampler creates a Sampler reading pageSize runs per status
func NewSampler(runs RunLister, pageSize int, logger *pterm.Logger) *Sampler {
	if logger == nil {
		logger = pterm.Discard()
	}
	return &Sampler{
		runs:     runs,
		pageSize: pageSize,
		logger:   logger.With("component", "demand"),
		now:      time.Now,
	}
}

// Sample returns the current demand. A status whose query fails counts as
// zero for this sample; counts are capped by the page size.
func (s *Sampler) Sample(ctx context.Context) Demand {
	var queued, inProgress []github.RunSummary

	var g errgroup.Group
	g.Go(func() error {
		queued = s.list(ctx, github.RunStatusQueued)
		return nil
	})
	g.Go(func() error {
		inProgress = s.list(ctx, github.RunStatusInProgress)
		return nil
	})
	_ = g.Wait()

	for _, run := range queued {
		s.logger.Info("queued run",
			"id", run.ID,
			"branch", run.Branch,
			"event", run.Event,
			"created_at", run.CreatedAt.Format(time.RFC3339))
	}

	return Demand{
		Queued:     len(queued),
		InProgress: len(inProgress),
		SampledAt:  s.now(),
	}
}

func (s *Sampler) list(ctx context.Context, status github.RunStatus) []github.RunSummary {
	runs, err := s.runs.ListRuns(ctx, status, s.pageSize)
	if err != nil {
		s.logger.Warning("failed to list runs, counting as zero", "status", status, "error", err)
		return nil
	}
	return runs
}
