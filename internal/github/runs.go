package github

import (
	"context"
	"strconv"
	"time"
)

// RunStatus filters workflow runs
type RunStatus string

const (
	RunStatusQueued     RunStatus = "queued"
	RunStatusInProgress RunStatus = "in_progress"
)

// RunSummary is the subset of a workflow run the autoscaler looks at
type RunSummary struct {
	ID        int64     `json:"id"`
	Branch    string    `json:"head_branch"`
	Event     string    `json:"event"`
	CreatedAt time.Time `json:"created_at"`
	Status    string    `json:"status"`
}

type runsPage struct {
	TotalCount   int          `json:"total_count"`
	WorkflowRuns []RunSummary `json:"workflow_runs"`
}

// ListRuns returns the most recent workflow runs in status, one page of up
// to perPage entries
func (c *Client) ListRuns(ctx context.Context, status RunStatus, perPage int) ([]RunSummary, error) {
	var page runsPage
	err := c.get(ctx, c.repoPath("/actions/runs"), map[string]string{
		"status":   string(status),
		"per_page": strconv.Itoa(perPage),
	}, &page)
	if err != nil {
		return nil, err
	}
	return page.WorkflowRuns, nil
}
