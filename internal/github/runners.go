package github

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
)

const runnersPerPage = 100

// RunnerRecord is a self-hosted runner as the backend knows it
type RunnerRecord struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Busy   bool   `json:"busy"`
}

// FindRunner looks a repository runner up by name. The bool is false when no
// runner has that name.
func (c *Client) FindRunner(ctx context.Context, name string) (RunnerRecord, bool, error) {
	for page := 1; ; page++ {
		var out struct {
			TotalCount int            `json:"total_count"`
			Runners    []RunnerRecord `json:"runners"`
		}
		err := c.get(ctx, c.repoPath("/actions/runners"), map[string]string{
			"per_page": strconv.Itoa(runnersPerPage),
			"page":     strconv.Itoa(page),
		}, &out)
		if err != nil {
			return RunnerRecord{}, false, err
		}
		for _, r := range out.Runners {
			if r.Name == name {
				return r, true, nil
			}
		}
		if len(out.Runners) < runnersPerPage {
			return RunnerRecord{}, false, nil
		}
	}
}

// DeleteRunner force-removes a runner registration
func (c *Client) DeleteRunner(ctx context.Context, id int64) error {
	path := c.repoPath(fmt.Sprintf("/actions/runners/%d", id))
	_, err := c.do(c.http.R().SetContext(ctx), http.MethodDelete, path, http.StatusNoContent)
	return err
}
