package github

import (
	"context"
	"fmt"
	"strconv"
)

// ListTags returns the tag names of any public repository, newest first as
// the backend orders them
func (c *Client) ListTags(ctx context.Context, owner, repo string, perPage int) ([]string, error) {
	var out []struct {
		Name string `json:"name"`
	}
	path := fmt.Sprintf("/repos/%s/%s/tags", owner, repo)
	if err := c.get(ctx, path, map[string]string{"per_page": strconv.Itoa(perPage)}, &out); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(out))
	for _, t := range out {
		names = append(names, t.Name)
	}
	return names, nil
}
