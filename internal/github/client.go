// Package github is the REST client for the CI backend: workflow runs,
// registration tokens, repository tags and runner records.
package github

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kubiyabot/gha-autoscaler/internal/config"
	"github.com/kubiyabot/gha-autoscaler/internal/pterm"
	"github.com/kubiyabot/gha-autoscaler/internal/version"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout = 30 * time.Second
	// DefaultRateLimit keeps the client well inside the REST quota even
	// when several runner operations run concurrently
	DefaultRateLimit = rate.Limit(10)
	defaultBurst     = 5
)

// APIError is a non-2xx response from the backend
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Client talks to one repository on the CI backend
type Client struct {
	http    *resty.Client
	owner   string
	repo    string
	limiter *rate.Limiter
	auth    authenticator
	logger  *pterm.Logger
}

type authenticator interface {
	authorization(ctx context.Context) (string, error)
}

type staticToken string

func (t staticToken) authorization(context.Context) (string, error) {
	return "token " + string(t), nil
}

// New creates a client for the configured repository. App credentials take
// precedence over a personal token when both are present.
func New(cfg config.Config, logger *pterm.Logger) (*Client, error) {
	if logger == nil {
		logger = pterm.Discard()
	}
	c := &Client{
		http: resty.New().
			SetBaseURL(cfg.APIURL).
			SetTimeout(defaultTimeout).
			SetHeader("Accept", "application/vnd.github+json").
			SetHeader("X-GitHub-Api-Version", "2022-11-28").
			SetHeader("User-Agent", version.UserAgent()),
		owner:   cfg.RepoOwner,
		repo:    cfg.RepoName,
		limiter: rate.NewLimiter(DefaultRateLimit, defaultBurst),
		logger:  logger.With("component", "github"),
	}

	if cfg.App.Enabled() {
		app, err := newAppAuth(cfg.APIURL, cfg.App)
		if err != nil {
			return nil, err
		}
		c.auth = app
	} else {
		c.auth = staticToken(cfg.CIToken)
	}

	c.http.OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
		ctx := r.Context()
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
		header, err := c.auth.authorization(ctx)
		if err != nil {
			return err
		}
		r.SetHeader("Authorization", header)
		return nil
	})

	return c, nil
}

// SetRateLimit replaces the client side rate limit
func (c *Client) SetRateLimit(limit rate.Limit, burst int) {
	c.limiter.SetLimit(limit)
	c.limiter.SetBurst(burst)
}

func (c *Client) repoPath(suffix string) string {
	return fmt.Sprintf("/repos/%s/%s%s", c.owner, c.repo, suffix)
}

// do executes req and maps any status other than want to an APIError
func (c *Client) do(req *resty.Request, method, path string, want int) (*resty.Response, error) {
	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode() != want {
		return resp, &APIError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode(),
			Body:       truncate(resp.String(), 512),
		}
	}
	c.logger.Debug("github request", "method", method, "path", path, "status", resp.StatusCode(), "duration", resp.Time())
	return resp, nil
}

func (c *Client) get(ctx context.Context, path string, query map[string]string, result interface{}) error {
	req := c.http.R().SetContext(ctx).SetQueryParams(query).SetResult(result)
	_, err := c.do(req, http.MethodGet, path, http.StatusOK)
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
