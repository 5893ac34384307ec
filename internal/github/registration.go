package github

import (
	"context"
	"fmt"
	"net/http"

	"github.com/kubiyabot/gha-autoscaler/internal/token"
)

// MintRegistrationToken asks the backend for a fresh runner registration
// token for the repository
func (c *Client) MintRegistrationToken(ctx context.Context) (token.Token, error) {
	var out struct {
		Token     string `json:"token"`
		ExpiresAt string `json:"expires_at"`
	}
	path := c.repoPath("/actions/runners/registration-token")
	req := c.http.R().SetContext(ctx).SetResult(&out)
	if _, err := c.do(req, http.MethodPost, path, http.StatusCreated); err != nil {
		return token.Token{}, err
	}
	if out.Token == "" {
		return token.Token{}, fmt.Errorf("registration token response has no token")
	}

	expires, err := token.ParseExpiry(out.ExpiresAt)
	if err != nil {
		return token.Token{}, err
	}
	return token.Token{Value: out.Token, ExpiresAt: expires}, nil
}
