package github

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v4"
	"github.com/kubiyabot/gha-autoscaler/internal/config"
)

// installationTokenMargin is how long before expiry a cached installation
// token is exchanged again
const installationTokenMargin = time.Minute

// appAuth authenticates as a GitHub App installation. The app JWT is
// exchanged for an installation token, cached until shortly before expiry.
type appAuth struct {
	appID          int64
	installationID int64
	key            *rsa.PrivateKey
	http           *resty.Client
	now            func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func newAppAuth(apiURL string, creds config.AppCredentials) (*appAuth, error) {
	pem, err := os.ReadFile(creds.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read app private key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("failed to parse app private key: %w", err)
	}
	return &appAuth{
		appID:          creds.AppID,
		installationID: creds.InstallationID,
		key:            key,
		http: resty.New().
			SetBaseURL(apiURL).
			SetTimeout(defaultTimeout).
			SetHeader("Accept", "application/vnd.github+json"),
		now: time.Now,
	}, nil
}

// signJWT issues the short lived app JWT. iat is backdated to absorb clock
// drift; GitHub rejects an exp more than ten minutes out.
func (a *appAuth) signJWT() (string, error) {
	now := a.now()
	claims := jwt.RegisteredClaims{
		Issuer:    strconv.FormatInt(a.appID, 10),
		IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(a.key)
}

func (a *appAuth) authorization(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token != "" && a.now().Add(installationTokenMargin).Before(a.expiresAt) {
		return "token " + a.token, nil
	}

	signed, err := a.signJWT()
	if err != nil {
		return "", fmt.Errorf("failed to sign app jwt: %w", err)
	}

	var out struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	path := fmt.Sprintf("/app/installations/%d/access_tokens", a.installationID)
	resp, err := a.http.R().
		SetContext(ctx).
		SetAuthScheme("Bearer").
		SetAuthToken(signed).
		SetResult(&out).
		Post(path)
	if err != nil {
		return "", fmt.Errorf("installation token exchange: %w", err)
	}
	if resp.StatusCode() != http.StatusCreated {
		return "", &APIError{Method: http.MethodPost, Path: path, StatusCode: resp.StatusCode(), Body: truncate(resp.String(), 512)}
	}

	a.token = out.Token
	a.expiresAt = out.ExpiresAt
	return "token " + a.token, nil
}
