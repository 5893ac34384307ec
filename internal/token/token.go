// Package token holds the runner registration credential and refreshes it
// before it gets close to expiry.
package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kubiyabot/gha-autoscaler/internal/pterm"
)

// SafetyMargin is how long before expiry a token is considered stale
const SafetyMargin = 5 * time.Minute

// ErrCredential marks failures to obtain a usable registration token. It is
// fatal to the controller.
var ErrCredential = errors.New("registration credential unavailable")

// Token is a registration token and its expiry. It is replaced wholesale on
// refresh and never mutated.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// ValidAt reports whether the token can still be used at now, keeping the
// safety margin
func (t Token) ValidAt(now time.Time) bool {
	return t.Value != "" && now.Add(SafetyMargin).Before(t.ExpiresAt)
}

// Minter mints fresh registration tokens
type Minter interface {
	MintRegistrationToken(ctx context.Context) (Token, error)
}

// Manager holds the process-wide registration token
type Manager struct {
	minter Minter
	logger *pterm.Logger
	now    func() time.Time

	mu      sync.Mutex
	current *Token
	mints   int
}

// NewManager creates a Manager that mints through m
func NewManager(m Minter, logger *pterm.Logger) *Manager {
	if logger == nil {
		logger = pterm.Discard()
	}
	return &Manager{
		minter: m,
		logger: logger.With("component", "token"),
		now:    time.Now,
	}
}

// EnsureValid returns the held token, minting a new one first when none is
// held or the held one expires within SafetyMargin. Errors wrap
// ErrCredential.
func (m *Manager) EnsureValid(ctx context.Context) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && m.current.ValidAt(m.now()) {
		return *m.current, nil
	}

	m.logger.Debug("minting registration token")
	fresh, err := m.minter.MintRegistrationToken(ctx)
	if err != nil {
		return Token{}, fmt.Errorf("%w: %w", ErrCredential, err)
	}
	m.mints++
	if !fresh.ValidAt(m.now()) {
		return Token{}, fmt.Errorf("%w: minted token expires at %s, inside the %s safety margin",
			ErrCredential, fresh.ExpiresAt.Format(time.RFC3339), SafetyMargin)
	}

	m.current = &fresh
	m.logger.Info("registration token refreshed", "expires_at", fresh.ExpiresAt.UTC().Format(time.RFC3339))
	return fresh, nil
}

// Current returns the held token without refreshing it
func (m *Manager) Current() (Token, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Token{}, false
	}
	return *m.current, true
}

// Mints returns how many tokens have been minted
func (m *Manager) Mints() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mints
}

var expiryLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999-0700",
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// ParseExpiry parses the expiry timestamps the CI backend returns: plain UTC
// ("2025-01-01T00:00:00Z") and fractional seconds with an offset
// ("2025-01-01T00:00:00.123456+00:00"). Timestamps without a zone are UTC.
func ParseExpiry(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range expiryLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised expiry timestamp %q", s)
}
