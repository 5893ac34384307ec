package token

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMinter struct {
	mu     sync.Mutex
	calls  int
	tokens []Token
	err    error
}

func (f *fakeMinter) MintRegistrationToken(ctx context.Context) (Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return Token{}, f.err
	}
	tok := f.tokens[0]
	if len(f.tokens) > 1 {
		f.tokens = f.tokens[1:]
	}
	return tok, nil
}

func newManagerAt(m Minter, now time.Time) *Manager {
	mgr := NewManager(m, nil)
	mgr.now = func() time.Time { return now }
	return mgr
}

func TestEnsureValidCachesToken(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	minter := &fakeMinter{tokens: []Token{{Value: "AAA", ExpiresAt: now.Add(time.Hour)}}}
	mgr := newManagerAt(minter, now)

	first, err := mgr.EnsureValid(context.Background())
	require.NoError(t, err)
	second, err := mgr.EnsureValid(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, minter.calls)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, mgr.Mints())
}

func TestEnsureValidRefreshesInsideMargin(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	minter := &fakeMinter{tokens: []Token{
		{Value: "old", ExpiresAt: now.Add(10 * time.Minute)},
		{Value: "new", ExpiresAt: now.Add(time.Hour)},
	}}
	mgr := newManagerAt(minter, now)

	tok, err := mgr.EnsureValid(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "old", tok.Value)

	// six minutes later the old token is four minutes from expiry
	mgr.now = func() time.Time { return now.Add(6 * time.Minute) }
	tok, err = mgr.EnsureValid(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new", tok.Value)
	assert.Equal(t, 2, minter.calls)
}

func TestEnsureValidMintFailureIsCredentialError(t *testing.T) {
	mgr := newManagerAt(&fakeMinter{err: errors.New("401 Bad credentials")}, time.Now())

	_, err := mgr.EnsureValid(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCredential)

	_, ok := mgr.Current()
	assert.False(t, ok)
}

func TestEnsureValidRejectsAlreadyExpiringToken(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	minter := &fakeMinter{tokens: []Token{{Value: "short", ExpiresAt: now.Add(2 * time.Minute)}}}
	mgr := newManagerAt(minter, now)

	_, err := mgr.EnsureValid(context.Background())
	assert.ErrorIs(t, err, ErrCredential)
}

func TestEnsureValidConcurrentCallersMintOnce(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	minter := &fakeMinter{tokens: []Token{{Value: "AAA", ExpiresAt: now.Add(time.Hour)}}}
	mgr := newManagerAt(minter, now)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = mgr.EnsureValid(context.Background())
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, minter.calls)
}

func TestEnsureValidNeverReturnsStaleToken(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	properties.Property("returned token expires after now+margin", prop.ForAll(
		func(heldMinutes, freshMinutes, elapsedMinutes int) bool {
			minter := &fakeMinter{tokens: []Token{
				{Value: "held", ExpiresAt: base.Add(time.Duration(heldMinutes) * time.Minute)},
				{Value: "fresh", ExpiresAt: base.Add(time.Duration(freshMinutes) * time.Minute)},
			}}
			mgr := newManagerAt(minter, base)
			_, _ = mgr.EnsureValid(context.Background())

			now := base.Add(time.Duration(elapsedMinutes) * time.Minute)
			mgr.now = func() time.Time { return now }
			tok, err := mgr.EnsureValid(context.Background())
			if err != nil {
				return errors.Is(err, ErrCredential)
			}
			return now.Add(SafetyMargin).Before(tok.ExpiresAt)
		},
		gen.IntRange(-30, 120),
		gen.IntRange(-30, 120),
		gen.IntRange(0, 90),
	))

	properties.TestingRun(t)
}

func TestParseExpiry(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  time.Time
	}{
		{
			name:  "plain UTC",
			input: "2025-01-01T00:00:00Z",
			want:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:  "fractional seconds with colon offset",
			input: "2025-01-01T00:00:00.123456+00:00",
			want:  time.Date(2025, 1, 1, 0, 0, 0, 123456000, time.UTC),
		},
		{
			name:  "non-UTC offset",
			input: "2025-01-01T02:00:00.5+02:00",
			want:  time.Date(2025, 1, 1, 0, 0, 0, 500000000, time.UTC),
		},
		{
			name:  "offset without colon",
			input: "2025-01-01T00:00:00.000-0000",
			want:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:  "no zone treated as UTC",
			input: "2025-01-01T00:00:00",
			want:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseExpiry(tt.input)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s want %s", got, tt.want)
		})
	}

	_, err := ParseExpiry("tomorrow")
	assert.Error(t, err)
}

func TestParsedFormatsAreComparable(t *testing.T) {
	plain, err := ParseExpiry("2025-01-01T00:00:00Z")
	require.NoError(t, err)
	frac, err := ParseExpiry("2025-01-01T00:00:00.123456+00:00")
	require.NoError(t, err)

	assert.True(t, plain.Before(frac))
	assert.Equal(t, 123456*time.Microsecond, frac.Sub(plain))
}
