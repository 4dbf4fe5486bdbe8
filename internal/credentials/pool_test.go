package credentials

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/Veraticus/threadline/internal/common"
)

// flakySource fails the first failures calls and then mints tokens.
type flakySource struct {
	failures int
	calls    int
}

func (s *flakySource) Token() (*oauth2.Token, error) {
	s.calls++
	if s.calls <= s.failures {
		return nil, errors.New("refresh endpoint unavailable")
	}
	return &oauth2.Token{AccessToken: "minted", Expiry: time.Now().Add(time.Hour)}, nil
}

// blockingSource mints only after release is closed.
type blockingSource struct {
	started chan struct{}
	release chan struct{}
}

func (s *blockingSource) Token() (*oauth2.Token, error) {
	close(s.started)
	<-s.release
	return &oauth2.Token{AccessToken: "slow", Expiry: time.Now().Add(time.Hour)}, nil
}

func fixedClock(p *Pool, now time.Time) {
	p.now = func() time.Time { return now }
}

func TestNewPool(t *testing.T) {
	t.Run("no credentials", func(t *testing.T) {
		pool, err := NewPool(nil, nil)
		require.ErrorIs(t, err, common.ErrNoCredentials)
		assert.Nil(t, pool)
	})

	t.Run("blank tokens are ignored", func(t *testing.T) {
		_, err := NewPool([]string{"", ""}, nil)
		require.ErrorIs(t, err, common.ErrNoCredentials)
	})

	t.Run("installation without source", func(t *testing.T) {
		_, err := NewPool(nil, []Installation{{ID: "app"}})
		require.ErrorIs(t, err, common.ErrInvalidConfig)
	})
}

func TestPool_CurrentPrefersInstallations(t *testing.T) {
	pool, err := NewPool([]string{"tok-a"}, []Installation{{ID: "app", Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "inst"})}})
	require.NoError(t, err)

	assert.Equal(t, KindInstallation, pool.Current().Kind)
	assert.Equal(t, 2, pool.Len())

	tokenOnly, err := NewPool([]string{"tok-a", "tok-b"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "token:0", tokenOnly.Current().ID)
}

func TestPool_NextRotatesPastExhausted(t *testing.T) {
	pool, err := NewPool([]string{"tok-a", "tok-b"}, nil)
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fixedClock(pool, now)
	ctx := context.Background()

	first := pool.Next(ctx)
	require.NotNil(t, first)
	assert.Equal(t, "token:0", first.ID)

	pool.RecordUsage(first, 0, 5000, now.Add(time.Hour))

	second := pool.Next(ctx)
	require.NotNil(t, second)
	assert.Equal(t, "token:1", second.ID)

	tok, err := pool.Token(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, "tok-b", tok)
}

func TestPool_AllExhaustedReturnsNil(t *testing.T) {
	pool, err := NewPool([]string{"tok-a", "tok-b"}, nil)
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fixedClock(pool, now)

	resetA := now.Add(30 * time.Minute)
	resetB := now.Add(10 * time.Minute)
	for i, c := range []*Credential{pool.tokens[0], pool.tokens[1]} {
		pool.RecordUsage(c, 0, 5000, []time.Time{resetA, resetB}[i])
	}

	assert.Nil(t, pool.Next(context.Background()))
	assert.Equal(t, resetB, pool.EarliestReset())
}

func TestPool_ResetRestoresQuota(t *testing.T) {
	pool, err := NewPool([]string{"tok-a"}, nil)
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fixedClock(pool, now)

	c := pool.Current()
	pool.RecordUsage(c, 0, 60, now.Add(time.Minute))
	assert.Nil(t, pool.Next(context.Background()))

	fixedClock(pool, now.Add(time.Minute))
	next := pool.Next(context.Background())
	require.NotNil(t, next)
	assert.Equal(t, 60, next.Remaining)
	assert.True(t, next.ResetAt.IsZero())
}

func TestPool_RecordUsageClamps(t *testing.T) {
	pool, err := NewPool([]string{"tok-a"}, nil)
	require.NoError(t, err)
	c := pool.Current()

	pool.RecordUsage(c, 9000, 100, time.Time{})
	assert.Equal(t, 100, c.Remaining)

	pool.RecordUsage(c, -5, 0, time.Time{})
	assert.Equal(t, 0, c.Remaining)
	assert.Equal(t, 100, c.Limit)
	assert.False(t, c.LastUsed.IsZero())
}

func TestPool_InstallationRefreshFailureFallsBack(t *testing.T) {
	src := &flakySource{failures: 1}
	pool, err := NewPool([]string{"tok-a"}, []Installation{{ID: "app", Source: src}})
	require.NoError(t, err)
	ctx := context.Background()

	fallback := pool.Next(ctx)
	require.NotNil(t, fallback)
	assert.Equal(t, KindToken, fallback.Kind, "refresh failure should fall back to static tokens")

	retried := pool.Next(ctx)
	require.NotNil(t, retried)
	assert.Equal(t, KindInstallation, retried.Kind, "installation should be retried on the next call")

	tok, err := pool.Token(ctx, retried)
	require.NoError(t, err)
	assert.Equal(t, "minted", tok)
	assert.Equal(t, 2, src.calls, "minted token should be reused while valid")
}

func TestPool_SlowRefreshDoesNotBlockPool(t *testing.T) {
	src := &blockingSource{started: make(chan struct{}), release: make(chan struct{})}
	pool, err := NewPool([]string{"tok-a"}, []Installation{{ID: "app", Source: src}})
	require.NoError(t, err)

	picked := make(chan *Credential, 1)
	go func() { picked <- pool.Next(context.Background()) }()
	<-src.started

	done := make(chan struct{})
	go func() {
		defer close(done)
		tokens := pool.Snapshot()
		pool.RecordUsage(pool.Current(), 10, 0, time.Time{})
		assert.Len(t, tokens, 2)
		_ = pool.EarliestReset()
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pool operations waited on a token refresh")
	}

	close(src.release)
	c := <-picked
	require.NotNil(t, c)
	assert.Equal(t, KindInstallation, c.Kind)
}

func TestPool_Snapshot(t *testing.T) {
	pool, err := NewPool([]string{"secret-token"}, nil)
	require.NoError(t, err)

	snap := pool.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "token:0", snap[0].ID)
	assert.Empty(t, snap[0].token, "snapshots must not leak token values")
}
