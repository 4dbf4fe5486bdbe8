package source

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/time/rate"

	"github.com/Veraticus/threadline/internal/common"
	"github.com/Veraticus/threadline/internal/credentials"
	"github.com/Veraticus/threadline/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var baseTime = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

// fakeLister serves ids total..1 in pages, newest first. Overlap repeats the
// last id of the previous page at the start of the next one.
type fakeLister struct {
	skip    map[string]bool
	mu      sync.Mutex
	total   int
	overlap bool
	calls   int
}

func (l *fakeLister) ListPage(_ context.Context, req PageRequest) (*Page, error) {
	l.mu.Lock()
	l.calls++
	l.mu.Unlock()

	page := 1
	if req.Cursor != "" {
		page, _ = strconv.Atoi(req.Cursor)
	}
	start := (page - 1) * req.PerPage
	out := &Page{}
	if l.overlap && page > 1 {
		out.Entries = append(out.Entries, l.entry(l.total-start+1))
	}
	for i := start; i < start+req.PerPage && i < l.total; i++ {
		out.Entries = append(out.Entries, l.entry(l.total-i))
	}
	if start+req.PerPage < l.total {
		out.NextCursor = strconv.Itoa(page + 1)
	}
	return out, nil
}

func (l *fakeLister) entry(n int) ListEntry {
	id := strconv.Itoa(n)
	at := baseTime.Add(time.Duration(n) * time.Minute)
	return ListEntry{ID: id, CreatedAt: at, UpdatedAt: at, Skip: l.skip[id]}
}

// fakeDetailer answers detail calls. Behaviour per id or token is scripted
// through the maps; everything else succeeds.
type fakeDetailer struct {
	notFound    map[string]bool
	limitToken  map[string]bool
	serverFails map[string]int
	remaining   func(call int) RateLimit
	tokens      []string
	fetched     []string
	mu          sync.Mutex
	calls       int
}

func (d *fakeDetailer) GetItem(_ context.Context, token, id string) (model.Signal, RateLimit, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.tokens = append(d.tokens, token)

	if d.limitToken[token] {
		rl := RateLimit{Known: true, Remaining: 0, Limit: 5000, ResetAt: time.Now().Add(time.Hour)}
		return model.Signal{}, rl, &APIError{StatusCode: http.StatusTooManyRequests, RateLimit: rl}
	}
	if d.notFound[id] {
		return model.Signal{}, RateLimit{}, &APIError{StatusCode: http.StatusNotFound}
	}
	if d.serverFails[id] > 0 {
		d.serverFails[id]--
		return model.Signal{}, RateLimit{}, &APIError{StatusCode: http.StatusBadGateway}
	}

	var rl RateLimit
	if d.remaining != nil {
		rl = d.remaining(d.calls)
	}
	d.fetched = append(d.fetched, id)
	return model.Signal{Source: model.SourceTracker, ID: id, Title: "issue " + id, CreatedAt: baseTime}, rl, nil
}

func fastConfig(l Lister, d Detailer, pool *credentials.Pool) FetcherConfig {
	return FetcherConfig{
		Name:             "test",
		Lister:           l,
		Detailer:         d,
		Pool:             pool,
		RateLimitBackoff: time.Millisecond,
		Retry: common.RetryOptions{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2,
		},
	}
}

func newTestFetcher(t *testing.T, cfg FetcherConfig) *Fetcher {
	t.Helper()
	f, err := NewFetcher(cfg)
	require.NoError(t, err)
	return f
}

func entryIDs(entries []ListEntry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}

func TestNewFetcher_Defaults(t *testing.T) {
	_, err := NewFetcher(FetcherConfig{})
	require.ErrorIs(t, err, common.ErrInvalidConfig)

	anon := newTestFetcher(t, FetcherConfig{Lister: &fakeLister{}})
	assert.Equal(t, AnonymousBatchSize, anon.BatchSize())

	pool, err := credentials.NewPool([]string{"tok"}, nil)
	require.NoError(t, err)
	authed := newTestFetcher(t, FetcherConfig{Lister: &fakeLister{}, Pool: pool})
	assert.Equal(t, AuthenticatedBatchSize, authed.BatchSize())
}

func TestListIDs_TwoPagesDeduplicated(t *testing.T) {
	lister := &fakeLister{total: 150, overlap: true}
	f := newTestFetcher(t, fastConfig(lister, nil, nil))

	entries, err := f.ListIDs(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, 2, lister.calls, "a short second page ends pagination")
	assert.Len(t, entries, 150)

	seen := make(map[string]bool)
	for _, id := range entryIDs(entries) {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestListIDs_SkipAndCap(t *testing.T) {
	t.Run("skipped entries are dropped", func(t *testing.T) {
		lister := &fakeLister{total: 5, skip: map[string]bool{"4": true, "2": true}}
		f := newTestFetcher(t, fastConfig(lister, nil, nil))

		entries, err := f.ListIDs(context.Background(), nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"5", "3", "1"}, entryIDs(entries))
	})

	t.Run("result cap stops paging", func(t *testing.T) {
		lister := &fakeLister{total: 500}
		cfg := fastConfig(lister, nil, nil)
		cfg.PerPage = 50
		cfg.MaxResults = 120
		f := newTestFetcher(t, cfg)

		entries, err := f.ListIDs(context.Background(), nil)
		require.NoError(t, err)
		assert.Len(t, entries, 120)
		assert.Equal(t, 3, lister.calls)
	})
}

func TestFetchDetails_ResumeAndCheckpoint(t *testing.T) {
	detailer := &fakeDetailer{notFound: map[string]bool{"7": true}}
	f := newTestFetcher(t, fastConfig(&fakeLister{}, detailer, nil))

	var entries []ListEntry
	for i := 1; i <= 14; i++ {
		at := baseTime.Add(time.Duration(i) * time.Minute)
		entries = append(entries, ListEntry{ID: strconv.Itoa(i), CreatedAt: at, UpdatedAt: at})
	}
	inline := model.Signal{Source: model.SourceChat, ID: "chat-1", Body: "hello", CreatedAt: baseTime}
	entries = append(entries, ListEntry{ID: "chat-1", CreatedAt: baseTime, Signal: &inline})

	existing := map[string]model.Signal{
		// Fresh: skipped.
		"1": {ID: "1", CreatedAt: baseTime, UpdatedAt: baseTime.Add(time.Minute)},
		// Stale: listed UpdatedAt is newer, so it is fetched again.
		"2": {ID: "2", CreatedAt: baseTime},
	}

	var batches [][]model.Signal
	checkpoint := func(_ context.Context, batch []model.Signal) error {
		batches = append(batches, batch)
		return nil
	}

	got, err := f.FetchDetails(context.Background(), entries, existing, checkpoint)
	require.NoError(t, err)

	// 14 pending entries in anonymous batches of 5; id 7 is gone.
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 5)
	assert.Len(t, batches[1], 4)
	assert.Len(t, batches[2], 4)
	assert.Len(t, got, 13)

	assert.NotContains(t, detailer.fetched, "1")
	assert.Contains(t, detailer.fetched, "2")
	assert.NotContains(t, detailer.fetched, "chat-1", "inline signals need no detail call")
	assert.Equal(t, "chat-1", got[12].ID)
	assert.Equal(t, 13, detailer.calls)
}

func TestFetchDetails_CheckpointErrorStops(t *testing.T) {
	f := newTestFetcher(t, fastConfig(&fakeLister{}, &fakeDetailer{}, nil))
	entries := []ListEntry{{ID: "1"}, {ID: "2"}, {ID: "3"}, {ID: "4"}, {ID: "5"}, {ID: "6"}}

	calls := 0
	_, err := f.FetchDetails(context.Background(), entries, nil, func(context.Context, []model.Signal) error {
		calls++
		return errors.New("disk full")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "no batch starts after a failed checkpoint")
}

func TestFetchDetails_RotatesOnRateLimit(t *testing.T) {
	pool, err := credentials.NewPool([]string{"tok-a", "tok-b"}, nil)
	require.NoError(t, err)
	detailer := &fakeDetailer{limitToken: map[string]bool{"tok-a": true}}
	f := newTestFetcher(t, fastConfig(&fakeLister{}, detailer, pool))

	entries := []ListEntry{{ID: "1"}, {ID: "2"}, {ID: "3"}}
	got, err := f.FetchDetails(context.Background(), entries, nil, nil)
	require.NoError(t, err)
	assert.Len(t, got, 3)

	snap := pool.Snapshot()
	assert.Equal(t, 0, snap[0].Remaining, "rate limited token is marked exhausted")
	assert.Positive(t, snap[1].Remaining)
}

func TestFetchDetails_ExhaustedKeepsPartialResults(t *testing.T) {
	pool, err := credentials.NewPool([]string{"only"}, nil)
	require.NoError(t, err)
	reset := time.Now().Add(time.Hour).Truncate(time.Second)

	detailer := &fakeDetailer{remaining: func(call int) RateLimit {
		return RateLimit{Known: true, Remaining: max(0, 3-call), Limit: 5000, ResetAt: reset}
	}}
	cfg := fastConfig(&fakeLister{}, detailer, pool)
	cfg.BatchSize = 1
	f := newTestFetcher(t, cfg)

	var entries []ListEntry
	for i := 1; i <= 10; i++ {
		entries = append(entries, ListEntry{ID: strconv.Itoa(i)})
	}

	saved := 0
	got, err := f.FetchDetails(context.Background(), entries, nil, func(_ context.Context, batch []model.Signal) error {
		saved += len(batch)
		return nil
	})

	var exhausted *common.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.ErrorIs(t, err, common.ErrCredentialsExhausted)
	assert.Equal(t, reset, exhausted.ResetAt)
	assert.Equal(t, 3, exhausted.Completed)
	assert.Len(t, got, 3)
	assert.Equal(t, 3, saved, "everything fetched before exhaustion is checkpointed")
	assert.Nil(t, pool.Next(context.Background()))
}

func TestFetchDetails_AllCredentialsAlreadyExhausted(t *testing.T) {
	pool, err := credentials.NewPool([]string{"a", "b"}, nil)
	require.NoError(t, err)
	reset := time.Now().Add(30 * time.Minute)
	for range 2 {
		c := pool.Next(context.Background())
		require.NotNil(t, c)
		pool.RecordUsage(c, 0, 5000, reset)
	}
	require.Nil(t, pool.Next(context.Background()))

	detailer := &fakeDetailer{}
	f := newTestFetcher(t, fastConfig(&fakeLister{}, detailer, pool))

	got, err := f.FetchDetails(context.Background(), []ListEntry{{ID: "1"}, {ID: "2"}}, nil, nil)
	var exhausted *common.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.True(t, exhausted.ResetAt.Equal(reset))
	assert.Empty(t, got)
	assert.Zero(t, detailer.calls)
}

func TestFetchDetails_RetriesServerErrors(t *testing.T) {
	detailer := &fakeDetailer{serverFails: map[string]int{"1": 2, "2": 5}}
	f := newTestFetcher(t, fastConfig(&fakeLister{}, detailer, nil))

	got, err := f.FetchDetails(context.Background(), []ListEntry{{ID: "1"}, {ID: "2"}}, nil, nil)
	require.NoError(t, err, "items that keep failing are skipped, not fatal")
	require.Len(t, got, 1)
	assert.Equal(t, "1", got[0].ID)
}

func TestFetchDetails_AnonymousRateLimitBacksOff(t *testing.T) {
	detailer := &fakeDetailer{limitToken: map[string]bool{"": true}}
	f := newTestFetcher(t, fastConfig(&fakeLister{}, detailer, nil))

	_, err := f.FetchDetails(context.Background(), []ListEntry{{ID: "1"}}, nil, nil)
	var exhausted *common.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, DefaultRateLimitRetries, detailer.calls)
}

func TestFetchDetails_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := newTestFetcher(t, fastConfig(&fakeLister{}, &fakeDetailer{}, nil))
	got, err := f.FetchDetails(ctx, []ListEntry{{ID: "1"}}, nil, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, got)
}

func TestFetchDetails_LimiterPacesRequests(t *testing.T) {
	detailer := &fakeDetailer{}
	cfg := fastConfig(&fakeLister{}, detailer, nil)
	cfg.Limiter = rate.NewLimiter(rate.Every(20*time.Millisecond), 1)
	f := newTestFetcher(t, cfg)

	start := time.Now()
	got, err := f.FetchDetails(context.Background(), []ListEntry{{ID: "1"}, {ID: "2"}, {ID: "3"}}, nil, nil)
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}
