package source

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/threadline/internal/common"
	"github.com/Veraticus/threadline/internal/credentials"
	"github.com/Veraticus/threadline/internal/storage"
)

func newGitHubSyncer(t *testing.T, srv *httptest.Server, pool *credentials.Pool, batchSize int) (*Syncer, *storage.SignalFileStore) {
	t.Helper()
	client := NewGitHubClient(srv.URL, "acme", "app", srv.Client())

	cfg := fastConfig(client, client, pool)
	cfg.Name = "github"
	cfg.BatchSize = batchSize
	fetcher := newTestFetcher(t, cfg)

	store, err := storage.NewSignalFileStore(filepath.Join(t.TempDir(), "signals-github.json"))
	require.NoError(t, err)
	return NewSyncer(fetcher, store), store
}

func TestSyncer_FirstSyncOf150Items(t *testing.T) {
	fake := &githubServer{t: t, total: 150}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	pool, err := credentials.NewPool([]string{"tok"}, nil)
	require.NoError(t, err)
	syncer, store := newGitHubSyncer(t, srv, pool, 0)

	report, err := syncer.Sync(context.Background(), SyncOptions{})
	require.NoError(t, err)
	require.NoError(t, report.Stopped)

	assert.Equal(t, 2, fake.listCalls, "150 items at 100 per page take exactly two list pages")
	assert.Equal(t, 150, fake.itemCalls)
	assert.Nil(t, report.Cursor, "an empty cache means a full listing")
	assert.Equal(t, 150, report.Listed)
	assert.Equal(t, 150, report.Fetched)
	assert.Equal(t, 150, report.Total)

	cache := store.Load()
	assert.Equal(t, 150, cache.TotalCount)
	assert.Equal(t, "150", cache.Items[0].ID)
	assert.Equal(t, "1", cache.Items[149].ID)
}

func TestSyncer_IncrementalResume(t *testing.T) {
	fake := &githubServer{t: t, total: 20}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	syncer, _ := newGitHubSyncer(t, srv, nil, 0)

	_, err := syncer.Sync(context.Background(), SyncOptions{})
	require.NoError(t, err)
	require.Equal(t, 20, fake.itemCalls)

	fake.mu.Lock()
	fake.total = 22
	fake.mu.Unlock()

	report, err := syncer.Sync(context.Background(), SyncOptions{})
	require.NoError(t, err)

	require.NotNil(t, report.Cursor)
	assert.Equal(t, baseTime.Add(20*time.Minute), report.Cursor.UTC())
	assert.Equal(t, "2026-05-01T12:20:00Z", fake.lastSince)
	assert.Equal(t, 2, report.Fetched, "only unseen items are fetched")
	assert.Equal(t, 22, fake.itemCalls)
	assert.Equal(t, 22, report.Total)

	full, err := syncer.Sync(context.Background(), SyncOptions{Full: true})
	require.NoError(t, err)
	assert.Nil(t, full.Cursor)
	assert.Equal(t, 0, full.Fetched, "a full listing still skips fresh cached items")
}

func TestSyncer_StopsWhenCredentialsExhausted(t *testing.T) {
	reset := time.Now().Add(time.Hour).Truncate(time.Second)
	// The list call leaves 5 requests; each detail call uses one more.
	fake := &githubServer{t: t, total: 20, resetAt: reset, remaining: func(calls int) int {
		return max(0, 6-calls)
	}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	pool, err := credentials.NewPool([]string{"tok"}, nil)
	require.NoError(t, err)
	syncer, store := newGitHubSyncer(t, srv, pool, 1)

	report, err := syncer.Sync(context.Background(), SyncOptions{})
	require.NoError(t, err, "exhaustion is reported, not returned as a failure")

	var exhausted *common.ExhaustedError
	require.ErrorAs(t, report.Stopped, &exhausted)
	assert.True(t, reset.Equal(exhausted.ResetAt), "reset time comes from the rate-limit headers")
	assert.Equal(t, 20, report.Listed)
	assert.Equal(t, 5, report.Fetched)
	assert.Equal(t, 5, report.Total)

	cache := store.Load()
	assert.Len(t, cache.Items, 5, "fetched items are persisted")
	assert.Nil(t, pool.Next(context.Background()))
}

func TestSyncer_ResumesAfterExhaustion(t *testing.T) {
	reset := time.Now().Add(time.Hour).Truncate(time.Second)
	fake := &githubServer{t: t, total: 20, resetAt: reset, remaining: func(calls int) int {
		return max(0, 6-calls)
	}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	pool, err := credentials.NewPool([]string{"tok"}, nil)
	require.NoError(t, err)
	syncer, store := newGitHubSyncer(t, srv, pool, 1)

	first, err := syncer.Sync(context.Background(), SyncOptions{})
	require.NoError(t, err)
	require.Error(t, first.Stopped)
	assert.Equal(t, 5, first.Total)
	assert.Equal(t, 15, first.Pending)

	cache := store.Load()
	require.NotNil(t, cache.SyncedUntil)
	assert.Equal(t, baseTime.Add(time.Minute), cache.SyncedUntil.UTC(), "the mark holds at the oldest unfetched item")

	// Quota is back for the next run.
	fake.mu.Lock()
	fake.remaining = nil
	fake.mu.Unlock()

	next, err := newSyncerOnStore(t, srv, store).Sync(context.Background(), SyncOptions{})
	require.NoError(t, err)
	require.NoError(t, next.Stopped)
	require.NotNil(t, next.Cursor)
	assert.Equal(t, "2026-05-01T12:01:00Z", fake.lastSince)
	assert.Equal(t, 15, next.Fetched)
	assert.Equal(t, 20, next.Total, "items missed by the stopped run are fetched")
	assert.Zero(t, next.Pending)

	cache = store.Load()
	require.NotNil(t, cache.SyncedUntil)
	assert.Equal(t, baseTime.Add(20*time.Minute), cache.SyncedUntil.UTC())
}

func TestSyncer_ListingStoppedKeepsMark(t *testing.T) {
	// Every response reports an empty quota, so listing stops after its
	// first page.
	fake := &githubServer{t: t, total: 30, resetAt: time.Now().Add(time.Hour), remaining: func(int) int { return 0 }}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	pool, err := credentials.NewPool([]string{"tok"}, nil)
	require.NoError(t, err)
	client := NewGitHubClient(srv.URL, "acme", "app", srv.Client())
	cfg := fastConfig(client, client, pool)
	cfg.PerPage = 10
	store, err := storage.NewSignalFileStore(filepath.Join(t.TempDir(), "signals-github.json"))
	require.NoError(t, err)

	report, err := NewSyncer(newTestFetcher(t, cfg), store).Sync(context.Background(), SyncOptions{})
	require.NoError(t, err)
	require.ErrorIs(t, report.Stopped, common.ErrCredentialsExhausted)
	assert.Equal(t, 10, report.Listed)
	assert.Nil(t, store.Load().SyncedUntil, "a partial listing never sets the mark")
}

func TestSyncer_LegacyCacheListsEverything(t *testing.T) {
	fake := &githubServer{t: t, total: 4}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	syncer, store := newGitHubSyncer(t, srv, nil, 0)
	_, err := syncer.Sync(context.Background(), SyncOptions{})
	require.NoError(t, err)

	// Caches written before the mark existed carry items but no mark.
	cache := store.Load()
	cache.SyncedUntil = nil
	require.NoError(t, store.Save(cache))

	report, err := syncer.Sync(context.Background(), SyncOptions{})
	require.NoError(t, err)
	assert.Nil(t, report.Cursor)
	assert.Empty(t, fake.lastSince)
	assert.Equal(t, 4, report.Listed)
	assert.Zero(t, report.Fetched)
	assert.NotNil(t, store.Load().SyncedUntil)
}

func newSyncerOnStore(t *testing.T, srv *httptest.Server, store *storage.SignalFileStore) *Syncer {
	t.Helper()
	client := NewGitHubClient(srv.URL, "acme", "app", srv.Client())
	pool, err := credentials.NewPool([]string{"tok"}, nil)
	require.NoError(t, err)

	cfg := fastConfig(client, client, pool)
	cfg.Name = "github"
	cfg.BatchSize = 1
	return NewSyncer(newTestFetcher(t, cfg), store)
}
