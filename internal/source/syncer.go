package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Veraticus/threadline/internal/common"
	"github.com/Veraticus/threadline/internal/model"
	"github.com/Veraticus/threadline/internal/storage"
)

// SyncOptions controls one sync run.
type SyncOptions struct {
	// Full ignores the sync mark and lists everything.
	Full bool
}

// SyncReport summarises a sync run. Stopped is set when the run ended early
// with partial results, for example on credential exhaustion.
type SyncReport struct {
	Stopped error
	Cursor  *time.Time
	Listed  int
	Fetched int
	Skipped int
	// Pending counts listed items still missing from the cache; the next
	// run lists them again.
	Pending int
	Total   int
}

// Syncer keeps one collection's signal cache current.
type Syncer struct {
	fetcher *Fetcher
	store   *storage.SignalFileStore
	logger  *slog.Logger
	now     func() time.Time
}

// NewSyncer creates a syncer writing through store.
func NewSyncer(fetcher *Fetcher, store *storage.SignalFileStore) *Syncer {
	return &Syncer{
		fetcher: fetcher,
		store:   store,
		logger:  slog.Default().With("component", "syncer", "path", store.Path()),
		now:     time.Now,
	}
}

// Sync lists items active since the cache's sync mark, fetches the ones
// that are new or stale and merges them into the cache, rewriting the file
// after every batch. Credential exhaustion ends the run with a report whose
// Stopped field holds the *common.ExhaustedError; everything fetched up to
// that point is saved.
func (s *Syncer) Sync(ctx context.Context, opts SyncOptions) (*SyncReport, error) {
	cache := s.store.Load()
	report := &SyncReport{}

	if !opts.Full && cache.SyncedUntil != nil {
		since := *cache.SyncedUntil
		report.Cursor = &since
	}

	s.logger.Info("starting sync",
		"cached", len(cache.Items),
		"full", opts.Full || report.Cursor == nil)

	entries, err := s.fetcher.ListIDs(ctx, report.Cursor)
	report.Listed = len(entries)
	listedAll := err == nil && !s.fetcher.Capped(len(entries))
	if err != nil {
		if !errors.Is(err, common.ErrCredentialsExhausted) {
			return report, fmt.Errorf("list items: %w", err)
		}
		report.Stopped = err
	}

	existing := cache.Index()
	checkpoint := func(_ context.Context, batch []model.Signal) error {
		cache.Items = storage.Merge(cache.Items, batch)
		cache.FetchedAt = s.now()
		return s.store.Save(cache)
	}

	fetched, err := s.fetcher.FetchDetails(ctx, entries, existing, checkpoint)
	report.Fetched = len(fetched)
	report.Skipped = len(entries) - len(fetched)
	if err != nil {
		if !errors.Is(err, common.ErrCredentialsExhausted) {
			report.Total = len(cache.Items)
			return report, fmt.Errorf("fetch details: %w", err)
		}
		report.Stopped = err
	}

	if listedAll {
		cache.SyncedUntil = syncedUntil(cache, entries, report.Cursor)
	}
	report.Pending = pendingCount(cache, entries)

	cache.FetchedAt = s.now()
	if err := s.store.Save(cache); err != nil {
		return report, fmt.Errorf("save signal cache: %w", err)
	}
	report.Total = len(cache.Items)

	s.logger.Info("sync finished",
		"listed", report.Listed,
		"fetched", report.Fetched,
		"skipped", report.Skipped,
		"total", report.Total,
		"pending", report.Pending,
		"stopped", report.Stopped != nil)

	return report, nil
}

// syncedUntil computes the mark after a complete listing. Listed entries
// that are not yet cached at their listed activity hold the mark at the
// oldest of them so the next incremental listing returns them again. With
// everything settled the mark moves to the newest cached activity.
func syncedUntil(cache *storage.SignalCache, entries []ListEntry, previous *time.Time) *time.Time {
	index := cache.Index()

	var oldest time.Time
	for _, e := range entries {
		if settled(index, e) {
			continue
		}
		if t := e.LastActivity(); oldest.IsZero() || t.Before(oldest) {
			oldest = t
		}
	}
	if !oldest.IsZero() {
		return &oldest
	}

	latest, ok := storage.MostRecentUpdate(cache.Items)
	if !ok {
		return previous
	}
	if previous != nil && previous.After(latest) {
		latest = *previous
	}
	return &latest
}

func pendingCount(cache *storage.SignalCache, entries []ListEntry) int {
	index := cache.Index()
	n := 0
	for _, e := range entries {
		if !settled(index, e) {
			n++
		}
	}
	return n
}

func settled(index map[string]model.Signal, e ListEntry) bool {
	cached, ok := index[e.ID]
	return ok && !cached.LastActivity().Before(e.LastActivity())
}
