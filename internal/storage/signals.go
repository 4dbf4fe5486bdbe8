package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/google/renameio/v2"

	"github.com/Veraticus/threadline/internal/common"
	"github.com/Veraticus/threadline/internal/model"
)

// SignalCache is the persisted form of one synchronized collection.
type SignalCache struct {
	FetchedAt time.Time `json:"fetched_at"`
	// SyncedUntil is the activity time from which the next incremental
	// listing starts. Every item active before it is known to be cached. A
	// nil mark, as in caches written before it existed, means a full
	// listing.
	SyncedUntil *time.Time     `json:"synced_until,omitempty"`
	Items       []model.Signal `json:"items"`
	TotalCount  int            `json:"total_count"`
}

// Index returns the cached items keyed by id.
func (c *SignalCache) Index() map[string]model.Signal {
	out := make(map[string]model.Signal, len(c.Items))
	for _, s := range c.Items {
		out[s.ID] = s
	}
	return out
}

// SignalFileStore reads and rewrites one signal cache file. It assumes a
// single writer.
type SignalFileStore struct {
	logger *slog.Logger
	path   string
}

// NewSignalFileStore creates a store for path.
func NewSignalFileStore(path string) (*SignalFileStore, error) {
	if err := validateString(path, "path"); err != nil {
		return nil, err
	}
	return &SignalFileStore{
		path:   path,
		logger: slog.Default().With("component", "signal_store", "path", path),
	}, nil
}

// Path returns the cache file location.
func (s *SignalFileStore) Path() string {
	return s.path
}

// Load reads the cache. A missing file yields an empty cache. An unreadable
// or malformed file is logged and also yields an empty cache, which makes
// the next sync a full one.
func (s *SignalFileStore) Load() *SignalCache {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &SignalCache{}
	}
	if err != nil {
		s.logger.Warn("signal cache unreadable, starting empty", "error", err)
		return &SignalCache{}
	}

	var cache SignalCache
	if err := json.Unmarshal(data, &cache); err != nil {
		s.logger.Warn("signal cache corrupted, starting empty",
			"error", fmt.Errorf("%w: %w", common.ErrCacheCorrupted, err))
		return &SignalCache{}
	}
	cache.TotalCount = len(cache.Items)
	return &cache
}

// Save rewrites the whole cache file through a temp file and rename.
func (s *SignalFileStore) Save(cache *SignalCache) error {
	if cache == nil {
		return fmt.Errorf("%w: cache", ErrNilParameter)
	}
	cache.TotalCount = len(cache.Items)
	cache.FetchedAt = cache.FetchedAt.UTC()
	return writeJSONAtomic(s.path, cache)
}

// Merge combines existing and incoming signals by id, incoming entries
// replacing existing ones, sorted by descending id. Merging the same
// incoming set twice gives the same result as merging it once.
func Merge(existing, incoming []model.Signal) []model.Signal {
	byID := make(map[string]model.Signal, len(existing)+len(incoming))
	for _, s := range existing {
		byID[s.ID] = s
	}
	for _, s := range incoming {
		byID[s.ID] = s
	}

	out := make([]model.Signal, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return compareIDs(out[i].ID, out[j].ID) > 0
	})
	return out
}

// compareIDs orders numeric ids numerically and everything else lexically.
// Numeric ids sort before non-numeric ones.
func compareIDs(a, b string) int {
	na, errA := strconv.ParseUint(a, 10, 64)
	nb, errB := strconv.ParseUint(b, 10, 64)
	switch {
	case errA == nil && errB == nil:
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		}
	case errA == nil:
		return 1
	case errB == nil:
		return -1
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// MostRecentUpdate returns the latest of every item's creation and update
// time, and false for an empty set.
func MostRecentUpdate(items []model.Signal) (time.Time, bool) {
	var latest time.Time
	for _, s := range items {
		if t := s.LastActivity(); t.After(latest) {
			latest = t
		}
	}
	return latest, !latest.IsZero()
}

// writeJSONAtomic marshals v and replaces path with it.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	if err := renameio.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// WriteJSONFile atomically replaces path with the JSON encoding of v.
func WriteJSONFile(path string, v any) error {
	return writeJSONAtomic(path, v)
}
