// Package classification tracks which units have been classified so that
// repeated runs only process new or previously failed work.
package classification

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/Veraticus/threadline/internal/common"
	"github.com/Veraticus/threadline/internal/model"
	"github.com/Veraticus/threadline/internal/storage"
)

// DefaultHistoryFile is the history file name inside the data directory.
const DefaultHistoryFile = "classification-history.json"

// History is the persisted classification state, keyed by unit id.
type History struct {
	UpdatedAt time.Time                              `json:"updated_at"`
	Units     map[string]*model.ClassificationRecord `json:"units"`
}

func newHistory() *History {
	return &History{Units: make(map[string]*model.ClassificationRecord)}
}

// HistoryStore loads and persists a History.
type HistoryStore interface {
	Load() (*History, error)
	Save(h *History) error
}

// FileHistoryStore keeps the history in a single JSON file, rewritten in
// full on every save.
type FileHistoryStore struct {
	logger *slog.Logger
	path   string
}

// NewFileHistoryStore creates a store for path.
func NewFileHistoryStore(path string) (*FileHistoryStore, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: history path", common.ErrMissingConfig)
	}
	return &FileHistoryStore{
		path:   path,
		logger: slog.Default().With("component", "classification_history", "path", path),
	}, nil
}

// Path returns the history file location.
func (s *FileHistoryStore) Path() string {
	return s.path
}

// Load reads the history. A missing file is an empty history. A corrupted
// file is moved aside and replaced by an empty history so the run can
// proceed; every unit is then classified again.
func (s *FileHistoryStore) Load() (*History, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return newHistory(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read classification history: %w", err)
	}

	h := newHistory()
	if err := json.Unmarshal(data, h); err != nil {
		aside := s.path + ".corrupt"
		if renameErr := os.Rename(s.path, aside); renameErr != nil {
			s.logger.Warn("could not move corrupted history aside", "error", renameErr)
		}
		s.logger.Warn("classification history corrupted, starting empty",
			"error", fmt.Errorf("%w: %w", common.ErrCacheCorrupted, err),
			"moved_to", aside)
		return newHistory(), nil
	}
	if h.Units == nil {
		h.Units = make(map[string]*model.ClassificationRecord)
	}
	for id, rec := range h.Units {
		if rec == nil {
			delete(h.Units, id)
			continue
		}
		if rec.UnitID == "" {
			rec.UnitID = id
		}
	}
	return h, nil
}

// Save atomically rewrites the history file.
func (s *FileHistoryStore) Save(h *History) error {
	if h == nil {
		return fmt.Errorf("%w: history", storage.ErrNilParameter)
	}
	return storage.WriteJSONFile(s.path, h)
}
