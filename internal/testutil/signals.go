package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/Veraticus/threadline/internal/model"
	"github.com/Veraticus/threadline/internal/storage"
)

// BaseTime anchors fixture timestamps.
var BaseTime = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

// SignalBuilder assembles chat messages and work items for a test.
//
//	signals := testutil.NewSignalBuilder(t).
//		WithMessage("m1", "Export crashes on large files").
//		WithWorkItem("42", "Crash when exporting large files", "bug").
//		Build()
type SignalBuilder struct {
	t        *testing.T
	chat     []model.Signal
	tracker  []model.Signal
	nextTime time.Time
}

// Signals is the built fixture.
type Signals struct {
	Chat    []model.Signal
	Tracker []model.Signal
}

// NewSignalBuilder starts an empty fixture.
func NewSignalBuilder(t *testing.T) *SignalBuilder {
	t.Helper()
	return &SignalBuilder{t: t, nextTime: BaseTime}
}

func (b *SignalBuilder) tick() time.Time {
	at := b.nextTime
	b.nextTime = b.nextTime.Add(time.Hour)
	return at
}

// WithMessage adds a standalone chat message. Each message is an hour newer
// than the previous one.
func (b *SignalBuilder) WithMessage(id, body string) *SignalBuilder {
	return b.WithThreadMessage(id, "", body)
}

// WithThreadMessage adds a chat message belonging to threadID.
func (b *SignalBuilder) WithThreadMessage(id, threadID, body string) *SignalBuilder {
	b.chat = append(b.chat, model.Signal{
		Source:    model.SourceChat,
		ID:        id,
		ThreadID:  threadID,
		Body:      body,
		CreatedAt: b.tick(),
	})
	return b
}

// WithWorkItem adds a tracker work item.
func (b *SignalBuilder) WithWorkItem(id, title string, labels ...string) *SignalBuilder {
	b.tracker = append(b.tracker, model.Signal{
		Source:    model.SourceTracker,
		ID:        id,
		Title:     title,
		Labels:    labels,
		State:     "open",
		CreatedAt: b.tick(),
	})
	return b
}

// Build returns the fixture.
func (b *SignalBuilder) Build() Signals {
	return Signals{
		Chat:    append([]model.Signal(nil), b.chat...),
		Tracker: append([]model.Signal(nil), b.tracker...),
	}
}

// Units returns the classification units for the chat messages.
func (s Signals) Units() []model.Unit {
	threads, standalone := storage.OrganizeByThread(s.Chat)
	return storage.BuildUnits(threads, standalone)
}

// Targets returns the work items keyed by id.
func (s Signals) Targets() map[string]model.Signal {
	out := make(map[string]model.Signal, len(s.Tracker))
	for _, item := range s.Tracker {
		out[item.ID] = item
	}
	return out
}

// WriteCaches saves the fixture as signal cache files in dir, named the way
// the sync command names them.
func (s Signals) WriteCaches(t *testing.T, dir, chatCollection, trackerCollection string) {
	t.Helper()
	write := func(collection string, items []model.Signal) {
		store, err := storage.NewSignalFileStore(filepath.Join(dir, "signals-"+collection+".json"))
		if err != nil {
			t.Fatalf("failed to create signal store: %v", err)
		}
		if err := store.Save(&storage.SignalCache{Items: items}); err != nil {
			t.Fatalf("failed to write %s cache: %v", collection, err)
		}
	}
	write(chatCollection, s.Chat)
	write(trackerCollection, s.Tracker)
}
