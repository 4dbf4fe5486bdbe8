package storage

import (
	"sort"

	"github.com/Veraticus/threadline/internal/model"
)

// OrganizeByThread partitions chat messages into threads keyed by thread id
// and the standalone messages that belong to none.
func OrganizeByThread(messages []model.Signal) (map[string]*model.Thread, []model.Signal) {
	grouped := make(map[string][]model.Signal)
	var standalone []model.Signal

	for _, m := range messages {
		if m.ThreadID == "" {
			standalone = append(standalone, m)
			continue
		}
		grouped[m.ThreadID] = append(grouped[m.ThreadID], m)
	}

	threads := make(map[string]*model.Thread, len(grouped))
	for id, msgs := range grouped {
		threads[id] = model.NewThread(id, msgs)
	}

	sort.SliceStable(standalone, func(i, j int) bool {
		if !standalone[i].CreatedAt.Equal(standalone[j].CreatedAt) {
			return standalone[i].CreatedAt.Before(standalone[j].CreatedAt)
		}
		return standalone[i].ID < standalone[j].ID
	})
	return threads, standalone
}

// BuildUnits returns the classification units for threads and standalone
// messages, oldest first.
func BuildUnits(threads map[string]*model.Thread, standalone []model.Signal) []model.Unit {
	units := make([]model.Unit, 0, len(threads)+len(standalone))
	for _, t := range threads {
		units = append(units, t.Unit())
	}
	for _, m := range standalone {
		t := model.NewThread(m.ID, []model.Signal{m})
		t.Standalone = true
		units = append(units, t.Unit())
	}
	SortUnitsOldestFirst(units)
	return units
}

// SortUnitsOldestFirst orders units by their oldest message, then id.
func SortUnitsOldestFirst(units []model.Unit) {
	sort.SliceStable(units, func(i, j int) bool {
		if !units[i].Oldest.Equal(units[j].Oldest) {
			return units[i].Oldest.Before(units[j].Oldest)
		}
		return units[i].ID < units[j].ID
	})
}
