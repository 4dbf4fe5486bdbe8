package classification

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Veraticus/threadline/internal/metrics"
	"github.com/Veraticus/threadline/internal/model"
)

// Batch sizing defaults.
const (
	DefaultFirstRunCap = 200
	DefaultBatchSize   = 50
)

// PlanOptions sizes a run. Limit applies to every run after the first; the
// first run is always bounded by FirstRunCap.
type PlanOptions struct {
	Limit       int
	FirstRunCap int
	All         bool
}

// Stats counts records by status. Superseded records are counted separately
// and excluded from the status counts.
type Stats struct {
	Pending     int
	Classifying int
	Completed   int
	Failed      int
	Superseded  int
	Total       int
}

// StateMachine owns the classification history for one run. Records move
// pending → classifying → completed|failed; terminal records only return
// to pending through stale recovery at Open or an explicit Reset.
type StateMachine struct {
	store    HistoryStore
	history  *History
	logger   *slog.Logger
	now      func() time.Time
	mu       sync.Mutex
	firstRun bool
}

// Open loads the history and recovers records left failed or mid-flight by
// an earlier run, persisting the recovery before returning.
func Open(store HistoryStore) (*StateMachine, error) {
	h, err := store.Load()
	if err != nil {
		return nil, err
	}

	sm := &StateMachine{
		store:    store,
		history:  h,
		logger:   slog.Default().With("component", "classification"),
		now:      time.Now,
		firstRun: len(h.Units) == 0,
	}

	recovered := 0
	for _, rec := range h.Units {
		if rec.Status == model.StatusFailed || rec.Status == model.StatusClassifying {
			rec.Status = model.StatusPending
			recovered++
		}
	}
	if recovered > 0 {
		sm.logger.Info("recovered stale classifications", "count", recovered)
		if err := sm.Save(); err != nil {
			return nil, fmt.Errorf("persist stale recovery: %w", err)
		}
	}
	return sm, nil
}

// FirstRun reports whether the history was empty when opened.
func (sm *StateMachine) FirstRun() bool {
	return sm.firstRun
}

// SelectUnprocessed returns the units that still need classification:
// those without a record or whose record is pending. Completed and failed
// units are included only when reClassify is set.
//
// Units that absorbed a previously standalone message inherit that
// message's record first, so a thread that grew around an already
// classified message is not classified twice.
func (sm *StateMachine) SelectUnprocessed(units []model.Unit, reClassify bool) []model.Unit {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if migrated := sm.migrate(units); migrated > 0 {
		sm.logger.Info("migrated standalone records into threads", "count", migrated)
	}

	var out []model.Unit
	for _, u := range units {
		rec, ok := sm.history.Units[u.ID]
		switch {
		case !ok, rec.Status == model.StatusPending, rec.Status == model.StatusClassifying:
			out = append(out, u)
		case reClassify && rec.Status.IsTerminal():
			out = append(out, u)
		}
	}
	return out
}

// migrate copies standalone records onto the thread that now contains the
// message. The old record is marked superseded and kept.
func (sm *StateMachine) migrate(units []model.Unit) int {
	migrated := 0
	for _, u := range units {
		if _, ok := sm.history.Units[u.ID]; ok {
			continue
		}
		for _, msgID := range u.MessageIDs {
			if msgID == u.ID {
				continue
			}
			old, ok := sm.history.Units[msgID]
			if !ok || old.SupersededBy != "" {
				continue
			}

			rec := *old
			rec.UnitID = u.ID
			rec.MigratedFrom = msgID
			rec.SupersededBy = ""
			rec.UpdatedAt = sm.now().UTC()
			rec.Matches = make([]model.Match, len(old.Matches))
			for i, m := range old.Matches {
				m.UnitID = u.ID
				rec.Matches[i] = m
			}
			sm.history.Units[u.ID] = &rec
			old.SupersededBy = u.ID
			migrated++
			break
		}
	}
	return migrated
}

// Plan orders and bounds the selected units for this run. The first run
// works oldest-first up to opts.FirstRunCap so a backlog is drained in
// order; later runs take the newest units up to opts.Limit, or all of them
// when opts.All is set or the limit is not positive.
func (sm *StateMachine) Plan(units []model.Unit, opts PlanOptions) []model.Unit {
	out := append([]model.Unit(nil), units...)

	if sm.firstRun {
		sort.SliceStable(out, func(i, j int) bool {
			if !out[i].Oldest.Equal(out[j].Oldest) {
				return out[i].Oldest.Before(out[j].Oldest)
			}
			return out[i].ID < out[j].ID
		})
		limit := opts.FirstRunCap
		if limit <= 0 {
			limit = DefaultFirstRunCap
		}
		if len(out) > limit {
			out = out[:limit]
		}
		return out
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Newest.Equal(out[j].Newest) {
			return out[i].Newest.After(out[j].Newest)
		}
		return out[i].ID < out[j].ID
	})
	if !opts.All && opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}

func (sm *StateMachine) record(id string) *model.ClassificationRecord {
	rec, ok := sm.history.Units[id]
	if !ok {
		rec = &model.ClassificationRecord{UnitID: id, Status: model.StatusPending}
		sm.history.Units[id] = rec
	}
	return rec
}

// MarkInProgress moves units to classifying.
func (sm *StateMachine) MarkInProgress(units ...model.Unit) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	now := sm.now().UTC()
	for _, u := range units {
		rec := sm.record(u.ID)
		rec.Status = model.StatusClassifying
		rec.Attempts++
		rec.UpdatedAt = now
	}
}

// MarkCompleted stores the unit's ranked matches. An empty match list is a
// valid outcome.
func (sm *StateMachine) MarkCompleted(unit model.Unit, matches []model.Match) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	rec := sm.record(unit.ID)
	rec.Status = model.StatusCompleted
	rec.Matches = append([]model.Match(nil), matches...)
	rec.LastError = ""
	rec.UpdatedAt = sm.now().UTC()
	metrics.AddClassified(string(model.StatusCompleted), 1)
}

// MarkFailed records a failed attempt. The unit is retried on the next run.
func (sm *StateMachine) MarkFailed(unit model.Unit, err error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	rec := sm.record(unit.ID)
	rec.Status = model.StatusFailed
	if err != nil {
		rec.LastError = err.Error()
	}
	rec.UpdatedAt = sm.now().UTC()
	metrics.AddClassified(string(model.StatusFailed), 1)
}

// Save persists the history.
func (sm *StateMachine) Save() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.history.UpdatedAt = sm.now().UTC()
	if err := sm.store.Save(sm.history); err != nil {
		return fmt.Errorf("save classification history: %w", err)
	}
	return nil
}

// Reset returns terminal records to pending and clears their matches. With
// no ids every terminal record is reset. It returns the number of records
// changed; unknown ids are ignored.
func (sm *StateMachine) Reset(ids ...string) int {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	reset := func(rec *model.ClassificationRecord) bool {
		if !rec.Status.IsTerminal() || rec.SupersededBy != "" {
			return false
		}
		rec.Status = model.StatusPending
		rec.Matches = nil
		rec.LastError = ""
		rec.UpdatedAt = sm.now().UTC()
		return true
	}

	n := 0
	if len(ids) == 0 {
		for _, rec := range sm.history.Units {
			if reset(rec) {
				n++
			}
		}
		return n
	}
	for _, id := range ids {
		if rec, ok := sm.history.Units[id]; ok && reset(rec) {
			n++
		}
	}
	return n
}

// Stats counts records by status.
func (sm *StateMachine) Stats() Stats {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return StatsOf(sm.history)
}

// StatsOf counts the records of h without opening a state machine, so it
// performs no stale recovery.
func StatsOf(h *History) Stats {
	var s Stats
	if h == nil {
		return s
	}
	for _, rec := range h.Units {
		if rec.SupersededBy != "" {
			s.Superseded++
			continue
		}
		s.Total++
		switch rec.Status {
		case model.StatusPending:
			s.Pending++
		case model.StatusClassifying:
			s.Classifying++
		case model.StatusCompleted:
			s.Completed++
		case model.StatusFailed:
			s.Failed++
		}
	}
	return s
}

// Record returns a copy of the record for id.
func (sm *StateMachine) Record(id string) (model.ClassificationRecord, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	rec, ok := sm.history.Units[id]
	if !ok {
		return model.ClassificationRecord{}, false
	}
	return *rec, true
}

// Completed returns copies of every completed, non-superseded record,
// ordered by unit id.
func (sm *StateMachine) Completed() []model.ClassificationRecord {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	var out []model.ClassificationRecord
	for _, rec := range sm.history.Units {
		if rec.Status == model.StatusCompleted && rec.SupersededBy == "" {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UnitID < out[j].UnitID })
	return out
}
