// Package engine drives classification runs and group building over the
// classification history.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Veraticus/threadline/internal/classification"
	"github.com/Veraticus/threadline/internal/common"
	"github.com/Veraticus/threadline/internal/embed"
	"github.com/Veraticus/threadline/internal/grouping"
	"github.com/Veraticus/threadline/internal/metrics"
	"github.com/Veraticus/threadline/internal/model"
	"github.com/Veraticus/threadline/internal/similarity"
)

// Engine runs classification batches against a history store and builds
// groups from the results.
type Engine struct {
	history  classification.HistoryStore
	ranker   Ranker
	groups   GroupStore
	embedder embed.Provider
	features grouping.FeatureMapper
	progress Progress
	config   Config
}

// Config holds configuration options for the engine.
type Config struct {
	// Embedder is required for semantic grouping only.
	Embedder embed.Provider
	Features grouping.FeatureMapper
	Progress Progress

	BatchSize   int
	FirstRunCap int
	MinScore    float64
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:   classification.DefaultBatchSize,
		FirstRunCap: classification.DefaultFirstRunCap,
	}
}

// New creates an engine with the default configuration.
func New(history classification.HistoryStore, ranker Ranker, groups GroupStore) *Engine {
	return NewWithConfig(history, ranker, groups, DefaultConfig())
}

// NewWithConfig creates an engine with custom configuration.
func NewWithConfig(history classification.HistoryStore, ranker Ranker, groups GroupStore, config Config) *Engine {
	if config.BatchSize <= 0 {
		config.BatchSize = classification.DefaultBatchSize
	}
	if config.FirstRunCap <= 0 {
		config.FirstRunCap = classification.DefaultFirstRunCap
	}
	progress := config.Progress
	if progress == nil {
		progress = noopProgress{}
	}
	return &Engine{
		history:  history,
		ranker:   ranker,
		groups:   groups,
		embedder: config.Embedder,
		features: config.Features,
		progress: progress,
		config:   config,
	}
}

// RunOptions controls one classification run.
type RunOptions struct {
	// Limit bounds runs after the first. Zero or negative means no bound.
	Limit int
	// MinScore overrides the configured minimum match score when positive.
	MinScore   float64
	All        bool
	ReClassify bool
}

// RunSummary contains statistics about a classification run.
type RunSummary struct {
	Stats          classification.Stats
	Selected       int
	Planned        int
	Completed      int
	Matched        int
	Failed         int
	Batches        int
	ProcessingTime time.Duration
	FirstRun       bool
}

// Run classifies the units that still need it. Work proceeds in sequential
// batches; the history is saved with the batch marked classifying before
// scoring starts and again with its outcomes once it finishes. Cancellation
// is honoured between batches, so a batch that has started always
// completes.
func (e *Engine) Run(ctx context.Context, units []model.Unit, candidates []similarity.Candidate, opts RunOptions) (*RunSummary, error) {
	start := time.Now()

	sm, err := classification.Open(e.history)
	if err != nil {
		return nil, fmt.Errorf("failed to open classification history: %w", err)
	}

	selected := sm.SelectUnprocessed(units, opts.ReClassify)
	planned := sm.Plan(selected, classification.PlanOptions{
		Limit:       opts.Limit,
		All:         opts.All,
		FirstRunCap: e.config.FirstRunCap,
	})

	summary := &RunSummary{
		Selected: len(selected),
		Planned:  len(planned),
		FirstRun: sm.FirstRun(),
	}

	minScore := e.config.MinScore
	if opts.MinScore > 0 {
		minScore = opts.MinScore
	}

	slog.Info("Starting classification run",
		"units", len(units),
		"selected", len(selected),
		"planned", len(planned),
		"candidates", len(candidates),
		"first_run", summary.FirstRun,
		"batch_size", e.config.BatchSize)

	// Migrations applied during selection are persisted even when there is
	// nothing to classify.
	if err := sm.Save(); err != nil {
		return summary, err
	}

	if len(planned) == 0 {
		summary.Stats = sm.Stats()
		summary.ProcessingTime = time.Since(start)
		slog.Info("No units to classify")
		return summary, nil
	}

	e.progress.Start(len(planned), "classifying")
	defer e.progress.Finish()

	for offset := 0; offset < len(planned); offset += e.config.BatchSize {
		if err := ctx.Err(); err != nil {
			summary.Stats = sm.Stats()
			summary.ProcessingTime = time.Since(start)
			return summary, err
		}

		batch := planned[offset:min(offset+e.config.BatchSize, len(planned))]
		if err := e.runBatch(ctx, sm, batch, candidates, minScore, summary); err != nil {
			summary.Stats = sm.Stats()
			summary.ProcessingTime = time.Since(start)
			return summary, err
		}
	}

	summary.Stats = sm.Stats()
	summary.ProcessingTime = time.Since(start)
	slog.Info("Classification run finished",
		"completed", summary.Completed,
		"matched", summary.Matched,
		"failed", summary.Failed,
		"batches", summary.Batches,
		"duration", summary.ProcessingTime.Round(time.Millisecond))
	return summary, nil
}

func (e *Engine) runBatch(ctx context.Context, sm *classification.StateMachine, batch []model.Unit, candidates []similarity.Candidate, minScore float64, summary *RunSummary) error {
	batchStart := time.Now()

	sm.MarkInProgress(batch...)
	if err := sm.Save(); err != nil {
		return err
	}

	// The batch runs to completion even if ctx is canceled meanwhile.
	batchCtx := context.WithoutCancel(ctx)
	for _, unit := range batch {
		matches, err := e.ranker.Rank(batchCtx, unit, candidates, minScore)
		if err != nil {
			slog.Warn("Failed to classify unit", "unit", unit.ID, "error", err)
			sm.MarkFailed(unit, fmt.Errorf("%w: %w", common.ErrClassificationFailed, err))
			summary.Failed++
		} else {
			sm.MarkCompleted(unit, matches)
			summary.Completed++
			if len(matches) > 0 {
				summary.Matched++
			}
		}
		e.progress.Add(1)
	}

	if err := sm.Save(); err != nil {
		return err
	}
	summary.Batches++
	metrics.ObserveBatch("classify", time.Since(batchStart))
	slog.Debug("Classified batch", "size", len(batch), "duration", time.Since(batchStart))
	return nil
}

// GetDisplay returns a JSON representation of the summary.
func (s *RunSummary) GetDisplay() string {
	if s.Planned == 0 {
		return `{"message":"No units to classify"}`
	}

	type summaryJSON struct {
		ProcessingTime string `json:"processing_time"`
		Selected       int    `json:"selected"`
		Planned        int    `json:"planned"`
		Completed      int    `json:"completed"`
		Matched        int    `json:"matched"`
		Failed         int    `json:"failed"`
		Batches        int    `json:"batches"`
		Pending        int    `json:"pending_total"`
		CompletedTotal int    `json:"completed_total"`
		FirstRun       bool   `json:"first_run"`
	}

	data := summaryJSON{
		Selected:       s.Selected,
		Planned:        s.Planned,
		Completed:      s.Completed,
		Matched:        s.Matched,
		Failed:         s.Failed,
		Batches:        s.Batches,
		Pending:        s.Stats.Pending,
		CompletedTotal: s.Stats.Completed,
		FirstRun:       s.FirstRun,
		ProcessingTime: s.ProcessingTime.Round(time.Millisecond).String(),
	}

	bytes, err := json.Marshal(data)
	if err != nil {
		return fmt.Sprintf(`{"error":"Failed to marshal summary: %v"}`, err)
	}
	return string(bytes)
}
