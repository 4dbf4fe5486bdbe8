package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Veraticus/threadline/internal/classification"
	"github.com/Veraticus/threadline/internal/common"
	"github.com/Veraticus/threadline/internal/grouping"
	"github.com/Veraticus/threadline/internal/metrics"
	"github.com/Veraticus/threadline/internal/model"
)

// GroupOptions controls group building.
type GroupOptions struct {
	Mode model.GroupMode
	// MinSimilarity is the best-match score a unit needs to join a work
	// item's group in issue mode.
	MinSimilarity float64
	// Threshold is the cosine similarity that links two units in semantic
	// mode.
	Threshold float64
}

// Group builds groups in the requested mode, annotates them with priority
// and feature information and saves them. The returned groups carry the
// stored export status.
func (e *Engine) Group(ctx context.Context, units []model.Unit, targets map[string]model.Signal, opts GroupOptions) ([]model.Group, error) {
	start := time.Now()

	var groups []model.Group
	switch opts.Mode {
	case model.GroupModeIssue:
		sm, err := classification.Open(e.history)
		if err != nil {
			return nil, fmt.Errorf("failed to open classification history: %w", err)
		}
		groups = grouping.GroupByIssue(sm.Completed(), targets, opts.MinSimilarity)

	case model.GroupModeSemantic:
		if e.embedder == nil {
			return nil, common.NewUserError("semantic grouping needs an embedding endpoint",
				fmt.Errorf("%w: embedding.endpoint", common.ErrMissingConfig))
		}
		vectors, err := e.embedUnits(ctx, units)
		if err != nil {
			return nil, err
		}
		groups = grouping.GroupSemantic(units, vectors, opts.Threshold)

	default:
		return nil, fmt.Errorf("%w: unknown group mode %q", common.ErrInvalidConfig, opts.Mode)
	}

	byID := make(map[string]model.Unit, len(units))
	for _, u := range units {
		byID[u.ID] = u
	}
	grouping.NewAnnotator(e.features).Annotate(groups, byID, targets)

	if e.groups != nil {
		if _, err := e.groups.ReplaceGroups(ctx, opts.Mode, groups); err != nil {
			return nil, fmt.Errorf("failed to save groups: %w", err)
		}
	}
	metrics.SetGroups(string(opts.Mode), len(groups))
	metrics.ObserveBatch("group", time.Since(start))

	slog.Info("Built groups",
		"mode", opts.Mode,
		"groups", len(groups),
		"units", len(units),
		"duration", time.Since(start).Round(time.Millisecond))
	return groups, nil
}

// embedUnits embeds every unit. Units whose embedding fails are left out of
// semantic grouping; only cancellation aborts.
func (e *Engine) embedUnits(ctx context.Context, units []model.Unit) (map[string][]float32, error) {
	vectors := make(map[string][]float32, len(units))

	e.progress.Start(len(units), "embedding")
	defer e.progress.Finish()

	for _, u := range units {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vec, err := e.embedder.Embed(ctx, u.Text)
		e.progress.Add(1)
		if err != nil {
			slog.Warn("Failed to embed unit, leaving it out of semantic groups", "unit", u.ID, "error", err)
			continue
		}
		vectors[u.ID] = vec
	}
	return vectors, nil
}
