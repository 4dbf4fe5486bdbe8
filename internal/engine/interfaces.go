package engine

import (
	"context"

	"github.com/Veraticus/threadline/internal/model"
	"github.com/Veraticus/threadline/internal/similarity"
)

// Ranker scores a unit against candidate work items.
type Ranker interface {
	Rank(ctx context.Context, unit model.Unit, candidates []similarity.Candidate, minScore float64) ([]model.Match, error)
}

// GroupStore persists the groups of one grouping run, superseding the
// groups an earlier run of the same mode produced.
type GroupStore interface {
	ReplaceGroups(ctx context.Context, mode model.GroupMode, groups []model.Group) (int, error)
}

// Progress receives progress updates for long-running work.
type Progress interface {
	Start(total int, description string)
	Add(n int)
	Finish()
}

type noopProgress struct{}

func (noopProgress) Start(int, string) {}
func (noopProgress) Add(int)           {}
func (noopProgress) Finish()           {}
