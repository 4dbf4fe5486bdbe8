package similarity

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/Veraticus/threadline/internal/embed"
	"github.com/Veraticus/threadline/internal/model"
)

// Score weights.
const (
	HybridCosineWeight  = 0.6
	HybridKeywordWeight = 0.3
	HybridBoostWeight   = 0.1
	KeywordOnlyWeight   = 0.9
	KeywordBoostWeight  = 0.1
)

// Candidate is a work item a unit may be matched against.
type Candidate struct {
	UpdatedAt time.Time
	ID        string
	Text      string
	// Context holds labels, paths and other short tags that boost a match.
	Context []string
}

// CandidateFromSignal builds a candidate from a tracker signal.
func CandidateFromSignal(s model.Signal) Candidate {
	return Candidate{
		ID:        s.ID,
		Text:      s.Text(),
		Context:   append([]string(nil), s.Labels...),
		UpdatedAt: s.LastActivity(),
	}
}

// Score is one unit/candidate comparison. Value is in [0, 1].
type Score struct {
	Method       model.MatchMethod
	MatchedTerms []string
	Value        float64
	Keyword      float64
	Cosine       float64
	Boost        float64
}

// Engine scores units against candidates. With a nil provider it scores on
// keywords only.
type Engine struct {
	provider embed.Provider
	logger   *slog.Logger
}

// NewEngine creates an engine. provider may be nil.
func NewEngine(provider embed.Provider) *Engine {
	return &Engine{
		provider: provider,
		logger:   slog.Default().With("component", "similarity"),
	}
}

// Score compares unitText with candidate. Embedding failures downgrade the
// comparison to keyword scoring; the only error returned is the context's.
func (e *Engine) Score(ctx context.Context, unitText string, candidate Candidate) (Score, error) {
	if err := ctx.Err(); err != nil {
		return Score{}, err
	}
	query := ExtractTokens(unitText)
	unitVec := e.embed(ctx, unitText)
	return e.score(ctx, query, unitVec, candidate), nil
}

// Rank scores every candidate for unit and returns the non-zero matches at
// or above minScore, best first. Ties go to the more recently updated
// candidate and then to the lower id.
func (e *Engine) Rank(ctx context.Context, unit model.Unit, candidates []Candidate, minScore float64) ([]model.Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	query := ExtractTokens(unit.Text)
	unitVec := e.embed(ctx, unit.Text)

	matches := make([]model.Match, 0, len(candidates))
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s := e.score(ctx, query, unitVec, c)
		if s.Value < minScore || s.Value == 0 {
			continue
		}
		matches = append(matches, model.Match{
			UnitID:          unit.ID,
			TargetID:        c.ID,
			TargetUpdatedAt: c.UpdatedAt,
			Score:           s.Value,
			MatchedTerms:    s.MatchedTerms,
			Method:          s.Method,
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.TargetUpdatedAt.Equal(b.TargetUpdatedAt) {
			return a.TargetUpdatedAt.After(b.TargetUpdatedAt)
		}
		return a.TargetID < b.TargetID
	})
	return matches, nil
}

func (e *Engine) score(ctx context.Context, query []string, unitVec []float32, c Candidate) Score {
	kw, terms := KeywordScore(query, c.Text)
	boost := ContextBoost(query, c.Context)

	s := Score{Keyword: kw, Boost: boost, MatchedTerms: terms, Method: model.MethodKeyword}

	if unitVec != nil {
		if candVec := e.embed(ctx, c.Text); candVec != nil {
			cos, err := embed.Cosine(unitVec, candVec)
			if err == nil {
				s.Cosine = math.Max(0, cos)
				s.Method = model.MethodHybrid
				s.Value = clamp(HybridCosineWeight*s.Cosine + HybridKeywordWeight*kw + HybridBoostWeight*boost)
				return s
			}
			e.logger.Warn("embedding comparison failed, using keyword score", "candidate", c.ID, "error", err)
		}
	}

	s.Value = clamp(KeywordOnlyWeight*kw + KeywordBoostWeight*boost)
	return s
}

// embed returns nil when no provider is configured or the call fails.
func (e *Engine) embed(ctx context.Context, text string) []float32 {
	if e.provider == nil || strings.TrimSpace(text) == "" {
		return nil
	}
	vec, err := e.provider.Embed(ctx, text)
	if err != nil {
		e.logger.Warn("embedding failed, using keyword score", "error", err)
		return nil
	}
	return vec
}

// KeywordScore averages per-token hits of query in text: 1 for an exact
// token, 0.5 for a substring of a longer word. It also returns the matched
// query tokens, sorted.
func KeywordScore(query []string, text string) (float64, []string) {
	if len(query) == 0 {
		return 0, nil
	}
	tokens := make(map[string]bool)
	for _, t := range ExtractTokens(text) {
		tokens[t] = true
	}
	lower := strings.ToLower(text)

	var total float64
	var matched []string
	for _, q := range query {
		switch {
		case tokens[q]:
			total += 1
			matched = append(matched, q)
		case strings.Contains(lower, q):
			total += 0.5
			matched = append(matched, q)
		}
	}
	sort.Strings(matched)
	return total / float64(len(query)), matched
}

// ContextBoost is the fraction of query tokens that appear among the
// candidate's context tags.
func ContextBoost(query, tags []string) float64 {
	if len(query) == 0 || len(tags) == 0 {
		return 0
	}
	found := make(map[string]bool)
	for _, tag := range tags {
		for _, t := range ExtractTokens(tag) {
			found[t] = true
		}
	}
	hits := 0
	for _, q := range query {
		if found[q] {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
