// Package grouping unions correlated units into deduplicated groups and
// annotates them with priority and cross-cutting feature information.
package grouping

import (
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/Veraticus/threadline/internal/embed"
	"github.com/Veraticus/threadline/internal/model"
)

var groupNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("threadline:groups"))

// GroupID derives a stable id from the grouping mode and the group's anchor,
// so grouping the same data again yields the same ids.
func GroupID(mode model.GroupMode, anchor string) string {
	return uuid.NewSHA1(groupNamespace, []byte(string(mode)+":"+anchor)).String()
}

const targetKeyPrefix = "target:"

// GroupByIssue groups units by the work item of their best match. Only
// matches scoring at least minSimilarity count; units without one belong
// to no group. Each group is anchored on its target and titled from it.
func GroupByIssue(records []model.ClassificationRecord, targets map[string]model.Signal, minSimilarity float64) []model.Group {
	uf := newUnionFind()
	best := make(map[string]model.Match)
	for _, rec := range records {
		m, ok := rec.BestMatch()
		if !ok || m.Score < minSimilarity {
			continue
		}
		best[rec.UnitID] = m
		uf.union(targetKeyPrefix+m.TargetID, rec.UnitID)
	}

	var groups []model.Group
	for _, members := range uf.components() {
		var targetIDs, unitIDs []string
		for _, k := range members {
			if id, ok := strings.CutPrefix(k, targetKeyPrefix); ok {
				targetIDs = append(targetIDs, id)
			} else {
				unitIDs = append(unitIDs, k)
			}
		}
		if len(targetIDs) == 0 || len(unitIDs) == 0 {
			continue
		}

		g := model.Group{
			ID:              GroupID(model.GroupModeIssue, targetIDs[0]),
			Mode:            model.GroupModeIssue,
			UnitIDs:         unitIDs,
			TargetIDs:       targetIDs,
			CanonicalUnitID: strongestMember(unitIDs, best),
			Priority:        model.PriorityMedium,
			ExportStatus:    model.ExportPending,
		}
		if t, ok := targets[targetIDs[0]]; ok {
			g.Title = t.Title
			g.Summary = summarize(t.Body)
			g.Labels = append([]string(nil), t.Labels...)
		}
		if g.Title == "" {
			g.Title = "Work item " + targetIDs[0]
		}
		groups = append(groups, g)
	}
	return groups
}

// strongestMember picks the unit with the highest best-match score, ties
// going to the lower id.
func strongestMember(unitIDs []string, best map[string]model.Match) string {
	out := unitIDs[0]
	for _, id := range unitIDs[1:] {
		if best[id].Score > best[out].Score {
			out = id
		}
	}
	return out
}

// GroupSemantic unions units whose embeddings have cosine similarity of at
// least threshold. Clusters of two or more units become groups, anchored on
// the member most similar on average to the rest; ties go to the oldest
// member and then to the lower id. Units without a vector are ignored.
func GroupSemantic(units []model.Unit, vectors map[string][]float32, threshold float64) []model.Group {
	byID := make(map[string]model.Unit, len(units))
	var ids []string
	for _, u := range units {
		if _, ok := vectors[u.ID]; !ok {
			continue
		}
		if _, dup := byID[u.ID]; dup {
			continue
		}
		byID[u.ID] = u
		ids = append(ids, u.ID)
	}
	sort.Strings(ids)

	sims := make(map[[2]string]float64)
	uf := newUnionFind()
	for i, a := range ids {
		uf.add(a)
		for _, b := range ids[i+1:] {
			sim, err := embed.Cosine(vectors[a], vectors[b])
			if err != nil {
				continue
			}
			sims[[2]string{a, b}] = sim
			if sim >= threshold {
				uf.union(a, b)
			}
		}
	}

	similarity := func(a, b string) float64 {
		if a > b {
			a, b = b, a
		}
		return sims[[2]string{a, b}]
	}

	var groups []model.Group
	for _, members := range uf.components() {
		if len(members) < 2 {
			continue
		}

		canonical, bestMean := "", -2.0
		for _, m := range members {
			var total float64
			for _, other := range members {
				if other != m {
					total += similarity(m, other)
				}
			}
			mean := total / float64(len(members)-1)
			switch {
			case canonical == "" || mean > bestMean:
				canonical, bestMean = m, mean
			case mean == bestMean && byID[m].Oldest.Before(byID[canonical].Oldest):
				canonical = m
			}
		}

		anchor := byID[canonical]
		title := anchor.Title
		if title == "" {
			title = firstLine(anchor.Text)
		}
		groups = append(groups, model.Group{
			ID:              GroupID(model.GroupModeSemantic, canonical),
			Mode:            model.GroupModeSemantic,
			Title:           title,
			Summary:         summarize(anchor.Text),
			UnitIDs:         members,
			CanonicalUnitID: canonical,
			Priority:        model.PriorityMedium,
			ExportStatus:    model.ExportPending,
		})
	}
	return groups
}

// Annotator fills in priority and cross-cutting fields.
type Annotator struct {
	Features FeatureMapper
	Override PriorityRule
	Rules    []PriorityRule
}

// NewAnnotator creates an annotator with the default priority rules.
// features may be nil, in which case no group is cross-cutting.
func NewAnnotator(features FeatureMapper) *Annotator {
	return &Annotator{
		Features: features,
		Override: UrgentOverride,
		Rules:    DefaultPriorityRules,
	}
}

// Annotate updates groups in place. units and targets supply the text the
// rules and the feature mapper look at; missing entries are skipped.
func (a *Annotator) Annotate(groups []model.Group, units map[string]model.Unit, targets map[string]model.Signal) {
	for i := range groups {
		g := &groups[i]

		var text strings.Builder
		text.WriteString(g.Title)
		labels := append([]string(nil), g.Labels...)
		for _, id := range g.TargetIDs {
			if t, ok := targets[id]; ok {
				text.WriteString("\n" + t.Text())
				labels = append(labels, t.Labels...)
			}
		}

		features := make(map[string]bool)
		for _, id := range g.UnitIDs {
			u, ok := units[id]
			if !ok {
				continue
			}
			text.WriteString("\n" + u.Text)
			if a.Features != nil {
				for _, f := range a.Features.Features(u) {
					features[f] = true
				}
			}
		}

		g.AffectedFeatures = g.AffectedFeatures[:0]
		for f := range features {
			g.AffectedFeatures = append(g.AffectedFeatures, f)
		}
		sort.Strings(g.AffectedFeatures)
		if len(g.AffectedFeatures) == 0 {
			g.AffectedFeatures = nil
		}

		g.CrossCutting = len(g.AffectedFeatures) > 1
		g.FeatureBucket = ""
		if len(g.AffectedFeatures) == 1 {
			g.FeatureBucket = g.AffectedFeatures[0]
		}

		g.Priority = Prioritize(PriorityInput{
			Text:   text.String(),
			Labels: labels,
			Size:   len(g.UnitIDs),
		}, a.Override, a.Rules)
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return truncate(s, 100)
}

func summarize(s string) string {
	return truncate(strings.Join(strings.Fields(s), " "), 280)
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-1]) + "…"
}
