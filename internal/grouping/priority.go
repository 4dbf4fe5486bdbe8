package grouping

import (
	"slices"
	"strings"

	"github.com/Veraticus/threadline/internal/model"
	"github.com/Veraticus/threadline/internal/similarity"
)

// PriorityInput is what priority rules look at.
type PriorityInput struct {
	// Text is the group's title and member texts.
	Text   string
	Labels []string
	Size   int
}

// mentions reports whether the text uses any of the terms. Multi-word
// phrases match anywhere in the lowercased text; single words match the
// start of a token, so "bug" finds "bugs" but not "debug".
func (in PriorityInput) mentions(terms ...string) bool {
	lower := strings.ToLower(in.Text)
	var tokens []string
	for _, term := range terms {
		if strings.Contains(term, " ") {
			if strings.Contains(lower, term) {
				return true
			}
			continue
		}
		if tokens == nil {
			tokens = similarity.ExtractTokens(lower)
		}
		for _, tok := range tokens {
			if strings.HasPrefix(tok, term) {
				return true
			}
		}
	}
	return false
}

func (in PriorityInput) labeled(names ...string) bool {
	for _, l := range in.Labels {
		if slices.Contains(names, strings.ToLower(l)) {
			return true
		}
	}
	return false
}

// PriorityRule adjusts a priority when Match holds.
type PriorityRule struct {
	Match func(PriorityInput) bool
	Apply func(model.Priority) model.Priority
	Name  string
}

func atLeast(floor model.Priority) func(model.Priority) model.Priority {
	return func(p model.Priority) model.Priority {
		if floor.Higher(p) {
			return floor
		}
		return p
	}
}

// UrgentOverride forces urgent whenever a group is explicitly flagged.
var UrgentOverride = PriorityRule{
	Name: "urgent_override",
	Match: func(in PriorityInput) bool {
		return in.labeled("urgent", "critical", "p0") ||
			in.mentions("urgent", "outage", "data loss", "production down", "asap")
	},
	Apply: func(model.Priority) model.Priority { return model.PriorityUrgent },
}

func securityIssue(in PriorityInput) bool {
	return in.labeled("security") ||
		in.mentions("security", "vulnerab", "xss", "csrf", "injection", "cve", "exploit", "leaked token", "privilege escalation")
}

// DefaultPriorityRules are the category rules applied in order after the
// urgent override.
var DefaultPriorityRules = []PriorityRule{
	{
		Name:  "security",
		Match: securityIssue,
		Apply: atLeast(model.PriorityUrgent),
	},
	{
		Name: "regression",
		Match: func(in PriorityInput) bool {
			return in.labeled("regression") ||
				in.mentions("regression", "used to work", "worked before", "stopped working", "since updating", "after upgrading")
		},
		Apply: atLeast(model.PriorityHigh),
	},
	{
		Name: "bug",
		Match: func(in PriorityInput) bool {
			return in.labeled("bug") ||
				in.mentions("bug", "crash", "broken", "exception", "error", "fails", "failing")
		},
		Apply: atLeast(model.PriorityHigh),
	},
	{
		Name:  "size",
		Match: func(in PriorityInput) bool { return in.Size >= 3 },
		Apply: atLeast(model.PriorityHigh),
	},
	{
		// Security reports phrased as requests keep their priority.
		Name: "feature_request",
		Match: func(in PriorityInput) bool {
			if securityIssue(in) {
				return false
			}
			return in.labeled("enhancement", "feature", "feature request") ||
				in.mentions("feature request", "would be nice", "would be great", "add support", "please add", "wish")
		},
		Apply: model.Priority.Lower,
	},
}

// Prioritize starts from medium and applies every matching rule in order.
// When the override matches, it is re-applied after each rule so no later
// rule can lower an urgent group.
func Prioritize(in PriorityInput, override PriorityRule, rules []PriorityRule) model.Priority {
	p := model.PriorityMedium
	forced := override.Match != nil && override.Match(in)
	if forced {
		p = override.Apply(p)
	}
	for _, r := range rules {
		if !r.Match(in) {
			continue
		}
		p = r.Apply(p)
		if forced {
			p = override.Apply(p)
		}
	}
	return p
}
