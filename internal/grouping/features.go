package grouping

import (
	"sort"
	"strings"
	"unicode"

	"github.com/Veraticus/threadline/internal/model"
)

// FeatureMapper names the product features a unit touches.
type FeatureMapper interface {
	Features(unit model.Unit) []string
}

// KeywordFeatureMapper maps a unit to every feature one of whose keywords
// occurs in the unit text. Single-word keywords match whole tokens;
// phrases match as substrings.
type KeywordFeatureMapper struct {
	tokens  map[string][]string
	phrases map[string][]string
}

// NewKeywordFeatureMapper builds a mapper from feature id to keywords.
func NewKeywordFeatureMapper(features map[string][]string) *KeywordFeatureMapper {
	m := &KeywordFeatureMapper{
		tokens:  make(map[string][]string),
		phrases: make(map[string][]string),
	}
	for feature, keywords := range features {
		for _, kw := range keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			switch {
			case kw == "":
			case strings.ContainsAny(kw, " -/"):
				m.phrases[feature] = append(m.phrases[feature], kw)
			default:
				m.tokens[kw] = append(m.tokens[kw], feature)
			}
		}
	}
	return m
}

// Features returns the matched feature ids, sorted.
func (m *KeywordFeatureMapper) Features(unit model.Unit) []string {
	lower := strings.ToLower(unit.Title + "\n" + unit.Text)
	found := make(map[string]bool)

	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		for _, f := range m.tokens[w] {
			found[f] = true
		}
	}
	for feature, phrases := range m.phrases {
		for _, p := range phrases {
			if strings.Contains(lower, p) {
				found[feature] = true
				break
			}
		}
	}

	out := make([]string, 0, len(found))
	for f := range found {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
