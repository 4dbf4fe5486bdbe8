// Package similarity scores how likely a conversational unit and a tracker
// work item describe the same problem.
package similarity

import (
	"strings"
	"unicode"
)

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true, "not": true,
	"you": true, "all": true, "any": true, "can": true, "had": true, "her": true,
	"was": true, "one": true, "our": true, "out": true, "has": true, "have": true,
	"been": true, "this": true, "that": true, "with": true, "from": true, "they": true,
	"will": true, "would": true, "there": true, "their": true, "what": true, "when": true,
	"which": true, "about": true, "into": true, "than": true, "then": true, "them": true,
	"these": true, "some": true, "could": true, "should": true, "does": true, "did": true,
	"doing": true, "its": true, "also": true, "just": true, "like": true, "get": true,
	"got": true, "how": true, "why": true, "who": true, "where": true, "here": true,
	"very": true, "too": true, "only": true, "over": true, "such": true, "your": true,
	"yours": true, "him": true, "his": true, "she": true, "were": true, "being": true,
	"each": true, "more": true, "most": true, "other": true, "again": true, "after": true,
	"before": true, "because": true, "while": true, "still": true, "anyone": true,
	"hey": true, "thanks": true, "please": true, "yes": true, "yeah": true, "now": true,
	"use": true, "using": true, "used": true, "way": true, "know": true, "think": true,
	"want": true, "need": true, "seems": true, "see": true, "make": true, "really": true,
}

// ExtractTokens lowercases text, splits it on anything that is not a letter
// or digit and returns the distinct tokens longer than two characters that
// are not stopwords, in first-seen order.
func ExtractTokens(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	seen := make(map[string]bool, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len([]rune(f)) <= 2 || stopwords[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}
