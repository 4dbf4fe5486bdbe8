package model

import "time"

// ClassificationStatus is the lifecycle state of a unit's classification.
type ClassificationStatus string

// Classification status constants.
const (
	StatusPending     ClassificationStatus = "pending"
	StatusClassifying ClassificationStatus = "classifying"
	StatusCompleted   ClassificationStatus = "completed"
	StatusFailed      ClassificationStatus = "failed"
)

// IsTerminal reports whether the status only changes through an explicit reset.
func (s ClassificationStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// MatchMethod records which scoring path produced a match.
type MatchMethod string

// Scoring methods.
const (
	MethodKeyword MatchMethod = "keyword"
	MethodHybrid  MatchMethod = "hybrid"
)

// Match is a (unit, target, score) triple produced by similarity scoring.
type Match struct {
	TargetUpdatedAt time.Time   `json:"target_updated_at,omitempty"`
	UnitID          string      `json:"unit_id"`
	TargetID        string      `json:"target_id"`
	Method          MatchMethod `json:"method,omitempty"`
	MatchedTerms    []string    `json:"matched_terms,omitempty"`
	Score           float64     `json:"score"`
}

// ClassificationRecord tracks one unit through the classification lifecycle.
type ClassificationRecord struct {
	UpdatedAt    time.Time            `json:"updated_at"`
	UnitID       string               `json:"unit_id"`
	Status       ClassificationStatus `json:"status"`
	LastError    string               `json:"last_error,omitempty"`
	MigratedFrom string               `json:"migrated_from,omitempty"`
	SupersededBy string               `json:"superseded_by,omitempty"`
	Matches      []Match              `json:"matches,omitempty"`
	Attempts     int                  `json:"attempts,omitempty"`
}

// BestMatch returns the highest-scoring match, if any. Matches are stored
// ranked, so this is the first entry.
func (r *ClassificationRecord) BestMatch() (Match, bool) {
	if r == nil || len(r.Matches) == 0 {
		return Match{}, false
	}
	return r.Matches[0], true
}
