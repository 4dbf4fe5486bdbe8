package model

import "time"

// ExportStatus tracks hand-off of a group to the external tracker.
type ExportStatus string

// Export statuses.
const (
	ExportPending  ExportStatus = "pending"
	ExportExported ExportStatus = "exported"
)

// GroupMode names how a group was formed.
type GroupMode string

// Grouping modes.
const (
	GroupModeIssue    GroupMode = "issue"
	GroupModeSemantic GroupMode = "semantic"
)

// Priority is the tracker priority suggested for a group.
type Priority string

// Priorities from highest to lowest.
const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

var priorityRank = map[Priority]int{
	PriorityUrgent: 0,
	PriorityHigh:   1,
	PriorityMedium: 2,
	PriorityLow:    3,
}

// Higher reports whether p outranks other.
func (p Priority) Higher(other Priority) bool {
	return priorityRank[p] < priorityRank[other]
}

// Lower moves the priority one step down, stopping at low.
func (p Priority) Lower() Priority {
	switch p {
	case PriorityUrgent:
		return PriorityHigh
	case PriorityHigh:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Group is a deduplicated cluster of units, optionally anchored on a tracker
// work item, intended to become one exported issue.
type Group struct {
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
	SupersededAt       *time.Time   `json:"superseded_at,omitempty"`
	ID                 string       `json:"id"`
	Title              string       `json:"title"`
	Summary            string       `json:"summary,omitempty"`
	CanonicalUnitID    string       `json:"canonical_unit_id,omitempty"`
	FeatureBucket      string       `json:"feature_bucket,omitempty"`
	Mode               GroupMode    `json:"mode"`
	Priority           Priority     `json:"priority"`
	ExportStatus       ExportStatus `json:"export_status"`
	ExternalID         string       `json:"external_id,omitempty"`
	ExternalURL        string       `json:"external_url,omitempty"`
	ExternalIdentifier string       `json:"external_identifier,omitempty"`
	// SupersededBy names the group that took over this group's members
	// when a later run regrouped them.
	SupersededBy       string       `json:"superseded_by,omitempty"`
	UnitIDs            []string     `json:"unit_ids"`
	TargetIDs          []string     `json:"target_ids,omitempty"`
	AffectedFeatures   []string     `json:"affected_features,omitempty"`
	Labels             []string     `json:"labels,omitempty"`
	CrossCutting       bool         `json:"cross_cutting"`
}
