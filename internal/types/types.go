// Package types defines the core data model shared by the migration engine
// and its connectors: source work item snapshots, transformed field sets,
// per-record migration results, and run-level progress.
package types

import (
	"time"
)

// WorkItem is an immutable snapshot of one source work item. It is produced
// by the source connector and only ever read by the migration core.
type WorkItem struct {
	// Core identification
	ObjectID    string // Source tracker's unique internal ID
	FormattedID string // Human-readable identifier (e.g., "US1234", "DE456")
	Type        string // Source work item type (e.g., "HierarchicalRequirement", "Defect")
	URL         string // Web URL to the item in the source tracker

	// Content
	Title       string
	Description string // Rich text / HTML as stored by the source
	Notes       string

	// Classification
	State    string   // Source workflow state (e.g., "Defined", "In-Progress", "Accepted")
	Priority string
	Tags     []string

	// Assignment
	Owner      string // Owner display name
	OwnerEmail string

	// Effort
	Estimate  float64 // Plan estimate (points)
	TaskHours float64 // Remaining task effort

	// Relationships
	ParentID    string   // ObjectID of the parent item, empty if none
	ChildIDs    []string // ObjectIDs of child items (tasks, child stories)
	TestCaseIDs []string // ObjectIDs of linked verification cases

	// Discussion and attachments
	Comments    []Comment
	Attachments []Attachment

	// Timestamps
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Comment is a single discussion entry on a source work item. Comments are
// migrated in chronological order to preserve discussion history.
type Comment struct {
	Author    string
	Text      string
	CreatedAt time.Time
}

// Attachment is a binary blob attached to a source work item. Content is
// fetched lazily by the source connector; ContentRef identifies it.
type Attachment struct {
	Name        string
	ContentType string
	Size        int64
	ContentRef  string // Connector-specific reference used to download the blob
}

// FieldSet is the transformed representation of a work item, partitioned by
// when the target platform will accept each field.
type FieldSet struct {
	// CreationFields are safe to send on the initial create call.
	CreationFields map[string]interface{}

	// PostFields must be applied after creation (historical dates, computed
	// fields, anything the target rejects on create).
	PostFields map[string]interface{}

	// TargetType is the mapped target work item type (e.g., "User Story").
	TargetType string

	// DesiredState is the mapped terminal workflow state the target record
	// should end up in. Creation always uses the platform's initial state;
	// the transition controller drives the record here afterward.
	DesiredState string
}

// Outcome classifies the result of migrating one source record.
type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomePatched Outcome = "patched"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// MigrationResult records the outcome of one migration attempt for one
// source record. Results are append-only; never mutated after creation.
type MigrationResult struct {
	SourceID    string    `json:"source_id"`
	FormattedID string    `json:"formatted_id,omitempty"`
	TargetID    string    `json:"target_id,omitempty"`
	Outcome     Outcome   `json:"outcome"`
	Reason      string    `json:"reason,omitempty"`       // Skip or failure reason, human-readable
	PatchedKeys []string  `json:"patched_keys,omitempty"` // Field names actually patched
	Timestamp   time.Time `json:"timestamp"`
}

// ProgressSnapshot is an immutable view of run progress, emitted after every
// completed item.
type ProgressSnapshot struct {
	Total      int `json:"total"`
	Processed  int `json:"processed"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
	BatchIndex int `json:"batch_index"`
}

// RunSummary is the final report for a migration run.
type RunSummary struct {
	RunID     string            `json:"run_id"`
	Started   time.Time         `json:"started"`
	Finished  time.Time         `json:"finished"`
	Progress  ProgressSnapshot  `json:"progress"`
	Results   []MigrationResult `json:"results"`
	Cancelled bool              `json:"cancelled"`
}

// FailedResults returns the subset of results with a failed outcome.
func (s *RunSummary) FailedResults() []MigrationResult {
	return s.filter(OutcomeFailed)
}

// SkippedResults returns the subset of results with a skipped outcome.
func (s *RunSummary) SkippedResults() []MigrationResult {
	return s.filter(OutcomeSkipped)
}

func (s *RunSummary) filter(o Outcome) []MigrationResult {
	var out []MigrationResult
	for _, r := range s.Results {
		if r.Outcome == o {
			out = append(out, r)
		}
	}
	return out
}
