// Package connector defines the collaborator interfaces the migration core
// drives. Each side of the migration (source tracker, target tracker) is a
// plugin behind one of these interfaces; the core never sees URLs, auth, or
// wire formats.
package connector

import (
	"context"

	"github.com/workshift/workshift/internal/types"
)

// LinkKind identifies the relation type created between two target records.
type LinkKind string

const (
	LinkParent  LinkKind = "parent"  // child -> parent hierarchy link
	LinkChild   LinkKind = "child"   // parent -> child hierarchy link
	LinkRelated LinkKind = "related" // loose association
	LinkTests   LinkKind = "tests"   // verification case -> tested record
)

// SourceFilter narrows which records FetchAllRecordIDs returns.
type SourceFilter struct {
	// Types limits results to the given source work item types (empty = all).
	Types []string
	// State filters by workflow state: "open", "closed", or "" for all.
	State string
	// Query is a connector-specific raw query appended to the filter.
	Query string
}

// Source reads work items from the originating tracker. Implementations
// must never be mutated by the core; a fetched WorkItem is a snapshot.
type Source interface {
	// Name returns the lowercase identifier for this connector (e.g., "rally").
	Name() string

	// Validate checks that the connector is configured and can connect.
	Validate(ctx context.Context) error

	// FetchAllRecordIDs returns the ObjectIDs of all records matching the filter.
	FetchAllRecordIDs(ctx context.Context, filter SourceFilter) ([]string, error)

	// FetchRecord retrieves a single record by ObjectID.
	// Returns nil, nil if the record doesn't exist.
	FetchRecord(ctx context.Context, objectID string) (*types.WorkItem, error)

	// DownloadAttachment fetches the binary content behind an attachment ref.
	DownloadAttachment(ctx context.Context, ref string) ([]byte, error)
}

// TargetRecord is a reference to an existing record in the target tracker,
// including its current field values for reconciliation.
type TargetRecord struct {
	ID     string
	Fields map[string]interface{}
}

// Target writes records to the destination tracker. All methods are network
// operations; the core treats every call as "it succeeds or fails" and owns
// retry policy itself.
type Target interface {
	// Name returns the lowercase identifier for this connector (e.g., "azuredevops").
	Name() string

	// Validate checks that the connector is configured and can connect.
	Validate(ctx context.Context) error

	// QueryByTag finds records whose tag list contains the given value.
	QueryByTag(ctx context.Context, tag string) ([]TargetRecord, error)

	// QueryTitleContains finds records whose title contains the substring,
	// optionally restricted to one work item type ("" = any).
	QueryTitleContains(ctx context.Context, substr, recordType string) ([]TargetRecord, error)

	// GetRecord retrieves a record's current field values by id.
	// Returns nil, nil if the record doesn't exist.
	GetRecord(ctx context.Context, id string) (*TargetRecord, error)

	// CreateRecord creates a record of the given type and returns its id.
	// The platform assigns its mandatory initial workflow state; callers use
	// the workflow controller afterward to reach the desired state.
	CreateRecord(ctx context.Context, recordType string, fields map[string]interface{}) (string, error)

	// PatchFields applies the given field values to an existing record.
	PatchFields(ctx context.Context, id string, fields map[string]interface{}) error

	// LinkRecords creates a typed relation between two records.
	LinkRecords(ctx context.Context, fromID, toID string, kind LinkKind) error

	// UploadAttachment stores a blob against a record and returns its URL.
	UploadAttachment(ctx context.Context, id, name string, content []byte) (string, error)

	// AddComment appends a discussion comment to a record.
	AddComment(ctx context.Context, id, text string) error
}
