// Package hierarchy replicates source-side relationships in the target
// tracker: parents, children, and linked verification cases. Related
// records are created on demand, depth-first for parents (a parent must
// exist before its child is linked), with the shared cross-reference map
// consulted and claimed before any creation so diamond-shaped or cyclic
// hierarchies never produce duplicates — even across concurrently running
// sibling branches.
package hierarchy

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/workshift/workshift/internal/connector"
	"github.com/workshift/workshift/internal/types"
	"github.com/workshift/workshift/internal/xref"
)

// DefaultMaxDepth caps recursion through malformed or hostile hierarchies.
const DefaultMaxDepth = 32

// DefaultClaimWait bounds how long a traversal waits for another branch's
// claimed creation to settle. The per-traversal visited set cannot see
// claims held by other traversals, so two traversals entering a malformed
// parent cycle from opposite ends would otherwise wait on each other
// forever; after the timeout the waiter proceeds without the relationship.
const DefaultClaimWait = 2 * time.Minute

// CreateFunc creates a target record for one source item (transform,
// create, workflow transition) without processing its relationships; the
// migrator owns relationship traversal itself. A non-empty id returned
// alongside an error means the record exists but is partially migrated.
type CreateFunc func(ctx context.Context, item *types.WorkItem) (string, error)

// Visited tracks source ids already traversed within one top-level
// migration call. It guards children traversal against cycles in malformed
// source data; a previously visited id is skipped with a logged notice.
// Not safe for concurrent use: each top-level call gets its own set.
type Visited struct {
	seen map[string]bool
}

// NewVisited creates an empty visited set.
func NewVisited() *Visited {
	return &Visited{seen: make(map[string]bool)}
}

// Mark records an id and reports whether it had been seen before.
func (v *Visited) Mark(id string) (alreadySeen bool) {
	if v.seen[id] {
		return true
	}
	v.seen[id] = true
	return false
}

// Migrator ensures related records exist in the target and are linked.
type Migrator struct {
	source connector.Source
	target connector.Target
	xrefs  *xref.Map
	create CreateFunc

	// MaxDepth bounds recursion; zero means DefaultMaxDepth.
	MaxDepth int

	// ClaimWait bounds waiting on another branch's claim; zero means
	// DefaultClaimWait.
	ClaimWait time.Duration

	// OnWarning receives skipped-relationship notices. Defaults to log.Printf.
	OnWarning func(format string, args ...interface{})
}

// New creates a hierarchy migrator. The create function is supplied by the
// orchestrator so related records go through the same creation pipeline as
// top-level ones.
func New(source connector.Source, target connector.Target, xrefs *xref.Map, create CreateFunc) *Migrator {
	return &Migrator{
		source:    source,
		target:    target,
		xrefs:     xrefs,
		create:    create,
		MaxDepth:  DefaultMaxDepth,
		OnWarning: log.Printf,
	}
}

// EnsureRelated replicates all of item's relationships for an
// already-created target record: its parent (created first if absent),
// its children, and its linked verification cases. A related record that
// cannot be resolved is logged and skipped without failing the owner.
func (m *Migrator) EnsureRelated(ctx context.Context, v *Visited, item *types.WorkItem, targetID string) {
	if item.ParentID != "" {
		if parentID, err := m.ensure(ctx, v, item.ParentID, 0); err != nil {
			m.warn("hierarchy: parent %s of %s: %v", item.ParentID, item.FormattedID, err)
		} else if parentID != "" {
			m.link(ctx, targetID, parentID, connector.LinkParent)
		}
	}

	for _, childID := range item.ChildIDs {
		if childTarget, err := m.ensure(ctx, v, childID, 0); err != nil {
			m.warn("hierarchy: child %s of %s: %v", childID, item.FormattedID, err)
		} else if childTarget != "" {
			m.link(ctx, targetID, childTarget, connector.LinkChild)
		}
	}

	for _, tcID := range item.TestCaseIDs {
		if tcTarget, err := m.ensure(ctx, v, tcID, 0); err != nil {
			m.warn("hierarchy: test case %s of %s: %v", tcID, item.FormattedID, err)
		} else if tcTarget != "" {
			m.link(ctx, targetID, tcTarget, connector.LinkTests)
		}
	}
}

// ensure resolves a source id to a target id, creating the record (and its
// own ancestry) if needed. Returns "" with no error when the id was already
// visited in this traversal (cycle guard).
func (m *Migrator) ensure(ctx context.Context, v *Visited, objectID string, depth int) (string, error) {
	maxDepth := m.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	if depth > maxDepth {
		return "", fmt.Errorf("recursion depth %d exceeded", depth)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	// Fast path: already migrated in this or a previous run.
	if targetID, ok := m.xrefs.Get(objectID); ok {
		return targetID, nil
	}

	if v.Mark(objectID) {
		m.warn("hierarchy: %s already visited in this traversal, skipping", objectID)
		return "", nil
	}

	// Claim the id before creating. If another branch holds the claim this
	// blocks until that creation settles, then links instead of re-creating.
	targetID, claimed, err := m.claim(ctx, objectID)
	if err != nil {
		return "", err
	}
	if !claimed {
		if targetID == "" {
			return "", fmt.Errorf("concurrent creation of %s failed", objectID)
		}
		return targetID, nil
	}

	item, err := m.source.FetchRecord(ctx, objectID)
	if err != nil {
		m.xrefs.Release(objectID)
		return "", fmt.Errorf("fetching %s: %w", objectID, err)
	}
	if item == nil {
		m.xrefs.Release(objectID)
		return "", fmt.Errorf("record %s not found in source", objectID)
	}

	// Parents resolve depth-first and fully synchronously: the parent must
	// exist before this record is linked beneath it.
	var parentID string
	if item.ParentID != "" {
		parentID, err = m.ensure(ctx, v, item.ParentID, depth+1)
		if err != nil {
			m.warn("hierarchy: parent %s of %s: %v", item.ParentID, item.FormattedID, err)
			parentID = ""
		}
	}

	created, err := m.create(ctx, item)
	if created == "" {
		m.xrefs.Release(objectID)
		if err == nil {
			err = fmt.Errorf("creation returned no id")
		}
		return "", fmt.Errorf("creating %s: %w", item.FormattedID, err)
	}
	// A non-empty id with an error means partially migrated: register it
	// anyway so no branch ever creates a duplicate, and link what exists.
	m.xrefs.Resolve(objectID, created)
	if err != nil {
		m.warn("hierarchy: %s created as %s but not fully migrated: %v", item.FormattedID, created, err)
	}

	if parentID != "" {
		m.link(ctx, created, parentID, connector.LinkParent)
	}

	// Children are resolved after creation, once this record's id is
	// registered, so a child listing an ancestor terminates at the map.
	for _, childID := range item.ChildIDs {
		childTarget, err := m.ensure(ctx, v, childID, depth+1)
		if err != nil {
			m.warn("hierarchy: child %s of %s: %v", childID, item.FormattedID, err)
			continue
		}
		if childTarget != "" {
			m.link(ctx, created, childTarget, connector.LinkChild)
		}
	}

	return created, nil
}

// claim reserves a source id, waiting at most ClaimWait for a claim held by
// another traversal. A timed-out wait is an error on this relationship only;
// the holder will still register the record when its own creation settles.
func (m *Migrator) claim(ctx context.Context, objectID string) (string, bool, error) {
	wait := m.ClaimWait
	if wait <= 0 {
		wait = DefaultClaimWait
	}
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	targetID, claimed, err := m.xrefs.Claim(waitCtx, objectID)
	if err != nil {
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}
		return "", false, fmt.Errorf("waiting for concurrent creation of %s: %w", objectID, err)
	}
	return targetID, claimed, nil
}

func (m *Migrator) link(ctx context.Context, fromID, toID string, kind connector.LinkKind) {
	if fromID == toID {
		return
	}
	if err := m.target.LinkRecords(ctx, fromID, toID, kind); err != nil {
		m.warn("hierarchy: linking %s -> %s (%s): %v", fromID, toID, kind, err)
	}
}

func (m *Migrator) warn(format string, args ...interface{}) {
	if m.OnWarning != nil {
		m.OnWarning(format, args...)
	}
}
