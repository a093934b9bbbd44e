// Package resolver decides whether a source record already has a
// corresponding record in the target tracker. It tries an ordered set of
// lookup strategies and treats transport failures as "not found" so the
// caller falls through to creation instead of aborting the record.
package resolver

import (
	"context"
	"fmt"
	"log"

	"github.com/workshift/workshift/internal/connector"
	"github.com/workshift/workshift/internal/types"
)

// Resolver locates existing target records for source work items.
type Resolver struct {
	target connector.Target

	// OnWarning receives non-fatal lookup failures. Defaults to log.Printf.
	OnWarning func(format string, args ...interface{})
}

// New creates a resolver over the given target connector.
func New(target connector.Target) *Resolver {
	return &Resolver{
		target:    target,
		OnWarning: log.Printf,
	}
}

// Resolve returns the existing target record for a source item, or nil if
// none is found. Strategies are tried in fixed order, first success wins:
//
//  1. Records tagged with the source ObjectID.
//  2. Records tagged with the source FormattedID.
//  3. Records whose title contains "[FormattedID]", optionally restricted
//     to the mapped target type.
//
// Read-only: no side effects on either tracker.
func (r *Resolver) Resolve(ctx context.Context, item *types.WorkItem, mappedType string) *connector.TargetRecord {
	if rec := r.byTag(ctx, item.ObjectID); rec != nil {
		return rec
	}
	if item.FormattedID != "" {
		if rec := r.byTag(ctx, item.FormattedID); rec != nil {
			return rec
		}
		if rec := r.byTitle(ctx, item.FormattedID, mappedType); rec != nil {
			return rec
		}
	}
	return nil
}

func (r *Resolver) byTag(ctx context.Context, tag string) *connector.TargetRecord {
	if tag == "" {
		return nil
	}
	records, err := r.target.QueryByTag(ctx, tag)
	if err != nil {
		r.warn("resolver: tag lookup %q failed: %v", tag, err)
		return nil
	}
	if len(records) == 0 {
		return nil
	}
	return &records[0]
}

func (r *Resolver) byTitle(ctx context.Context, formattedID, mappedType string) *connector.TargetRecord {
	marker := fmt.Sprintf("[%s]", formattedID)
	records, err := r.target.QueryTitleContains(ctx, marker, mappedType)
	if err != nil {
		r.warn("resolver: title lookup %q failed: %v", marker, err)
		return nil
	}
	if len(records) == 0 {
		return nil
	}
	return &records[0]
}

func (r *Resolver) warn(format string, args ...interface{}) {
	if r.OnWarning != nil {
		r.OnWarning(format, args...)
	}
}
