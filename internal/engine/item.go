package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/workshift/workshift/internal/connector"
	"github.com/workshift/workshift/internal/diff"
	"github.com/workshift/workshift/internal/hierarchy"
	"github.com/workshift/workshift/internal/types"
	"github.com/workshift/workshift/internal/workflow"
)

// fatalError marks a failure that indicates a setup problem (mapping
// configuration) rather than a per-record one; it aborts the whole run.
type fatalError struct {
	err error
}

func (f *fatalError) Error() string { return f.err.Error() }
func (f *fatalError) Unwrap() error { return f.err }

// migrateOne migrates a single source record with bounded retry of
// transport failures. It returns an error only for run-fatal conditions;
// per-record failures come back as a failed MigrationResult.
func (e *Engine) migrateOne(ctx context.Context, idx int, objectID string) (*types.MigrationResult, error) {
	var result *types.MigrationResult

	op := func() error {
		r, err := e.migrateAttempt(ctx, objectID)
		if err != nil {
			var fatal *fatalError
			if errors.As(err, &fatal) {
				return backoff.Permanent(err)
			}
			if !isRetryableError(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = r
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(newRetryBackoff(), uint64(e.opts.MaxRetries)), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		var fatal *fatalError
		if errors.As(err, &fatal) {
			return nil, fatal.err
		}
		result = &types.MigrationResult{
			SourceID:  objectID,
			Outcome:   types.OutcomeFailed,
			Reason:    err.Error(),
			Timestamp: time.Now().UTC(),
		}
	}
	return result, nil
}

// migrateAttempt runs one migration attempt for one record: resolve
// existence, then either reconcile-and-patch or create-and-relate.
func (e *Engine) migrateAttempt(ctx context.Context, objectID string) (*types.MigrationResult, error) {
	item, err := e.source.FetchRecord(ctx, objectID)
	if err != nil {
		return nil, fmt.Errorf("fetching source record %s: %w", objectID, err)
	}
	if item == nil {
		return skipped(objectID, "", "not found in source"), nil
	}

	targetType := e.transformer.TargetType(item.Type)
	if targetType == "" {
		return skipped(objectID, item.FormattedID, fmt.Sprintf("unmapped source type %q", item.Type)), nil
	}

	// Existence: the cross-reference map first (pre-check or earlier
	// hierarchy work), then the resolver's lookup strategies.
	existing, err := e.lookupExisting(ctx, item, targetType)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return e.reconcile(ctx, item, existing)
	}
	return e.createNew(ctx, item)
}

func (e *Engine) lookupExisting(ctx context.Context, item *types.WorkItem, targetType string) (*connector.TargetRecord, error) {
	if targetID, ok := e.xrefs.Get(item.ObjectID); ok {
		rec, err := e.target.GetRecord(ctx, targetID)
		if err != nil {
			return nil, fmt.Errorf("fetching target record %s: %w", targetID, err)
		}
		if rec != nil {
			return rec, nil
		}
		// Mapped target vanished (deleted between runs). Drop the stale
		// entry so creation is not blocked by it, and fall through.
		e.xrefs.Delete(item.ObjectID)
	}
	if rec := e.resolver.Resolve(ctx, item, targetType); rec != nil {
		e.xrefs.Put(item.ObjectID, rec.ID)
		return rec, nil
	}
	return nil, nil
}

// reconcile patches an existing target record with the minimal field diff,
// then steps its workflow state if it differs from the desired one.
func (e *Engine) reconcile(ctx context.Context, item *types.WorkItem, existing *connector.TargetRecord) (*types.MigrationResult, error) {
	fs, err := e.transformer.Transform(item)
	if err != nil {
		return nil, &fatalError{err: fmt.Errorf("mapping %s: %w", item.FormattedID, err)}
	}

	desired := make(map[string]interface{}, len(fs.CreationFields)+len(fs.PostFields)+1)
	for k, v := range fs.CreationFields {
		desired[k] = v
	}
	for k, v := range fs.PostFields {
		desired[k] = v
	}
	desired[workflow.StateField] = fs.DesiredState

	diffs := diff.Compare(existing.Fields, desired)

	patch := make(map[string]interface{}, len(diffs))
	var patchedKeys []string
	stateDiffers := false
	for _, d := range diffs {
		if d.Field == workflow.StateField {
			stateDiffers = true // State moves through the transition controller, never a raw patch
			continue
		}
		patch[d.Field] = d.Value
		patchedKeys = append(patchedKeys, d.Field)
	}

	if len(patch) == 0 && !stateDiffers {
		return skippedWithTarget(item, existing.ID, "no differences"), nil
	}

	if e.opts.DryRun {
		r := patched(item, existing.ID, patchedKeys)
		r.Reason = "dry-run"
		return r, nil
	}

	if len(patch) > 0 {
		if err := e.target.PatchFields(ctx, existing.ID, patch); err != nil {
			return nil, fmt.Errorf("patching %s: %w", existing.ID, err)
		}
	}

	if stateDiffers {
		if err := e.workflow.Transition(ctx, existing.ID, fs.DesiredState); err != nil {
			var verr *workflow.VerificationError
			if errors.As(err, &verr) {
				return failed(item, existing.ID, verr.Error()), nil
			}
			return nil, err
		}
		patchedKeys = append(patchedKeys, workflow.StateField)
	}

	return patched(item, existing.ID, patchedKeys), nil
}

// createNew creates the target record and replicates its relationships.
// The cross-reference claim is held across creation so a concurrent
// hierarchy branch resolving the same source id waits and links instead of
// creating a second record.
func (e *Engine) createNew(ctx context.Context, item *types.WorkItem) (*types.MigrationResult, error) {
	if e.opts.DryRun {
		r := &types.MigrationResult{
			SourceID:    item.ObjectID,
			FormattedID: item.FormattedID,
			Outcome:     types.OutcomeCreated,
			Reason:      "dry-run",
			Timestamp:   time.Now().UTC(),
		}
		return r, nil
	}

	targetID, claimed, err := e.xrefs.Claim(ctx, item.ObjectID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		if targetID == "" {
			return nil, fmt.Errorf("concurrent creation of %s failed", item.ObjectID)
		}
		return skippedWithTarget(item, targetID, "created concurrently by hierarchy"), nil
	}

	createdID, err := e.createRecord(ctx, item)
	if createdID == "" {
		e.xrefs.Release(item.ObjectID)
		if err == nil {
			err = fmt.Errorf("creation of %s returned no id", item.FormattedID)
		}
		return nil, err
	}
	e.xrefs.Resolve(item.ObjectID, createdID)

	if err != nil {
		// Created but not fully migrated (post fields, transition, content).
		// Registered above so it is never created twice; reported as failed.
		return failed(item, createdID, err.Error()), nil
	}

	visited := hierarchy.NewVisited()
	visited.Mark(item.ObjectID)
	e.hierarchy.EnsureRelated(ctx, visited, item, createdID)

	return &types.MigrationResult{
		SourceID:    item.ObjectID,
		FormattedID: item.FormattedID,
		TargetID:    createdID,
		Outcome:     types.OutcomeCreated,
		Timestamp:   time.Now().UTC(),
	}, nil
}

// createRecord is the full single-record creation pipeline: transform,
// create with creation-safe fields, apply post-creation fields, drive the
// workflow state, then migrate comments and attachments. It is also the
// hierarchy migrator's CreateFunc, so related records go through the same
// pipeline. A non-empty id with a non-nil error means the record exists in
// the target but is only partially migrated.
func (e *Engine) createRecord(ctx context.Context, item *types.WorkItem) (string, error) {
	fs, err := e.transformer.Transform(item)
	if err != nil {
		return "", &fatalError{err: fmt.Errorf("mapping %s: %w", item.FormattedID, err)}
	}

	id, err := e.target.CreateRecord(ctx, fs.TargetType, fs.CreationFields)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", item.FormattedID, err)
	}

	if len(fs.PostFields) > 0 {
		if err := e.target.PatchFields(ctx, id, fs.PostFields); err != nil {
			return id, fmt.Errorf("applying post-creation fields to %s: %w", id, err)
		}
	}

	if err := e.workflow.Transition(ctx, id, fs.DesiredState); err != nil {
		return id, err
	}

	if err := e.migrateComments(ctx, item, id); err != nil {
		return id, err
	}
	if err := e.migrateAttachments(ctx, item, id); err != nil {
		return id, err
	}
	return id, nil
}

// migrateComments replays discussion entries strictly in chronological
// order; concurrency would scramble the history.
func (e *Engine) migrateComments(ctx context.Context, item *types.WorkItem, targetID string) error {
	for _, c := range item.Comments {
		text := fmt.Sprintf("[%s on %s] %s", c.Author, c.CreatedAt.Format("2006-01-02"), c.Text)
		if err := e.target.AddComment(ctx, targetID, text); err != nil {
			return fmt.Errorf("adding comment to %s: %w", targetID, err)
		}
	}
	return nil
}

// migrateAttachments transfers blobs with a small concurrency cap of its
// own, independent of record-level concurrency.
func (e *Engine) migrateAttachments(ctx context.Context, item *types.WorkItem, targetID string) error {
	if len(item.Attachments) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.AttachmentConcurrency)

	for _, att := range item.Attachments {
		a := att
		g.Go(func() error {
			content, err := e.source.DownloadAttachment(gctx, a.ContentRef)
			if err != nil {
				return fmt.Errorf("downloading attachment %s: %w", a.Name, err)
			}
			if _, err := e.target.UploadAttachment(gctx, targetID, a.Name, content); err != nil {
				return fmt.Errorf("uploading attachment %s: %w", a.Name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func skipped(sourceID, formattedID, reason string) *types.MigrationResult {
	return &types.MigrationResult{
		SourceID:    sourceID,
		FormattedID: formattedID,
		Outcome:     types.OutcomeSkipped,
		Reason:      reason,
		Timestamp:   time.Now().UTC(),
	}
}

func skippedWithTarget(item *types.WorkItem, targetID, reason string) *types.MigrationResult {
	r := skipped(item.ObjectID, item.FormattedID, reason)
	r.TargetID = targetID
	return r
}

func patched(item *types.WorkItem, targetID string, keys []string) *types.MigrationResult {
	return &types.MigrationResult{
		SourceID:    item.ObjectID,
		FormattedID: item.FormattedID,
		TargetID:    targetID,
		Outcome:     types.OutcomePatched,
		PatchedKeys: keys,
		Timestamp:   time.Now().UTC(),
	}
}

func failed(item *types.WorkItem, targetID, reason string) *types.MigrationResult {
	return &types.MigrationResult{
		SourceID:    item.ObjectID,
		FormattedID: item.FormattedID,
		TargetID:    targetID,
		Outcome:     types.OutcomeFailed,
		Reason:      reason,
		Timestamp:   time.Now().UTC(),
	}
}
