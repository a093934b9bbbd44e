package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/workshift/workshift/internal/checkpoint"
	"github.com/workshift/workshift/internal/events"
	"github.com/workshift/workshift/internal/types"
)

// pausePollInterval is how often a paused run re-checks for resume/cancel.
const pausePollInterval = 250 * time.Millisecond

// Run migrates the given source ids. It returns a summary even when the
// context is cancelled mid-run; only setup problems (mapping configuration,
// checkpoint IO) abort with an error.
func (e *Engine) Run(ctx context.Context, ids []string) (*types.RunSummary, error) {
	started := time.Now().UTC()

	e.mu.Lock()
	e.progress = types.ProgressSnapshot{Total: len(ids)}
	e.results = e.results[:0]
	e.done = make(map[int]bool)
	// Indexes below StartIndex were processed by the run being resumed.
	e.watermark = e.opts.StartIndex - 1
	e.mu.Unlock()

	if err := e.precheck(ctx, ids); err != nil {
		return nil, fmt.Errorf("existence pre-check: %w", err)
	}

	e.msgf("Migrating %d records in batches of %d (concurrency %d)",
		len(ids), e.opts.BatchSize, e.opts.Concurrency)

	fatal := e.runBatches(ctx, ids)

	summary := e.buildSummary(started)
	e.publish(&events.Event{Type: events.EventRunFinished, Progress: summary.Progress})

	if fatal != nil {
		return summary, fatal
	}
	if !summary.Cancelled && e.checkpoints != nil && !e.opts.DryRun {
		if err := e.checkpoints.Clear(); err != nil {
			e.warnf("clearing checkpoint: %v", err)
		}
	}
	return summary, nil
}

// precheck resolves already-migrated records for the whole input in one
// bounded-concurrency pass, so per-item processing can consult the
// cross-reference map instead of issuing redundant lookups. Lookup failures
// degrade to "unknown" and are re-tried per item.
func (e *Engine) precheck(ctx context.Context, ids []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)

	for _, id := range ids {
		if _, ok := e.xrefs.Get(id); ok {
			continue // Seeded from a checkpoint
		}
		objectID := id
		g.Go(func() error {
			records, err := e.target.QueryByTag(gctx, objectID)
			if err != nil {
				e.warnf("precheck: lookup %s failed: %v", objectID, err)
				return nil
			}
			if len(records) > 0 {
				e.xrefs.Put(objectID, records[0].ID)
			}
			return nil
		})
	}
	return g.Wait()
}

// runBatches processes batches strictly in input order, draining each fully
// before the next starts. Returns a non-nil error only for run-fatal
// failures (mapping configuration); cancellation is not an error.
func (e *Engine) runBatches(ctx context.Context, ids []string) error {
	var fatal error
	var fatalOnce sync.Once

	for batchIdx, start := 0, 0; start < len(ids); batchIdx, start = batchIdx+1, start+e.opts.BatchSize {
		end := start + e.opts.BatchSize
		if end > len(ids) {
			end = len(ids)
		}

		if e.checkCancelled(ctx) || fatal != nil {
			break
		}

		e.mu.Lock()
		e.progress.BatchIndex = batchIdx
		e.mu.Unlock()
		e.publish(&events.Event{
			Type:    events.EventBatchStarted,
			Message: fmt.Sprintf("batch %d (%d-%d)", batchIdx+1, start+1, end),
		})

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			idx, objectID := i, ids[i]

			if idx < e.opts.StartIndex {
				continue // Already processed by the run being resumed
			}
			if e.checkCancelled(ctx) {
				break
			}
			if !e.waitWhilePaused(ctx) {
				break
			}
			if err := e.sem.Acquire(ctx, 1); err != nil {
				break
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				defer e.sem.Release(1)

				result, err := e.migrateOne(ctx, idx, objectID)
				if err != nil {
					fatalOnce.Do(func() { fatal = err })
					e.cancelled.Store(true)
					return
				}
				e.recordResult(ctx, idx, result)
			}()
		}
		wg.Wait()

		if fatal != nil || e.checkCancelled(ctx) {
			break
		}
		if end < len(ids) {
			select {
			case <-time.After(e.opts.InterBatchDelay):
			case <-ctx.Done():
			}
		}
	}
	return fatal
}

// waitWhilePaused blocks while the run is paused, polling for resume.
// Returns false if the run was cancelled while waiting.
func (e *Engine) waitWhilePaused(ctx context.Context) bool {
	for e.paused.Load() {
		select {
		case <-ctx.Done():
			e.cancelled.Store(true)
			return false
		case <-time.After(pausePollInterval):
		}
	}
	return true
}

func (e *Engine) checkCancelled(ctx context.Context) bool {
	if ctx.Err() != nil {
		e.cancelled.Store(true)
	}
	return e.cancelled.Load()
}

// recordResult appends a result, bumps counters, persists the checkpoint,
// and publishes the item-completed event — immediately, not batched, so
// observers see near-real-time progress.
func (e *Engine) recordResult(ctx context.Context, idx int, result *types.MigrationResult) {
	e.mu.Lock()
	e.results = append(e.results, *result)
	e.progress.Processed++
	switch result.Outcome {
	case types.OutcomeFailed:
		e.progress.Failed++
	case types.OutcomeSkipped:
		e.progress.Skipped++
	default:
		e.progress.Succeeded++
	}
	snapshot := e.progress

	// Advance the watermark only across a contiguous processed prefix: a
	// resumed run starts at LastIndex+1, so persisting the index of a
	// later item while an earlier one is still in flight would skip that
	// earlier record forever.
	e.done[idx] = true
	for e.done[e.watermark+1] {
		e.watermark++
		delete(e.done, e.watermark)
	}

	if e.checkpoints != nil && !e.opts.DryRun {
		cp := &checkpoint.Checkpoint{
			RunID:     e.runID,
			LastIndex: e.watermark,
			XRef:      e.xrefs.Snapshot(),
		}
		if err := e.checkpoints.Save(cp); err != nil {
			e.mu.Unlock()
			e.warnf("saving checkpoint: %v", err)
			e.mu.Lock()
		}
	}
	e.mu.Unlock()

	e.publish(&events.Event{
		Type:     events.EventItemCompleted,
		Result:   result,
		Progress: snapshot,
	})
}

func (e *Engine) buildSummary(started time.Time) *types.RunSummary {
	e.mu.Lock()
	defer e.mu.Unlock()
	results := make([]types.MigrationResult, len(e.results))
	copy(results, e.results)
	return &types.RunSummary{
		RunID:     e.runID,
		Started:   started,
		Finished:  time.Now().UTC(),
		Progress:  e.progress,
		Results:   results,
		Cancelled: e.cancelled.Load(),
	}
}

func (e *Engine) publish(ev *events.Event) {
	// Publication must survive run cancellation: observers still need the
	// final events, so the bus gets a background context.
	e.bus.Publish(context.Background(), ev)
}

func (e *Engine) msgf(format string, args ...interface{}) {
	e.publish(&events.Event{Type: events.EventMessage, Message: fmt.Sprintf(format, args...)})
}

func (e *Engine) warnf(format string, args ...interface{}) {
	e.publish(&events.Event{Type: events.EventWarning, Message: fmt.Sprintf(format, args...)})
}
