// Package engine is the top-level migration driver. It partitions source
// ids into batches, pre-resolves existence in bulk, fans out per-record
// migration under a shared concurrency semaphore, and keeps the run
// resumable by checkpointing after every processed item. Individual record
// migrations are independently idempotent and retryable; a batch may be
// partially applied if interrupted, by design of the checkpoint model.
package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/workshift/workshift/internal/checkpoint"
	"github.com/workshift/workshift/internal/connector"
	"github.com/workshift/workshift/internal/events"
	"github.com/workshift/workshift/internal/hierarchy"
	"github.com/workshift/workshift/internal/mapping"
	"github.com/workshift/workshift/internal/resolver"
	"github.com/workshift/workshift/internal/types"
	"github.com/workshift/workshift/internal/workflow"
	"github.com/workshift/workshift/internal/xref"
)

// Options configures a migration run.
type Options struct {
	// BatchSize is the number of source ids per batch. Batches run
	// sequentially and drain fully before the next starts.
	BatchSize int

	// Concurrency caps in-flight record migrations within a batch.
	Concurrency int

	// AttachmentConcurrency caps concurrent attachment transfers per record,
	// independent of record-level concurrency.
	AttachmentConcurrency int

	// InterBatchDelay is inserted between batches to stay under the target
	// platform's rate limits.
	InterBatchDelay time.Duration

	// MaxRetries bounds per-record retries of transport failures.
	MaxRetries int

	// StartIndex skips source ids at indexes <= StartIndex-1; used for
	// resuming from a checkpoint.
	StartIndex int

	// DryRun computes decisions without writing to the target.
	DryRun bool
}

// withDefaults fills unset options with modest defaults.
func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 8
	}
	if o.AttachmentConcurrency <= 0 {
		o.AttachmentConcurrency = 3
	}
	if o.InterBatchDelay <= 0 {
		o.InterBatchDelay = 2 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	return o
}

// Engine orchestrates one migration run.
type Engine struct {
	source      connector.Source
	target      connector.Target
	transformer *mapping.Transformer
	resolver    *resolver.Resolver
	workflow    *workflow.Controller
	hierarchy   *hierarchy.Migrator
	xrefs       *xref.Map
	checkpoints *checkpoint.Store
	bus         *events.Bus
	opts        Options
	runID       string

	sem *semaphore.Weighted

	// Shared mutable run state. Counters, results, and the checkpoint write
	// are all taken under one lock scoped to this aggregate. Items within a
	// batch complete in arbitrary order, so the checkpoint persists the
	// watermark (highest index with everything at or below it processed),
	// never the index of whichever item happened to finish last.
	mu        sync.Mutex
	progress  types.ProgressSnapshot
	results   []types.MigrationResult
	done      map[int]bool
	watermark int

	paused    atomic.Bool
	cancelled atomic.Bool
}

// New wires an engine from its collaborators. The checkpoint store and bus
// may be nil (no persistence / no observers); everything else is required.
func New(source connector.Source, target connector.Target, transformer *mapping.Transformer,
	wf *workflow.Controller, cps *checkpoint.Store, bus *events.Bus, opts Options) *Engine {

	opts = opts.withDefaults()
	if bus == nil {
		bus = events.New()
	}

	e := &Engine{
		source:      source,
		target:      target,
		transformer: transformer,
		resolver:    resolver.New(target),
		workflow:    wf,
		xrefs:       xref.New(),
		checkpoints: cps,
		bus:         bus,
		opts:        opts,
		runID:       uuid.NewString(),
		sem:         semaphore.NewWeighted(int64(opts.Concurrency)),
	}
	e.hierarchy = hierarchy.New(source, target, e.xrefs, e.createRecord)
	e.resolver.OnWarning = e.warnf
	e.hierarchy.OnWarning = e.warnf
	return e
}

// RunID returns this run's unique identifier.
func (e *Engine) RunID() string { return e.runID }

// SeedXRef loads cross-reference entries from a previous run's checkpoint.
func (e *Engine) SeedXRef(entries map[string]string) {
	e.xrefs.Seed(entries)
}

// Pause requests a cooperative pause. In-flight items finish; no new item
// starts until Resume.
func (e *Engine) Pause() {
	if e.paused.CompareAndSwap(false, true) {
		e.publish(&events.Event{Type: events.EventRunPaused})
	}
}

// Resume lifts a pause.
func (e *Engine) Resume() {
	if e.paused.CompareAndSwap(true, false) {
		e.publish(&events.Event{Type: events.EventRunResumed})
	}
}

// Paused reports whether the run is currently paused.
func (e *Engine) Paused() bool { return e.paused.Load() }
