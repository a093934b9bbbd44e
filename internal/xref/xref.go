// Package xref maintains the source-to-target cross-reference map. The map
// is the single source of truth for "has this source record already been
// migrated": the hierarchy migrator and the orchestrator both consult it
// before creating anything, and concurrent branches resolve the same source
// id through claim-under-lock semantics so only one creator ever wins.
package xref

import (
	"context"
	"sync"
)

// Map is a concurrency-safe source id -> target id map with reservation
// support. A plain read-then-create sequence races when two hierarchy
// branches reach the same parent concurrently; Claim closes that window by
// holding the reservation under the same lock as the lookup.
type Map struct {
	mu      sync.Mutex
	ids     map[string]string
	pending map[string]chan struct{}
}

// New creates an empty cross-reference map.
func New() *Map {
	return &Map{
		ids:     make(map[string]string),
		pending: make(map[string]chan struct{}),
	}
}

// Seed loads entries from a previous run's checkpoint.
func (m *Map) Seed(entries map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for src, tgt := range entries {
		m.ids[src] = tgt
	}
}

// Get returns the target id for a source id, if one is registered.
func (m *Map) Get(sourceID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tgt, ok := m.ids[sourceID]
	return tgt, ok
}

// Put registers a mapping unconditionally. Used when resolving records that
// already exist in the target (no creation race possible).
func (m *Map) Put(sourceID, targetID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids[sourceID] = targetID
}

// Claim reserves a source id for creation. The first caller gets
// claimed=true and must later call either Resolve or Release. Subsequent
// callers block until the claim settles or the context ends, then receive
// the registered target id (or "", false if the claimant released without
// creating). Callers that can themselves hold claims must bound the wait
// through the context, or two branches waiting on each other's claims
// never settle.
func (m *Map) Claim(ctx context.Context, sourceID string) (targetID string, claimed bool, err error) {
	m.mu.Lock()
	if tgt, ok := m.ids[sourceID]; ok {
		m.mu.Unlock()
		return tgt, false, nil
	}
	if ch, ok := m.pending[sourceID]; ok {
		m.mu.Unlock()
		select {
		case <-ch: // Another branch is creating this record; wait for it
		case <-ctx.Done():
			return "", false, ctx.Err()
		}
		m.mu.Lock()
		tgt := m.ids[sourceID]
		m.mu.Unlock()
		return tgt, false, nil
	}
	m.pending[sourceID] = make(chan struct{})
	m.mu.Unlock()
	return "", true, nil
}

// Delete removes a mapping. Used when a registered target record turns out
// to no longer exist, so the source record can be created again.
func (m *Map) Delete(sourceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ids, sourceID)
}

// Resolve completes a claim with the created target id and wakes waiters.
func (m *Map) Resolve(sourceID, targetID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids[sourceID] = targetID
	if ch, ok := m.pending[sourceID]; ok {
		close(ch)
		delete(m.pending, sourceID)
	}
}

// Release abandons a claim after a failed creation so a later attempt can
// retry. Waiters are woken and observe no mapping.
func (m *Map) Release(sourceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.pending[sourceID]; ok {
		close(ch)
		delete(m.pending, sourceID)
	}
}

// Len returns the number of registered mappings.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ids)
}

// Snapshot returns a copy of the map for checkpoint persistence.
func (m *Map) Snapshot() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.ids))
	for src, tgt := range m.ids {
		out[src] = tgt
	}
	return out
}
