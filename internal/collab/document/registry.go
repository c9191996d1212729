// Package document owns the per-file replicated state: one automerge document
// and one ephemeral awareness table per file, created on first join and
// discarded when the file's room empties.
package document

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"go.uber.org/zap"
)

// ErrInvalidUpdate indicates an update payload the replica refused to apply.
var ErrInvalidUpdate = errors.New("document: invalid update payload")

// Registry hands out per-file handles. Creation is idempotent; removal only
// happens through DropIfEmpty once the file's room reports zero members.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*Handle
	clock   func() time.Time
	logger  *zap.Logger
}

// NewRegistry constructs an empty Registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		handles: make(map[string]*Handle),
		clock:   time.Now,
		logger:  logger,
	}
}

// GetOrCreate returns the handle for fileID, creating a fresh empty replica
// and awareness table on first join.
func (r *Registry) GetOrCreate(fileID string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	handle, ok := r.handles[fileID]
	if !ok {
		handle = &Handle{
			doc:       automerge.New(),
			awareness: make(map[uint64]awarenessEntry),
			clock:     r.clock,
		}
		r.handles[fileID] = handle
		r.logger.Info("document replica created", zap.String("file_id", fileID))
	}
	return handle
}

// DropIfEmpty discards the replica and awareness table for fileID when the
// file's room has no members. Occupancy is read through the callback while
// the registry lock is held: a join racing the final eviction either raises
// the count before the read and vetoes the drop, or fetches its handle after
// the drop and starts fresh. A count snapshotted by the caller could go stale
// between the snapshot and the delete and orphan a live replica. Returns true
// if dropped.
func (r *Registry) DropIfEmpty(fileID string, occupancy func() int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handles[fileID]; !ok {
		return false
	}
	if occupancy() > 0 {
		return false
	}
	delete(r.handles, fileID)
	r.logger.Info("document replica dropped", zap.String("file_id", fileID))
	return true
}

// Len reports the number of live replicas.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

type awarenessEntry struct {
	state     []byte
	updatedAt time.Time
}

// Handle is the single logical owner of one file's replica. All mutation and
// reads of the underlying document go through its lock; callers must not hold
// the lock across socket or store writes, so every method releases it before
// returning.
type Handle struct {
	mu        sync.Mutex
	doc       *automerge.Doc
	awareness map[uint64]awarenessEntry
	clock     func() time.Time
}

// ApplyUpdate applies serialized changes to the replica. Re-applying the same
// changes is a no-op (the document deduplicates by change hash), so delivery
// only needs to be at-least-once. The returned flag reports whether the
// replica actually advanced.
func (h *Handle) ApplyUpdate(raw []byte) (bool, error) {
	if len(raw) == 0 {
		return false, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	before := h.doc.Heads()
	if err := h.doc.LoadIncremental(raw); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	return !sameHeads(before, h.doc.Heads()), nil
}

// Heads returns the replica's current state summary.
func (h *Handle) Heads() []automerge.ChangeHash {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.doc.Heads()
}

// ChangesSince serializes every change the replica has that a peer with the
// given heads is missing. Empty heads yields the full history.
func (h *Handle) ChangesSince(heads []automerge.ChangeHash) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	changes, err := h.doc.Changes(heads...)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	for _, change := range changes {
		buf.Write(change.Save())
	}
	return buf.Bytes(), nil
}

// Snapshot returns the full serialized document.
func (h *Handle) Snapshot() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.doc.Save()
}

// SetAwareness records one client's latest ephemeral state. Last write wins
// per client id; an empty state is the disconnect tombstone and removes the
// entry.
func (h *Handle) SetAwareness(clientID uint64, state []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(state) == 0 {
		delete(h.awareness, clientID)
		return
	}
	h.awareness[clientID] = awarenessEntry{
		state:     append([]byte(nil), state...),
		updatedAt: h.clock(),
	}
}

// ClearAwareness tombstones the entry for clientID.
func (h *Handle) ClearAwareness(clientID uint64) {
	h.SetAwareness(clientID, nil)
}

// AwarenessStates returns a copy of every live awareness entry.
func (h *Handle) AwarenessStates() map[uint64][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	states := make(map[uint64][]byte, len(h.awareness))
	for clientID, entry := range h.awareness {
		states[clientID] = append([]byte(nil), entry.state...)
	}
	return states
}

func sameHeads(before, after []automerge.ChangeHash) bool {
	if len(before) != len(after) {
		return false
	}
	seen := make(map[automerge.ChangeHash]struct{}, len(before))
	for _, head := range before {
		seen[head] = struct{}{}
	}
	for _, head := range after {
		if _, ok := seen[head]; !ok {
			return false
		}
	}
	return true
}
