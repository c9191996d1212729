package document

import (
	"errors"
	"testing"

	"github.com/automerge/automerge-go"
)

// editUpdate produces a serialized change set from an independent replica
// setting key to value, the shape of diff a collaborating client would send.
func editUpdate(t *testing.T, key, value string) []byte {
	t.Helper()
	doc := automerge.New()
	if err := doc.Path(key).Set(value); err != nil {
		t.Fatalf("unexpected set error: %v", err)
	}
	changes, err := doc.Changes()
	if err != nil {
		t.Fatalf("unexpected changes error: %v", err)
	}
	var raw []byte
	for _, change := range changes {
		raw = append(raw, change.Save()...)
	}
	if len(raw) == 0 {
		t.Fatal("expected serialized changes")
	}
	return raw
}

func pathValue(t *testing.T, handle *Handle, key string) string {
	t.Helper()
	value, err := automerge.As[string](handle.doc.Path(key).Get())
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	return value
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	registry := NewRegistry(nil)
	first := registry.GetOrCreate("file-1")
	second := registry.GetOrCreate("file-1")
	if first != second {
		t.Fatal("expected the same handle for repeated joins")
	}
	if registry.Len() != 1 {
		t.Fatalf("expected 1 replica, got %d", registry.Len())
	}
}

func TestApplyUpdatesConvergeInAnyOrder(t *testing.T) {
	updates := [][]byte{
		editUpdate(t, "alpha", "one"),
		editUpdate(t, "beta", "two"),
		editUpdate(t, "gamma", "three"),
	}

	registry := NewRegistry(nil)
	forward := registry.GetOrCreate("file-forward")
	reversed := registry.GetOrCreate("file-reversed")

	for _, update := range updates {
		if _, err := forward.ApplyUpdate(update); err != nil {
			t.Fatalf("unexpected apply error: %v", err)
		}
	}
	for i := len(updates) - 1; i >= 0; i-- {
		if _, err := reversed.ApplyUpdate(updates[i]); err != nil {
			t.Fatalf("unexpected apply error: %v", err)
		}
	}

	for _, key := range []string{"alpha", "beta", "gamma"} {
		if got, want := pathValue(t, reversed, key), pathValue(t, forward, key); got != want {
			t.Fatalf("replicas diverged at %q: %q vs %q", key, got, want)
		}
	}
	if !sameHeads(forward.Heads(), reversed.Heads()) {
		t.Fatal("expected identical heads after applying the same multiset of updates")
	}
}

func TestApplyUpdateIsIdempotent(t *testing.T) {
	registry := NewRegistry(nil)
	handle := registry.GetOrCreate("file-1")
	update := editUpdate(t, "content", "fn main() {}")

	mutated, err := handle.ApplyUpdate(update)
	if err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}
	if !mutated {
		t.Fatal("expected first application to mutate the replica")
	}

	mutated, err = handle.ApplyUpdate(update)
	if err != nil {
		t.Fatalf("unexpected re-apply error: %v", err)
	}
	if mutated {
		t.Fatal("expected re-application of the same update to be a no-op")
	}
}

func TestApplyUpdateRejectsGarbage(t *testing.T) {
	registry := NewRegistry(nil)
	handle := registry.GetOrCreate("file-1")

	if _, err := handle.ApplyUpdate([]byte("not an automerge chunk")); !errors.Is(err, ErrInvalidUpdate) {
		t.Fatalf("expected ErrInvalidUpdate, got %v", err)
	}
	if len(handle.Heads()) != 0 {
		t.Fatal("expected replica untouched after rejected update")
	}
}

func TestChangesSinceComputesMissingDiff(t *testing.T) {
	registry := NewRegistry(nil)
	server := registry.GetOrCreate("file-server")
	if _, err := server.ApplyUpdate(editUpdate(t, "content", "fn main() {}")); err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}

	// An empty client summary must yield the full history.
	diff, err := server.ChangesSince(nil)
	if err != nil {
		t.Fatalf("unexpected diff error: %v", err)
	}
	client := registry.GetOrCreate("file-client")
	if _, err := client.ApplyUpdate(diff); err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}
	if got := pathValue(t, client, "content"); got != "fn main() {}" {
		t.Fatalf("expected client to reproduce content, got %q", got)
	}

	// A caught-up client gets an empty diff.
	diff, err = server.ChangesSince(client.Heads())
	if err != nil {
		t.Fatalf("unexpected diff error: %v", err)
	}
	if len(diff) != 0 {
		t.Fatalf("expected empty diff for caught-up peer, got %d bytes", len(diff))
	}
}

func TestSnapshotCapturesFullDocument(t *testing.T) {
	registry := NewRegistry(nil)
	handle := registry.GetOrCreate("file-1")
	if _, err := handle.ApplyUpdate(editUpdate(t, "content", "fn main() {}")); err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}

	restored, err := automerge.Load(handle.Snapshot())
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	value, err := automerge.As[string](restored.Path("content").Get())
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if value != "fn main() {}" {
		t.Fatalf("expected snapshot to reproduce content, got %q", value)
	}
}

func TestDropIfEmptyDiscardsState(t *testing.T) {
	registry := NewRegistry(nil)
	handle := registry.GetOrCreate("file-1")
	if _, err := handle.ApplyUpdate(editUpdate(t, "content", "residual")); err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}
	handle.SetAwareness(1, []byte(`{"cursor":{"line":1,"column":1}}`))

	if registry.DropIfEmpty("file-1", func() int { return 2 }) {
		t.Fatal("expected occupied room to keep its replica")
	}
	if !registry.DropIfEmpty("file-1", func() int { return 0 }) {
		t.Fatal("expected empty room to drop its replica")
	}
	if registry.DropIfEmpty("file-1", func() int { return 0 }) {
		t.Fatal("expected drop of missing replica to report false")
	}

	fresh := registry.GetOrCreate("file-1")
	if len(fresh.Heads()) != 0 {
		t.Fatal("expected a rejoin to start from an empty document")
	}
	if len(fresh.AwarenessStates()) != 0 {
		t.Fatal("expected a rejoin to allocate a fresh awareness table")
	}
}

func TestDropIfEmptyConsultsLiveOccupancy(t *testing.T) {
	registry := NewRegistry(nil)
	before := registry.GetOrCreate("file-1")

	// The room was empty when the evicting caller last looked, but a join
	// lands before the drop runs; the drop-time read must veto the drop so
	// the joiner keeps mutating a registered replica.
	occupancy := 1
	if registry.DropIfEmpty("file-1", func() int { return occupancy }) {
		t.Fatal("expected a late join to veto the drop")
	}
	if registry.GetOrCreate("file-1") != before {
		t.Fatal("expected the surviving replica to stay registered")
	}

	occupancy = 0
	if !registry.DropIfEmpty("file-1", func() int { return occupancy }) {
		t.Fatal("expected the drop once the room is genuinely empty")
	}
	if registry.GetOrCreate("file-1") == before {
		t.Fatal("expected a rejoin after the drop to allocate a fresh replica")
	}
}

func TestAwarenessLastWriteWinsAndTombstone(t *testing.T) {
	registry := NewRegistry(nil)
	handle := registry.GetOrCreate("file-1")

	handle.SetAwareness(11, []byte(`{"cursor":{"line":1,"column":1}}`))
	handle.SetAwareness(11, []byte(`{"cursor":{"line":3,"column":5}}`))
	handle.SetAwareness(12, []byte(`{"cursor":{"line":9,"column":2}}`))

	states := handle.AwarenessStates()
	if len(states) != 2 {
		t.Fatalf("expected 2 awareness entries, got %d", len(states))
	}
	if string(states[11]) != `{"cursor":{"line":3,"column":5}}` {
		t.Fatalf("expected last write to win, got %q", states[11])
	}

	handle.ClearAwareness(11)
	states = handle.AwarenessStates()
	if len(states) != 1 {
		t.Fatalf("expected 1 awareness entry after tombstone, got %d", len(states))
	}
	if _, ok := states[11]; ok {
		t.Fatal("expected tombstoned entry to be removed")
	}
}
