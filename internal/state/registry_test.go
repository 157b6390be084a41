package state_test

import (
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/halilibrahimtanac/twish-signal/internal/state"
	"github.com/halilibrahimtanac/twish-signal/internal/types"
)

func newConn(userID string) *types.Conn {
	return types.NewConn(nil, userID, 8)
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := state.NewRegistry()

	alice := newConn("alice")
	if replaced := r.Register("alice", alice); replaced != nil {
		t.Fatalf("expected no replaced connection, got one")
	}

	got, ok := r.Lookup("alice")
	if !ok {
		t.Fatalf("expected alice to be registered")
	}
	if got != alice {
		t.Fatalf("lookup returned a different connection")
	}
	if !r.IsOnline("alice") {
		t.Fatalf("expected alice to be online")
	}
	if r.IsOnline("bob") {
		t.Fatalf("expected bob to be offline")
	}
}

func TestRegistry_ReplaceKeepsSingleEntry(t *testing.T) {
	r := state.NewRegistry()

	first := newConn("alice")
	second := newConn("alice")

	r.Register("alice", first)
	replaced := r.Register("alice", second)
	if replaced != first {
		t.Fatalf("expected the first connection to be replaced")
	}
	if r.Count() != 1 {
		t.Fatalf("expected a single entry, got %d", r.Count())
	}

	got, _ := r.Lookup("alice")
	if got != second {
		t.Fatalf("expected lookup to return the newest connection")
	}
}

func TestRegistry_StaleUnregisterIsNoOp(t *testing.T) {
	r := state.NewRegistry()

	first := newConn("alice")
	second := newConn("alice")

	r.Register("alice", first)
	r.Register("alice", second)

	// The replaced connection disconnects late; it no longer owns the slot.
	if changed := r.Unregister(first); changed {
		t.Fatalf("stale unregister must not change membership")
	}
	if !r.IsOnline("alice") {
		t.Fatalf("alice must stay online through a stale unregister")
	}

	if changed := r.Unregister(second); !changed {
		t.Fatalf("current connection unregister must change membership")
	}
	if r.IsOnline("alice") {
		t.Fatalf("alice should be offline after unregister")
	}
}

func TestRegistry_OnlineSnapshotSorted(t *testing.T) {
	r := state.NewRegistry()
	r.Register("charlie", newConn("charlie"))
	r.Register("alice", newConn("alice"))
	r.Register("bob", newConn("bob"))

	want := []string{"alice", "bob", "charlie"}
	if got := r.Online(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestRegistry_ChangeListener(t *testing.T) {
	r := state.NewRegistry()

	var snapshots [][]string
	r.SetChangeListener(func(online []string) {
		snapshots = append(snapshots, online)
	})

	alice := newConn("alice")
	r.Register("alice", alice)
	r.Register("bob", newConn("bob"))
	r.Unregister(alice)

	if len(snapshots) != 3 {
		t.Fatalf("expected 3 snapshots, got %d", len(snapshots))
	}
	if !reflect.DeepEqual(snapshots[1], []string{"alice", "bob"}) {
		t.Fatalf("unexpected second snapshot: %v", snapshots[1])
	}
	if !reflect.DeepEqual(snapshots[2], []string{"bob"}) {
		t.Fatalf("unexpected final snapshot: %v", snapshots[2])
	}
}

func TestRegistry_ListenerNeverSeesStaleSnapshot(t *testing.T) {
	r := state.NewRegistry()

	var mu sync.Mutex
	var delivered [][]string
	r.SetChangeListener(func(online []string) {
		mu.Lock()
		delivered = append(delivered, online)
		mu.Unlock()
	})

	const users = 50
	var wg sync.WaitGroup
	for i := 0; i < users; i++ {
		wg.Add(1)
		id := fmt.Sprintf("user-%02d", i)
		go func(id string) {
			defer wg.Done()
			r.Register(id, newConn(id))
		}(id)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(delivered) == 0 {
		t.Fatalf("expected at least one delivered snapshot")
	}
	// Snapshots may be skipped under contention but never regress, so the
	// last one delivered must reflect the full final membership.
	last := delivered[len(delivered)-1]
	if len(last) != users {
		t.Fatalf("final snapshot has %d users, want %d: %v", len(last), users, last)
	}
	for i := 1; i < len(delivered); i++ {
		if len(delivered[i]) <= len(delivered[i-1]) {
			t.Fatalf("snapshot %d regressed: %d after %d users", i, len(delivered[i]), len(delivered[i-1]))
		}
	}
}
