package state

import (
	"sort"
	"sync"

	"github.com/halilibrahimtanac/twish-signal/internal/types"
)

// Registry maps a user identity to its single live connection. Registering
// an identity that already has a connection replaces the old mapping; the
// replaced connection keeps running until its own disconnect, it just stops
// being addressable.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*types.Conn
	seq   uint64

	// onChange receives the full online set after every membership change.
	// Invoked outside the lock.
	onChange func(online []string)

	// pubMu serializes listener invocations; pubSeq is the sequence of the
	// last snapshot actually delivered, so a snapshot overtaken between
	// unlock and publish is skipped instead of rolling subscribers back.
	pubMu  sync.Mutex
	pubSeq uint64
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*types.Conn),
	}
}

// SetChangeListener installs the presence callback. Must be called before
// the registry starts taking registrations.
func (r *Registry) SetChangeListener(fn func(online []string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// Register binds identity -> conn and returns the connection it replaced,
// if any. Membership changed only when the identity was previously absent,
// but the snapshot is published either way so subscribers reconverge after
// a replacement.
func (r *Registry) Register(identity string, conn *types.Conn) *types.Conn {
	r.mu.Lock()
	replaced := r.conns[identity]
	r.conns[identity] = conn
	snapshot, seq, fn := r.snapshotLocked()
	r.mu.Unlock()

	r.publish(snapshot, seq, fn)
	return replaced
}

// Unregister removes the mapping only if conn still holds it, guarding
// against the late disconnect of a connection that was already replaced.
// Returns true when membership actually changed.
func (r *Registry) Unregister(conn *types.Conn) bool {
	r.mu.Lock()
	current, ok := r.conns[conn.UserID()]
	if !ok || current != conn {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, conn.UserID())
	snapshot, seq, fn := r.snapshotLocked()
	r.mu.Unlock()

	r.publish(snapshot, seq, fn)
	return true
}

// Lookup returns the live connection for identity. Absence means the user
// is unreachable.
func (r *Registry) Lookup(identity string) (*types.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[identity]
	return conn, ok
}

func (r *Registry) IsOnline(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[identity]
	return ok
}

// Online returns the sorted set of online identities.
func (r *Registry) Online() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	online := make([]string, 0, len(r.conns))
	for id := range r.conns {
		online = append(online, id)
	}
	sort.Strings(online)
	return online
}

// All returns every live connection, for presence broadcasts.
func (r *Registry) All() []*types.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*types.Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) snapshotLocked() ([]string, uint64, func(online []string)) {
	r.seq++
	online := make([]string, 0, len(r.conns))
	for id := range r.conns {
		online = append(online, id)
	}
	sort.Strings(online)
	return online, r.seq, r.onChange
}

// publish delivers snapshots to the listener in sequence order. A snapshot
// whose membership change was overtaken before delivery is dropped; the
// newer snapshot already supersedes it.
func (r *Registry) publish(snapshot []string, seq uint64, fn func(online []string)) {
	if fn == nil {
		return
	}
	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	if seq <= r.pubSeq {
		return
	}
	r.pubSeq = seq
	fn(snapshot)
}
