package state

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/halilibrahimtanac/twish-signal/pkg/protocol"
)

type CallState string

const (
	StateInitiating CallState = "initiating"
	StateRinging    CallState = "ringing"
	StateConnected  CallState = "connected"
	StateEnded      CallState = "ended"
	StateRejected   CallState = "rejected"
	StateCancelled  CallState = "cancelled"
	StateDropped    CallState = "dropped"
)

// Terminal reports whether the state ends the session. A terminal session
// is never stored; the table removes it in the same critical section that
// applied the transition.
func (s CallState) Terminal() bool {
	switch s {
	case StateEnded, StateRejected, StateCancelled, StateDropped:
		return true
	default:
		return false
	}
}

// CallSession is one call attempt between exactly two identities. The table
// below is the sole writer of State; everything handed out is a copy.
type CallSession struct {
	ID            string
	Initiator     string
	Target        string
	State         CallState
	CallerProfile *protocol.Profile
	CreatedAt     time.Time
}

// Has reports whether identity participates in the session.
func (s *CallSession) Has(identity string) bool {
	return s.Initiator == identity || s.Target == identity
}

// Other returns the counterpart of identity in the session.
func (s *CallSession) Other(identity string) string {
	if s.Initiator == identity {
		return s.Target
	}
	return s.Initiator
}

// SessionTable enforces at-most-one active call session per identity. Both
// participants key the same *CallSession, so creating or removing a session
// occupies or frees both slots in one critical section. A single mutex over
// the whole table is the serialization point that makes TryCreate atomic
// across concurrent attempts touching the same identity.
type SessionTable struct {
	mu     sync.Mutex
	byUser map[string]*CallSession
}

func NewSessionTable() *SessionTable {
	return &SessionTable{
		byUser: make(map[string]*CallSession),
	}
}

// TryCreate reserves both identities for a new session in StateInitiating.
// If either already holds a session the call loses the race and gets
// ErrUserBusy without any mutation.
func (t *SessionTable) TryCreate(initiator, target string) (CallSession, error) {
	if initiator == "" || target == "" {
		return CallSession{}, ErrInvalidIdentity
	}
	if initiator == target {
		return CallSession{}, ErrSelfCall
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, busy := t.byUser[initiator]; busy {
		return CallSession{}, ErrUserBusy
	}
	if _, busy := t.byUser[target]; busy {
		return CallSession{}, ErrUserBusy
	}

	sess := &CallSession{
		ID:        uuid.NewString(),
		Initiator: initiator,
		Target:    target,
		State:     StateInitiating,
		CreatedAt: time.Now(),
	}
	t.byUser[initiator] = sess
	t.byUser[target] = sess
	return *sess, nil
}

// Get returns a copy of the session identity participates in.
func (t *SessionTable) Get(identity string) (CallSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sess, ok := t.byUser[identity]
	if !ok {
		return CallSession{}, false
	}
	return *sess, true
}

// SetRinging moves the initiator's session from Initiating to Ringing once
// the incoming-call event has actually been handed to the callee.
func (t *SessionTable) SetRinging(initiator string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	sess, ok := t.byUser[initiator]
	if !ok {
		return ErrSessionNotFound
	}
	if sess.Initiator != initiator {
		return ErrNotParticipant
	}
	if sess.State != StateInitiating {
		return ErrIllegalTransition
	}
	sess.State = StateRinging
	return nil
}

// AttachProfile caches the caller's directory snapshot on the session for
// later display. Best effort; a missing session is fine.
func (t *SessionTable) AttachProfile(initiator string, p *protocol.Profile) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if sess, ok := t.byUser[initiator]; ok && sess.Initiator == initiator {
		sess.CallerProfile = p
	}
}

// Accept connects the session. Only the target may accept. Initiating is
// allowed alongside Ringing: the incoming-call forward reaches the callee
// before the initiator's slot is flipped to Ringing, so a fast accept can
// legitimately arrive in that window.
func (t *SessionTable) Accept(target string) (CallSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sess, ok := t.byUser[target]
	if !ok {
		return CallSession{}, ErrSessionNotFound
	}
	if sess.Target != target {
		return CallSession{}, ErrNotParticipant
	}
	if sess.State != StateRinging && sess.State != StateInitiating {
		return CallSession{}, ErrIllegalTransition
	}
	sess.State = StateConnected
	return *sess, nil
}

// Reject tears down a ringing session. Only the target may reject.
func (t *SessionTable) Reject(target string) (CallSession, error) {
	return t.terminate(target, StateRejected, func(sess *CallSession) error {
		if sess.Target != target {
			return ErrNotParticipant
		}
		if sess.State != StateRinging && sess.State != StateInitiating {
			return ErrIllegalTransition
		}
		return nil
	})
}

// Cancel tears down a not-yet-answered session. Only the initiator may
// cancel.
func (t *SessionTable) Cancel(initiator string) (CallSession, error) {
	return t.terminate(initiator, StateCancelled, func(sess *CallSession) error {
		if sess.Initiator != initiator {
			return ErrNotParticipant
		}
		if sess.State != StateRinging && sess.State != StateInitiating {
			return ErrIllegalTransition
		}
		return nil
	})
}

// End tears down the session from either side. Meant for Connected sessions
// but accepted in any active state so a confused client can always recover
// to idle.
func (t *SessionTable) End(identity string) (CallSession, error) {
	return t.terminate(identity, StateEnded, func(sess *CallSession) error {
		return nil
	})
}

// Drop tears down the session because a participant's connection died.
func (t *SessionTable) Drop(identity string) (CallSession, error) {
	return t.terminate(identity, StateDropped, func(sess *CallSession) error {
		return nil
	})
}

// Remove frees both participants' slots regardless of state. Used to roll
// back a TryCreate whose incoming-call forward failed.
func (t *SessionTable) Remove(identity string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	sess, ok := t.byUser[identity]
	if !ok {
		return false
	}
	t.removeLocked(sess)
	return true
}

// Count returns the number of distinct active sessions.
func (t *SessionTable) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := make(map[*CallSession]struct{}, len(t.byUser))
	for _, sess := range t.byUser {
		seen[sess] = struct{}{}
	}
	return len(seen)
}

// terminate applies a terminal transition and removes the session under one
// lock. A second terminal request for the same session finds the table
// empty and returns ErrSessionNotFound, which callers treat as a no-op.
func (t *SessionTable) terminate(identity string, to CallState, check func(*CallSession) error) (CallSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sess, ok := t.byUser[identity]
	if !ok {
		return CallSession{}, ErrSessionNotFound
	}
	if err := check(sess); err != nil {
		return CallSession{}, err
	}
	sess.State = to
	t.removeLocked(sess)
	return *sess, nil
}

func (t *SessionTable) removeLocked(sess *CallSession) {
	if t.byUser[sess.Initiator] == sess {
		delete(t.byUser, sess.Initiator)
	}
	if t.byUser[sess.Target] == sess {
		delete(t.byUser, sess.Target)
	}
}
