package relay

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/halilibrahimtanac/twish-signal/internal/cid"
	"github.com/halilibrahimtanac/twish-signal/internal/directory"
	"github.com/halilibrahimtanac/twish-signal/internal/state"
	"github.com/halilibrahimtanac/twish-signal/internal/types"
	"github.com/halilibrahimtanac/twish-signal/pkg/protocol"
)

// Relay is the signaling protocol engine. It validates each client event
// against the call-session state machine, forwards opaque negotiation
// payloads between the two participants, and is the only writer of session
// transitions. It never parses a Signal payload.
type Relay struct {
	registry *state.Registry
	sessions *state.SessionTable
	dir      directory.Directory
	log      zerolog.Logger
	tracer   trace.Tracer

	profileTimeout time.Duration
}

func New(registry *state.Registry, sessions *state.SessionTable, dir directory.Directory, log zerolog.Logger) *Relay {
	r := &Relay{
		registry:       registry,
		sessions:       sessions,
		dir:            dir,
		log:            log,
		tracer:         otel.Tracer("twish-signal/relay"),
		profileTimeout: 2 * time.Second,
	}
	registry.SetChangeListener(r.broadcastPresence)
	return r
}

// Stats is the counter snapshot served on /api/stats.
type Stats struct {
	OnlineUsers    int `json:"online_users"`
	ActiveSessions int `json:"active_sessions"`
}

func (r *Relay) Stats() Stats {
	return Stats{
		OnlineUsers:    r.registry.Count(),
		ActiveSessions: r.sessions.Count(),
	}
}

// Online returns the current presence snapshot.
func (r *Relay) Online() []string {
	return r.registry.Online()
}

// IsOnline answers the check-user-online point query.
func (r *Relay) IsOnline(identity string) bool {
	return r.registry.IsOnline(identity)
}

// Register binds the connection to its identity. The first user-online
// event on a connection must carry the identity; everything before that is
// rejected by HandleEvent.
func (r *Relay) Register(ctx context.Context, conn *types.Conn, identity string) error {
	if identity == "" {
		return state.ErrInvalidIdentity
	}
	conn.SetUserID(identity)
	if replaced := r.registry.Register(identity, conn); replaced != nil {
		// The old connection is now orphaned; its own disconnect will be a
		// no-op in the registry.
		r.log.Info().Str("user_id", identity).Msg("replaced existing connection")
	}
	r.log.Info().Str("user_id", identity).Str("cid", cid.FromContext(ctx)).Msg("user online")
	return nil
}

// HandleEvent dispatches one client event. Malformed or out-of-order
// requests degrade to an error reply or a no-op; they never take the relay
// down.
func (r *Relay) HandleEvent(ctx context.Context, conn *types.Conn, ev protocol.CallEvent) {
	ctx, span := r.tracer.Start(ctx, "relay.HandleEvent",
		trace.WithAttributes(
			attribute.String("event.type", ev.Type),
			attribute.String("user.id", conn.UserID()),
			attribute.String(cid.AttributeName, cid.FromContext(ctx)),
		))
	defer span.End()

	if conn.UserID() == "" && ev.Type != protocol.EventUserOnline {
		r.errorTo(conn, protocol.CodeNotRegistered, "register with user-online first")
		return
	}

	switch ev.Type {
	case protocol.EventUserOnline:
		if conn.UserID() != "" {
			r.errorTo(conn, protocol.CodeAlreadyRegistered, "connection already registered")
			return
		}
		if err := r.Register(ctx, conn, ev.From); err != nil {
			r.errorTo(conn, protocol.CodeNotRegistered, "user-online requires an identity")
		}
	case protocol.EventCallUser:
		r.handleCallUser(ctx, conn, ev)
	case protocol.EventAcceptCall:
		r.handleAccept(ctx, conn, ev)
	case protocol.EventRejectCall:
		r.handleReject(ctx, conn)
	case protocol.EventCancelCall:
		r.handleCancel(ctx, conn)
	case protocol.EventEndCall:
		r.handleEnd(ctx, conn)
	case protocol.EventCheckOnline:
		r.handleCheckOnline(conn, ev)
	default:
		r.log.Debug().Str("event", ev.Type).Str("user_id", conn.UserID()).Msg("unknown event type")
		r.errorTo(conn, protocol.CodeUnknownEvent, "unknown event type: "+ev.Type)
	}
}

// handleCallUser drives the call-initiate transition. The session is only
// allowed to survive if the incoming-call event was actually handed to the
// callee's connection; a forward failure rolls the reservation back so no
// busy flag can orphan.
func (r *Relay) handleCallUser(ctx context.Context, conn *types.Conn, ev protocol.CallEvent) {
	from := conn.UserID()
	target := ev.To
	if target == "" {
		r.errorTo(conn, protocol.CodeMissingTarget, "call-user requires a target")
		return
	}

	targetConn, ok := r.registry.Lookup(target)
	if !ok {
		r.reply(conn, protocol.CallEvent{Type: protocol.EventUserOffline, To: target})
		return
	}

	sess, err := r.sessions.TryCreate(from, target)
	if err != nil {
		switch {
		case errors.Is(err, state.ErrUserBusy):
			r.reply(conn, protocol.CallEvent{Type: protocol.EventUserBusy, To: target})
		case errors.Is(err, state.ErrSelfCall):
			r.errorTo(conn, protocol.CodeSelfCall, "cannot call yourself")
		default:
			r.errorTo(conn, protocol.CodeMissingTarget, err.Error())
		}
		return
	}

	profile := r.lookupProfile(ctx, from)

	incoming := protocol.CallEvent{
		Type:      protocol.EventIncomingCall,
		From:      from,
		Signal:    ev.Signal,
		Timestamp: time.Now(),
	}
	if profile != nil {
		incoming.Data = map[string]interface{}{protocol.DataKeyProfile: profile}
	}

	if err := r.send(targetConn, incoming); err != nil {
		// Callee vanished between lookup and forward: identical outcome to
		// "target offline", and the reservation must not linger.
		r.sessions.Remove(from)
		r.log.Debug().Err(err).Str("from", from).Str("target", target).Msg("incoming-call forward failed")
		r.reply(conn, protocol.CallEvent{Type: protocol.EventUserOffline, To: target})
		return
	}

	if err := r.sessions.SetRinging(from); err != nil {
		// The session moved on while the forward was in flight: torn down
		// (callee dropped) or already accepted by a fast callee. Either way
		// the later transition wins and ringing is moot.
		r.log.Debug().Err(err).Str("from", from).Msg("session advanced past ringing")
		return
	}

	r.log.Info().Str("session_id", sess.ID).Str("from", from).Str("target", target).Msg("call ringing")
}

func (r *Relay) handleAccept(ctx context.Context, conn *types.Conn, ev protocol.CallEvent) {
	sess, err := r.sessions.Accept(conn.UserID())
	if err != nil {
		r.ignoreIllegal(conn, "accept-call", err)
		return
	}

	callerConn, ok := r.registry.Lookup(sess.Initiator)
	if !ok {
		r.abortAccepted(ctx, conn)
		return
	}

	accepted := protocol.CallEvent{
		Type:      protocol.EventCallAccepted,
		From:      conn.UserID(),
		Signal:    ev.Signal,
		Timestamp: time.Now(),
	}
	if err := r.send(callerConn, accepted); err != nil {
		r.abortAccepted(ctx, conn)
		return
	}

	r.log.Info().Str("session_id", sess.ID).Str("initiator", sess.Initiator).Str("target", sess.Target).Msg("call connected")
}

func (r *Relay) handleReject(ctx context.Context, conn *types.Conn) {
	sess, err := r.sessions.Reject(conn.UserID())
	if err != nil {
		r.ignoreIllegal(conn, "reject-call", err)
		return
	}
	r.notify(sess.Initiator, protocol.CallEvent{
		Type:      protocol.EventCallRejected,
		From:      conn.UserID(),
		Timestamp: time.Now(),
	})
	r.log.Info().Str("session_id", sess.ID).Str("initiator", sess.Initiator).Str("target", sess.Target).Msg("call rejected")
}

func (r *Relay) handleCancel(ctx context.Context, conn *types.Conn) {
	sess, err := r.sessions.Cancel(conn.UserID())
	if err != nil {
		r.ignoreIllegal(conn, "cancel-call", err)
		return
	}
	r.notify(sess.Target, protocol.CallEvent{
		Type:      protocol.EventCallCancelled,
		From:      conn.UserID(),
		Timestamp: time.Now(),
	})
	r.log.Info().Str("session_id", sess.ID).Str("initiator", sess.Initiator).Str("target", sess.Target).Msg("call cancelled")
}

func (r *Relay) handleEnd(ctx context.Context, conn *types.Conn) {
	sess, err := r.sessions.End(conn.UserID())
	if err != nil {
		// Both ends hanging up near-simultaneously lands here: the second
		// end-call finds no session and must be a silent no-op.
		if errors.Is(err, state.ErrSessionNotFound) {
			return
		}
		r.ignoreIllegal(conn, "end-call", err)
		return
	}
	r.notify(sess.Other(conn.UserID()), protocol.CallEvent{
		Type:      protocol.EventCallEnded,
		From:      conn.UserID(),
		Timestamp: time.Now(),
	})
	r.log.Info().Str("session_id", sess.ID).Str("initiator", sess.Initiator).Str("target", sess.Target).Msg("call ended")
}

func (r *Relay) handleCheckOnline(conn *types.Conn, ev protocol.CallEvent) {
	target := ev.To
	r.reply(conn, protocol.CallEvent{
		Type: protocol.EventCheckOnline,
		To:   target,
		Data: map[string]interface{}{protocol.DataKeyOnline: r.registry.IsOnline(target)},
	})
}

// HandleDisconnect runs when a connection's read pump exits for any reason.
// It releases the registry slot (a stale, already-replaced connection is a
// no-op) and, if the identity was mid-call, tears the session down and
// tells the remaining party.
func (r *Relay) HandleDisconnect(ctx context.Context, conn *types.Conn) {
	if conn.UserID() == "" {
		return
	}
	if changed := r.registry.Unregister(conn); !changed {
		return
	}
	r.dropAndNotify(ctx, conn.UserID())
	r.log.Info().Str("user_id", conn.UserID()).Msg("user offline")
}

// abortAccepted unwinds an accept whose call-accepted forward could not
// reach the initiator. The initiator side is handled like any other drop
// (best effort, it is likely gone); the acceptor is still reachable and
// must hear that the call died, or its mirror stays active forever.
func (r *Relay) abortAccepted(ctx context.Context, conn *types.Conn) {
	r.dropAndNotify(ctx, conn.UserID())
	r.reply(conn, protocol.CallEvent{
		Type: protocol.EventCallEnded,
		Data: map[string]interface{}{protocol.DataKeyReason: "peer-disconnected"},
	})
}

func (r *Relay) dropAndNotify(ctx context.Context, identity string) {
	sess, err := r.sessions.Drop(identity)
	if err != nil {
		return
	}
	r.notify(sess.Other(identity), protocol.CallEvent{
		Type:      protocol.EventCallEnded,
		From:      identity,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{protocol.DataKeyReason: "peer-disconnected"},
	})
	r.log.Info().
		Str("session_id", sess.ID).
		Str("initiator", sess.Initiator).
		Str("target", sess.Target).
		Str("dropped_by", identity).
		Msg("call dropped")
}

// lookupProfile fetches the caller's display snapshot, best effort. Ringing
// must not hinge on the directory being reachable.
func (r *Relay) lookupProfile(ctx context.Context, identity string) *protocol.Profile {
	if r.dir == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.profileTimeout)
	defer cancel()

	p, err := r.dir.Lookup(ctx, identity)
	if err != nil {
		r.log.Warn().Err(err).Str("user_id", identity).Msg("profile lookup failed")
		return nil
	}
	r.sessions.AttachProfile(identity, &p)
	return &p
}

// notify delivers a terminal event to an identity if it is still reachable.
// Failures are logged and swallowed: the session is already gone.
func (r *Relay) notify(identity string, ev protocol.CallEvent) {
	conn, ok := r.registry.Lookup(identity)
	if !ok {
		return
	}
	if err := r.send(conn, ev); err != nil {
		r.log.Debug().Err(err).Str("user_id", identity).Str("event", ev.Type).Msg("notify failed")
	}
}

// reply answers the requesting connection; a failed reply means the
// requester is already gone and there is nothing more to do.
func (r *Relay) reply(conn *types.Conn, ev protocol.CallEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if err := r.send(conn, ev); err != nil {
		r.log.Debug().Err(err).Str("user_id", conn.UserID()).Str("event", ev.Type).Msg("reply failed")
	}
}

func (r *Relay) errorTo(conn *types.Conn, code, message string) {
	r.reply(conn, protocol.CallEvent{
		Type: protocol.EventError,
		Data: map[string]interface{}{
			protocol.DataKeyCode:    code,
			protocol.DataKeyMessage: message,
		},
	})
}

// ignoreIllegal handles an action arriving for a session in a state that
// does not permit it: no-op on an already-gone session, explicit error
// event when the session exists but the transition is not legal for the
// caller's role.
func (r *Relay) ignoreIllegal(conn *types.Conn, action string, err error) {
	if errors.Is(err, state.ErrSessionNotFound) {
		r.log.Debug().Str("action", action).Str("user_id", conn.UserID()).Msg("no session for action")
		return
	}
	r.log.Debug().Err(err).Str("action", action).Str("user_id", conn.UserID()).Msg("illegal transition")
	r.errorTo(conn, protocol.CodeIllegalTransition, action+": "+err.Error())
}

func (r *Relay) send(conn *types.Conn, ev protocol.CallEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	msg, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return conn.Enqueue(msg, protocol.IsCritical(ev.Type))
}

// broadcastPresence pushes the full online set to every connected client.
// It runs on every registry membership change; a full snapshot rather than
// a diff keeps subscribers trivially convergent.
func (r *Relay) broadcastPresence(online []string) {
	ev := protocol.CallEvent{
		Type:      protocol.EventOnlineUsers,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{protocol.DataKeyUsers: online},
	}
	msg, err := json.Marshal(ev)
	if err != nil {
		r.log.Error().Err(err).Msg("marshal presence event")
		return
	}
	for _, conn := range r.registry.All() {
		if err := conn.Enqueue(msg, false); err != nil {
			r.log.Debug().Err(err).Str("user_id", conn.UserID()).Msg("presence push skipped")
		}
	}
}
