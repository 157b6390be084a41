package protocol

import (
	"encoding/json"
	"time"
)

// Event names shared between client and server. The direction noted for each
// event is the only direction the relay will honor it in.
const (
	EventUserOnline    = "user-online"          // client -> server, first event after connect
	EventCallUser      = "call-user"            // client -> server
	EventIncomingCall  = "incoming-call"        // server -> callee
	EventAcceptCall    = "accept-call"          // client -> server
	EventCallAccepted  = "call-accepted"        // server -> caller
	EventRejectCall    = "reject-call"          // client -> server
	EventCallRejected  = "call-rejected"        // server -> caller
	EventCancelCall    = "cancel-call"          // client -> server
	EventCallCancelled = "call-cancelled"       // server -> callee
	EventEndCall       = "end-call"             // client -> server
	EventCallEnded     = "call-ended"           // server -> other party
	EventUserBusy      = "user-is-busy"         // server -> caller
	EventUserOffline   = "user-offline"         // server -> caller
	EventCheckOnline   = "check-user-online"    // client -> server, answered with the same type
	EventOnlineUsers   = "online-users-updated" // server -> all clients
	EventError         = "error"                // server -> requester
)

// Error codes carried in the Data["code"] field of error events.
const (
	CodeNotRegistered     = "not_registered"
	CodeAlreadyRegistered = "already_registered"
	CodeMissingTarget     = "missing_target"
	CodeSelfCall          = "self_call"
	CodeIllegalTransition = "illegal_transition"
	CodeUnknownEvent      = "unknown_event"
)

// Data keys used by both sides.
const (
	DataKeyProfile = "profile"
	DataKeyUsers   = "users"
	DataKeyOnline  = "online"
	DataKeyReason  = "reason"
	DataKeyMessage = "message"
	DataKeyCode    = "code"
)

// Profile is the minimal identity snapshot attached to an incoming-call
// event so the callee can render the caller before its own profile data
// loads. It is fetched from the directory service and never stored.
type Profile struct {
	Name      string `json:"name"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// CallEvent is the single wire message exchanged over the websocket. Signal
// carries the opaque negotiation payload (offer/answer/candidate); the relay
// forwards it verbatim and never inspects it.
type CallEvent struct {
	Type      string                 `json:"type"`
	From      string                 `json:"from,omitempty"`
	To        string                 `json:"to,omitempty"`
	Signal    json.RawMessage        `json:"signal,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// IsCritical reports whether an event must not be silently dropped when a
// connection's send buffer is full. Losing one of these desynchronizes the
// two call-state mirrors, or leaves a caller waiting for an answer that was
// already produced; losing a presence refresh does not.
func IsCritical(eventType string) bool {
	switch eventType {
	case EventIncomingCall, EventCallAccepted, EventCallRejected,
		EventCallCancelled, EventCallEnded, EventUserBusy, EventUserOffline,
		EventCheckOnline:
		return true
	default:
		return false
	}
}
