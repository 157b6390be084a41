package client

import "time"

// CallState is the endpoint's mirror of the relay's session state. It is
// reactive: it only changes in response to relay events or local user
// actions, and it resets to CallIdle on every terminal event.
type CallState string

const (
	// CallIdle: no call attempt in flight.
	CallIdle CallState = "idle"
	// CallDialing: we initiated and are waiting for accept/reject/busy.
	CallDialing CallState = "dialing"
	// CallRinging: an incoming call is waiting for our accept/reject.
	CallRinging CallState = "ringing"
	// CallActive: both sides accepted; media is (being) connected.
	CallActive CallState = "active"
)

// ClientConfig holds configuration for the signaling client.
type ClientConfig struct {
	ServerURL string
	Identity  string
	UserAgent string
	// BusyNoticeTTL is how long a user-is-busy notice stays up before the
	// client auto-dismisses it. Zero means the server-suggested default.
	BusyNoticeTTL time.Duration
}

const defaultBusyNoticeTTL = 4 * time.Second
