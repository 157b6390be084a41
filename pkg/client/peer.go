package client

import (
	"context"
	"encoding/json"
)

// PeerConnector abstracts the peer-connection machinery so the negotiation
// controller is testable without a real media stack. Signals are opaque
// JSON blobs; the controller never looks inside them either.
type PeerConnector interface {
	// CreateOffer produces the local offer signal to send with call-user.
	CreateOffer(ctx context.Context) (json.RawMessage, error)
	// CreateAnswer applies the remote offer and produces the answer signal
	// to send with accept-call.
	CreateAnswer(ctx context.Context, remoteOffer json.RawMessage) (json.RawMessage, error)
	// ApplyRemoteSignal applies a remote answer or candidate.
	ApplyRemoteSignal(signal json.RawMessage) error
	// OnLocalSignal registers a callback for locally generated signals
	// outside the offer/answer pair (renegotiation, trickle candidates).
	OnLocalSignal(fn func(json.RawMessage))
	// OnRemoteTrack fires when remote media arrives; the argument is the
	// track id.
	OnRemoteTrack(fn func(trackID string))
	// OnClose fires when the underlying connection terminates.
	OnClose(fn func())
	// OnError fires on asynchronous connection failures.
	OnError(fn func(error))
	// Close tears the connection down. Must be safe to call more than once.
	Close() error
}

// PeerFactory creates a fresh PeerConnector per call attempt.
type PeerFactory func() (PeerConnector, error)
