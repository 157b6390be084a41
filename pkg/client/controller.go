package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/halilibrahimtanac/twish-signal/pkg/protocol"
)

var (
	ErrNotIdle        = errors.New("a call is already in progress")
	ErrNoIncomingCall = errors.New("no incoming call to answer")
	ErrNoActiveCall   = errors.New("no active call")
)

// sender is what the controller needs from the transport. *Client
// implements it; tests substitute a capture.
type sender interface {
	sendEvent(ctx context.Context, ev protocol.CallEvent) error
}

// CallController runs the endpoint's call state machine. It holds no
// authoritative state: every transition is a reaction to a relay event or a
// local user action, media setup runs off the event loop, and any terminal
// event resets the mirror and releases local resources on all exit paths.
type CallController struct {
	send    sender
	events  func() EventHandler
	media   MediaSource
	newPeer PeerFactory
	log     zerolog.Logger

	mu      sync.Mutex
	state   CallState
	peerID  string
	offer   json.RawMessage
	peer    PeerConnector
	stream  MediaStream
	attempt int // bumped on every new attempt and every reset; stale goroutines compare it
}

func newCallController(send sender, events func() EventHandler, media MediaSource, factory PeerFactory, log zerolog.Logger) *CallController {
	if media == nil {
		media = NoMedia{}
	}
	return &CallController{
		send:    send,
		events:  events,
		media:   media,
		newPeer: factory,
		log:     log,
		state:   CallIdle,
	}
}

// State returns the current mirror state.
func (c *CallController) State() CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PeerID returns the counterpart of the in-flight call attempt, if any.
func (c *CallController) PeerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID
}

// Call starts an outbound call. Media acquisition and offer creation run in
// the background so incoming relay events stay deliverable meanwhile.
func (c *CallController) Call(ctx context.Context, target string) error {
	if target == "" {
		return errors.New("call target required")
	}

	c.mu.Lock()
	if c.state != CallIdle {
		c.mu.Unlock()
		return ErrNotIdle
	}
	c.state = CallDialing
	c.peerID = target
	c.attempt++
	epoch := c.attempt
	c.mu.Unlock()

	go c.dial(ctx, target, epoch)
	return nil
}

func (c *CallController) dial(ctx context.Context, target string, epoch int) {
	stream, err := c.media.Acquire(ctx)
	if err != nil {
		// Nothing was sent to the relay yet, so there is no remote side to
		// unstrand; the failure is purely local.
		c.failLocal(epoch, fmt.Errorf("media acquisition: %w", err), "")
		return
	}

	peer, err := c.newPeer()
	if err != nil {
		stream.Stop()
		c.failLocal(epoch, fmt.Errorf("peer connection: %w", err), "")
		return
	}

	offer, err := peer.CreateOffer(ctx)
	if err != nil {
		stream.Stop()
		_ = peer.Close()
		c.failLocal(epoch, fmt.Errorf("create offer: %w", err), "")
		return
	}

	c.mu.Lock()
	if c.attempt != epoch || c.state != CallDialing {
		// Attempt superseded while we were acquiring; release immediately.
		c.mu.Unlock()
		stream.Stop()
		_ = peer.Close()
		return
	}
	c.stream = stream
	c.peer = peer
	c.mu.Unlock()

	peer.OnError(func(err error) {
		c.failLocal(epoch, err, protocol.EventEndCall)
	})

	ev := protocol.CallEvent{
		Type:   protocol.EventCallUser,
		To:     target,
		Signal: offer,
	}
	if err := c.send.sendEvent(ctx, ev); err != nil {
		c.failLocal(epoch, fmt.Errorf("send call-user: %w", err), "")
	}
}

// Accept answers the ringing incoming call. Like dialing, the heavy lifting
// happens off the event loop; a failure anywhere is reported to the relay
// as a rejection so the caller is not left ringing forever.
func (c *CallController) Accept(ctx context.Context) error {
	c.mu.Lock()
	if c.state != CallRinging {
		c.mu.Unlock()
		return ErrNoIncomingCall
	}
	offer := c.offer
	epoch := c.attempt
	c.mu.Unlock()

	go c.answer(ctx, offer, epoch)
	return nil
}

func (c *CallController) answer(ctx context.Context, offer json.RawMessage, epoch int) {
	stream, err := c.media.Acquire(ctx)
	if err != nil {
		c.failLocal(epoch, fmt.Errorf("media acquisition: %w", err), protocol.EventRejectCall)
		return
	}

	peer, err := c.newPeer()
	if err != nil {
		stream.Stop()
		c.failLocal(epoch, fmt.Errorf("peer connection: %w", err), protocol.EventRejectCall)
		return
	}

	answerSig, err := peer.CreateAnswer(ctx, offer)
	if err != nil {
		stream.Stop()
		_ = peer.Close()
		c.failLocal(epoch, fmt.Errorf("create answer: %w", err), protocol.EventRejectCall)
		return
	}

	c.mu.Lock()
	if c.attempt != epoch || c.state != CallRinging {
		c.mu.Unlock()
		stream.Stop()
		_ = peer.Close()
		return
	}
	c.stream = stream
	c.peer = peer
	c.state = CallActive
	c.mu.Unlock()

	peer.OnError(func(err error) {
		c.failLocal(epoch, err, protocol.EventEndCall)
	})

	ev := protocol.CallEvent{
		Type:   protocol.EventAcceptCall,
		Signal: answerSig,
	}
	if err := c.send.sendEvent(ctx, ev); err != nil {
		c.failLocal(epoch, fmt.Errorf("send accept-call: %w", err), "")
	}
}

// Reject declines the ringing incoming call.
func (c *CallController) Reject(ctx context.Context) error {
	c.mu.Lock()
	if c.state != CallRinging {
		c.mu.Unlock()
		return ErrNoIncomingCall
	}
	c.resetLocked()
	c.mu.Unlock()

	return c.send.sendEvent(ctx, protocol.CallEvent{Type: protocol.EventRejectCall})
}

// Cancel withdraws an outbound call attempt before the callee answered.
func (c *CallController) Cancel(ctx context.Context) error {
	c.mu.Lock()
	if c.state != CallDialing {
		c.mu.Unlock()
		return ErrNoActiveCall
	}
	c.resetLocked()
	c.mu.Unlock()

	return c.send.sendEvent(ctx, protocol.CallEvent{Type: protocol.EventCancelCall})
}

// End hangs up. Accepted in any non-idle state so a confused endpoint can
// always get back to idle.
func (c *CallController) End(ctx context.Context) error {
	c.mu.Lock()
	if c.state == CallIdle {
		c.mu.Unlock()
		return ErrNoActiveCall
	}
	c.resetLocked()
	c.mu.Unlock()

	return c.send.sendEvent(ctx, protocol.CallEvent{Type: protocol.EventEndCall})
}

// handleIncoming reacts to an incoming-call event. If the endpoint is
// already engaged (for example mid-acquisition for an outbound call whose
// call-user has not reached the relay yet), the incoming session is
// rejected right away so neither side strands.
func (c *CallController) handleIncoming(ctx context.Context, from string, signal json.RawMessage, profile *protocol.Profile) {
	c.mu.Lock()
	if c.state != CallIdle {
		c.mu.Unlock()
		c.log.Debug().Str("from", from).Msg("incoming call while engaged, rejecting")
		if err := c.send.sendEvent(ctx, protocol.CallEvent{Type: protocol.EventRejectCall}); err != nil {
			c.log.Debug().Err(err).Msg("busy-reject failed")
		}
		return
	}
	c.state = CallRinging
	c.peerID = from
	c.offer = signal
	c.attempt++
	c.mu.Unlock()

	c.events().OnIncomingCall(from, profile)
}

// handleAccepted reacts to call-accepted: the callee's answer is applied to
// our peer connection and the call goes active.
func (c *CallController) handleAccepted(signal json.RawMessage) {
	c.mu.Lock()
	if c.state != CallDialing || c.peer == nil {
		c.mu.Unlock()
		c.log.Debug().Msg("call-accepted in unexpected state, ignoring")
		return
	}
	peer := c.peer
	epoch := c.attempt
	c.mu.Unlock()

	if err := peer.ApplyRemoteSignal(signal); err != nil {
		c.failLocal(epoch, fmt.Errorf("apply answer: %w", err), protocol.EventEndCall)
		return
	}

	c.mu.Lock()
	if c.attempt == epoch && c.state == CallDialing {
		c.state = CallActive
	}
	c.mu.Unlock()

	c.events().OnCallAccepted()
}

// handleRemoteTerminal reacts to any relay-delivered terminal event. It is
// idempotent: a second terminal for an already-reset mirror is a no-op.
func (c *CallController) handleRemoteTerminal(notify func(EventHandler)) {
	c.mu.Lock()
	if c.state == CallIdle {
		c.mu.Unlock()
		return
	}
	c.resetLocked()
	c.mu.Unlock()

	notify(c.events())
}

// failLocal reports a local failure: release everything, reset the mirror,
// optionally send a terminal event so the counterpart is not stranded, and
// surface the cause to the handler. Stale epochs are ignored.
func (c *CallController) failLocal(epoch int, cause error, terminalEvent string) {
	c.mu.Lock()
	if c.attempt != epoch {
		c.mu.Unlock()
		return
	}
	c.resetLocked()
	c.mu.Unlock()

	if terminalEvent != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := c.send.sendEvent(ctx, protocol.CallEvent{Type: terminalEvent}); err != nil {
			c.log.Debug().Err(err).Str("event", terminalEvent).Msg("terminal send failed")
		}
		cancel()
	}

	c.log.Warn().Err(cause).Msg("call attempt failed locally")
	c.events().OnLocalError(cause)
}

// resetLocked releases local media and the peer connection and returns the
// mirror to idle. Safe to run when nothing is held; every exit path funnels
// through here.
func (c *CallController) resetLocked() {
	if c.stream != nil {
		c.stream.Stop()
		c.stream = nil
	}
	if c.peer != nil {
		_ = c.peer.Close()
		c.peer = nil
	}
	c.offer = nil
	c.peerID = ""
	c.state = CallIdle
	c.attempt++
}
