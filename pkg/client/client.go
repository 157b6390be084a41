package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	cidpkg "github.com/halilibrahimtanac/twish-signal/internal/cid"
	"github.com/halilibrahimtanac/twish-signal/pkg/protocol"
)

// EventHandler defines callbacks for relay-delivered events. All callbacks
// run on the message-listening goroutine; do not block in them.
type EventHandler interface {
	OnConnected()
	OnDisconnected()
	OnPresence(users []string)
	OnIncomingCall(from string, profile *protocol.Profile)
	OnCallAccepted()
	OnCallRejected()
	OnCallCancelled()
	OnCallEnded(reason string)
	OnUserBusy()
	OnBusyCleared()
	OnUserOffline(target string)
	OnLocalError(err error)
	OnError(message, code string)
	OnServerEvent(eventType string, data map[string]interface{})
}

// DefaultEventHandler logs every event and nothing more.
type DefaultEventHandler struct{}

func (DefaultEventHandler) OnConnected()    { log.Info().Msg("connected to signaling server") }
func (DefaultEventHandler) OnDisconnected() { log.Info().Msg("disconnected from signaling server") }
func (DefaultEventHandler) OnPresence(users []string) {
	log.Info().Strs("users", users).Msg("presence updated")
}
func (DefaultEventHandler) OnIncomingCall(from string, profile *protocol.Profile) {
	log.Info().Str("from", from).Msg("incoming call")
}
func (DefaultEventHandler) OnCallAccepted()  { log.Info().Msg("call accepted") }
func (DefaultEventHandler) OnCallRejected()  { log.Info().Msg("call rejected") }
func (DefaultEventHandler) OnCallCancelled() { log.Info().Msg("call cancelled") }
func (DefaultEventHandler) OnCallEnded(reason string) {
	log.Info().Str("reason", reason).Msg("call ended")
}
func (DefaultEventHandler) OnUserBusy()    { log.Info().Msg("user is busy") }
func (DefaultEventHandler) OnBusyCleared() { log.Info().Msg("busy notice cleared") }
func (DefaultEventHandler) OnUserOffline(target string) {
	log.Info().Str("target", target).Msg("user is offline")
}
func (DefaultEventHandler) OnLocalError(err error) { log.Error().Err(err).Msg("local call error") }
func (DefaultEventHandler) OnError(message, code string) {
	log.Error().Str("code", code).Str("message", message).Msg("server error")
}
func (DefaultEventHandler) OnServerEvent(eventType string, data map[string]interface{}) {
	log.Debug().Str("event", eventType).Msg("server event")
}

// buildDialHeaders constructs the HTTP header map used for websocket.Dial.
// Extracted to allow unit testing of header propagation.
func buildDialHeaders(ctx context.Context, userAgent string) map[string][]string {
	headers := map[string][]string{"User-Agent": {userAgent}}
	cidpkg.AddHeaderFromContext(headers, ctx)
	return headers
}

// Client is the signaling endpoint: it owns the websocket to the relay and
// the call controller mirroring the relay's session state.
type Client struct {
	config     ClientConfig
	controller *CallController

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	handler   EventHandler
	pending   map[string][]chan bool
}

// NewClient creates a signaling client. A nil media source means
// signal-only operation; a nil peer factory defaults to pion with an empty
// ICE configuration.
func NewClient(config ClientConfig, media MediaSource, peers PeerFactory) *Client {
	if config.UserAgent == "" {
		config.UserAgent = "twish-signal-client/1.0"
	}
	if config.BusyNoticeTTL <= 0 {
		config.BusyNoticeTTL = defaultBusyNoticeTTL
	}
	if peers == nil {
		peers = NewPionFactory(webrtc.Configuration{})
	}

	c := &Client{
		config:  config,
		handler: DefaultEventHandler{},
		pending: make(map[string][]chan bool),
	}
	c.controller = newCallController(c, c.events, media, peers,
		log.With().Str("component", "call-controller").Str("user_id", config.Identity).Logger())
	return c
}

// SetEventHandler replaces the default handler. Call before Connect.
func (c *Client) SetEventHandler(handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// Calls exposes the call controller.
func (c *Client) Calls() *CallController {
	return c.controller
}

// Identity returns the configured identity.
func (c *Client) Identity() string {
	return c.config.Identity
}

// IsConnected reports whether the websocket is up.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect dials the server and registers the identity with user-online.
func (c *Client) Connect(ctx context.Context) error {
	if c.config.Identity == "" {
		return fmt.Errorf("client identity required")
	}

	conn, _, err := websocket.Dial(ctx, c.config.ServerURL, &websocket.DialOptions{
		HTTPHeader: buildDialHeaders(ctx, c.config.UserAgent),
	})
	if err != nil {
		return fmt.Errorf("connect to server: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	online := protocol.CallEvent{
		Type: protocol.EventUserOnline,
		From: c.config.Identity,
	}
	if err := c.sendEvent(ctx, online); err != nil {
		_ = c.Disconnect()
		return fmt.Errorf("register identity: %w", err)
	}

	c.events().OnConnected()
	return nil
}

// Disconnect closes the websocket.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	wasConnected := c.connected
	c.connected = false
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.Close(websocket.StatusNormalClosure, "client disconnect")
	if wasConnected {
		c.events().OnDisconnected()
	}
	return err
}

// CheckUserOnline asks the relay whether target currently has a live
// connection and waits for the answer.
func (c *Client) CheckUserOnline(ctx context.Context, target string) (bool, error) {
	ch := make(chan bool, 1)
	c.mu.Lock()
	c.pending[target] = append(c.pending[target], ch)
	c.mu.Unlock()

	ev := protocol.CallEvent{Type: protocol.EventCheckOnline, To: target}
	if err := c.sendEvent(ctx, ev); err != nil {
		c.dropWaiter(target, ch)
		return false, err
	}

	select {
	case online := <-ch:
		return online, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// dropWaiter removes a reply channel that will never be resolved because the
// query it belongs to was never sent.
func (c *Client) dropWaiter(target string, ch chan bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	waiters := c.pending[target]
	for i, w := range waiters {
		if w == ch {
			waiters = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(waiters) == 0 {
		delete(c.pending, target)
	} else {
		c.pending[target] = waiters
	}
}

// ListenForMessages reads and dispatches relay events until the connection
// drops or ctx is cancelled. A drop releases any in-flight call locally.
func (c *Client) ListenForMessages(ctx context.Context) error {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return fmt.Errorf("client not connected")
		}

		var ev protocol.CallEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			c.mu.Lock()
			c.connected = false
			c.mu.Unlock()
			c.controller.handleRemoteTerminal(func(h EventHandler) {
				h.OnCallEnded("connection-lost")
			})
			c.events().OnDisconnected()
			return fmt.Errorf("read: %w", err)
		}

		c.dispatch(ctx, ev)
	}
}

func (c *Client) dispatch(ctx context.Context, ev protocol.CallEvent) {
	switch ev.Type {
	case protocol.EventOnlineUsers:
		c.events().OnPresence(stringSlice(ev.Data[protocol.DataKeyUsers]))

	case protocol.EventIncomingCall:
		c.controller.handleIncoming(ctx, ev.From, ev.Signal, decodeProfile(ev.Data[protocol.DataKeyProfile]))

	case protocol.EventCallAccepted:
		c.controller.handleAccepted(ev.Signal)

	case protocol.EventCallRejected:
		c.controller.handleRemoteTerminal(func(h EventHandler) { h.OnCallRejected() })

	case protocol.EventCallCancelled:
		c.controller.handleRemoteTerminal(func(h EventHandler) { h.OnCallCancelled() })

	case protocol.EventCallEnded:
		reason, _ := ev.Data[protocol.DataKeyReason].(string)
		c.controller.handleRemoteTerminal(func(h EventHandler) { h.OnCallEnded(reason) })

	case protocol.EventUserBusy:
		c.controller.handleRemoteTerminal(func(h EventHandler) { h.OnUserBusy() })
		time.AfterFunc(c.config.BusyNoticeTTL, func() { c.events().OnBusyCleared() })

	case protocol.EventUserOffline:
		target := ev.To
		c.controller.handleRemoteTerminal(func(h EventHandler) { h.OnUserOffline(target) })

	case protocol.EventCheckOnline:
		online, _ := ev.Data[protocol.DataKeyOnline].(bool)
		c.resolveCheck(ev.To, online)

	case protocol.EventError:
		message, _ := ev.Data[protocol.DataKeyMessage].(string)
		code, _ := ev.Data[protocol.DataKeyCode].(string)
		c.events().OnError(message, code)

	default:
		c.events().OnServerEvent(ev.Type, ev.Data)
	}
}

func (c *Client) resolveCheck(target string, online bool) {
	c.mu.Lock()
	waiters := c.pending[target]
	delete(c.pending, target)
	c.mu.Unlock()

	for _, ch := range waiters {
		ch <- online
	}
}

// sendEvent stamps and writes one event; the controller sends through here
// as well.
func (c *Client) sendEvent(ctx context.Context, ev protocol.CallEvent) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	if !connected || conn == nil {
		return fmt.Errorf("client not connected")
	}
	if ev.From == "" {
		ev.From = c.config.Identity
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	return wsjson.Write(ctx, conn, ev)
}

func (c *Client) events() EventHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler
}

func stringSlice(v interface{}) []string {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func decodeProfile(v interface{}) *protocol.Profile {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var p protocol.Profile
	if err := json.Unmarshal(b, &p); err != nil {
		return nil
	}
	return &p
}
