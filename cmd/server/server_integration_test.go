package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"

	"github.com/halilibrahimtanac/twish-signal/internal/config"
	"github.com/halilibrahimtanac/twish-signal/pkg/protocol"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s := NewServer(&config.Config{
		Mode:          "test",
		SendBuffer:    32,
		BusyNoticeTTL: 4 * time.Second,
	})
	ts := httptest.NewServer(s.router)
	t.Cleanup(ts.Close)
	return s, ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

// dialAndRegister connects a websocket client and registers its identity.
func dialAndRegister(t *testing.T, ts *httptest.Server, identity string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial failed for %s: %v", identity, err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })

	err = wsjson.Write(ctx, conn, protocol.CallEvent{
		Type: protocol.EventUserOnline,
		From: identity,
	})
	if err != nil {
		t.Fatalf("register %s failed: %v", identity, err)
	}
	return conn
}

// readUntil reads events until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, eventType string) protocol.CallEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	for {
		var ev protocol.CallEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			t.Fatalf("waiting for %s: %v", eventType, err)
		}
		if ev.Type == eventType {
			return ev
		}
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode health body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", body)
	}
}

func TestRegistrationAndPresenceBroadcast(t *testing.T) {
	_, ts := newTestServer(t)

	alice := dialAndRegister(t, ts, "alice")
	readUntil(t, alice, protocol.EventOnlineUsers)

	dialAndRegister(t, ts, "bob")

	// Alice gets a refreshed snapshot containing both identities.
	ev := readUntil(t, alice, protocol.EventOnlineUsers)
	users, _ := ev.Data[protocol.DataKeyUsers].([]interface{})
	if len(users) != 2 || users[0] != "alice" || users[1] != "bob" {
		t.Fatalf("expected snapshot [alice bob], got %v", ev.Data[protocol.DataKeyUsers])
	}
}

func TestOnlineHTTPEndpoints(t *testing.T) {
	_, ts := newTestServer(t)

	alice := dialAndRegister(t, ts, "alice")
	readUntil(t, alice, protocol.EventOnlineUsers)

	resp, err := http.Get(ts.URL + "/api/online/alice")
	if err != nil {
		t.Fatalf("online query failed: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		ID     string `json:"id"`
		Online bool   `json:"online"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode online body: %v", err)
	}
	if !body.Online || body.ID != "alice" {
		t.Fatalf("expected alice online, got %+v", body)
	}

	statsResp, err := http.Get(ts.URL + "/api/stats")
	if err != nil {
		t.Fatalf("stats query failed: %v", err)
	}
	defer statsResp.Body.Close()
	var stats struct {
		OnlineUsers    int `json:"online_users"`
		ActiveSessions int `json:"active_sessions"`
	}
	if err := json.NewDecoder(statsResp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.OnlineUsers != 1 || stats.ActiveSessions != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestTwoClientCallFlow(t *testing.T) {
	_, ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alice := dialAndRegister(t, ts, "alice")
	bob := dialAndRegister(t, ts, "bob")
	readUntil(t, alice, protocol.EventOnlineUsers)
	readUntil(t, bob, protocol.EventOnlineUsers)

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	if err := wsjson.Write(ctx, alice, protocol.CallEvent{
		Type:   protocol.EventCallUser,
		To:     "bob",
		Signal: offer,
	}); err != nil {
		t.Fatalf("call-user failed: %v", err)
	}

	incoming := readUntil(t, bob, protocol.EventIncomingCall)
	if incoming.From != "alice" {
		t.Fatalf("expected caller alice, got %q", incoming.From)
	}
	if string(incoming.Signal) != string(offer) {
		t.Fatalf("offer not relayed verbatim: %s", incoming.Signal)
	}

	answer := json.RawMessage(`{"type":"answer","sdp":"v=0"}`)
	if err := wsjson.Write(ctx, bob, protocol.CallEvent{
		Type:   protocol.EventAcceptCall,
		Signal: answer,
	}); err != nil {
		t.Fatalf("accept-call failed: %v", err)
	}

	accepted := readUntil(t, alice, protocol.EventCallAccepted)
	if string(accepted.Signal) != string(answer) {
		t.Fatalf("answer not relayed verbatim: %s", accepted.Signal)
	}

	if err := wsjson.Write(ctx, alice, protocol.CallEvent{Type: protocol.EventEndCall}); err != nil {
		t.Fatalf("end-call failed: %v", err)
	}
	readUntil(t, bob, protocol.EventCallEnded)
}

func TestBusyTargetIntegration(t *testing.T) {
	_, ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alice := dialAndRegister(t, ts, "alice")
	bob := dialAndRegister(t, ts, "bob")
	carol := dialAndRegister(t, ts, "carol")
	readUntil(t, alice, protocol.EventOnlineUsers)
	readUntil(t, bob, protocol.EventOnlineUsers)
	readUntil(t, carol, protocol.EventOnlineUsers)

	if err := wsjson.Write(ctx, alice, protocol.CallEvent{
		Type: protocol.EventCallUser,
		To:   "bob",
	}); err != nil {
		t.Fatalf("call-user failed: %v", err)
	}
	readUntil(t, bob, protocol.EventIncomingCall)

	if err := wsjson.Write(ctx, carol, protocol.CallEvent{
		Type: protocol.EventCallUser,
		To:   "alice",
	}); err != nil {
		t.Fatalf("second call-user failed: %v", err)
	}
	busy := readUntil(t, carol, protocol.EventUserBusy)
	if busy.To != "alice" {
		t.Fatalf("expected busy notice for alice, got %q", busy.To)
	}
}

func TestDisconnectNotifiesPeer(t *testing.T) {
	s, ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alice := dialAndRegister(t, ts, "alice")
	bob := dialAndRegister(t, ts, "bob")
	readUntil(t, alice, protocol.EventOnlineUsers)
	readUntil(t, bob, protocol.EventOnlineUsers)

	if err := wsjson.Write(ctx, alice, protocol.CallEvent{
		Type: protocol.EventCallUser,
		To:   "bob",
	}); err != nil {
		t.Fatalf("call-user failed: %v", err)
	}
	readUntil(t, bob, protocol.EventIncomingCall)

	// Bob vanishes mid-ring.
	_ = bob.Close(websocket.StatusGoingAway, "gone")

	ended := readUntil(t, alice, protocol.EventCallEnded)
	if reason := ended.Data[protocol.DataKeyReason]; reason != "peer-disconnected" {
		t.Fatalf("expected reason peer-disconnected, got %v", reason)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.sessions.Count() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.sessions.Count() != 0 {
		t.Fatalf("session must be gone after a disconnect")
	}
}

func TestEventBeforeRegistrationRejected(t *testing.T) {
	_, ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "test done")

	if err := wsjson.Write(ctx, conn, protocol.CallEvent{
		Type: protocol.EventCallUser,
		To:   "bob",
	}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	ev := readUntil(t, conn, protocol.EventError)
	if code := ev.Data[protocol.DataKeyCode]; code != protocol.CodeNotRegistered {
		t.Fatalf("expected code %q, got %v", protocol.CodeNotRegistered, code)
	}
}

func TestCheckOnlineIntegration(t *testing.T) {
	_, ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	alice := dialAndRegister(t, ts, "alice")
	readUntil(t, alice, protocol.EventOnlineUsers)

	if err := wsjson.Write(ctx, alice, protocol.CallEvent{
		Type: protocol.EventCheckOnline,
		To:   "ghost",
	}); err != nil {
		t.Fatalf("check-user-online failed: %v", err)
	}
	ev := readUntil(t, alice, protocol.EventCheckOnline)
	if online, _ := ev.Data[protocol.DataKeyOnline].(bool); online {
		t.Fatalf("expected ghost offline")
	}
}
