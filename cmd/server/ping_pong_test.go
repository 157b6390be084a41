package main

import (
	"context"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// TestPingPong_ActiveClient ensures a client that answers pings stays
// connected across several ping intervals.
func TestPingPong_ActiveClient(t *testing.T) {
	oldPing, oldPong := PingInterval, PongTimeout
	PingInterval = 100 * time.Millisecond
	PongTimeout = 300 * time.Millisecond
	defer func() { PingInterval, PongTimeout = oldPing, oldPong }()

	_, ts := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "test done")

	// coder/websocket only answers pings while a Reader is pending.
	readCtx, readCancel := context.WithCancel(context.Background())
	defer readCancel()
	go func() {
		for {
			if _, _, err := conn.Read(readCtx); err != nil {
				return
			}
		}
	}()

	// Outlive a few ping intervals, then prove the connection still works.
	time.Sleep(500 * time.Millisecond)

	if err := conn.Ping(ctx); err != nil {
		t.Fatalf("connection should still be alive, ping failed: %v", err)
	}
}
