package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/halilibrahimtanac/twish-signal/internal/cid"
	"github.com/halilibrahimtanac/twish-signal/internal/types"
	"github.com/halilibrahimtanac/twish-signal/pkg/protocol"
)

// Liveness knobs, variables so tests can shorten them.
var (
	PingInterval = 25 * time.Second
	PongTimeout  = 60 * time.Second
)

// handleWebSocket owns one client connection end to end: accept, read pump
// (this goroutine), write pump and ping loop (spawned), and disconnect
// cleanup through the relay on every exit path.
func (s *Server) handleWebSocket(c *gin.Context) {
	ws, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Error().Err(err).Msg("websocket accept failed")
		return
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	conn := types.NewConn(ws, "", s.cfg.SendBuffer)
	l := s.log.With().Str("cid", cid.FromContext(ctx)).Logger()
	l.Info().Msg("client connected")

	go s.writePump(ctx, conn, cancel)
	go s.pingLoop(ctx, conn, cancel)

	defer func() {
		s.relay.HandleDisconnect(ctx, conn)
		conn.CloseSend()
		l.Info().Str("user_id", conn.UserID()).Msg("client disconnected")
	}()

	s.readPump(ctx, conn, l)
}

// readPump parses incoming text frames as call events and hands them to the
// relay. A malformed frame is skipped, not fatal; any read error ends the
// connection.
func (s *Server) readPump(ctx context.Context, conn *types.Conn, l zerolog.Logger) {
	for {
		msgType, data, err := conn.WS.Read(ctx)
		if err != nil {
			l.Debug().Err(err).Str("user_id", conn.UserID()).Msg("read loop ended")
			return
		}
		if msgType != websocket.MessageText {
			l.Debug().Str("user_id", conn.UserID()).Msg("ignoring non-text frame")
			continue
		}

		var ev protocol.CallEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			l.Warn().Err(err).Str("user_id", conn.UserID()).Msg("malformed event")
			continue
		}

		s.relay.HandleEvent(ctx, conn, ev)
	}
}

// writePump drains the connection's outbound queue onto the wire. It is the
// only goroutine that writes data frames on this websocket.
func (s *Server) writePump(ctx context.Context, conn *types.Conn, cancel context.CancelFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-conn.Send():
			if !ok {
				return
			}
			if err := conn.WS.Write(ctx, websocket.MessageText, msg); err != nil {
				s.log.Debug().Err(err).Str("user_id", conn.UserID()).Msg("write failed")
				cancel()
				return
			}
		}
	}
}

// pingLoop keeps the connection honest: a ping that gets no pong within
// PongTimeout cancels the connection, which surfaces as a peer-disconnect
// to the relay.
func (s *Server) pingLoop(ctx context.Context, conn *types.Conn, cancel context.CancelFunc) {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, PongTimeout)
			err := conn.WS.Ping(pingCtx)
			pingCancel()
			if err != nil {
				s.log.Debug().Err(err).Str("user_id", conn.UserID()).Msg("ping failed, dropping connection")
				cancel()
				return
			}
		}
	}
}
