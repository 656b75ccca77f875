package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"nhooyr.io/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsBuffer       = 64
)

// wsMessage is one frame on the diagnostics stream.
type wsMessage struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// handleWS streams bridge events to one client. Every connection owns its
// own bus subscription, scoped to the connection: closing the socket revokes
// it, and a slow client only drops its own events instead of stalling the
// hub or its peers.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := s.bus.Subscribe(wsBuffer)
	defer sub.Close()

	// First frame: the current bridge state, so a dashboard renders without
	// waiting for the next event.
	if err := s.writeFrame(ctx, conn, wsMessage{
		Type: "snapshot",
		Data: map[string]any{
			"devices": s.bridge.ControllerDiagnostics(),
			"proxies": s.bridge.ProxyStates(),
		},
	}); err != nil {
		return
	}

	// Drain incoming frames only to learn when the peer goes away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			conn.Close(websocket.StatusGoingAway, "server shutdown")
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			if err := s.writeFrame(ctx, conn, wsMessage{Type: e.Type(), Data: e.Fields()}); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeFrame(ctx context.Context, conn *websocket.Conn, msg wsMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("ws marshal", "err", err)
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
