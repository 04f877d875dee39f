package server

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/quantkit/augur/internal/hub"
)

// WSHandler upgrades HTTP requests to WebSocket connections and bridges
// them into the hub.
type WSHandler struct {
	hub *hub.Hub
	log zerolog.Logger
}

// NewWSHandler creates the WebSocket handler.
func NewWSHandler(h *hub.Hub, log zerolog.Logger) *WSHandler {
	return &WSHandler{
		hub: h,
		log: log.With().Str("component", "ws").Logger(),
	}
}

// wsWriter adapts a websocket connection to the hub's writer contract.
type wsWriter struct {
	conn *websocket.Conn
}

func (w *wsWriter) Write(ctx context.Context, data []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, data)
}

func (w *wsWriter) Close() error {
	return w.conn.Close(websocket.StatusNormalClosure, "")
}

// ServeHTTP accepts the connection, registers it with the hub and pumps
// inbound frames until the client goes away.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The browser dashboard is served from a different origin in dev.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket accept failed")
		return
	}

	client := h.hub.Connect(&wsWriter{conn: conn})
	defer h.hub.Disconnect(client)

	h.log.Info().Str("remote", r.RemoteAddr).Msg("WebSocket connected")

	ctx := r.Context()
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				h.log.Debug().Str("remote", r.RemoteAddr).Msg("WebSocket closed by client")
			} else {
				h.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket read ended")
			}
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		h.hub.HandleInbound(client, data)
	}
}
