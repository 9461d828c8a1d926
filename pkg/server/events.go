package server

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// eventBuffer is the per-connection subscription buffer. Events beyond it
// are dropped for that connection.
const eventBuffer = 64

const writeTimeout = 5 * time.Second

// handleEvents streams engine events as JSON websocket messages. The
// optional conversation query parameter limits the feed to one
// conversation.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	// Subscribe before the handshake completes so that a client sees every
	// event published after its dial returns.
	bus := s.eng.Events()
	sub := bus.Subscribe(eventBuffer)
	defer bus.Unsubscribe(sub)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.opts.AllowedOrigins,
	})
	if err != nil {
		// Accept has already written the response.
		s.logger.WarnContext(r.Context(), "websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow() //nolint:errcheck // best effort after a normal close

	// The feed is one-way; CloseRead handles control frames and cancels
	// ctx when the client goes away.
	ctx := conn.CloseRead(r.Context())
	filter := r.URL.Query().Get("conversation")

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "event bus closed")
				return
			}
			if filter != "" && ev.ConversationID != filter {
				continue
			}

			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, ev)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
