package httpapi

import (
	"net/http"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// handleSyncStream upgrades the request to a websocket and forwards status
// updates for the requested user until the client disconnects.
func (s *Server) handleSyncStream(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	updates, cancel := s.scheduler.Subscribe()
	defer cancel()

	// CloseRead surfaces client disconnects through the returned context.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case update, ok := <-updates:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if update.UserID != userID {
				continue
			}
			if err := wsjson.Write(ctx, conn, update); err != nil {
				return
			}
		}
	}
}
