package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 10 * time.Second

// liveWebSocketHandler streams the same events as the SSE feed, one JSON text
// message per event, with pings instead of keepalive comments
func (s *Server) liveWebSocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already replied
			s.logger.Debug("websocket upgrade failed", "err", err)
			return
		}
		defer conn.Close()

		sub := s.live.Subscribe(lastEventID(r))
		defer s.live.Unsubscribe(sub)
		s.logger.Debug("live websocket opened", "subscriber", sub.ID, "remote", r.RemoteAddr)

		// the read loop only notices the client going away
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
						s.logger.Debug("websocket read", "subscriber", sub.ID, "err", err)
					}
					return
				}
			}
		}()

		ping := time.NewTicker(s.keepalive)
		defer ping.Stop()

		for {
			select {
			case <-closed:
				return
			case <-r.Context().Done():
				return
			case ev, ok := <-sub.Events:
				if !ok {
					conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(wsWriteTimeout))
					return
				}
				data, err := ev.MarshalJSON()
				if err != nil {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
					return
				}
			}
		}
	}
}
