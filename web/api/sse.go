package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/hochfrequenz/order-history/internal/livestream"
)

// lastEventID reads the replay point from the last_event_id query parameter,
// falling back to the Last-Event-ID header. Unparseable values mean no replay.
func lastEventID(r *http.Request) *int64 {
	for _, v := range []string{r.URL.Query().Get("last_event_id"), r.Header.Get("Last-Event-ID")} {
		if v == "" {
			continue
		}
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return &n
		}
	}
	return nil
}

func (s *Server) liveEventsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "streaming not supported")
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		sub := s.live.Subscribe(lastEventID(r))
		defer s.live.Unsubscribe(sub)
		s.logger.Debug("live stream opened", "subscriber", sub.ID, "remote", r.RemoteAddr)

		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		keepalive := time.NewTimer(s.keepalive)
		defer keepalive.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case ev, ok := <-sub.Events:
				if !ok {
					// dropped as a stalled subscriber, or shutting down
					return
				}
				if err := livestream.WriteFrame(w, ev); err != nil {
					return
				}
			case <-keepalive.C:
				if err := livestream.WriteKeepalive(w); err != nil {
					return
				}
			}
			flusher.Flush()
			keepalive.Reset(s.keepalive)
		}
	}
}

func (s *Server) liveStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.live.Status())
	}
}

func (s *Server) liveSnapshotHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot, err := livestream.ReadSnapshot(s.statePath)
		if err != nil {
			if errors.Is(err, livestream.ErrNoSnapshot) {
				writeError(w, http.StatusNotFound, "No active ORDER run")
				return
			}
			writeError(w, http.StatusInternalServerError, "Failed to read state: "+err.Error())
			return
		}
		writeJSON(w, json.RawMessage(snapshot))
	}
}
