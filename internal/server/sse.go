package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jeeves-sh/jeeves/internal/events"
)

// subscriberBuffer caps how far an SSE client may lag before it is
// disconnected rather than blocking the hub.
const subscriberBuffer = 256

var errSlowSubscriber = errors.New("subscriber buffer full")

// handleEvents streams hub events as SSE. A fresh client first receives
// the current state snapshot so it can render without a separate fetch,
// then live events, with a comment heartbeat to keep idle proxies from
// closing the stream.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx proxy compatibility
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := make(chan events.Event, subscriberBuffer)
	dropped := make(chan struct{})
	var once sync.Once
	id := s.hub.AddSubscriber(func(ev events.Event) error {
		select {
		case ch <- ev:
			return nil
		default:
			once.Do(func() { close(dropped) })
			return errSlowSubscriber
		}
	})
	defer s.hub.RemoveSubscriber(id)

	if snap, err := s.svc.State(); err == nil {
		writeEvent(w, flusher, events.Event{Type: "state", Data: snap})
	} else {
		s.logger.Warn("state replay failed", "err", err)
	}

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-dropped:
			s.logger.Debug("dropping slow event subscriber", "id", id)
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev := <-ch:
			writeEvent(w, flusher, ev)
		}
	}
}

// writeEvent emits one named SSE frame.
func writeEvent(w http.ResponseWriter, flusher http.Flusher, ev events.Event) {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	flusher.Flush()
}
