package server

import (
	"fmt"
	"net/http"

	"github.com/kulesh/waypoints/internal/fly/events"
)

// WriteSSE streams events from b as Server-Sent Events. Each frame carries
// the event id and type so clients can resume and filter.
func WriteSSE(w http.ResponseWriter, r *http.Request, b *events.Broadcaster) {
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

	evs, done, unsub := b.Subscribe()
	defer unsub()

	// Replay skips what the client already saw, when that id is still in
	// the history.
	skipUntil := ""
	if last := r.Header.Get("Last-Event-ID"); last != "" {
		for _, ev := range b.History() {
			if ev.ID == last {
				skipUntil = last
				break
			}
		}
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-evs:
			if !ok {
				// Only a closed broadcaster ends the stream with "done"; a
				// dropped slow client just disconnects.
				select {
				case <-done:
					fmt.Fprintf(w, "event: done\ndata: {}\n\n")
					flusher.Flush()
				default:
				}
				return
			}
			if skipUntil != "" {
				if ev.ID == skipUntil {
					skipUntil = ""
				}
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, ev.JSON())
			flusher.Flush()
		}
	}
}
