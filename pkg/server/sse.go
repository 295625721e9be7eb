package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

// sseWriter frames server-sent events. Writes are serialized so that the
// keepalive ticker and the fragment stream never interleave within a frame.
type sseWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &sseWriter{w: w, flusher: flusher}, true
}

func (s *sseWriter) write(frame string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := fmt.Fprint(s.w, frame); err != nil {
		return goerr.Wrap(err, "failed to write SSE frame")
	}
	s.flusher.Flush()
	return nil
}

// Data sends v as the JSON data of an unnamed event
func (s *sseWriter) Data(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return goerr.Wrap(err, "failed to marshal SSE data")
	}
	return s.write("data: " + string(raw) + "\n\n")
}

// Event sends v as the JSON data of a named event
func (s *sseWriter) Event(name string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return goerr.Wrap(err, "failed to marshal SSE data")
	}
	return s.write("event: " + name + "\ndata: " + string(raw) + "\n\n")
}

// Keepalive sends a comment frame every interval until the returned stop
// function is called. A zero interval disables it.
func (s *sseWriter) Keepalive(interval time.Duration) (stop func()) {
	if interval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := s.write(": keepalive\n\n"); err != nil {
					return
				}
			}
		}
	}()

	return sync.OnceFunc(func() {
		close(done)
		<-finished
	})
}
