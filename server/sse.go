package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/GoCodeAlone/tourmatch/notify"
)

const keepAliveInterval = 15 * time.Second

// handleSSE streams bus events after a cursor as Server-Sent Events. The
// cursor comes from Last-Event-ID when a client reconnects, else ?cursor=.
// With ?mine=1 only events involving the caller are sent.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mine := q.Get("mine") == "1" || q.Get("mine") == "true"
	agent, err := s.identify(r)
	if mine && err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if mine && agent == "" {
		http.Error(w, "mine=1 needs an agent", http.StatusUnauthorized)
		return
	}

	cursor, err := parseCursor(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	sub := s.core.Bus.Subscribe(r.Context(), cursor)
	s.logger.Debug("event stream opened",
		slog.String("agent", agent),
		slog.Uint64("cursor", cursor),
		slog.Bool("mine", mine))

	fmt.Fprintf(w, ": connected cursor=%d\n\n", cursor) //nolint:errcheck
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keepalive\n\n") //nolint:errcheck
			flusher.Flush()
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			if mine && !e.Involves(agent) {
				continue
			}
			if err := writeEvent(w, e); err != nil {
				s.logger.Error("sse write", slog.Any("err", err))
				return
			}
			flusher.Flush()
		}
	}
}

func parseCursor(r *http.Request) (uint64, error) {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("cursor")
	}
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor %q", raw)
	}
	return n, nil
}

// writeEvent writes e as one SSE message. JSON encoding never emits raw
// newlines, so a single data line is enough.
func writeEvent(w http.ResponseWriter, e notify.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event %d: %w", e.Seq, err)
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.Type, data)
	return err
}
