package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/bytedance/sonic"

	"github.com/aristath/dreamteam/internal/events"
)

const keepaliveInterval = 15 * time.Second

// eventEnvelope is one server-sent event payload.
type eventEnvelope struct {
	Type   string       `json:"type"`
	TaskID string       `json:"task_id,omitempty"`
	Data   events.Event `json:"data"`
}

// handleEvents streams lifecycle events as server-sent events. ?topic=
// restricts the stream to one topic.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	var sub *events.Subscription
	if topic := r.URL.Query().Get("topic"); topic != "" {
		sub = h.bus.Subscribe(topic, 0)
	} else {
		sub = h.bus.SubscribeAll(0)
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := sonic.Marshal(eventEnvelope{Type: ev.EventType(), TaskID: ev.TaskID(), Data: ev})
			if err != nil {
				h.log.Warn("encode event", "type", ev.EventType(), "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.EventType(), data); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
