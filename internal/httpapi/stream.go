package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/pvhip/GymMaster/internal/policy"
	"github.com/pvhip/GymMaster/internal/stream"
)

// Stream handles Server-Sent Events for enrollment lifecycle events.
// ?type=enrollment.created,enrollment.cancelled narrows the feed.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	u, ok := actor(w, r)
	if !ok {
		return
	}
	if err := policy.Authorize(u, policy.ActionStreamEvents, ""); err != nil {
		handleServiceError(w, r, err)
		return
	}
	if a.stream == nil {
		http.Error(w, "streaming disabled", http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var types []stream.EventType
	for _, t := range strings.Split(r.URL.Query().Get("type"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, stream.EventType(t))
		}
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-a.closing:
			cancel()
		case <-ctx.Done():
		}
	}()

	ch := a.stream.Subscribe(ctx, types...)

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for event := range ch {
		payload, err := json.Marshal(event)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("event: " + string(event.Type) + "\n"))
		_, _ = w.Write([]byte("id: " + event.ID + "\n"))
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}
