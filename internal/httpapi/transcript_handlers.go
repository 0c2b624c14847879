package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"scriba.dev/internal/store"
	"scriba.dev/internal/transcript"
)

type transcriptResponse struct {
	MeetingID string               `json:"meeting_id"`
	Segments  []transcript.Segment `json:"segments"`
	Config    map[string]string    `json:"config,omitempty"`
	AsOf      time.Time            `json:"as_of"`
}

// getTranscript serves the merged durable-plus-live view of a meeting.
func (a *API) getTranscript(w http.ResponseWriter, r *http.Request, meetingID string) {
	segments, err := a.reader.Snapshot(r.Context(), meetingID)
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			writeError(w, r, http.StatusServiceUnavailable, "durable storage unavailable")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if segments == nil {
		segments = []transcript.Segment{}
	}

	writeJSON(w, http.StatusOK, transcriptResponse{
		MeetingID: meetingID,
		Segments:  segments,
		Config:    a.cache.Config(meetingID),
		AsOf:      time.Now().UTC(),
	})
}

// streamDeltas serves delta notifications for one meeting over SSE.
func (a *API) streamDeltas(w http.ResponseWriter, r *http.Request, meetingID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.pub.Subscribe(ctx, meetingID)

	// Initial comment establishes the stream on proxies and clients.
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for delta := range ch {
		payload, err := json.Marshal(delta)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}
