package httpapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/prosearch/internal/streaming"
)

const (
	subscriberBuffer  = 256
	heartbeatInterval = 15 * time.Second
)

// streamRequest is the parsed form of an event stream request.
type streamRequest struct {
	sessionID string
	lastID    uint64
	types     map[string]struct{}

	// follow keeps the stream open for live events after the replay.
	follow bool
}

func (sr streamRequest) wants(evt streaming.Event) bool {
	if evt.Seq <= sr.lastID {
		return false
	}
	if len(sr.types) == 0 {
		return true
	}
	_, ok := sr.types[evt.Type()]
	return ok
}

func parseStreamRequest(r *http.Request, sessionID string) streamRequest {
	sr := streamRequest{sessionID: sessionID, types: map[string]struct{}{}}
	if s := r.URL.Query().Get("types"); s != "" {
		for _, t := range strings.Split(s, ",") {
			if t = strings.TrimSpace(t); t != "" {
				sr.types[t] = struct{}{}
			}
		}
	}
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			sr.lastID = n
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" && sr.lastID == 0 {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			sr.lastID = n
		}
	}
	return sr
}

// resolveSession reports whether id names a session this server can stream
// and whether live events may still arrive for it.
func (h *Handler) resolveSession(ctx context.Context, id string) (known, live bool) {
	if s, err := h.svc.Session(id); err == nil {
		select {
		case <-s.Done():
			return true, false
		default:
			return true, true
		}
	}
	_, archived, _ := h.lookupArchive(ctx, id)
	return archived, false
}

// handleSessionSSE streams one session via Server-Sent Events.
// GET /research/{id}/events?types=a,b&last_event_id=N
func (h *Handler) handleSessionSSE(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	known, live := h.resolveSession(r.Context(), id)
	if !known {
		h.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	sr := parseStreamRequest(r, id)
	sr.follow = live
	h.serveSSE(w, r, sr)
}

// handleTunnelSSE streams tunnel status changes.
// GET /tunnel/events
func (h *Handler) handleTunnelSSE(w http.ResponseWriter, r *http.Request) {
	sr := parseStreamRequest(r, streaming.SystemStream)
	sr.follow = true
	h.serveSSE(w, r, sr)
}

func (h *Handler) serveSSE(w http.ResponseWriter, r *http.Request, sr streamRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Subscribe before replaying so nothing published in between is lost;
	// the Seq filter drops the overlap.
	var ch chan streaming.Event
	if sr.follow {
		ch = h.events.Subscribe(sr.sessionID, subscriberBuffer)
		defer h.events.Unsubscribe(sr.sessionID, ch)
	}

	fmt.Fprintf(w, ": connected to session %s\n\n", sr.sessionID)
	for _, evt := range h.events.ReplaySince(r.Context(), sr.sessionID, sr.lastID) {
		if !sr.wants(evt) {
			continue
		}
		if err := writeSSE(w, evt); err != nil {
			return
		}
		sr.lastID = evt.Seq
	}
	flusher.Flush()
	if !sr.follow {
		return
	}

	hb := time.NewTicker(heartbeatInterval)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.String("session_id", sr.sessionID))
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if !sr.wants(evt) {
				continue
			}
			if err := writeSSE(w, evt); err != nil {
				return
			}
			sr.lastID = evt.Seq
			flusher.Flush()
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w io.Writer, evt streaming.Event) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, evt.Type(), evt.Marshal())
	return err
}
