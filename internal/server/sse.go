package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/steveyegge/glass/internal/lifecycle"
	"github.com/steveyegge/glass/internal/types"
)

// sseQueueSize bounds how far a slow SSE client may fall behind before the
// stream is terminated. A disconnected client reconnects and receives the
// full backfill, so dropping the connection loses nothing.
const sseQueueSize = 256

// handleEvents streams a session's events over SSE. The first message is a
// backfill wrapper holding every event emitted so far; subsequent messages
// are individual live events in append order, with no gap or duplicate at
// the boundary. The stream ends after the terminal event.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	issueID := r.PathValue("id")

	issue, err := s.store.GetIssue(r.Context(), issueID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if issue == nil {
		writeError(w, http.StatusNotFound, &lifecycle.NotFoundError{IssueID: issueID})
		return
	}

	sessionID := types.ActiveSessionID(issue.State)
	if sessionID == "" {
		writeError(w, http.StatusConflict, errors.New("issue has no session to stream"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming is not supported"))
		return
	}

	// Listeners run under the broadcaster's lock, so the live feed goes
	// through a buffered channel. overflowed flags a client that fell too
	// far behind; its stream is cut rather than blocking the broadcaster.
	live := make(chan types.AnalysisEvent, sseQueueSize)
	var overflowed atomic.Bool
	backfill, unsubscribe, ok := s.events.Subscribe(sessionID, func(ev types.AnalysisEvent) {
		select {
		case live <- ev:
		default:
			overflowed.Store(true)
		}
	})
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no event buffer for session %s", sessionID))
		return
	}
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, types.NewBackfillEvent(backfill)); err != nil {
		return
	}
	flusher.Flush()

	// A completed buffer has no live events; the backfill already contains
	// the terminal event.
	for _, ev := range backfill {
		if ev.IsTerminal() {
			return
		}
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-live:
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
			if ev.IsTerminal() {
				return
			}
			if overflowed.Load() {
				s.logger.Printf("warning: SSE client for session %s fell behind; closing stream", sessionID)
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, ev types.AnalysisEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
