package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/germanamz/relay/pkg/chats/message"
	"github.com/germanamz/relay/pkg/composer"
	"github.com/germanamz/relay/pkg/schedule"
	"github.com/germanamz/relay/pkg/session"
	"github.com/germanamz/relay/pkg/store"
	"github.com/go-chi/chi/v5"
)

// sseSink writes events as server-sent events. Headers are written with
// the first event, so a turn that fails before streaming can still answer
// with a plain JSON error.
type sseSink struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
}

func newSSESink(w http.ResponseWriter) *sseSink {
	return &sseSink{w: w, rc: http.NewResponseController(w)}
}

func (s *sseSink) Send(_ context.Context, ev composer.Event) error {
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("server: encode event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var in session.Input
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&in); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	sink := newSSESink(w)
	_, err := s.eng.Session(id).Turn(r.Context(), in, sink)
	if err == nil {
		return
	}

	log := s.logger.With("conversation_id", id)
	switch {
	case sink.started:
		// The stream already ended with its finish event.
		log.ErrorContext(r.Context(), "turn finished with error", "error", err)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		log.InfoContext(r.Context(), "client left before the turn started")
	default:
		log.WarnContext(r.Context(), "turn rejected", "error", err)
		writeError(w, err)
	}
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.eng.Session(chi.URLParam(r, "id")).Messages(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []message.Message{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := store.ValidateID(id); err != nil {
		writeError(w, err)
		return
	}

	tasks := s.eng.Scheduler().List(id)
	if tasks == nil {
		tasks = []schedule.Task{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := store.ValidateID(id); err != nil {
		writeError(w, err)
		return
	}

	task, err := s.eng.Scheduler().Cancel(id, chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}
