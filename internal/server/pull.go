package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/HyphaGroup/murmur/internal/audit"
	"github.com/HyphaGroup/murmur/internal/logger"
	"github.com/HyphaGroup/murmur/internal/relay"
	"github.com/HyphaGroup/murmur/internal/session"
	"github.com/HyphaGroup/murmur/internal/validation"
)

const maxBodyBytes = 1 << 20

// instructionRequest is the body of /stream and /execute
type instructionRequest struct {
	Command     string `json:"command"`
	Content     string `json:"content"`
	Instruction string `json:"instruction"`
	Stream      bool   `json:"stream"`
}

// text returns the first non-blank of the accepted instruction fields
func (req *instructionRequest) text() string {
	for _, s := range []string{req.Instruction, req.Command, req.Content} {
		if strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

// decodeInstruction reads the request body; on failure it has already
// written a 400 response.
func decodeInstruction(w http.ResponseWriter, r *http.Request) (*instructionRequest, bool) {
	var req instructionRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read request body"})
		return nil, false
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid JSON: %v", err)})
			return nil, false
		}
	}
	text, err := validation.ValidateInstruction(req.text())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return nil, false
	}
	req.Instruction = text
	return &req, true
}

func wantsEventStream(r *http.Request, req *instructionRequest) bool {
	return req.Stream || strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// handleStream always answers with an event stream
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if !s.ready() {
		notReady(w)
		return
	}
	req, ok := decodeInstruction(w, r)
	if !ok {
		return
	}
	s.serveEventStream(w, r, SourceStream, req.Instruction)
}

// handleExecute streams when asked to, otherwise waits for the full answer
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if !s.ready() {
		notReady(w)
		return
	}
	req, ok := decodeInstruction(w, r)
	if !ok {
		return
	}
	if wantsEventStream(r, req) {
		s.serveEventStream(w, r, SourceExecute, req.Instruction)
		return
	}

	id := uuid.NewString()
	ctx := logger.WithSessionID(r.Context(), id)
	w.Header().Set("X-Session-ID", id)

	var out relay.Collector
	audit.Record(ctx, audit.OpInstruction, SourceExecute, id, nil)
	res, err := s.relay.Serve(ctx, id, SourceExecute, req.Instruction, &out)
	if err != nil {
		logger.ErrorContext(ctx, "execute failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "error": err.Error(), "session_id": id})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "output": res.Last(), "session_id": id})
}

// serveEventStream relays one instruction as Server-Sent Events. The
// session ends when the relay finishes or the client goes away.
func (s *Server) serveEventStream(w http.ResponseWriter, r *http.Request, source, instruction string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	id := uuid.NewString()
	ctx := logger.WithSessionID(r.Context(), id)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set("X-Session-ID", id)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Each frame gets a deadline so a client that stops reading cannot
	// hold the session's flag, and with it any stop or shutdown, forever
	rc := http.NewResponseController(w)
	timeout := s.writeTimeout()
	sink := relay.SinkFunc(func(ev relay.Event) error {
		if err := rc.SetWriteDeadline(time.Now().Add(timeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", ev.Marshal()); err != nil {
			return err
		}
		return rc.Flush()
	})

	audit.Record(ctx, audit.OpInstruction, source, id, nil)

	// A departed client cancels the session like a stop would
	stop := context.AfterFunc(ctx, func() {
		if err := s.registry.Cancel(id, session.SourceDisconnect); err != nil {
			logger.Error("Cancel %s: %v", id, err)
		}
	})
	defer stop()

	_, err := s.relay.Serve(ctx, id, source, instruction, sink)
	switch {
	case errors.Is(err, relay.ErrCancelled):
		if ctx.Err() == nil {
			// Stopped through /stop; close the stream with the acknowledgement
			_ = sink.Send(relay.SuccessEvent(msgStopped))
		}
	case err != nil:
		logger.ErrorContext(ctx, "event stream ended with error", "error", err)
	}
}

// handleStop cancels a running session by id
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("sessionID")
	if err := validation.ValidateSessionID(id); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
		return
	}
	err := s.registry.Cancel(id, session.SourceAdmin)
	audit.Record(r.Context(), audit.OpStop, "stop", id, err)
	if err != nil {
		logger.ErrorContext(r.Context(), "stop failed", "session_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "message": msgStopped})
}
