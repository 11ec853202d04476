package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/nikolaospapagiannis/openmeet-pipeline/internal/pipeline"
	"github.com/nikolaospapagiannis/openmeet-pipeline/internal/session"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// Server exposes the chunk ingestion, session lifecycle and live
// subscription surface of the pipeline.
type Server struct {
	pipeline *pipeline.Pipeline
	logger   *slog.Logger
}

func New(p *pipeline.Pipeline, logger *slog.Logger) *Server {
	return &Server{
		pipeline: p,
		logger:   logger.With(slog.String("component", "server")),
	}
}

// Routes registers all handlers on a dedicated mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions", s.handleStart)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleGet)
	mux.HandleFunc("POST /v1/sessions/{id}/chunks", s.handleChunk)
	mux.HandleFunc("POST /v1/sessions/{id}/stop", s.handleStop)
	mux.HandleFunc("POST /v1/sessions/{id}/abort", s.handleAbort)
	mux.HandleFunc("GET /ws/sessions/{id}", s.handleSubscribe)
	mux.HandleFunc("GET /ws/sessions/{id}/ingest", s.handleIngest)
	return mux
}

type startRequest struct {
	MeetingID string `json:"meeting_id"`
	Language  string `json:"language"`
}

type startResponse struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MeetingID == "" {
		writeError(w, http.StatusBadRequest, "meeting_id is required")
		return
	}

	sess, err := s.pipeline.StartSession(req.MeetingID, req.Language)
	if err != nil {
		if errors.Is(err, session.ErrDuplicateSession) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error("failed to start session", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to start session")
		return
	}
	writeJSON(w, http.StatusCreated, startResponse{SessionID: sess.ID})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	snap, err := s.pipeline.Snapshot(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type chunkRequest struct {
	Sequence uint64 `json:"sequence"`
	StartMs  int64  `json:"start_ms"`
	EndMs    int64  `json:"end_ms"`
	Payload  string `json:"payload"` // base64-encoded audio
}

func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	var req chunkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed chunk body")
		return
	}
	payload, err := base64.StdEncoding.DecodeString(req.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, "payload is not valid base64")
		return
	}

	err = s.pipeline.Ingest(sessionID, req.Sequence, payload, req.StartMs, req.EndMs)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
	case errors.Is(err, pipeline.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, pipeline.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, pipeline.ErrDuplicateChunk):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, pipeline.ErrSessionExpired):
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, pipeline.ErrSequenceGap):
		writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		s.logger.Error("chunk ingest failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "ingest failed")
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if err := s.pipeline.Finalize(r.Context(), sessionID, "explicit stop"); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if err := s.pipeline.Abort(sessionID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

// handleSubscribe streams newly persisted segments over a WebSocket, one JSON
// message per segment, in persisted order. The stream ends when the session
// reaches a terminal state or the viewer disconnects.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	segments, cancel, err := s.pipeline.Subscribe(sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		cancel()
		s.logger.Warn("failed to upgrade subscriber connection",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		return
	}
	defer conn.Close()
	defer cancel()

	// Drain the read side so we notice the viewer going away.
	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case seg, ok := <-segments:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"))
				return
			}
			if err := conn.WriteJSON(seg); err != nil {
				s.logger.Debug("subscriber write failed",
					slog.String("session_id", sessionID),
					slog.String("error", err.Error()),
				)
				return
			}
		case <-disconnected:
			return
		}
	}
}

// handleIngest accepts raw binary audio frames over a WebSocket, for capture
// clients that pump fixed-duration buffers straight off the recorder. The
// chunk duration is declared once in the query string; sequence numbers and
// the session timeline are derived server-side, resuming from the session's
// consumed-sequence watermark so a reconnecting client does not restart at
// zero. Ingest errors go back as JSON text frames; fatal ones end the stream.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	snap, err := s.pipeline.Snapshot(sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	chunkMs, err := strconv.ParseInt(r.URL.Query().Get("chunk_ms"), 10, 64)
	if err != nil || chunkMs <= 0 {
		writeError(w, http.StatusBadRequest, "chunk_ms query parameter is required")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade ingest connection",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		return
	}
	defer conn.Close()

	seq := uint64(snap.LastSequence + 1)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage || len(data) == 0 {
			continue
		}

		startMs := int64(seq) * chunkMs
		err = s.pipeline.Ingest(sessionID, seq, data, startMs, startMs+chunkMs)
		switch {
		case err == nil:
			seq++
		case errors.Is(err, pipeline.ErrDuplicateChunk):
			// Already consumed, e.g. a redelivery after reconnect.
			seq++
		default:
			_ = conn.WriteJSON(map[string]string{"error": err.Error()})
			if errors.Is(err, pipeline.ErrSessionNotFound) || errors.Is(err, pipeline.ErrSessionExpired) {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
