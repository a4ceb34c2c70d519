// Package api provides HTTP handlers for FloorPipe endpoints.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/FloorPipe/internal/models"
)

// inboundHandler processes one participant message (POST /inbound) and
// returns the engine's structured result.
func (s *Server) inboundHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.inboundHandler: processing inbound request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.inboundHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var msg models.InboundMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		slog.Warn("Server.inboundHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if msg.ParticipantID == "" {
		slog.Warn("Server.inboundHandler: missing participant_id")
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: participant_id"))
		return
	}

	// Canonicalize the participant phone the same way outbound sends do, so
	// "whatsapp:+57 300..." and "57300..." address the same session.
	participantID, err := s.msgService.ValidateAndCanonicalizeRecipient(msg.ParticipantID)
	if err != nil {
		slog.Warn("Server.inboundHandler: participant validation failed", "error", err, "participant_id", msg.ParticipantID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	msg.ParticipantID = participantID

	result, err := s.engine.HandleMessage(r.Context(), msg)
	if err != nil {
		slog.Error("Server.inboundHandler: failed to process message", "error", err, "participant_id", msg.ParticipantID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process message"))
		return
	}
	slog.Info("Server.inboundHandler: message processed", "participant_id", msg.ParticipantID, "status", result.Status, "step", result.Step)
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

// sessionsHandler returns the live sessions created today (GET /sessions),
// a debug view for operators.
func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.sessionsHandler invoked", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		slog.Warn("Server.sessionsHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sessions, err := s.st.ListSessionsCreated(time.Now())
	if err != nil {
		slog.Error("Server.sessionsHandler: error fetching sessions", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch sessions"))
		return
	}
	slog.Debug("Server.sessionsHandler: sessions fetched", "count", len(sessions))
	writeJSONResponse(w, http.StatusOK, models.Success(sessions))
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	// Probe the store: a session listing failure means handling would fail too.
	if sessions, err := s.st.ListSessionsCreated(time.Now()); err != nil {
		slog.Warn("Health check: failed to list sessions", "error", err)
		healthData["status"] = "degraded"
		healthData["error"] = "Failed to fetch session metrics"
	} else {
		healthData["active_sessions"] = len(sessions)
	}

	statusCode := http.StatusOK
	if healthData["status"] == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSONResponse(w, statusCode, healthData)
}
