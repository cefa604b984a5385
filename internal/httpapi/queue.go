package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"fightclaw/internal/apperr"
	"fightclaw/internal/middleware"
)

type joinQueueRequest struct {
	Mode string `json:"mode,omitempty"`
}

// JoinQueue implements POST /v1/queue/join.
func (s *Server) JoinQueue(w http.ResponseWriter, r *http.Request) {
	agent, _ := middleware.GetAgentFromContext(r.Context())

	var req joinQueueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, apperr.Wrap(apperr.CodeInvalidMovePayload, "malformed request body"))
		return
	}

	status, matchID, opponentID, appErr := s.Matchmaker.Join(r.Context(), agent.ID)
	if appErr != nil {
		writeError(w, r, appErr)
		return
	}

	payload := map[string]interface{}{"status": status, "matchId": matchID}
	if opponentID != "" {
		payload["opponentId"] = opponentID
	}
	writeOK(w, r, http.StatusOK, payload)
}

// QueueStatus implements GET /v1/queue/status.
func (s *Server) QueueStatus(w http.ResponseWriter, r *http.Request) {
	agent, _ := middleware.GetAgentFromContext(r.Context())
	status, matchID, opponentID := s.Matchmaker.Status(r.Context(), agent.ID)

	payload := map[string]interface{}{"status": status}
	if matchID != "" {
		payload["matchId"] = matchID
	}
	if opponentID != "" {
		payload["opponentId"] = opponentID
	}
	writeOK(w, r, http.StatusOK, payload)
}

// LeaveQueue implements DELETE /v1/queue/leave.
func (s *Server) LeaveQueue(w http.ResponseWriter, r *http.Request) {
	agent, _ := middleware.GetAgentFromContext(r.Context())
	if err := s.Matchmaker.Leave(r.Context(), agent.ID); err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, r, http.StatusOK, nil)
}

// WaitForEvent implements GET /v1/events/wait?timeout=<s>.
func (s *Server) WaitForEvent(w http.ResponseWriter, r *http.Request) {
	agent, _ := middleware.GetAgentFromContext(r.Context())

	timeout := 30 * time.Second
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			timeout = time.Duration(secs) * time.Second
		}
	}

	ev := s.Matchmaker.WaitForEvent(r.Context(), agent.ID, timeout)
	payload := map[string]interface{}{"event": ev.Name}
	if data, ok := ev.Data.(map[string]interface{}); ok {
		for k, v := range data {
			payload[k] = v
		}
	}
	writeOK(w, r, http.StatusOK, payload)
}
